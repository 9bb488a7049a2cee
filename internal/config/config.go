package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	TransferRclone = "rclone"
	TransferS3     = "s3"
)

// Config is shared by the server, the worker, and the CLI. DATA_DIR holds
// everything the service owns (database, credential store, staging);
// MODELS_DIR is the library downloads are placed into.
type Config struct {
	Port            int           `env:"PORT" envDefault:"8100"`
	DataDir         string        `env:"DATA_DIR" envDefault:"./modelfetch"`
	ModelsDir       string        `env:"MODELS_DIR" envDefault:"./models"`
	DatabaseURL     string        `env:"DATABASE_URL" envDefault:""`
	RabbitMQURL     string        `env:"RABBITMQ_URL" envDefault:""`
	DownloadTimeout time.Duration `env:"DOWNLOAD_TIMEOUT" envDefault:"30m"`
	TransferTool    string        `env:"TRANSFER_TOOL" envDefault:"rclone"`

	S3EndpointURL     string `env:"S3_ENDPOINT_URL" envDefault:""`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID" envDefault:""`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" envDefault:""`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing environment: %w", err)
	}

	if cfg.TransferTool != TransferRclone && cfg.TransferTool != TransferS3 {
		return nil, fmt.Errorf("invalid TRANSFER_TOOL %q, expected %q or %q", cfg.TransferTool, TransferRclone, TransferS3)
	}

	return &cfg, nil
}

func (c *Config) StagingDir() string {
	return filepath.Join(c.DataDir, "staging")
}
