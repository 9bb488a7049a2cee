package main

import (
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schnicklfritz/comfyui-model-downloader/cmd"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/config"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/core"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/credentials"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/database"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/downloader"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/messaging"
)

func main() {
	log.Println("Starting worker process")

	cmd.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.RabbitMQURL == "" {
		log.Fatalf("RABBITMQ_URL must be set, the standalone worker consumes from rabbitmq")
	}

	db, err := database.New(cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	creds, err := credentials.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open credential store: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to start RabbitMQ consumer: %v", err)
	}

	dl := downloader.New(cfg.StagingDir(), cfg.DownloadTimeout)

	worker := core.NewTaskProcessor(db, dl, creds, publisher, receiver, cfg.ModelsDir, cfg.TransferTool)

	go worker.Start()
	slog.Info("worker started, waiting for download tasks", "models_dir", cfg.ModelsDir, "transfer_tool", cfg.TransferTool)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker")
	worker.Stop()
}
