package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/schnicklfritz/comfyui-model-downloader/cmd"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/api"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/config"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/core"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/credentials"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/database"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/downloader"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/messaging"
	"github.com/schnicklfritz/comfyui-model-downloader/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"
)

func createDatabase(cfg *config.Config) *gorm.DB {
	db, err := database.New(cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	return db
}

func createCredentialStore(cfg *config.Config) *credentials.Store {
	creds, err := credentials.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open credential store: %v", err)
	}
	return creds
}

// createQueue builds the in-process queue for the single-binary deployment.
// Jobs left QUEUED by a previous run are re-published so they are not lost
// with the process that held them.
func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	queue := messaging.NewInMemoryQueue()

	if err := core.RepublishQueuedJobs(context.Background(), db, queue); err != nil {
		log.Fatalf("Failed to republish queued jobs: %v", err)
	}

	return queue
}

func createObjectStore(cfg *config.Config) api.ObjectStore {
	if cfg.S3EndpointURL == "" && cfg.S3AccessKeyID == "" {
		slog.Info("no object store configured, classification by s3 url is disabled")
		return nil
	}

	store, err := storage.NewS3Store(storage.S3Config{
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		log.Fatalf("Failed to create S3 client: %v", err)
	}
	return store
}

func createServer(db *gorm.DB, store api.ObjectStore, publisher messaging.Publisher, creds *credentials.Store, port int) *http.Server {
	r := chi.NewRouter()

	// Middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"}, // Allow all origins (TODO: make this an env var)
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300, // Cache preflight response for 5 minutes
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)                    // Log requests
	r.Use(middleware.Recoverer)                 // Recover from panics
	r.Use(middleware.Timeout(60 * time.Second)) // Set request timeout

	apiHandler := api.NewBackendService(db, store, publisher, creds)

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.DataDir, os.ModePerm); err != nil {
		log.Fatalf("error creating data directory: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.DataDir, "server.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting server", "port", cfg.Port, "data_dir", cfg.DataDir, "models_dir", cfg.ModelsDir, "transfer_tool", cfg.TransferTool)

	db := createDatabase(cfg)
	creds := createCredentialStore(cfg)

	var publisher messaging.Publisher
	var worker *core.TaskProcessor

	if cfg.RabbitMQURL != "" {
		rabbit, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer rabbit.Close()
		publisher = rabbit
		slog.Info("using rabbitmq queue, downloads run on standalone workers")
	} else {
		queue := createQueue(db)
		dl := downloader.New(cfg.StagingDir(), cfg.DownloadTimeout)
		worker = core.NewTaskProcessor(db, dl, creds, queue, queue, cfg.ModelsDir, cfg.TransferTool)
		publisher = queue
	}

	server := createServer(db, createObjectStore(cfg), publisher, creds, cfg.Port)

	if worker != nil {
		slog.Info("starting embedded worker")
		go worker.Start()
	}

	// Goroutine for graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		if worker != nil {
			slog.Info("shutting down worker")
			worker.Stop()
		}
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}
