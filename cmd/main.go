package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"transcription-orchestrator/pkg/api"
	"transcription-orchestrator/pkg/broadcast"
	"transcription-orchestrator/pkg/cleanup"
	"transcription-orchestrator/pkg/config"
	"transcription-orchestrator/pkg/engine"
	"transcription-orchestrator/pkg/scheduler"
	"transcription-orchestrator/pkg/storage"
	"transcription-orchestrator/pkg/stream"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize storage
	registry := storage.NewRegistry()
	diskStore, err := storage.NewDiskStore(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to initialize disk storage: %v", err)
	}
	defer diskStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize services
	hub := broadcast.NewHub()
	cleaner := cleanup.NewService(cfg.Cleanup, registry, diskStore)
	eng := engine.NewHTTPClient(cfg.Engine.URL, cfg.Engine.APIKey, cfg.Engine.MaxPromptLen)

	sched := scheduler.New(cfg.Scheduler, cfg.Chunking, cfg.Engine.CallTimeout,
		registry, diskStore, eng, scheduler.FileChunkLoader{}, hub, cleaner)
	sched.Start(ctx)

	sessions := stream.NewManager(cfg.Stream, registry, eng, hub, cleaner, cfg.Engine.CallTimeout)

	go cleaner.Run(ctx)
	go sessions.Run(ctx)

	// Initialize API handlers
	handlers := api.NewHandlers(sched, registry, diskStore, cleaner, sessions, cfg.Cleanup.TempDir, cfg.Engine.MaxPromptLen)

	// Setup routes
	router := mux.NewRouter()
	router.HandleFunc("/upload", handlers.UploadHandler).Methods("POST")
	router.HandleFunc("/files/{id}", handlers.DeleteFileHandler).Methods("DELETE")
	router.HandleFunc("/transcribe/file", handlers.TranscribeFileHandler).Methods("POST")
	router.HandleFunc("/transcribe/batch", handlers.TranscribeBatchHandler).Methods("POST")
	router.HandleFunc("/jobs/{id}/progress", handlers.ProgressHandler).Methods("GET")
	router.HandleFunc("/jobs/{id}/transcript", handlers.TranscriptHandler).Methods("GET")
	router.HandleFunc("/jobs/{id}/cancel", handlers.CancelHandler).Methods("POST")
	router.HandleFunc("/batches/{id}/progress", handlers.BatchProgressHandler).Methods("GET")
	router.HandleFunc("/ws", handlers.WebSocketHandler(hub))

	// Start HTTP server
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("Server starting on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
