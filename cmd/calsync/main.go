package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/studypath/calsync/internal/config"
	"github.com/studypath/calsync/internal/crypto"
	"github.com/studypath/calsync/internal/provider"
	"github.com/studypath/calsync/internal/scheduler"
	"github.com/studypath/calsync/internal/store"
	"github.com/studypath/calsync/internal/sync"
	"github.com/studypath/calsync/internal/web"
)

const version = "1.0.0"

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting CalSync...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := cfg.Validate(context.Background()); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	st, err := store.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	// Initialize encryptor for refresh tokens at rest
	encryptor, err := crypto.NewEncryptor(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize encryptor: %v", err)
	}

	// Token provider reads the encrypted refresh token per account
	tokens := provider.NewOAuthTokenProvider(
		cfg.Google.ClientID,
		cfg.Google.ClientSecret,
		func(ctx context.Context, accountID string) (string, error) {
			encrypted, err := st.GetAccountRefreshToken(accountID)
			if err != nil {
				return "", err
			}
			if encrypted == "" {
				return "", provider.ErrNoCredential
			}
			return encryptor.Decrypt(encrypted)
		},
	)

	clients := sync.NewGoogleClientFactory(tokens)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "calsync"
	}

	// Initialize sync orchestrator
	orch := sync.NewOrchestrator(st, clients, sync.OrchestratorConfig{
		Owner:         fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		LeaseTTL:      cfg.Sync.LeaseTTL,
		PageSize:      int64(cfg.Sync.PageSize),
		ProviderRPS:   cfg.RateLimiting.ProviderRPS,
		ProviderBurst: cfg.RateLimiting.ProviderBurst,
		Matcher: &sync.DuplicateMatcher{
			MaxTitleDistance: cfg.Sync.TitleDistance,
			TimeTolerance:    cfg.Sync.TimeTolerance,
		},
	})

	webhookURL := cfg.Google.WebhookBaseURL + "/webhooks/google"
	watch := sync.NewWatchManager(st, clients, webhookURL)

	// Initialize scheduler
	sched := scheduler.New(st, orch, watch, scheduler.Config{
		Workers:      cfg.Sync.Workers,
		SyncInterval: cfg.Sync.Interval,
		LogRetention: cfg.Sync.LogRetention,
	})

	resolverLimiter := rate.NewLimiter(rate.Limit(cfg.RateLimiting.ProviderRPS), cfg.RateLimiting.ProviderBurst)
	resolver := sync.NewConflictResolver(st, clients, sync.NewRetryScheduler(resolverLimiter))
	ingestor := sync.NewWebhookIngestor(st, sched)

	// Initialize handlers
	handlers := web.NewHandlers(st, sched, resolver, ingestor, version)
	accountHandlers := web.NewAccountHandlers(st, encryptor, watch, sched)

	// Setup Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())

	web.SetupRoutes(router, handlers, accountHandlers)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	// Start scheduler
	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Stop scheduler; active runs stop at their next page boundary
	sched.Stop()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
