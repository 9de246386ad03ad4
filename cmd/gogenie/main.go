package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"gogenie/internal/admin"
	"gogenie/internal/api"
	"gogenie/internal/chat"
	"gogenie/internal/chatcontext"
	"gogenie/internal/config"
	"gogenie/internal/content"
	"gogenie/internal/db"
	"gogenie/internal/gemini"
	"gogenie/internal/keypool"
	"gogenie/internal/logger"
	"gogenie/internal/scheduler"
	"gogenie/internal/usage"
	"gogenie/internal/vectorstore"
	"gogenie/internal/video"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

// customRecovery is a middleware that recovers from panics and handles http.ErrAbortHandler gracefully.
func customRecovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					log.Warn("Client connection aborted", "path", c.Request.URL.Path)
					c.Abort()
					return
				}

				log.Error("Panic recovered",
					"error", recovered,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// app is the wired service.
type app struct {
	router    *gin.Engine
	scheduler *scheduler.Scheduler
	closers   []func() error
}

// close releases the resources opened by newApp, last opened first.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// usageStore opens the configured usage counter store.
func usageStore(ctx context.Context, cfg *config.Config, dbService db.Service) (usage.Store, func() error, error) {
	if cfg.Usage.Store != "redis" {
		return dbService, func() error { return nil }, nil
	}
	// Redis counters outlive the retention window by one period.
	ttl := time.Duration(cfg.Usage.RetentionMonths+1) * 31 * 24 * time.Hour
	store, err := usage.NewRedisStoreFromURL(ctx, cfg.Usage.RedisURL, ttl)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger, dbService db.Service) (*app, error) {
	a := &app{}

	store, closeStore, err := usageStore(ctx, cfg, dbService)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage store: %w", err)
	}
	a.closers = append(a.closers, closeStore)
	log.Info("Usage store initialized", "store", cfg.Usage.Store)
	accountant := usage.NewAccountant(store, usage.LimitsFromConfig(cfg.Usage.Free), log)

	geminiPool := keypool.New("gemini", cfg.Gemini.Keys, log)
	youtubePool := keypool.New("youtube", cfg.YouTube.Keys, log)
	geminiClient := gemini.NewClient(geminiPool, cfg.Gemini.Model, cfg.Vector.EmbeddingModel, log)
	log.Info("Key pools initialized", "gemini_keys", geminiPool.Len(), "youtube_keys", youtubePool.Len())

	var (
		searcher chatcontext.Searcher
		indexer  chat.Indexer
	)
	if cfg.Vector.Enabled {
		index, err := vectorstore.Open(cfg.Vector, geminiClient, log)
		if err != nil {
			_ = a.close()
			return nil, fmt.Errorf("failed to open vector index: %w", err)
		}
		searcher, indexer = index, index
	}

	builder := chatcontext.NewBuilder(dbService, searcher, chatcontext.OptionsFromConfig(cfg.Context), log)
	chatService := chat.NewService(dbService, indexer, geminiClient, builder, accountant, log)
	contentService := content.NewService(geminiClient, accountant, log)
	videoSearcher := video.NewSearcher(youtubePool, accountant, cfg.YouTube.MaxResults, log)

	router := gin.New()
	// Use our custom recovery middleware instead of the default one.
	router.Use(customRecovery(log))

	// If debug mode is enabled, add the logger middleware
	if cfg.Debug {
		// This uses the default gin logger, which is fine for development.
		router.Use(gin.Logger())
	}

	api.SetupRoutes(router, api.NewHandler(chatService, contentService, videoSearcher, accountant, log), dbService)
	admin.SetupRoutes(router, admin.NewHandler(dbService, chatService, log, geminiPool, youtubePool), cfg)
	a.router = router

	a.scheduler = scheduler.NewScheduler(dbService, cfg.Usage.RetentionMonths, log)
	return a, nil
}

// setupAndRunServer serves until ctx is done, then shuts down gracefully.
func setupAndRunServer(ctx context.Context, cfg *config.Config, log *slog.Logger, dbService db.Service) error {
	a, err := newApp(ctx, cfg, log, dbService)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Error("Error closing resources", "error", err)
		}
	}()

	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer a.scheduler.Stop()
	log.Info("Scheduler started")

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: a.router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}
	log.Info("Shutting down server...")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("Server exiting")
	return nil
}

func main() {
	// A .env file is optional
	_ = godotenv.Load()

	// Load configuration
	cfg, warning, err := config.LoadConfig("config.yaml")
	if err != nil {
		// Use a temporary logger for startup errors
		slog.Error("Error loading configuration", "error", err)
		os.Exit(1)
	}

	// Setup logger
	log := logger.New(cfg.Log, cfg.Debug)
	log.Info("Logger initialized", "debug_mode", cfg.Debug)
	if warning != "" {
		log.Warn(warning)
	}

	// Initialize database
	dbService, err := db.NewService(cfg.Database)
	if err != nil {
		log.Error("Error initializing database", "error", err)
		os.Exit(1)
	}
	log.Info("Database initialized", "type", cfg.Database.Type)

	// Wait for interrupt signal to gracefully shut down the server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = setupAndRunServer(ctx, cfg, log, dbService)
	stop()

	if closeErr := dbService.Close(); closeErr != nil {
		log.Error("Error closing database", "error", closeErr)
	}
	if err != nil {
		log.Error("Server error", "error", err)
		os.Exit(1)
	}
}
