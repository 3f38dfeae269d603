package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/config"
	"github.com/mantonx/beatdrop/internal/database"
	"github.com/mantonx/beatdrop/internal/logger"
	"github.com/mantonx/beatdrop/internal/middleware"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "beatdrop: %v\n", err)
		os.Exit(1)
	}
}

func configPath() string {
	if p := os.Getenv("BEATDROP_CONFIG_PATH"); p != "" {
		return p
	}
	for _, p := range []string{"/etc/beatdrop/beatdrop.yaml", "./beatdrop.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func run() error {
	path := configPath()
	bootLogger := hclog.New(&hclog.LoggerOptions{Name: "beatdrop", Output: os.Stderr})

	cfgManager := config.NewManager(bootLogger)
	if err := cfgManager.LoadConfig(path); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := cfgManager.GetConfig()

	log, err := logger.New(cfg.Logging, nil)
	if err != nil {
		return err
	}
	log.Info("configuration loaded", "path", path, "session_store", cfg.Sessions.Store, "storage", cfg.Storage.Backend)

	// Create a context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if path != "" {
		cfgManager.AddWatcher(logger.LevelWatcher(log))
		go func() {
			if err := cfgManager.Watch(ctx); err != nil {
				log.Warn("config hot reload disabled", "error", err)
			}
		}()
	}

	opts := mediamodule.Options{}

	if cfg.Server.EnableMetrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.Registry = reg
	}

	var db *gorm.DB
	if cfg.Sessions.Store == "database" {
		db, err = database.Connect(cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		opts.DB = db
		log.Info("database connected", "type", cfg.Database.Type)
	}

	if cfg.Sessions.Store == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		opts.Redis = client
		log.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	module := mediamodule.New(cfg, opts, log)
	if db != nil {
		if err := module.Migrate(db); err != nil {
			return err
		}
	}
	if err := module.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize %s: %w", module.Name(), err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		middleware.RequestID(),
		api.ErrorMiddleware(log),
		middleware.RequestLogger(log, api.BasePath+"/health", "/metrics"),
		middleware.ErrorLogger(log),
	)
	module.RegisterRoutes(router)
	module.Start(ctx)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting beatdrop server", "addr", srv.Addr, "public_url", cfg.Server.PublicURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", "error", err)
	}
	if err := module.Shutdown(shutdownCtx); err != nil {
		log.Error("module shutdown error", "module", module.ID(), "error", err)
	}
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}

	log.Info("server shutdown complete")
	return nil
}
