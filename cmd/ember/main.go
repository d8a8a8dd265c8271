package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/ember/internal/api"
	"github.com/nidhogg/ember/internal/config"
	"github.com/nidhogg/ember/internal/engine"
	"github.com/nidhogg/ember/internal/presence"
	"github.com/nidhogg/ember/internal/render"
	"github.com/nidhogg/ember/internal/store"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/ember.json"
	}
	cfg, usedDefaults, cfgErr := loadConfig(cfgPath)
	if cfgErr != nil {
		logger := newLogger(config.Default())
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(cfgErr))
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	if usedDefaults {
		logger.Warn("Config file not found, using defaults", zap.String("path", cfgPath))
	} else {
		logger.Info("Config loaded", zap.String("path", cfgPath))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	logger.Info("Starting Ember...")

	st, closeStore := openStore(cfg, logger)
	eng := engine.New(cfg.Avatar, st, logger)

	// Presence bus: Redis when configured, the log otherwise
	var pub presence.Publisher = presence.LogPublisher{Logger: logger}
	var bus *presence.RedisBus
	if cfg.Database.Redis.URL != "" {
		b, err := presence.NewRedisBus(cfg.Database.Redis.URL, cfg.Database.Redis.MaxLen, logger)
		if err != nil {
			logger.Warn("Redis unavailable, presence goes to the log", zap.Error(err))
		} else {
			bus = b
			pub = b
			logger.Info("Redis presence bus connected")
		}
	}

	var pulse *presence.Pulse
	if cfg.Pulse.Enabled {
		pulse = presence.NewPulse(eng, pub, presence.Config{
			Interval:     cfg.Pulse.Interval.Std(),
			IdleInterval: cfg.Pulse.IdleInterval.Std(),
			Capability:   render.Capability(cfg.Pulse.Capability),
		}, logger)
		pulse.Start()
	}

	// Build HTTP handler
	handler := api.NewHandler(eng, cfg.Server.AllowedOrigins, logger)
	if bus != nil {
		handler.SetPresence(bus)
	}

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Ember listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Ember...")
	if pulse != nil {
		pulse.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	if bus != nil {
		bus.Close()
	}
	closeStore()
	logger.Info("Ember stopped")
}

// loadConfig reads path, falling back to config.Default when the file does
// not exist. Any other read or parse error is returned with a nil config.
func loadConfig(path string) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		return cfg, false, nil
	case errors.Is(err, fs.ErrNotExist):
		return config.Default(), true, nil
	default:
		return nil, false, err
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	if cfg == nil {
		cfg = config.Default()
	}
	var logger *zap.Logger
	var err error
	if cfg.Server.LogLevel == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		zc := zap.NewProductionConfig()
		if lvl, perr := zapcore.ParseLevel(cfg.Server.LogLevel); perr == nil {
			zc.Level = zap.NewAtomicLevelAt(lvl)
		}
		logger, err = zc.Build()
	}
	if err != nil {
		return zap.NewExample()
	}
	return logger
}

// openStore prefers PostgreSQL, falls back to SQLite, and finally runs
// memory-only. The returned func closes whatever was opened.
func openStore(cfg *config.Config, logger *zap.Logger) (engine.Store, func()) {
	if dsn := cfg.Database.Postgres.DSN; dsn != "" {
		ps, err := store.New(dsn, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, trying SQLite", zap.Error(err))
		} else {
			if err := ps.Migrate(context.Background(), cfg.Database.MigrationsDir); err != nil {
				logger.Fatal("migration failed", zap.Error(err))
			}
			return ps, func() { ps.Close() }
		}
	}
	if path := cfg.Database.SQLite.Path; path != "" {
		sq, err := store.OpenSQLite(path, logger)
		if err != nil {
			logger.Warn("SQLite unavailable, running without persistence", zap.Error(err))
		} else {
			return sq, func() { sq.Close() }
		}
	}
	logger.Warn("No store configured, avatar state is memory-only")
	return nil, func() {}
}
