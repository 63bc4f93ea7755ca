package main

import (
	"fmt"
	"log/slog"
	"os"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/hesabu/internal/config"
	"github.com/jkaninda/hesabu/internal/registry"
	"github.com/jkaninda/hesabu/internal/workspace"
)

// SharedComponents holds the subsystems every command needs: the
// configuration, the workspace store, and the session registry with its
// persistence backend. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    *workspace.Store
	Records  *registry.GormStore
	Sessions *registry.Registry

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

// loadConfig reads the config file, falling back to built-in defaults
// when no file exists at the path. Env overrides apply either way.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	resolved := goutils.Env("HESABU_CONFIG", path)
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		logger.Info("no config file found, using defaults", slog.String("path", resolved))
		return config.Default(), nil
	}
	return config.Load(resolved)
}

// initShared builds the workspace store and the hydrated session registry.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	if err := os.MkdirAll(cfg.ResolvedDataDir(), 0o700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	store, err := workspace.NewStore(cfg.ResolvedBaseDir(), logger, workspace.WithQuota(cfg.Session.Quota()))
	if err != nil {
		return nil, fmt.Errorf("initializing workspace store: %w", err)
	}
	sc.Store = store

	storeCfg := registry.StoreConfig{
		Driver: cfg.StorageDriverName(),
		Path:   cfg.DatabasePath(),
	}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		storeCfg.DSN = cfg.Storage.Postgres.DSN
	}
	records, err := registry.OpenStore(storeCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	sc.Records = records
	sc.cleanups = append(sc.cleanups, func() { _ = records.Close() })

	sc.Sessions = registry.New(records, logger)
	return sc, nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
