package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/rendis/chainflow/internal/connectors"
	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/handlers"
	"github.com/rendis/chainflow/internal/loader"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/registry"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/internal/validation"
)

// app is the wired runtime shared by the commands.
type app struct {
	cfg       Config
	logger    *zap.Logger
	handlers  *handlers.Registry
	validator *validation.Validator
	loader    *loader.Loader
	store     *store.LibSQLStore
	hub       *streaming.MemoryHub
	engine    *engine.Engine
	registry  *registry.Registry
}

// newApp wires the handler registry, validator, optional libSQL store,
// event hub, engine and chain registry. Chains run against the echo
// connector, delayed by latency.
func newApp(ctx context.Context, cfg Config, latency time.Duration) (*app, error) {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	a.handlers = handlers.NewRegistry()
	if err := handlers.RegisterBuiltins(a.handlers); err != nil {
		return nil, err
	}
	if a.validator, err = validation.NewValidator(a.handlers); err != nil {
		return nil, err
	}
	a.loader = loader.New(a.validator)

	opts := []engine.Option{engine.WithHandlers(a.handlers), engine.WithLogger(logger)}
	var regOpts []registry.Option

	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate store: %w", err)
		}
		a.store = s
		opts = append(opts, engine.WithStore(s), engine.WithEventLog(store.NewEventLog(s)))
		regOpts = append(regOpts, registry.WithChainStore(s))
	}

	a.hub = streaming.NewMemoryHub(streaming.WithBuffer(cfg.EventBuffer))
	opts = append(opts, engine.WithHub(a.hub))

	conn := connectors.NewEcho()
	conn.Latency = latency
	if a.engine, err = engine.New(conn, cfg.engineConfig(), opts...); err != nil {
		a.Close()
		return nil, err
	}

	regOpts = append(regOpts, registry.WithLogger(logger))
	a.registry = registry.New(a.validator, a.engine, regOpts...)
	return a, nil
}

// compact reclaims space left by deleted executions.
func (a *app) compact() {
	if a.store == nil {
		return
	}
	if err := a.store.Vacuum(context.Background()); err != nil {
		a.logger.Warn("vacuum store", zap.Error(err))
	}
}

// Close stops the engine and releases the store.
func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
