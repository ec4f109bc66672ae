package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/user/buddy/internal/config"
	"github.com/user/buddy/internal/state"
	"github.com/user/buddy/internal/telemetry"
	"github.com/user/buddy/internal/transport"
	"github.com/user/buddy/internal/types"
)

const (
	streamPath = "/api/chat/stream"
	healthPath = "/api/chat/test"
)

// app bundles the wiring shared by the client commands.
type app struct {
	cfg      *config.Config
	kv       types.KV
	store    *state.Store
	journal  *state.Journal
	client   *transport.Client
	shutdown func(context.Context) error
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	kv, err := state.OpenKV(cfg.Storage.Driver, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	store, err := state.NewStore(ctx, kv, state.Settings{
		BaseURLs: types.BaseURLs{
			Agent:  cfg.BaseURLs.Agent,
			Tools:  cfg.BaseURLs.Tools,
			Memory: cfg.BaseURLs.Memory,
		},
		TTSAutoplay: cfg.TTSAutoplay,
	})
	if err != nil {
		kv.Close()
		return nil, err
	}

	a := &app{
		cfg:   cfg,
		kv:    kv,
		store: store,
		client: transport.New(
			transport.WithTimeout(cfg.Transport.Timeout),
			transport.WithRetryPolicy(&transport.RetryPolicy{MaxAttempts: 2, Delay: cfg.Transport.RetryDelay}),
		),
	}

	if cfg.Storage.Journal {
		a.journal = state.NewJournal(cfg.DataDir)
		store.Subscribe(a.journal.Record)
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer("buddy", os.Stderr)
		if err != nil {
			slog.Warn("telemetry disabled", "error", err)
		} else {
			a.shutdown = shutdown
		}
	}

	slog.Debug("buddy started",
		"data_dir", cfg.DataDir,
		"storage", cfg.Storage.Driver,
		"agent", store.Settings().BaseURLs.Agent,
	)
	return a, nil
}

func (a *app) agentURL(path string) string {
	return strings.TrimRight(a.store.Settings().BaseURLs.Agent, "/") + path
}

func (a *app) Close() {
	if a.shutdown != nil {
		if err := a.shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}
	if err := a.kv.Close(); err != nil {
		slog.Warn("close storage failed", "error", err)
	}
}
