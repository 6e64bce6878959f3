// Package app wires the store, provider, notification hub, retention
// sweeper and HTTP server together.
package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"msgstore/pkg/api"
	"msgstore/pkg/backup"
	"msgstore/pkg/config"
	"msgstore/pkg/logger"
	"msgstore/pkg/notify"
	"msgstore/pkg/provider"
	"msgstore/pkg/retention"
	"msgstore/pkg/store"
)

// App holds the wired components for the lifetime of the process.
type App struct {
	Cfg        *config.Config
	Store      *store.Store
	Hub        *notify.Hub
	Provider   *provider.Provider
	Reconciler *backup.Reconciler
}

// New opens the store and builds the component graph.
func New(cfg *config.Config) (*App, error) {
	s, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	hub := notify.NewHub(cfg.Notify.ExcludedFields)
	p := provider.New(s, hub)
	return &App{
		Cfg:        cfg,
		Store:      s,
		Hub:        hub,
		Provider:   p,
		Reconciler: backup.New(s),
	}, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

// Run serves HTTP until SIGINT/SIGTERM, then shuts down gracefully.
func Run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger.Init(cfg.Logging.Level)
	defer logger.Sync()

	a, err := New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Retention.Enabled {
		cutoff := time.Duration(cfg.Retention.CutoffDays) * 24 * time.Hour
		sw, err := retention.New(a.Store, a.Provider, cfg.Retention.Cron, cutoff)
		if err != nil {
			return err
		}
		sw.Start(ctx)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewRouter(a.Provider, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("http_listening", zap.String("addr", cfg.Addr()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Log.Info("shutting_down")
	return srv.Shutdown(shCtx)
}
