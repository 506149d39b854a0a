// Package app builds the client's object graph once, in dependency order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pliu/chattysync/internal/api"
	"github.com/pliu/chattysync/internal/auth"
	"github.com/pliu/chattysync/internal/config"
	"github.com/pliu/chattysync/internal/engine"
	"github.com/pliu/chattysync/internal/gateway"
	"github.com/pliu/chattysync/internal/metrics"
	"github.com/pliu/chattysync/internal/store"
	"github.com/pliu/chattysync/internal/store/badgerstore"
	"github.com/pliu/chattysync/internal/store/sqlstore"
	"github.com/pliu/chattysync/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
)

type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	KV       store.Store
	Creds    *auth.CredentialStore
	Gateway  *gateway.Gateway
	Auth     *api.AuthService
	Messages *api.MessageService
	Channel  *ws.Channel
	Engine   *engine.Engine
}

// New wires every component from cfg and restores the persisted credential.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kv, err := OpenStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	creds := auth.NewCredentialStore(kv, []byte(cfg.Store.SealKey), logger.With("component", "credentials"))
	if err := creds.Load(); err != nil {
		if kv != nil {
			kv.Close()
		}
		return nil, err
	}

	gw := gateway.New(creds, gateway.Options{
		BaseURL: cfg.API.BaseURL,
		Timeout: cfg.API.RequestTimeout.Duration(),
		RPS:     cfg.API.RateLimit.RPS,
		Burst:   cfg.API.RateLimit.Burst,
		Logger:  logger.With("component", "gateway"),
		Metrics: m,
	})
	authSvc := api.NewAuthService(gw)
	gw.SetRefresher(authSvc)
	msgs := api.NewMessageService(gw)

	// a refused handshake refreshes through the gateway, so a dead refresh
	// token ends the session the same way a REST call would
	reauth := func(ctx context.Context, stale string) error {
		_, err := gw.Refresh(ctx, stale)
		return err
	}
	ch := ws.New(ws.Options{
		URL:         cfg.Transport.URL,
		MaxAttempts: cfg.Transport.MaxReconnectAttempts,
		BaseDelay:   cfg.Transport.BaseDelay.Duration(),
		MaxDelay:    cfg.Transport.MaxDelay.Duration(),
		ReadLimit:   cfg.Transport.ReadLimit.Int64(),
		Tokens:      creds,
		Reauth:      reauth,
		Logger:      logger.With("component", "transport"),
		Metrics:     m,
	})

	eng := engine.New(engine.Options{
		API:       msgs,
		Transport: ch,
		Identity:  creds,
		Session:   authSvc,
		Terminal:  gw,
		PageSize:  cfg.History.PageSize,
		Logger:    logger.With("component", "engine"),
		Metrics:   m,
	})

	if creds.Get() != nil && creds.IsExpired(time.Now()) {
		restoreExpired(gw, creds, cfg.API.RequestTimeout.Duration(), logger)
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  m,
		KV:       kv,
		Creds:    creds,
		Gateway:  gw,
		Auth:     authSvc,
		Messages: msgs,
		Channel:  ch,
		Engine:   eng,
	}, nil
}

// restoreExpired trades an expired stored credential for a fresh one. A
// failed refresh leaves the user logged out.
func restoreExpired(gw *gateway.Gateway, creds *auth.CredentialStore, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := gw.Refresh(ctx, ""); err != nil {
		logger.Warn("restore_refresh_failed", "error", err)
		if err := creds.Clear(); err != nil {
			logger.Error("credential_clear_failed", "error", err)
		}
		return
	}
	logger.Info("credential_refreshed_on_start")
}

// OpenStore opens the durable store named by cfg. The memory driver returns
// a nil store, which keeps the credential in memory only.
func OpenStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlstore.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case "badger":
		s, err := badgerstore.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		return s, nil
	case "memory", "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func (a *App) Close() error {
	a.Engine.Close()
	if a.KV != nil {
		return a.KV.Close()
	}
	return nil
}

// ErrLoggedOut is returned by commands that need a credential when none is
// stored.
var ErrLoggedOut = errors.New("not logged in")

func (a *App) RequireLogin() error {
	if a.Creds.Get() == nil {
		return ErrLoggedOut
	}
	return nil
}
