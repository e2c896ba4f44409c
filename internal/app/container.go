package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"docqr/internal/cache"
	"docqr/internal/config"
	"docqr/internal/db"
	"docqr/internal/domain"
	"docqr/internal/engine"
	"docqr/internal/issuer"
	"docqr/internal/migrate"
	"docqr/internal/resolution"
	"docqr/internal/scanner"
	"docqr/internal/signature"
	"docqr/internal/status"
)

// App wires the resolution pipeline once per process. The status cache is
// owned here and shared by every resolution in the process.
type App struct {
	Config       *config.Config
	Log          *zap.Logger
	Cache        *cache.Cache[domain.DocumentStatus]
	Client       *status.Client
	Resolver     *status.Resolver
	Verifier     signature.Verifier
	Orchestrator *resolution.Orchestrator

	closers []func() error
}

// New builds the pipeline from cfg. The redis backend is dialed eagerly so
// a bad URL fails here rather than on the first scan.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Log: log}

	switch cfg.Cache.Backend {
	case "", "memory":
		a.Cache = cache.NewMemory[domain.DocumentStatus](log)
	case "redis":
		rdb, err := cache.DialRedis(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		a.Cache = cache.New[domain.DocumentStatus](cache.NewRedisStore[domain.DocumentStatus](rdb, cfg.Cache.Namespace), log)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}

	a.Client = status.NewClient(cfg.Status.BaseURL)
	if cfg.Status.Timeout > 0 {
		a.Client.HTTPClient.Timeout = cfg.Status.Timeout
	}
	a.Resolver = status.NewResolver(a.Client, a.Cache, cfg.Status.CacheTTL, log)
	a.Verifier = signature.NewVerifier([]byte(cfg.Issuer.Secret), cfg.Issuer.Tolerance)
	a.Orchestrator = resolution.New(a.Verifier, a.Resolver, log)
	return a, nil
}

// ResolveScan runs a raw payload through the pipeline.
func (a *App) ResolveScan(ctx context.Context, raw string) (domain.DocumentStatus, error) {
	return a.Orchestrator.ResolveScan(ctx, raw)
}

// Scanner returns a scanner configured from the scan section.
func (a *App) Scanner(cam scanner.Camera, dec scanner.Decoder, onScan func(string), onCancel func()) *scanner.Scanner {
	return scanner.New(scanner.Config{
		Camera:   cam,
		Decoder:  dec,
		Facing:   scanner.Facing(a.Config.Scan.Facing),
		Interval: a.Config.Scan.Interval,
		Grace:    a.Config.Scan.Grace,
		OnScan:   onScan,
		OnCancel: onCancel,
		Logger:   a.Log,
	})
}

func (a *App) Issuer() issuer.Issuer {
	return issuer.Issuer{BaseURL: a.Config.Issuer.BaseURL, Secret: []byte(a.Config.Issuer.Secret)}
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenRegistry opens and migrates the revision registry of a workspace.
func OpenRegistry(workspace string, log *zap.Logger) (engine.Engine, func() error, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	return engine.New(conn, log), conn.Close, nil
}
