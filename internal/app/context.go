package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"procureline/internal/config"
	"procureline/internal/db"
	"procureline/internal/engine"
	"procureline/internal/events"
	"procureline/internal/identity"
	"procureline/internal/metrics"
	"procureline/internal/migrate"
	"procureline/internal/repo"
)

// ResolveConfig returns the configuration stored in the DB. When none is
// stored yet it seeds one from procureline.yml in the workspace, or from the
// defaults when that file does not exist.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetAppConfig(ctx, nil)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", config.Path(workspace), err)
	}
	if seed == nil {
		seed = config.Default()
	}
	if err := ImportConfig(ctx, r, seed, ""); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}

// ImportConfig replaces the stored configuration and logs a config.imported event.
func ImportConfig(ctx context.Context, r repo.Repo, cfg *config.Config, actorID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertAppConfig(ctx, tx, cfg); err != nil {
		return err
	}
	if actorID == "" {
		actorID = "system"
	}
	if err := (events.Writer{}).Append(ctx, tx, events.ConfigImported, events.EntityConfig, "", actorID, events.EventPayload{
		"duplicate_check": cfg.Settings.EnableDuplicateCheck,
		"kraljic_risk":    cfg.Analysis.KraljicRisk,
		"webhooks":        len(cfg.Webhooks),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

type Options struct {
	Workspace string
	Log       *zap.Logger
	Metrics   *metrics.Metrics
	// CacheSize bounds the identity cache; zero uses identity.DefaultCacheSize.
	CacheSize int
	Now       func() time.Time
}

// Runtime bundles what the CLI and the server need for one workspace.
type Runtime struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Cache  *identity.Cache
	Engine engine.Engine
	Admin  identity.Admin
	Log    *zap.Logger
}

// Open migrates the workspace database and wires engine and directory admin
// over a shared identity cache.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	cfg, err := ResolveConfig(ctx, opts.Workspace, r)
	if err != nil {
		conn.Close()
		return nil, err
	}
	size := opts.CacheSize
	if size <= 0 {
		size = identity.DefaultCacheSize
	}
	cache, err := identity.NewCache(identity.Directory{Repo: r}, size)
	if err != nil {
		conn.Close()
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	e := engine.New(conn, cfg, cache)
	e.Log = log.Named("engine")
	e.Metrics = opts.Metrics
	e.Now = now
	log.Debug("workspace opened", zap.String("workspace", opts.Workspace), zap.String("db", db.Path(opts.Workspace)))
	return &Runtime{
		DB:     conn,
		Repo:   r,
		Config: cfg,
		Cache:  cache,
		Engine: e,
		Admin:  identity.Admin{DB: conn, Repo: r, Events: events.Writer{Now: now}, Cache: cache, Now: now},
		Log:    log,
	}, nil
}

func (rt *Runtime) Close() error {
	return rt.DB.Close()
}

// Reload re-reads the stored configuration into the engine.
func (rt *Runtime) Reload(ctx context.Context) error {
	cfg, err := rt.Repo.GetAppConfig(ctx, nil)
	if err != nil {
		return err
	}
	rt.Config = cfg
	rt.Engine.Config = cfg
	return nil
}
