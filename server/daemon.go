package server

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/squirreldb/cache"
	"github.com/GoCodeAlone/squirreldb/config"
	"github.com/GoCodeAlone/squirreldb/db"
	"github.com/GoCodeAlone/squirreldb/query"
	"github.com/GoCodeAlone/squirreldb/subscription"
)

// Daemon wires every subsystem: backend, change broadcaster, engine
// pool, subscription manager, rate limiter, wire servers, and the
// cache feature. Process-scoped resources are created here and handed
// to components by construction.
type Daemon struct {
	cfg     config.Config
	backend db.Backend
	pool    *query.EnginePool
	subs    *subscription.Manager
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewDaemon constructs the daemon around an opened backend.
func NewDaemon(cfg config.Config, backend db.Backend, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	pool := query.NewEnginePool(0, backend.Dialect())
	logger.Info("query engine pool created", "engines", pool.Size())

	limiter := NewRateLimiter(cfg.Limits)
	logger.Info("rate limiter created",
		"max_connections_per_ip", cfg.Limits.MaxConnectionsPerIP,
		"requests_per_second", cfg.Limits.RequestsPerSecond,
		"query_timeout", limiter.QueryTimeout())

	return &Daemon{
		cfg:     cfg,
		backend: backend,
		pool:    pool,
		subs:    subscription.NewManager(backend, pool, logger),
		limiter: limiter,
		logger:  logger,
	}
}

// Run initializes the schema, starts change capture, and serves every
// enabled protocol until ctx is cancelled. Schema initialization is
// the only fatal startup step; background task errors are logged and
// retried by their owners.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("initializing database schema")
	if err := d.backend.InitSchema(ctx); err != nil {
		return fmt.Errorf("schema initialization: %w", err)
	}

	if err := d.backend.StartChangeListener(ctx); err != nil {
		return fmt.Errorf("start change listener: %w", err)
	}

	changeRx := d.backend.SubscribeChanges()
	go d.subs.Run(ctx, changeRx)
	go d.limiter.Run(ctx)

	handler := NewHandler(d.backend, d.pool, d.subs, d.limiter, d.logger)

	g, gctx := errgroup.WithContext(ctx)

	if d.cfg.Server.Protocols.WebSocket {
		ws := NewWebSocketServer(handler, d.limiter, d.logger)
		addr := d.cfg.Address(d.cfg.Server.Ports.HTTP)
		g.Go(func() error { return ws.Run(gctx, addr) })
	} else {
		d.logger.Info("websocket server disabled")
	}

	if d.cfg.Server.Protocols.TCP {
		tcp := NewTCPServer(handler, d.limiter, d.logger)
		addr := d.cfg.Address(d.cfg.Server.Ports.TCP)
		g.Go(func() error { return tcp.Run(gctx, addr) })
	} else {
		d.logger.Info("tcp server disabled")
	}

	if d.cfg.Features.Caching {
		cfg, err := d.cachingConfig(ctx)
		if err != nil {
			return err
		}
		cacheSrv, err := cache.NewServer(cfg, d.logger)
		if err != nil {
			return fmt.Errorf("start cache: %w", err)
		}
		addr := d.cfg.Address(cfg.Port)
		g.Go(func() error { return cacheSrv.Run(gctx, addr) })
	} else {
		d.logger.Info("cache feature disabled")
	}

	return g.Wait()
}

// cachingConfig overlays persisted feature settings (when the backend
// stores them) on the static caching section.
func (d *Daemon) cachingConfig(ctx context.Context) (config.CachingConfig, error) {
	cfg := d.cfg.Caching
	if cfg.Port == 0 {
		cfg.Port = d.cfg.Server.Ports.Cache
	}
	_, settings, err := d.backend.GetFeatureSettings(ctx, "caching")
	if err != nil {
		// Absent settings mean the static config stands.
		return cfg, nil
	}
	var stored struct {
		Port       *int    `json:"port"`
		MaxMemory  *string `json:"max_memory"`
		Eviction   *string `json:"eviction"`
		DefaultTTL *int    `json:"default_ttl"`
		Mode       *string `json:"mode"`
	}
	if err := jsonUnmarshal(settings, &stored); err != nil {
		d.logger.Warn("ignoring malformed caching feature settings", "error", err)
		return cfg, nil
	}
	if stored.Port != nil {
		cfg.Port = *stored.Port
	}
	if stored.MaxMemory != nil {
		cfg.MaxMemory = *stored.MaxMemory
	}
	if stored.Eviction != nil {
		cfg.Eviction = *stored.Eviction
	}
	if stored.DefaultTTL != nil {
		cfg.DefaultTTL = *stored.DefaultTTL
	}
	if stored.Mode != nil {
		cfg.Mode = *stored.Mode
	}
	return cfg, nil
}
