// Package app wires configuration into a ready-to-use session engine: the key-value backend, the
// identity service client, the refresh interceptor and the session store.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/and161185/mindharbor/internal/authapi"
	"github.com/and161185/mindharbor/internal/config"
	"github.com/and161185/mindharbor/internal/metrics"
	"github.com/and161185/mindharbor/internal/migrate"
	"github.com/and161185/mindharbor/internal/repository"
	"github.com/and161185/mindharbor/internal/repository/file"
	"github.com/and161185/mindharbor/internal/repository/memory"
	"github.com/and161185/mindharbor/internal/repository/postgres"
	"github.com/and161185/mindharbor/internal/repository/redis"
	"github.com/and161185/mindharbor/internal/repository/sqlite"
	"github.com/and161185/mindharbor/internal/session"
	"github.com/and161185/mindharbor/internal/transport"
)

// App is the assembled engine.
type App struct {
	Config   config.Config
	Log      *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	KV       repository.KVStore
	API      *authapi.Client
	// HTTP carries the access token and renews it transparently; use it for platform calls.
	HTTP  *http.Client
	Store *session.Store

	closers []func() error
}

type options struct {
	nav transport.Navigator
	kv  repository.KVStore
}

// Option configures Build.
type Option func(*options)

// WithNavigator receives forced redirects to the login route.
func WithNavigator(n transport.Navigator) Option { return func(o *options) { o.nav = n } }

// WithKVStore bypasses the configured storage backend.
func WithKVStore(kv repository.KVStore) Option { return func(o *options) { o.kv = kv } }

// Build assembles the engine and restores the persisted session.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.nav == nil {
		o.nav = transport.NavigatorFunc(func(route string) {
			log.Info("session ended; sign in again", zap.String("route", route))
		})
	}

	a := &App{Config: cfg, Log: log, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector())
	a.Metrics = metrics.New(a.Registry)

	if o.kv != nil {
		a.KV = o.kv
	} else {
		kv, closer, err := OpenStore(ctx, cfg.Storage, log)
		if err != nil {
			return nil, err
		}
		a.KV = kv
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}

	public := &http.Client{Timeout: cfg.API.Timeout}
	refresher := authapi.New(cfg.API.BaseURL,
		authapi.WithPublicClient(public),
		authapi.WithLogger(log.Named("authapi")),
	)
	ic := transport.New(nil, refresher,
		transport.WithNavigator(o.nav),
		transport.WithLogger(log.Named("transport")),
		transport.WithMetrics(a.Metrics),
		transport.WithRefreshTimeout(cfg.API.RefreshTimeout),
	)
	a.HTTP = &http.Client{Transport: ic, Timeout: cfg.API.Timeout}
	a.API = authapi.New(cfg.API.BaseURL,
		authapi.WithPublicClient(public),
		authapi.WithAuthedClient(a.HTTP),
		authapi.WithLogger(log.Named("authapi")),
	)
	a.Store = session.New(a.KV, a.API,
		session.WithLogger(log.Named("session")),
		session.WithMetrics(a.Metrics),
	)
	ic.Attach(a.Store)

	if err := a.Store.Restore(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the storage backend.
func (a *App) Close() error {
	var errsList []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errsList = append(errsList, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errsList...)
}

// OpenStore opens the configured key-value backend. The returned closer may be nil.
func OpenStore(ctx context.Context, c config.StorageConfig, log *zap.Logger) (repository.KVStore, func() error, error) {
	switch c.Backend {
	case config.BackendMemory:
		return memory.New(), nil, nil

	case config.BackendFile, "":
		path := c.Path
		if path == "" {
			path = file.DefaultPath()
		}
		log.Debug("using file store", zap.String("path", path))
		return file.New(path), nil, nil

	case config.BackendSQLite:
		st, err := sqlite.Open(ctx, c.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, st.Close, nil

	case config.BackendPostgres:
		if err := migrate.UpPostgres(ctx, c.DSN); err != nil {
			return nil, nil, fmt.Errorf("migrate postgres store: %w", err)
		}
		db, err := postgres.New(ctx, c.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := db.Pool.Ping(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping postgres store: %w", err)
		}
		return postgres.NewKVStore(db, c.DeviceID), func() error { db.Close(); return nil }, nil

	case config.BackendRedis:
		client, err := redis.Connect(ctx, redis.Options{URL: c.RedisURL})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return redis.New(client, c.Prefix, c.DeviceID), client.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", c.Backend)
	}
}
