package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/haukened/rr-lookup/internal/lookup/common/clock"
	"github.com/haukened/rr-lookup/internal/lookup/common/log"
	"github.com/haukened/rr-lookup/internal/lookup/config"
	"github.com/haukened/rr-lookup/internal/lookup/gateways/transport"
	"github.com/haukened/rr-lookup/internal/lookup/gateways/wire"
	"github.com/haukened/rr-lookup/internal/lookup/infra/metrics"
	"github.com/haukened/rr-lookup/internal/lookup/infra/watch"
	"github.com/haukened/rr-lookup/internal/lookup/repos/content"
	"github.com/haukened/rr-lookup/internal/lookup/repos/content/lru"
	"github.com/haukened/rr-lookup/internal/lookup/services/session"
	"github.com/haukened/rr-lookup/internal/lookup/services/supervisor"
)

const appName = "rr-lookupd"

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

// Application holds all the components of the lookup server
type Application struct {
	config     *config.AppConfig
	store      content.Store
	cache      content.VerdictCache
	metrics    *metrics.Metrics
	supervisor *supervisor.Supervisor
	endpoint   *metrics.Endpoint
	watcher    *watch.Watcher
	workers    int
}

// newWatcher is a package var so tests can observe the development watcher.
var newWatcher = func(dir string, logger log.Logger) (*watch.Watcher, error) {
	return watch.New(dir, logger)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

// buildApplication constructs all components and wires them together.
// watchDir is only used in development mode.
func buildApplication(cfg *config.AppConfig, watchDir string, numCPU int) (*Application, error) {
	logger := log.GetLogger()

	store, err := content.New(content.ModeFor(cfg.RereadOnQuery), cfg.TxtFile, content.Options{
		BloomFPRate: cfg.BloomFPRate,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}

	log.Info(map[string]any{
		"path": store.Path(),
		"mode": store.Mode(),
	}, "Content store configured")

	var tlsConfig *tls.Config
	if cfg.UseSSL {
		tlsConfig, err = transport.NewServerTLSConfig(cfg.CertificateFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	// a reread dataset can change between queries, so only cached mode remembers verdicts
	var cache content.VerdictCache
	if store.Mode() == content.ModeCached && cfg.VerdictCacheSize > 0 {
		cache, err = lru.New(cfg.VerdictCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to build verdict cache: %w", err)
		}
		log.Info(map[string]any{"size": cfg.VerdictCacheSize}, "Verdict cache enabled")
	}

	m := metrics.New()
	handler, err := session.NewHandler(session.Options{
		Store:      store,
		Codec:      wire.NewLineCodec(),
		Clock:      clock.RealClock{},
		Logger:     logger,
		Metrics:    m,
		BufferSize: cfg.BufferSize,
		Cache:      cache,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build session handler: %w", err)
	}

	workers := supervisor.WorkerCount(cfg.Workers, cfg.WorkersPerCPU, numCPU)
	if cfg.Development {
		workers = 1
	}

	reusePort := cfg.ReusePort
	if reusePort && !transport.ReusePortSupported {
		log.Warn(map[string]any{
			"os": runtime.GOOS,
		}, "SO_REUSEPORT unsupported, workers will share one listener")
		reusePort = false
	}

	log.Info(map[string]any{
		"cpus":       numCPU,
		"workers":    workers,
		"reuse_port": reusePort,
	}, "Worker pool configured")

	sup, err := supervisor.New(supervisor.Options{
		Workers: workers,
		Listen: transport.ListenOptions{
			Host:           cfg.ServerHost,
			Port:           cfg.ServerPort,
			ReusePort:      reusePort,
			MaxConnections: cfg.MaxConnections,
			TLSConfig:      tlsConfig,
		},
		Handler:         handler,
		Logger:          logger,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build supervisor: %w", err)
	}

	app := &Application{
		config:     cfg,
		store:      store,
		cache:      cache,
		metrics:    m,
		supervisor: sup,
		workers:    workers,
	}

	if cfg.Development {
		app.watcher, err = newWatcher(watchDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start development watcher: %w", err)
		}
	}

	// bound last so an earlier failure cannot leak the socket
	if cfg.MetricsAddr != "" {
		app.endpoint, err = metrics.Listen(cfg.MetricsAddr, m, logger)
		if err != nil {
			if app.watcher != nil {
				_ = app.watcher.Close()
			}
			return nil, err
		}
	}

	return app, nil
}

// Address returns the address clients connect to.
func (app *Application) Address() string {
	return app.supervisor.Address()
}

// Ready is closed once every worker accepts connections.
func (app *Application) Ready() <-chan struct{} {
	return app.supervisor.Ready()
}

// Run starts the server and blocks until ctx is cancelled
func (app *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if app.endpoint != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := app.endpoint.Serve(ctx); err != nil {
				log.Warn(map[string]any{"error": err}, "Metrics endpoint stopped")
			}
		}()
	}
	if app.watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := app.watcher.Run(ctx); err != nil {
				log.Warn(map[string]any{"error": err}, "Development watcher stopped")
			}
		}()
	}

	err := app.supervisor.Run(ctx)
	cancel()
	wg.Wait()

	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}
