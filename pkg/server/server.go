// Package server is the public entry point wiring the orchestration core:
// registry, workers, pool, queue, and the HTTP facade. It exists in pkg/
// (not internal/) so the browser layer and site adapters can import it,
// register their manifests, and hand in the page factory that opens real
// browser pages.
//
// Usage:
//
//	reg := registry.New()
//	reg.Register(myAdapterManifest)
//	srv, err := server.New(ctx, cfg, server.Options{Registry: reg, PageFactory: openPage})
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/browsergate/browsergate/internal/config"
	"github.com/browsergate/browsergate/internal/httpapi"
	"github.com/browsergate/browsergate/internal/page"
	"github.com/browsergate/browsergate/internal/pool"
	"github.com/browsergate/browsergate/internal/registry"
	"github.com/browsergate/browsergate/internal/telemetry"
	"github.com/browsergate/browsergate/internal/worker"
	"github.com/browsergate/browsergate/pkg/models"

	"github.com/rs/zerolog/log"
)

// PageFactory opens one browser page for a worker. The first call for a
// userDataDir is expected to launch the browser context; later calls for
// the same dir open a new tab in the shared context. The browser layer
// owns how that happens.
type PageFactory func(ctx context.Context, instance config.InstanceConfig, workerCfg config.WorkerConfig) (page.Page, error)

// Options carries what the browser layer must supply.
type Options struct {
	// Registry holds the registered adapter manifests. A nil Registry
	// gets an empty one, which means no worker supports any model.
	Registry *registry.Registry

	// PageFactory opens pages for workers. Required unless the config
	// declares no instances.
	PageFactory PageFactory

	// LoginMode initializes only the first configured worker so an
	// operator can drive an interactive login; the caller is expected to
	// block until the operator is done, then exit.
	LoginMode bool
}

// Server holds the initialized core.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Pool is the worker pool. Exposed for tests and for the browser
	// layer's own health checks.
	Pool *pool.Pool

	// Registry holds the adapter manifests the pool resolves against.
	Registry *registry.Registry

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry; call it on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New wires the core. Worker init failure does not fail the call: the
// pool enters safe mode and every /v1/* request answers 503 with the init
// error while /health and /version keep serving.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	reg := opts.Registry
	if reg == nil {
		reg = registry.New()
	}
	for id, ac := range cfg.Backend.Adapter {
		if ac.ModelFilter == nil {
			continue
		}
		reg.SetModelFilter(id, &registry.ModelFilter{Mode: ac.ModelFilter.Mode, List: ac.ModelFilter.List})
	}

	workers, initErr := buildWorkers(ctx, cfg, reg, opts)

	p := pool.New(workers, pool.Options{
		Strategy:        models.Strategy(cfg.Backend.Pool.Strategy),
		FailoverEnabled: cfg.Backend.Pool.Failover.Enabled,
		MaxRetries:      cfg.Backend.Pool.Failover.MaxRetries,
	})
	p.SetReady(initErr)
	if initErr != nil {
		log.Error().Err(initErr).Msg("server: pool init failed, entering safe mode")
	} else {
		log.Info().Int("workers", len(workers)).Str("strategy", cfg.Backend.Pool.Strategy).Msg("server: pool ready")
	}

	api := httpapi.New(cfg, p)

	return &Server{
		Handler:      httpapi.NewRouter(api),
		Pool:         p,
		Registry:     reg,
		Port:         cfg.Server.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// buildWorkers constructs and initializes every configured worker. Proxy
// conflicts across instances sharing a userDataMark resolve first-wins
// with a warning. In login mode only the first worker is built.
func buildWorkers(ctx context.Context, cfg *config.Config, reg *registry.Registry, opts Options) ([]*worker.Worker, error) {
	profileProxy := make(map[string]*config.ProxyConfig)
	var workers []*worker.Worker

	for _, inst := range cfg.Backend.Pool.Instances {
		userDataDir := filepath.Join("data", "userData_"+inst.UserDataMark)

		effectiveProxy := inst.Proxy
		if prior, seen := profileProxy[userDataDir]; seen {
			if !proxyEqual(prior, inst.Proxy) {
				log.Warn().
					Str("instance", inst.Name).
					Str("userDataDir", userDataDir).
					Msg("server: proxy config conflicts with an earlier instance sharing this profile, keeping the first")
			}
			effectiveProxy = prior
		} else {
			profileProxy[userDataDir] = inst.Proxy
		}

		for _, wcfg := range inst.Workers {
			if opts.PageFactory == nil {
				return workers, fmt.Errorf("worker %s: no page factory supplied", wcfg.Name)
			}
			pg, err := opts.PageFactory(ctx, inst, wcfg)
			if err != nil {
				return workers, fmt.Errorf("worker %s: open page: %w", wcfg.Name, err)
			}

			w := worker.New(worker.Config{
				Name:         wcfg.Name,
				Type:         wcfg.Type,
				InstanceName: inst.Name,
				UserDataDir:  userDataDir,
				ProxyConfig:  toRegistryProxy(effectiveProxy),
				MergeTypes:   wcfg.MergeTypes,
				MergeMonitor: wcfg.MergeMonitor,
			}, pg, reg)

			if err := w.Init(ctx); err != nil {
				return workers, err
			}
			workers = append(workers, w)

			if opts.LoginMode {
				log.Info().Str("worker", w.Name).Msg("server: login mode, skipping remaining workers")
				return workers, nil
			}
		}
	}
	return workers, nil
}

func proxyEqual(a, b *config.ProxyConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Server == b.Server && a.Username == b.Username && a.Password == b.Password
}

func toRegistryProxy(p *config.ProxyConfig) *registry.ProxyConfig {
	if p == nil {
		return nil
	}
	return &registry.ProxyConfig{Server: p.Server, Username: p.Username, Password: p.Password}
}

// Shutdown flushes telemetry. Should be called on graceful shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ShutdownFunc != nil {
		return s.ShutdownFunc(ctx)
	}
	return nil
}
