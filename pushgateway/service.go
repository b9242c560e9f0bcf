// Package pushgateway assembles the configured pushkins, the dispatcher
// and the HTTP listeners into a runnable service.
package pushgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-gateway/internal/api"
	"github.com/tinywideclouds/go-push-gateway/internal/dispatch"
	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/apns"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/web"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
	"github.com/tinywideclouds/go-push-gateway/pkg/pushkin"
)

const drainTimeout = 30 * time.Second

// Service owns the listeners and the pushkin registry for one process.
type Service struct {
	registry  *dispatch.Registry
	servers   []*http.Server
	listeners []net.Listener
	logger    *slog.Logger
}

// New assembles the service: one pushkin per configured app, the registry
// and limiters, the dispatcher, and a server per bind address. Listeners
// are opened here so a bind failure is reported before Start.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	registry := dispatch.NewRegistry()
	limiters := make(map[string]*dispatch.Limiter)

	for i := range cfg.Apps {
		app := &cfg.Apps[i]
		p, err := buildPushkin(cfg, app, logger)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(app.AppID, p); err != nil {
			return nil, err
		}
		limiters[p.Name()] = dispatch.NewLimiter(p.Name(), app.InflightRequestLimit)
		logger.Info("Configured pushkin", "app_id", app.AppID, "type", app.Type)
	}

	dispatcher := dispatch.NewDispatcher(registry, limiters, logger)
	notifyAPI := api.NewNotifyAPI(dispatcher, cfg.HTTP.MaxBodySize, logger)
	router := notifyAPI.Router()

	s := &Service{
		registry: registry,
		logger:   logger.With("component", "Service"),
	}

	for _, addr := range cfg.HTTP.BindAddresses {
		bind := net.JoinHostPort(addr, strconv.Itoa(cfg.HTTP.Port))
		ln, err := net.Listen("tcp", bind)
		if err != nil {
			s.closeListeners()
			return nil, fmt.Errorf("binding %s: %w", bind, err)
		}
		s.listeners = append(s.listeners, ln)
		s.servers = append(s.servers, &http.Server{
			Addr:              bind,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	if cfg.Metrics.Enabled {
		ln, err := net.Listen("tcp", cfg.Metrics.ListenAddr)
		if err != nil {
			s.closeListeners()
			return nil, fmt.Errorf("binding metrics listener %s: %w", cfg.Metrics.ListenAddr, err)
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		s.listeners = append(s.listeners, ln)
		s.servers = append(s.servers, &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	return s, nil
}

func buildPushkin(cfg *config.Config, app *config.App, logger *slog.Logger) (pushkin.Pushkin, error) {
	switch app.Type {
	case config.AppTypeAPNS:
		return apns.New(cfg, app, logger)
	case config.AppTypeGCM:
		return fcm.New(cfg, app, logger)
	case config.AppTypeWebPush:
		return web.New(cfg, app, logger)
	default:
		return nil, fmt.Errorf("app %q: unknown type %q", app.AppID, app.Type)
	}
}

// Start serves on every listener and blocks until the context is cancelled
// or a server fails.
func (s *Service) Start(ctx context.Context) error {
	errs := make(chan error, len(s.servers))
	for i, srv := range s.servers {
		s.logger.Info("Listening", "addr", srv.Addr)
		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("server %s: %w", srv.Addr, err)
			}
		}(srv, s.listeners[i])
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		return err
	}
}

// Shutdown stops accepting, drains in-flight requests for up to 30 seconds
// and then runs the pushkin shutdown hooks.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down service components...")
	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()

	var finalErr error
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, srv := range s.servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(drainCtx); err != nil {
				s.logger.Error("HTTP server shutdown failed.", "addr", srv.Addr, "err", err)
				mu.Lock()
				finalErr = err
				mu.Unlock()
			}
		}(srv)
	}
	wg.Wait()

	for _, p := range s.registry.All() {
		if err := p.Shutdown(drainCtx); err != nil {
			s.logger.Error("Pushkin shutdown failed.", "pushkin", p.Name(), "err", err)
			if finalErr == nil {
				finalErr = err
			}
		}
	}
	s.logger.Info("Service shutdown complete.")
	return finalErr
}

func (s *Service) closeListeners() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
}
