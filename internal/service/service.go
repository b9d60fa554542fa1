// Package service assembles the assetsyncd runtime: backend, operation
// catalog, batch store, orchestrator, snapshot view and HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/assetsync/internal/api"
	"github.com/danmuck/assetsync/internal/assets"
	"github.com/danmuck/assetsync/internal/assets/apiclient"
	"github.com/danmuck/assetsync/internal/assets/simulator"
	"github.com/danmuck/assetsync/internal/batchstore"
	"github.com/danmuck/assetsync/internal/catalog"
	"github.com/danmuck/assetsync/internal/config"
	"github.com/danmuck/assetsync/internal/logging"
	"github.com/danmuck/assetsync/internal/observability"
	"github.com/danmuck/assetsync/internal/orchestrator"
	"github.com/danmuck/assetsync/internal/snapshots"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

type Service struct {
	cfg       config.ServiceConfig
	backend   assets.Backend
	catalog   *catalog.Catalog
	store     *batchstore.Store
	snapshots *snapshots.Store
	orch      *orchestrator.Orchestrator
	api       *api.Server
	logger    zerolog.Logger
}

// New wires every component from cfg. Operations are registered before the
// HTTP surface exists.
func New(cfg config.ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	cat := catalog.New()
	if err := assets.RegisterOperations(cat, backend, cfg.Policies); err != nil {
		return nil, fmt.Errorf("service: bootstrap catalog: %w", err)
	}

	snaps, err := snapshots.Open(snapshots.DefaultConfig())
	if err != nil {
		return nil, err
	}

	store := batchstore.New(cfg.HistoryLimit)
	store.Observe(observability.RecordTransition)

	ocfg := orchestrator.DefaultConfig()
	ocfg.MaxCascadeDepth = cfg.MaxCascadeDepth
	orch := orchestrator.New(cat, store, snaps, ocfg)

	svc := &Service{
		cfg:       cfg,
		backend:   backend,
		catalog:   cat,
		store:     store,
		snapshots: snaps,
		orch:      orch,
		logger:    logging.Component("service"),
	}
	svc.api = api.New(api.Config{ServiceID: cfg.ServiceID, CorsOrigins: cfg.CorsOrigins}, orch, store, cat, snaps)
	return svc, nil
}

func newBackend(cfg config.ServiceConfig) (assets.Backend, error) {
	switch cfg.Backend {
	case config.BackendHTTP:
		return apiclient.New(apiclient.Config{
			BaseURL:   cfg.BackendURL,
			Timeout:   cfg.BackendTimeout,
			ReadRate:  cfg.ReadRatePerSec,
			ReadBurst: cfg.ReadBurst,
		})
	default:
		sim := simulator.New(simulator.Config{Delay: cfg.SimulatorDelay})
		sim.Seed(cfg.SimulatorSeedImages)
		return sim, nil
	}
}

func (s *Service) Orchestrator() *orchestrator.Orchestrator {
	return s.orch
}

func (s *Service) Store() *batchstore.Store {
	return s.store
}

func (s *Service) Handler() http.Handler {
	return s.api.Handler()
}

// Run blocks until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", strings.TrimSpace(s.cfg.ListenAddr))
	if err != nil {
		return fmt.Errorf("service: listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve handles HTTP on ln until ctx ends. In-flight batches are cancelled
// and drained before the snapshot store closes.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("backend", string(s.cfg.Backend)).
		Int("operations", s.catalog.Len()).
		Msg("listening")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.close(context.Background())
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	return s.close(shutdownCtx)
}

func (s *Service) close(ctx context.Context) error {
	var errs []error
	if err := s.orch.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("service: drain batches: %w", err))
	}
	if err := s.snapshots.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
