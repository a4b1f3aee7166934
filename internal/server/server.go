// Package server exposes the presence engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/wardwatch/internal/core"
	"github.com/ppiankov/wardwatch/internal/policy"
	"github.com/ppiankov/wardwatch/internal/schedule"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr       string
	PolicyPath string
	// Watch enables fsnotify hot reload of PolicyPath.
	Watch bool
}

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
	maxBodyBytes      = 64 << 10
)

// Server serves the HTTP API and owns the policy-dependent services.
type Server struct {
	cfg  Config
	deps core.Deps
	log  *zap.Logger

	mu   sync.RWMutex
	core *core.Core

	router *mux.Router
}

// New loads the policy and builds the services.
func New(cfg Config, deps core.Deps) (*Server, error) {
	policyCfg, hash, err := policy.LoadConfigWithHash(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy config: %w", err)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.Named("server"),
		core: core.Build(policyCfg, hash, deps),
	}
	s.router = s.routes()
	return s, nil
}

// Core returns the services built from the current policy.
func (s *Server) Core() *core.Core {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.core
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ReloadPolicy rebuilds the services from the policy file and swaps them
// in. Requests already running finish on the previous set.
func (s *Server) ReloadPolicy() error {
	policyCfg, hash, err := policy.LoadConfigWithHash(s.cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("failed to reload policy config: %w", err)
	}
	c := core.Build(policyCfg, hash, s.deps)

	s.mu.Lock()
	s.core = c
	s.mu.Unlock()
	s.log.Info("policy reloaded", zap.String("policy_hash", hash))
	return nil
}

// Run serves on cfg.Addr alongside the scheduler, the event publisher,
// and the policy reloader until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("listening", zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return s.scheduler().Run(ctx)
	})
	g.Go(func() error {
		return s.deps.Events.Run(ctx)
	})
	if s.cfg.Watch && s.cfg.PolicyPath != "" {
		r, err := NewReloader(s, []string{s.cfg.PolicyPath})
		if err != nil {
			s.log.Warn("policy hot reload disabled", zap.Error(err))
		} else {
			g.Go(func() error { return r.Run(ctx) })
		}
	}
	return g.Wait()
}

// scheduler registers the periodic jobs. Each tick uses the services
// current at that moment, so reloaded policy applies without a restart.
func (s *Server) scheduler() *schedule.Scheduler {
	pc := s.Core().Policy
	sch := schedule.New(s.deps.Logger)
	sch.Add(schedule.Job{
		Name:     "challenge-sweep",
		Interval: pc.Challenge.SweepInterval,
		Run: func(ctx context.Context) error {
			_, err := s.Core().Challenges.SweepExpired(ctx)
			return err
		},
	})
	sch.Add(schedule.Job{
		Name:     "rotation",
		Interval: pc.Rotation.ScheduleInterval,
		Run: func(ctx context.Context) error {
			_, err := s.Core().Rotation.ExecuteRotation(ctx)
			return err
		},
	})
	return sch
}
