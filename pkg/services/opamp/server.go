package opamp

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"

	"github.com/otelgrid/otelgrid/pkg/config"
	"github.com/otelgrid/otelgrid/pkg/domain/agent"
	"github.com/otelgrid/otelgrid/pkg/store"
)

// Server owns the OpAMP surface: the transport on /v1/opamp, the protocol
// engine behind it, and the background sweeps for silent agents and overdue
// config requests.
type Server struct {
	services.Service

	logger     *slog.Logger
	cfg        config.OpAMPConfig
	trackerCfg config.TrackerConfig
	db         *store.Store

	registry  *Registry
	tracker   *Tracker
	engine    *Engine
	transport *Transport
}

func NewServer(
	logger *slog.Logger,
	cfg config.OpAMPConfig,
	trackerCfg config.TrackerConfig,
	db *store.Store,
	snaps *agent.Snapshots,
) *Server {
	registry := NewRegistry()
	tracker := NewTracker(logger.With("component", "tracker"), trackerCfg, db, registry)
	engine := NewEngine(logger.With("component", "engine"), cfg, db, snaps, registry, tracker)

	s := &Server{
		logger:     logger,
		cfg:        cfg,
		trackerCfg: trackerCfg,
		db:         db,
		registry:   registry,
		tracker:    tracker,
		engine:     engine,
		transport:  NewTransport(logger.With("component", "transport"), cfg, engine, NewAuthenticator(db)),
	}
	s.Service = services.NewBasicService(nil, s.running, s.stopping)
	return s
}

// Engine exposes the protocol engine for rollout controller wiring.
func (s *Server) Engine() *Engine { return s.engine }

// Tracker exposes the config-request tracker for the operator API.
func (s *Server) Tracker() *Tracker { return s.tracker }

// Registry exposes the session registry for push and teardown callers.
func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) ConfigureHTTP(router *mux.Router) {
	router.Handle("/v1/opamp", s.transport)
}

func (s *Server) running(ctx context.Context) error {
	staleTick := time.NewTicker(s.cfg.StalenessSweepInterval)
	defer staleTick.Stop()
	sweepTick := time.NewTicker(s.trackerCfg.SweepInterval)
	defer sweepTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-staleTick.C:
			s.sweepStale(ctx)
		case <-sweepTick.C:
			if err := s.tracker.Sweep(ctx); err != nil {
				s.logger.With("err", err).Error("config request sweep failed")
			}
		}
	}
}

func (s *Server) stopping(_ error) error {
	s.registry.CloseAll()
	return nil
}

// sweepStale flips silent agents to stale and tears their sessions down; a
// socket can die without a close frame ever arriving.
func (s *Server) sweepStale(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.StalenessThreshold)
	uids, err := s.db.MarkAgentsStale(ctx, cutoff)
	if err != nil {
		s.logger.With("err", err).Error("staleness sweep failed")
		return
	}
	for _, uid := range uids {
		s.logger.With("instance_uid", uid).Info("agent went stale")
		s.registry.Close(uid)
	}
}
