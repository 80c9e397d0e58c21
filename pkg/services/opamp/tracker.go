package opamp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/otelgrid/otelgrid/pkg/config"
	"github.com/otelgrid/otelgrid/pkg/metrics"
	"github.com/otelgrid/otelgrid/pkg/store"
	"github.com/otelgrid/otelgrid/pkg/util"
	"github.com/otelgrid/otelgrid/pkg/util/grpcutil"
)

// Tracker correlates operator-initiated effective-config fetches with the
// agent reports that answer them. Requests are durable rows; the in-session
// nudge is best effort and the pending row keeps working across reconnects.
type Tracker struct {
	logger   *slog.Logger
	cfg      config.TrackerConfig
	db       *store.Store
	registry *Registry
}

func NewTracker(logger *slog.Logger, cfg config.TrackerConfig, db *store.Store, registry *Registry) *Tracker {
	return &Tracker{
		logger:   logger,
		cfg:      cfg,
		db:       db,
		registry: registry,
	}
}

// Request records a fetch for the agent's effective config and nudges the
// live session, if any, to report full state. Returns the tracking id the
// operator polls with.
func (t *Tracker) Request(ctx context.Context, orgID, uid, requestedBy string) (string, error) {
	if _, err := t.db.GetAgentInOrg(ctx, orgID, uid); err != nil {
		return "", err
	}

	trackingID := util.NewUUID()
	if err := t.db.CreateConfigRequest(ctx, &store.ConfigRequest{
		TrackingID:  trackingID,
		OrgID:       orgID,
		InstanceUID: uid,
		RequestedBy: requestedBy,
	}); err != nil {
		return "", err
	}
	metrics.ConfigRequests.WithLabelValues("created").Inc()

	// Arm the session so the next exchange carries the flag, and push a
	// standalone nudge for agents that only speak when spoken to.
	if t.registry.RequestFullState(uid) {
		nudge := &protobufs.ServerToAgent{
			Flags: uint64(protobufs.ServerToAgentFlags_ServerToAgentFlags_ReportFullState),
		}
		if err := t.registry.Send(uid, nudge); err != nil {
			t.logger.With("instance_uid", uid, "err", err).Debug("full state nudge not delivered")
		}
	}

	return trackingID, nil
}

// Get returns the request's current state for polling.
func (t *Tracker) Get(ctx context.Context, orgID, trackingID string) (*store.ConfigRequest, error) {
	return t.db.GetConfigRequest(ctx, orgID, trackingID)
}

// Resolve settles the oldest pending request for the agent with the hash of
// the config it just reported. Called by the engine on every effective config
// receipt; no pending request is the common case and not an error.
func (t *Tracker) Resolve(ctx context.Context, uid, resultHash string) {
	req, err := t.db.FulfillOldestPending(ctx, uid, resultHash)
	if err != nil {
		if !grpcutil.IsErrorNotFound(err) {
			t.logger.With("instance_uid", uid, "err", err).Error("failed to fulfill config request")
		}
		return
	}
	metrics.ConfigRequests.WithLabelValues("fulfilled").Inc()
	t.logger.With("instance_uid", uid, "tracking_id", req.TrackingID).Debug("config request fulfilled")
}

// Sweep expires requests that outlived the configured window.
func (t *Tracker) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-t.cfg.RequestExpiry)
	n, err := t.db.ExpireConfigRequests(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("expire config requests: %w", err)
	}
	if n > 0 {
		metrics.ConfigRequests.WithLabelValues("expired").Add(float64(n))
		t.logger.With("count", n).Info("expired config requests")
	}
	return nil
}
