package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/otelgrid/otelgrid/pkg/store"
	"github.com/otelgrid/otelgrid/pkg/util/grpcutil"
)

type repository struct {
	logger *slog.Logger
	db     *store.Store
	snaps  *Snapshots
}

func NewRepository(logger *slog.Logger, db *store.Store, snaps *Snapshots) Repository {
	return &repository{
		logger: logger,
		db:     db,
		snaps:  snaps,
	}
}

// Get loads the required registry row, then enriches it with whatever
// snapshots exist. A missing snapshot is normal; any other read error is
// logged and the field stays nil rather than failing the whole read.
func (r *repository) Get(ctx context.Context, orgID, uid string) (*Agent, error) {
	rec, err := r.db.GetAgentInOrg(ctx, orgID, uid)
	if err != nil {
		if grpcutil.IsErrorNotFound(err) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent %s: %w", uid, err)
	}
	return r.assemble(ctx, rec), nil
}

func (r *repository) List(ctx context.Context, orgID string, f store.AgentFilter) ([]*Agent, error) {
	recs, err := r.db.ListAgents(ctx, orgID, f)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	agents := make([]*Agent, 0, len(recs))
	for _, rec := range recs {
		agents = append(agents, r.assemble(ctx, rec))
	}
	return agents, nil
}

func (r *repository) assemble(ctx context.Context, rec *store.AgentRecord) *Agent {
	a := &Agent{Record: rec}
	uid := rec.InstanceUID

	if desc, err := r.snaps.Description.Get(ctx, uid); err == nil {
		a.Description = desc
	} else if !grpcutil.IsErrorNotFound(err) {
		r.logger.With("instance_uid", uid, "err", err).Debug("failed to read description snapshot")
	}
	if health, err := r.snaps.Health.Get(ctx, uid); err == nil {
		a.Health = health
	} else if !grpcutil.IsErrorNotFound(err) {
		r.logger.With("instance_uid", uid, "err", err).Debug("failed to read health snapshot")
	}
	if cfg, err := r.snaps.EffectiveConfig.Get(ctx, uid); err == nil {
		a.EffectiveConfig = cfg
	} else if !grpcutil.IsErrorNotFound(err) {
		r.logger.With("instance_uid", uid, "err", err).Debug("failed to read effective config snapshot")
	}
	if status, err := r.snaps.RemoteConfigStatus.Get(ctx, uid); err == nil {
		a.RemoteConfigStatus = status
	} else if !grpcutil.IsErrorNotFound(err) {
		r.logger.With("instance_uid", uid, "err", err).Debug("failed to read remote config status snapshot")
	}
	if comps, err := r.snaps.AvailableComponents.Get(ctx, uid); err == nil {
		a.AvailableComponents = comps
	} else if !grpcutil.IsErrorNotFound(err) {
		r.logger.With("instance_uid", uid, "err", err).Debug("failed to read available components snapshot")
	}
	if pkgs, err := r.snaps.PackageStatuses.Get(ctx, uid); err == nil {
		a.PackageStatuses = pkgs
	} else if !grpcutil.IsErrorNotFound(err) {
		r.logger.With("instance_uid", uid, "err", err).Debug("failed to read package statuses snapshot")
	}

	offered, err := r.db.LatestOfferedHash(ctx, uid)
	if err != nil {
		r.logger.With("instance_uid", uid, "err", err).Debug("failed to resolve offered config hash")
	}
	a.OfferedConfigHash = offered

	return a
}

// Delete removes the registry row first so the agent disappears from lists
// immediately, then clears the snapshots.
func (r *repository) Delete(ctx context.Context, orgID, uid string) error {
	if err := r.db.DeleteAgent(ctx, orgID, uid); err != nil {
		if grpcutil.IsErrorNotFound(err) {
			return ErrAgentNotFound
		}
		return fmt.Errorf("delete agent %s: %w", uid, err)
	}
	if err := r.snaps.DeleteAll(ctx, uid); err != nil {
		r.logger.With("instance_uid", uid, "err", err).Warn("failed to delete agent snapshots")
	}
	r.logger.With("instance_uid", uid).Info("agent deleted")
	return nil
}
