package rollout

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/otelgrid/otelgrid/pkg/store"
)

// Rollback returns every APPLIED agent of the deployment to the config it ran
// before. Agents are grouped by their prior applied config, one child
// deployment per group; agents with no recorded prior config are left alone.
// The rolled-back deployment is terminal afterwards.
func (c *Controller) Rollback(ctx context.Context, orgID, deploymentID, requestedBy string) ([]string, error) {
	d, err := c.db.GetDeployment(ctx, orgID, deploymentID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if r, ok := c.active[d.ID]; ok {
		r.cancel()
	}
	c.mu.Unlock()

	children, err := c.rollbackApplied(ctx, d, requestedBy)
	if err != nil {
		return nil, err
	}
	c.finish(ctx, d.ID, store.DeploymentRolledBack)

	ids := lo.Map(children, func(child *store.Deployment, _ int) string { return child.ID })
	return ids, nil
}

// autoRollback is the failure-threshold path; errors are logged because the
// deployment is already being declared failed.
func (c *Controller) autoRollback(ctx context.Context, d *store.Deployment) {
	children, err := c.rollbackApplied(ctx, d, "auto-rollback")
	if err != nil {
		c.logger.With("deployment_id", d.ID, "err", err).Error("automatic rollback failed")
		return
	}
	for _, child := range children {
		c.logger.With("deployment_id", d.ID, "rollback_id", child.ID).Info("automatic rollback started")
	}
}

// rollbackApplied creates and submits one immediate deployment per prior
// config group.
func (c *Controller) rollbackApplied(ctx context.Context, d *store.Deployment, requestedBy string) ([]*store.Deployment, error) {
	ctx = context.WithoutCancel(ctx)

	targets, err := c.db.ListTargets(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	// prior config hash -> the deployment that carried it, and its agents.
	groups := map[string]*store.Deployment{}
	members := map[string][]string{}
	for _, t := range targets {
		if t.State != store.TargetApplied {
			continue
		}
		prior, err := c.priorApplied(ctx, t.InstanceUID, d)
		if err != nil {
			return nil, err
		}
		if prior == nil {
			c.logger.With("deployment_id", d.ID, "instance_uid", t.InstanceUID).
				Warn("no prior applied config, agent keeps the rolled-back config")
			continue
		}
		groups[prior.ConfigHash] = prior
		members[prior.ConfigHash] = append(members[prior.ConfigHash], t.InstanceUID)
	}

	var children []*store.Deployment
	for hash, prior := range groups {
		child := &store.Deployment{
			OrgID:      d.OrgID,
			Name:       fmt.Sprintf("%s-rollback", d.Name),
			ConfigYAML: prior.ConfigYAML,
			Strategy:   store.StrategyImmediate,
			// A rollback must not cascade into another rollback.
			IgnoreFailures: true,
			TargetSelector: d.TargetSelector,
			RollbackOf:     d.ID,
			CreatedBy:      requestedBy,
		}
		if err := c.db.CreateDeployment(ctx, child, members[hash]); err != nil {
			return nil, fmt.Errorf("create rollback deployment: %w", err)
		}
		if err := c.Submit(ctx, child.ID); err != nil {
			return nil, fmt.Errorf("submit rollback deployment: %w", err)
		}
		children = append(children, child)
	}
	return children, nil
}

// priorApplied finds the config the agent confirmed before deployment d took
// effect. Entries carrying d's own hash are skipped so a partially re-applied
// config never rolls back onto itself.
func (c *Controller) priorApplied(ctx context.Context, uid string, d *store.Deployment) (*store.Deployment, error) {
	history, err := c.db.AgentConfigHistory(ctx, uid)
	if err != nil {
		return nil, err
	}
	for _, entry := range history {
		if entry.Deployment.ID == d.ID || entry.Deployment.ConfigHash == d.ConfigHash {
			continue
		}
		return entry.Deployment, nil
	}
	return nil, nil
}
