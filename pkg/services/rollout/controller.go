// Package rollout drives deployments through their waves: opening audit rows
// to the protocol engine, gating on acknowledgments, enforcing failure
// thresholds, and rolling agents back to their prior config when a rollout
// goes bad.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/open-telemetry/opamp-go/protobufs"
	"golang.org/x/sync/errgroup"

	"github.com/otelgrid/otelgrid/pkg/config"
	"github.com/otelgrid/otelgrid/pkg/metrics"
	"github.com/otelgrid/otelgrid/pkg/services/opamp"
	"github.com/otelgrid/otelgrid/pkg/store"
	"github.com/otelgrid/otelgrid/pkg/util"
	"github.com/otelgrid/otelgrid/pkg/wire"
)

var (
	// ErrNotPending means Submit was called on a deployment that already ran.
	ErrNotPending = errors.New("deployment is not pending")
	// ErrNotActive means Cancel was called on a finished deployment.
	ErrNotActive = errors.New("deployment is not active")
)

// stagedWaves is the cumulative percentage ladder of the staged strategy.
var stagedWaves = []int{10, 50, 100}

// Controller runs at most one goroutine per active deployment. Progress is
// event-driven through DeploymentProgress with a poll ticker as the fallback;
// an acknowledgment that raced the wave opening is never lost, only late.
type Controller struct {
	services.Service

	logger   *slog.Logger
	cfg      config.RolloutConfig
	db       *store.Store
	registry *opamp.Registry

	mu     sync.Mutex
	active map[string]*run
}

type run struct {
	cancel context.CancelFunc
	// events coalesces progress notifications; capacity one is enough
	// because the runner re-reads counts on every wake.
	events chan struct{}
}

var _ opamp.StatusNotifier = (*Controller)(nil)

func NewController(logger *slog.Logger, cfg config.RolloutConfig, db *store.Store, registry *opamp.Registry) *Controller {
	c := &Controller{
		logger:   logger,
		cfg:      cfg,
		db:       db,
		registry: registry,
		active:   map[string]*run{},
	}
	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c
}

// starting resumes deployments that were mid-flight when the process died.
func (c *Controller) starting(ctx context.Context) error {
	deployments, err := c.db.ListActiveDeployments(ctx)
	if err != nil {
		return fmt.Errorf("resume deployments: %w", err)
	}
	for _, d := range deployments {
		c.logger.With("deployment_id", d.ID, "status", d.Status).Info("resuming deployment")
		c.spawn(d)
	}
	return nil
}

func (c *Controller) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (c *Controller) stopping(_ error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.active {
		r.cancel()
	}
	return nil
}

// DeploymentProgress wakes the deployment's runner; called by the protocol
// engine whenever an acknowledgment settles an audit row.
func (c *Controller) DeploymentProgress(deploymentID string) {
	c.mu.Lock()
	r, ok := c.active[deploymentID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case r.events <- struct{}{}:
	default:
	}
}

// Submit takes ownership of a freshly created deployment: older active
// deployments lose the contested agents, then the wave runner starts.
func (c *Controller) Submit(ctx context.Context, deploymentID string) error {
	d, err := c.db.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.Status != store.DeploymentPending {
		return fmt.Errorf("deployment %s: %w", deploymentID, ErrNotPending)
	}

	if err := c.supersedeOlder(ctx, d); err != nil {
		return err
	}
	if err := c.db.SetDeploymentStatus(ctx, d.ID, store.DeploymentInProgress); err != nil {
		return err
	}
	d.Status = store.DeploymentInProgress
	c.spawn(d)
	return nil
}

// Cancel stops the runner and skips every audit row that has not settled.
func (c *Controller) Cancel(ctx context.Context, orgID, deploymentID string) error {
	d, err := c.db.GetDeployment(ctx, orgID, deploymentID)
	if err != nil {
		return err
	}
	if d.Status.IsTerminal() {
		return fmt.Errorf("deployment %s: %w", deploymentID, ErrNotActive)
	}

	c.mu.Lock()
	if r, ok := c.active[deploymentID]; ok {
		r.cancel()
	}
	c.mu.Unlock()

	targets, err := c.db.ListTargets(ctx, deploymentID)
	if err != nil {
		return err
	}
	for _, t := range targets {
		switch t.State {
		case store.TargetUnset, store.TargetOffered, store.TargetApplying:
			if err := c.db.SetTargetState(ctx, deploymentID, t.InstanceUID, store.TargetSkipped, "deployment cancelled"); err != nil {
				c.logger.With("deployment_id", deploymentID, "instance_uid", t.InstanceUID, "err", err).
					Error("failed to skip target on cancel")
			}
		}
	}
	c.finish(ctx, deploymentID, store.DeploymentCancelled)
	return nil
}

// supersedeOlder skips the contested agents out of every older active
// deployment. An older deployment left with nothing to do becomes superseded.
func (c *Controller) supersedeOlder(ctx context.Context, d *store.Deployment) error {
	targets, err := c.db.ListTargets(ctx, d.ID)
	if err != nil {
		return err
	}
	uids := make([]string, 0, len(targets))
	for _, t := range targets {
		uids = append(uids, t.InstanceUID)
	}

	older, err := c.db.ActiveDeploymentsOverlapping(ctx, d.OrgID, d.ID, uids)
	if err != nil {
		return err
	}
	for _, old := range older {
		if err := c.db.SupersedeTargets(ctx, old.ID, uids, d.ID); err != nil {
			return err
		}
		c.logger.With("deployment_id", old.ID, "by", d.ID).Info("superseded overlapping targets")

		counts, err := c.db.CountTargetStates(ctx, old.ID)
		if err != nil {
			return err
		}
		if counts[store.TargetUnset]+counts[store.TargetOffered]+counts[store.TargetApplying] == 0 {
			c.mu.Lock()
			if r, ok := c.active[old.ID]; ok {
				r.cancel()
			}
			c.mu.Unlock()
			c.finish(ctx, old.ID, store.DeploymentSuperseded)
		} else {
			// Wake the old runner so its wave accounting sees the skips.
			c.DeploymentProgress(old.ID)
		}
	}
	return nil
}

func (c *Controller) spawn(d *store.Deployment) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, events: make(chan struct{}, 1)}

	c.mu.Lock()
	if _, exists := c.active[d.ID]; exists {
		c.mu.Unlock()
		cancel()
		return
	}
	c.active[d.ID] = r
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.active, d.ID)
			c.mu.Unlock()
			cancel()
		}()
		c.runDeployment(ctx, d, r)
	}()
}

// waves returns the cumulative percentage ladder for the strategy.
func waves(d *store.Deployment) []int {
	switch d.Strategy {
	case store.StrategyCanary:
		pct := d.CanaryPercent
		if pct <= 0 || pct >= 100 {
			return []int{100}
		}
		return []int{pct, 100}
	case store.StrategyStaged:
		return stagedWaves
	default:
		return []int{100}
	}
}

func (c *Controller) runDeployment(ctx context.Context, d *store.Deployment, r *run) {
	logger := c.logger.With("deployment_id", d.ID, "strategy", d.Strategy)

	targets, err := c.db.ListTargets(ctx, d.ID)
	if err != nil {
		logger.With("err", err).Error("failed to list targets")
		c.finish(ctx, d.ID, store.DeploymentFailed)
		return
	}

	// Total excludes rows another deployment already took over.
	total := 0
	for _, t := range targets {
		if t.State != store.TargetSkipped {
			total++
		}
	}
	if total == 0 {
		logger.Info("no live targets, deployment superseded")
		c.finish(ctx, d.ID, store.DeploymentSuperseded)
		return
	}

	for _, pct := range waves(d) {
		want := (total*pct + 99) / 100
		if pct == 100 {
			want = total
		}

		opened, err := c.openWave(ctx, d, want)
		if err != nil {
			logger.With("err", err).Error("failed to open wave")
			c.finish(ctx, d.ID, store.DeploymentFailed)
			return
		}
		logger.With("wave_percent", pct, "opened", opened).Info("wave opened")

		ok := c.awaitWave(ctx, d.ID, r)
		if !ok {
			// Cancelled from outside; final status was already written.
			return
		}

		counts, err := c.db.CountTargetStates(ctx, d.ID)
		if err != nil {
			logger.With("err", err).Error("failed to count target states")
			c.finish(ctx, d.ID, store.DeploymentFailed)
			return
		}
		if c.overThreshold(d, counts, total) {
			logger.With("failed", counts[store.TargetFailed], "total", total).
				Warn("failure threshold exceeded, stopping rollout")
			c.abortRemaining(ctx, d.ID, "rollout stopped: failure threshold exceeded")
			if !d.IgnoreFailures {
				c.autoRollback(ctx, d)
			}
			c.finish(ctx, d.ID, store.DeploymentFailed)
			return
		}
	}

	counts, err := c.db.CountTargetStates(ctx, d.ID)
	if err != nil {
		logger.With("err", err).Error("failed to count target states")
		c.finish(ctx, d.ID, store.DeploymentFailed)
		return
	}
	status := store.DeploymentSucceeded
	if counts[store.TargetFailed] > 0 {
		status = store.DeploymentFailed
		if !d.IgnoreFailures {
			c.autoRollback(ctx, d)
		}
	}
	c.finish(ctx, d.ID, status)
	logger.With("status", status, "applied", counts[store.TargetApplied], "failed", counts[store.TargetFailed]).
		Info("deployment finished")
}

// openWave flips UNSET rows to OFFERED until the cumulative opened count
// reaches want, then pushes offers to live sessions with bounded concurrency.
// Agents without the remote config capability fail their row immediately.
func (c *Controller) openWave(ctx context.Context, d *store.Deployment, want int) (int, error) {
	targets, err := c.db.ListTargets(ctx, d.ID)
	if err != nil {
		return 0, err
	}

	alreadyOpen := 0
	var candidates []string
	for _, t := range targets {
		switch t.State {
		case store.TargetSkipped:
		case store.TargetUnset:
			candidates = append(candidates, t.InstanceUID)
		default:
			alreadyOpen++
		}
	}

	// Wave membership is a random sample of the remaining targets, not the
	// first rows in uid order.
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	toOpen := candidates
	if n := want - alreadyOpen; n <= 0 {
		toOpen = nil
	} else if n < len(toOpen) {
		toOpen = toOpen[:n]
	}

	offer := c.offerMessage(d)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxInFlightOffers)
	for _, uid := range toOpen {
		g.Go(func() error {
			rec, err := c.db.GetAgent(gctx, uid)
			if err != nil {
				return fmt.Errorf("load agent %s: %w", uid, err)
			}
			if !rec.Capabilities.Has(wire.CapAcceptsRemoteConfig) {
				return c.db.SetTargetState(gctx, d.ID, uid, store.TargetFailed,
					"capability_missing")
			}
			if err := c.db.SetTargetState(gctx, d.ID, uid, store.TargetOffered, ""); err != nil {
				return err
			}
			// Best effort: a disconnected agent picks the offer up on its
			// next exchange.
			if err := c.registry.Send(uid, offer); err != nil {
				c.logger.With("deployment_id", d.ID, "instance_uid", uid, "err", err).
					Debug("offer push not delivered")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return alreadyOpen + len(toOpen), nil
}

func (c *Controller) offerMessage(d *store.Deployment) *protobufs.ServerToAgent {
	return &protobufs.ServerToAgent{
		RemoteConfig: &protobufs.AgentRemoteConfig{
			Config:     util.ConfigMapForYAML(d.ConfigYAML),
			ConfigHash: []byte(d.ConfigHash),
		},
	}
}

// awaitWave blocks until no opened row is pending, the wave times out, or the
// run is cancelled. Returns false only on cancellation.
func (c *Controller) awaitWave(ctx context.Context, deploymentID string, r *run) bool {
	deadline := time.NewTimer(c.cfg.WaveTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.cfg.PollInterval)
	defer tick.Stop()

	for {
		counts, err := c.db.CountTargetStates(ctx, deploymentID)
		if err == nil && counts[store.TargetOffered]+counts[store.TargetApplying] == 0 {
			return true
		}
		if err != nil && ctx.Err() == nil {
			c.logger.With("deployment_id", deploymentID, "err", err).Error("failed to count target states")
		}

		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			c.timeoutPending(ctx, deploymentID)
			return true
		case <-r.events:
		case <-tick.C:
		}
	}
}

// timeoutPending fails every row still in flight when the wave deadline hits.
func (c *Controller) timeoutPending(ctx context.Context, deploymentID string) {
	targets, err := c.db.ListTargets(ctx, deploymentID)
	if err != nil {
		c.logger.With("deployment_id", deploymentID, "err", err).Error("failed to list targets at wave timeout")
		return
	}
	for _, t := range targets {
		if t.State == store.TargetOffered || t.State == store.TargetApplying {
			if err := c.db.SetTargetState(ctx, deploymentID, t.InstanceUID, store.TargetFailed,
				"no acknowledgment before wave timeout"); err != nil {
				c.logger.With("deployment_id", deploymentID, "instance_uid", t.InstanceUID, "err", err).
					Error("failed to time out target")
			}
		}
	}
}

// abortRemaining skips rows whose wave never opened.
func (c *Controller) abortRemaining(ctx context.Context, deploymentID, reason string) {
	targets, err := c.db.ListTargets(ctx, deploymentID)
	if err != nil {
		c.logger.With("deployment_id", deploymentID, "err", err).Error("failed to list targets")
		return
	}
	for _, t := range targets {
		if t.State == store.TargetUnset {
			if err := c.db.SetTargetState(ctx, deploymentID, t.InstanceUID, store.TargetSkipped, reason); err != nil {
				c.logger.With("deployment_id", deploymentID, "instance_uid", t.InstanceUID, "err", err).
					Error("failed to skip target")
			}
		}
	}
}

// overThreshold applies the failure budget against the full target set.
// A zero threshold means any failure stops the rollout.
func (c *Controller) overThreshold(d *store.Deployment, counts map[store.TargetState]int, total int) bool {
	failed := counts[store.TargetFailed]
	if failed == 0 {
		return false
	}
	return failed*100 > d.FailureThresholdPercent*total
}

func (c *Controller) finish(ctx context.Context, deploymentID string, status store.DeploymentStatus) {
	// Terminal status writes must land even when the run context is gone.
	ctx = context.WithoutCancel(ctx)
	if err := c.db.SetDeploymentStatus(ctx, deploymentID, status); err != nil {
		c.logger.With("deployment_id", deploymentID, "status", status, "err", err).
			Error("failed to finish deployment")
		return
	}
	metrics.DeploymentsFinished.WithLabelValues(string(status)).Inc()
}
