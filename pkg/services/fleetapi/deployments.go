package fleetapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/otelgrid/otelgrid/pkg/services/rollout"
	"github.com/otelgrid/otelgrid/pkg/store"
	"github.com/otelgrid/otelgrid/pkg/util/grpcutil"
)

type createDeploymentRequest struct {
	Name                    string            `json:"name"`
	ConfigYAML              string            `json:"config_yaml"`
	TargetSelector          map[string]string `json:"target_selector"`
	Strategy                string            `json:"strategy"`
	CanaryPercent           int               `json:"canary_percent"`
	FailureThresholdPercent int               `json:"failure_threshold_percent"`
	IgnoreFailures          bool              `json:"ignore_failures"`
}

type deploymentView struct {
	ID                      string            `json:"id"`
	Name                    string            `json:"name"`
	ConfigHash              string            `json:"config_hash"`
	Version                 int64             `json:"version"`
	Strategy                string            `json:"strategy"`
	CanaryPercent           int               `json:"canary_percent,omitempty"`
	FailureThresholdPercent int               `json:"failure_threshold_percent"`
	IgnoreFailures          bool              `json:"ignore_failures,omitempty"`
	TargetSelector          map[string]string `json:"target_selector"`
	Status                  string            `json:"status"`
	RollbackOf              string            `json:"rollback_of,omitempty"`
	CreatedBy               string            `json:"created_by,omitempty"`
	CreatedAt               time.Time         `json:"created_at"`
	FinishedAt              *time.Time        `json:"finished_at,omitempty"`
}

type targetView struct {
	InstanceUID string    `json:"instance_uid"`
	OfferedHash string    `json:"offered_hash"`
	State       string    `json:"state"`
	Detail      string    `json:"detail,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toDeploymentView(d *store.Deployment) deploymentView {
	return deploymentView{
		ID:                      d.ID,
		Name:                    d.Name,
		ConfigHash:              d.ConfigHash,
		Version:                 d.Version,
		Strategy:                string(d.Strategy),
		CanaryPercent:           d.CanaryPercent,
		FailureThresholdPercent: d.FailureThresholdPercent,
		IgnoreFailures:          d.IgnoreFailures,
		TargetSelector:          d.TargetSelector,
		Status:                  string(d.Status),
		RollbackOf:              d.RollbackOf,
		CreatedBy:               d.CreatedBy,
		CreatedAt:               d.CreatedAt,
		FinishedAt:              d.FinishedAt,
	}
}

func toTargetView(t *store.DeploymentTarget) targetView {
	return targetView{
		InstanceUID: t.InstanceUID,
		OfferedHash: t.OfferedHash,
		State:       string(t.State),
		Detail:      t.Detail,
		UpdatedAt:   t.UpdatedAt,
	}
}

func (s *Server) createDeployment(c *gin.Context) {
	var req createDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty deployment name"})
		return
	}

	strategy := store.DeploymentStrategy(req.Strategy)
	switch strategy {
	case "":
		strategy = store.StrategyImmediate
	case store.StrategyImmediate, store.StrategyCanary, store.StrategyStaged:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown strategy " + req.Strategy})
		return
	}
	if strategy == store.StrategyCanary && (req.CanaryPercent <= 0 || req.CanaryPercent > 100) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "canary_percent must be in (0,100]"})
		return
	}

	ctx := c.Request.Context()
	uids, err := s.resolveTargets(c, req.TargetSelector)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve targets"})
		return
	}
	if len(uids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no agents match the target selector"})
		return
	}

	d := &store.Deployment{
		OrgID:                   orgID(c),
		Name:                    req.Name,
		ConfigYAML:              []byte(req.ConfigYAML),
		Strategy:                strategy,
		CanaryPercent:           req.CanaryPercent,
		FailureThresholdPercent: req.FailureThresholdPercent,
		IgnoreFailures:          req.IgnoreFailures,
		TargetSelector:          req.TargetSelector,
		CreatedBy:               c.GetHeader("X-Requested-By"),
	}
	if err := s.db.CreateDeployment(ctx, d, uids); err != nil {
		if errors.Is(err, store.ErrInvalidConfigYAML) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.With("err", err).Error("failed to create deployment")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create deployment"})
		return
	}
	if err := s.controller.Submit(ctx, d.ID); err != nil {
		s.logger.With("deployment_id", d.ID, "err", err).Error("failed to submit deployment")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start rollout"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":          d.ID,
		"version":     d.Version,
		"config_hash": d.ConfigHash,
		"targets":     uids,
	})
}

// resolveTargets snapshots the uid set the selector matches right now. An
// empty selector targets every agent in the org.
func (s *Server) resolveTargets(c *gin.Context, selector map[string]string) ([]string, error) {
	recs, err := s.db.ListAgents(c.Request.Context(), orgID(c), store.AgentFilter{})
	if err != nil {
		return nil, err
	}
	matched := lo.Filter(recs, func(r *store.AgentRecord, _ int) bool {
		return r.MatchesLabels(selector)
	})
	return lo.Map(matched, func(r *store.AgentRecord, _ int) string { return r.InstanceUID }), nil
}

func (s *Server) listDeployments(c *gin.Context) {
	ds, err := s.db.ListDeployments(c.Request.Context(), orgID(c))
	if err != nil {
		s.logger.With("err", err).Error("failed to list deployments")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list deployments"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deployments": lo.Map(ds, func(d *store.Deployment, _ int) deploymentView {
			return toDeploymentView(d)
		}),
	})
}

func (s *Server) getDeployment(c *gin.Context) {
	ctx := c.Request.Context()
	d, err := s.db.GetDeployment(ctx, orgID(c), c.Param("id"))
	if grpcutil.IsErrorNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "deployment not found"})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load deployment"})
		return
	}

	targets, err := s.db.ListTargets(ctx, d.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load deployment targets"})
		return
	}

	view := toDeploymentView(d)
	c.JSON(http.StatusOK, gin.H{
		"deployment": view,
		"targets": lo.Map(targets, func(t *store.DeploymentTarget, _ int) targetView {
			return toTargetView(t)
		}),
	})
}

func (s *Server) rollbackDeployment(c *gin.Context) {
	ids, err := s.controller.Rollback(c.Request.Context(), orgID(c), c.Param("id"), c.GetHeader("X-Requested-By"))
	if grpcutil.IsErrorNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "deployment not found"})
		return
	} else if err != nil {
		s.logger.With("deployment_id", c.Param("id"), "err", err).Error("rollback failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rollback failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"rollback_deployment_ids": ids})
}

func (s *Server) cancelDeployment(c *gin.Context) {
	err := s.controller.Cancel(c.Request.Context(), orgID(c), c.Param("id"))
	switch {
	case grpcutil.IsErrorNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "deployment not found"})
	case errors.Is(err, rollout.ErrNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "deployment already finished"})
	case err != nil:
		s.logger.With("deployment_id", c.Param("id"), "err", err).Error("cancel failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "cancelled"})
	}
}
