// Package fleetapi is the operator-facing REST surface: deployments, agent
// inventory, effective-config fetches. Every route is org-scoped through the
// X-Scope-OrgID header.
package fleetapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"

	"github.com/otelgrid/otelgrid/pkg/domain/agent"
	"github.com/otelgrid/otelgrid/pkg/services/opamp"
	"github.com/otelgrid/otelgrid/pkg/services/rollout"
	"github.com/otelgrid/otelgrid/pkg/store"
)

const orgIDKey = "orgID"

type Server struct {
	services.Service

	logger     *slog.Logger
	db         *store.Store
	agents     agent.Repository
	controller *rollout.Controller
	tracker    *opamp.Tracker
	registry   *opamp.Registry

	router *gin.Engine
}

func NewServer(
	logger *slog.Logger,
	db *store.Store,
	agents agent.Repository,
	controller *rollout.Controller,
	tracker *opamp.Tracker,
	registry *opamp.Registry,
) *Server {
	s := &Server{
		logger:     logger,
		db:         db,
		agents:     agents,
		controller: controller,
		tracker:    tracker,
		registry:   registry,
	}

	r := gin.New()
	api := r.Group("/api/v1alpha1", orgScope())

	api.POST("/opamp-config/deployments", s.createDeployment)
	api.GET("/opamp-config/deployments", s.listDeployments)
	api.GET("/opamp-config/deployments/:id", s.getDeployment)
	api.POST("/opamp-config/deployments/:id/rollback", s.rollbackDeployment)
	api.POST("/opamp-config/deployments/:id/cancel", s.cancelDeployment)

	api.GET("/agents", s.listAgents)
	api.GET("/agents/:uid", s.getAgent)
	api.DELETE("/agents/:uid", s.deleteAgent)
	api.GET("/agents/:uid/config-diff", s.configDiff)
	api.POST("/agents/:uid/request-effective-config", s.requestEffectiveConfig)
	api.POST("/agents/:uid/restart", s.restartAgent)
	api.GET("/agents/:uid/config-requests/:tracking_id", s.pollEffectiveConfig)

	s.router = r
	s.Service = services.NewBasicService(nil, s.running, nil)
	return s
}

func (s *Server) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *Server) ConfigureHTTP(router *mux.Router) {
	router.PathPrefix("/api/v1alpha1/opamp-config").Handler(s.router)
	router.PathPrefix("/api/v1alpha1/agents").Handler(s.router)
}

// orgScope rejects requests without a tenant header.
func orgScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := c.GetHeader("X-Scope-OrgID")
		if orgID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing X-Scope-OrgID header"})
			return
		}
		c.Set(orgIDKey, orgID)
	}
}

func orgID(c *gin.Context) string {
	return c.GetString(orgIDKey)
}

// parseLabels turns repeated ?label=k=v query params into a selector map.
func parseLabels(values []string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for _, v := range values {
		k, val, ok := strings.Cut(v, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = val
	}
	return out
}
