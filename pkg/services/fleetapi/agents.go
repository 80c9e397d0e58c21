package fleetapi

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/samber/lo"

	"github.com/otelgrid/otelgrid/pkg/domain/agent"
	"github.com/otelgrid/otelgrid/pkg/store"
	"github.com/otelgrid/otelgrid/pkg/util/grpcutil"
	"github.com/otelgrid/otelgrid/pkg/wire"
)

func (s *Server) listAgents(c *gin.Context) {
	filter := store.AgentFilter{
		ConnectionStatus: store.ConnectionStatus(c.Query("connection_status")),
		Labels:           parseLabels(c.QueryArray("label")),
	}

	agents, err := s.agents.List(c.Request.Context(), orgID(c), filter)
	if err != nil {
		s.logger.With("err", err).Error("failed to list agents")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list agents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": lo.Map(agents, func(a *agent.Agent, _ int) agent.View {
			return agent.ToView(a)
		}),
	})
}

func (s *Server) getAgent(c *gin.Context) {
	a, err := s.agents.Get(c.Request.Context(), orgID(c), c.Param("uid"))
	if errors.Is(err, agent.ErrAgentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	} else if err != nil {
		s.logger.With("instance_uid", c.Param("uid"), "err", err).Error("failed to load agent")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load agent"})
		return
	}
	c.JSON(http.StatusOK, agent.ToDetailView(a))
}

// deleteAgent forgets a gateway: bearer tokens are revoked first so a live
// agent cannot re-create its row by reconnecting.
func (s *Server) deleteAgent(c *gin.Context) {
	ctx := c.Request.Context()
	uid := c.Param("uid")

	if _, err := s.agents.Get(ctx, orgID(c), uid); errors.Is(err, agent.ErrAgentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load agent"})
		return
	}

	if err := s.db.RevokeOpAMPTokensForAgent(ctx, uid); err != nil {
		s.logger.With("instance_uid", uid, "err", err).Error("failed to revoke tokens")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete agent"})
		return
	}
	s.registry.Close(uid)

	if err := s.agents.Delete(ctx, orgID(c), uid); err != nil {
		s.logger.With("instance_uid", uid, "err", err).Error("failed to delete agent")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete agent"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) requestEffectiveConfig(c *gin.Context) {
	trackingID, err := s.tracker.Request(c.Request.Context(), orgID(c), c.Param("uid"), c.GetHeader("X-Requested-By"))
	if grpcutil.IsErrorNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	} else if err != nil {
		s.logger.With("instance_uid", c.Param("uid"), "err", err).Error("failed to create config request")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create config request"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"tracking_id": trackingID})
}

func (s *Server) pollEffectiveConfig(c *gin.Context) {
	ctx := c.Request.Context()
	req, err := s.tracker.Get(ctx, orgID(c), c.Param("tracking_id"))
	if grpcutil.IsErrorNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tracking id"})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load config request"})
		return
	}
	if req.InstanceUID != c.Param("uid") {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tracking id"})
		return
	}

	switch req.State {
	case store.ConfigRequestPending:
		c.JSON(http.StatusAccepted, gin.H{"state": "pending", "tracking_id": req.TrackingID})
	case store.ConfigRequestExpired:
		c.JSON(http.StatusGone, gin.H{"state": "expired", "tracking_id": req.TrackingID})
	case store.ConfigRequestFulfilled:
		a, err := s.agents.Get(ctx, orgID(c), req.InstanceUID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load reported config"})
			return
		}
		c.Header("X-Config-Hash", req.ResultHash)
		c.Data(http.StatusOK, "application/yaml", []byte(renderConfig(a.EffectiveConfigBody())))
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown request state"})
	}
}

// configDiff renders a unified diff of what the server last offered against
// what the agent says it is actually running.
func (s *Server) configDiff(c *gin.Context) {
	ctx := c.Request.Context()
	uid := c.Param("uid")

	a, err := s.agents.Get(ctx, orgID(c), uid)
	if errors.Is(err, agent.ErrAgentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load agent"})
		return
	}

	offered, err := s.db.LatestOfferedDeployment(ctx, uid)
	if grpcutil.IsErrorNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no config was ever offered to this agent"})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load offered config"})
		return
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(offered.ConfigYAML)),
		B:        difflib.SplitLines(renderConfig(a.EffectiveConfigBody())),
		FromFile: "offered (" + offered.ConfigHash + ")",
		ToFile:   "effective (" + a.Record.EffectiveConfigHash + ")",
		Context:  3,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute diff"})
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(diff))
}

// restartAgent pushes an OpAMP restart command to a connected, capable agent.
func (s *Server) restartAgent(c *gin.Context) {
	ctx := c.Request.Context()
	uid := c.Param("uid")

	a, err := s.agents.Get(ctx, orgID(c), uid)
	if errors.Is(err, agent.ErrAgentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load agent"})
		return
	}
	if !a.Record.Capabilities.Has(wire.CapAcceptsRestartCommand) {
		c.JSON(http.StatusConflict, gin.H{"error": "agent does not accept restart commands"})
		return
	}

	err = s.registry.Send(uid, &protobufs.ServerToAgent{
		Command: &protobufs.ServerToAgentCommand{
			Type: protobufs.CommandType_CommandType_Restart,
		},
	})
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "agent has no live session"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "restart sent"})
}

// renderConfig flattens the reported config map into one YAML document.
// Single-file agents report under the empty name; multi-file agents get a
// file marker per section.
func renderConfig(files map[string]string) string {
	if len(files) == 0 {
		return ""
	}
	if body, ok := files[""]; ok && len(files) == 1 {
		return body
	}
	names := lo.Keys(files)
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString("# file: " + name + "\n")
		b.WriteString(files[name])
		if !strings.HasSuffix(files[name], "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}
