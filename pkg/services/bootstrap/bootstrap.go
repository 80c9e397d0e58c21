// Package bootstrap is the gateway registration surface: operators mint
// one-shot registration tokens, gateways redeem them for an instance UID and
// a long-lived OpAMP bearer credential.
package bootstrap

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"

	"github.com/otelgrid/otelgrid/pkg/ident"
	"github.com/otelgrid/otelgrid/pkg/keyring"
	"github.com/otelgrid/otelgrid/pkg/store"
	"github.com/otelgrid/otelgrid/pkg/tokens"
	"github.com/otelgrid/otelgrid/pkg/util/grpcutil"
)

const tokenSweepInterval = time.Hour

type Server struct {
	services.Service

	logger        *slog.Logger
	db            *store.Store
	keys          *keyring.Keyring
	tokenTTL      time.Duration
	opampEndpoint string

	router *gin.Engine
}

func NewServer(logger *slog.Logger, db *store.Store, keys *keyring.Keyring, tokenTTL time.Duration, opampEndpoint string) *Server {
	s := &Server{
		logger:        logger,
		db:            db,
		keys:          keys,
		tokenTTL:      tokenTTL,
		opampEndpoint: opampEndpoint,
	}

	r := gin.New()
	r.POST("/api/v1alpha1/registration-tokens", s.createRegistrationToken)
	r.POST("/api/v1alpha1/gateways", s.registerGateway)
	s.router = r

	s.Service = services.NewBasicService(nil, s.running, nil)
	return s
}

func (s *Server) ConfigureHTTP(router *mux.Router) {
	router.PathPrefix("/api/v1alpha1/registration-tokens").Handler(s.router)
	router.PathPrefix("/api/v1alpha1/gateways").Handler(s.router)
}

// running garbage-collects registration tokens that expired unredeemed.
// Consumed tokens are kept for the audit trail.
func (s *Server) running(ctx context.Context) error {
	tick := time.NewTicker(tokenSweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			n, err := s.db.DeleteExpiredRegistrationTokens(ctx, time.Now())
			if err != nil {
				s.logger.With("err", err).Error("registration token sweep failed")
			} else if n > 0 {
				s.logger.With("deleted", n).Debug("swept expired registration tokens")
			}
		}
	}
}

type createTokenRequest struct {
	CreatedBy string `json:"created_by"`
}

func (s *Server) createRegistrationToken(c *gin.Context) {
	orgID := c.GetHeader("X-Scope-OrgID")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing X-Scope-OrgID header"})
		return
	}

	var req createTokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
	}

	tok := tokens.NewToken()
	sig, err := tok.SignDetached(s.keys.TokenSigningKey())
	if err != nil {
		s.logger.With("err", err).Error("failed to sign registration token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint token"})
		return
	}

	rec := &store.RegistrationToken{
		TokenID:    tok.HexID(),
		OrgID:      orgID,
		SecretHash: tok.SecretHash(),
		Signature:  hex.EncodeToString(sig),
		CreatedBy:  req.CreatedBy,
		ExpiresAt:  time.Now().Add(s.tokenTTL),
	}
	if err := s.db.PutRegistrationToken(c.Request.Context(), rec); err != nil {
		s.logger.With("err", err).Error("failed to persist registration token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint token"})
		return
	}

	s.logger.With("token_id", tok.HexID(), "org_id", orgID).Info("minted registration token")

	// The secret leaves the server exactly once, here.
	c.JSON(http.StatusCreated, gin.H{
		"id":         tok.HexID(),
		"token":      tok.EncodeToHex(),
		"signature":  rec.Signature,
		"expires_at": rec.ExpiresAt,
	})
}

type registerGatewayRequest struct {
	Token string `json:"token"`
	Name  string `json:"name"`
	// InstanceUID binds the registration to a pre-provisioned agent row
	// instead of minting a fresh identity.
	InstanceUID string            `json:"instance_uid"`
	Labels      map[string]string `json:"labels"`
}

func (s *Server) registerGateway(c *gin.Context) {
	var req registerGatewayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty gateway name"})
		return
	}

	tok, err := tokens.ParseHex(req.Token)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed registration token"})
		return
	}

	ctx := c.Request.Context()
	rec, err := s.db.GetRegistrationToken(ctx, tok.HexID())
	if grpcutil.IsErrorNotFound(err) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown registration token"})
		return
	} else if err != nil {
		s.logger.With("err", err).Error("registration token lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}
	if !tok.MatchesHash(rec.SecretHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "registration token secret mismatch"})
		return
	}

	uid := ident.NewUID()
	if req.InstanceUID != "" {
		uid, err = ident.ParseUID(req.InstanceUID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed instance_uid"})
			return
		}
	}
	if _, err := s.db.ConsumeRegistrationToken(ctx, tok.HexID(), uid.String()); err != nil {
		switch {
		case errors.Is(err, store.ErrTokenConsumed):
			c.JSON(http.StatusConflict, gin.H{"error": "registration token already consumed"})
		case errors.Is(err, store.ErrTokenExpired):
			c.JSON(http.StatusForbidden, gin.H{"error": "registration token expired"})
		default:
			s.logger.With("err", err).Error("registration token redemption failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		}
		return
	}

	if err := s.db.UpsertAgent(ctx, &store.AgentRecord{
		InstanceUID:         uid.String(),
		OrgID:               rec.OrgID,
		Name:                req.Name,
		NonIdentifyingAttrs: req.Labels,
		ConnectionStatus:    store.ConnectionRegistered,
		RegistrationTokenID: tok.HexID(),
	}); err != nil {
		s.logger.With("err", err).Error("failed to create agent row")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	bearer := tokens.NewToken()
	if err := s.db.PutOpAMPToken(ctx, &store.OpAMPToken{
		TokenID:     bearer.HexID(),
		OrgID:       rec.OrgID,
		InstanceUID: uid.String(),
		SecretHash:  bearer.SecretHash(),
	}); err != nil {
		s.logger.With("err", err).Error("failed to persist opamp token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	s.logger.With("instance_uid", uid.String(), "org_id", rec.OrgID, "name", req.Name).
		Info("gateway registered")

	c.JSON(http.StatusCreated, gin.H{
		"instance_uid":   uid.String(),
		"opamp_token":    bearer.EncodeToHex(),
		"opamp_endpoint": s.opampEndpoint,
	})
}
