// Package agentsim is a simulated OpAMP gateway: it redeems a registration
// token, connects over WebSocket with the minted bearer, materializes offered
// configs into a scratch directory, and acknowledges them. It exists to
// exercise the control plane end to end without running a real collector.
package agentsim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/open-telemetry/opamp-go/client"
	"github.com/open-telemetry/opamp-go/client/types"
	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/otelgrid/otelgrid/pkg/ident"
	"github.com/otelgrid/otelgrid/pkg/logutil"
	"github.com/otelgrid/otelgrid/pkg/util"
)

type Config struct {
	// ServerURL is the control plane's HTTP base, e.g. http://127.0.0.1:8081.
	ServerURL string
	// RegistrationToken is the one-shot credential from the operator.
	RegistrationToken string
	Name              string
	Labels            map[string]string
	// ScratchDir is where offered configs are materialized.
	ScratchDir string
	// FailApply makes the simulator reject every offered config, for
	// exercising failure thresholds and rollback.
	FailApply bool
}

// Credentials is what registration yields; reusable across reconnects.
type Credentials struct {
	InstanceUID   string `json:"instance_uid"`
	OpAMPToken    string `json:"opamp_token"`
	OpAMPEndpoint string `json:"opamp_endpoint"`
}

type Simulator struct {
	logger *slog.Logger
	cfg    Config

	creds   Credentials
	scratch *scratchDir

	opampClient client.OpAMPClient
	startTime   time.Time
}

func New(logger *slog.Logger, cfg Config) *Simulator {
	return &Simulator{
		logger:    logger,
		cfg:       cfg,
		scratch:   newScratchDir(cfg.ScratchDir),
		startTime: time.Now(),
	}
}

// Register redeems the registration token, retrying with exponential backoff
// while the server is unreachable. Terminal registration errors (consumed,
// expired, rejected token) abort immediately.
func (s *Simulator) Register(ctx context.Context) (Credentials, error) {
	payload, err := json.Marshal(map[string]any{
		"token":  s.cfg.RegistrationToken,
		"name":   s.cfg.Name,
		"labels": s.cfg.Labels,
	})
	if err != nil {
		return Credentials{}, err
	}

	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err = backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			s.cfg.ServerURL+"/api/v1alpha1/gateways", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			s.logger.With("err", err).Warn("registration attempt failed, retrying")
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusCreated:
			return json.NewDecoder(resp.Body).Decode(&s.creds)
		case resp.StatusCode >= 500:
			return fmt.Errorf("server error: %s", resp.Status)
		default:
			// 4xx means the token will never work; do not retry.
			return backoff.Permanent(fmt.Errorf("registration rejected: %s", resp.Status))
		}
	}, bo)
	if err != nil {
		return Credentials{}, err
	}

	s.logger.With("instance_uid", s.creds.InstanceUID).Info("registered with control plane")
	return s.creds, nil
}

// Start connects the OpAMP client with previously obtained credentials.
func (s *Simulator) Start(ctx context.Context, creds Credentials) error {
	s.creds = creds
	uid, err := ident.ParseUID(creds.InstanceUID)
	if err != nil {
		return fmt.Errorf("bad instance uid from registration: %w", err)
	}

	s.opampClient = client.NewWebSocket(logutil.NewOpAMPLogger(s.logger))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.OpAMPToken)

	settings := types.StartSettings{
		OpAMPServerURL: creds.OpAMPEndpoint,
		Header:         header,
		InstanceUid:    types.InstanceUid(uid),
		Capabilities:   protobufs.AgentCapabilities(capabilities()),
		Callbacks: types.Callbacks{
			OnConnect: func(ctx context.Context) {
				s.logger.Info("connected to OpAMP server")
				s.reportHealth(true, "connected", "")
			},
			OnConnectFailed: func(ctx context.Context, err error) {
				s.logger.With("err", err).Error("failed to connect to the server")
			},
			OnError: func(ctx context.Context, err *protobufs.ServerErrorResponse) {
				s.logger.With("err", err.GetErrorMessage()).Error("server returned an error response")
			},
			GetEffectiveConfig: func(ctx context.Context) (*protobufs.EffectiveConfig, error) {
				return s.effectiveConfig(), nil
			},
			OnMessage: s.onMessage,
		},
	}

	if err := s.opampClient.SetAgentDescription(s.agentDescription(creds.InstanceUID)); err != nil {
		return err
	}
	if err := s.opampClient.SetHealth(s.buildHealth(true, "initialized", "")); err != nil {
		s.logger.With("err", err).Warn("failed to set initial health")
	}

	return s.opampClient.Start(ctx, settings)
}

func (s *Simulator) Shutdown(ctx context.Context) error {
	if s.opampClient == nil {
		return nil
	}
	return s.opampClient.Stop(ctx)
}

func (s *Simulator) onMessage(ctx context.Context, msg *types.MessageData) {
	incoming := msg.RemoteConfig
	if incoming == nil {
		return
	}
	l := s.logger.With("config_hash", string(incoming.GetConfigHash()))
	l.Info("received remote config offer")

	if s.cfg.FailApply {
		l.Info("rejecting config (fail-apply mode)")
		s.setRemoteConfigStatus(&protobufs.RemoteConfigStatus{
			Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED,
			LastRemoteConfigHash: incoming.GetConfigHash(),
			ErrorMessage:         "simulated apply failure",
		})
		return
	}

	if err := s.scratch.Apply(incoming); err != nil {
		l.With("err", err).Error("failed to materialize config")
		s.setRemoteConfigStatus(&protobufs.RemoteConfigStatus{
			Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED,
			LastRemoteConfigHash: s.scratch.CurrentHash(),
			ErrorMessage:         err.Error(),
		})
		return
	}

	s.setRemoteConfigStatus(&protobufs.RemoteConfigStatus{
		Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED,
		LastRemoteConfigHash: incoming.GetConfigHash(),
	})
	if err := s.opampClient.UpdateEffectiveConfig(ctx); err != nil {
		l.With("err", err).Warn("failed to report effective config")
	}
	s.reportHealth(true, "config applied", "")
}

func (s *Simulator) setRemoteConfigStatus(status *protobufs.RemoteConfigStatus) {
	if err := s.opampClient.SetRemoteConfigStatus(status); err != nil {
		s.logger.With("err", err).Error("failed to report remote config status")
	}
}

func (s *Simulator) effectiveConfig() *protobufs.EffectiveConfig {
	configMap, err := s.scratch.ConfigMap()
	if err != nil {
		s.logger.With("err", err).Error("failed to read scratch config")
		return &protobufs.EffectiveConfig{ConfigMap: &protobufs.AgentConfigMap{}}
	}
	return &protobufs.EffectiveConfig{ConfigMap: configMap}
}

func (s *Simulator) agentDescription(agentID string) *protobufs.AgentDescription {
	attrs := []*protobufs.KeyValue{
		util.KeyVal("service.name", s.cfg.Name),
		util.KeyVal("service.instance.id", agentID),
		util.KeyVal("service.version", "agentsim"),
	}
	nonIdent := []*protobufs.KeyValue{
		util.KeyVal("os.type", runtime.GOOS),
		util.KeyVal("host.arch", runtime.GOARCH),
		util.KeyVal("process.runtime.name", "go"),
		util.KeyVal("process.runtime.version", runtime.Version()),
	}
	for k, v := range s.cfg.Labels {
		nonIdent = append(nonIdent, util.KeyVal(k, v))
	}
	return &protobufs.AgentDescription{
		IdentifyingAttributes:    attrs,
		NonIdentifyingAttributes: nonIdent,
	}
}

func (s *Simulator) buildHealth(healthy bool, status, lastError string) *protobufs.ComponentHealth {
	return &protobufs.ComponentHealth{
		Healthy:            healthy,
		Status:             status,
		LastError:          lastError,
		StartTimeUnixNano:  uint64(s.startTime.UnixNano()),
		StatusTimeUnixNano: uint64(time.Now().UnixNano()),
	}
}

func (s *Simulator) reportHealth(healthy bool, status, lastError string) {
	if err := s.opampClient.SetHealth(s.buildHealth(healthy, status, lastError)); err != nil {
		s.logger.With("err", err).Warn("failed to report health")
	}
}

func capabilities() uint64 {
	return uint64(
		protobufs.AgentCapabilities_AgentCapabilities_ReportsStatus |
			protobufs.AgentCapabilities_AgentCapabilities_AcceptsRemoteConfig |
			protobufs.AgentCapabilities_AgentCapabilities_ReportsRemoteConfig |
			protobufs.AgentCapabilities_AgentCapabilities_ReportsHealth |
			protobufs.AgentCapabilities_AgentCapabilities_ReportsEffectiveConfig,
	)
}
