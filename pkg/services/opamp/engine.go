package opamp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/otelgrid/otelgrid/pkg/config"
	"github.com/otelgrid/otelgrid/pkg/domain/agent"
	"github.com/otelgrid/otelgrid/pkg/ident"
	"github.com/otelgrid/otelgrid/pkg/metrics"
	"github.com/otelgrid/otelgrid/pkg/store"
	"github.com/otelgrid/otelgrid/pkg/util"
	"github.com/otelgrid/otelgrid/pkg/util/grpcutil"
	"github.com/otelgrid/otelgrid/pkg/wire"
)

// serverCapabilities is what this control plane advertises to every agent.
const serverCapabilities = uint64(protobufs.ServerCapabilities_ServerCapabilities_AcceptsStatus |
	protobufs.ServerCapabilities_ServerCapabilities_OffersRemoteConfig |
	protobufs.ServerCapabilities_ServerCapabilities_AcceptsEffectiveConfig |
	protobufs.ServerCapabilities_ServerCapabilities_OffersConnectionSettings)

// StatusNotifier learns when an agent's acknowledgment settles audit rows of
// a deployment, so wave gating can re-evaluate without polling.
type StatusNotifier interface {
	DeploymentProgress(deploymentID string)
}

// Engine is the transport-independent heart of the OpAMP server: it merges
// inbound status reports into the store, settles deployment audit rows, and
// composes the response. All writes for one agent are serialized on a keyed
// mutex, so WebSocket frames and HTTP polls cannot interleave.
type Engine struct {
	logger   *slog.Logger
	cfg      config.OpAMPConfig
	db       *store.Store
	snaps    *agent.Snapshots
	registry *Registry
	tracker  *Tracker
	locks    *util.KeyedMutex
	notifier StatusNotifier
}

func NewEngine(
	logger *slog.Logger,
	cfg config.OpAMPConfig,
	db *store.Store,
	snaps *agent.Snapshots,
	registry *Registry,
	tracker *Tracker,
) *Engine {
	return &Engine{
		logger:   logger,
		cfg:      cfg,
		db:       db,
		snaps:    snaps,
		registry: registry,
		tracker:  tracker,
		locks:    util.NewKeyedMutex(),
	}
}

// SetNotifier wires the rollout controller in after construction; the
// controller also depends on the registry, so one side has to attach late.
func (e *Engine) SetNotifier(n StatusNotifier) { e.notifier = n }

func (e *Engine) Registry() *Registry { return e.registry }

// HandleMessage processes one AgentToServer message on behalf of the session
// and returns the response to write back.
func (e *Engine) HandleMessage(ctx context.Context, sess *Session, msg *protobufs.AgentToServer) *protobufs.ServerToAgent {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.HandleTimeout)
	defer cancel()

	uid, err := ident.UIDFromBytes(msg.GetInstanceUid())
	if err != nil {
		metrics.MessagesReceived.WithLabelValues("bad_uid").Inc()
		return ErrorResponse(msg.GetInstanceUid(), NewBadRequestError("invalid instance uid"))
	}
	key := uid.String()
	if key != sess.UID() {
		// The bearer token is pinned to one uid at registration; a message
		// claiming a different identity is rejected outright.
		metrics.MessagesReceived.WithLabelValues("uid_mismatch").Inc()
		return ErrorResponse(msg.GetInstanceUid(), NewBadRequestError("instance uid does not match credentials"))
	}

	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	sess.Touch()

	res, err := e.db.ApplyAgentStatus(ctx, key, msg.GetSequenceNum(), func(rec *store.AgentRecord) {
		e.merge(rec, msg)
	})
	if err != nil {
		if grpcutil.IsErrorNotFound(err) {
			metrics.MessagesReceived.WithLabelValues("unknown_agent").Inc()
			return ErrorResponse(msg.GetInstanceUid(), NewBadRequestError("unknown agent; register first"))
		}
		e.logger.With("instance_uid", key, "err", err).Error("failed to apply agent status")
		metrics.MessagesReceived.WithLabelValues("error").Inc()
		return ErrorResponse(msg.GetInstanceUid(), NewUnavailableError("temporary storage failure"))
	}

	if res.Applied {
		metrics.MessagesReceived.WithLabelValues("applied").Inc()
		e.persistSnapshots(ctx, key, msg)

		if ec := msg.GetEffectiveConfig(); ec != nil {
			hash := hex.EncodeToString(util.HashAgentConfigMap(ec.GetConfigMap()))
			e.tracker.Resolve(ctx, key, hash)
		}
		if rcs := msg.GetRemoteConfigStatus(); rcs != nil {
			e.settleAudit(ctx, key, rcs)
		}
	} else {
		metrics.MessagesReceived.WithLabelValues("replayed").Inc()
	}

	return e.compose(ctx, sess, msg, res)
}

// compose builds the ServerToAgent response for an already-merged message.
func (e *Engine) compose(ctx context.Context, sess *Session, msg *protobufs.AgentToServer, res store.StatusResult) *protobufs.ServerToAgent {
	resp := &protobufs.ServerToAgent{
		InstanceUid:  msg.GetInstanceUid(),
		Capabilities: serverCapabilities,
	}

	var flags uint64
	if res.Gap {
		// The agent sent messages this server never processed; only a full
		// snapshot closes the hole.
		e.logger.With("instance_uid", sess.UID(), "sequence_num", msg.GetSequenceNum()).
			Info("sequence gap, requesting full state")
		flags |= uint64(protobufs.ServerToAgentFlags_ServerToAgentFlags_ReportFullState)
	}
	if sess.TakeFullStateRequest() {
		flags |= uint64(protobufs.ServerToAgentFlags_ServerToAgentFlags_ReportFullState)
	}
	if msg.GetEffectiveConfig() == nil {
		// A pending operator fetch survives reconnects, so the armed session
		// flag alone is not enough.
		if pending, err := e.db.HasPendingConfigRequest(ctx, sess.UID()); err == nil && pending {
			flags |= uint64(protobufs.ServerToAgentFlags_ServerToAgentFlags_ReportFullState)
		}
	}
	resp.Flags = flags

	caps := res.Record.Capabilities
	if caps.Has(wire.CapAcceptsRemoteConfig) {
		e.attachOffer(ctx, sess.UID(), res.Record, resp)
	}

	if e.cfg.OwnTelemetryEndpoint != "" && e.wantsOwnTelemetry(caps) && !sess.connSettingsOffered.Swap(true) {
		resp.ConnectionSettings = e.connectionSettingsOffer(caps)
	}

	return resp
}

// attachOffer adds the pending remote config offer, if any. Re-attaching on
// every message is deliberate: offers are idempotent by hash and the repeat
// covers agents that reconnected after the push was dropped.
func (e *Engine) attachOffer(ctx context.Context, uid string, rec *store.AgentRecord, resp *protobufs.ServerToAgent) {
	d, t, err := e.db.PendingOfferForAgent(ctx, uid)
	if err != nil {
		if !grpcutil.IsErrorNotFound(err) {
			e.logger.With("instance_uid", uid, "err", err).Error("failed to resolve pending offer")
		}
		return
	}
	if rec.RemoteConfigHash == t.OfferedHash && rec.RemoteConfigStatus == store.RemoteConfigApplying {
		// The agent already acknowledged this exact hash and is working on it.
		return
	}
	resp.RemoteConfig = &protobufs.AgentRemoteConfig{
		Config:     util.ConfigMapForYAML(d.ConfigYAML),
		ConfigHash: []byte(d.ConfigHash),
	}
	metrics.OffersAttached.Inc()
}

func (e *Engine) wantsOwnTelemetry(caps wire.Capabilities) bool {
	return caps.Has(wire.CapReportsOwnMetrics) ||
		caps.Has(wire.CapReportsOwnTraces) ||
		caps.Has(wire.CapReportsOwnLogs)
}

func (e *Engine) connectionSettingsOffer(caps wire.Capabilities) *protobufs.ConnectionSettingsOffers {
	settings := &protobufs.TelemetryConnectionSettings{
		DestinationEndpoint: e.cfg.OwnTelemetryEndpoint,
	}
	sum := sha256.Sum256([]byte(e.cfg.OwnTelemetryEndpoint))
	offers := &protobufs.ConnectionSettingsOffers{Hash: sum[:]}
	if caps.Has(wire.CapReportsOwnMetrics) {
		offers.OwnMetrics = settings
	}
	if caps.Has(wire.CapReportsOwnTraces) {
		offers.OwnTraces = settings
	}
	if caps.Has(wire.CapReportsOwnLogs) {
		offers.OwnLogs = settings
	}
	return offers
}

// merge folds the message's fields into the registry row. Absent fields leave
// the stored values untouched; OpAMP messages are deltas unless the server
// asked for full state.
func (e *Engine) merge(rec *store.AgentRecord, msg *protobufs.AgentToServer) {
	rec.ConnectionStatus = store.ConnectionConnected

	if caps := msg.GetCapabilities(); caps != 0 {
		rec.Capabilities = wire.Capabilities(caps)
	}
	if desc := msg.GetAgentDescription(); desc != nil {
		rec.IdentifyingAttrs = keyValuesToMap(desc.GetIdentifyingAttributes())
		rec.NonIdentifyingAttrs = keyValuesToMap(desc.GetNonIdentifyingAttributes())
		if name, ok := rec.IdentifyingAttrs["service.name"]; ok {
			rec.Name = name
		}
		if version, ok := rec.IdentifyingAttrs["service.version"]; ok {
			rec.AgentVersion = version
		}
	}
	if h := msg.GetHealth(); h != nil {
		healthy := h.GetHealthy()
		rec.Healthy = &healthy
		rec.HealthDetail = h.GetStatus()
		if !healthy && h.GetLastError() != "" {
			rec.HealthDetail = h.GetLastError()
		}
	}
	if ec := msg.GetEffectiveConfig(); ec != nil {
		rec.EffectiveConfigHash = hex.EncodeToString(util.HashAgentConfigMap(ec.GetConfigMap()))
	}
	if rcs := msg.GetRemoteConfigStatus(); rcs != nil {
		rec.RemoteConfigHash = string(rcs.GetLastRemoteConfigHash())
		switch rcs.GetStatus() {
		case protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLYING:
			rec.RemoteConfigStatus = store.RemoteConfigApplying
			rec.LastError = ""
		case protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED:
			rec.RemoteConfigStatus = store.RemoteConfigApplied
			rec.LastError = ""
		case protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED:
			rec.RemoteConfigStatus = store.RemoteConfigFailed
			rec.LastError = rcs.GetErrorMessage()
		default:
			rec.RemoteConfigStatus = store.RemoteConfigUnset
		}
	}
}

// persistSnapshots stores the raw protos the message carried. Failures are
// logged, not fatal: the scalar projection already committed.
func (e *Engine) persistSnapshots(ctx context.Context, uid string, msg *protobufs.AgentToServer) {
	put := func(name string, fn func() error) {
		if err := fn(); err != nil {
			e.logger.With("instance_uid", uid, "snapshot", name, "err", err).Error("failed to persist snapshot")
		}
	}
	if desc := msg.GetAgentDescription(); desc != nil {
		put("description", func() error { return e.snaps.Description.Put(ctx, uid, desc) })
	}
	if h := msg.GetHealth(); h != nil {
		put("health", func() error { return e.snaps.Health.Put(ctx, uid, h) })
	}
	if ec := msg.GetEffectiveConfig(); ec != nil {
		put("effective-config", func() error { return e.snaps.EffectiveConfig.Put(ctx, uid, ec) })
	}
	if rcs := msg.GetRemoteConfigStatus(); rcs != nil {
		put("remote-config-status", func() error { return e.snaps.RemoteConfigStatus.Put(ctx, uid, rcs) })
	}
	if ac := msg.GetAvailableComponents(); ac != nil {
		put("available-components", func() error { return e.snaps.AvailableComponents.Put(ctx, uid, ac) })
	}
	if ps := msg.GetPackageStatuses(); ps != nil {
		put("package-statuses", func() error { return e.snaps.PackageStatuses.Put(ctx, uid, ps) })
	}
}

// settleAudit maps an acknowledgment onto the audit rows that offered the
// acknowledged hash and notifies the rollout controller once per deployment.
func (e *Engine) settleAudit(ctx context.Context, uid string, rcs *protobufs.RemoteConfigStatus) {
	var (
		state  store.TargetState
		detail string
	)
	switch rcs.GetStatus() {
	case protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLYING:
		state = store.TargetApplying
	case protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED:
		state = store.TargetApplied
	case protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED:
		state = store.TargetFailed
		detail = rcs.GetErrorMessage()
		if detail == "" {
			detail = "(no error message reported)"
		}
	default:
		return
	}

	hash := string(rcs.GetLastRemoteConfigHash())
	targets, err := e.db.TargetsForAgentByHash(ctx, uid, hash)
	if err != nil {
		e.logger.With("instance_uid", uid, "err", err).Error("failed to resolve audit rows for acknowledgment")
		return
	}

	for _, t := range targets {
		if t.State == state {
			// Duplicate acknowledgment; nothing to record.
			continue
		}
		if err := e.db.SetTargetState(ctx, t.DeploymentID, uid, state, detail); err != nil {
			e.logger.With("instance_uid", uid, "deployment_id", t.DeploymentID, "err", err).
				Error("failed to settle audit row")
			continue
		}
		e.logger.With("instance_uid", uid, "deployment_id", t.DeploymentID, "state", state).
			Debug("audit row settled")
		if e.notifier != nil {
			e.notifier.DeploymentProgress(t.DeploymentID)
		}
	}
}

// HandleDisconnect tears the session down. The agent row only flips to
// disconnected when this session is still the current one; a replaced
// session's teardown must not shadow its successor.
func (e *Engine) HandleDisconnect(ctx context.Context, sess *Session) {
	if !e.registry.Unregister(sess) {
		return
	}
	if err := e.db.SetAgentConnectionStatus(ctx, sess.UID(), store.ConnectionDisconnected); err != nil && !grpcutil.IsErrorNotFound(err) {
		e.logger.With("instance_uid", sess.UID(), "err", err).Error("failed to mark agent disconnected")
	}
}

func keyValuesToMap(kvs []*protobufs.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[kv.GetKey()] = anyValueString(kv.GetValue())
	}
	return out
}

func anyValueString(v *protobufs.AnyValue) string {
	switch val := v.GetValue().(type) {
	case *protobufs.AnyValue_StringValue:
		return val.StringValue
	case *protobufs.AnyValue_IntValue:
		return fmt.Sprintf("%d", val.IntValue)
	case *protobufs.AnyValue_DoubleValue:
		return fmt.Sprintf("%g", val.DoubleValue)
	case *protobufs.AnyValue_BoolValue:
		return fmt.Sprintf("%t", val.BoolValue)
	default:
		return v.String()
	}
}
