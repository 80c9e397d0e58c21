package opamp_test

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otelgrid/otelgrid/pkg/config"
	"github.com/otelgrid/otelgrid/pkg/domain/agent"
	"github.com/otelgrid/otelgrid/pkg/ident"
	"github.com/otelgrid/otelgrid/pkg/services/opamp"
	otelpebble "github.com/otelgrid/otelgrid/pkg/storage/pebble"
	"github.com/otelgrid/otelgrid/pkg/store"
	"github.com/otelgrid/otelgrid/pkg/util"
	"github.com/otelgrid/otelgrid/pkg/wire"
)

type engineEnv struct {
	engine   *opamp.Engine
	tracker  *opamp.Tracker
	registry *opamp.Registry
	db       *store.Store
	snaps    *agent.Snapshots
	notified *notifierRecorder
}

type notifierRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (n *notifierRecorder) DeploymentProgress(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
}

func (n *notifierRecorder) deployments() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.ids...)
}

func newEngineEnv(t *testing.T, cfg config.OpAMPConfig) *engineEnv {
	t.Helper()

	sqlDB, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	db, err := store.New(slog.Default(), sqlDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pdb, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pdb.Close() })
	snaps := agent.NewSnapshots(slog.Default(), otelpebble.NewKVBroker(pdb))

	if cfg.HandleTimeout == 0 {
		cfg.HandleTimeout = 5 * time.Second
	}
	if cfg.PushQueueSize == 0 {
		cfg.PushQueueSize = 4
	}

	registry := opamp.NewRegistry()
	tracker := opamp.NewTracker(slog.Default(), config.TrackerConfig{RequestExpiry: time.Minute}, db, registry)
	engine := opamp.NewEngine(slog.Default(), cfg, db, snaps, registry, tracker)
	notified := &notifierRecorder{}
	engine.SetNotifier(notified)

	return &engineEnv{
		engine:   engine,
		tracker:  tracker,
		registry: registry,
		db:       db,
		snaps:    snaps,
		notified: notified,
	}
}

func (e *engineEnv) registerAgent(t *testing.T, uid ident.UID, caps wire.Capabilities) *opamp.Session {
	t.Helper()
	require.NoError(t, e.db.UpsertAgent(context.Background(), &store.AgentRecord{
		InstanceUID:  uid.String(),
		OrgID:        "org-a",
		Capabilities: caps,
	}))
	return opamp.NewSession(uid.String(), "org-a", "websocket", 4)
}

func statusMsg(uid ident.UID, seq uint64) *protobufs.AgentToServer {
	return &protobufs.AgentToServer{
		InstanceUid: uid.Bytes(),
		SequenceNum: seq,
	}
}

func TestEngineSequentialMessages(t *testing.T) {
	env := newEngineEnv(t, config.OpAMPConfig{})
	uid := ident.NewUID()
	sess := env.registerAgent(t, uid, wire.CapReportsStatus)
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		resp := env.engine.HandleMessage(ctx, sess, statusMsg(uid, seq))
		require.Nil(t, resp.ErrorResponse)
		assert.Zero(t, resp.Flags, "sequential message must not request full state")
		assert.Equal(t, uid.Bytes(), resp.InstanceUid)
	}

	rec, err := env.db.GetAgent(ctx, uid.String())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.SequenceNum)
	assert.Equal(t, store.ConnectionConnected, rec.ConnectionStatus)
}

func TestEngineSequenceGapRequestsFullState(t *testing.T) {
	env := newEngineEnv(t, config.OpAMPConfig{})
	uid := ident.NewUID()
	sess := env.registerAgent(t, uid, wire.CapReportsStatus)
	ctx := context.Background()

	resp := env.engine.HandleMessage(ctx, sess, statusMsg(uid, 1))
	require.Zero(t, resp.Flags)

	resp = env.engine.HandleMessage(ctx, sess, statusMsg(uid, 5))
	assert.Equal(t, uint64(protobufs.ServerToAgentFlags_ServerToAgentFlags_ReportFullState), resp.Flags,
		"gap must request full state")

	rec, err := env.db.GetAgent(ctx, uid.String())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rec.SequenceNum, "gapped message still applies")
}

func TestEngineReplayOnlyRefreshesLiveness(t *testing.T) {
	env := newEngineEnv(t, config.OpAMPConfig{})
	uid := ident.NewUID()
	sess := env.registerAgent(t, uid, wire.CapReportsStatus)
	ctx := context.Background()

	msg := statusMsg(uid, 2)
	msg.Health = &protobufs.ComponentHealth{Healthy: true}
	env.engine.HandleMessage(ctx, sess, msg)

	// Replayed message with stale state must not overwrite.
	replay := statusMsg(uid, 2)
	replay.Health = &protobufs.ComponentHealth{Healthy: false, LastError: "stale replay"}
	resp := env.engine.HandleMessage(ctx, sess, replay)
	require.Nil(t, resp.ErrorResponse)

	rec, err := env.db.GetAgent(ctx, uid.String())
	require.NoError(t, err)
	require.NotNil(t, rec.Healthy)
	assert.True(t, *rec.Healthy, "replay must not overwrite reported state")
}

func TestEngineUnknownAgentRejected(t *testing.T) {
	env := newEngineEnv(t, config.OpAMPConfig{})
	uid := ident.NewUID()
	sess := opamp.NewSession(uid.String(), "org-a", "websocket", 4)

	resp := env.engine.HandleMessage(context.Background(), sess, statusMsg(uid, 1))
	require.NotNil(t, resp.ErrorResponse)
	assert.Equal(t, protobufs.ServerErrorResponseType_ServerErrorResponseType_BadRequest, resp.ErrorResponse.Type)
}

func TestEngineUIDMismatchRejected(t *testing.T) {
	env := newEngineEnv(t, config.OpAMPConfig{})
	uid := ident.NewUID()
	sess := env.registerAgent(t, uid, wire.CapReportsStatus)

	other := ident.NewUID()
	resp := env.engine.HandleMessage(context.Background(), sess, statusMsg(other, 1))
	require.NotNil(t, resp.ErrorResponse)
	assert.Equal(t, protobufs.ServerErrorResponseType_ServerErrorResponseType_BadRequest, resp.ErrorResponse.Type)
}

func TestEngineInvalidUIDRejected(t *testing.T) {
	env := newEngineEnv(t, config.OpAMPConfig{})
	uid := ident.NewUID()
	sess := env.registerAgent(t, uid, wire.CapReportsStatus)

	resp := env.engine.HandleMessage(context.Background(), sess, &protobufs.AgentToServer{
		InstanceUid: []byte{0x01, 0x02},
		SequenceNum: 1,
	})
	require.NotNil(t, resp.ErrorResponse)
	assert.Equal(t, protobufs.ServerErrorResponseType_ServerErrorResponseType_BadRequest, resp.ErrorResponse.Type)
}

func TestEngineAttachesPendingOffer(t *testing.T) {
	env := newEngineEnv(t, config.OpAMPConfig{})
	uid := ident.NewUID()
	sess := env.registerAgent(t, uid, wire.CapReportsStatus|wire.CapAcceptsRemoteConfig)
	ctx := context.Background()

	dep := &store.Deployment{
		OrgID:          "org-a",
		Name:           "v1",
		ConfigYAML:     []byte("receivers: {}\n"),
		Strategy:       store.StrategyImmediate,
		TargetSelector: map[string]string{"env": "prod"},
	}
	require.NoError(t, env.db.CreateDeployment(ctx, dep, []string{uid.String()}))
	require.NoError(t, env.db.SetTargetState(ctx, dep.ID, uid.String(), store.TargetOffered, ""))

	resp := env.engine.HandleMessage(ctx, sess, statusMsg(uid, 1))
	require.NotNil(t, resp.RemoteConfig)
	assert.Equal(t, []byte(dep.ConfigHash), resp.RemoteConfig.ConfigHash)
	assert.Equal(t, []byte("receivers: {}\n"),
		resp.RemoteConfig.GetConfig().GetConfigMap()["config.yaml"].GetBody())
}

func TestEngineNoOfferWithoutCapability(t *testing.T) {
	env := newEngineEnv(t, config.OpAMPConfig{})
	uid := ident.NewUID()
	sess := env.registerAgent(t, uid, wire.CapReportsStatus)
	ctx := context.Background()

	dep := &store.Deployment{
		OrgID:          "org-a",
		Name:           "v1",
		ConfigYAML:     []byte("receivers: {}\n"),
		Strategy:       store.StrategyImmediate,
		TargetSelector: map[string]string{"env": "prod"},
	}
	require.NoError(t, env.db.CreateDeployment(ctx, dep, []string{uid.String()}))
	require.NoError(t, env.db.SetTargetState(ctx, dep.ID, uid.String(), store.TargetOffered, ""))

	resp := env.engine.HandleMessage(ctx, sess, statusMsg(uid, 1))
	assert.Nil(t, resp.RemoteConfig, "agent without AcceptsRemoteConfig must not receive offers")
}

func TestEngineUnsetTargetsStayHidden(t *testing.T) {
	env := newEngineEnv(t, config.OpAMPConfig{})
	uid := ident.NewUID()
	sess := env.registerAgent(t, uid, wire.CapReportsStatus|wire.CapAcceptsRemoteConfig)
	ctx := context.Background()

	// Audit row exists but its wave has not opened.
	dep := &store.Deployment{
		OrgID:          "org-a",
		Name:           "v1",
		ConfigYAML:     []byte("receivers: {}\n"),
		Strategy:       store.StrategyCanary,
		CanaryPercent:  10,
		TargetSelector: map[string]string{"env": "prod"},
	}
	require.NoError(t, env.db.CreateDeployment(ctx, dep, []string{uid.String()}))

	resp := env.engine.HandleMessage(ctx, sess, statusMsg(uid, 1))
	assert.Nil(t, resp.RemoteConfig, "UNSET audit rows must not leak offers before their wave opens")
}

func TestEngineAcknowledgmentSettlesAudit(t *testing.T) {
	env := newEngineEnv(t, config.OpAMPConfig{})
	uid := ident.NewUID()
	sess := env.registerAgent(t, uid, wire.CapReportsStatus|wire.CapAcceptsRemoteConfig)
	ctx := context.Background()

	dep := &store.Deployment{
		OrgID:          "org-a",
		Name:           "v1",
		ConfigYAML:     []byte("receivers: {}\n"),
		Strategy:       store.StrategyImmediate,
		TargetSelector: map[string]string{"env": "prod"},
	}
	require.NoError(t, env.db.CreateDeployment(ctx, dep, []string{uid.String()}))
	require.NoError(t, env.db.SetTargetState(ctx, dep.ID, uid.String(), store.TargetOffered, ""))

	msg := statusMsg(uid, 1)
	msg.RemoteConfigStatus = &protobufs.RemoteConfigStatus{
		LastRemoteConfigHash: []byte(dep.ConfigHash),
		Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED,
	}
	resp := env.engine.HandleMessage(ctx, sess, msg)
	require.Nil(t, resp.ErrorResponse)
	assert.Nil(t, resp.RemoteConfig, "applied offer must not be re-attached")

	target, err := env.db.GetTarget(ctx, dep.ID, uid.String())
	require.NoError(t, err)
	assert.Equal(t, store.TargetApplied, target.State)
	assert.Equal(t, []string{dep.ID}, env.notified.deployments())

	// Duplicate acknowledgment is a no-op.
	dup := statusMsg(uid, 2)
	dup.RemoteConfigStatus = msg.RemoteConfigStatus
	env.engine.HandleMessage(ctx, sess, dup)
	assert.Equal(t, []string{dep.ID}, env.notified.deployments(), "duplicate ack must not re-notify")
}

func TestEngineFailureRecordsDetail(t *testing.T) {
	env := newEngineEnv(t, config.OpAMPConfig{})
	uid := ident.NewUID()
	sess := env.registerAgent(t, uid, wire.CapReportsStatus|wire.CapAcceptsRemoteConfig)
	ctx := context.Background()

	dep := &store.Deployment{
		OrgID:          "org-a",
		Name:           "v1",
		ConfigYAML:     []byte("receivers: {}\n"),
		Strategy:       store.StrategyImmediate,
		TargetSelector: map[string]string{"env": "prod"},
	}
	require.NoError(t, env.db.CreateDeployment(ctx, dep, []string{uid.String()}))
	require.NoError(t, env.db.SetTargetState(ctx, dep.ID, uid.String(), store.TargetOffered, ""))

	msg := statusMsg(uid, 1)
	msg.RemoteConfigStatus = &protobufs.RemoteConfigStatus{
		LastRemoteConfigHash: []byte(dep.ConfigHash),
		Status:               protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED,
		ErrorMessage:         "exporter endpoint unreachable",
	}
	env.engine.HandleMessage(ctx, sess, msg)

	target, err := env.db.GetTarget(ctx, dep.ID, uid.String())
	require.NoError(t, err)
	assert.Equal(t, store.TargetFailed, target.State)
	assert.Equal(t, "exporter endpoint unreachable", target.Detail)

	rec, err := env.db.GetAgent(ctx, uid.String())
	require.NoError(t, err)
	assert.Equal(t, store.RemoteConfigFailed, rec.RemoteConfigStatus)
	assert.Equal(t, "exporter endpoint unreachable", rec.LastError)
}

func TestEngineEffectiveConfigFulfillsRequest(t *testing.T) {
	env := newEngineEnv(t, config.OpAMPConfig{})
	uid := ident.NewUID()
	sess := env.registerAgent(t, uid, wire.CapReportsStatus|wire.CapReportsEffectiveConfig)
	ctx := context.Background()

	trackingID, err := env.tracker.Request(ctx, "org-a", uid.String(), "operator")
	require.NoError(t, err)

	// Heartbeat without effective config: the pending request keeps the
	// full-state flag raised.
	resp := env.engine.HandleMessage(ctx, sess, statusMsg(uid, 1))
	assert.Equal(t, uint64(protobufs.ServerToAgentFlags_ServerToAgentFlags_ReportFullState), resp.Flags)

	configMap := &protobufs.AgentConfigMap{
		ConfigMap: map[string]*protobufs.AgentConfigFile{
			"config.yaml": {Body: []byte("receivers: {}\n"), ContentType: "text/yaml"},
		},
	}
	msg := statusMsg(uid, 2)
	msg.EffectiveConfig = &protobufs.EffectiveConfig{ConfigMap: configMap}
	resp = env.engine.HandleMessage(ctx, sess, msg)
	assert.Zero(t, resp.Flags, "fulfilled request must lower the flag")

	req, err := env.tracker.Get(ctx, "org-a", trackingID)
	require.NoError(t, err)
	assert.Equal(t, store.ConfigRequestFulfilled, req.State)
	assert.NotEmpty(t, req.ResultHash)

	// The snapshot round-trips the reported bytes.
	snap, err := env.snaps.EffectiveConfig.Get(ctx, uid.String())
	require.NoError(t, err)
	assert.Equal(t, []byte("receivers: {}\n"), snap.GetConfigMap().GetConfigMap()["config.yaml"].GetBody())
}

func TestEngineConnectionSettingsOfferedOnce(t *testing.T) {
	env := newEngineEnv(t, config.OpAMPConfig{
		OwnTelemetryEndpoint: "http://collector.internal:4318",
	})
	uid := ident.NewUID()
	sess := env.registerAgent(t, uid, wire.CapReportsStatus|wire.CapReportsOwnMetrics)
	ctx := context.Background()

	resp := env.engine.HandleMessage(ctx, sess, statusMsg(uid, 1))
	require.NotNil(t, resp.ConnectionSettings)
	assert.Equal(t, "http://collector.internal:4318",
		resp.ConnectionSettings.GetOwnMetrics().GetDestinationEndpoint())
	assert.Nil(t, resp.ConnectionSettings.GetOwnTraces(), "capability not reported")

	resp = env.engine.HandleMessage(ctx, sess, statusMsg(uid, 2))
	assert.Nil(t, resp.ConnectionSettings, "offer happens once per session")
}

func TestEngineMergesDescription(t *testing.T) {
	env := newEngineEnv(t, config.OpAMPConfig{})
	uid := ident.NewUID()
	sess := env.registerAgent(t, uid, 0)
	ctx := context.Background()

	msg := statusMsg(uid, 1)
	msg.Capabilities = uint64(wire.CapReportsStatus | wire.CapReportsHealth)
	msg.AgentDescription = &protobufs.AgentDescription{
		IdentifyingAttributes: []*protobufs.KeyValue{
			util.KeyVal("service.name", "edge-gateway"),
			util.KeyVal("service.version", "0.102.0"),
		},
		NonIdentifyingAttributes: []*protobufs.KeyValue{
			util.KeyVal("env", "prod"),
		},
	}
	env.engine.HandleMessage(ctx, sess, msg)

	rec, err := env.db.GetAgent(ctx, uid.String())
	require.NoError(t, err)
	assert.Equal(t, "edge-gateway", rec.Name)
	assert.Equal(t, "0.102.0", rec.AgentVersion)
	assert.Equal(t, "prod", rec.NonIdentifyingAttrs["env"])
	assert.True(t, rec.Capabilities.Has(wire.CapReportsHealth))
}

func TestEngineDisconnectOnlyCurrentSession(t *testing.T) {
	env := newEngineEnv(t, config.OpAMPConfig{})
	uid := ident.NewUID()
	sess := env.registerAgent(t, uid, wire.CapReportsStatus)
	ctx := context.Background()

	env.registry.Register(sess)
	env.engine.HandleMessage(ctx, sess, statusMsg(uid, 1))

	// A second connection replaces the first.
	sess2 := opamp.NewSession(uid.String(), "org-a", "websocket", 4)
	env.registry.Register(sess2)
	env.engine.HandleMessage(ctx, sess2, statusMsg(uid, 2))

	// Teardown of the replaced session must not mark the agent offline.
	env.engine.HandleDisconnect(ctx, sess)
	rec, err := env.db.GetAgent(ctx, uid.String())
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionConnected, rec.ConnectionStatus)

	env.engine.HandleDisconnect(ctx, sess2)
	rec, err = env.db.GetAgent(ctx, uid.String())
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionDisconnected, rec.ConnectionStatus)
}
