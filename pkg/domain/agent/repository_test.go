package agent_test

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otelgrid/otelgrid/pkg/domain/agent"
	otelpebble "github.com/otelgrid/otelgrid/pkg/storage/pebble"
	"github.com/otelgrid/otelgrid/pkg/store"
	"github.com/otelgrid/otelgrid/pkg/util/configsync"
)

func setupRepo(t *testing.T) (agent.Repository, *store.Store, *agent.Snapshots) {
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
	return agent.NewRepository(slog.Default(), db, snaps), db, snaps
}

func TestRepositoryGetAssemblesSnapshots(t *testing.T) {
	repo, db, snaps := setupRepo(t)
	ctx := context.Background()

	const uid = "0123456789abcdef0123456789abcdef"
	require.NoError(t, db.UpsertAgent(ctx, &store.AgentRecord{
		InstanceUID:      uid,
		OrgID:            "org-a",
		Name:             "edge-1",
		ConnectionStatus: store.ConnectionConnected,
	}))
	require.NoError(t, snaps.Health.Put(ctx, uid, &protobufs.ComponentHealth{
		Healthy: true,
		Status:  "StatusOK",
	}))
	require.NoError(t, snaps.EffectiveConfig.Put(ctx, uid, &protobufs.EffectiveConfig{
		ConfigMap: &protobufs.AgentConfigMap{
			ConfigMap: map[string]*protobufs.AgentConfigFile{
				"config.yaml": {Body: []byte("receivers: {}"), ContentType: "text/yaml"},
			},
		},
	}))

	a, err := repo.Get(ctx, "org-a", uid)
	require.NoError(t, err)
	assert.Equal(t, "edge-1", a.Record.Name)
	assert.True(t, a.IsConnected())
	require.NotNil(t, a.Health)
	assert.True(t, a.Health.GetHealthy())
	assert.Equal(t, map[string]string{"config.yaml": "receivers: {}"}, a.EffectiveConfigBody())
	assert.Nil(t, a.Description)
}

func TestRepositoryGetWrongOrg(t *testing.T) {
	repo, db, _ := setupRepo(t)
	ctx := context.Background()

	const uid = "0123456789abcdef0123456789abcdef"
	require.NoError(t, db.UpsertAgent(ctx, &store.AgentRecord{InstanceUID: uid, OrgID: "org-a"}))

	_, err := repo.Get(ctx, "org-b", uid)
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
}

func TestRepositoryListFiltersByLabels(t *testing.T) {
	repo, db, _ := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertAgent(ctx, &store.AgentRecord{
		InstanceUID:         "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		OrgID:               "org-a",
		NonIdentifyingAttrs: map[string]string{"env": "prod"},
	}))
	require.NoError(t, db.UpsertAgent(ctx, &store.AgentRecord{
		InstanceUID:         "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		OrgID:               "org-a",
		NonIdentifyingAttrs: map[string]string{"env": "staging"},
	}))

	all, err := repo.List(ctx, "org-a", store.AgentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	prod, err := repo.List(ctx, "org-a", store.AgentFilter{Labels: map[string]string{"env": "prod"}})
	require.NoError(t, err)
	require.Len(t, prod, 1)
	assert.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", prod[0].Record.InstanceUID)
}

func TestRepositoryDeleteClearsSnapshots(t *testing.T) {
	repo, db, snaps := setupRepo(t)
	ctx := context.Background()

	const uid = "0123456789abcdef0123456789abcdef"
	require.NoError(t, db.UpsertAgent(ctx, &store.AgentRecord{InstanceUID: uid, OrgID: "org-a"}))
	require.NoError(t, snaps.Health.Put(ctx, uid, &protobufs.ComponentHealth{Healthy: true}))

	require.NoError(t, repo.Delete(ctx, "org-a", uid))

	_, err := repo.Get(ctx, "org-a", uid)
	assert.ErrorIs(t, err, agent.ErrAgentNotFound)
	_, err = snaps.Health.Get(ctx, uid)
	assert.Error(t, err)

	assert.ErrorIs(t, repo.Delete(ctx, "org-a", uid), agent.ErrAgentNotFound)
}

func TestAgentSyncStatus(t *testing.T) {
	repo, db, _ := setupRepo(t)
	ctx := context.Background()

	const uid = "0123456789abcdef0123456789abcdef"
	require.NoError(t, db.UpsertAgent(ctx, &store.AgentRecord{InstanceUID: uid, OrgID: "org-a"}))

	// Nothing offered yet.
	a, err := repo.Get(ctx, "org-a", uid)
	require.NoError(t, err)
	status, _ := a.SyncStatus()
	assert.Equal(t, configsync.StatusUnknown, status)

	// Offer a config and have the agent acknowledge it as applied.
	dep := &store.Deployment{
		OrgID:          "org-a",
		Name:           "v1",
		ConfigYAML:     []byte("receivers: {}"),
		Strategy:       store.StrategyImmediate,
		TargetSelector: map[string]string{"env": "prod"},
	}
	require.NoError(t, db.CreateDeployment(ctx, dep, []string{uid}))
	require.NoError(t, db.SetTargetState(ctx, dep.ID, uid, store.TargetOffered, ""))

	_, err = db.ApplyAgentStatus(ctx, uid, 1, func(rec *store.AgentRecord) {
		rec.RemoteConfigHash = dep.ConfigHash
		rec.RemoteConfigStatus = store.RemoteConfigApplied
	})
	require.NoError(t, err)

	a, err = repo.Get(ctx, "org-a", uid)
	require.NoError(t, err)
	status, detail := a.SyncStatus()
	assert.Equal(t, configsync.StatusInSync, status)
	assert.Empty(t, detail)
}
