package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otelgrid/otelgrid/pkg/agentsim"
	"github.com/otelgrid/otelgrid/pkg/store"
	"github.com/otelgrid/otelgrid/pkg/util/testutil"
	"github.com/otelgrid/otelgrid/pkg/wire"
)

const orgID = "org-a"

// startGateway registers a simulator through the real registration API and
// connects it over websocket, the way a deployed gateway would.
func startGateway(t *testing.T, env *testutil.TestEnv, cfg agentsim.Config) (*agentsim.Simulator, agentsim.Credentials) {
	t.Helper()
	cfg.ServerURL = env.BaseURL
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = t.TempDir()
	}
	if cfg.RegistrationToken == "" {
		cfg.RegistrationToken = env.MintRegistrationToken(t, orgID)
	}

	sim := agentsim.New(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	creds, err := sim.Register(ctx)
	require.NoError(t, err)
	require.NoError(t, sim.Start(ctx, creds))
	t.Cleanup(func() { _ = sim.Shutdown(context.Background()) })

	awaitConnected(t, env, creds.InstanceUID)
	return sim, creds
}

func awaitConnected(t *testing.T, env *testutil.TestEnv, uid string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := env.DB.GetAgentInOrg(context.Background(), orgID, uid)
		return err == nil && rec.ConnectionStatus == store.ConnectionConnected
	}, 10*time.Second, 50*time.Millisecond, "gateway never connected")
}

type deploymentDetail struct {
	Deployment struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"deployment"`
	Targets []struct {
		InstanceUID string `json:"instance_uid"`
		State       string `json:"state"`
		Detail      string `json:"detail"`
	} `json:"targets"`
}

func createDeployment(t *testing.T, env *testutil.TestEnv, body map[string]any) string {
	t.Helper()
	resp := env.Do(t, http.MethodPost, "/api/v1alpha1/opamp-config/deployments", orgID, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	testutil.DecodeJSON(t, resp, &created)
	require.NotEmpty(t, created.ID)
	return created.ID
}

func getDeployment(t *testing.T, env *testutil.TestEnv, id string) deploymentDetail {
	t.Helper()
	resp := env.Do(t, http.MethodGet, "/api/v1alpha1/opamp-config/deployments/"+id, orgID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail deploymentDetail
	testutil.DecodeJSON(t, resp, &detail)
	return detail
}

// awaitDeploymentStatus polls the API until the deployment reaches want.
// The condition runs on Eventually's goroutine, so it reports false on
// transient errors instead of failing the test from the wrong place.
func awaitDeploymentStatus(t *testing.T, env *testutil.TestEnv, id string, want store.DeploymentStatus) deploymentDetail {
	t.Helper()
	var detail deploymentDetail
	require.Eventually(t, func() bool {
		req, err := http.NewRequest(http.MethodGet, env.BaseURL+"/api/v1alpha1/opamp-config/deployments/"+id, nil)
		if err != nil {
			return false
		}
		req.Header.Set("X-Scope-OrgID", orgID)
		resp, err := env.HTTPServer.Client().Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
			return false
		}
		return detail.Deployment.Status == string(want)
	}, 15*time.Second, 100*time.Millisecond, "deployment %s never reached %s", id, want)
	return detail
}

func TestGatewayRegistersAndConnects(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.Options{})

	_, creds := startGateway(t, env, agentsim.Config{
		Name:   "gw-int-1",
		Labels: map[string]string{"env": "prod", "region": "eu-west-1"},
	})

	rec, err := env.DB.GetAgentInOrg(context.Background(), orgID, creds.InstanceUID)
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionConnected, rec.ConnectionStatus)
	assert.Equal(t, "prod", rec.NonIdentifyingAttrs["env"])
	assert.True(t, rec.Capabilities.Has(wire.CapAcceptsRemoteConfig))

	// The operator API sees the same gateway, filtered by label.
	resp := env.Do(t, http.MethodGet, "/api/v1alpha1/agents?label=region=eu-west-1", orgID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Agents []struct {
			InstanceUID string `json:"instance_uid"`
		} `json:"agents"`
	}
	testutil.DecodeJSON(t, resp, &listed)
	require.Len(t, listed.Agents, 1)
	assert.Equal(t, creds.InstanceUID, listed.Agents[0].InstanceUID)
}

func TestDeploymentRollsOutToLiveGateway(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.Options{})
	scratch := t.TempDir()

	_, creds := startGateway(t, env, agentsim.Config{
		Name:       "gw-int-2",
		Labels:     map[string]string{"env": "prod"},
		ScratchDir: scratch,
	})

	configYAML := "receivers:\n  otlp: {}\nexporters:\n  debug: {}\n"
	id := createDeployment(t, env, map[string]any{
		"name":            "enable-otlp",
		"config_yaml":     configYAML,
		"target_selector": map[string]string{"env": "prod"},
	})

	detail := awaitDeploymentStatus(t, env, id, store.DeploymentSucceeded)
	require.Len(t, detail.Targets, 1)
	assert.Equal(t, creds.InstanceUID, detail.Targets[0].InstanceUID)
	assert.Equal(t, string(store.TargetApplied), detail.Targets[0].State)

	// The simulator materialized the offered config on disk.
	body, err := os.ReadFile(path.Join(scratch, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, configYAML, string(body))
}

func TestFailedApplyFailsDeployment(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.Options{})

	_, creds := startGateway(t, env, agentsim.Config{
		Name:      "gw-int-3",
		Labels:    map[string]string{"env": "prod"},
		FailApply: true,
	})

	id := createDeployment(t, env, map[string]any{
		"name":            "doomed",
		"config_yaml":     "receivers: {}\n",
		"target_selector": map[string]string{"env": "prod"},
	})

	detail := awaitDeploymentStatus(t, env, id, store.DeploymentFailed)
	require.Len(t, detail.Targets, 1)
	assert.Equal(t, creds.InstanceUID, detail.Targets[0].InstanceUID)
	assert.Equal(t, string(store.TargetFailed), detail.Targets[0].State)
	assert.Contains(t, detail.Targets[0].Detail, "simulated apply failure")
}

func TestOperatorRollbackRestoresPriorConfig(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.Options{})
	scratch := t.TempDir()

	startGateway(t, env, agentsim.Config{
		Name:       "gw-int-4",
		Labels:     map[string]string{"env": "prod"},
		ScratchDir: scratch,
	})

	v1 := "receivers:\n  otlp: {}\n"
	v2 := "receivers:\n  otlp: {}\nprocessors:\n  batch: {}\n"

	first := createDeployment(t, env, map[string]any{
		"name":            "v1",
		"config_yaml":     v1,
		"target_selector": map[string]string{"env": "prod"},
	})
	awaitDeploymentStatus(t, env, first, store.DeploymentSucceeded)

	second := createDeployment(t, env, map[string]any{
		"name":            "v2",
		"config_yaml":     v2,
		"target_selector": map[string]string{"env": "prod"},
	})
	awaitDeploymentStatus(t, env, second, store.DeploymentSucceeded)
	body, err := os.ReadFile(path.Join(scratch, "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, v2, string(body))

	resp := env.Do(t, http.MethodPost, "/api/v1alpha1/opamp-config/deployments/"+second+"/rollback", orgID, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var rolled struct {
		RollbackDeploymentIDs []string `json:"rollback_deployment_ids"`
	}
	testutil.DecodeJSON(t, resp, &rolled)
	require.Len(t, rolled.RollbackDeploymentIDs, 1)

	awaitDeploymentStatus(t, env, rolled.RollbackDeploymentIDs[0], store.DeploymentSucceeded)
	require.Eventually(t, func() bool {
		body, err := os.ReadFile(path.Join(scratch, "config.yaml"))
		return err == nil && string(body) == v1
	}, 10*time.Second, 100*time.Millisecond, "gateway never returned to the prior config")

	assert.Equal(t, string(store.DeploymentRolledBack), getDeployment(t, env, second).Deployment.Status)
}

func TestEffectiveConfigFetchFromLiveGateway(t *testing.T) {
	env := testutil.NewTestEnv(t, testutil.Options{})

	_, creds := startGateway(t, env, agentsim.Config{
		Name:   "gw-int-5",
		Labels: map[string]string{"env": "prod"},
	})

	configYAML := "exporters:\n  debug: {}\n"
	id := createDeployment(t, env, map[string]any{
		"name":            "baseline",
		"config_yaml":     configYAML,
		"target_selector": map[string]string{"env": "prod"},
	})
	awaitDeploymentStatus(t, env, id, store.DeploymentSucceeded)

	resp := env.Do(t, http.MethodPost, "/api/v1alpha1/agents/"+creds.InstanceUID+"/request-effective-config", orgID, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var tracked struct {
		TrackingID string `json:"tracking_id"`
	}
	testutil.DecodeJSON(t, resp, &tracked)
	require.NotEmpty(t, tracked.TrackingID)

	var fetched string
	var hash string
	require.Eventually(t, func() bool {
		req, err := http.NewRequest(http.MethodGet, env.BaseURL+"/api/v1alpha1/agents/"+creds.InstanceUID+"/config-requests/"+tracked.TrackingID, nil)
		if err != nil {
			return false
		}
		req.Header.Set("X-Scope-OrgID", orgID)
		resp, err := env.HTTPServer.Client().Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		fetched = string(body)
		hash = resp.Header.Get("X-Config-Hash")
		return true
	}, 10*time.Second, 100*time.Millisecond, "effective config request never fulfilled")
	assert.Equal(t, configYAML, fetched)
	assert.NotEmpty(t, hash)
}
