package bootstrap_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otelgrid/otelgrid/pkg/ident"
	"github.com/otelgrid/otelgrid/pkg/keyring"
	"github.com/otelgrid/otelgrid/pkg/services/bootstrap"
	"github.com/otelgrid/otelgrid/pkg/store"
	"github.com/otelgrid/otelgrid/pkg/tokens"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type bootstrapEnv struct {
	server *httptest.Server
	db     *store.Store
}

func newBootstrapEnv(t *testing.T, tokenTTL time.Duration) *bootstrapEnv {
	t.Helper()

	sqlDB, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	db, err := store.New(slog.Default(), sqlDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	keys, err := keyring.New([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	svc := bootstrap.NewServer(slog.Default(), db, keys, tokenTTL, "ws://127.0.0.1:8081/v1/opamp")
	router := mux.NewRouter()
	svc.ConfigureHTTP(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &bootstrapEnv{server: srv, db: db}
}

func (e *bootstrapEnv) post(t *testing.T, path string, headers map[string]string, body any) (*http.Response, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (e *bootstrapEnv) mint(t *testing.T, orgID string) string {
	t.Helper()
	resp, body := e.post(t, "/api/v1alpha1/registration-tokens",
		map[string]string{"X-Scope-OrgID": orgID},
		map[string]string{"created_by": "tester"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestMintRequiresOrgScope(t *testing.T) {
	env := newBootstrapEnv(t, time.Minute)
	resp, _ := env.post(t, "/api/v1alpha1/registration-tokens", nil, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterGateway(t *testing.T) {
	env := newBootstrapEnv(t, time.Minute)
	regToken := env.mint(t, "org-a")

	resp, body := env.post(t, "/api/v1alpha1/gateways", nil, map[string]any{
		"token":  regToken,
		"name":   "edge-gw-1",
		"labels": map[string]string{"env": "prod", "region": "eu-west-1"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	uid, _ := body["instance_uid"].(string)
	require.NotEmpty(t, uid)
	bearer, _ := body["opamp_token"].(string)
	require.NotEmpty(t, bearer)
	assert.Equal(t, "ws://127.0.0.1:8081/v1/opamp", body["opamp_endpoint"])

	// The agent row is waiting for its first status report.
	rec, err := env.db.GetAgentInOrg(context.Background(), "org-a", uid)
	require.NoError(t, err)
	assert.Equal(t, "edge-gw-1", rec.Name)
	assert.Equal(t, store.ConnectionRegistered, rec.ConnectionStatus)
	assert.Equal(t, "prod", rec.NonIdentifyingAttrs["env"])

	// The returned bearer matches its stored hash.
	tok, err := tokens.ParseHex(bearer)
	require.NoError(t, err)
	stored, err := env.db.GetOpAMPToken(context.Background(), tok.HexID())
	require.NoError(t, err)
	assert.True(t, tok.MatchesHash(stored.SecretHash))
	assert.Equal(t, uid, stored.InstanceUID)
}

func TestRegistrationTokenIsSingleUse(t *testing.T) {
	env := newBootstrapEnv(t, time.Minute)
	regToken := env.mint(t, "org-a")

	resp, _ := env.post(t, "/api/v1alpha1/gateways", nil, map[string]any{
		"token": regToken, "name": "gw-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := env.post(t, "/api/v1alpha1/gateways", nil, map[string]any{
		"token": regToken, "name": "gw-2",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "consumed")
}

func TestExpiredRegistrationToken(t *testing.T) {
	env := newBootstrapEnv(t, -time.Minute)
	regToken := env.mint(t, "org-a")

	resp, _ := env.post(t, "/api/v1alpha1/gateways", nil, map[string]any{
		"token": regToken, "name": "gw-1",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRegistrationRejectsBadSecret(t *testing.T) {
	env := newBootstrapEnv(t, time.Minute)
	regToken := env.mint(t, "org-a")

	tok, err := tokens.ParseHex(regToken)
	require.NoError(t, err)
	forged := tokens.NewToken()
	tampered := tok.HexID() + "." + forged.HexSecret()

	resp, _ := env.post(t, "/api/v1alpha1/gateways", nil, map[string]any{
		"token": tampered, "name": "gw-1",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.post(t, "/api/v1alpha1/gateways", nil, map[string]any{
		"token": "zz.not-hex", "name": "gw-1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegistrationBindsSuppliedInstanceUID(t *testing.T) {
	env := newBootstrapEnv(t, time.Minute)
	uid := ident.NewUID()

	resp, body := env.post(t, "/api/v1alpha1/gateways", nil, map[string]any{
		"token":        env.mint(t, "org-a"),
		"name":         "gw-pre",
		"instance_uid": uid.String(),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, uid.String(), body["instance_uid"])

	rec, err := env.db.GetAgentInOrg(context.Background(), "org-a", uid.String())
	require.NoError(t, err)
	assert.Equal(t, "gw-pre", rec.Name)

	resp, _ = env.post(t, "/api/v1alpha1/gateways", nil, map[string]any{
		"token":        env.mint(t, "org-a"),
		"name":         "gw-bad",
		"instance_uid": "not-a-uid",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
