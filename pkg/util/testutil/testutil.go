// Package testutil stands up the whole control plane in-process for
// integration tests: sqlite and pebble backed stores, the OpAMP surface,
// the rollout controller, and both HTTP APIs on one test server. Tests
// drive it the way an operator and a gateway would, over HTTP.
package testutil

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/require"

	"github.com/otelgrid/otelgrid/pkg/config"
	"github.com/otelgrid/otelgrid/pkg/domain/agent"
	"github.com/otelgrid/otelgrid/pkg/keyring"
	"github.com/otelgrid/otelgrid/pkg/services/bootstrap"
	"github.com/otelgrid/otelgrid/pkg/services/fleetapi"
	"github.com/otelgrid/otelgrid/pkg/services/opamp"
	"github.com/otelgrid/otelgrid/pkg/services/rollout"
	"github.com/otelgrid/otelgrid/pkg/store"
	otelpebble "github.com/otelgrid/otelgrid/pkg/storage/pebble"
	"github.com/otelgrid/otelgrid/pkg/wire"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// TestEnv is a complete in-process control plane. BaseURL serves the
// operator and registration APIs, OpAMPURL is the websocket endpoint a
// gateway dials with its minted bearer.
type TestEnv struct {
	Logger     *slog.Logger
	DB         *store.Store
	Snapshots  *agent.Snapshots
	OpAMP      *opamp.Server
	Controller *rollout.Controller

	HTTPServer *httptest.Server
	BaseURL    string
	OpAMPURL   string
}

// Options tune the parts integration tests exercise under time pressure;
// zero values get test-friendly defaults.
type Options struct {
	RegistrationTokenTTL time.Duration
	WaveTimeout          time.Duration
	StalenessThreshold   time.Duration
}

func NewTestEnv(t *testing.T, opts Options) *TestEnv {
	t.Helper()
	if opts.RegistrationTokenTTL == 0 {
		opts.RegistrationTokenTTL = 5 * time.Minute
	}
	if opts.WaveTimeout == 0 {
		opts.WaveTimeout = 10 * time.Second
	}
	if opts.StalenessThreshold == 0 {
		opts.StalenessThreshold = time.Minute
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sqlDB, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	db, err := store.New(logger, sqlDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pdb, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pdb.Close() })
	snaps := agent.NewSnapshots(logger, otelpebble.NewKVBroker(pdb))

	keys, err := keyring.New([]byte("integration-test-master-secret-0"))
	require.NoError(t, err)

	opampSrv := opamp.NewServer(logger, config.OpAMPConfig{
		MaxMessageBytes:        wire.MaxMessageBytes,
		MaxLeadingNulls:        wire.DefaultMaxLeadingNulls,
		PushQueueSize:          32,
		HandleTimeout:          10 * time.Second,
		StalenessThreshold:     opts.StalenessThreshold,
		StalenessSweepInterval: 250 * time.Millisecond,
	}, config.TrackerConfig{
		RequestExpiry: time.Minute,
		SweepInterval: time.Second,
	}, db, snaps)

	controller := rollout.NewController(logger, config.RolloutConfig{
		MaxInFlightOffers: 4,
		WaveTimeout:       opts.WaveTimeout,
		PollInterval:      20 * time.Millisecond,
	}, db, opampSrv.Registry())
	opampSrv.Engine().SetNotifier(controller)

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, opampSrv))
	require.NoError(t, services.StartAndAwaitRunning(ctx, controller))
	t.Cleanup(func() {
		_ = services.StopAndAwaitTerminated(context.Background(), controller)
		_ = services.StopAndAwaitTerminated(context.Background(), opampSrv)
	})

	router := mux.NewRouter()
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	// The websocket endpoint is only known once the listener is up, so the
	// registration service is wired after the server starts.
	opampURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/opamp"
	boot := bootstrap.NewServer(logger, db, keys, opts.RegistrationTokenTTL, opampURL)
	api := fleetapi.NewServer(logger, db, agent.NewRepository(logger, db, snaps),
		controller, opampSrv.Tracker(), opampSrv.Registry())

	opampSrv.ConfigureHTTP(router)
	boot.ConfigureHTTP(router)
	api.ConfigureHTTP(router)

	return &TestEnv{
		Logger:     logger,
		DB:         db,
		Snapshots:  snaps,
		OpAMP:      opampSrv,
		Controller: controller,
		HTTPServer: srv,
		BaseURL:    srv.URL,
		OpAMPURL:   opampURL,
	}
}

// MintRegistrationToken asks the registration API for a fresh one-shot
// token scoped to orgID and returns the opaque credential.
func (e *TestEnv) MintRegistrationToken(t *testing.T, orgID string) string {
	t.Helper()
	resp := e.Do(t, http.MethodPost, "/api/v1alpha1/registration-tokens", orgID, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NoError(t, resp.Body.Close())
	return body.Token
}

// Do issues an operator API call with the org scope header set.
func (e *TestEnv) Do(t *testing.T, method, path, orgID string, payload any) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = strings.NewReader(string(raw))
	}
	req, err := http.NewRequest(method, e.BaseURL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Scope-OrgID", orgID)
	resp, err := e.HTTPServer.Client().Do(req)
	require.NoError(t, err)
	return resp
}

// DecodeJSON reads and closes an API response body into out.
func DecodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	require.NoError(t, resp.Body.Close())
}
