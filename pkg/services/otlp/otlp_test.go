package otlp_test

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collectormetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/otelgrid/otelgrid/pkg/services/otlp"
)

func newIntakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	router := mux.NewRouter()
	otlp.NewServer(slog.Default()).ConfigureHTTP(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func sampleMetrics() *collectormetricspb.ExportMetricsServiceRequest {
	return &collectormetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{{
			Resource: &resourcepb.Resource{
				Attributes: []*commonpb.KeyValue{{
					Key:   "service.name",
					Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "gw-1"}},
				}},
			},
			ScopeMetrics: []*metricspb.ScopeMetrics{{
				Metrics: []*metricspb.Metric{{Name: "otelcol_process_uptime"}},
			}},
		}},
	}
}

func TestIntakeAcceptsProtobuf(t *testing.T) {
	srv := newIntakeServer(t)
	payload, err := proto.Marshal(sampleMetrics())
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/otlp/v1/metrics", "application/x-protobuf", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-protobuf", resp.Header.Get("Content-Type"))
}

func TestIntakeAcceptsJSON(t *testing.T) {
	srv := newIntakeServer(t)
	payload, err := protojson.Marshal(sampleMetrics())
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/otlp/v1/metrics", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestIntakeRejectsGarbage(t *testing.T) {
	srv := newIntakeServer(t)

	resp, err := http.Post(srv.URL+"/otlp/v1/traces", "application/x-protobuf", bytes.NewReader([]byte{0xff, 0xff}))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/otlp/v1/logs", "text/plain", bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestIntakeSignalsAreDistinctRoutes(t *testing.T) {
	srv := newIntakeServer(t)

	for _, path := range []string{"/otlp/v1/metrics", "/otlp/v1/logs", "/otlp/v1/traces"} {
		resp, err := http.Post(srv.URL+path, "application/x-protobuf", bytes.NewReader(nil))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	// GET is not part of the OTLP/HTTP surface.
	resp, err := http.Get(srv.URL + "/otlp/v1/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
