// Package otlp is the own-telemetry intake: the OTLP/HTTP endpoint the server
// advertises to agents through connection settings offers. Payloads are
// decoded and counted, not stored; the intake exists so agent telemetry has a
// well-formed destination.
package otlp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	collectorlogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	collectormetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/otelgrid/otelgrid/pkg/metrics"
)

const (
	contentTypeProtobuf = "application/x-protobuf"
	contentTypeJSON     = "application/json"

	maxPayloadBytes = 8 << 20
)

type Server struct {
	services.Service
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	s := &Server{logger: logger}
	s.Service = services.NewBasicService(nil, s.running, nil)
	return s
}

func (s *Server) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *Server) ConfigureHTTP(router *mux.Router) {
	router.HandleFunc("/otlp/v1/metrics",
		intake(s.logger, "metrics", &collectormetricspb.ExportMetricsServiceRequest{}, &collectormetricspb.ExportMetricsServiceResponse{})).
		Methods(http.MethodPost)
	router.HandleFunc("/otlp/v1/logs",
		intake(s.logger, "logs", &collectorlogspb.ExportLogsServiceRequest{}, &collectorlogspb.ExportLogsServiceResponse{})).
		Methods(http.MethodPost)
	router.HandleFunc("/otlp/v1/traces",
		intake(s.logger, "traces", &collectortracepb.ExportTraceServiceRequest{}, &collectortracepb.ExportTraceServiceResponse{})).
		Methods(http.MethodPost)
}

// intake builds the handler for one signal. The request prototype is cloned
// per call; the response is the empty full-success export response, encoded
// the way the request came in.
func intake(logger *slog.Logger, signal string, reqProto, respProto proto.Message) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		req := proto.Clone(reqProto)
		contentType := r.Header.Get("Content-Type")
		switch {
		case strings.HasPrefix(contentType, contentTypeProtobuf):
			err = proto.Unmarshal(body, req)
		case strings.HasPrefix(contentType, contentTypeJSON):
			err = protojson.Unmarshal(body, req)
		default:
			http.Error(w, "unsupported content type "+contentType, http.StatusUnsupportedMediaType)
			return
		}
		if err != nil {
			logger.With("signal", signal, "err", err).Debug("undecodable otlp payload")
			http.Error(w, "undecodable payload", http.StatusBadRequest)
			return
		}

		metrics.IntakeBytes.WithLabelValues(signal).Add(float64(len(body)))

		var out []byte
		if strings.HasPrefix(contentType, contentTypeJSON) {
			out, err = protojson.Marshal(respProto)
			w.Header().Set("Content-Type", contentTypeJSON)
		} else {
			out, err = proto.Marshal(respProto)
			w.Header().Set("Content-Type", contentTypeProtobuf)
		}
		if err != nil {
			http.Error(w, "failed to encode response", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(out)
	}
}
