package opamp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/otelgrid/otelgrid/pkg/config"
	"github.com/otelgrid/otelgrid/pkg/metrics"
	"github.com/otelgrid/otelgrid/pkg/wire"
)

const (
	transportWebSocket = "websocket"
	transportHTTP      = "http"

	contentTypeProtobuf = "application/x-protobuf"

	writeTimeout = 10 * time.Second
)

// Transport serves the single OpAMP endpoint. WebSocket upgrades get a
// long-lived session with a push queue; plain HTTP POSTs are one-shot
// exchanges. Both carry bare protobuf frames through the same codec and land
// in the same engine.
type Transport struct {
	logger *slog.Logger
	cfg    config.OpAMPConfig
	engine *Engine
	auth   *Authenticator
	codec  wire.Codec

	upgrader websocket.Upgrader
}

func NewTransport(logger *slog.Logger, cfg config.OpAMPConfig, engine *Engine, auth *Authenticator) *Transport {
	return &Transport{
		logger: logger,
		cfg:    cfg,
		engine: engine,
		auth:   auth,
		codec: wire.Codec{
			MaxBytes:        cfg.MaxMessageBytes,
			MaxLeadingNulls: cfg.MaxLeadingNulls,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are authenticated by bearer token, not origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := t.auth.Authenticate(r.Context(), r)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		t.logger.With("err", err).Error("authentication lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		t.serveWebSocket(w, r, id)
		return
	}
	t.servePlainHTTP(w, r, id)
}

func (t *Transport) serveWebSocket(w http.ResponseWriter, r *http.Request, id *Identity) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.With("instance_uid", id.InstanceUID, "err", err).Warn("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(int64(t.cfg.MaxMessageBytes))

	sess := NewSession(id.InstanceUID, id.OrgID, transportWebSocket, t.cfg.PushQueueSize)
	if replaced := t.engine.Registry().Register(sess); replaced != nil {
		t.logger.With("instance_uid", id.InstanceUID).Info("replacing existing session")
	}
	logger := t.logger.With("instance_uid", id.InstanceUID, "remote_addr", conn.RemoteAddr().String())
	logger.Info("agent connected")

	var writeMu sync.Mutex
	write := func(msg *protobufs.ServerToAgent) error {
		payload, err := t.codec.Encode(msg)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.BinaryMessage, payload)
	}

	// Push pump: drains server-initiated messages until the session is
	// replaced or torn down, then says goodbye.
	go func() {
		for {
			select {
			case msg := <-sess.Push():
				if err := write(msg); err != nil {
					logger.With("err", err).Debug("push write failed")
					t.engine.HandleDisconnect(context.Background(), sess)
					return
				}
			case <-sess.Closed():
				writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(time.Second))
				writeMu.Unlock()
				_ = conn.Close()
				return
			}
		}
	}()

	defer func() {
		t.engine.HandleDisconnect(context.Background(), sess)
		_ = conn.Close()
	}()

	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "frame too large"),
					time.Now().Add(time.Second))
				writeMu.Unlock()
				metrics.DecodeErrors.WithLabelValues("oversized").Inc()
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.With("err", err).Debug("read failed")
			}
			logger.Info("agent disconnected")
			return
		}
		if mt != websocket.BinaryMessage {
			// Text frames are not part of the protocol.
			continue
		}

		msg, err := t.codec.Decode(payload)
		if err != nil {
			metrics.DecodeErrors.WithLabelValues(decodeKind(err)).Inc()
			logger.With("err", err).Warn("undecodable frame")
			_ = write(ErrorResponse(nil, NewBadRequestError("undecodable payload")))
			continue
		}

		resp := t.engine.HandleMessage(r.Context(), sess, msg)
		if err := write(resp); err != nil {
			logger.With("err", err).Debug("response write failed")
			return
		}
	}
}

// servePlainHTTP handles one request/response exchange. The session is
// ephemeral and never registered, so server pushes to HTTP-only agents fail
// with ErrNoSession instead of piling up.
func (t *Transport) servePlainHTTP(w http.ResponseWriter, r *http.Request, id *Identity) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(t.cfg.MaxMessageBytes)+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	msg, err := t.codec.Decode(body)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(decodeKind(err)).Inc()
		t.logger.With("instance_uid", id.InstanceUID, "err", err).Warn("undecodable payload")
		t.writeProto(w, ErrorResponse(nil, NewBadRequestError("undecodable payload")))
		return
	}

	sess := NewSession(id.InstanceUID, id.OrgID, transportHTTP, 1)
	resp := t.engine.HandleMessage(r.Context(), sess, msg)
	t.writeProto(w, resp)
}

func (t *Transport) writeProto(w http.ResponseWriter, msg *protobufs.ServerToAgent) {
	payload, err := t.codec.Encode(msg)
	if err != nil {
		t.logger.With("err", err).Error("failed to encode response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeProtobuf)
	_, _ = w.Write(payload)
}

func decodeKind(err error) string {
	switch {
	case errors.Is(err, wire.ErrOversized):
		return "oversized"
	case errors.Is(err, wire.ErrInvalidFieldTag):
		return "invalid_field_tag"
	default:
		return "truncated"
	}
}
