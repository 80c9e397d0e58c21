// Package metrics holds the control plane's prometheus instruments. All
// metrics are registered on the default registry and exposed on /metrics by
// the server module.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "otelgrid"

var (
	// SessionsActive tracks live OpAMP sessions by transport kind.
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "opamp",
		Name:      "sessions_active",
		Help:      "Number of live OpAMP sessions.",
	}, []string{"transport"})

	// MessagesReceived counts processed AgentToServer messages by outcome.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "opamp",
		Name:      "messages_received_total",
		Help:      "AgentToServer messages processed, by outcome.",
	}, []string{"outcome"})

	// DecodeErrors counts undecodable inbound frames by error kind.
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "opamp",
		Name:      "decode_errors_total",
		Help:      "Inbound frames rejected by the wire codec.",
	}, []string{"kind"})

	// OffersAttached counts remote config offers attached to responses.
	OffersAttached = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "opamp",
		Name:      "config_offers_total",
		Help:      "Remote config offers delivered to agents.",
	})

	// PushDropped counts server-initiated pushes that could not be queued.
	PushDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "opamp",
		Name:      "push_dropped_total",
		Help:      "Server pushes dropped because no session existed or the queue was full.",
	}, []string{"reason"})

	// DeploymentsFinished counts rollouts reaching a terminal status.
	DeploymentsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rollout",
		Name:      "deployments_finished_total",
		Help:      "Deployments reaching a terminal status.",
	}, []string{"status"})

	// ConfigRequests counts effective-config fetch requests by final state.
	ConfigRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "config_requests_total",
		Help:      "Effective-config fetch requests, by final state.",
	}, []string{"state"})

	// IntakeBytes counts own-telemetry payload bytes accepted, by signal.
	IntakeBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "otlp",
		Name:      "intake_bytes_total",
		Help:      "Own-telemetry payload bytes accepted on the OTLP intake.",
	}, []string{"signal"})
)
