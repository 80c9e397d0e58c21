// Package config is the flag-driven process configuration for the otelgrid
// server. Every tunable the subsystems expose is a flag with a default that
// matches a small single-node deployment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	HTTPListenAddress string
	HTTPListenPort    int

	// DataDir holds the pebble snapshot store.
	DataDir string
	// SQLitePath is the relational database file.
	SQLitePath string

	// MasterSecret seeds the keyring; all signing and HMAC keys derive from
	// it. At least 32 bytes.
	MasterSecret string

	CORSAllowedOrigins flagStringSlice

	OpAMP   OpAMPConfig
	Rollout RolloutConfig
	Tracker TrackerConfig

	// RegistrationTokenTTL bounds how long a minted registration token stays
	// redeemable.
	RegistrationTokenTTL time.Duration

	// AdvertisedOpAMPEndpoint is the OpAMP URL handed to freshly registered
	// gateways. Empty means derive it from the listen address.
	AdvertisedOpAMPEndpoint string
}

type OpAMPConfig struct {
	// MaxMessageBytes caps a single frame in either direction.
	MaxMessageBytes int
	// MaxLeadingNulls bounds the null-prefix tolerance on inbound frames.
	MaxLeadingNulls int
	// PushQueueSize bounds each session's outbound channel.
	PushQueueSize int
	// HandleTimeout bounds decode+merge+compose for one message.
	HandleTimeout time.Duration
	// StalenessThreshold is how long an agent may stay silent before it is
	// considered offline.
	StalenessThreshold time.Duration
	// StalenessSweepInterval is how often silent agents are swept.
	StalenessSweepInterval time.Duration
	// OwnTelemetryEndpoint, when set, is advertised to capable agents as the
	// destination for their own metrics, logs, and traces.
	OwnTelemetryEndpoint string
}

type RolloutConfig struct {
	// MaxInFlightOffers bounds concurrent offer dispatch within a wave.
	MaxInFlightOffers int
	// WaveTimeout bounds how long a canary or staged wave may stay open
	// before pending agents are treated as failures.
	WaveTimeout time.Duration
	// PollInterval is the fallback cadence for re-checking wave progress
	// when no status notification arrives.
	PollInterval time.Duration
}

type TrackerConfig struct {
	// RequestExpiry is how long an effective-config fetch stays pending.
	RequestExpiry time.Duration
	// SweepInterval is how often overdue requests are expired.
	SweepInterval time.Duration
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.HTTPListenAddress, "server.http-listen-address", "127.0.0.1", "HTTP listen address.")
	f.IntVar(&c.HTTPListenPort, "server.http-listen-port", 8081, "HTTP listen port.")
	f.StringVar(&c.DataDir, "storage.data-dir", "./data", "Directory for the snapshot store.")
	f.StringVar(&c.SQLitePath, "storage.sqlite-path", "./otelgrid.db", "Path of the sqlite database file.")
	f.StringVar(&c.MasterSecret, "auth.master-secret", "", "Master secret all server keys derive from (min 32 bytes).")
	f.Var(&c.CORSAllowedOrigins, "server.cors-origins", "Comma-separated allowed CORS origins.")
	f.DurationVar(&c.RegistrationTokenTTL, "auth.registration-token-ttl", 30*time.Minute, "Validity window of minted registration tokens.")
	f.StringVar(&c.AdvertisedOpAMPEndpoint, "server.advertised-opamp-endpoint", "", "OpAMP URL returned to registering gateways; derived from the listen address when empty.")

	f.IntVar(&c.OpAMP.MaxMessageBytes, "opamp.max-message-bytes", 4<<20, "Ceiling for a single OpAMP frame.")
	f.IntVar(&c.OpAMP.MaxLeadingNulls, "opamp.max-leading-nulls", 8, "Leading null bytes tolerated on inbound frames.")
	f.IntVar(&c.OpAMP.PushQueueSize, "opamp.push-queue-size", 32, "Bound of a session's outbound push queue.")
	f.DurationVar(&c.OpAMP.HandleTimeout, "opamp.handle-timeout", 10*time.Second, "Deadline for handling one inbound message.")
	f.DurationVar(&c.OpAMP.StalenessThreshold, "opamp.staleness-threshold", 90*time.Second, "Silence window before an agent counts as offline.")
	f.DurationVar(&c.OpAMP.StalenessSweepInterval, "opamp.staleness-sweep-interval", 30*time.Second, "How often silent agents are swept.")
	f.StringVar(&c.OpAMP.OwnTelemetryEndpoint, "opamp.own-telemetry-endpoint", "", "OTLP/HTTP endpoint advertised to agents for their own telemetry.")

	f.IntVar(&c.Rollout.MaxInFlightOffers, "rollout.max-in-flight-offers", 16, "Concurrent offer dispatch bound within a wave.")
	f.DurationVar(&c.Rollout.WaveTimeout, "rollout.wave-timeout", 10*time.Minute, "Time before a pending wave is treated as failed.")
	f.DurationVar(&c.Rollout.PollInterval, "rollout.poll-interval", 2*time.Second, "Fallback cadence for wave progress checks.")

	f.DurationVar(&c.Tracker.RequestExpiry, "tracker.request-expiry", 5*time.Minute, "How long an effective-config fetch stays pending.")
	f.DurationVar(&c.Tracker.SweepInterval, "tracker.sweep-interval", time.Minute, "How often overdue fetch requests are expired.")
}

func (c *Config) Validate() error {
	if len(c.MasterSecret) < 32 {
		return errors.New("auth.master-secret must be at least 32 bytes")
	}
	if c.OpAMP.MaxMessageBytes <= 0 {
		return fmt.Errorf("opamp.max-message-bytes must be positive, got %d", c.OpAMP.MaxMessageBytes)
	}
	return nil
}

// flagStringSlice is a comma-separated flag value.
type flagStringSlice []string

func (v *flagStringSlice) String() string { return strings.Join(*v, ",") }

func (v *flagStringSlice) Set(s string) error {
	*v = nil
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*v = append(*v, part)
		}
	}
	return nil
}
