// Package agent assembles the full picture of one agent: the scalar registry
// row from the relational store plus the lossless protobuf snapshots the
// agent reported over OpAMP.
package agent

import (
	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/otelgrid/otelgrid/pkg/store"
	"github.com/otelgrid/otelgrid/pkg/util/configsync"
)

// Agent is the aggregate read model. Record is always present; the snapshot
// fields are nil until the agent reports them.
type Agent struct {
	Record *store.AgentRecord

	Description         *protobufs.AgentDescription
	Health              *protobufs.ComponentHealth
	EffectiveConfig     *protobufs.EffectiveConfig
	RemoteConfigStatus  *protobufs.RemoteConfigStatus
	AvailableComponents *protobufs.AvailableComponents
	PackageStatuses     *protobufs.PackageStatuses

	// OfferedConfigHash is the hash of the config most recently offered to
	// this agent by a rollout, "" when nothing was ever offered.
	OfferedConfigHash string
}

// IsConnected reports whether the agent currently holds a live session.
func (a *Agent) IsConnected() bool {
	return a.Record.ConnectionStatus == store.ConnectionConnected
}

// SyncStatus derives the unified config synchronization state from the
// offered hash and what the agent last acknowledged.
func (a *Agent) SyncStatus() (configsync.Status, string) {
	return configsync.Compute(a.OfferedConfigHash, a.Record.RemoteConfigHash, a.reportedStatus(), a.reportedError())
}

// reportedStatus prefers the raw snapshot over the scalar projection; both
// are written in the same transaction window, so they only diverge when the
// snapshot store lost data.
func (a *Agent) reportedStatus() protobufs.RemoteConfigStatuses {
	if a.RemoteConfigStatus != nil {
		return a.RemoteConfigStatus.GetStatus()
	}
	switch a.Record.RemoteConfigStatus {
	case store.RemoteConfigApplied:
		return protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED
	case store.RemoteConfigApplying:
		return protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLYING
	case store.RemoteConfigFailed:
		return protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED
	default:
		return protobufs.RemoteConfigStatuses_RemoteConfigStatuses_UNSET
	}
}

func (a *Agent) reportedError() string {
	if a.RemoteConfigStatus != nil && a.RemoteConfigStatus.GetErrorMessage() != "" {
		return a.RemoteConfigStatus.GetErrorMessage()
	}
	return a.Record.LastError
}

// EffectiveConfigBody returns the reported config files as plain strings,
// keyed by filename. Empty map when the agent never reported one.
func (a *Agent) EffectiveConfigBody() map[string]string {
	out := map[string]string{}
	for name, f := range a.EffectiveConfig.GetConfigMap().GetConfigMap() {
		out[name] = string(f.GetBody())
	}
	return out
}
