// Package configsync computes the config synchronization state of an agent
// from what the control plane offered and what the agent last reported.
package configsync

import (
	"github.com/open-telemetry/opamp-go/protobufs"
)

// Status is the unified sync state surfaced on agent reads.
type Status string

const (
	// StatusUnknown means no config was ever offered to the agent.
	StatusUnknown Status = "unknown"
	// StatusPending means the agent has not yet acknowledged the offered hash.
	StatusPending Status = "pending"
	// StatusApplying means the agent acknowledged the offer and is applying it.
	StatusApplying Status = "applying"
	// StatusInSync means the agent applied the offered hash.
	StatusInSync Status = "in_sync"
	// StatusError means the agent failed to apply the offered hash.
	StatusError Status = "error"
)

// Compute maps the offered config hash against the agent-reported remote
// config status. detail carries the agent's error message when the state is
// StatusError and a short explanation otherwise.
func Compute(offeredHash, reportedHash string, reported protobufs.RemoteConfigStatuses, errorMessage string) (Status, string) {
	if offeredHash == "" {
		return StatusUnknown, "no config offered"
	}
	if reportedHash == "" {
		return StatusPending, "no status reported"
	}
	if reportedHash != offeredHash {
		return StatusPending, "agent acknowledges a different hash"
	}

	switch reported {
	case protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED:
		return StatusInSync, ""
	case protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLYING:
		return StatusApplying, ""
	case protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED:
		if errorMessage == "" {
			errorMessage = "(no error message reported)"
		}
		return StatusError, errorMessage
	default:
		return StatusPending, "agent has not reported applying the config"
	}
}
