package wire

import "fmt"

// Capabilities is the OpAMP agent capabilities bit-field. Values match the
// AgentToServer.capabilities wire encoding.
type Capabilities uint64

const (
	CapReportsStatus                  Capabilities = 0x00000001
	CapAcceptsRemoteConfig            Capabilities = 0x00000002
	CapReportsEffectiveConfig         Capabilities = 0x00000004
	CapReportsOwnTraces               Capabilities = 0x00000020
	CapReportsOwnMetrics              Capabilities = 0x00000040
	CapReportsOwnLogs                 Capabilities = 0x00000080
	CapAcceptsOpAMPConnectionSettings Capabilities = 0x00000100
	CapAcceptsRestartCommand          Capabilities = 0x00000400
	CapReportsHealth                  Capabilities = 0x00000800
	CapReportsRemoteConfig            Capabilities = 0x00001000
	CapReportsHeartbeat               Capabilities = 0x00002000
	CapReportsAvailableComponents     Capabilities = 0x00004000
)

var capabilityNames = map[Capabilities]string{
	CapReportsStatus:                  "ReportsStatus",
	CapAcceptsRemoteConfig:            "AcceptsRemoteConfig",
	CapReportsEffectiveConfig:         "ReportsEffectiveConfig",
	CapReportsOwnTraces:               "ReportsOwnTraces",
	CapReportsOwnMetrics:              "ReportsOwnMetrics",
	CapReportsOwnLogs:                 "ReportsOwnLogs",
	CapAcceptsOpAMPConnectionSettings: "AcceptsOpAMPConnectionSettings",
	CapAcceptsRestartCommand:          "AcceptsRestartCommand",
	CapReportsHealth:                  "ReportsHealth",
	CapReportsRemoteConfig:            "ReportsRemoteConfig",
	CapReportsHeartbeat:               "ReportsHeartbeat",
	CapReportsAvailableComponents:     "ReportsAvailableComponents",
}

// Has reports whether every bit of cap is set.
func (c Capabilities) Has(cap Capabilities) bool {
	return c&cap == cap
}

// Names renders the set bits as human-readable capability names in ascending
// bit order. Bits this build does not know keep their position as
// "unknown bit N" rather than being dropped: agents speaking a newer protocol
// revision must stay inspectable.
func (c Capabilities) Names() []string {
	if c == 0 {
		return nil
	}
	names := make([]string, 0, 8)
	for bit := 0; bit < 64; bit++ {
		mask := Capabilities(1) << bit
		if c&mask == 0 {
			continue
		}
		if name, ok := capabilityNames[mask]; ok {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("unknown bit %d", bit))
		}
	}
	return names
}
