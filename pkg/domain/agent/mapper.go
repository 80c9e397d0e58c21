package agent

import (
	"sort"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/samber/lo"
)

// View is the JSON shape of an agent in list responses.
type View struct {
	InstanceUID         string            `json:"instance_uid"`
	Name                string            `json:"name"`
	AgentVersion        string            `json:"agent_version,omitempty"`
	ConnectionStatus    string            `json:"connection_status"`
	Healthy             *bool             `json:"healthy,omitempty"`
	HealthDetail        string            `json:"health_detail,omitempty"`
	Capabilities        []string          `json:"capabilities"`
	IdentifyingAttrs    map[string]string `json:"identifying_attributes,omitempty"`
	NonIdentifyingAttrs map[string]string `json:"non_identifying_attributes,omitempty"`
	EffectiveConfigHash string            `json:"effective_config_hash,omitempty"`
	OfferedConfigHash   string            `json:"offered_config_hash,omitempty"`
	RemoteConfigHash    string            `json:"remote_config_hash,omitempty"`
	RemoteConfigStatus  string            `json:"remote_config_status"`
	SyncStatus          string            `json:"sync_status"`
	SyncDetail          string            `json:"sync_detail,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
	SequenceNum         uint64            `json:"sequence_num"`
	CreatedAt           time.Time         `json:"created_at"`
	LastSeenAt          time.Time         `json:"last_seen_at"`
}

// DetailView adds the payloads too large for list responses.
type DetailView struct {
	View
	EffectiveConfig     map[string]string      `json:"effective_config,omitempty"`
	Health              *HealthView            `json:"health,omitempty"`
	AvailableComponents []string               `json:"available_components,omitempty"`
	Packages            map[string]PackageView `json:"packages,omitempty"`
}

// HealthView mirrors the OpAMP component health tree.
type HealthView struct {
	Healthy    bool                   `json:"healthy"`
	Status     string                 `json:"status,omitempty"`
	LastError  string                 `json:"last_error,omitempty"`
	StartTime  time.Time              `json:"start_time,omitzero"`
	StatusTime time.Time              `json:"status_time,omitzero"`
	Components map[string]*HealthView `json:"components,omitempty"`
}

// PackageView is one entry of an agent's package status report.
type PackageView struct {
	AgentHasVersion      string `json:"agent_has_version,omitempty"`
	ServerOfferedVersion string `json:"server_offered_version,omitempty"`
	Status               string `json:"status"`
	ErrorMessage         string `json:"error_message,omitempty"`
}

func ToView(a *Agent) View {
	sync, detail := a.SyncStatus()
	rec := a.Record
	return View{
		InstanceUID:         rec.InstanceUID,
		Name:                rec.Name,
		AgentVersion:        rec.AgentVersion,
		ConnectionStatus:    string(rec.ConnectionStatus),
		Healthy:             rec.Healthy,
		HealthDetail:        rec.HealthDetail,
		Capabilities:        rec.Capabilities.Names(),
		IdentifyingAttrs:    rec.IdentifyingAttrs,
		NonIdentifyingAttrs: rec.NonIdentifyingAttrs,
		EffectiveConfigHash: rec.EffectiveConfigHash,
		OfferedConfigHash:   a.OfferedConfigHash,
		RemoteConfigHash:    rec.RemoteConfigHash,
		RemoteConfigStatus:  string(rec.RemoteConfigStatus),
		SyncStatus:          string(sync),
		SyncDetail:          detail,
		LastError:           rec.LastError,
		SequenceNum:         rec.SequenceNum,
		CreatedAt:           rec.CreatedAt,
		LastSeenAt:          rec.LastSeenAt,
	}
}

func ToDetailView(a *Agent) DetailView {
	d := DetailView{View: ToView(a)}
	if a.EffectiveConfig != nil {
		d.EffectiveConfig = a.EffectiveConfigBody()
	}
	if a.Health != nil {
		d.Health = toHealthView(a.Health)
	}
	if comps := a.AvailableComponents.GetComponents(); len(comps) > 0 {
		d.AvailableComponents = lo.Keys(comps)
		sort.Strings(d.AvailableComponents)
	}
	if pkgs := a.PackageStatuses.GetPackages(); len(pkgs) > 0 {
		d.Packages = lo.MapValues(pkgs, func(p *protobufs.PackageStatus, _ string) PackageView {
			return PackageView{
				AgentHasVersion:      p.GetAgentHasVersion(),
				ServerOfferedVersion: p.GetServerOfferedVersion(),
				Status:               p.GetStatus().String(),
				ErrorMessage:         p.GetErrorMessage(),
			}
		})
	}
	return d
}

func toHealthView(h *protobufs.ComponentHealth) *HealthView {
	v := &HealthView{
		Healthy:   h.GetHealthy(),
		Status:    h.GetStatus(),
		LastError: h.GetLastError(),
	}
	if ns := h.GetStartTimeUnixNano(); ns > 0 {
		v.StartTime = time.Unix(0, int64(ns)).UTC()
	}
	if ns := h.GetStatusTimeUnixNano(); ns > 0 {
		v.StatusTime = time.Unix(0, int64(ns)).UTC()
	}
	if sub := h.GetComponentHealthMap(); len(sub) > 0 {
		v.Components = lo.MapValues(sub, func(c *protobufs.ComponentHealth, _ string) *HealthView {
			return toHealthView(c)
		})
	}
	return v
}
