package agent

import (
	"context"
	"log/slog"

	"github.com/open-telemetry/opamp-go/protobufs"

	"github.com/otelgrid/otelgrid/pkg/storage"
	"github.com/otelgrid/otelgrid/pkg/util/grpcutil"
)

// Snapshots bundles the typed namespaces holding the raw protobufs an agent
// reported, each keyed by instance uid. Stored losslessly so nothing the
// agent said is flattened away by the scalar projection.
type Snapshots struct {
	Description         storage.KeyValue[*protobufs.AgentDescription]
	Health              storage.KeyValue[*protobufs.ComponentHealth]
	EffectiveConfig     storage.KeyValue[*protobufs.EffectiveConfig]
	RemoteConfigStatus  storage.KeyValue[*protobufs.RemoteConfigStatus]
	AvailableComponents storage.KeyValue[*protobufs.AvailableComponents]
	PackageStatuses     storage.KeyValue[*protobufs.PackageStatuses]
}

func NewSnapshots(logger *slog.Logger, broker storage.KVBroker) *Snapshots {
	return &Snapshots{
		Description:         storage.NewProtoKV[*protobufs.AgentDescription](logger, broker.KeyValue("agent/description")),
		Health:              storage.NewProtoKV[*protobufs.ComponentHealth](logger, broker.KeyValue("agent/health")),
		EffectiveConfig:     storage.NewProtoKV[*protobufs.EffectiveConfig](logger, broker.KeyValue("agent/effective-config")),
		RemoteConfigStatus:  storage.NewProtoKV[*protobufs.RemoteConfigStatus](logger, broker.KeyValue("agent/remote-config-status")),
		AvailableComponents: storage.NewProtoKV[*protobufs.AvailableComponents](logger, broker.KeyValue("agent/available-components")),
		PackageStatuses:     storage.NewProtoKV[*protobufs.PackageStatuses](logger, broker.KeyValue("agent/package-statuses")),
	}
}

// DeleteAll removes every snapshot for the uid. Missing entries are fine; an
// agent may never have reported some of them.
func (s *Snapshots) DeleteAll(ctx context.Context, uid string) error {
	stores := []interface {
		Delete(context.Context, string) error
	}{
		s.Description, s.Health, s.EffectiveConfig,
		s.RemoteConfigStatus, s.AvailableComponents, s.PackageStatuses,
	}
	for _, kv := range stores {
		if err := kv.Delete(ctx, uid); err != nil && !grpcutil.IsErrorNotFound(err) {
			return err
		}
	}
	return nil
}
