package agent

import (
	"context"
	"errors"

	"github.com/otelgrid/otelgrid/pkg/store"
)

// ErrAgentNotFound means the uid has no registry row in the org.
var ErrAgentNotFound = errors.New("agent not found")

// Repository is the read side the operator API works from. Writes happen on
// the OpAMP path directly against the store and snapshots; this layer only
// assembles and deletes.
type Repository interface {
	// Get assembles the full aggregate for one agent in the org.
	Get(ctx context.Context, orgID, uid string) (*Agent, error)
	// List assembles aggregates for every agent matching the filter.
	List(ctx context.Context, orgID string, f store.AgentFilter) ([]*Agent, error)
	// Delete removes the registry row and every snapshot.
	Delete(ctx context.Context, orgID, uid string) error
}
