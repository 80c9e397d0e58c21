package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/otelgrid/otelgrid/pkg/util/grpcutil"
)

type ConfigRequestState string

const (
	ConfigRequestPending   ConfigRequestState = "pending"
	ConfigRequestFulfilled ConfigRequestState = "fulfilled"
	ConfigRequestExpired   ConfigRequestState = "expired"
)

// ConfigRequest is one operator-initiated effective-config fetch, correlated
// by tracking id.
type ConfigRequest struct {
	TrackingID  string
	OrgID       string
	InstanceUID string
	RequestedBy string
	State       ConfigRequestState
	ResultHash  string
	CreatedAt   time.Time
	FulfilledAt *time.Time
}

func (s *Store) CreateConfigRequest(ctx context.Context, r *ConfigRequest) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
	if r.State == "" {
		r.State = ConfigRequestPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config_requests (tracking_id, org_id, instance_uid, requested_by, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.TrackingID, r.OrgID, r.InstanceUID, r.RequestedBy, r.State, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert config request: %w", err)
	}
	return nil
}

const configRequestColumns = `tracking_id, org_id, instance_uid, requested_by, state, result_hash, created_at, fulfilled_at`

func scanConfigRequest(row rowScanner) (*ConfigRequest, error) {
	var (
		r           ConfigRequest
		fulfilledAt sql.NullTime
	)
	err := row.Scan(&r.TrackingID, &r.OrgID, &r.InstanceUID, &r.RequestedBy,
		&r.State, &r.ResultHash, &r.CreatedAt, &fulfilledAt)
	if err != nil {
		return nil, err
	}
	r.FulfilledAt = nullTime(fulfilledAt)
	return &r, nil
}

func (s *Store) GetConfigRequest(ctx context.Context, orgID, trackingID string) (*ConfigRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configRequestColumns+` FROM config_requests WHERE tracking_id = ? AND org_id = ?`,
		trackingID, orgID)
	r, err := scanConfigRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grpcutil.ErrorNotFound(fmt.Errorf("config request %s: %w", trackingID, err))
	}
	return r, err
}

// FulfillOldestPending resolves the oldest pending request for the agent and
// returns it. Requests resolve strictly in arrival order: one effective
// config receipt settles exactly one request.
func (s *Store) FulfillOldestPending(ctx context.Context, uid, resultHash string) (*ConfigRequest, error) {
	var fulfilled *ConfigRequest
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+configRequestColumns+`
			FROM config_requests
			WHERE instance_uid = ? AND state = ?
			ORDER BY created_at ASC, tracking_id ASC
			LIMIT 1`, uid, ConfigRequestPending)
		r, err := scanConfigRequest(row)
		if errors.Is(err, sql.ErrNoRows) {
			return grpcutil.ErrorNotFound(fmt.Errorf("no pending config request for %s: %w", uid, err))
		}
		if err != nil {
			return err
		}

		ts := now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE config_requests SET state = ?, result_hash = ?, fulfilled_at = ?
			WHERE tracking_id = ?`,
			ConfigRequestFulfilled, resultHash, ts, r.TrackingID); err != nil {
			return err
		}
		r.State = ConfigRequestFulfilled
		r.ResultHash = resultHash
		r.FulfilledAt = &ts
		fulfilled = r
		return nil
	})
	return fulfilled, err
}

// HasPendingConfigRequest reports whether the agent owes us an effective
// config.
func (s *Store) HasPendingConfigRequest(ctx context.Context, uid string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM config_requests WHERE instance_uid = ? AND state = ?`,
		uid, ConfigRequestPending)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExpireConfigRequests times out pending requests created before the cutoff
// and returns how many were expired.
func (s *Store) ExpireConfigRequests(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE config_requests SET state = ?
		WHERE state = ? AND created_at < ?`,
		ConfigRequestExpired, ConfigRequestPending, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
