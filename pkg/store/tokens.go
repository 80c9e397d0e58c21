package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/otelgrid/otelgrid/pkg/util/grpcutil"
)

var (
	// ErrTokenConsumed means the one-shot registration token was already
	// redeemed.
	ErrTokenConsumed = errors.New("registration token already consumed")
	// ErrTokenExpired means the registration token's validity window passed.
	ErrTokenExpired = errors.New("registration token expired")
	// ErrTokenRevoked means the bearer token was revoked.
	ErrTokenRevoked = errors.New("token revoked")
)

// RegistrationToken is the persisted half of a one-shot gateway registration
// credential. The secret itself is never stored.
type RegistrationToken struct {
	TokenID       string
	OrgID         string
	SecretHash    string
	Signature     string
	CreatedBy     string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	ConsumedAt    *time.Time
	ConsumedByUID string
}

// OpAMPToken is the persisted half of a gateway's long-lived bearer
// credential.
type OpAMPToken struct {
	TokenID     string
	OrgID       string
	InstanceUID string
	SecretHash  string
	CreatedAt   time.Time
	RevokedAt   *time.Time
}

func (s *Store) PutRegistrationToken(ctx context.Context, t *RegistrationToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registration_tokens (token_id, org_id, secret_hash, signature, created_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.TokenID, t.OrgID, t.SecretHash, t.Signature, t.CreatedBy, t.CreatedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert registration token: %w", err)
	}
	return nil
}

func (s *Store) GetRegistrationToken(ctx context.Context, tokenID string) (*RegistrationToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_id, org_id, secret_hash, signature, created_by, created_at, expires_at, consumed_at, consumed_by_uid
		FROM registration_tokens WHERE token_id = ?`, tokenID)

	var (
		t          RegistrationToken
		consumedAt sql.NullTime
	)
	err := row.Scan(&t.TokenID, &t.OrgID, &t.SecretHash, &t.Signature, &t.CreatedBy,
		&t.CreatedAt, &t.ExpiresAt, &consumedAt, &t.ConsumedByUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grpcutil.ErrorNotFound(fmt.Errorf("registration token %s: %w", tokenID, err))
	}
	if err != nil {
		return nil, err
	}
	t.ConsumedAt = nullTime(consumedAt)
	return &t, nil
}

// ConsumeRegistrationToken redeems a one-shot token for the given agent.
// The guard is a single conditional UPDATE, so two concurrent redemptions
// cannot both succeed; the loser learns whether the token was consumed,
// expired, or never existed.
func (s *Store) ConsumeRegistrationToken(ctx context.Context, tokenID, byUID string) (*RegistrationToken, error) {
	ts := now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE registration_tokens
		SET consumed_at = ?, consumed_by_uid = ?
		WHERE token_id = ? AND consumed_at IS NULL AND expires_at > ?`,
		ts, byUID, tokenID, ts)
	if err != nil {
		return nil, fmt.Errorf("consume registration token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		t, err := s.GetRegistrationToken(ctx, tokenID)
		if err != nil {
			return nil, err
		}
		if t.ConsumedAt != nil {
			return nil, fmt.Errorf("token %s: %w", tokenID, ErrTokenConsumed)
		}
		return nil, fmt.Errorf("token %s: %w", tokenID, ErrTokenExpired)
	}
	return s.GetRegistrationToken(ctx, tokenID)
}

// DeleteExpiredRegistrationTokens garbage-collects tokens that can never be
// redeemed again. Consumed tokens are kept for the audit trail.
func (s *Store) DeleteExpiredRegistrationTokens(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM registration_tokens
		WHERE consumed_at IS NULL AND expires_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) PutOpAMPToken(ctx context.Context, t *OpAMPToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO opamp_tokens (token_id, org_id, instance_uid, secret_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.TokenID, t.OrgID, t.InstanceUID, t.SecretHash, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert opamp token: %w", err)
	}
	return nil
}

func (s *Store) GetOpAMPToken(ctx context.Context, tokenID string) (*OpAMPToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_id, org_id, instance_uid, secret_hash, created_at, revoked_at
		FROM opamp_tokens WHERE token_id = ?`, tokenID)

	var (
		t         OpAMPToken
		revokedAt sql.NullTime
	)
	err := row.Scan(&t.TokenID, &t.OrgID, &t.InstanceUID, &t.SecretHash, &t.CreatedAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grpcutil.ErrorNotFound(fmt.Errorf("opamp token %s: %w", tokenID, err))
	}
	if err != nil {
		return nil, err
	}
	t.RevokedAt = nullTime(revokedAt)
	return &t, nil
}

// RevokeOpAMPTokensForAgent cuts off every bearer credential the agent holds.
func (s *Store) RevokeOpAMPTokensForAgent(ctx context.Context, uid string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE opamp_tokens SET revoked_at = ? WHERE instance_uid = ? AND revoked_at IS NULL`,
		now(), uid)
	return err
}
