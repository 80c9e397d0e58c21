package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/otelgrid/otelgrid/pkg/util/grpcutil"
	"github.com/otelgrid/otelgrid/pkg/wire"
)

type ConnectionStatus string

const (
	// ConnectionRegistered is the state between gateway registration and the
	// first OpAMP status report.
	ConnectionRegistered   ConnectionStatus = "registered"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	// ConnectionStale means the agent has not been heard from within the
	// staleness threshold but never said goodbye.
	ConnectionStale ConnectionStatus = "stale"
)

// RemoteConfigState mirrors the OpAMP RemoteConfigStatuses enum values.
type RemoteConfigState string

const (
	RemoteConfigUnset    RemoteConfigState = "UNSET"
	RemoteConfigApplying RemoteConfigState = "APPLYING"
	RemoteConfigApplied  RemoteConfigState = "APPLIED"
	RemoteConfigFailed   RemoteConfigState = "FAILED"
)

// AgentRecord is the scalar projection of an agent. The full reported protos
// live in the snapshot store; this row is what lists, rollouts, and liveness
// work from.
type AgentRecord struct {
	InstanceUID         string
	OrgID               string
	Name                string
	AgentVersion        string
	IdentifyingAttrs    map[string]string
	NonIdentifyingAttrs map[string]string
	Capabilities        wire.Capabilities
	ConnectionStatus    ConnectionStatus
	Healthy             *bool
	HealthDetail        string
	EffectiveConfigHash string
	RemoteConfigHash    string
	RemoteConfigStatus  RemoteConfigState
	LastError           string
	SequenceNum         uint64
	RegistrationTokenID string
	CreatedAt           time.Time
	LastSeenAt          time.Time
}

// MatchesLabels reports whether every selector pair is present among the
// agent's attributes. An empty selector matches every agent.
func (a *AgentRecord) MatchesLabels(selector map[string]string) bool {
	for k, v := range selector {
		if a.IdentifyingAttrs[k] == v {
			continue
		}
		if a.NonIdentifyingAttrs[k] == v {
			continue
		}
		return false
	}
	return true
}

// StatusResult reports what ApplyAgentStatus did with an incoming message.
type StatusResult struct {
	// Applied is false when the message's sequence number was not newer than
	// the stored one: only last_seen_at was refreshed.
	Applied bool
	// Gap is true when the sequence number skipped ahead, meaning the agent
	// sent messages this server never processed.
	Gap    bool
	Record *AgentRecord
}

const agentColumns = `instance_uid, org_id, name, agent_version,
	identifying_attrs, non_identifying_attrs, capabilities, connection_status,
	healthy, health_detail, effective_config_hash, remote_config_hash,
	remote_config_status, last_error, sequence_num, registration_token_id,
	created_at, last_seen_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*AgentRecord, error) {
	var (
		rec        AgentRecord
		identJSON  string
		nonIdkJSON string
		caps       int64
		healthy    sql.NullBool
		seq        int64
	)
	err := row.Scan(
		&rec.InstanceUID, &rec.OrgID, &rec.Name, &rec.AgentVersion,
		&identJSON, &nonIdkJSON, &caps, &rec.ConnectionStatus,
		&healthy, &rec.HealthDetail, &rec.EffectiveConfigHash, &rec.RemoteConfigHash,
		&rec.RemoteConfigStatus, &rec.LastError, &seq, &rec.RegistrationTokenID,
		&rec.CreatedAt, &rec.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Capabilities = wire.Capabilities(uint64(caps))
	rec.SequenceNum = uint64(seq)
	if healthy.Valid {
		rec.Healthy = &healthy.Bool
	}
	if err := json.Unmarshal([]byte(identJSON), &rec.IdentifyingAttrs); err != nil {
		return nil, fmt.Errorf("decode identifying attrs: %w", err)
	}
	if err := json.Unmarshal([]byte(nonIdkJSON), &rec.NonIdentifyingAttrs); err != nil {
		return nil, fmt.Errorf("decode non-identifying attrs: %w", err)
	}
	return &rec, nil
}

func marshalAttrs(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UpsertAgent inserts the agent row or, when the instance uid already exists,
// updates its mutable fields. Re-registration with the same uid is idempotent
// and never resets created_at or the sequence counter.
func (s *Store) UpsertAgent(ctx context.Context, rec *AgentRecord) error {
	ident, err := marshalAttrs(rec.IdentifyingAttrs)
	if err != nil {
		return fmt.Errorf("encode identifying attrs: %w", err)
	}
	nonIdent, err := marshalAttrs(rec.NonIdentifyingAttrs)
	if err != nil {
		return fmt.Errorf("encode non-identifying attrs: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now()
	}
	if rec.LastSeenAt.IsZero() {
		rec.LastSeenAt = rec.CreatedAt
	}
	if rec.ConnectionStatus == "" {
		rec.ConnectionStatus = ConnectionRegistered
	}
	if rec.RemoteConfigStatus == "" {
		rec.RemoteConfigStatus = RemoteConfigUnset
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_uid) DO UPDATE SET
			name = excluded.name,
			agent_version = excluded.agent_version,
			identifying_attrs = excluded.identifying_attrs,
			non_identifying_attrs = excluded.non_identifying_attrs,
			capabilities = excluded.capabilities,
			connection_status = excluded.connection_status,
			registration_token_id = excluded.registration_token_id,
			last_seen_at = excluded.last_seen_at`,
		rec.InstanceUID, rec.OrgID, rec.Name, rec.AgentVersion,
		ident, nonIdent, int64(rec.Capabilities), rec.ConnectionStatus,
		boolPtrToNull(rec.Healthy), rec.HealthDetail, rec.EffectiveConfigHash, rec.RemoteConfigHash,
		rec.RemoteConfigStatus, rec.LastError, int64(rec.SequenceNum), rec.RegistrationTokenID,
		rec.CreatedAt, rec.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", rec.InstanceUID, err)
	}
	return nil
}

// GetAgent looks up an agent by instance uid regardless of org. The OpAMP
// path authenticates by token before calling this.
func (s *Store) GetAgent(ctx context.Context, uid string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE instance_uid = ?`, uid)
	rec, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grpcutil.ErrorNotFound(fmt.Errorf("agent %s: %w", uid, err))
	}
	return rec, err
}

// GetAgentInOrg looks up an agent by uid and enforces org ownership.
func (s *Store) GetAgentInOrg(ctx context.Context, orgID, uid string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE instance_uid = ? AND org_id = ?`, uid, orgID)
	rec, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grpcutil.ErrorNotFound(fmt.Errorf("agent %s: %w", uid, err))
	}
	return rec, err
}

// AgentFilter narrows ListAgents. Zero value lists everything in the org.
type AgentFilter struct {
	ConnectionStatus ConnectionStatus
	// Labels, when set, keeps only agents matching every pair.
	Labels map[string]string
}

// ListAgents returns the org's agents, newest registration first.
func (s *Store) ListAgents(ctx context.Context, orgID string, f AgentFilter) ([]*AgentRecord, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE org_id = ?`
	args := []any{orgID}
	if f.ConnectionStatus != "" {
		q += ` AND connection_status = ?`
		args = append(args, f.ConnectionStatus)
	}
	q += ` ORDER BY created_at DESC, instance_uid`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		if len(f.Labels) > 0 && !rec.MatchesLabels(f.Labels) {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ApplyAgentStatus is the sequence-guarded write path for OpAMP status
// reports. The mutate callback sees the current row and edits the fields the
// message carried; the row is persisted with the new sequence number inside
// one transaction. A message whose sequence number is not newer than the
// stored one only refreshes last_seen_at.
func (s *Store) ApplyAgentStatus(ctx context.Context, uid string, seq uint64, mutate func(*AgentRecord)) (StatusResult, error) {
	var res StatusResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE instance_uid = ?`, uid)
		rec, err := scanAgent(row)
		if errors.Is(err, sql.ErrNoRows) {
			return grpcutil.ErrorNotFound(fmt.Errorf("agent %s: %w", uid, err))
		}
		if err != nil {
			return err
		}

		ts := now()
		if rec.SequenceNum > 0 && seq <= rec.SequenceNum {
			// Replay or duplicate delivery: the stored state is newer than or
			// equal to this message. Proof of life only.
			if _, err := tx.ExecContext(ctx,
				`UPDATE agents SET last_seen_at = ? WHERE instance_uid = ?`, ts, uid); err != nil {
				return err
			}
			rec.LastSeenAt = ts
			res = StatusResult{Applied: false, Gap: false, Record: rec}
			return nil
		}

		gap := rec.SequenceNum > 0 && seq > rec.SequenceNum+1
		mutate(rec)
		rec.SequenceNum = seq
		rec.LastSeenAt = ts

		ident, err := marshalAttrs(rec.IdentifyingAttrs)
		if err != nil {
			return fmt.Errorf("encode identifying attrs: %w", err)
		}
		nonIdent, err := marshalAttrs(rec.NonIdentifyingAttrs)
		if err != nil {
			return fmt.Errorf("encode non-identifying attrs: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE agents SET
				name = ?, agent_version = ?,
				identifying_attrs = ?, non_identifying_attrs = ?,
				capabilities = ?, connection_status = ?,
				healthy = ?, health_detail = ?,
				effective_config_hash = ?, remote_config_hash = ?,
				remote_config_status = ?, last_error = ?,
				sequence_num = ?, last_seen_at = ?
			WHERE instance_uid = ?`,
			rec.Name, rec.AgentVersion,
			ident, nonIdent,
			int64(rec.Capabilities), rec.ConnectionStatus,
			boolPtrToNull(rec.Healthy), rec.HealthDetail,
			rec.EffectiveConfigHash, rec.RemoteConfigHash,
			rec.RemoteConfigStatus, rec.LastError,
			int64(rec.SequenceNum), rec.LastSeenAt,
			uid,
		)
		if err != nil {
			return fmt.Errorf("update agent %s: %w", uid, err)
		}
		res = StatusResult{Applied: true, Gap: gap, Record: rec}
		return nil
	})
	return res, err
}

// TouchAgentLastSeen refreshes liveness without touching reported state.
// Heartbeat-only messages land here.
func (s *Store) TouchAgentLastSeen(ctx context.Context, uid string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = ? WHERE instance_uid = ?`, now(), uid)
	return err
}

// SetAgentConnectionStatus transitions the connection state machine.
func (s *Store) SetAgentConnectionStatus(ctx context.Context, uid string, status ConnectionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET connection_status = ? WHERE instance_uid = ?`, status, uid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return grpcutil.ErrorNotFound(fmt.Errorf("agent %s: not found", uid))
	}
	return nil
}

// MarkAgentsStale flips connected agents not seen since the cutoff to stale
// and returns their uids so sessions can be torn down.
func (s *Store) MarkAgentsStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	var uids []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT instance_uid FROM agents WHERE connection_status = ? AND last_seen_at < ?`,
			ConnectionConnected, olderThan)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var uid string
			if err := rows.Scan(&uid); err != nil {
				return err
			}
			uids = append(uids, uid)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(uids) == 0 {
			return nil
		}
		for _, uid := range uids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE agents SET connection_status = ? WHERE instance_uid = ?`,
				ConnectionStale, uid); err != nil {
				return err
			}
		}
		return nil
	})
	return uids, err
}

// DeleteAgent removes the registry row. Snapshots and tokens are cleaned up
// by the caller.
func (s *Store) DeleteAgent(ctx context.Context, orgID, uid string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agents WHERE instance_uid = ? AND org_id = ?`, uid, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return grpcutil.ErrorNotFound(fmt.Errorf("agent %s: not found", uid))
	}
	return nil
}

func boolPtrToNull(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
