package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/otelgrid/otelgrid/pkg/util"
	"github.com/otelgrid/otelgrid/pkg/util/grpcutil"
	"gopkg.in/yaml.v3"
)

type DeploymentStrategy string

const (
	StrategyImmediate DeploymentStrategy = "immediate"
	StrategyCanary    DeploymentStrategy = "canary"
	StrategyStaged    DeploymentStrategy = "staged"
)

type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentInProgress DeploymentStatus = "in_progress"
	DeploymentSucceeded  DeploymentStatus = "succeeded"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
	DeploymentCancelled  DeploymentStatus = "cancelled"
	DeploymentSuperseded DeploymentStatus = "superseded"
)

// IsTerminal reports whether the deployment can still change state.
func (s DeploymentStatus) IsTerminal() bool {
	switch s {
	case DeploymentSucceeded, DeploymentFailed, DeploymentRolledBack,
		DeploymentCancelled, DeploymentSuperseded:
		return true
	}
	return false
}

// TargetState is the per-agent audit state within a deployment.
type TargetState string

const (
	TargetUnset    TargetState = "UNSET"
	TargetOffered  TargetState = "OFFERED"
	TargetApplying TargetState = "APPLYING"
	TargetApplied  TargetState = "APPLIED"
	TargetFailed   TargetState = "FAILED"
	TargetSkipped  TargetState = "SKIPPED"
)

// Deployment is one versioned config rollout. config_hash is derived from
// the exact config bytes at create time and never recomputed.
type Deployment struct {
	ID                      string
	OrgID                   string
	Name                    string
	ConfigYAML              []byte
	ConfigHash              string
	Version                 int64
	Strategy                DeploymentStrategy
	CanaryPercent           int
	FailureThresholdPercent int
	IgnoreFailures          bool
	TargetSelector          map[string]string
	Status                  DeploymentStatus
	RollbackOf              string
	CreatedBy               string
	CreatedAt               time.Time
	FinishedAt              *time.Time
}

// DeploymentTarget is the audit row for one agent within one deployment.
type DeploymentTarget struct {
	DeploymentID string
	InstanceUID  string
	OfferedHash  string
	State        TargetState
	Detail       string
	UpdatedAt    time.Time
}

var ErrInvalidConfigYAML = errors.New("config body is not valid YAML")

// CreateDeployment validates the config body, assigns the org-scoped version
// and the config hash, and snapshots the resolved target set as UNSET audit
// rows, all in one transaction.
func (s *Store) CreateDeployment(ctx context.Context, d *Deployment, targetUIDs []string) error {
	var probe any
	if err := yaml.Unmarshal(d.ConfigYAML, &probe); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigYAML, err)
	}
	if d.ID == "" {
		d.ID = util.NewUUID()
	}
	d.ConfigHash = util.HashConfig(d.ConfigYAML)
	if d.Status == "" {
		d.Status = DeploymentPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now()
	}
	selector, err := marshalAttrs(d.TargetSelector)
	if err != nil {
		return fmt.Errorf("encode target selector: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM deployments WHERE org_id = ?`, d.OrgID)
		var maxVersion int64
		if err := row.Scan(&maxVersion); err != nil {
			return fmt.Errorf("assign version: %w", err)
		}
		d.Version = maxVersion + 1

		_, err := tx.ExecContext(ctx, `
			INSERT INTO deployments (
				id, org_id, name, config_yaml, config_hash, version,
				strategy, canary_percent, failure_threshold_percent, ignore_failures,
				target_selector, status, rollback_of, created_by, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.OrgID, d.Name, d.ConfigYAML, d.ConfigHash, d.Version,
			d.Strategy, d.CanaryPercent, d.FailureThresholdPercent, d.IgnoreFailures,
			selector, d.Status, nullString(d.RollbackOf), d.CreatedBy, d.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert deployment: %w", err)
		}

		ts := now()
		for _, uid := range targetUIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO deployment_agents (deployment_id, instance_uid, offered_hash, state, detail, updated_at)
				VALUES (?, ?, ?, ?, '', ?)`,
				d.ID, uid, d.ConfigHash, TargetUnset, ts,
			); err != nil {
				return fmt.Errorf("insert target %s: %w", uid, err)
			}
		}
		return nil
	})
}

const deploymentColumns = `id, org_id, name, config_yaml, config_hash, version,
	strategy, canary_percent, failure_threshold_percent, ignore_failures,
	target_selector, status, rollback_of, created_by, created_at, finished_at`

func scanDeployment(row rowScanner) (*Deployment, error) {
	var (
		d          Deployment
		selector   string
		rollbackOf sql.NullString
		finishedAt sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.OrgID, &d.Name, &d.ConfigYAML, &d.ConfigHash, &d.Version,
		&d.Strategy, &d.CanaryPercent, &d.FailureThresholdPercent, &d.IgnoreFailures,
		&selector, &d.Status, &rollbackOf, &d.CreatedBy, &d.CreatedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	if rollbackOf.Valid {
		d.RollbackOf = rollbackOf.String
	}
	d.FinishedAt = nullTime(finishedAt)
	if err := json.Unmarshal([]byte(selector), &d.TargetSelector); err != nil {
		return nil, fmt.Errorf("decode target selector: %w", err)
	}
	return &d, nil
}

func (s *Store) GetDeployment(ctx context.Context, orgID, id string) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = ? AND org_id = ?`, id, orgID)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grpcutil.ErrorNotFound(fmt.Errorf("deployment %s: %w", id, err))
	}
	return d, err
}

// getDeploymentAnyOrg is the controller-side lookup; the controller works
// from ids it resolved itself.
func (s *Store) getDeploymentAnyOrg(ctx context.Context, id string) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grpcutil.ErrorNotFound(fmt.Errorf("deployment %s: %w", id, err))
	}
	return d, err
}

// GetDeploymentByID looks a deployment up without org scoping.
func (s *Store) GetDeploymentByID(ctx context.Context, id string) (*Deployment, error) {
	return s.getDeploymentAnyOrg(ctx, id)
}

// ListDeployments returns the org's deployments, newest version first.
func (s *Store) ListDeployments(ctx context.Context, orgID string) ([]*Deployment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE org_id = ? ORDER BY version DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListActiveDeployments returns every non-terminal deployment across all
// orgs, oldest version first. The rollout controller resumes these after a
// restart.
func (s *Store) ListActiveDeployments(ctx context.Context) ([]*Deployment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE status IN (?, ?) ORDER BY created_at ASC`,
		DeploymentPending, DeploymentInProgress)
	if err != nil {
		return nil, fmt.Errorf("list active deployments: %w", err)
	}
	defer rows.Close()

	var out []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetDeploymentStatus transitions the deployment and stamps finished_at on
// terminal states.
func (s *Store) SetDeploymentStatus(ctx context.Context, id string, status DeploymentStatus) error {
	var finishedAt any
	if status.IsTerminal() {
		finishedAt = now()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET status = ?, finished_at = COALESCE(?, finished_at) WHERE id = ?`,
		status, finishedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return grpcutil.ErrorNotFound(fmt.Errorf("deployment %s: not found", id))
	}
	return nil
}

// SetTargetState updates one audit row. The write is unconditional; callers
// own ordering via the per-agent serialization in the protocol engine.
func (s *Store) SetTargetState(ctx context.Context, deploymentID, uid string, state TargetState, detail string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployment_agents SET state = ?, detail = ?, updated_at = ?
		WHERE deployment_id = ? AND instance_uid = ?`,
		state, detail, now(), deploymentID, uid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return grpcutil.ErrorNotFound(fmt.Errorf("deployment %s target %s: not found", deploymentID, uid))
	}
	return nil
}

func scanTarget(row rowScanner) (*DeploymentTarget, error) {
	var t DeploymentTarget
	err := row.Scan(&t.DeploymentID, &t.InstanceUID, &t.OfferedHash, &t.State, &t.Detail, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const targetColumns = `deployment_id, instance_uid, offered_hash, state, detail, updated_at`

// GetTarget returns one audit row.
func (s *Store) GetTarget(ctx context.Context, deploymentID, uid string) (*DeploymentTarget, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM deployment_agents WHERE deployment_id = ? AND instance_uid = ?`,
		deploymentID, uid)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grpcutil.ErrorNotFound(fmt.Errorf("deployment %s target %s: %w", deploymentID, uid, err))
	}
	return t, err
}

// ListTargets returns all audit rows of a deployment, stable order.
func (s *Store) ListTargets(ctx context.Context, deploymentID string) ([]*DeploymentTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+targetColumns+` FROM deployment_agents WHERE deployment_id = ? ORDER BY instance_uid`,
		deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []*DeploymentTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTargetStates tallies the audit rows by state for rollout gating.
func (s *Store) CountTargetStates(ctx context.Context, deploymentID string) (map[TargetState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM deployment_agents WHERE deployment_id = ? GROUP BY state`,
		deploymentID)
	if err != nil {
		return nil, fmt.Errorf("count target states: %w", err)
	}
	defer rows.Close()

	out := map[TargetState]int{}
	for rows.Next() {
		var (
			state TargetState
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

// PendingOfferForAgent resolves which config, if any, should be offered to
// an agent right now: the OFFERED audit row belonging to the newest
// non-terminal deployment that targets the agent. UNSET rows are invisible
// here; the rollout controller flips them to OFFERED when their wave opens,
// which is what keeps later canary waves from leaking early. Later
// deployments win over earlier ones.
func (s *Store) PendingOfferForAgent(ctx context.Context, uid string) (*Deployment, *DeploymentTarget, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+deploymentColumns+`
		FROM deployments d
		JOIN deployment_agents da ON da.deployment_id = d.id
		WHERE da.instance_uid = ?
		  AND da.state IN (?, ?)
		  AND d.status IN (?, ?)
		ORDER BY d.version DESC
		LIMIT 1`,
		uid, TargetOffered, TargetApplying, DeploymentPending, DeploymentInProgress)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, grpcutil.ErrorNotFound(fmt.Errorf("no pending offer for agent %s: %w", uid, err))
	}
	if err != nil {
		return nil, nil, err
	}
	t, err := s.GetTarget(ctx, d.ID, uid)
	if err != nil {
		return nil, nil, err
	}
	return d, t, nil
}

// TargetsForAgentByHash finds the audit rows an acknowledgment should settle:
// every non-terminal deployment that offered exactly this hash to the agent.
// Only rows the agent could legitimately be acting on qualify; FAILED rows
// stay failed (the controller never retries a reported failure) and UNSET
// rows have not been offered yet.
func (s *Store) TargetsForAgentByHash(ctx context.Context, uid, offeredHash string) ([]*DeploymentTarget, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+targetColumns+`
		FROM deployment_agents da
		JOIN deployments d ON d.id = da.deployment_id
		WHERE da.instance_uid = ? AND da.offered_hash = ?
		  AND da.state IN (?, ?, ?)
		  AND d.status IN (?, ?)
		ORDER BY d.version DESC`,
		uid, offeredHash, TargetOffered, TargetApplying, TargetApplied,
		DeploymentPending, DeploymentInProgress)
	if err != nil {
		return nil, fmt.Errorf("targets by hash: %w", err)
	}
	defer rows.Close()

	var out []*DeploymentTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LatestOfferedHash returns the config hash most recently offered to the
// agent across all deployments, or "" when nothing was ever offered. UNSET
// and SKIPPED rows never reached the agent and do not count.
func (s *Store) LatestOfferedHash(ctx context.Context, uid string) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT da.offered_hash
		FROM deployment_agents da
		JOIN deployments d ON d.id = da.deployment_id
		WHERE da.instance_uid = ? AND da.state NOT IN (?, ?)
		ORDER BY d.version DESC
		LIMIT 1`, uid, TargetUnset, TargetSkipped)
	var h string
	err := row.Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return h, err
}

// LatestOfferedDeployment returns the deployment whose config was most
// recently offered to the agent, the full-row sibling of LatestOfferedHash.
func (s *Store) LatestOfferedDeployment(ctx context.Context, uid string) (*Deployment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+deploymentColumns+`
		FROM deployments d
		JOIN deployment_agents da ON da.deployment_id = d.id
		WHERE da.instance_uid = ? AND da.state NOT IN (?, ?)
		ORDER BY d.version DESC
		LIMIT 1`, uid, TargetUnset, TargetSkipped)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grpcutil.ErrorNotFound(fmt.Errorf("no offered config for agent %s: %w", uid, err))
	}
	return d, err
}

// AppliedHistoryEntry pairs an applied deployment with when the agent
// confirmed it.
type AppliedHistoryEntry struct {
	Deployment *Deployment
	AppliedAt  time.Time
}

// AgentConfigHistory lists the deployments an agent has APPLIED, most recent
// acknowledgment first. Rollback walks this to find the prior good config.
func (s *Store) AgentConfigHistory(ctx context.Context, uid string) ([]AppliedHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deploymentColumns+`, da.updated_at
		FROM deployments d
		JOIN deployment_agents da ON da.deployment_id = d.id
		WHERE da.instance_uid = ? AND da.state = ?
		ORDER BY da.updated_at DESC, d.version DESC`,
		uid, TargetApplied)
	if err != nil {
		return nil, fmt.Errorf("agent config history: %w", err)
	}
	defer rows.Close()

	var out []AppliedHistoryEntry
	for rows.Next() {
		var (
			d          Deployment
			selector   string
			rollbackOf sql.NullString
			finishedAt sql.NullTime
			appliedAt  time.Time
		)
		err := rows.Scan(
			&d.ID, &d.OrgID, &d.Name, &d.ConfigYAML, &d.ConfigHash, &d.Version,
			&d.Strategy, &d.CanaryPercent, &d.FailureThresholdPercent, &d.IgnoreFailures,
			&selector, &d.Status, &rollbackOf, &d.CreatedBy, &d.CreatedAt, &finishedAt,
			&appliedAt,
		)
		if err != nil {
			return nil, err
		}
		if rollbackOf.Valid {
			d.RollbackOf = rollbackOf.String
		}
		d.FinishedAt = nullTime(finishedAt)
		if err := json.Unmarshal([]byte(selector), &d.TargetSelector); err != nil {
			return nil, fmt.Errorf("decode target selector: %w", err)
		}
		out = append(out, AppliedHistoryEntry{Deployment: &d, AppliedAt: appliedAt})
	}
	return out, rows.Err()
}

// SupersedeTargets marks the given agents' audit rows SKIPPED because a later
// deployment took over those agents.
func (s *Store) SupersedeTargets(ctx context.Context, deploymentID string, uids []string, byDeploymentID string) error {
	if len(uids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		for _, uid := range uids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE deployment_agents SET state = ?, detail = ?, updated_at = ?
				WHERE deployment_id = ? AND instance_uid = ? AND state IN (?, ?, ?)`,
				TargetSkipped, "superseded by deployment "+byDeploymentID, ts,
				deploymentID, uid, TargetUnset, TargetOffered, TargetApplying,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// ActiveDeploymentsOverlapping returns the org's non-terminal deployments,
// other than excludeID, that still have live audit rows for any of the uids.
func (s *Store) ActiveDeploymentsOverlapping(ctx context.Context, orgID, excludeID string, uids []string) ([]*Deployment, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	set := map[string]*Deployment{}
	for _, uid := range uids {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+deploymentColumns+`
			FROM deployments d
			JOIN deployment_agents da ON da.deployment_id = d.id
			WHERE d.org_id = ? AND d.id != ? AND da.instance_uid = ?
			  AND d.status IN (?, ?)
			  AND da.state IN (?, ?, ?)`,
			orgID, excludeID, uid,
			DeploymentPending, DeploymentInProgress,
			TargetUnset, TargetOffered, TargetApplying)
		if err != nil {
			return nil, fmt.Errorf("overlapping deployments: %w", err)
		}
		for rows.Next() {
			d, err := scanDeployment(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			set[d.ID] = d
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	out := make([]*Deployment, 0, len(set))
	for _, d := range set {
		out = append(out, d)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
