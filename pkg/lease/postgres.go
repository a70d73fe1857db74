package lease

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/pstryder/ledger/pkg/canonicalize"
	"github.com/pstryder/ledger/pkg/receipt"
	"github.com/pstryder/ledger/pkg/task"
)

// pgSchema is executed by ledgerd's startup migration (cmd/ledgerd). Leases are
// transient coordination state but still live in Postgres so a restarted
// ledgerd process and the reaper see the same view as any worker.
const pgSchema = `
CREATE TABLE IF NOT EXISTS leases (
	tenant_id           TEXT NOT NULL,
	lease_id            TEXT NOT NULL,
	task_id             TEXT NOT NULL,
	worker_id           TEXT NOT NULL,
	granted_at          TIMESTAMPTZ NOT NULL,
	expires_at          TIMESTAMPTZ NOT NULL,
	heartbeats          INTEGER NOT NULL,
	status              TEXT NOT NULL,
	accepted_receipt_id TEXT NOT NULL DEFAULT 'NA',
	PRIMARY KEY (tenant_id, lease_id)
);
CREATE INDEX IF NOT EXISTS leases_tenant_task ON leases (tenant_id, task_id);
CREATE INDEX IF NOT EXISTS leases_tenant_active_expiry
	ON leases (tenant_id, expires_at) WHERE status = 'active';
`

// Schema returns the DDL used to provision the leases table.
func Schema() string { return pgSchema }

// PostgresManager is a database/sql + lib/pq backed Manager. Every
// transition runs as a single transaction against tasks, receipts, and
// leases together: the receipt append and the task/lease state change
// commit together or not at all.
type PostgresManager struct {
	db          *sql.DB
	ttl         time.Duration
	maxLifetime time.Duration
}

func NewPostgresManager(db *sql.DB, ttl, maxLifetime time.Duration) *PostgresManager {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if maxLifetime <= 0 {
		maxLifetime = DefaultMaxLifetime
	}
	return &PostgresManager{db: db, ttl: ttl, maxLifetime: maxLifetime}
}

const taskSelectColumns = `
	SELECT tenant_id, task_id, parent_task_id, task_type, task_summary,
		task_body, inputs, recipient_ai, from_principal, for_principal,
		retry_principal, expected_outcome_kind, expected_artifact_mime,
		status, priority, lease_id, worker_id, lease_expires_at,
		attempt, max_attempts, created_at, started_at, completed_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTaskRow(row rowScanner) (*task.Task, error) {
	var t task.Task
	var inputs []byte
	var status string
	var leaseID, workerID sql.NullString

	err := row.Scan(
		&t.TenantID, &t.TaskID, &t.ParentTaskID, &t.TaskType, &t.TaskSummary,
		&t.TaskBody, &inputs, &t.RecipientAI, &t.FromPrincipal, &t.ForPrincipal,
		&t.RetryPrincipal, &t.ExpectedOutcomeKind, &t.ExpectedArtifactMIME,
		&status, &t.Priority, &leaseID, &workerID, &t.LeaseExpiresAt,
		&t.Attempt, &t.MaxAttempts, &t.CreatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.LeaseID = leaseID.String
	t.WorkerID = workerID.String
	if len(inputs) > 0 {
		_ = json.Unmarshal(inputs, &t.Inputs)
	}
	return &t, nil
}

func insertReceiptTx(ctx context.Context, tx *sql.Tx, r *receipt.Receipt) error {
	hash, err := canonicalize.CanonicalHash(r)
	if err != nil {
		return fmt.Errorf("lease: hashing receipt: %w", err)
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("lease: marshaling receipt: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO receipts (
			tenant_id, receipt_id, schema_version, task_id, parent_task_id,
			caused_by_receipt_id, dedupe_key, attempt, from_principal,
			for_principal, source_system, recipient_ai, trust_domain,
			phase, status, realtime, task_type, task_summary, task_body,
			payload, canonical_hash, created_at, stored_at, started_at,
			completed_at, read_at, archived_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)
	`,
		r.TenantID, r.ReceiptID, r.SchemaVersion, r.TaskID, r.ParentTaskID,
		r.CausedByReceiptID, r.DedupeKey, r.Attempt, r.FromPrincipal,
		r.ForPrincipal, r.SourceSystem, r.RecipientAI, r.TrustDomain,
		string(r.Phase), string(r.Status), r.Realtime, r.TaskType, r.TaskSummary, r.TaskBody,
		payload, hash, r.CreatedAt, r.StoredAt, r.StartedAt,
		r.CompletedAt, r.ReadAt, r.ArchivedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("lease: receipt id collision: %w", err)
		}
		return fmt.Errorf("lease: insert receipt: %w", err)
	}
	return nil
}

func (p *PostgresManager) LeaseNext(ctx context.Context, tenantID, workerID string, opts LeaseOptions) (*Lease, *task.Task, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = p.ttl
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("lease: begin tx: %w", err)
	}
	defer tx.Rollback()

	query := taskSelectColumns + ` WHERE tenant_id=$1 AND status='queued'`
	args := []interface{}{tenantID}
	if len(opts.PreferredKinds) > 0 {
		args = append(args, pq.Array(opts.PreferredKinds))
		query += fmt.Sprintf(` AND task_type = ANY($%d)`, len(args))
	}
	query += ` ORDER BY priority DESC, created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`

	t, err := scanTaskRow(tx.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lease: select next task: %w", err)
	}

	leaseID := NewLeaseID()
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status='leased', lease_id=$3, worker_id=$4,
			lease_expires_at=$5, started_at=$6
		WHERE tenant_id=$1 AND task_id=$2
	`, tenantID, t.TaskID, leaseID, workerID, expiresAt, now)
	if err != nil {
		return nil, nil, fmt.Errorf("lease: mark task leased: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO leases (
			tenant_id, lease_id, task_id, worker_id, granted_at,
			expires_at, heartbeats, status, accepted_receipt_id
		) VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8)
	`, tenantID, leaseID, t.TaskID, workerID, now, expiresAt, string(StatusActive), receipt.NAString)
	if err != nil {
		return nil, nil, fmt.Errorf("lease: insert lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("lease: commit: %w", err)
	}

	t.Status = task.StatusLeased
	t.LeaseID = leaseID
	t.WorkerID = workerID
	t.LeaseExpiresAt = &expiresAt
	t.StartedAt = &now

	l := &Lease{
		LeaseID:   leaseID,
		TaskID:    t.TaskID,
		WorkerID:  workerID,
		GrantedAt: now,
		ExpiresAt: expiresAt,
		Status:    StatusActive,
	}
	return l, t, nil
}

func (p *PostgresManager) loadLeaseTx(ctx context.Context, tx *sql.Tx, tenantID, leaseID string) (*Lease, error) {
	var l Lease
	var status string
	row := tx.QueryRowContext(ctx, `
		SELECT lease_id, task_id, worker_id, granted_at, expires_at,
			heartbeats, status, accepted_receipt_id
		FROM leases WHERE tenant_id=$1 AND lease_id=$2 FOR UPDATE
	`, tenantID, leaseID)
	if err := row.Scan(&l.LeaseID, &l.TaskID, &l.WorkerID, &l.GrantedAt,
		&l.ExpiresAt, &l.Heartbeats, &status, &l.AcceptedReceiptID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrLeaseNotOwned
		}
		return nil, fmt.Errorf("lease: load lease: %w", err)
	}
	l.Status = Status(status)
	return &l, nil
}

func (p *PostgresManager) Heartbeat(ctx context.Context, tenantID, leaseID, workerID string) (time.Time, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("lease: begin tx: %w", err)
	}
	defer tx.Rollback()

	l, err := p.loadLeaseTx(ctx, tx, tenantID, leaseID)
	if err != nil {
		return time.Time{}, err
	}
	if l.WorkerID != workerID {
		return time.Time{}, ErrLeaseNotOwned
	}
	if l.Status != StatusActive {
		return time.Time{}, ErrLeaseExpired
	}

	now := time.Now().UTC()
	cap := l.GrantedAt.Add(p.maxLifetime)
	newExpiry := now.Add(p.ttl)
	if newExpiry.After(cap) {
		newExpiry = cap
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE leases SET expires_at=$3, heartbeats=heartbeats+1
		WHERE tenant_id=$1 AND lease_id=$2
	`, tenantID, leaseID, newExpiry); err != nil {
		return time.Time{}, fmt.Errorf("lease: update lease: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET lease_expires_at=$3 WHERE tenant_id=$1 AND task_id=$2
	`, tenantID, l.TaskID, newExpiry); err != nil {
		return time.Time{}, fmt.Errorf("lease: update task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, fmt.Errorf("lease: commit: %w", err)
	}
	return newExpiry, nil
}

func (p *PostgresManager) Complete(ctx context.Context, tenantID, leaseID, workerID string, outcome CompleteOutcome) (*task.Task, *receipt.Receipt, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("lease: begin tx: %w", err)
	}
	defer tx.Rollback()

	l, err := p.loadLeaseTx(ctx, tx, tenantID, leaseID)
	if err != nil {
		return nil, nil, err
	}
	if l.WorkerID != workerID {
		return nil, nil, ErrLeaseNotOwned
	}
	if l.Status != StatusActive {
		return nil, nil, ErrLeaseExpired
	}

	t, err := scanTaskRow(tx.QueryRowContext(ctx, taskSelectColumns+` WHERE tenant_id=$1 AND task_id=$2 FOR UPDATE`, tenantID, l.TaskID))
	if err != nil {
		return nil, nil, fmt.Errorf("lease: load task: %w", err)
	}

	now := time.Now().UTC()
	rec := buildCompleteReceipt(tenantID, t, l, outcome, now)
	if err := receipt.Validate(rec); err != nil {
		return nil, nil, err
	}
	if err := insertReceiptTx(ctx, tx, rec); err != nil {
		return nil, nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status='completed', completed_at=$3,
			lease_id=NULL, worker_id=NULL, lease_expires_at=NULL
		WHERE tenant_id=$1 AND task_id=$2
	`, tenantID, t.TaskID, now); err != nil {
		return nil, nil, fmt.Errorf("lease: mark task completed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE leases SET status='released' WHERE tenant_id=$1 AND lease_id=$2
	`, tenantID, leaseID); err != nil {
		return nil, nil, fmt.Errorf("lease: release lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("lease: commit: %w", err)
	}

	t.Status = task.StatusCompleted
	t.CompletedAt = &now
	t.LeaseID = ""
	t.WorkerID = ""
	t.LeaseExpiresAt = nil
	return t, rec, nil
}

func (p *PostgresManager) Fail(ctx context.Context, tenantID, leaseID, workerID, errorMessage string, retryable bool) (*task.Task, *receipt.Receipt, error) {
	return p.fail(ctx, tenantID, leaseID, workerID, errorMessage, retryable)
}

func (p *PostgresManager) Release(ctx context.Context, tenantID, leaseID, workerID string) (*task.Task, *receipt.Receipt, error) {
	return p.fail(ctx, tenantID, leaseID, workerID, "voluntary_release", true)
}

func (p *PostgresManager) fail(ctx context.Context, tenantID, leaseID, workerID, reason string, retryable bool) (*task.Task, *receipt.Receipt, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("lease: begin tx: %w", err)
	}
	defer tx.Rollback()

	l, err := p.loadLeaseTx(ctx, tx, tenantID, leaseID)
	if err != nil {
		return nil, nil, err
	}
	if l.WorkerID != workerID {
		return nil, nil, ErrLeaseNotOwned
	}
	if l.Status != StatusActive {
		return nil, nil, ErrLeaseExpired
	}

	t, err := scanTaskRow(tx.QueryRowContext(ctx, taskSelectColumns+` WHERE tenant_id=$1 AND task_id=$2 FOR UPDATE`, tenantID, l.TaskID))
	if err != nil {
		return nil, nil, fmt.Errorf("lease: load task: %w", err)
	}

	now := time.Now().UTC()
	rec := buildEscalateReceipt(tenantID, t, l, reason, now)
	if err := receipt.Validate(rec); err != nil {
		return nil, nil, err
	}
	if err := insertReceiptTx(ctx, tx, rec); err != nil {
		return nil, nil, err
	}

	requeue := retryable && t.Attempt+1 < t.MaxAttempts
	if requeue {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status='queued', attempt=attempt+1,
				lease_id=NULL, worker_id=NULL, lease_expires_at=NULL
			WHERE tenant_id=$1 AND task_id=$2
		`, tenantID, t.TaskID)
		t.Attempt++
		t.Status = task.StatusQueued
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status='failed', completed_at=$3,
				lease_id=NULL, worker_id=NULL, lease_expires_at=NULL
			WHERE tenant_id=$1 AND task_id=$2
		`, tenantID, t.TaskID, now)
		t.Status = task.StatusFailed
		t.CompletedAt = &now
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lease: update task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE leases SET status='released' WHERE tenant_id=$1 AND lease_id=$2
	`, tenantID, leaseID); err != nil {
		return nil, nil, fmt.Errorf("lease: release lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("lease: commit: %w", err)
	}

	t.LeaseID = ""
	t.WorkerID = ""
	t.LeaseExpiresAt = nil
	return t, rec, nil
}

// ExpireStaleLeases is called by the reaper. It finds every active lease
// past its expiry for the tenant, emits the policy escalation, and
// requeues or fails the underlying task, one transaction per lease so a
// single bad row never blocks the sweep.
func (p *PostgresManager) ExpireStaleLeases(ctx context.Context, tenantID string, now time.Time) ([]*receipt.Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT lease_id FROM leases
		WHERE tenant_id=$1 AND status='active' AND expires_at < $2
	`, tenantID, now)
	if err != nil {
		return nil, fmt.Errorf("lease: scan expired: %w", err)
	}
	var leaseIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("lease: scan lease id: %w", err)
		}
		leaseIDs = append(leaseIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var emitted []*receipt.Receipt
	for _, leaseID := range leaseIDs {
		rec, err := p.expireOne(ctx, tenantID, leaseID, now)
		if err != nil {
			return emitted, err
		}
		if rec != nil {
			emitted = append(emitted, rec)
		}
	}
	return emitted, nil
}

// ListActiveTenants returns every tenant with at least one active lease,
// for the reaper's sweep.
func (p *PostgresManager) ListActiveTenants(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM leases WHERE status='active'`)
	if err != nil {
		return nil, fmt.Errorf("lease: list active tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, err
		}
		out = append(out, tenantID)
	}
	return out, rows.Err()
}

func (p *PostgresManager) expireOne(ctx context.Context, tenantID, leaseID string, now time.Time) (*receipt.Receipt, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("lease: begin tx: %w", err)
	}
	defer tx.Rollback()

	l, err := p.loadLeaseTx(ctx, tx, tenantID, leaseID)
	if err != nil {
		return nil, err
	}
	if l.Status != StatusActive || !now.After(l.ExpiresAt) {
		return nil, nil // already resolved since the outer scan
	}

	t, err := scanTaskRow(tx.QueryRowContext(ctx, taskSelectColumns+` WHERE tenant_id=$1 AND task_id=$2 FOR UPDATE`, tenantID, l.TaskID))
	if err != nil {
		return nil, fmt.Errorf("lease: load task: %w", err)
	}
	if t.Status != task.StatusLeased || t.LeaseID != leaseID {
		if _, err := tx.ExecContext(ctx, `UPDATE leases SET status='expired' WHERE tenant_id=$1 AND lease_id=$2`, tenantID, leaseID); err != nil {
			return nil, err
		}
		return nil, tx.Commit()
	}

	rec := buildEscalateReceipt(tenantID, t, l, "lease_expired", now)
	if err := receipt.Validate(rec); err != nil {
		return nil, err
	}
	if err := insertReceiptTx(ctx, tx, rec); err != nil {
		return nil, err
	}

	requeue := t.Attempt+1 < t.MaxAttempts
	if requeue {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status='queued', attempt=attempt+1,
				lease_id=NULL, worker_id=NULL, lease_expires_at=NULL
			WHERE tenant_id=$1 AND task_id=$2
		`, tenantID, t.TaskID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status='failed',
				lease_id=NULL, worker_id=NULL, lease_expires_at=NULL
			WHERE tenant_id=$1 AND task_id=$2
		`, tenantID, t.TaskID)
	}
	if err != nil {
		return nil, fmt.Errorf("lease: update task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE leases SET status='expired' WHERE tenant_id=$1 AND lease_id=$2`, tenantID, leaseID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("lease: commit: %w", err)
	}
	return rec, nil
}
