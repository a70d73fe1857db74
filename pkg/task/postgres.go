package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// pgSchema is executed by ledgerd's startup migration (cmd/ledgerd).
const pgSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	tenant_id              TEXT NOT NULL,
	task_id                TEXT NOT NULL,
	parent_task_id         TEXT NOT NULL,
	task_type              TEXT NOT NULL,
	task_summary           TEXT NOT NULL,
	task_body              TEXT NOT NULL,
	inputs                 JSONB,
	recipient_ai           TEXT NOT NULL,
	from_principal         TEXT NOT NULL,
	for_principal          TEXT NOT NULL,
	retry_principal        TEXT NOT NULL,
	expected_outcome_kind  TEXT NOT NULL,
	expected_artifact_mime TEXT NOT NULL,
	status                 TEXT NOT NULL,
	priority               INTEGER NOT NULL,
	lease_id               TEXT,
	worker_id              TEXT,
	lease_expires_at       TIMESTAMPTZ,
	attempt                INTEGER NOT NULL,
	max_attempts           INTEGER NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL,
	started_at             TIMESTAMPTZ,
	completed_at           TIMESTAMPTZ,
	PRIMARY KEY (tenant_id, task_id)
);
CREATE INDEX IF NOT EXISTS tasks_queue_order
	ON tasks (tenant_id, priority DESC, created_at ASC) WHERE status = 'queued';
CREATE INDEX IF NOT EXISTS tasks_leased_expiry
	ON tasks (tenant_id, lease_expires_at) WHERE status = 'leased';
`

// Schema returns the DDL used to provision the tasks table.
func Schema() string { return pgSchema }

// PostgresStore is a database/sql + lib/pq backed Store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Submit(ctx context.Context, t *Task) error {
	inputs, err := json.Marshal(t.Inputs)
	if err != nil {
		return fmt.Errorf("task: marshal inputs: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tasks (
			tenant_id, task_id, parent_task_id, task_type, task_summary,
			task_body, inputs, recipient_ai, from_principal, for_principal,
			retry_principal, expected_outcome_kind, expected_artifact_mime,
			status, priority, attempt, max_attempts, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`,
		t.TenantID, t.TaskID, t.ParentTaskID, t.TaskType, t.TaskSummary,
		t.TaskBody, inputs, t.RecipientAI, t.FromPrincipal, t.ForPrincipal,
		t.RetryPrincipal, t.ExpectedOutcomeKind, t.ExpectedArtifactMIME,
		string(t.Status), t.Priority, t.Attempt, t.MaxAttempts, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("task: submit: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, tenantID, taskID string) (*Task, error) {
	row := p.db.QueryRowContext(ctx, selectColumns+` WHERE tenant_id=$1 AND task_id=$2`, tenantID, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) List(ctx context.Context, tenantID string, filter ListFilter) ([]*Task, error) {
	query := selectColumns + ` WHERE tenant_id=$1`
	args := []interface{}{tenantID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status=$%d`, len(args))
	}
	if filter.RecipientAI != "" {
		args = append(args, filter.RecipientAI)
		query += fmt.Sprintf(` AND recipient_ai=$%d`, len(args))
	}
	query += ` ORDER BY priority DESC, created_at ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("task: list: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const selectColumns = `
	SELECT tenant_id, task_id, parent_task_id, task_type, task_summary,
		task_body, inputs, recipient_ai, from_principal, for_principal,
		retry_principal, expected_outcome_kind, expected_artifact_mime,
		status, priority, lease_id, worker_id, lease_expires_at,
		attempt, max_attempts, created_at, started_at, completed_at
	FROM tasks`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*Task, error) {
	return scanTaskRows(row)
}

func scanTaskRows(row scanner) (*Task, error) {
	var t Task
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
	t.Status = Status(status)
	t.LeaseID = leaseID.String
	t.WorkerID = workerID.String
	if len(inputs) > 0 {
		_ = json.Unmarshal(inputs, &t.Inputs)
	}
	return &t, nil
}
