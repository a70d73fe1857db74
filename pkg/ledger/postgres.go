package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/pstryder/ledger/pkg/canonicalize"
	"github.com/pstryder/ledger/pkg/receipt"
)

// pgSchema is executed by ledgerd's startup migration (cmd/ledgerd). Kept here so
// the shape of the table is grounded next to the queries that use it.
const pgSchema = `
CREATE TABLE IF NOT EXISTS receipts (
	tenant_id            TEXT NOT NULL,
	receipt_id           TEXT NOT NULL,
	schema_version       TEXT NOT NULL,
	task_id              TEXT NOT NULL,
	parent_task_id       TEXT NOT NULL,
	caused_by_receipt_id TEXT NOT NULL,
	dedupe_key           TEXT NOT NULL,
	attempt              INTEGER NOT NULL,
	from_principal       TEXT NOT NULL,
	for_principal        TEXT NOT NULL,
	source_system        TEXT NOT NULL,
	recipient_ai         TEXT NOT NULL,
	trust_domain         TEXT NOT NULL,
	phase                TEXT NOT NULL,
	status               TEXT NOT NULL,
	realtime             BOOLEAN NOT NULL,
	task_type            TEXT NOT NULL,
	task_summary         TEXT NOT NULL,
	task_body            TEXT NOT NULL,
	payload              JSONB NOT NULL,
	canonical_hash       TEXT NOT NULL,
	created_at           TIMESTAMPTZ,
	stored_at            TIMESTAMPTZ NOT NULL,
	started_at           TIMESTAMPTZ,
	completed_at         TIMESTAMPTZ,
	read_at              TIMESTAMPTZ,
	archived_at          TIMESTAMPTZ,
	PRIMARY KEY (tenant_id, receipt_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS receipts_tenant_dedupe_key
	ON receipts (tenant_id, dedupe_key) WHERE dedupe_key <> 'NA';
CREATE INDEX IF NOT EXISTS receipts_tenant_task ON receipts (tenant_id, task_id, stored_at);
CREATE INDEX IF NOT EXISTS receipts_tenant_inbox
	ON receipts (tenant_id, recipient_ai, stored_at DESC)
	WHERE phase = 'accepted' AND archived_at IS NULL;
CREATE INDEX IF NOT EXISTS receipts_tenant_causedby ON receipts (tenant_id, caused_by_receipt_id);
`

// PostgresLedger is a database/sql + lib/pq backed Ledger.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger wraps an already-opened *sql.DB.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Schema returns the DDL used to provision the receipts table, for use by
// migration tooling or test harnesses that stand up a scratch database.
func Schema() string { return pgSchema }

func (p *PostgresLedger) Append(ctx context.Context, r *receipt.Receipt) (*AppendResult, error) {
	hash, err := canonicalize.CanonicalHash(r)
	if err != nil {
		return nil, fmt.Errorf("ledger: hashing receipt: %w", err)
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshaling receipt: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback()

	if existing, replay, err := p.findConflict(ctx, tx, r, hash); err != nil {
		return nil, err
	} else if existing != nil {
		if replay {
			return &AppendResult{Receipt: existing, Replayed: true}, tx.Commit()
		}
		return nil, ErrDuplicateConflict
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
			// Lost the race to a concurrent insert of the same receipt_id
			// or dedupe_key. Whoever won determines idempotent-replay vs
			// conflict; the caller can retry Append to discover which.
			return nil, ErrDuplicateConflict
		}
		return nil, fmt.Errorf("ledger: insert receipt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit: %w", err)
	}
	return &AppendResult{Receipt: r, Replayed: false}, nil
}

// findConflict checks whether the incoming receipt collides with an
// existing one on (tenant_id, receipt_id) or (tenant_id, dedupe_key).
// It returns (existing, true, nil) when the collision is an identical
// replay, (existing, false, nil) when it's a genuine conflict, and
// (nil, false, nil) when there is no collision at all.
func (p *PostgresLedger) findConflict(ctx context.Context, tx *sql.Tx, r *receipt.Receipt, hash string) (*receipt.Receipt, bool, error) {
	existing, existingHash, err := p.loadByID(ctx, tx, r.TenantID, r.ReceiptID)
	if err != nil && err != ErrNotFound {
		return nil, false, err
	}
	if existing != nil {
		return existing, existingHash == hash, nil
	}

	if r.DedupeKey == "" || r.DedupeKey == receipt.NAString {
		return nil, false, nil
	}
	existing, existingHash, err = p.loadByDedupeKey(ctx, tx, r.TenantID, r.DedupeKey)
	if err != nil && err != ErrNotFound {
		return nil, false, err
	}
	if existing != nil {
		return existing, existingHash == hash, nil
	}
	return nil, false, nil
}

func (p *PostgresLedger) loadByID(ctx context.Context, tx *sql.Tx, tenantID, receiptID string) (*receipt.Receipt, string, error) {
	row := tx.QueryRowContext(ctx, `SELECT payload, canonical_hash FROM receipts WHERE tenant_id=$1 AND receipt_id=$2`, tenantID, receiptID)
	return scanPayloadRow(row)
}

func (p *PostgresLedger) loadByDedupeKey(ctx context.Context, tx *sql.Tx, tenantID, dedupeKey string) (*receipt.Receipt, string, error) {
	row := tx.QueryRowContext(ctx, `SELECT payload, canonical_hash FROM receipts WHERE tenant_id=$1 AND dedupe_key=$2`, tenantID, dedupeKey)
	return scanPayloadRow(row)
}

func scanPayloadRow(row *sql.Row) (*receipt.Receipt, string, error) {
	var payload []byte
	var hash string
	if err := row.Scan(&payload, &hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	var r receipt.Receipt
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, "", fmt.Errorf("ledger: unmarshal stored receipt: %w", err)
	}
	return &r, hash, nil
}

func (p *PostgresLedger) Get(ctx context.Context, tenantID, receiptID string) (*receipt.Receipt, error) {
	row := p.db.QueryRowContext(ctx, `SELECT payload FROM receipts WHERE tenant_id=$1 AND receipt_id=$2`, tenantID, receiptID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ledger: get: %w", err)
	}
	var r receipt.Receipt
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("ledger: unmarshal: %w", err)
	}
	return &r, nil
}

func (p *PostgresLedger) ListByTask(ctx context.Context, tenantID, taskID string) ([]*receipt.Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT payload FROM receipts
		WHERE tenant_id=$1 AND task_id=$2
		ORDER BY stored_at ASC
	`, tenantID, taskID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list by task: %w", err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

func (p *PostgresLedger) ListInbox(ctx context.Context, tenantID, recipientAI string, limit int) ([]*receipt.Receipt, error) {
	query := `SELECT payload FROM receipts WHERE tenant_id=$1 AND recipient_ai=$2 AND phase='accepted' AND archived_at IS NULL`
	args := []interface{}{tenantID, recipientAI}
	query += ` ORDER BY stored_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list inbox: %w", err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

func (p *PostgresLedger) Archive(ctx context.Context, tenantID, receiptID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE receipts SET archived_at=$3
		WHERE tenant_id=$1 AND receipt_id=$2 AND archived_at IS NULL
	`, tenantID, receiptID, at)
	if err != nil {
		return fmt.Errorf("ledger: archive: %w", err)
	}
	return nil
}

func (p *PostgresLedger) CausedBy(ctx context.Context, tenantID, receiptID string) ([]*receipt.Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT payload FROM receipts
		WHERE tenant_id=$1 AND caused_by_receipt_id=$2
		ORDER BY stored_at DESC
	`, tenantID, receiptID)
	if err != nil {
		return nil, fmt.Errorf("ledger: caused_by: %w", err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

func (p *PostgresLedger) ListByParentTask(ctx context.Context, tenantID, parentTaskID string) ([]*receipt.Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT payload FROM receipts
		WHERE tenant_id=$1 AND parent_task_id=$2
		ORDER BY stored_at DESC
	`, tenantID, parentTaskID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list by parent task: %w", err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

func scanReceipts(rows *sql.Rows) ([]*receipt.Receipt, error) {
	var out []*receipt.Receipt
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		var r receipt.Receipt
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("ledger: unmarshal: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
