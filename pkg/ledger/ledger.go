// Package ledger implements the tenant-scoped, append-only receipt store.
// A receipt, once appended, is never updated or deleted — the only
// mutation the store permits is setting archived_at, which hides a
// receipt from inbox queries without touching its content.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/pstryder/ledger/pkg/receipt"
)

// ErrNotFound is returned when a lookup finds no matching receipt.
var ErrNotFound = errors.New("ledger: receipt not found")

// ErrDuplicateConflict is returned when a receipt_id or dedupe_key already
// exists in the ledger under a different payload. A resubmission carrying
// an identical canonical payload is NOT an error — see Append.
var ErrDuplicateConflict = errors.New("ledger: receipt_id or dedupe_key already used with a different payload")

// AppendResult reports whether Append created a new receipt or matched an
// existing one via idempotent replay.
type AppendResult struct {
	Receipt  *receipt.Receipt
	Replayed bool
}

// Ledger is the append-only, tenant-scoped receipt store.
type Ledger interface {
	// Append stores a new receipt under the given tenant. If a receipt
	// already exists with the same (tenant_id, receipt_id) or the same
	// (tenant_id, dedupe_key) where dedupe_key != "NA", Append compares
	// the canonical hash of the incoming payload against the stored one:
	// identical payloads return the existing receipt with Replayed=true;
	// differing payloads return ErrDuplicateConflict.
	Append(ctx context.Context, r *receipt.Receipt) (*AppendResult, error)

	// Get fetches a single receipt by id, scoped to tenant.
	Get(ctx context.Context, tenantID, receiptID string) (*receipt.Receipt, error)

	// ListByTask returns every receipt for a task_id, ordered by creation
	// (stored_at) ascending — the task's timeline.
	ListByTask(ctx context.Context, tenantID, taskID string) ([]*receipt.Receipt, error)

	// ListInbox returns unarchived accepted-phase receipts addressed to
	// recipientAI, newest first: the set of open obligations still
	// awaiting that principal's action. Archiving (see Archive) is the
	// only way a receipt leaves this view.
	ListInbox(ctx context.Context, tenantID, recipientAI string, limit int) ([]*receipt.Receipt, error)

	// Archive stamps archived_at on a receipt, idempotently. Content is
	// never touched; archiving only removes the receipt from ListInbox.
	Archive(ctx context.Context, tenantID, receiptID string, at time.Time) error

	// CausedBy returns the receipts directly caused by receiptID (the
	// immediate next hop in a provenance chain), newest first.
	CausedBy(ctx context.Context, tenantID, receiptID string) ([]*receipt.Receipt, error)

	// ListByParentTask returns receipts whose parent_task_id matches —
	// the delegation tree rooted at a task.
	ListByParentTask(ctx context.Context, tenantID, parentTaskID string) ([]*receipt.Receipt, error)
}
