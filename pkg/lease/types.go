// Package lease implements the Lease Manager: linearizable lease grants,
// heartbeat renewal, and the terminal transitions (complete/fail/release)
// that move a task out of the leased state. Every transition that ends a
// lease also appends the receipt that explains why, atomically with the
// task state change.
package lease

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pstryder/ledger/pkg/receipt"
	"github.com/pstryder/ledger/pkg/task"
)

// Status is a lease's own transient state, never persisted as a receipt.
type Status string

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusExpired  Status = "expired"
)

var (
	ErrLeaseExpired  = errors.New("lease: expired")
	ErrLeaseNotOwned = errors.New("lease: not owned by this worker")
	ErrLeaseReleased = errors.New("lease: already released")
	ErrEmptyQueue    = errors.New("lease: no queued task available")
)

// Lease is the transient coordination record granted to a worker. It is
// never written to the ledger; only the complete/escalate receipts a
// lease's transitions produce are durable.
type Lease struct {
	LeaseID    string    `json:"lease_id"`
	TaskID     string    `json:"task_id"`
	WorkerID   string    `json:"worker_id"`
	GrantedAt  time.Time `json:"granted_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Heartbeats int       `json:"heartbeats"`
	Status     Status    `json:"status"`

	// AcceptedReceiptID is never filled in: lease_next emits no receipt
	// (the offer is transient), and a worker's own accepted receipt sent
	// via submit_receipt is not linked back to its lease. Complete/Fail
	// copy it into caused_by_receipt_id, which therefore reads "NA".
	AcceptedReceiptID string `json:"accepted_receipt_id"`
}

// LeaseOptions parameterizes lease_next. Capabilities is accepted for
// protocol compatibility but not matched against anything, and MaxTasks
// is not read: each call leases at most one task, in queue order.
// PreferredKinds, when set, narrows the pick by task_type: PostgresManager
// only considers tasks of a listed kind, while MemoryManager takes the
// first listed-kind task and falls back to the queue head when none
// matches (see DESIGN.md).
type LeaseOptions struct {
	Capabilities   []string
	PreferredKinds []string
	MaxTasks       int
	TTL            time.Duration
}

// Manager is the Lease Manager's contract. All operations are
// tenant-scoped and all mutate at most one task row per call.
type Manager interface {
	// LeaseNext grants a lease on the next eligible queued task for the
	// tenant. Returns (nil, nil, nil) when the queue has nothing to
	// offer right now — an empty queue is not an error.
	LeaseNext(ctx context.Context, tenantID, workerID string, opts LeaseOptions) (*Lease, *task.Task, error)

	// Heartbeat extends an active lease by its TTL from now, capped by
	// the configured max lease lifetime from GrantedAt.
	Heartbeat(ctx context.Context, tenantID, leaseID, workerID string) (time.Time, error)

	// Complete validates and appends a complete receipt, then flips the
	// task to completed and releases the lease, atomically.
	Complete(ctx context.Context, tenantID, leaseID, workerID string, outcome CompleteOutcome) (*task.Task, *receipt.Receipt, error)

	// Fail emits an escalate receipt and either requeues the task
	// (attempt+1 < max_attempts and retryable) or marks it failed.
	Fail(ctx context.Context, tenantID, leaseID, workerID, errorMessage string, retryable bool) (*task.Task, *receipt.Receipt, error)

	// Release is a voluntary cancellation; same retry policy as Fail
	// with reason "voluntary_release".
	Release(ctx context.Context, tenantID, leaseID, workerID string) (*task.Task, *receipt.Receipt, error)
}

// Expirer is implemented by both Manager backends. It is split out from
// Manager because only the reaper needs it; workers never call it.
type Expirer interface {
	// ListActiveTenants returns every tenant with at least one active
	// lease outstanding, so the reaper knows who to sweep.
	ListActiveTenants(ctx context.Context) ([]string, error)

	// ExpireStaleLeases finds active leases past expiry for tenantID,
	// emits a policy escalation for each, and requeues or fails the
	// underlying task per the same attempt-count policy as Fail.
	ExpireStaleLeases(ctx context.Context, tenantID string, now time.Time) ([]*receipt.Receipt, error)
}

// CompleteOutcome carries the fields needed to build the complete
// receipt's outcome payload.
type CompleteOutcome struct {
	Status            receipt.Status
	OutcomeKind       receipt.OutcomeKind
	OutcomeText       string
	ArtifactLocation  string
	ArtifactPointer   string
	ArtifactChecksum  string
	ArtifactSizeBytes int64
	ArtifactMIME      string
}

const (
	DefaultLeaseTTL     = 900 * time.Second
	DefaultMaxLifetime  = 2 * time.Hour
)

// escalationClassForReason derives an escalation class from a worker's
// freeform failure reason. The reaper's fixed reasons ("lease_expired",
// "reaper_malformed") match exactly and map to policy; Release's
// "voluntary_release" contains no keyword and maps to other. Other
// reasons are matched by keyword, falling back to "other" when nothing
// recognizable is present.
func escalationClassForReason(reason string) receipt.EscalationClass {
	lower := strings.ToLower(reason)
	switch {
	case reason == "lease_expired" || reason == "reaper_malformed" || strings.Contains(lower, "polic"):
		return receipt.EscalationPolicy
	case strings.Contains(lower, "capabilit") || strings.Contains(lower, "gpu") || strings.Contains(lower, "tool"):
		return receipt.EscalationCapability
	case strings.Contains(lower, "trust"):
		return receipt.EscalationTrust
	case strings.Contains(lower, "scope") || strings.Contains(lower, "permission"):
		return receipt.EscalationScope
	case strings.Contains(lower, "owner"):
		return receipt.EscalationOwner
	default:
		return receipt.EscalationOther
	}
}

// NewLeaseID mints a "lease-" prefixed ULID, matching the wire protocol.
func NewLeaseID() string {
	return "lease-" + newULID()
}
