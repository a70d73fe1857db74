package task

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a task lookup finds nothing under the
// given tenant.
var ErrNotFound = errors.New("task: not found")

// ListFilter narrows List to a subset of a tenant's tasks.
type ListFilter struct {
	Status      Status // zero value means any status
	RecipientAI string // empty means any recipient
	Limit       int
}

// Store is the task queue's persistence contract. Lease grants and
// transitions are performed by pkg/lease, which takes a Store and uses
// the same underlying table under stronger locking guarantees; Store
// itself only covers intake and plain reads.
type Store interface {
	// Submit persists a new task in the queued state.
	Submit(ctx context.Context, t *Task) error

	// Get fetches a single task by id, scoped to tenant.
	Get(ctx context.Context, tenantID, taskID string) (*Task, error)

	// List returns tasks matching filter, ordered by (priority DESC,
	// created_at ASC) — the same order lease_next dispenses in.
	List(ctx context.Context, tenantID string, filter ListFilter) ([]*Task, error)
}
