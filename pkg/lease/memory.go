package lease

import (
	"context"
	"sync"
	"time"

	"github.com/pstryder/ledger/pkg/ledger"
	"github.com/pstryder/ledger/pkg/receipt"
	"github.com/pstryder/ledger/pkg/task"
)

// MemoryManager is an in-process Manager for tests and local development.
// It coordinates a task.MemoryStore and a ledger.Ledger under a single
// mutex, giving it the same atomicity guarantee a single-node Postgres
// transaction gives PostgresManager.
type MemoryManager struct {
	mu          sync.Mutex
	store       *task.MemoryStore
	ledger      ledger.Ledger
	leases      map[string]map[string]*Lease // tenant -> lease_id -> lease
	ttl         time.Duration
	maxLifetime time.Duration
}

func NewMemoryManager(store *task.MemoryStore, l ledger.Ledger, ttl, maxLifetime time.Duration) *MemoryManager {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if maxLifetime <= 0 {
		maxLifetime = DefaultMaxLifetime
	}
	return &MemoryManager{
		store:       store,
		ledger:      l,
		leases:      make(map[string]map[string]*Lease),
		ttl:         ttl,
		maxLifetime: maxLifetime,
	}
}

func (m *MemoryManager) LeaseNext(ctx context.Context, tenantID, workerID string, opts LeaseOptions) (*Lease, *task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates, err := m.store.List(ctx, tenantID, task.ListFilter{Status: task.StatusQueued})
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}
	chosen := candidates[0]
	if len(opts.PreferredKinds) > 0 {
		for _, c := range candidates {
			if containsString(opts.PreferredKinds, c.TaskType) {
				chosen = c
				break
			}
		}
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	l := &Lease{
		LeaseID:   NewLeaseID(),
		TaskID:    chosen.TaskID,
		WorkerID:  workerID,
		GrantedAt: now,
		ExpiresAt: expiresAt,
		Status:    StatusActive,
	}

	err = m.store.Mutate(tenantID, chosen.TaskID, func(t *task.Task) error {
		if t.Status != task.StatusQueued {
			return ErrEmptyQueue
		}
		t.Status = task.StatusLeased
		t.LeaseID = l.LeaseID
		t.WorkerID = workerID
		t.LeaseExpiresAt = &expiresAt
		t.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	tenant := m.leases[tenantID]
	if tenant == nil {
		tenant = make(map[string]*Lease)
		m.leases[tenantID] = tenant
	}
	tenant[l.LeaseID] = l

	updated, err := m.store.Get(ctx, tenantID, chosen.TaskID)
	if err != nil {
		return nil, nil, err
	}
	leaseCopy := *l
	return &leaseCopy, updated, nil
}

func (m *MemoryManager) Heartbeat(ctx context.Context, tenantID, leaseID, workerID string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.getLease(tenantID, leaseID)
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
	cap := l.GrantedAt.Add(m.maxLifetime)
	newExpiry := now.Add(m.ttl)
	if newExpiry.After(cap) {
		newExpiry = cap
	}
	l.ExpiresAt = newExpiry
	l.Heartbeats++

	err = m.store.Mutate(tenantID, l.TaskID, func(t *task.Task) error {
		t.LeaseExpiresAt = &newExpiry
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return newExpiry, nil
}

func (m *MemoryManager) Complete(ctx context.Context, tenantID, leaseID, workerID string, outcome CompleteOutcome) (*task.Task, *receipt.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.getLease(tenantID, leaseID)
	if err != nil {
		return nil, nil, err
	}
	if l.WorkerID != workerID {
		return nil, nil, ErrLeaseNotOwned
	}
	if l.Status != StatusActive {
		return nil, nil, ErrLeaseExpired
	}

	t, err := m.store.Get(ctx, tenantID, l.TaskID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	rec := buildCompleteReceipt(tenantID, t, l, outcome, now)
	if err := receipt.Validate(rec); err != nil {
		return nil, nil, err
	}
	res, err := m.ledger.Append(ctx, rec)
	if err != nil {
		return nil, nil, err
	}

	err = m.store.Mutate(tenantID, l.TaskID, func(tt *task.Task) error {
		tt.Status = task.StatusCompleted
		tt.CompletedAt = &now
		tt.LeaseID = ""
		tt.WorkerID = ""
		tt.LeaseExpiresAt = nil
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	l.Status = StatusReleased

	updated, err := m.store.Get(ctx, tenantID, l.TaskID)
	return updated, res.Receipt, err
}

func (m *MemoryManager) Fail(ctx context.Context, tenantID, leaseID, workerID, errorMessage string, retryable bool) (*task.Task, *receipt.Receipt, error) {
	return m.fail(ctx, tenantID, leaseID, workerID, errorMessage, retryable)
}

func (m *MemoryManager) Release(ctx context.Context, tenantID, leaseID, workerID string) (*task.Task, *receipt.Receipt, error) {
	return m.fail(ctx, tenantID, leaseID, workerID, "voluntary_release", true)
}

func (m *MemoryManager) fail(ctx context.Context, tenantID, leaseID, workerID, reason string, retryable bool) (*task.Task, *receipt.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.getLease(tenantID, leaseID)
	if err != nil {
		return nil, nil, err
	}
	if l.WorkerID != workerID {
		return nil, nil, ErrLeaseNotOwned
	}
	if l.Status != StatusActive {
		return nil, nil, ErrLeaseExpired
	}

	t, err := m.store.Get(ctx, tenantID, l.TaskID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	rec := buildEscalateReceipt(tenantID, t, l, reason, now)
	if err := receipt.Validate(rec); err != nil {
		return nil, nil, err
	}
	res, err := m.ledger.Append(ctx, rec)
	if err != nil {
		return nil, nil, err
	}

	requeue := retryable && t.Attempt+1 < t.MaxAttempts
	err = m.store.Mutate(tenantID, l.TaskID, func(tt *task.Task) error {
		if requeue {
			tt.Attempt++
			tt.Status = task.StatusQueued
		} else {
			tt.Status = task.StatusFailed
			tt.CompletedAt = &now
		}
		tt.LeaseID = ""
		tt.WorkerID = ""
		tt.LeaseExpiresAt = nil
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	l.Status = StatusReleased

	updated, err := m.store.Get(ctx, tenantID, l.TaskID)
	return updated, res.Receipt, err
}

func (m *MemoryManager) getLease(tenantID, leaseID string) (*Lease, error) {
	tenant := m.leases[tenantID]
	if tenant == nil {
		return nil, ErrLeaseNotOwned
	}
	l, ok := tenant[leaseID]
	if !ok {
		return nil, ErrLeaseNotOwned
	}
	return l, nil
}

// ExpireStaleLeases is called by the reaper. It scans this tenant's
// active leases for ones past ExpiresAt, marks them expired, and emits
// the policy escalation on the caller's behalf. It returns the receipts
// emitted, one per expired lease.
func (m *MemoryManager) ExpireStaleLeases(ctx context.Context, tenantID string, now time.Time) ([]*receipt.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var emitted []*receipt.Receipt
	for _, l := range m.leases[tenantID] {
		if l.Status != StatusActive || !now.After(l.ExpiresAt) {
			continue
		}
		t, err := m.store.Get(ctx, tenantID, l.TaskID)
		if err != nil {
			continue // task gone; nothing to reconcile
		}
		if t.Status != task.StatusLeased || t.LeaseID != l.LeaseID {
			l.Status = StatusExpired
			continue // already resolved by a late complete/fail
		}

		rec := buildEscalateReceipt(tenantID, t, l, "lease_expired", now)
		if err := receipt.Validate(rec); err != nil {
			return emitted, err
		}
		res, err := m.ledger.Append(ctx, rec)
		if err != nil {
			return emitted, err
		}

		requeue := t.Attempt+1 < t.MaxAttempts
		_ = m.store.Mutate(tenantID, l.TaskID, func(tt *task.Task) error {
			if requeue {
				tt.Attempt++
				tt.Status = task.StatusQueued
			} else {
				tt.Status = task.StatusFailed
			}
			tt.LeaseID = ""
			tt.WorkerID = ""
			tt.LeaseExpiresAt = nil
			return nil
		})
		l.Status = StatusExpired
		emitted = append(emitted, res.Receipt)
	}
	return emitted, nil
}

// ListActiveTenants returns every tenant with at least one active lease,
// for the reaper's sweep.
func (m *MemoryManager) ListActiveTenants(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for tenantID, leases := range m.leases {
		for _, l := range leases {
			if l.Status == StatusActive {
				out = append(out, tenantID)
				break
			}
		}
	}
	return out, nil
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
