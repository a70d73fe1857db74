package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pstryder/ledger/pkg/canonicalize"
	"github.com/pstryder/ledger/pkg/receipt"
)

// MemoryLedger is an in-process Ledger used by tests and local development.
// It is not suitable for production: state is lost on restart and there is
// no cross-process locking.
type MemoryLedger struct {
	mu         sync.Mutex
	byTenant   map[string]map[string]*receipt.Receipt // tenant -> receipt_id -> receipt
	dedupeHash map[string]map[string]string            // tenant -> dedupe_key -> canonical hash
	dedupeID   map[string]map[string]string            // tenant -> dedupe_key -> receipt_id
}

// NewMemoryLedger constructs an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byTenant:   make(map[string]map[string]*receipt.Receipt),
		dedupeHash: make(map[string]map[string]string),
		dedupeID:   make(map[string]map[string]string),
	}
}

func (m *MemoryLedger) Append(ctx context.Context, r *receipt.Receipt) (*AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tenant := m.byTenant[r.TenantID]
	if tenant == nil {
		tenant = make(map[string]*receipt.Receipt)
		m.byTenant[r.TenantID] = tenant
	}

	hash, err := canonicalize.CanonicalHash(r)
	if err != nil {
		return nil, err
	}

	if existing, ok := tenant[r.ReceiptID]; ok {
		existingHash, _ := canonicalize.CanonicalHash(existing)
		if existingHash == hash {
			return &AppendResult{Receipt: existing, Replayed: true}, nil
		}
		return nil, ErrDuplicateConflict
	}

	if r.DedupeKey != "" && r.DedupeKey != receipt.NAString {
		dh := m.dedupeHash[r.TenantID]
		di := m.dedupeID[r.TenantID]
		if dh == nil {
			dh = make(map[string]string)
			m.dedupeHash[r.TenantID] = dh
		}
		if di == nil {
			di = make(map[string]string)
			m.dedupeID[r.TenantID] = di
		}
		if prevHash, ok := dh[r.DedupeKey]; ok {
			if prevHash == hash {
				return &AppendResult{Receipt: tenant[di[r.DedupeKey]], Replayed: true}, nil
			}
			return nil, ErrDuplicateConflict
		}
		dh[r.DedupeKey] = hash
		di[r.DedupeKey] = r.ReceiptID
	}

	cp := *r
	tenant[r.ReceiptID] = &cp
	return &AppendResult{Receipt: &cp, Replayed: false}, nil
}

func (m *MemoryLedger) Get(ctx context.Context, tenantID, receiptID string) (*receipt.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tenant := m.byTenant[tenantID]
	if tenant == nil {
		return nil, ErrNotFound
	}
	r, ok := tenant[receiptID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryLedger) ListByTask(ctx context.Context, tenantID, taskID string) ([]*receipt.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*receipt.Receipt
	for _, r := range m.byTenant[tenantID] {
		if r.TaskID == taskID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return storedAtOf(out[i]).Before(storedAtOf(out[j]))
	})
	return out, nil
}

func (m *MemoryLedger) ListInbox(ctx context.Context, tenantID, recipientAI string, limit int) ([]*receipt.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*receipt.Receipt
	for _, r := range m.byTenant[tenantID] {
		if r.RecipientAI != recipientAI {
			continue
		}
		if r.Phase != receipt.PhaseAccepted {
			continue
		}
		if r.ArchivedAt != nil {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return storedAtOf(out[i]).After(storedAtOf(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryLedger) Archive(ctx context.Context, tenantID, receiptID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tenant := m.byTenant[tenantID]
	if tenant == nil {
		return ErrNotFound
	}
	r, ok := tenant[receiptID]
	if !ok {
		return ErrNotFound
	}
	if r.ArchivedAt == nil {
		stamped := at
		r.ArchivedAt = &stamped
	}
	return nil
}

func (m *MemoryLedger) CausedBy(ctx context.Context, tenantID, receiptID string) ([]*receipt.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*receipt.Receipt
	for _, r := range m.byTenant[tenantID] {
		if r.CausedByReceiptID == receiptID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return storedAtOf(out[i]).After(storedAtOf(out[j]))
	})
	return out, nil
}

func (m *MemoryLedger) ListByParentTask(ctx context.Context, tenantID, parentTaskID string) ([]*receipt.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*receipt.Receipt
	for _, r := range m.byTenant[tenantID] {
		if r.ParentTaskID == parentTaskID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return storedAtOf(out[i]).After(storedAtOf(out[j]))
	})
	return out, nil
}

func storedAtOf(r *receipt.Receipt) time.Time {
	if r.StoredAt != nil {
		return *r.StoredAt
	}
	return time.Time{}
}
