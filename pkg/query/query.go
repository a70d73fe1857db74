// Package query implements the derived-state reads that let clients
// reconstruct task status, inbox contents, delegation trees, and
// provenance chains from nothing but the receipts in the ledger. No
// function here writes anything; they differ from pkg/ledger's own
// accessors only in combining or bounding what the ledger returns.
package query

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/pstryder/ledger/pkg/ledger"
	"github.com/pstryder/ledger/pkg/receipt"
)

// DefaultChainDepthCap is the depth cap Chain uses when given
// depthCap <= 0. The upward walk follows at most depthCap
// caused_by_receipt_id hops; the downward walk stops, and reports
// truncation, once the result holds depthCap receipts.
const DefaultChainDepthCap = 1000

// ErrChainCycle is returned if Chain revisits a receipt_id it has
// already seen. Cycles are impossible by construction (caused_by_receipt_id
// always names an earlier receipt) but the traversal defends against one
// anyway rather than trusting that invariant.
var ErrChainCycle = errors.New("query: cycle detected while walking provenance chain")

// ChainResult is the provenance graph rooted at a receipt, in stored_at
// order. Truncated is set when the downward walk stopped because the
// result reached the depth cap; an upward walk that reaches the cap is
// not flagged.
type ChainResult struct {
	Receipts  []*receipt.Receipt
	Truncated bool
}

// Chain walks the provenance graph rooted at receiptID: upward through
// caused_by_receipt_id to find what caused it, and downward through
// CausedBy to find what it in turn caused. It is not a recursive SQL
// CTE — the depth cap and cycle defense live here in Go, not trusted to
// the database.
func Chain(ctx context.Context, l ledger.Ledger, tenantID, receiptID string, depthCap int) (*ChainResult, error) {
	if depthCap <= 0 {
		depthCap = DefaultChainDepthCap
	}

	root, err := l.Get(ctx, tenantID, receiptID)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{root.ReceiptID: true}
	out := []*receipt.Receipt{root}

	cur := root
	for i := 0; i < depthCap; i++ {
		if cur.CausedByReceiptID == "" || cur.CausedByReceiptID == receipt.NAString {
			break
		}
		if visited[cur.CausedByReceiptID] {
			return nil, ErrChainCycle
		}
		parent, err := l.Get(ctx, tenantID, cur.CausedByReceiptID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				break
			}
			return nil, err
		}
		visited[parent.ReceiptID] = true
		out = append(out, parent)
		cur = parent
	}

	truncated := false
	frontier := []*receipt.Receipt{root}
	for depth := 0; depth < depthCap && len(frontier) > 0 && !truncated; depth++ {
		var next []*receipt.Receipt
		for _, r := range frontier {
			children, err := l.CausedBy(ctx, tenantID, r.ReceiptID)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				if visited[c.ReceiptID] {
					return nil, ErrChainCycle
				}
				visited[c.ReceiptID] = true
				out = append(out, c)
				next = append(next, c)
				if len(out) >= depthCap {
					truncated = true
					break
				}
			}
			if truncated {
				break
			}
		}
		frontier = next
	}

	sort.Slice(out, func(i, j int) bool {
		return storedAtOf(out[i]).Before(storedAtOf(out[j]))
	})
	return &ChainResult{Receipts: out, Truncated: truncated}, nil
}

// TaskStatus is the status derived purely from receipt existence — it
// is never stored, only computed on read.
type TaskStatus string

const (
	StatusResolved  TaskStatus = "resolved"
	StatusEscalated TaskStatus = "escalated"
	StatusOpen      TaskStatus = "open"
	StatusUnknown   TaskStatus = "unknown"
)

// DeriveTaskStatus computes a task's status from its full receipt
// timeline: resolved if any complete receipt exists, escalated if any
// escalate receipt exists and no complete receipt does, open if only
// an accepted receipt exists, unknown if the task has no receipts at
// all (submitted but never accepted).
func DeriveTaskStatus(ctx context.Context, l ledger.Ledger, tenantID, taskID string) (TaskStatus, error) {
	receipts, err := l.ListByTask(ctx, tenantID, taskID)
	if err != nil {
		return StatusUnknown, err
	}

	var hasAccepted, hasComplete, hasEscalate bool
	for _, r := range receipts {
		switch r.Phase {
		case receipt.PhaseAccepted:
			hasAccepted = true
		case receipt.PhaseComplete:
			hasComplete = true
		case receipt.PhaseEscalate:
			hasEscalate = true
		}
	}

	switch {
	case hasComplete:
		return StatusResolved, nil
	case hasEscalate:
		return StatusEscalated, nil
	case hasAccepted:
		return StatusOpen, nil
	default:
		return StatusUnknown, nil
	}
}

// Timeline returns every receipt for a task in stored_at order. A thin
// pass-through kept here so callers reach for pkg/query for every
// derived read uniformly, rather than switching between this package
// and pkg/ledger depending on which read they need.
func Timeline(ctx context.Context, l ledger.Ledger, tenantID, taskID string) ([]*receipt.Receipt, error) {
	return l.ListByTask(ctx, tenantID, taskID)
}

// Children returns the delegation tree rooted at parentTaskID: every
// receipt whose parent_task_id names it.
func Children(ctx context.Context, l ledger.Ledger, tenantID, parentTaskID string) ([]*receipt.Receipt, error) {
	return l.ListByParentTask(ctx, tenantID, parentTaskID)
}

// Inbox returns the open (unarchived, accepted-phase) obligations
// addressed to recipientAI.
func Inbox(ctx context.Context, l ledger.Ledger, tenantID, recipientAI string, limit int) ([]*receipt.Receipt, error) {
	return l.ListInbox(ctx, tenantID, recipientAI, limit)
}

func storedAtOf(r *receipt.Receipt) time.Time {
	if r.StoredAt != nil {
		return *r.StoredAt
	}
	return time.Time{}
}
