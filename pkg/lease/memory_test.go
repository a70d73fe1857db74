package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/pstryder/ledger/pkg/ledger"
	"github.com/pstryder/ledger/pkg/lease"
	"github.com/pstryder/ledger/pkg/receipt"
	"github.com/pstryder/ledger/pkg/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture() (*task.MemoryStore, *ledger.MemoryLedger, *lease.MemoryManager) {
	store := task.NewMemoryStore()
	led := ledger.NewMemoryLedger()
	mgr := lease.NewMemoryManager(store, led, time.Minute, time.Hour)
	return store, led, mgr
}

func submitTask(t *testing.T, store *task.MemoryStore, taskID string) *task.Task {
	req := &task.CreateRequest{
		TaskType: "research", TaskSummary: "look something up",
		RecipientAI: "worker.pool", FromPrincipal: "planner", ForPrincipal: "planner",
		RetryPrincipal: "planner",
	}
	tk := req.ToTask("tenant-1", taskID, time.Now())
	require.NoError(t, store.Submit(context.Background(), tk))
	return tk
}

func TestMemoryManager_LeaseNext_EmptyQueue(t *testing.T) {
	_, _, mgr := newFixture()
	l, tk, err := mgr.LeaseNext(context.Background(), "tenant-1", "worker-1", lease.LeaseOptions{})
	require.NoError(t, err)
	assert.Nil(t, l)
	assert.Nil(t, tk)
}

func TestMemoryManager_LeaseNext_GrantsWithoutEmittingReceipt(t *testing.T) {
	store, led, mgr := newFixture()
	submitTask(t, store, "T-1")

	l, tk, err := mgr.LeaseNext(context.Background(), "tenant-1", "worker-1", lease.LeaseOptions{})
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, task.StatusLeased, tk.Status)
	assert.Equal(t, "worker-1", tk.WorkerID)
	assert.Empty(t, l.AcceptedReceiptID)

	// The offer is transient: lease_next does not append to the ledger.
	// The worker is responsible for its own submit_receipt(phase=accepted).
	receipts, err := led.ListByTask(context.Background(), "tenant-1", "T-1")
	require.NoError(t, err)
	assert.Len(t, receipts, 0)
}

func TestMemoryManager_Complete(t *testing.T) {
	store, led, mgr := newFixture()
	submitTask(t, store, "T-1")
	l, _, err := mgr.LeaseNext(context.Background(), "tenant-1", "worker-1", lease.LeaseOptions{})
	require.NoError(t, err)

	tk, rec, err := mgr.Complete(context.Background(), "tenant-1", l.LeaseID, "worker-1", lease.CompleteOutcome{
		Status:      receipt.StatusSuccess,
		OutcomeKind: receipt.OutcomeResponseText,
		OutcomeText: "done",
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.Equal(t, receipt.PhaseComplete, rec.Phase)
	assert.Equal(t, receipt.NAString, rec.CausedByReceiptID)

	receipts, err := led.ListByTask(context.Background(), "tenant-1", "T-1")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
}

func TestMemoryManager_Complete_WrongWorker(t *testing.T) {
	store, _, mgr := newFixture()
	submitTask(t, store, "T-1")
	l, _, err := mgr.LeaseNext(context.Background(), "tenant-1", "worker-1", lease.LeaseOptions{})
	require.NoError(t, err)

	_, _, err = mgr.Complete(context.Background(), "tenant-1", l.LeaseID, "worker-2", lease.CompleteOutcome{})
	assert.ErrorIs(t, err, lease.ErrLeaseNotOwned)
}

func TestMemoryManager_Fail_RequeuesUnderMaxAttempts(t *testing.T) {
	store, led, mgr := newFixture()
	submitTask(t, store, "T-1")
	l, _, err := mgr.LeaseNext(context.Background(), "tenant-1", "worker-1", lease.LeaseOptions{})
	require.NoError(t, err)

	tk, rec, err := mgr.Fail(context.Background(), "tenant-1", l.LeaseID, "worker-1", "downstream timeout", true)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, tk.Status)
	assert.Equal(t, 1, tk.Attempt)
	assert.Equal(t, receipt.PhaseEscalate, rec.Phase)
	assert.Equal(t, rec.RecipientAI, rec.EscalationTo)
	assert.True(t, rec.RetryRequested)

	_, _ = led, rec
}

func TestMemoryManager_Fail_ExhaustsRetries(t *testing.T) {
	store, _, mgr := newFixture()
	req := &task.CreateRequest{
		TaskType: "research", TaskSummary: "x", RecipientAI: "worker.pool",
		FromPrincipal: "planner", ForPrincipal: "planner", MaxAttempts: 1,
	}
	tk := req.ToTask("tenant-1", "T-1", time.Now())
	require.NoError(t, store.Submit(context.Background(), tk))

	l, _, err := mgr.LeaseNext(context.Background(), "tenant-1", "worker-1", lease.LeaseOptions{})
	require.NoError(t, err)

	updated, _, err := mgr.Fail(context.Background(), "tenant-1", l.LeaseID, "worker-1", "fatal error", true)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, updated.Status)
}

func TestMemoryManager_Heartbeat_ExtendsExpiry(t *testing.T) {
	store, _, mgr := newFixture()
	submitTask(t, store, "T-1")
	l, _, err := mgr.LeaseNext(context.Background(), "tenant-1", "worker-1", lease.LeaseOptions{})
	require.NoError(t, err)

	newExpiry, err := mgr.Heartbeat(context.Background(), "tenant-1", l.LeaseID, "worker-1")
	require.NoError(t, err)
	assert.True(t, newExpiry.After(l.ExpiresAt) || newExpiry.Equal(l.ExpiresAt))
}

func TestMemoryManager_ExpireStaleLeases(t *testing.T) {
	store, led, mgr := newFixture()
	submitTask(t, store, "T-1")
	l, _, err := mgr.LeaseNext(context.Background(), "tenant-1", "worker-1", lease.LeaseOptions{})
	require.NoError(t, err)

	future := l.ExpiresAt.Add(time.Hour)
	emitted, err := mgr.ExpireStaleLeases(context.Background(), "tenant-1", future)
	require.NoError(t, err)
	require.Len(t, emitted, 1)
	assert.Equal(t, receipt.PhaseEscalate, emitted[0].Phase)
	assert.Equal(t, "lease_expired", emitted[0].EscalationReason)

	tk, err := store.Get(context.Background(), "tenant-1", "T-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, tk.Status)

	_, _ = led, l
}
