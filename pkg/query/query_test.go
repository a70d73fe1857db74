package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/pstryder/ledger/pkg/ledger"
	"github.com/pstryder/ledger/pkg/query"
	"github.com/pstryder/ledger/pkg/receipt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseReceipt(id, taskID string) *receipt.Receipt {
	now := time.Now().UTC()
	return &receipt.Receipt{
		SchemaVersion:     receipt.DefaultSchemaVersion,
		TenantID:          "tenant-1",
		ReceiptID:         id,
		TaskID:            taskID,
		ParentTaskID:      receipt.NAString,
		CausedByReceiptID: receipt.NAString,
		DedupeKey:         receipt.NAString,
		FromPrincipal:     "planner",
		ForPrincipal:      "planner",
		SourceSystem:      "worker.x",
		RecipientAI:       "worker.x",
		TrustDomain:       receipt.DefaultTrustDomain,
		Phase:             receipt.PhaseAccepted,
		Status:            receipt.StatusNA,
		TaskType:          "research",
		TaskSummary:       "s",
		OutcomeKind:       receipt.OutcomeNA,
		ArtifactPointer:   receipt.NAString,
		ArtifactLocation:  receipt.NAString,
		ArtifactMIME:      receipt.NAString,
		EscalationClass:   receipt.EscalationNA,
		EscalationTo:      receipt.NAString,
		StoredAt:          &now,
	}
}

func TestDeriveTaskStatus(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()

	status, err := query.DeriveTaskStatus(ctx, l, "tenant-1", "T-unknown")
	require.NoError(t, err)
	assert.Equal(t, query.StatusUnknown, status)

	accepted := baseReceipt("R1", "T-1")
	_, err = l.Append(ctx, accepted)
	require.NoError(t, err)
	status, err = query.DeriveTaskStatus(ctx, l, "tenant-1", "T-1")
	require.NoError(t, err)
	assert.Equal(t, query.StatusOpen, status)

	escalate := baseReceipt("R2", "T-1")
	escalate.Phase = receipt.PhaseEscalate
	escalate.EscalationClass = receipt.EscalationCapability
	escalate.EscalationReason = "needs GPU"
	escalate.EscalationTo = "worker.y"
	escalate.RecipientAI = "worker.y"
	_, err = l.Append(ctx, escalate)
	require.NoError(t, err)
	status, err = query.DeriveTaskStatus(ctx, l, "tenant-1", "T-1")
	require.NoError(t, err)
	assert.Equal(t, query.StatusEscalated, status)

	complete := baseReceipt("R3", "T-1")
	complete.Phase = receipt.PhaseComplete
	complete.Status = receipt.StatusSuccess
	complete.OutcomeKind = receipt.OutcomeNone
	now := time.Now()
	complete.CompletedAt = &now
	_, err = l.Append(ctx, complete)
	require.NoError(t, err)
	status, err = query.DeriveTaskStatus(ctx, l, "tenant-1", "T-1")
	require.NoError(t, err)
	assert.Equal(t, query.StatusResolved, status)
}

func TestChain_WalksUpAndDown(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()

	root := baseReceipt("R1", "T-1")
	_, err := l.Append(ctx, root)
	require.NoError(t, err)

	child := baseReceipt("R2", "T-1")
	child.CausedByReceiptID = "R1"
	_, err = l.Append(ctx, child)
	require.NoError(t, err)

	grandchild := baseReceipt("R3", "T-1")
	grandchild.CausedByReceiptID = "R2"
	_, err = l.Append(ctx, grandchild)
	require.NoError(t, err)

	result, err := query.Chain(ctx, l, "tenant-1", "R2", 0)
	require.NoError(t, err)
	require.False(t, result.Truncated)
	require.Len(t, result.Receipts, 3)

	ids := make([]string, len(result.Receipts))
	for i, r := range result.Receipts {
		ids[i] = r.ReceiptID
	}
	assert.ElementsMatch(t, []string{"R1", "R2", "R3"}, ids)
}

func TestChain_RespectsDepthCap(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()

	prev := "NA"
	for i := 0; i < 10; i++ {
		id := "R" + string(rune('A'+i))
		r := baseReceipt(id, "T-1")
		if prev != "NA" {
			r.CausedByReceiptID = prev
		}
		_, err := l.Append(ctx, r)
		require.NoError(t, err)
		prev = id
	}

	result, err := query.Chain(ctx, l, "tenant-1", "RA", 3)
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.LessOrEqual(t, len(result.Receipts), 4)
}

func TestChildren(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()

	root := baseReceipt("R1", "T-1")
	_, err := l.Append(ctx, root)
	require.NoError(t, err)

	delegated := baseReceipt("R2", "T-2")
	delegated.ParentTaskID = "T-1"
	_, err = l.Append(ctx, delegated)
	require.NoError(t, err)

	kids, err := query.Children(ctx, l, "tenant-1", "T-1")
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, "R2", kids[0].ReceiptID)
}
