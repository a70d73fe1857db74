package lease

import (
	"time"

	"github.com/pstryder/ledger/pkg/receipt"
	"github.com/pstryder/ledger/pkg/task"
)

// buildCompleteReceipt constructs the complete-phase receipt emitted when
// a worker reports a terminal outcome for its leased task. Its
// caused_by_receipt_id is the lease's AcceptedReceiptID, which is never
// set, so it is "NA".
func buildCompleteReceipt(tenantID string, t *task.Task, l *Lease, outcome CompleteOutcome, now time.Time) *receipt.Receipt {
	status := outcome.Status
	if status == "" {
		status = receipt.StatusSuccess
	}
	return &receipt.Receipt{
		SchemaVersion:        receipt.DefaultSchemaVersion,
		TenantID:             tenantID,
		ReceiptID:            receipt.NewID(),
		TaskID:               t.TaskID,
		ParentTaskID:         orNA(t.ParentTaskID),
		CausedByReceiptID:    orNA(l.AcceptedReceiptID),
		DedupeKey:            receipt.NAString,
		Attempt:              t.Attempt,
		FromPrincipal:        t.FromPrincipal,
		ForPrincipal:         t.ForPrincipal,
		SourceSystem:         l.WorkerID,
		RecipientAI:          l.WorkerID,
		TrustDomain:          receipt.DefaultTrustDomain,
		Phase:                receipt.PhaseComplete,
		Status:               status,
		TaskType:             t.TaskType,
		TaskSummary:          t.TaskSummary,
		TaskBody:             t.TaskBody,
		ExpectedOutcomeKind:  receipt.OutcomeKind(orNA(t.ExpectedOutcomeKind)),
		ExpectedArtifactMIME: orNA(t.ExpectedArtifactMIME),
		OutcomeKind:          outcomeKindOrDefault(outcome.OutcomeKind),
		OutcomeText:          orNA(outcome.OutcomeText),
		ArtifactLocation:     orNA(outcome.ArtifactLocation),
		ArtifactPointer:      orNA(outcome.ArtifactPointer),
		ArtifactChecksum:     orNA(outcome.ArtifactChecksum),
		ArtifactSizeBytes:    outcome.ArtifactSizeBytes,
		ArtifactMIME:         orNA(outcome.ArtifactMIME),
		EscalationClass:      receipt.EscalationNA,
		EscalationReason:     receipt.NAString,
		EscalationTo:         receipt.NAString,
		CreatedAt:            &now,
		StoredAt:             &now,
		CompletedAt:          &now,
		Metadata:             map[string]interface{}{},
	}
}

// buildEscalateReceipt constructs the escalate-phase receipt emitted on
// failure, voluntary release, or lease expiry. recipient_ai is forced
// equal to escalation_to to satisfy the routing invariant: whoever the
// obligation is escalated to is also who sees the receipt in their inbox.
func buildEscalateReceipt(tenantID string, t *task.Task, l *Lease, reason string, now time.Time) *receipt.Receipt {
	escalateTo := t.RetryPrincipal
	// A requested retry runs as the next attempt, so the receipt carries
	// that attempt number (retry_requested requires attempt >= 1).
	retry := t.Attempt+1 < t.MaxAttempts
	attempt := t.Attempt
	if retry {
		attempt++
	}
	return &receipt.Receipt{
		SchemaVersion:        receipt.DefaultSchemaVersion,
		TenantID:             tenantID,
		ReceiptID:            receipt.NewID(),
		TaskID:               t.TaskID,
		ParentTaskID:         orNA(t.ParentTaskID),
		CausedByReceiptID:    orNA(l.AcceptedReceiptID),
		DedupeKey:            receipt.NAString,
		Attempt:              attempt,
		FromPrincipal:        t.FromPrincipal,
		ForPrincipal:         t.ForPrincipal,
		SourceSystem:         l.WorkerID,
		RecipientAI:          escalateTo,
		TrustDomain:          receipt.DefaultTrustDomain,
		Phase:                receipt.PhaseEscalate,
		Status:               receipt.StatusNA,
		TaskType:             t.TaskType,
		TaskSummary:          t.TaskSummary,
		TaskBody:             t.TaskBody,
		ExpectedOutcomeKind:  receipt.OutcomeKind(orNA(t.ExpectedOutcomeKind)),
		ExpectedArtifactMIME: orNA(t.ExpectedArtifactMIME),
		OutcomeKind:          receipt.OutcomeNA,
		OutcomeText:          receipt.NAString,
		ArtifactLocation:     receipt.NAString,
		ArtifactPointer:      receipt.NAString,
		ArtifactChecksum:     receipt.NAString,
		ArtifactMIME:         receipt.NAString,
		EscalationClass:      escalationClassForReason(reason),
		EscalationReason:     orNA(reason),
		EscalationTo:         escalateTo,
		RetryRequested:       retry,
		CreatedAt:            &now,
		StoredAt:             &now,
		CompletedAt:          &now,
		Metadata:             map[string]interface{}{},
	}
}

func orNA(s string) string {
	if s == "" {
		return receipt.NAString
	}
	return s
}

func outcomeKindOrDefault(k receipt.OutcomeKind) receipt.OutcomeKind {
	if k == "" {
		return receipt.OutcomeResponseText
	}
	return k
}
