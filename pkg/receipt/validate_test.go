package receipt_test

import (
	"testing"
	"time"

	"github.com/pstryder/ledger/pkg/receipt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseAccepted() *receipt.Receipt {
	return &receipt.Receipt{
		TaskID:           "T-1",
		FromPrincipal:    "agent-a",
		ForPrincipal:     "agent-a",
		SourceSystem:     "gateway",
		RecipientAI:      "agent-b",
		TaskType:         "research",
		TaskSummary:      "look something up",
		Phase:            receipt.PhaseAccepted,
		Status:           receipt.StatusNA,
		OutcomeKind:      receipt.OutcomeNA,
		ArtifactPointer:  receipt.NAString,
		ArtifactLocation: receipt.NAString,
		ArtifactMIME:     receipt.NAString,
		EscalationClass:  receipt.EscalationNA,
		EscalationTo:     receipt.NAString,
	}
}

func TestValidate_AcceptedPhase_Valid(t *testing.T) {
	require.NoError(t, receipt.Validate(baseAccepted()))
}

func TestValidate_AcceptedPhase_RejectsNonNAStatus(t *testing.T) {
	r := baseAccepted()
	r.Status = receipt.StatusSuccess
	err := receipt.Validate(r)
	require.Error(t, err)
	verrs, ok := err.(receipt.ValidationErrors)
	require.True(t, ok)
	assert.Contains(t, codesOf(verrs), "RCP-PHASE-101")
}

func TestValidate_AcceptedPhase_RejectsTBDSummary(t *testing.T) {
	r := baseAccepted()
	r.TaskSummary = "TBD"
	err := receipt.Validate(r)
	require.Error(t, err)
	assert.Contains(t, codesOf(err.(receipt.ValidationErrors)), "RCP-PHASE-103")
}

func TestValidate_CompletePhase_RequiresCompletedAt(t *testing.T) {
	r := baseAccepted()
	r.Phase = receipt.PhaseComplete
	r.Status = receipt.StatusSuccess
	r.OutcomeKind = receipt.OutcomeNone
	err := receipt.Validate(r)
	require.Error(t, err)
	assert.Contains(t, codesOf(err.(receipt.ValidationErrors)), "RCP-PHASE-202")
}

func TestValidate_CompletePhase_ArtifactPointerRequiresFields(t *testing.T) {
	now := time.Now()
	r := baseAccepted()
	r.Phase = receipt.PhaseComplete
	r.Status = receipt.StatusSuccess
	r.CompletedAt = &now
	r.OutcomeKind = receipt.OutcomeArtifactPointer

	err := receipt.Validate(r)
	require.Error(t, err)
	codes := codesOf(err.(receipt.ValidationErrors))
	assert.Contains(t, codes, "RCP-PHASE-205")
	assert.Contains(t, codes, "RCP-PHASE-206")
	assert.Contains(t, codes, "RCP-PHASE-207")
}

func TestValidate_CompletePhase_Valid(t *testing.T) {
	now := time.Now()
	r := baseAccepted()
	r.Phase = receipt.PhaseComplete
	r.Status = receipt.StatusSuccess
	r.CompletedAt = &now
	r.OutcomeKind = receipt.OutcomeResponseText
	r.OutcomeText = "done"
	require.NoError(t, receipt.Validate(r))
}

func TestValidate_EscalatePhase_RequiresRoutingMatch(t *testing.T) {
	r := baseAccepted()
	r.Phase = receipt.PhaseEscalate
	r.Status = receipt.StatusNA
	r.EscalationClass = receipt.EscalationCapability
	r.EscalationReason = "agent-b lacks tool access"
	r.EscalationTo = "agent-c"
	r.RecipientAI = "agent-b" // mismatch: recipient_ai != escalation_to

	err := receipt.Validate(r)
	require.Error(t, err)
	assert.Contains(t, codesOf(err.(receipt.ValidationErrors)), "RCP-ROUTE-001")
}

func TestValidate_EscalatePhase_Valid(t *testing.T) {
	r := baseAccepted()
	r.Phase = receipt.PhaseEscalate
	r.Status = receipt.StatusNA
	r.EscalationClass = receipt.EscalationCapability
	r.EscalationReason = "agent-b lacks tool access"
	r.EscalationTo = "agent-c"
	r.RecipientAI = "agent-c"
	require.NoError(t, receipt.Validate(r))
}

func TestValidate_RetryCoherence(t *testing.T) {
	r := baseAccepted()
	r.RetryRequested = true
	r.Attempt = 0
	err := receipt.Validate(r)
	require.Error(t, err)
	assert.Contains(t, codesOf(err.(receipt.ValidationErrors)), "RCP-RETRY-001")
}

func TestValidate_MissingRequiredFields(t *testing.T) {
	r := &receipt.Receipt{Phase: receipt.PhaseAccepted}
	err := receipt.Validate(r)
	require.Error(t, err)
	codes := codesOf(err.(receipt.ValidationErrors))
	assert.Contains(t, codes, "RCP-STRUCT-001")
	assert.Contains(t, codes, "RCP-STRUCT-005")
}

func TestValidate_ForbiddenSentinel_RecipientAI(t *testing.T) {
	r := baseAccepted()
	r.RecipientAI = "NA"
	err := receipt.Validate(r)
	require.Error(t, err)
	assert.Contains(t, codesOf(err.(receipt.ValidationErrors)), "RCP-SENTINEL-004")
}

func TestValidate_ForbiddenSentinel_TrustDomain(t *testing.T) {
	r := baseAccepted()
	r.TrustDomain = "TBD"
	err := receipt.Validate(r)
	require.Error(t, err)
	assert.Contains(t, codesOf(err.(receipt.ValidationErrors)), "RCP-SENTINEL-005")
}

func TestValidate_SizeLimits_InputsExceeded(t *testing.T) {
	r := baseAccepted()
	big := make([]byte, 70*1024)
	for i := range big {
		big[i] = 'x'
	}
	r.Inputs = string(big)
	err := receipt.Validate(r)
	require.Error(t, err)
	sizeErrs, ok := err.(receipt.SizeLimitErrors)
	require.True(t, ok)
	require.Len(t, sizeErrs, 1)
	assert.Equal(t, "inputs", sizeErrs[0].Field)
}

func TestValidate_SizeLimits_TaskBodyExceeded(t *testing.T) {
	r := baseAccepted()
	r.TaskBody = string(make([]byte, 101*1024))
	err := receipt.Validate(r)
	require.Error(t, err)
	sizeErrs, ok := err.(receipt.SizeLimitErrors)
	require.True(t, ok)
	assert.Equal(t, "task_body", sizeErrs[0].Field)
}

func TestValidate_SizeLimits_WithinCapsPasses(t *testing.T) {
	r := baseAccepted()
	r.TaskBody = "small body"
	r.Metadata = map[string]interface{}{"k": "v"}
	require.NoError(t, receipt.Validate(r))
}

func codesOf(errs receipt.ValidationErrors) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}
