package receipt

import (
	"encoding/json"
	"fmt"
)

// Size caps from the structural validation step. inputs and metadata are
// arbitrary JSON values, so their cap is measured on the marshaled form;
// task_body and outcome_text are plain strings, measured in bytes.
const (
	maxInputsBytes      = 64 * 1024
	maxMetadataBytes    = 16 * 1024
	maxTaskBodyBytes    = 100 * 1024
	maxOutcomeTextBytes = 100 * 1024
)

// SizeLimitError reports a single field that exceeded its configured cap.
// It is kept distinct from ValidationErrors because it maps to a 413 at
// the transport edge instead of a 422.
type SizeLimitError struct {
	Field  string `json:"field"`
	Limit  int    `json:"limit_bytes"`
	Actual int    `json:"actual_bytes"`
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("SizeLimitExceeded: %s is %d bytes, exceeds %d byte cap", e.Field, e.Actual, e.Limit)
}

// SizeLimitErrors collects every oversized field found in one pass.
type SizeLimitErrors []*SizeLimitError

func (e SizeLimitErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%s (and %d more)", e[0].Error(), len(e)-1)
}

// checkSizeLimits enforces the §4.1 structural size caps.
func checkSizeLimits(r *Receipt) error {
	var errs SizeLimitErrors
	if n := len(r.TaskBody); n > maxTaskBodyBytes {
		errs = append(errs, &SizeLimitError{Field: "task_body", Limit: maxTaskBodyBytes, Actual: n})
	}
	if n := len(r.OutcomeText); n > maxOutcomeTextBytes {
		errs = append(errs, &SizeLimitError{Field: "outcome_text", Limit: maxOutcomeTextBytes, Actual: n})
	}
	if r.Inputs != nil {
		if b, err := json.Marshal(r.Inputs); err == nil && len(b) > maxInputsBytes {
			errs = append(errs, &SizeLimitError{Field: "inputs", Limit: maxInputsBytes, Actual: len(b)})
		}
	}
	if len(r.Metadata) > 0 {
		if b, err := json.Marshal(r.Metadata); err == nil && len(b) > maxMetadataBytes {
			errs = append(errs, &SizeLimitError{Field: "metadata", Limit: maxMetadataBytes, Actual: len(b)})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// forbiddenSentinels are identity/routing values that are present but
// meaningless, e.g. a field set to a placeholder rather than left absent.
var forbiddenSentinels = map[string]bool{
	"NA":  true,
	"TBD": true,
}

// checkForbiddenSentinels enforces step 2 of §4.1: identity and routing
// fields must not be "NA" or "TBD". Unlike the NA sentinel elsewhere in
// this package (which marks an intentionally absent optional field, e.g.
// parent_task_id), these fields have no absent state — they are either a
// real value or the receipt is malformed.
func checkForbiddenSentinels(r *Receipt, errs *ValidationErrors) {
	fields := []struct {
		name, value string
		code        string
	}{
		{"from_principal", r.FromPrincipal, "RCP-SENTINEL-001"},
		{"for_principal", r.ForPrincipal, "RCP-SENTINEL-002"},
		{"source_system", r.SourceSystem, "RCP-SENTINEL-003"},
		{"recipient_ai", r.RecipientAI, "RCP-SENTINEL-004"},
		{"trust_domain", r.TrustDomain, "RCP-SENTINEL-005"},
	}
	for _, f := range fields {
		if forbiddenSentinels[f.value] {
			errs.add(f.code, f.name, fmt.Sprintf("%s must not be the sentinel value %q", f.name, f.value))
		}
	}
}

// ValidationError is a single rule violation, carrying a stable code so
// callers can branch on failure class without parsing message text.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationErrors collects every rule violation found in a single pass,
// rather than failing on the first one.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%s (and %d more)", e[0].Error(), len(e)-1)
}

func (e *ValidationErrors) add(code, field, msg string) {
	*e = append(*e, &ValidationError{Code: code, Field: field, Message: msg})
}

// Validate checks a receipt against the phase invariants. It never mutates
// the receipt and returns every violation found, not just the first.
func Validate(r *Receipt) error {
	// Step 1 (structural, size caps): a size violation gets its own
	// distinct failure mode (SizeLimitExceeded, a 413 at the transport
	// edge) and short-circuits the rest of the pipeline.
	if err := checkSizeLimits(r); err != nil {
		return err
	}

	var errs ValidationErrors

	// Step 2: forbidden sentinel values on identity/routing fields.
	checkForbiddenSentinels(r, &errs)
	if len(errs) > 0 {
		return errs
	}

	if r.TaskID == "" {
		errs.add("RCP-STRUCT-001", "task_id", "task_id is required")
	}
	if r.FromPrincipal == "" {
		errs.add("RCP-STRUCT-002", "from_principal", "from_principal is required")
	}
	if r.ForPrincipal == "" {
		errs.add("RCP-STRUCT-003", "for_principal", "for_principal is required")
	}
	if r.SourceSystem == "" {
		errs.add("RCP-STRUCT-004", "source_system", "source_system is required")
	}
	if r.RecipientAI == "" {
		errs.add("RCP-STRUCT-005", "recipient_ai", "recipient_ai is required")
	}
	if r.TaskType == "" {
		errs.add("RCP-STRUCT-006", "task_type", "task_type is required")
	}
	if r.TaskSummary == "" {
		errs.add("RCP-STRUCT-007", "task_summary", "task_summary is required")
	}
	if r.Attempt < 0 {
		errs.add("RCP-STRUCT-008", "attempt", "attempt must be >= 0")
	}
	if r.ArtifactSizeBytes < 0 {
		errs.add("RCP-STRUCT-009", "artifact_size_bytes", "artifact_size_bytes must be >= 0")
	}

	switch r.Phase {
	case PhaseAccepted:
		validateAccepted(r, &errs)
	case PhaseComplete:
		validateComplete(r, &errs)
	case PhaseEscalate:
		validateEscalate(r, &errs)
	default:
		errs.add("RCP-PHASE-000", "phase", "phase must be one of accepted, complete, escalate")
	}

	// Retry coherence: retry_requested implies a prior attempt happened.
	if r.RetryRequested && r.Attempt < 1 {
		errs.add("RCP-RETRY-001", "attempt", "attempt must be >= 1 when retry_requested is true")
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validateAccepted(r *Receipt, errs *ValidationErrors) {
	if r.Status != StatusNA {
		errs.add("RCP-PHASE-101", "status", "status must be NA for accepted phase")
	}
	if r.CompletedAt != nil {
		errs.add("RCP-PHASE-102", "completed_at", "completed_at must be null for accepted phase")
	}
	if r.TaskSummary == "TBD" {
		errs.add("RCP-PHASE-103", "task_summary", "task_summary must not be TBD for accepted phase")
	}
	if r.OutcomeKind != OutcomeNA {
		errs.add("RCP-PHASE-104", "outcome_kind", "outcome_kind must be NA for accepted phase")
	}
	if r.ArtifactPointer != NAString {
		errs.add("RCP-PHASE-105", "artifact_pointer", "artifact_pointer must be NA for accepted phase")
	}
	if r.ArtifactLocation != NAString {
		errs.add("RCP-PHASE-106", "artifact_location", "artifact_location must be NA for accepted phase")
	}
	if r.ArtifactMIME != NAString {
		errs.add("RCP-PHASE-107", "artifact_mime", "artifact_mime must be NA for accepted phase")
	}
	if r.EscalationClass != EscalationNA {
		errs.add("RCP-PHASE-108", "escalation_class", "escalation_class must be NA for accepted phase")
	}
	if r.EscalationTo != NAString {
		errs.add("RCP-PHASE-109", "escalation_to", "escalation_to must be NA for accepted phase")
	}
	if r.RetryRequested {
		errs.add("RCP-PHASE-110", "retry_requested", "retry_requested must be false for accepted phase")
	}
}

func validateComplete(r *Receipt, errs *ValidationErrors) {
	switch r.Status {
	case StatusSuccess, StatusFailure, StatusCanceled:
	default:
		errs.add("RCP-PHASE-201", "status", "status must be success, failure, or canceled for complete phase")
	}
	if r.CompletedAt == nil {
		errs.add("RCP-PHASE-202", "completed_at", "completed_at is required for complete phase")
	}
	switch r.OutcomeKind {
	case OutcomeNone, OutcomeResponseText, OutcomeArtifactPointer, OutcomeMixed:
	default:
		errs.add("RCP-PHASE-203", "outcome_kind", "outcome_kind must be a valid value for complete phase")
	}
	if r.EscalationClass != EscalationNA {
		errs.add("RCP-PHASE-204", "escalation_class", "escalation_class must be NA for complete phase")
	}
	if r.OutcomeKind == OutcomeArtifactPointer || r.OutcomeKind == OutcomeMixed {
		if r.ArtifactPointer == NAString {
			errs.add("RCP-PHASE-205", "artifact_pointer", "artifact_pointer required when outcome_kind is artifact_pointer or mixed")
		}
		if r.ArtifactLocation == NAString {
			errs.add("RCP-PHASE-206", "artifact_location", "artifact_location required when outcome_kind is artifact_pointer or mixed")
		}
		if r.ArtifactMIME == NAString {
			errs.add("RCP-PHASE-207", "artifact_mime", "artifact_mime required when outcome_kind is artifact_pointer or mixed")
		}
	}
}

func validateEscalate(r *Receipt, errs *ValidationErrors) {
	if r.Status != StatusNA {
		errs.add("RCP-PHASE-301", "status", "status must be NA for escalate phase")
	}
	switch r.EscalationClass {
	case EscalationOwner, EscalationCapability, EscalationTrust, EscalationPolicy, EscalationScope, EscalationOther:
	default:
		errs.add("RCP-PHASE-302", "escalation_class", "escalation_class must be a valid escalation value for escalate phase")
	}
	if r.EscalationReason == NAString || r.EscalationReason == "TBD" {
		errs.add("RCP-PHASE-303", "escalation_reason", "escalation_reason must be provided for escalate phase")
	}
	if r.EscalationTo == NAString {
		errs.add("RCP-PHASE-304", "escalation_to", "escalation_to is required for escalate phase")
	}
	// Routing invariant: the agent taking ownership must be the one the
	// receipt names as recipient.
	if r.RecipientAI != r.EscalationTo {
		errs.add("RCP-ROUTE-001", "recipient_ai", "recipient_ai must equal escalation_to for escalate phase")
	}
}
