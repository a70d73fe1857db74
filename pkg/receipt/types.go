// Package receipt defines the receipt wire model: the single append-only
// record type through which every obligation in the system is created,
// resolved, or handed off.
package receipt

import "time"

// Phase is the lifecycle stage a receipt records.
type Phase string

const (
	PhaseAccepted Phase = "accepted"
	PhaseComplete Phase = "complete"
	PhaseEscalate Phase = "escalate"
)

// Status is the completion status carried by a complete-phase receipt.
type Status string

const (
	StatusNA       Status = "NA"
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusCanceled Status = "canceled"
)

// OutcomeKind classifies the shape of a task's result.
type OutcomeKind string

const (
	OutcomeNA              OutcomeKind = "NA"
	OutcomeNone            OutcomeKind = "none"
	OutcomeResponseText    OutcomeKind = "response_text"
	OutcomeArtifactPointer OutcomeKind = "artifact_pointer"
	OutcomeMixed           OutcomeKind = "mixed"
)

// EscalationClass categorizes why an obligation was escalated.
type EscalationClass string

const (
	EscalationNA         EscalationClass = "NA"
	EscalationOwner      EscalationClass = "owner"
	EscalationCapability EscalationClass = "capability"
	EscalationTrust      EscalationClass = "trust"
	EscalationPolicy     EscalationClass = "policy"
	EscalationScope      EscalationClass = "scope"
	EscalationOther      EscalationClass = "other"
)

// Receipt is an immutable record of a single obligation-lifecycle event.
// Once appended to the ledger a receipt is never mutated or deleted.
type Receipt struct {
	SchemaVersion string `json:"schema_version"`
	TenantID      string `json:"tenant_id"`

	ReceiptID         string `json:"receipt_id"`
	TaskID            string `json:"task_id"`
	ParentTaskID      string `json:"parent_task_id"`
	CausedByReceiptID string `json:"caused_by_receipt_id"`
	DedupeKey         string `json:"dedupe_key"`
	Attempt           int    `json:"attempt"`

	FromPrincipal string `json:"from_principal"`
	ForPrincipal  string `json:"for_principal"`
	SourceSystem  string `json:"source_system"`
	RecipientAI   string `json:"recipient_ai"`
	TrustDomain   string `json:"trust_domain"`

	Phase    Phase  `json:"phase"`
	Status   Status `json:"status"`
	Realtime bool   `json:"realtime"`

	TaskType            string      `json:"task_type"`
	TaskSummary         string      `json:"task_summary"`
	TaskBody            string      `json:"task_body"`
	Inputs              interface{} `json:"inputs,omitempty"`
	ExpectedOutcomeKind OutcomeKind `json:"expected_outcome_kind"`
	ExpectedArtifactMIME string     `json:"expected_artifact_mime"`

	OutcomeKind        OutcomeKind `json:"outcome_kind"`
	OutcomeText        string      `json:"outcome_text"`
	ArtifactLocation   string      `json:"artifact_location"`
	ArtifactPointer    string      `json:"artifact_pointer"`
	ArtifactChecksum   string      `json:"artifact_checksum"`
	ArtifactSizeBytes  int64       `json:"artifact_size_bytes"`
	ArtifactMIME       string      `json:"artifact_mime"`

	EscalationClass  EscalationClass `json:"escalation_class"`
	EscalationReason string          `json:"escalation_reason"`
	EscalationTo     string          `json:"escalation_to"`
	RetryRequested   bool            `json:"retry_requested"`

	CreatedAt   *time.Time `json:"created_at,omitempty"`
	StoredAt    *time.Time `json:"stored_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Defaults matching the canonical model. Zero-value Go structs don't carry
// these automatically, so CreateRequest.ToReceipt fills them in.
const (
	DefaultSchemaVersion = "1.0"
	DefaultTenantID      = "pstryder"
	DefaultParentTaskID  = "NA"
	DefaultCausedBy      = "NA"
	DefaultDedupeKey     = "NA"
	DefaultTrustDomain   = "default"
	NAString             = "NA"
)

// CreateRequest is the API input shape for appending a receipt.
// tenant_id is intentionally absent: the server assigns it from the
// authenticated principal, never from client input.
type CreateRequest struct {
	SchemaVersion string `json:"schema_version"`
	ReceiptID     string `json:"receipt_id"`

	TaskID            string `json:"task_id"`
	ParentTaskID      string `json:"parent_task_id"`
	CausedByReceiptID string `json:"caused_by_receipt_id"`
	DedupeKey         string `json:"dedupe_key"`
	Attempt           int    `json:"attempt"`

	FromPrincipal string `json:"from_principal"`
	ForPrincipal  string `json:"for_principal"`
	SourceSystem  string `json:"source_system"`
	RecipientAI   string `json:"recipient_ai"`
	TrustDomain   string `json:"trust_domain"`

	Phase    Phase  `json:"phase"`
	Status   Status `json:"status"`
	Realtime bool   `json:"realtime"`

	TaskType             string      `json:"task_type"`
	TaskSummary          string      `json:"task_summary"`
	TaskBody             string      `json:"task_body"`
	Inputs               interface{} `json:"inputs,omitempty"`
	ExpectedOutcomeKind  OutcomeKind `json:"expected_outcome_kind"`
	ExpectedArtifactMIME string      `json:"expected_artifact_mime"`

	OutcomeKind       OutcomeKind `json:"outcome_kind"`
	OutcomeText       string      `json:"outcome_text"`
	ArtifactLocation  string      `json:"artifact_location"`
	ArtifactPointer   string      `json:"artifact_pointer"`
	ArtifactChecksum  string      `json:"artifact_checksum"`
	ArtifactSizeBytes int64       `json:"artifact_size_bytes"`
	ArtifactMIME      string      `json:"artifact_mime"`

	EscalationClass  EscalationClass `json:"escalation_class"`
	EscalationReason string          `json:"escalation_reason"`
	EscalationTo     string          `json:"escalation_to"`
	RetryRequested   bool            `json:"retry_requested"`

	CreatedAt *time.Time `json:"created_at,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ToReceipt materializes a Receipt from a CreateRequest, applying field
// defaults and server-assigned identity. The caller supplies tenantID
// (resolved from the authenticated principal) and receiptID (minted by
// the caller if the request did not already carry a client-generated id).
func (c *CreateRequest) ToReceipt(tenantID, receiptID string, storedAt time.Time) *Receipt {
	r := &Receipt{
		SchemaVersion:        orDefault(c.SchemaVersion, DefaultSchemaVersion),
		TenantID:             tenantID,
		ReceiptID:            receiptID,
		TaskID:               c.TaskID,
		ParentTaskID:         orDefault(c.ParentTaskID, DefaultParentTaskID),
		CausedByReceiptID:    orDefault(c.CausedByReceiptID, DefaultCausedBy),
		DedupeKey:            orDefault(c.DedupeKey, DefaultDedupeKey),
		Attempt:              c.Attempt,
		FromPrincipal:        c.FromPrincipal,
		ForPrincipal:         c.ForPrincipal,
		SourceSystem:         c.SourceSystem,
		RecipientAI:          c.RecipientAI,
		TrustDomain:          orDefault(c.TrustDomain, DefaultTrustDomain),
		Phase:                c.Phase,
		Status:               statusOrDefault(c.Status),
		Realtime:             c.Realtime,
		TaskType:             c.TaskType,
		TaskSummary:          c.TaskSummary,
		TaskBody:             c.TaskBody,
		Inputs:               c.Inputs,
		ExpectedOutcomeKind:  outcomeOrDefault(c.ExpectedOutcomeKind),
		ExpectedArtifactMIME: orDefault(c.ExpectedArtifactMIME, NAString),
		OutcomeKind:          outcomeOrDefault(c.OutcomeKind),
		OutcomeText:          orDefault(c.OutcomeText, NAString),
		ArtifactLocation:     orDefault(c.ArtifactLocation, NAString),
		ArtifactPointer:      orDefault(c.ArtifactPointer, NAString),
		ArtifactChecksum:     orDefault(c.ArtifactChecksum, NAString),
		ArtifactSizeBytes:    c.ArtifactSizeBytes,
		ArtifactMIME:         orDefault(c.ArtifactMIME, NAString),
		EscalationClass:      escalationOrDefault(c.EscalationClass),
		EscalationReason:     orDefault(c.EscalationReason, NAString),
		EscalationTo:         orDefault(c.EscalationTo, NAString),
		RetryRequested:       c.RetryRequested,
		CreatedAt:            c.CreatedAt,
		StartedAt:            c.StartedAt,
		StoredAt:             &storedAt,
		Metadata:             c.Metadata,
	}
	if r.Metadata == nil {
		r.Metadata = map[string]interface{}{}
	}
	return r
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func statusOrDefault(s Status) Status {
	if s == "" {
		return StatusNA
	}
	return s
}

func outcomeOrDefault(o OutcomeKind) OutcomeKind {
	if o == "" {
		return OutcomeNA
	}
	return o
}

func escalationOrDefault(e EscalationClass) EscalationClass {
	if e == "" {
		return EscalationNA
	}
	return e
}
