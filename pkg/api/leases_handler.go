package api

import (
	"encoding/json"
	"net/http"

	"github.com/pstryder/ledger/pkg/audit"
	"github.com/pstryder/ledger/pkg/auth"
	"github.com/pstryder/ledger/pkg/lease"
	"github.com/pstryder/ledger/pkg/receipt"
)

// LeasesHandler exposes lease_next, heartbeat, complete, and fail.
type LeasesHandler struct {
	Manager lease.Manager
	Audit   audit.Logger
}

func NewLeasesHandler(m lease.Manager, auditLogger audit.Logger) *LeasesHandler {
	return &LeasesHandler{Manager: m, Audit: auditLogger}
}

func (h *LeasesHandler) record(r *http.Request, eventType audit.EventType, action, resource string, metadata map[string]interface{}) {
	if h.Audit == nil {
		return
	}
	_ = h.Audit.Record(r.Context(), eventType, action, resource, metadata)
}

type leaseNextRequest struct {
	WorkerID       string   `json:"worker_id"`
	Capabilities   []string `json:"capabilities,omitempty"`
	PreferredKinds []string `json:"preferred_kinds,omitempty"`
}

// LeaseNext handles POST /v1/leases.
func (h *LeasesHandler) LeaseNext(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	var req leaseNextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed lease request: "+err.Error())
		return
	}
	if req.WorkerID == "" {
		WriteBadRequest(w, "worker_id is required")
		return
	}

	l, t, err := h.Manager.LeaseNext(r.Context(), tenantID, req.WorkerID, lease.LeaseOptions{
		Capabilities:   req.Capabilities,
		PreferredKinds: req.PreferredKinds,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if l == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.record(r, audit.EventMutation, "lease_next", l.LeaseID, map[string]interface{}{
		"worker_id": req.WorkerID, "task_id": t.TaskID,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"lease": l, "task": t})
}

// Heartbeat handles POST /v1/leases/{id}/heartbeat.
func (h *LeasesHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	var req struct {
		WorkerID string `json:"worker_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed heartbeat request: "+err.Error())
		return
	}

	expiresAt, err := h.Manager.Heartbeat(r.Context(), tenantID, r.PathValue("id"), req.WorkerID)
	if err != nil {
		writeLeaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"expires_at": expiresAt})
}

type completeRequest struct {
	WorkerID          string             `json:"worker_id"`
	Status            receipt.Status     `json:"status"`
	OutcomeKind       receipt.OutcomeKind `json:"outcome_kind"`
	OutcomeText       string             `json:"outcome_text"`
	ArtifactLocation  string             `json:"artifact_location"`
	ArtifactPointer   string             `json:"artifact_pointer"`
	ArtifactChecksum  string             `json:"artifact_checksum"`
	ArtifactSizeBytes int64              `json:"artifact_size_bytes"`
	ArtifactMIME      string             `json:"artifact_mime"`
}

// Complete handles POST /v1/leases/{id}/complete.
func (h *LeasesHandler) Complete(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed complete request: "+err.Error())
		return
	}

	t, rec, err := h.Manager.Complete(r.Context(), tenantID, r.PathValue("id"), req.WorkerID, lease.CompleteOutcome{
		Status:            req.Status,
		OutcomeKind:       req.OutcomeKind,
		OutcomeText:       req.OutcomeText,
		ArtifactLocation:  req.ArtifactLocation,
		ArtifactPointer:   req.ArtifactPointer,
		ArtifactChecksum:  req.ArtifactChecksum,
		ArtifactSizeBytes: req.ArtifactSizeBytes,
		ArtifactMIME:      req.ArtifactMIME,
	})
	if err != nil {
		writeLeaseError(w, err)
		return
	}
	h.record(r, audit.EventMutation, "complete_lease", r.PathValue("id"), map[string]interface{}{
		"worker_id": req.WorkerID, "status": req.Status,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": t, "receipt": rec})
}

type failRequest struct {
	WorkerID     string `json:"worker_id"`
	ErrorMessage string `json:"error_message"`
	Retryable    bool   `json:"retryable"`
}

// Fail handles POST /v1/leases/{id}/fail.
func (h *LeasesHandler) Fail(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed fail request: "+err.Error())
		return
	}

	t, rec, err := h.Manager.Fail(r.Context(), tenantID, r.PathValue("id"), req.WorkerID, req.ErrorMessage, req.Retryable)
	if err != nil {
		writeLeaseError(w, err)
		return
	}
	h.record(r, audit.EventMutation, "fail_lease", r.PathValue("id"), map[string]interface{}{
		"worker_id": req.WorkerID, "retryable": req.Retryable,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": t, "receipt": rec})
}

// Release handles POST /v1/leases/{id}/release.
func (h *LeasesHandler) Release(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	var req struct {
		WorkerID string `json:"worker_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed release request: "+err.Error())
		return
	}

	t, rec, err := h.Manager.Release(r.Context(), tenantID, r.PathValue("id"), req.WorkerID)
	if err != nil {
		writeLeaseError(w, err)
		return
	}
	h.record(r, audit.EventMutation, "release_lease", r.PathValue("id"), map[string]interface{}{
		"worker_id": req.WorkerID,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": t, "receipt": rec})
}

func writeLeaseError(w http.ResponseWriter, err error) {
	switch err {
	case lease.ErrLeaseExpired, lease.ErrLeaseReleased:
		WriteConflict(w, err.Error())
	case lease.ErrLeaseNotOwned:
		WriteForbidden(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}
