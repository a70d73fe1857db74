package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pstryder/ledger/pkg/audit"
	"github.com/pstryder/ledger/pkg/auth"
	"github.com/pstryder/ledger/pkg/ledger"
	"github.com/pstryder/ledger/pkg/query"
	"github.com/pstryder/ledger/pkg/receipt"
)

// ReceiptsHandler exposes submit_receipt, get_receipt, archive_receipt,
// list_inbox, and receipt_chain over HTTP.
type ReceiptsHandler struct {
	Ledger        ledger.Ledger
	ChainDepthCap int
	Audit         audit.Logger
}

func NewReceiptsHandler(l ledger.Ledger, chainDepthCap int, auditLogger audit.Logger) *ReceiptsHandler {
	return &ReceiptsHandler{Ledger: l, ChainDepthCap: chainDepthCap, Audit: auditLogger}
}

func (h *ReceiptsHandler) record(r *http.Request, eventType audit.EventType, action, resource string, metadata map[string]interface{}) {
	if h.Audit == nil {
		return
	}
	_ = h.Audit.Record(r.Context(), eventType, action, resource, metadata)
}

// SubmitReceipt handles POST /v1/receipts.
func (h *ReceiptsHandler) SubmitReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "could not read request body: "+err.Error())
		return
	}
	if err := receipt.ValidateStructure(raw); err != nil {
		WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
		return
	}

	var req receipt.CreateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		WriteBadRequest(w, "malformed receipt payload: "+err.Error())
		return
	}

	receiptID := req.ReceiptID
	if receiptID == "" {
		receiptID = receipt.NewID()
	}
	rec := req.ToReceipt(tenantID, receiptID, time.Now().UTC())

	if err := receipt.Validate(rec); err != nil {
		if _, ok := err.(receipt.SizeLimitErrors); ok {
			WritePayloadTooLarge(w, err.Error())
			return
		}
		WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
		return
	}

	res, err := h.Ledger.Append(r.Context(), rec)
	if err != nil {
		if err == ledger.ErrDuplicateConflict {
			WriteConflict(w, "receipt_id or dedupe_key already used with a different payload")
			return
		}
		WriteInternal(w, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	h.record(r, audit.EventMutation, "submit_receipt", rec.ReceiptID, map[string]interface{}{
		"phase": rec.Phase, "task_id": rec.TaskID, "replayed": res.Replayed,
	})
	writeJSON(w, status, res.Receipt)
}

// GetReceipt handles GET /v1/receipts/{id}.
func (h *ReceiptsHandler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	rec, err := h.Ledger.Get(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		if err == ledger.ErrNotFound {
			WriteNotFound(w, "receipt not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ArchiveReceipt handles POST /v1/receipts/{id}/archive.
func (h *ReceiptsHandler) ArchiveReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	if err := h.Ledger.Archive(r.Context(), tenantID, r.PathValue("id"), time.Now().UTC()); err != nil {
		if err == ledger.ErrNotFound {
			WriteNotFound(w, "receipt not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	h.record(r, audit.EventMutation, "archive_receipt", r.PathValue("id"), nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

// ListInbox handles GET /v1/inbox/{recipient_ai}. Task-scoped derived
// reads (timeline, children, status) live on TasksHandler instead, since
// they are addressed by task_id under /v1/tasks/.
func (h *ReceiptsHandler) ListInbox(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	limit := intQueryParam(r, "limit", 0)
	receipts, err := query.Inbox(r.Context(), h.Ledger, tenantID, r.PathValue("recipient_ai"), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipts": orEmpty(receipts)})
}

// ReceiptChain handles GET /v1/receipts/{id}/chain.
func (h *ReceiptsHandler) ReceiptChain(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	depthCap := h.ChainDepthCap
	if override := intQueryParam(r, "depth_cap", 0); override > 0 {
		depthCap = override
	}
	result, err := query.Chain(r.Context(), h.Ledger, tenantID, r.PathValue("id"), depthCap)
	if err != nil {
		if err == ledger.ErrNotFound {
			WriteNotFound(w, "receipt not found")
			return
		}
		if err == query.ErrChainCycle {
			WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chain":     orEmpty(result.Receipts),
		"truncated": result.Truncated,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func intQueryParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func orEmpty(receipts []*receipt.Receipt) []*receipt.Receipt {
	if receipts == nil {
		return []*receipt.Receipt{}
	}
	return receipts
}
