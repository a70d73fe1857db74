package api

import (
	"crypto/rand"
	"encoding/json"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pstryder/ledger/pkg/audit"
	"github.com/pstryder/ledger/pkg/auth"
	"github.com/pstryder/ledger/pkg/ledger"
	"github.com/pstryder/ledger/pkg/query"
	"github.com/pstryder/ledger/pkg/task"
)

// TasksHandler exposes submit_task and the task-scoped derived reads.
type TasksHandler struct {
	Store  task.Store
	Ledger ledger.Ledger
	Audit  audit.Logger
}

func NewTasksHandler(store task.Store, l ledger.Ledger, auditLogger audit.Logger) *TasksHandler {
	return &TasksHandler{Store: store, Ledger: l, Audit: auditLogger}
}

func (h *TasksHandler) record(r *http.Request, eventType audit.EventType, action, resource string, metadata map[string]interface{}) {
	if h.Audit == nil {
		return
	}
	_ = h.Audit.Record(r.Context(), eventType, action, resource, metadata)
}

// SubmitTask handles POST /v1/tasks.
func (h *TasksHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	var req task.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed task payload: "+err.Error())
		return
	}
	if req.TaskType == "" || req.TaskSummary == "" || req.RecipientAI == "" {
		WriteBadRequest(w, "task_type, task_summary, and recipient_ai are required")
		return
	}

	taskID := "T-" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	t := req.ToTask(tenantID, taskID, time.Now().UTC())

	if err := h.Store.Submit(r.Context(), t); err != nil {
		WriteInternal(w, err)
		return
	}
	h.record(r, audit.EventMutation, "submit_task", t.TaskID, map[string]interface{}{
		"task_type": t.TaskType, "recipient_ai": t.RecipientAI,
	})
	writeJSON(w, http.StatusCreated, t)
}

// GetTask handles GET /v1/tasks/{id}.
func (h *TasksHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	t, err := h.Store.Get(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		if err == task.ErrNotFound {
			WriteNotFound(w, "task not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// TaskTimeline handles GET /v1/tasks/{id}/timeline.
func (h *TasksHandler) TaskTimeline(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	receipts, err := query.Timeline(r.Context(), h.Ledger, tenantID, r.PathValue("id"))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipts": receipts})
}

// TaskStatus handles GET /v1/tasks/{id}/status.
func (h *TasksHandler) TaskStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	status, err := query.DeriveTaskStatus(r.Context(), h.Ledger, tenantID, r.PathValue("id"))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": r.PathValue("id"), "status": string(status)})
}

// Children handles GET /v1/tasks/{id}/children.
func (h *TasksHandler) Children(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	receipts, err := query.Children(r.Context(), h.Ledger, tenantID, r.PathValue("id"))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipts": receipts})
}
