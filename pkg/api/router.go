package api

import (
	"net/http"
	"time"

	"github.com/pstryder/ledger/pkg/audit"
	"github.com/pstryder/ledger/pkg/ledger"
	"github.com/pstryder/ledger/pkg/lease"
	"github.com/pstryder/ledger/pkg/task"
)

// RouterDeps carries every dependency the router wires into handlers.
type RouterDeps struct {
	Ledger        ledger.Ledger
	TaskStore     task.Store
	LeaseManager  lease.Manager
	ChainDepthCap int
	Idempotency   IdempotencyStorer
	Audit         audit.Logger
}

// NewRouter builds the HTTP mux for the receipt ledger and task/lease
// engine. Auth, request ID, and rate-limit middleware are applied by the
// caller (see cmd/ledgerd) since their configuration is deployment-specific;
// this function only wires routes to handlers and applies idempotency
// where a mutating endpoint's semantics call for it.
func NewRouter(deps RouterDeps) http.Handler {
	receipts := NewReceiptsHandler(deps.Ledger, deps.ChainDepthCap, deps.Audit)
	tasks := NewTasksHandler(deps.TaskStore, deps.Ledger, deps.Audit)
	leases := NewLeasesHandler(deps.LeaseManager, deps.Audit)

	mux := http.NewServeMux()

	var submitReceipt http.Handler = http.HandlerFunc(receipts.SubmitReceipt)
	if deps.Idempotency != nil {
		submitReceipt = IdempotencyMiddleware(deps.Idempotency)(submitReceipt)
	}
	mux.Handle("POST /v1/receipts", submitReceipt)
	mux.HandleFunc("GET /v1/receipts/{id}", receipts.GetReceipt)
	mux.HandleFunc("POST /v1/receipts/{id}/archive", receipts.ArchiveReceipt)
	mux.HandleFunc("GET /v1/receipts/{id}/chain", receipts.ReceiptChain)
	mux.HandleFunc("GET /v1/inbox/{recipient_ai}", receipts.ListInbox)

	mux.HandleFunc("POST /v1/tasks", tasks.SubmitTask)
	mux.HandleFunc("GET /v1/tasks/{id}", tasks.GetTask)
	mux.HandleFunc("GET /v1/tasks/{id}/timeline", tasks.TaskTimeline)
	mux.HandleFunc("GET /v1/tasks/{id}/status", tasks.TaskStatus)
	mux.HandleFunc("GET /v1/tasks/{id}/children", tasks.Children)

	mux.HandleFunc("POST /v1/leases", leases.LeaseNext)
	mux.HandleFunc("POST /v1/leases/{id}/heartbeat", leases.Heartbeat)
	mux.HandleFunc("POST /v1/leases/{id}/complete", leases.Complete)
	mux.HandleFunc("POST /v1/leases/{id}/fail", leases.Fail)
	mux.HandleFunc("POST /v1/leases/{id}/release", leases.Release)

	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /readiness", healthHandler)
	mux.HandleFunc("GET /startup", healthHandler)

	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}
