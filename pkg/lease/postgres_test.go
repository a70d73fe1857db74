package lease_test

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/pstryder/ledger/pkg/lease"
	"github.com/stretchr/testify/require"
)

func taskRowColumns() []string {
	return []string{
		"tenant_id", "task_id", "parent_task_id", "task_type", "task_summary",
		"task_body", "inputs", "recipient_ai", "from_principal", "for_principal",
		"retry_principal", "expected_outcome_kind", "expected_artifact_mime",
		"status", "priority", "lease_id", "worker_id", "lease_expires_at",
		"attempt", "max_attempts", "created_at", "started_at", "completed_at",
	}
}

func TestPostgresManager_LeaseNext_EmptyQueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE tenant_id=\$1 AND status='queued'`).
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows(taskRowColumns()))
	mock.ExpectRollback()

	mgr := lease.NewPostgresManager(db, time.Minute, time.Hour)
	l, tk, err := mgr.LeaseNext(context.Background(), "tenant-1", "worker-1", lease.LeaseOptions{})
	require.NoError(t, err)
	require.Nil(t, l)
	require.Nil(t, tk)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresManager_LeaseNext_GrantsLease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(taskRowColumns()).AddRow(
		"tenant-1", "T-1", "NA", "research", "look something up",
		"do the thing", nil, "worker.pool", "planner", "planner",
		"planner", "NA", "NA",
		"queued", 0, nil, nil, nil,
		0, 3, now, nil, nil,
	)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM tasks WHERE tenant_id=\$1 AND status='queued'`).
		WithArgs("tenant-1").
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE tasks SET status='leased'`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO leases`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mgr := lease.NewPostgresManager(db, time.Minute, time.Hour)
	l, tk, err := mgr.LeaseNext(context.Background(), "tenant-1", "worker-1", lease.LeaseOptions{})
	require.NoError(t, err)
	require.NotNil(t, l)
	require.NotNil(t, tk)
	require.Equal(t, "T-1", tk.TaskID)
	require.Equal(t, "worker-1", l.WorkerID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresManager_Heartbeat_NotOwned(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT lease_id, task_id, worker_id, granted_at, expires_at`).
		WithArgs("tenant-1", "lease-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"lease_id", "task_id", "worker_id", "granted_at", "expires_at",
			"heartbeats", "status", "accepted_receipt_id",
		}).AddRow("lease-1", "T-1", "worker-1", now, now.Add(time.Minute), 0, "active", "rcpt-1"))
	mock.ExpectRollback()

	mgr := lease.NewPostgresManager(db, time.Minute, time.Hour)
	_, err = mgr.Heartbeat(context.Background(), "tenant-1", "lease-1", "worker-2")
	require.ErrorIs(t, err, lease.ErrLeaseNotOwned)
	require.NoError(t, mock.ExpectationsWereMet())
}
