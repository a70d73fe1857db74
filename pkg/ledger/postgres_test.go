package ledger_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/pstryder/ledger/pkg/canonicalize"
	"github.com/pstryder/ledger/pkg/ledger"
	"github.com/stretchr/testify/require"
)

func TestPostgresLedger_Append_InsertsWhenNoConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := sampleReceipt("tenant-1", "01R1", "T-1")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT payload, canonical_hash FROM receipts WHERE tenant_id=\$1 AND receipt_id=\$2`).
		WithArgs(r.TenantID, r.ReceiptID).
		WillReturnRows(sqlmock.NewRows([]string{"payload", "canonical_hash"}))
	mock.ExpectExec(`INSERT INTO receipts`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	l := ledger.NewPostgresLedger(db)
	res, err := l.Append(context.Background(), r)
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_Append_ReplaysIdenticalPayload(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := sampleReceipt("tenant-1", "01R1", "T-1")
	payload, err := json.Marshal(r)
	require.NoError(t, err)
	hash, err := canonicalize.CanonicalHash(r)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT payload, canonical_hash FROM receipts WHERE tenant_id=\$1 AND receipt_id=\$2`).
		WithArgs(r.TenantID, r.ReceiptID).
		WillReturnRows(sqlmock.NewRows([]string{"payload", "canonical_hash"}).AddRow(payload, hash))
	mock.ExpectCommit()

	l := ledger.NewPostgresLedger(db)
	res, err := l.Append(context.Background(), r)
	require.NoError(t, err)
	require.True(t, res.Replayed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_Append_ConflictingPayloadReturnsError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	r := sampleReceipt("tenant-1", "01R1", "T-1")
	other := sampleReceipt("tenant-1", "01R1", "T-2")
	payload, err := json.Marshal(other)
	require.NoError(t, err)
	otherHash, err := canonicalize.CanonicalHash(other)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT payload, canonical_hash FROM receipts WHERE tenant_id=\$1 AND receipt_id=\$2`).
		WithArgs(r.TenantID, r.ReceiptID).
		WillReturnRows(sqlmock.NewRows([]string{"payload", "canonical_hash"}).AddRow(payload, otherHash))

	l := ledger.NewPostgresLedger(db)
	_, err = l.Append(context.Background(), r)
	require.ErrorIs(t, err, ledger.ErrDuplicateConflict)
}

func TestPostgresLedger_Get_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT payload FROM receipts WHERE tenant_id=\$1 AND receipt_id=\$2`).
		WithArgs("tenant-1", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	l := ledger.NewPostgresLedger(db)
	_, err = l.Get(context.Background(), "tenant-1", "missing")
	require.ErrorIs(t, err, ledger.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_Archive(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE receipts SET archived_at=\$3`).
		WithArgs("tenant-1", "01R1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	l := ledger.NewPostgresLedger(db)
	require.NoError(t, l.Archive(context.Background(), "tenant-1", "01R1", time.Now()))
	require.NoError(t, mock.ExpectationsWereMet())
}
