package payout

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/eduzayn/bursar/pkg/logging"
)

func newMockReconciler(t *testing.T) (*Reconciler, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	log := logging.NewLogger()
	svc := NewService(db, log)
	return NewReconciler(db, svc, log), mock, func() { db.Close() }
}

func TestSweepFinishesPaidBatch(t *testing.T) {
	r, mock, closeDB := newMockReconciler(t)
	defer closeDB()

	mock.ExpectQuery("SELECT id, institution_id, status, reconcile_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"id", "institution_id", "status", "reconcile_attempts"}).
			AddRow("batch-1", "inst-1", "paid", 1))
	// Lease claim bumps the attempt counter.
	mock.ExpectExec("UPDATE bursar.payout_batches").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Finish the paid propagation, then clear the flag.
	mock.ExpectExec("UPDATE bursar.commissions").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("UPDATE bursar.payout_batches").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r.sweep(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSweepReleasesCancelledBatch(t *testing.T) {
	r, mock, closeDB := newMockReconciler(t)
	defer closeDB()

	mock.ExpectQuery("SELECT id, institution_id, status, reconcile_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"id", "institution_id", "status", "reconcile_attempts"}).
			AddRow("batch-2", "inst-1", "cancelled", 0))
	mock.ExpectExec("UPDATE bursar.payout_batches").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.commissions").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE bursar.payout_batches").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r.sweep(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSweepSkipsBatchWhoseLeaseWasLost(t *testing.T) {
	r, mock, closeDB := newMockReconciler(t)
	defer closeDB()

	mock.ExpectQuery("SELECT id, institution_id, status, reconcile_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"id", "institution_id", "status", "reconcile_attempts"}).
			AddRow("batch-1", "inst-1", "paid", 1))
	// Another sweep already reconciled it: the conditional claim matches no row.
	mock.ExpectExec("UPDATE bursar.payout_batches").
		WillReturnResult(sqlmock.NewResult(0, 0))

	r.sweep(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSweepKeepsFlagOnFailure(t *testing.T) {
	r, mock, closeDB := newMockReconciler(t)
	defer closeDB()

	mock.ExpectQuery("SELECT id, institution_id, status, reconcile_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"id", "institution_id", "status", "reconcile_attempts"}).
			AddRow("batch-1", "inst-1", "paid", 2))
	mock.ExpectExec("UPDATE bursar.payout_batches").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.commissions").
		WillReturnError(errors.New("connection reset"))
	// The error is recorded; the flag stays set for the next sweep.
	mock.ExpectExec("UPDATE bursar.payout_batches").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r.sweep(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
