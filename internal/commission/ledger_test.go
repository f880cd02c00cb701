package commission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/eduzayn/bursar/internal/faults"
	"github.com/eduzayn/bursar/pkg/logging"
	"github.com/eduzayn/bursar/pkg/models"
)

func newMockLedger(t *testing.T, resolver BeneficiaryResolver) (*Ledger, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return NewLedger(db, logging.NewLogger(), resolver), mock, func() { db.Close() }
}

var commissionCols = []string{
	"id", "institution_id", "beneficiary_id", "beneficiary_kind", "student_id",
	"enrollment_id", "course_id", "source_payment_id", "value_cents", "percentage",
	"base_amount_cents", "accrual_type", "reference_date", "computed_at", "status",
	"payout_batch_id", "generated_by_rule_id", "note", "created_at", "updated_at",
}

func commissionRow(id, status string, batchID interface{}) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(commissionCols).AddRow(
		id, "inst-1", "consultant-9", "consultant", "student-1",
		nil, nil, "payment-1", int64(5000), 10.0,
		int64(50000), "installment", now, now, status,
		batchID, nil, nil, now, now)
}

var ruleCols = []string{
	"id", "institution_id", "beneficiary_kind", "course_id", "percentage",
	"fixed_amount_cents", "recurring", "eligible_installments", "active",
	"created_at", "updated_at",
}

func TestCreateValidation(t *testing.T) {
	ledger, _, closeDB := newMockLedger(t, &stubResolver{})
	defer closeDB()

	tests := []struct {
		name string
		in   CreateInput
	}{
		{"missing institution", CreateInput{BeneficiaryID: "b", BeneficiaryKind: models.BeneficiaryPool, ValueCents: 100}},
		{"missing beneficiary", CreateInput{InstitutionID: "i", BeneficiaryKind: models.BeneficiaryPool, ValueCents: 100}},
		{"bad kind", CreateInput{InstitutionID: "i", BeneficiaryID: "b", BeneficiaryKind: "agent", ValueCents: 100}},
		{"zero value", CreateInput{InstitutionID: "i", BeneficiaryID: "b", BeneficiaryKind: models.BeneficiaryPool}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.Create(context.Background(), tt.in)
			var ve *faults.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("want ValidationError, got %v", err)
			}
		})
	}
}

func TestGenerateForEventReplayReturnsExisting(t *testing.T) {
	ledger, mock, closeDB := newMockLedger(t, &stubResolver{})
	defer closeDB()

	mock.ExpectQuery("SELECT id FROM bursar.commissions").
		WithArgs("inst-1", "payment-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c1").AddRow("c2"))

	ids, err := ledger.GenerateForEvent(context.Background(), baseEvent())
	if err != nil {
		t.Fatalf("GenerateForEvent: %v", err)
	}
	if len(ids) != 2 || ids[0] != "c1" || ids[1] != "c2" {
		t.Errorf("replay should return existing ids, got %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGenerateForEventCreatesMatches(t *testing.T) {
	resolver := &stubResolver{byKind: map[models.BeneficiaryKind]string{
		models.BeneficiaryConsultant: "consultant-9",
	}}
	ledger, mock, closeDB := newMockLedger(t, resolver)
	defer closeDB()

	now := time.Now()
	mock.ExpectQuery("SELECT id FROM bursar.commissions").
		WithArgs("inst-1", "payment-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT (.+) FROM bursar.commission_rules").
		WithArgs("inst-1").
		WillReturnRows(sqlmock.NewRows(ruleCols).AddRow(
			"rule-1", "inst-1", "consultant", nil, 10.0, nil, true,
			[]byte(`{}`), true, now, now))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO bursar.commissions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ids, err := ledger.GenerateForEvent(context.Background(), baseEvent())
	if err != nil {
		t.Fatalf("GenerateForEvent: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("got %d commissions, want 1", len(ids))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGenerateForEventNoMatchesIsNotAnError(t *testing.T) {
	ledger, mock, closeDB := newMockLedger(t, &stubResolver{})
	defer closeDB()

	mock.ExpectQuery("SELECT id FROM bursar.commissions").
		WithArgs("inst-1", "payment-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT (.+) FROM bursar.commission_rules").
		WithArgs("inst-1").
		WillReturnRows(sqlmock.NewRows(ruleCols))

	ids, err := ledger.GenerateForEvent(context.Background(), baseEvent())
	if err != nil {
		t.Fatalf("GenerateForEvent: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("want no commissions, got %v", ids)
	}
}

func TestGenerateForEventDirectoryFailure(t *testing.T) {
	resolver := &stubResolver{err: errors.New("connection refused")}
	ledger, mock, closeDB := newMockLedger(t, resolver)
	defer closeDB()

	now := time.Now()
	mock.ExpectQuery("SELECT id FROM bursar.commissions").
		WithArgs("inst-1", "payment-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT (.+) FROM bursar.commission_rules").
		WithArgs("inst-1").
		WillReturnRows(sqlmock.NewRows(ruleCols).AddRow(
			"rule-1", "inst-1", "consultant", nil, 10.0, nil, true,
			[]byte(`{}`), true, now, now))

	_, err := ledger.GenerateForEvent(context.Background(), baseEvent())
	var ex *faults.ExternalServiceError
	if !errors.As(err, &ex) {
		t.Fatalf("want ExternalServiceError, got %v", err)
	}
}

func TestCancelPendingCommission(t *testing.T) {
	ledger, mock, closeDB := newMockLedger(t, &stubResolver{})
	defer closeDB()

	mock.ExpectQuery("SELECT (.+) FROM bursar.commissions").
		WithArgs("c1", "inst-1").
		WillReturnRows(commissionRow("c1", "pending", nil))
	mock.ExpectExec("UPDATE bursar.commissions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	c, err := ledger.Cancel(context.Background(), "inst-1", "c1", "entered by mistake")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if c.Status != models.CommissionCancelled {
		t.Errorf("status = %s, want cancelled", c.Status)
	}
}

func TestCancelClaimedCommission(t *testing.T) {
	ledger, mock, closeDB := newMockLedger(t, &stubResolver{})
	defer closeDB()

	mock.ExpectQuery("SELECT (.+) FROM bursar.commissions").
		WithArgs("c1", "inst-1").
		WillReturnRows(commissionRow("c1", "processing", "batch-1"))

	_, err := ledger.Cancel(context.Background(), "inst-1", "c1", "mistake")
	var cf *faults.ConflictError
	if !errors.As(err, &cf) {
		t.Fatalf("want ConflictError for claimed commission, got %v", err)
	}
}

func TestCancelLostRace(t *testing.T) {
	ledger, mock, closeDB := newMockLedger(t, &stubResolver{})
	defer closeDB()

	mock.ExpectQuery("SELECT (.+) FROM bursar.commissions").
		WithArgs("c1", "inst-1").
		WillReturnRows(commissionRow("c1", "pending", nil))
	mock.ExpectExec("UPDATE bursar.commissions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := ledger.Cancel(context.Background(), "inst-1", "c1", "mistake")
	var cf *faults.ConflictError
	if !errors.As(err, &cf) {
		t.Fatalf("want ConflictError when the conditional update matched nothing, got %v", err)
	}
}

func TestReversePaidCommission(t *testing.T) {
	ledger, mock, closeDB := newMockLedger(t, &stubResolver{})
	defer closeDB()

	mock.ExpectQuery("SELECT (.+) FROM bursar.commissions").
		WithArgs("c1", "inst-1").
		WillReturnRows(commissionRow("c1", "paid", "batch-1"))
	mock.ExpectExec("UPDATE bursar.commissions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	c, err := ledger.Reverse(context.Background(), "inst-1", "c1", "chargeback")
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	if c.Status != models.CommissionReversed {
		t.Errorf("status = %s, want reversed", c.Status)
	}
}

func TestReverseRejectsPending(t *testing.T) {
	ledger, mock, closeDB := newMockLedger(t, &stubResolver{})
	defer closeDB()

	mock.ExpectQuery("SELECT (.+) FROM bursar.commissions").
		WithArgs("c1", "inst-1").
		WillReturnRows(commissionRow("c1", "pending", nil))

	_, err := ledger.Reverse(context.Background(), "inst-1", "c1", "chargeback")
	var cf *faults.ConflictError
	if !errors.As(err, &cf) {
		t.Fatalf("want ConflictError, got %v", err)
	}
}
