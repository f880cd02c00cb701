package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/eduzayn/bursar/internal/faults"
	"github.com/eduzayn/bursar/pkg/logging"
	"github.com/eduzayn/bursar/pkg/models"
	"github.com/eduzayn/bursar/pkg/pagination"
)

func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return NewService(db, logging.NewLogger()), mock, func() { db.Close() }
}

var chargeCols = []string{
	"id", "institution_id", "student_id", "amount_due_cents", "amount_paid_cents",
	"currency", "due_date", "status", "installment_index", "installment_count",
	"method_hint", "cancel_reason", "created_at", "updated_at",
}

func chargeRow(id string, due, paid int64, status string, dueDate time.Time) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(chargeCols).AddRow(
		id, "inst-1", "student-1", due, paid, "BRL", dueDate, status,
		nil, nil, nil, nil, now, now)
}

func TestCreateChargeValidation(t *testing.T) {
	svc, _, closeDB := newMockService(t)
	defer closeDB()

	tests := []struct {
		name string
		in   CreateChargeInput
	}{
		{"missing institution", CreateChargeInput{StudentID: "s", AmountDueCents: 100, DueDate: time.Now()}},
		{"missing student", CreateChargeInput{InstitutionID: "i", AmountDueCents: 100, DueDate: time.Now()}},
		{"zero amount", CreateChargeInput{InstitutionID: "i", StudentID: "s", DueDate: time.Now()}},
		{"negative amount", CreateChargeInput{InstitutionID: "i", StudentID: "s", AmountDueCents: -1, DueDate: time.Now()}},
		{"missing due date", CreateChargeInput{InstitutionID: "i", StudentID: "s", AmountDueCents: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateCharge(context.Background(), tt.in)
			var ve *faults.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("want ValidationError, got %v", err)
			}
		})
	}
}

func TestCreateCharge(t *testing.T) {
	svc, mock, closeDB := newMockService(t)
	defer closeDB()

	now := time.Now()
	mock.ExpectQuery("INSERT INTO bursar.charges").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	charge, err := svc.CreateCharge(context.Background(), CreateChargeInput{
		InstitutionID:  "inst-1",
		StudentID:      "student-1",
		AmountDueCents: 50000,
		DueDate:        now.Add(30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateCharge: %v", err)
	}
	if charge.Status != models.ChargePending {
		t.Errorf("new charge status = %s, want pending", charge.Status)
	}
	if charge.Currency != "BRL" {
		t.Errorf("default currency = %s, want BRL", charge.Currency)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRegisterPaymentAccumulates(t *testing.T) {
	svc, mock, closeDB := newMockService(t)
	defer closeDB()

	now := time.Now()
	dueDate := now.Add(30 * 24 * time.Hour)

	// First payment of 300.00 against a 500.00 charge leaves it partial.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM bursar.charges(.+)FOR UPDATE").
		WithArgs("charge-1", "inst-1").
		WillReturnRows(chargeRow("charge-1", 50000, 0, "pending", dueDate))
	mock.ExpectQuery("INSERT INTO bursar.payments").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec("UPDATE bursar.charges").
		WithArgs(int64(30000), "partial", "charge-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payment, charge, err := svc.RegisterPayment(context.Background(), "inst-1", "charge-1",
		RegisterPaymentInput{AmountCents: 30000, Method: "pix"})
	if err != nil {
		t.Fatalf("first payment: %v", err)
	}
	if payment.Status != models.PaymentConfirmed {
		t.Errorf("payment status = %s, want confirmed", payment.Status)
	}
	if charge.Status != models.ChargePartial || charge.AmountPaidCents != 30000 {
		t.Errorf("after first payment: status=%s paid=%d, want partial/30000", charge.Status, charge.AmountPaidCents)
	}

	// Second payment of 200.00 completes it.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM bursar.charges(.+)FOR UPDATE").
		WithArgs("charge-1", "inst-1").
		WillReturnRows(chargeRow("charge-1", 50000, 30000, "partial", dueDate))
	mock.ExpectQuery("INSERT INTO bursar.payments").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec("UPDATE bursar.charges").
		WithArgs(int64(50000), "paid", "charge-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, charge, err = svc.RegisterPayment(context.Background(), "inst-1", "charge-1",
		RegisterPaymentInput{AmountCents: 20000, Method: "boleto"})
	if err != nil {
		t.Fatalf("second payment: %v", err)
	}
	if charge.Status != models.ChargePaid || charge.AmountPaidCents != 50000 {
		t.Errorf("after second payment: status=%s paid=%d, want paid/50000", charge.Status, charge.AmountPaidCents)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRegisterPaymentOnCancelledCharge(t *testing.T) {
	svc, mock, closeDB := newMockService(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM bursar.charges(.+)FOR UPDATE").
		WithArgs("charge-1", "inst-1").
		WillReturnRows(chargeRow("charge-1", 50000, 0, "cancelled", time.Now()))
	mock.ExpectRollback()

	_, _, err := svc.RegisterPayment(context.Background(), "inst-1", "charge-1",
		RegisterPaymentInput{AmountCents: 10000, Method: "pix"})
	var cf *faults.ConflictError
	if !errors.As(err, &cf) {
		t.Fatalf("want ConflictError, got %v", err)
	}
}

func TestRegisterPaymentDuplicateGatewayTx(t *testing.T) {
	svc, mock, closeDB := newMockService(t)
	defer closeDB()

	now := time.Now()
	txID := "gw-123"
	paymentCols := []string{
		"id", "charge_id", "amount_cents", "currency", "method", "status",
		"paid_at", "gateway_tx_id", "receipt_ref", "created_at", "updated_at",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM bursar.payments").
		WithArgs("charge-1", txID).
		WillReturnRows(sqlmock.NewRows(paymentCols).AddRow(
			"payment-1", "charge-1", int64(30000), "BRL", "pix", "confirmed",
			now, txID, nil, now, now))
	mock.ExpectQuery("SELECT (.+) FROM bursar.charges(.+)FOR UPDATE").
		WithArgs("charge-1", "inst-1").
		WillReturnRows(chargeRow("charge-1", 50000, 30000, "partial", now.Add(24*time.Hour)))
	mock.ExpectCommit()

	payment, charge, err := svc.RegisterPayment(context.Background(), "inst-1", "charge-1",
		RegisterPaymentInput{AmountCents: 30000, Method: "pix", GatewayTxID: &txID})
	if err != nil {
		t.Fatalf("duplicate registration: %v", err)
	}
	if payment.ID != "payment-1" {
		t.Errorf("want existing payment returned, got %s", payment.ID)
	}
	if charge.AmountPaidCents != 30000 {
		t.Errorf("paid total changed on duplicate: %d", charge.AmountPaidCents)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListChargesStatusFilterInQuery(t *testing.T) {
	svc, mock, closeDB := newMockService(t)
	defer closeDB()

	now := time.Now()
	dueDate := now.Add(30 * 24 * time.Hour)
	rows := sqlmock.NewRows(chargeCols)
	for _, id := range []string{"charge-3", "charge-2", "charge-1"} {
		rows.AddRow(id, "inst-1", "student-1", int64(50000), int64(50000), "BRL",
			dueDate, "paid", nil, nil, nil, nil, now, now)
	}

	// The filter runs in SQL, so even a window where every scanned row matches
	// still carries the extra row that signals another page.
	mock.ExpectQuery(`SELECT (.+) FROM bursar.charges WHERE institution_id = \$1 AND status = \$2 ORDER BY`).
		WithArgs("inst-1", "paid", 3).
		WillReturnRows(rows)

	charges, page, err := svc.ListCharges(context.Background(), "inst-1",
		ChargeFilter{Status: models.ChargePaid}, &pagination.Params{Limit: 2})
	if err != nil {
		t.Fatalf("ListCharges: %v", err)
	}
	if len(charges) != 2 {
		t.Fatalf("returned %d charges, want 2", len(charges))
	}
	if !page.HasMore || page.NextCursor == "" {
		t.Errorf("page = %+v, want has_more with a cursor", page)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListChargesDerivedStatusFilters(t *testing.T) {
	svc, mock, closeDB := newMockService(t)
	defer closeDB()

	now := time.Now()

	// Overdue is never stored; the filter becomes a due-date predicate over
	// the open statuses.
	mock.ExpectQuery(`AND status IN \('pending', 'partial'\) AND due_date < NOW\(\) ORDER BY`).
		WithArgs("inst-1", 51).
		WillReturnRows(sqlmock.NewRows(chargeCols).AddRow(
			"charge-1", "inst-1", "student-1", int64(50000), int64(0), "BRL",
			now.Add(-48*time.Hour), "pending", nil, nil, nil, nil, now, now))

	charges, _, err := svc.ListCharges(context.Background(), "inst-1",
		ChargeFilter{Status: models.ChargeOverdue}, &pagination.Params{Limit: 50})
	if err != nil {
		t.Fatalf("ListCharges overdue: %v", err)
	}
	if len(charges) != 1 || charges[0].Status != models.ChargeOverdue {
		t.Fatalf("want one charge surfaced as overdue, got %+v", charges)
	}

	// A pending filter must exclude rows the read path would surface as overdue.
	mock.ExpectQuery(`AND status = \$2 AND due_date >= NOW\(\) ORDER BY`).
		WithArgs("inst-1", "pending", 51).
		WillReturnRows(sqlmock.NewRows(chargeCols))

	charges, _, err = svc.ListCharges(context.Background(), "inst-1",
		ChargeFilter{Status: models.ChargePending}, &pagination.Params{Limit: 50})
	if err != nil {
		t.Fatalf("ListCharges pending: %v", err)
	}
	if len(charges) != 0 {
		t.Fatalf("want no charges, got %d", len(charges))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRegisterPaymentDuplicateDerivesOverdue(t *testing.T) {
	svc, mock, closeDB := newMockService(t)
	defer closeDB()

	now := time.Now()
	txID := "gw-456"
	paymentCols := []string{
		"id", "charge_id", "amount_cents", "currency", "method", "status",
		"paid_at", "gateway_tx_id", "receipt_ref", "created_at", "updated_at",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM bursar.payments").
		WithArgs("charge-1", txID).
		WillReturnRows(sqlmock.NewRows(paymentCols).AddRow(
			"payment-1", "charge-1", int64(20000), "BRL", "pix", "confirmed",
			now, txID, nil, now, now))
	mock.ExpectQuery("SELECT (.+) FROM bursar.charges(.+)FOR UPDATE").
		WithArgs("charge-1", "inst-1").
		WillReturnRows(chargeRow("charge-1", 50000, 20000, "partial", now.Add(-24*time.Hour)))
	mock.ExpectCommit()

	_, charge, err := svc.RegisterPayment(context.Background(), "inst-1", "charge-1",
		RegisterPaymentInput{AmountCents: 20000, Method: "pix", GatewayTxID: &txID})
	if err != nil {
		t.Fatalf("duplicate registration: %v", err)
	}
	if charge.Status != models.ChargeOverdue {
		t.Errorf("status = %s, want overdue derived on the replay read", charge.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCancelChargeRejectsPaid(t *testing.T) {
	svc, mock, closeDB := newMockService(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM bursar.charges(.+)FOR UPDATE").
		WithArgs("charge-1", "inst-1").
		WillReturnRows(chargeRow("charge-1", 50000, 50000, "paid", time.Now()))
	mock.ExpectRollback()

	_, err := svc.CancelCharge(context.Background(), "inst-1", "charge-1", "duplicate entry")
	var cf *faults.ConflictError
	if !errors.As(err, &cf) {
		t.Fatalf("want ConflictError for paid charge, got %v", err)
	}
}

func TestCancelCharge(t *testing.T) {
	svc, mock, closeDB := newMockService(t)
	defer closeDB()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM bursar.charges(.+)FOR UPDATE").
		WithArgs("charge-1", "inst-1").
		WillReturnRows(chargeRow("charge-1", 50000, 20000, "partial", time.Now().Add(24*time.Hour)))
	mock.ExpectExec("UPDATE bursar.charges").
		WithArgs("cancelled", "student withdrew", "charge-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	charge, err := svc.CancelCharge(context.Background(), "inst-1", "charge-1", "student withdrew")
	if err != nil {
		t.Fatalf("CancelCharge: %v", err)
	}
	if charge.Status != models.ChargeCancelled {
		t.Errorf("status = %s, want cancelled", charge.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetChargeNotFound(t *testing.T) {
	svc, mock, closeDB := newMockService(t)
	defer closeDB()

	mock.ExpectQuery("SELECT (.+) FROM bursar.charges").
		WithArgs("missing", "inst-1").
		WillReturnRows(sqlmock.NewRows(chargeCols))

	_, err := svc.GetCharge(context.Background(), "inst-1", "missing")
	var nf *faults.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
}

func TestGetChargeDerivesOverdue(t *testing.T) {
	svc, mock, closeDB := newMockService(t)
	defer closeDB()

	// Persisted status is still partial; the due date passed yesterday.
	mock.ExpectQuery("SELECT (.+) FROM bursar.charges").
		WithArgs("charge-1", "inst-1").
		WillReturnRows(chargeRow("charge-1", 50000, 20000, "partial", time.Now().Add(-24*time.Hour)))

	charge, err := svc.GetCharge(context.Background(), "inst-1", "charge-1")
	if err != nil {
		t.Fatalf("GetCharge: %v", err)
	}
	if charge.Status != models.ChargeOverdue {
		t.Errorf("status = %s, want overdue derived on read", charge.Status)
	}
}

func TestReversePayment(t *testing.T) {
	svc, mock, closeDB := newMockService(t)
	defer closeDB()

	now := time.Now()
	chargeID := "charge-1"
	paymentCols := []string{
		"id", "charge_id", "amount_cents", "currency", "method", "status",
		"paid_at", "gateway_tx_id", "receipt_ref", "created_at", "updated_at",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT p.id").
		WithArgs("payment-1", "inst-1").
		WillReturnRows(sqlmock.NewRows(paymentCols).AddRow(
			"payment-1", chargeID, int64(20000), "BRL", "pix", "confirmed",
			now, nil, nil, now, now))
	mock.ExpectExec("UPDATE bursar.payments").
		WithArgs("reversed", "payment-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.charges").
		WithArgs(int64(20000), chargeID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payment, err := svc.ReversePayment(context.Background(), "inst-1", "payment-1", "chargeback")
	if err != nil {
		t.Fatalf("ReversePayment: %v", err)
	}
	if payment.Status != models.PaymentReversed {
		t.Errorf("status = %s, want reversed", payment.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReversePaymentRejectsNonConfirmed(t *testing.T) {
	svc, mock, closeDB := newMockService(t)
	defer closeDB()

	now := time.Now()
	paymentCols := []string{
		"id", "charge_id", "amount_cents", "currency", "method", "status",
		"paid_at", "gateway_tx_id", "receipt_ref", "created_at", "updated_at",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT p.id").
		WithArgs("payment-1", "inst-1").
		WillReturnRows(sqlmock.NewRows(paymentCols).AddRow(
			"payment-1", "charge-1", int64(20000), "BRL", "pix", "reversed",
			now, nil, nil, now, now))
	mock.ExpectRollback()

	_, err := svc.ReversePayment(context.Background(), "inst-1", "payment-1", "chargeback")
	var cf *faults.ConflictError
	if !errors.As(err, &cf) {
		t.Fatalf("want ConflictError, got %v", err)
	}
}
