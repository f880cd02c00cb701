// Package ledger implements the charge ledger: charges, their accumulated
// payments, and the derived lifecycle status.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eduzayn/bursar/internal/faults"
	"github.com/eduzayn/bursar/pkg/logging"
	"github.com/eduzayn/bursar/pkg/models"
	"github.com/eduzayn/bursar/pkg/money"
	"github.com/eduzayn/bursar/pkg/pagination"
)

const chargeColumns = `id, institution_id, student_id, amount_due_cents, amount_paid_cents,
	       currency, due_date, status, installment_index, installment_count,
	       method_hint, cancel_reason, created_at, updated_at`

// Service provides charge and payment operations over the ledger tables.
type Service struct {
	db     *sql.DB
	logger logging.Logger
}

// NewService creates a charge ledger service.
func NewService(database *sql.DB, log logging.Logger) *Service {
	return &Service{db: database, logger: log}
}

// CreateChargeInput carries the parameters for a new charge.
type CreateChargeInput struct {
	InstitutionID    string
	StudentID        string
	AmountDueCents   int64
	Currency         string
	DueDate          time.Time
	InstallmentIndex *int
	InstallmentCount *int
	MethodHint       *string
}

// CreateCharge records a new billable obligation in pending status.
func (s *Service) CreateCharge(ctx context.Context, in CreateChargeInput) (*models.Charge, error) {
	if in.InstitutionID == "" {
		return nil, faults.Validation("institution_id", "is required")
	}
	if in.StudentID == "" {
		return nil, faults.Validation("student_id", "is required")
	}
	if in.AmountDueCents <= 0 {
		return nil, faults.Validation("amount_due_cents", "must be positive")
	}
	if in.DueDate.IsZero() {
		return nil, faults.Validation("due_date", "is required")
	}
	if in.InstallmentIndex != nil && *in.InstallmentIndex < 1 {
		return nil, faults.Validation("installment_index", "must be >= 1")
	}
	currency := in.Currency
	if currency == "" {
		currency = money.DefaultCurrency()
	}

	charge := &models.Charge{
		ID:               uuid.New().String(),
		InstitutionID:    in.InstitutionID,
		StudentID:        in.StudentID,
		AmountDueCents:   in.AmountDueCents,
		Currency:         currency,
		DueDate:          in.DueDate,
		Status:           models.ChargePending,
		InstallmentIndex: in.InstallmentIndex,
		InstallmentCount: in.InstallmentCount,
		MethodHint:       in.MethodHint,
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO bursar.charges (id, institution_id, student_id, amount_due_cents,
			currency, due_date, status, installment_index, installment_count, method_hint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		charge.ID, charge.InstitutionID, charge.StudentID, charge.AmountDueCents,
		charge.Currency, charge.DueDate, charge.Status,
		charge.InstallmentIndex, charge.InstallmentCount, charge.MethodHint,
	).Scan(&charge.CreatedAt, &charge.UpdatedAt)
	if err != nil {
		s.logger.WithFields(logging.Fields{
			"institution_id": in.InstitutionID,
			"student_id":     in.StudentID,
			"error":          err,
		}).Error("Failed to create charge")
		return nil, fmt.Errorf("creating charge: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"charge_id":      charge.ID,
		"institution_id": charge.InstitutionID,
		"amount":         money.Format(charge.AmountDueCents),
	}).Info("Charge created")
	return charge, nil
}

// GetCharge fetches one charge scoped to its institution.
func (s *Service) GetCharge(ctx context.Context, institutionID, chargeID string) (*models.Charge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chargeColumns+`
		FROM bursar.charges
		WHERE id = $1 AND institution_id = $2`,
		chargeID, institutionID)
	charge, err := scanCharge(row)
	if err == sql.ErrNoRows {
		return nil, faults.NotFound("charge", chargeID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching charge: %w", err)
	}
	charge.Status = charge.EffectiveStatus(time.Now())
	return charge, nil
}

// ChargeFilter narrows a charge listing.
type ChargeFilter struct {
	StudentID string
	Status    models.ChargeStatus
	DueFrom   time.Time
	DueTo     time.Time
}

// ListCharges returns charges for an institution, newest first, with keyset
// pagination. The status filter is translated into SQL so a filtered page
// scans exactly one window: the column never holds overdue, so the lazy
// statuses are expressed through the due date instead.
func (s *Service) ListCharges(ctx context.Context, institutionID string, filter ChargeFilter, params *pagination.Params) ([]models.Charge, pagination.Page, error) {
	query := `
		SELECT ` + chargeColumns + `
		FROM bursar.charges
		WHERE institution_id = $1`
	args := []interface{}{institutionID}
	if filter.StudentID != "" {
		args = append(args, filter.StudentID)
		query += fmt.Sprintf(" AND student_id = $%d", len(args))
	}
	switch filter.Status {
	case "":
	case models.ChargeOverdue:
		query += " AND status IN ('pending', 'partial') AND due_date < NOW()"
	case models.ChargePending, models.ChargePartial:
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d AND due_date >= NOW()", len(args))
	default:
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !filter.DueFrom.IsZero() {
		args = append(args, filter.DueFrom)
		query += fmt.Sprintf(" AND due_date >= $%d", len(args))
	}
	if !filter.DueTo.IsZero() {
		args = append(args, filter.DueTo)
		query += fmt.Sprintf(" AND due_date <= $%d", len(args))
	}

	keyset := &pagination.KeysetBuilder{TimestampColumn: "created_at", IDColumn: "id"}
	cond, condArgs := keyset.Condition(params, len(args)+1)
	if cond != "" {
		query += " AND " + cond
		args = append(args, condArgs...)
	}
	args = append(args, params.Limit+1)
	query += fmt.Sprintf(" ORDER BY %s LIMIT $%d", keyset.OrderBy(), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pagination.Page{}, fmt.Errorf("listing charges: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var charges []models.Charge
	for rows.Next() {
		charge, err := scanCharge(rows)
		if err != nil {
			return nil, pagination.Page{}, fmt.Errorf("scanning charge: %w", err)
		}
		charge.Status = charge.EffectiveStatus(now)
		charges = append(charges, *charge)
	}
	if err := rows.Err(); err != nil {
		return nil, pagination.Page{}, fmt.Errorf("listing charges: %w", err)
	}

	endCursor := ""
	if len(charges) > 0 {
		last := charges[min(len(charges), params.Limit)-1]
		endCursor = pagination.EncodeCursor(last.CreatedAt, last.ID)
	}
	page := pagination.BuildPage(len(charges), params.Limit, endCursor)
	if len(charges) > params.Limit {
		charges = charges[:params.Limit]
	}
	return charges, page, nil
}

// RegisterPaymentInput carries the parameters for a settlement.
type RegisterPaymentInput struct {
	AmountCents int64
	Method      string
	PaidAt      time.Time
	GatewayTxID *string
	ReceiptRef  *string
}

// RegisterPayment appends a confirmed payment to a charge and accumulates it
// into the charge's paid total, recomputing the persisted status from the new
// total. When GatewayTxID matches an already registered payment the existing
// payment is returned unchanged, so gateway retries never double-accumulate.
func (s *Service) RegisterPayment(ctx context.Context, institutionID, chargeID string, in RegisterPaymentInput) (*models.Payment, *models.Charge, error) {
	if in.AmountCents <= 0 {
		return nil, nil, faults.Validation("amount_cents", "must be positive")
	}
	if in.Method == "" {
		return nil, nil, faults.Validation("method", "is required")
	}
	if in.PaidAt.IsZero() {
		in.PaidAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if in.GatewayTxID != nil {
		existing, err := s.findPaymentByGatewayTx(ctx, tx, chargeID, *in.GatewayTxID)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil {
			charge, err := s.lockCharge(ctx, tx, institutionID, chargeID)
			if err != nil {
				return nil, nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, nil, fmt.Errorf("committing transaction: %w", err)
			}
			charge.Status = charge.EffectiveStatus(time.Now())
			s.logger.WithFields(logging.Fields{
				"charge_id":     chargeID,
				"payment_id":    existing.ID,
				"gateway_tx_id": *in.GatewayTxID,
			}).Info("Duplicate gateway payment ignored")
			return existing, charge, nil
		}
	}

	charge, err := s.lockCharge(ctx, tx, institutionID, chargeID)
	if err != nil {
		return nil, nil, err
	}
	if charge.Status == models.ChargeCancelled {
		return nil, nil, faults.Conflict("charge", chargeID, "cannot register payment on cancelled charge")
	}

	payment := &models.Payment{
		ID:          uuid.New().String(),
		ChargeID:    &chargeID,
		AmountCents: in.AmountCents,
		Currency:    charge.Currency,
		Method:      in.Method,
		Status:      models.PaymentConfirmed,
		PaidAt:      in.PaidAt,
		GatewayTxID: in.GatewayTxID,
		ReceiptRef:  in.ReceiptRef,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO bursar.payments (id, charge_id, amount_cents, currency, method,
			status, paid_at, gateway_tx_id, receipt_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		payment.ID, payment.ChargeID, payment.AmountCents, payment.Currency,
		payment.Method, payment.Status, payment.PaidAt, payment.GatewayTxID, payment.ReceiptRef,
	).Scan(&payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("inserting payment: %w", err)
	}

	newPaid := charge.AmountPaidCents + in.AmountCents
	newStatus := models.DeriveChargeStatus(newPaid, charge.AmountDueCents, charge.DueDate, time.Now(), false)
	// Overdue is derived on read; the column only holds settlement states.
	persisted := newStatus
	if persisted == models.ChargeOverdue {
		if newPaid > 0 {
			persisted = models.ChargePartial
		} else {
			persisted = models.ChargePending
		}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE bursar.charges
		SET amount_paid_cents = $1, status = $2, updated_at = NOW()
		WHERE id = $3`,
		newPaid, persisted, chargeID)
	if err != nil {
		return nil, nil, fmt.Errorf("updating charge total: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing transaction: %w", err)
	}

	charge.AmountPaidCents = newPaid
	charge.Status = newStatus
	s.logger.WithFields(logging.Fields{
		"charge_id":   chargeID,
		"payment_id":  payment.ID,
		"amount":      money.Format(in.AmountCents),
		"amount_paid": money.Format(newPaid),
		"status":      string(newStatus),
	}).Info("Payment registered")
	return payment, charge, nil
}

// CancelCharge cancels a charge that has not been fully paid. The payment
// history stays intact; reporting against past settlements keeps working.
func (s *Service) CancelCharge(ctx context.Context, institutionID, chargeID, reason string) (*models.Charge, error) {
	if reason == "" {
		return nil, faults.Validation("reason", "is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	charge, err := s.lockCharge(ctx, tx, institutionID, chargeID)
	if err != nil {
		return nil, err
	}
	if charge.AmountPaidCents >= charge.AmountDueCents {
		return nil, faults.Conflict("charge", chargeID, "cannot cancel a fully paid charge")
	}
	if charge.Status == models.ChargeCancelled {
		return nil, faults.Conflict("charge", chargeID, "already cancelled")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bursar.charges
		SET status = $1, cancel_reason = $2, updated_at = NOW()
		WHERE id = $3`,
		models.ChargeCancelled, reason, chargeID)
	if err != nil {
		return nil, fmt.Errorf("cancelling charge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	charge.Status = models.ChargeCancelled
	charge.CancelReason = &reason
	s.logger.WithFields(logging.Fields{
		"charge_id": chargeID,
		"reason":    reason,
	}).Info("Charge cancelled")
	return charge, nil
}

// ReversePayment reverses a confirmed payment and deducts it from the
// charge's paid total. Commission reversal is the caller's responsibility.
func (s *Service) ReversePayment(ctx context.Context, institutionID, paymentID, reason string) (*models.Payment, error) {
	if reason == "" {
		return nil, faults.Validation("reason", "is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	payment := &models.Payment{}
	err = tx.QueryRowContext(ctx, `
		SELECT p.id, p.charge_id, p.amount_cents, p.currency, p.method, p.status,
		       p.paid_at, p.gateway_tx_id, p.receipt_ref, p.created_at, p.updated_at
		FROM bursar.payments p
		JOIN bursar.charges c ON c.id = p.charge_id
		WHERE p.id = $1 AND c.institution_id = $2
		FOR UPDATE OF p`,
		paymentID, institutionID,
	).Scan(&payment.ID, &payment.ChargeID, &payment.AmountCents, &payment.Currency,
		&payment.Method, &payment.Status, &payment.PaidAt, &payment.GatewayTxID,
		&payment.ReceiptRef, &payment.CreatedAt, &payment.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, faults.NotFound("payment", paymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching payment: %w", err)
	}

	if !payment.Status.CanTransition(models.PaymentReversed) {
		return nil, faults.Conflict("payment", paymentID,
			fmt.Sprintf("cannot reverse payment in status %s", payment.Status))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bursar.payments SET status = $1, updated_at = NOW() WHERE id = $2`,
		models.PaymentReversed, paymentID)
	if err != nil {
		return nil, fmt.Errorf("reversing payment: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bursar.charges
		SET amount_paid_cents = amount_paid_cents - $1,
		    status = CASE
		        WHEN amount_paid_cents - $1 >= amount_due_cents THEN 'paid'
		        WHEN amount_paid_cents - $1 > 0 THEN 'partial'
		        ELSE 'pending'
		    END,
		    updated_at = NOW()
		WHERE id = $2 AND status != 'cancelled'`,
		payment.AmountCents, *payment.ChargeID)
	if err != nil {
		return nil, fmt.Errorf("deducting reversed payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	payment.Status = models.PaymentReversed
	s.logger.WithFields(logging.Fields{
		"payment_id": paymentID,
		"charge_id":  *payment.ChargeID,
		"amount":     money.Format(payment.AmountCents),
		"reason":     reason,
	}).Info("Payment reversed")
	return payment, nil
}

// ListPayments returns every payment registered against a charge, oldest
// first, so the accumulation history reads top to bottom.
func (s *Service) ListPayments(ctx context.Context, institutionID, chargeID string) ([]models.Payment, error) {
	if _, err := s.GetCharge(ctx, institutionID, chargeID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, charge_id, amount_cents, currency, method, status, paid_at,
		       gateway_tx_id, receipt_ref, created_at, updated_at
		FROM bursar.payments
		WHERE charge_id = $1
		ORDER BY paid_at ASC, created_at ASC`,
		chargeID)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		var p models.Payment
		err := rows.Scan(&p.ID, &p.ChargeID, &p.AmountCents, &p.Currency, &p.Method,
			&p.Status, &p.PaidAt, &p.GatewayTxID, &p.ReceiptRef, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *Service) lockCharge(ctx context.Context, tx *sql.Tx, institutionID, chargeID string) (*models.Charge, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+chargeColumns+`
		FROM bursar.charges
		WHERE id = $1 AND institution_id = $2
		FOR UPDATE`,
		chargeID, institutionID)
	charge, err := scanCharge(row)
	if err == sql.ErrNoRows {
		return nil, faults.NotFound("charge", chargeID)
	}
	if err != nil {
		return nil, fmt.Errorf("locking charge: %w", err)
	}
	return charge, nil
}

func (s *Service) findPaymentByGatewayTx(ctx context.Context, tx *sql.Tx, chargeID, gatewayTxID string) (*models.Payment, error) {
	p := &models.Payment{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, charge_id, amount_cents, currency, method, status, paid_at,
		       gateway_tx_id, receipt_ref, created_at, updated_at
		FROM bursar.payments
		WHERE charge_id = $1 AND gateway_tx_id = $2`,
		chargeID, gatewayTxID,
	).Scan(&p.ID, &p.ChargeID, &p.AmountCents, &p.Currency, &p.Method, &p.Status,
		&p.PaidAt, &p.GatewayTxID, &p.ReceiptRef, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checking gateway tx: %w", err)
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCharge(row rowScanner) (*models.Charge, error) {
	c := &models.Charge{}
	err := row.Scan(&c.ID, &c.InstitutionID, &c.StudentID, &c.AmountDueCents,
		&c.AmountPaidCents, &c.Currency, &c.DueDate, &c.Status,
		&c.InstallmentIndex, &c.InstallmentCount, &c.MethodHint, &c.CancelReason,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}
