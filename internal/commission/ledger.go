package commission

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

const commissionColumns = `id, institution_id, beneficiary_id, beneficiary_kind, student_id,
	       enrollment_id, course_id, source_payment_id, value_cents, percentage,
	       base_amount_cents, accrual_type, reference_date, computed_at, status,
	       payout_batch_id, generated_by_rule_id, note, created_at, updated_at`

// Ledger owns commission records and their lifecycle.
type Ledger struct {
	db       *sql.DB
	logger   logging.Logger
	resolver BeneficiaryResolver
}

// NewLedger creates a commission ledger.
func NewLedger(database *sql.DB, log logging.Logger, resolver BeneficiaryResolver) *Ledger {
	return &Ledger{db: database, logger: log, resolver: resolver}
}

// CreateInput carries a manually entered commission.
type CreateInput struct {
	InstitutionID   string
	BeneficiaryID   string
	BeneficiaryKind models.BeneficiaryKind
	StudentID       *string
	EnrollmentID    *string
	CourseID        *string
	SourcePaymentID *string
	ValueCents      int64
	Percentage      *float64
	BaseAmountCents int64
	AccrualType     models.AccrualType
	ReferenceDate   time.Time
	Note            *string
}

// Create records a commission with status pending and computed_at = now.
func (l *Ledger) Create(ctx context.Context, in CreateInput) (*models.Commission, error) {
	if in.InstitutionID == "" {
		return nil, faults.Validation("institution_id", "is required")
	}
	if in.BeneficiaryID == "" {
		return nil, faults.Validation("beneficiary_id", "is required")
	}
	if !in.BeneficiaryKind.Valid() {
		return nil, faults.Validation("beneficiary_kind", "must be pool or consultant")
	}
	if in.ValueCents <= 0 {
		return nil, faults.Validation("value_cents", "must be positive")
	}
	if in.ReferenceDate.IsZero() {
		in.ReferenceDate = time.Now()
	}

	c := &models.Commission{
		ID:              uuid.New().String(),
		InstitutionID:   in.InstitutionID,
		BeneficiaryID:   in.BeneficiaryID,
		BeneficiaryKind: in.BeneficiaryKind,
		StudentID:       in.StudentID,
		EnrollmentID:    in.EnrollmentID,
		CourseID:        in.CourseID,
		SourcePaymentID: in.SourcePaymentID,
		ValueCents:      in.ValueCents,
		Percentage:      in.Percentage,
		BaseAmountCents: in.BaseAmountCents,
		AccrualType:     in.AccrualType,
		ReferenceDate:   in.ReferenceDate,
		Status:          models.CommissionPending,
		Note:            in.Note,
	}
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO bursar.commissions (id, institution_id, beneficiary_id, beneficiary_kind,
			student_id, enrollment_id, course_id, source_payment_id, value_cents,
			percentage, base_amount_cents, accrual_type, reference_date, computed_at,
			status, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), $14, $15)
		RETURNING computed_at, created_at, updated_at`,
		c.ID, c.InstitutionID, c.BeneficiaryID, c.BeneficiaryKind, c.StudentID,
		c.EnrollmentID, c.CourseID, c.SourcePaymentID, c.ValueCents, c.Percentage,
		c.BaseAmountCents, c.AccrualType, c.ReferenceDate, c.Status, c.Note,
	).Scan(&c.ComputedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating commission: %w", err)
	}

	l.logger.WithFields(logging.Fields{
		"commission_id":  c.ID,
		"beneficiary_id": c.BeneficiaryID,
		"value":          money.Format(c.ValueCents),
	}).Info("Commission created")
	return c, nil
}

// GenerateForEvent matches a settled payment event against the institution's
// active rules and persists one pending commission per match. Generation is
// idempotent per source payment: when commissions for the event's payment id
// already exist, their ids are returned and nothing new is written.
func (l *Ledger) GenerateForEvent(ctx context.Context, event PaymentEvent) ([]string, error) {
	if event.InstitutionID == "" {
		return nil, faults.Validation("institution_id", "is required")
	}
	if event.PaymentID == "" {
		return nil, faults.Validation("payment_id", "is required")
	}
	if event.BaseAmountCents <= 0 {
		return nil, faults.Validation("base_amount_cents", "must be positive")
	}
	if event.AccrualType == "" {
		event.AccrualType = models.AccrualInstallment
	}
	if event.ReferenceDate.IsZero() {
		event.ReferenceDate = time.Now()
	}

	existing, err := l.idsForSourcePayment(ctx, event.InstitutionID, event.PaymentID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		l.logger.WithFields(logging.Fields{
			"payment_id":       event.PaymentID,
			"commission_count": len(existing),
		}).Info("Commissions already generated for payment, replay ignored")
		return existing, nil
	}

	rules, err := l.activeRules(ctx, event.InstitutionID)
	if err != nil {
		return nil, err
	}
	beneficiaries, err := ResolveBeneficiaries(ctx, l.resolver, event, rules)
	if err != nil {
		return nil, faults.External("beneficiary directory", err)
	}

	drafts := Match(event, rules, beneficiaries)
	if len(drafts) == 0 {
		return []string{}, nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(drafts))
	for _, draft := range drafts {
		id := uuid.New().String()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bursar.commissions (id, institution_id, beneficiary_id,
				beneficiary_kind, student_id, enrollment_id, course_id,
				source_payment_id, value_cents, percentage, base_amount_cents,
				accrual_type, reference_date, computed_at, status, generated_by_rule_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), $14, $15)`,
			id, event.InstitutionID, draft.BeneficiaryID, draft.BeneficiaryKind,
			event.StudentID, event.EnrollmentID, event.CourseID, event.PaymentID,
			draft.ValueCents, draft.Percentage, event.BaseAmountCents,
			event.AccrualType, event.ReferenceDate, models.CommissionPending, draft.RuleID)
		if err != nil {
			return nil, fmt.Errorf("inserting commission: %w", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	l.logger.WithFields(logging.Fields{
		"payment_id":       event.PaymentID,
		"institution_id":   event.InstitutionID,
		"commission_count": len(ids),
	}).Info("Commissions generated")
	return ids, nil
}

// Get fetches one commission scoped to its institution.
func (l *Ledger) Get(ctx context.Context, institutionID, commissionID string) (*models.Commission, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT `+commissionColumns+`
		FROM bursar.commissions
		WHERE id = $1 AND institution_id = $2`,
		commissionID, institutionID)
	c, err := scanCommission(row)
	if err == sql.ErrNoRows {
		return nil, faults.NotFound("commission", commissionID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching commission: %w", err)
	}
	return c, nil
}

// Cancel cancels a commission. A commission already claimed by a batch cannot
// be cancelled directly; cancelling its batch releases it first.
func (l *Ledger) Cancel(ctx context.Context, institutionID, commissionID, reason string) (*models.Commission, error) {
	if reason == "" {
		return nil, faults.Validation("reason", "is required")
	}
	c, err := l.Get(ctx, institutionID, commissionID)
	if err != nil {
		return nil, err
	}
	if c.PayoutBatchID != nil {
		return nil, faults.Conflict("commission", commissionID, "claimed by a payout batch; cancel the batch first")
	}
	if !c.Status.CanTransition(models.CommissionCancelled) {
		return nil, faults.Conflict("commission", commissionID,
			fmt.Sprintf("cannot cancel commission in status %s", c.Status))
	}

	result, err := l.db.ExecContext(ctx, `
		UPDATE bursar.commissions
		SET status = $1, note = COALESCE(note || ' | ', '') || $2, updated_at = NOW()
		WHERE id = $3 AND status = 'pending' AND payout_batch_id IS NULL`,
		models.CommissionCancelled, "cancelled: "+reason, commissionID)
	if err != nil {
		return nil, fmt.Errorf("cancelling commission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking cancel result: %w", err)
	}
	if affected == 0 {
		return nil, faults.Conflict("commission", commissionID, "state changed concurrently")
	}

	c.Status = models.CommissionCancelled
	l.logger.WithFields(logging.Fields{
		"commission_id": commissionID,
		"reason":        reason,
	}).Info("Commission cancelled")
	return c, nil
}

// Reverse reverses a paid commission. Distinct from cancel: it records that
// money already disbursed is owed back.
func (l *Ledger) Reverse(ctx context.Context, institutionID, commissionID, reason string) (*models.Commission, error) {
	if reason == "" {
		return nil, faults.Validation("reason", "is required")
	}
	c, err := l.Get(ctx, institutionID, commissionID)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanTransition(models.CommissionReversed) {
		return nil, faults.Conflict("commission", commissionID,
			fmt.Sprintf("cannot reverse commission in status %s", c.Status))
	}

	result, err := l.db.ExecContext(ctx, `
		UPDATE bursar.commissions
		SET status = $1, note = COALESCE(note || ' | ', '') || $2, updated_at = NOW()
		WHERE id = $3 AND status = 'paid'`,
		models.CommissionReversed, "reversed: "+reason, commissionID)
	if err != nil {
		return nil, fmt.Errorf("reversing commission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking reverse result: %w", err)
	}
	if affected == 0 {
		return nil, faults.Conflict("commission", commissionID, "state changed concurrently")
	}

	c.Status = models.CommissionReversed
	l.logger.WithFields(logging.Fields{
		"commission_id": commissionID,
		"reason":        reason,
	}).Info("Commission reversed")
	return c, nil
}

// Filter narrows a commission listing.
type Filter struct {
	BeneficiaryID string
	Status        models.CommissionStatus
	From          *time.Time
	To            *time.Time
}

// List returns commissions for an institution, newest first, with keyset
// pagination.
func (l *Ledger) List(ctx context.Context, institutionID string, filter Filter, params *pagination.Params) ([]models.Commission, pagination.Page, error) {
	query := `
		SELECT ` + commissionColumns + `
		FROM bursar.commissions
		WHERE institution_id = $1`
	args := []interface{}{institutionID}
	if filter.BeneficiaryID != "" {
		args = append(args, filter.BeneficiaryID)
		query += fmt.Sprintf(" AND beneficiary_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		query += fmt.Sprintf(" AND reference_date >= $%d", len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		query += fmt.Sprintf(" AND reference_date <= $%d", len(args))
	}

	keyset := &pagination.KeysetBuilder{TimestampColumn: "created_at", IDColumn: "id"}
	cond, condArgs := keyset.Condition(params, len(args)+1)
	if cond != "" {
		query += " AND " + cond
		args = append(args, condArgs...)
	}
	args = append(args, params.Limit+1)
	query += fmt.Sprintf(" ORDER BY %s LIMIT $%d", keyset.OrderBy(), len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pagination.Page{}, fmt.Errorf("listing commissions: %w", err)
	}
	defer rows.Close()

	var commissions []models.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, pagination.Page{}, fmt.Errorf("scanning commission: %w", err)
		}
		commissions = append(commissions, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, pagination.Page{}, fmt.Errorf("listing commissions: %w", err)
	}

	endCursor := ""
	if len(commissions) > 0 {
		last := commissions[len(commissions)-1]
		if len(commissions) > params.Limit {
			last = commissions[params.Limit-1]
		}
		endCursor = pagination.EncodeCursor(last.CreatedAt, last.ID)
	}
	page := pagination.BuildPage(len(commissions), params.Limit, endCursor)
	if len(commissions) > params.Limit {
		commissions = commissions[:params.Limit]
	}
	return commissions, page, nil
}

func (l *Ledger) activeRules(ctx context.Context, institutionID string) ([]models.CommissionRule, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, institution_id, beneficiary_kind, course_id, percentage,
		       fixed_amount_cents, recurring, eligible_installments, active,
		       created_at, updated_at
		FROM bursar.commission_rules
		WHERE institution_id = $1 AND active = true
		ORDER BY created_at ASC`,
		institutionID)
	if err != nil {
		return nil, fmt.Errorf("loading commission rules: %w", err)
	}
	defer rows.Close()

	var rules []models.CommissionRule
	for rows.Next() {
		var r models.CommissionRule
		err := rows.Scan(&r.ID, &r.InstitutionID, &r.BeneficiaryKind, &r.CourseID,
			&r.Percentage, &r.FixedAmountCents, &r.Recurring,
			&r.EligibleInstallments, &r.Active, &r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning commission rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (l *Ledger) idsForSourcePayment(ctx context.Context, institutionID, paymentID string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id FROM bursar.commissions
		WHERE institution_id = $1 AND source_payment_id = $2
		ORDER BY created_at ASC`,
		institutionID, paymentID)
	if err != nil {
		return nil, fmt.Errorf("checking existing commissions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning commission id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCommission(row rowScanner) (*models.Commission, error) {
	c := &models.Commission{}
	err := row.Scan(&c.ID, &c.InstitutionID, &c.BeneficiaryID, &c.BeneficiaryKind,
		&c.StudentID, &c.EnrollmentID, &c.CourseID, &c.SourcePaymentID,
		&c.ValueCents, &c.Percentage, &c.BaseAmountCents, &c.AccrualType,
		&c.ReferenceDate, &c.ComputedAt, &c.Status, &c.PayoutBatchID,
		&c.GeneratedByRuleID, &c.Note, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}
