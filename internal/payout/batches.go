// Package payout groups pending commissions into disbursement batches and
// owns the confirm/cancel compensation contract.
package payout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/eduzayn/bursar/internal/faults"
	"github.com/eduzayn/bursar/pkg/logging"
	"github.com/eduzayn/bursar/pkg/models"
	"github.com/eduzayn/bursar/pkg/money"
	"github.com/eduzayn/bursar/pkg/pagination"
)

const batchColumns = `id, institution_id, beneficiary_id, beneficiary_kind, total_value_cents,
	       commission_count, scheduled_date, paid_date, payment_method, payment_reference,
	       proof_ref, doc_ref, status, needs_reconciliation, reconcile_attempts,
	       last_reconcile_error, requester_id, approver_id, approved_at, note,
	       created_at, updated_at`

// Propagation retry policy for the second phase of confirm/cancel.
const (
	maxPropagationAttempts = 3
	propagationBaseDelay   = 100 * time.Millisecond
)

// Service implements payout batch aggregation.
type Service struct {
	db     *sql.DB
	logger logging.Logger
}

// NewService creates a payout batch service.
func NewService(database *sql.DB, log logging.Logger) *Service {
	return &Service{db: database, logger: log}
}

// CreateBatchInput carries the parameters for a new batch.
type CreateBatchInput struct {
	InstitutionID   string
	BeneficiaryID   string
	BeneficiaryKind models.BeneficiaryKind
	CommissionIDs   []string
	ScheduledDate   time.Time
	RequesterID     string
	Note            *string
}

// CreateBatch bundles the referenced pending commissions into one batch and
// claims them in a single transaction. The claim is a conditional update on
// status = 'pending' AND payout_batch_id IS NULL: of two concurrent calls
// referencing overlapping commissions exactly one observes a row-count
// mismatch and fails with Conflict.
func (s *Service) CreateBatch(ctx context.Context, in CreateBatchInput) (*models.PayoutBatch, error) {
	if len(in.CommissionIDs) == 0 {
		return nil, faults.Validation("commission_ids", "must not be empty")
	}
	if in.BeneficiaryID == "" {
		return nil, faults.Validation("beneficiary_id", "is required")
	}
	if !in.BeneficiaryKind.Valid() {
		return nil, faults.Validation("beneficiary_kind", "must be pool or consultant")
	}
	if in.ScheduledDate.IsZero() {
		return nil, faults.Validation("scheduled_date", "is required")
	}
	if in.RequesterID == "" {
		return nil, faults.Validation("requester_id", "is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, beneficiary_id, value_cents
		FROM bursar.commissions
		WHERE id = ANY($1) AND institution_id = $2
		  AND status = 'pending' AND payout_batch_id IS NULL
		FOR UPDATE`,
		pq.Array(in.CommissionIDs), in.InstitutionID)
	if err != nil {
		return nil, fmt.Errorf("loading commissions: %w", err)
	}

	var totalCents int64
	loaded := 0
	for rows.Next() {
		var id, beneficiaryID string
		var valueCents int64
		if err := rows.Scan(&id, &beneficiaryID, &valueCents); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning commission: %w", err)
		}
		if beneficiaryID != in.BeneficiaryID {
			rows.Close()
			return nil, faults.Conflict("commission", id, "belongs to a different beneficiary")
		}
		totalCents += valueCents
		loaded++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading commissions: %w", err)
	}
	if loaded != len(in.CommissionIDs) {
		return nil, faults.Conflict("payout batch", "",
			fmt.Sprintf("%d of %d commissions are not pending and unclaimed", len(in.CommissionIDs)-loaded, len(in.CommissionIDs)))
	}

	batch := &models.PayoutBatch{
		ID:              uuid.New().String(),
		InstitutionID:   in.InstitutionID,
		BeneficiaryID:   in.BeneficiaryID,
		BeneficiaryKind: in.BeneficiaryKind,
		TotalValueCents: totalCents,
		CommissionCount: loaded,
		ScheduledDate:   in.ScheduledDate,
		Status:          models.PayoutPending,
		RequesterID:     in.RequesterID,
		Note:            in.Note,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO bursar.payout_batches (id, institution_id, beneficiary_id,
			beneficiary_kind, total_value_cents, commission_count, scheduled_date,
			status, requester_id, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		batch.ID, batch.InstitutionID, batch.BeneficiaryID, batch.BeneficiaryKind,
		batch.TotalValueCents, batch.CommissionCount, batch.ScheduledDate,
		batch.Status, batch.RequesterID, batch.Note,
	).Scan(&batch.CreatedAt, &batch.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting batch: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE bursar.commissions
		SET status = 'processing', payout_batch_id = $1, updated_at = NOW()
		WHERE id = ANY($2) AND status = 'pending' AND payout_batch_id IS NULL`,
		batch.ID, pq.Array(in.CommissionIDs))
	if err != nil {
		return nil, fmt.Errorf("claiming commissions: %w", err)
	}
	claimed, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking claim result: %w", err)
	}
	if claimed != int64(len(in.CommissionIDs)) {
		// A concurrent batch claimed part of the set between load and update.
		return nil, faults.Conflict("payout batch", "",
			fmt.Sprintf("claimed %d of %d commissions, another batch won the race", claimed, len(in.CommissionIDs)))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"batch_id":         batch.ID,
		"beneficiary_id":   batch.BeneficiaryID,
		"commission_count": batch.CommissionCount,
		"total":            money.Format(batch.TotalValueCents),
	}).Info("Payout batch created")
	return batch, nil
}

// ConfirmPayoutInput carries the disbursement proof for a batch.
type ConfirmPayoutInput struct {
	PaidDate         time.Time
	ProofRef         string
	PaymentMethod    string
	PaymentReference *string
	DocRef           *string
	ApproverID       string
}

// ConfirmPayout marks a batch as paid and propagates the paid status to every
// linked commission. Replaying a confirmation with the same proofRef returns
// the batch unchanged; a different proofRef fails with Conflict. When the
// commission propagation keeps failing after bounded retries the batch is
// flagged needs_reconciliation and a PartialFailureError is returned; the
// background sweep finishes the propagation later.
func (s *Service) ConfirmPayout(ctx context.Context, institutionID, batchID string, in ConfirmPayoutInput) (*models.PayoutBatch, error) {
	if in.ProofRef == "" {
		return nil, faults.Validation("proof_ref", "is required")
	}
	if in.PaymentMethod == "" {
		return nil, faults.Validation("payment_method", "is required")
	}
	if in.PaidDate.IsZero() {
		return nil, faults.Validation("paid_date", "is required")
	}
	if in.ApproverID == "" {
		return nil, faults.Validation("approver_id", "is required")
	}

	batch, err := s.GetBatch(ctx, institutionID, batchID)
	if err != nil {
		return nil, err
	}
	switch batch.Status {
	case models.PayoutPaid:
		if batch.ProofRef == nil || *batch.ProofRef != in.ProofRef {
			return nil, faults.Conflict("payout batch", batchID, "already paid with a different proof")
		}
		if !batch.NeedsReconciliation {
			return batch, nil
		}
		// A previous confirm marked the batch paid but never finished the
		// commission propagation; the replay completes it.
	case models.PayoutCancelled:
		return nil, faults.Conflict("payout batch", batchID, "already cancelled")
	default:
		result, err := s.db.ExecContext(ctx, `
			UPDATE bursar.payout_batches
			SET status = 'paid', paid_date = $1, proof_ref = $2, payment_method = $3,
			    payment_reference = $4, doc_ref = $5, approver_id = $6,
			    approved_at = NOW(), updated_at = NOW()
			WHERE id = $7 AND status = 'pending'`,
			in.PaidDate, in.ProofRef, in.PaymentMethod, in.PaymentReference,
			in.DocRef, in.ApproverID, batchID)
		if err != nil {
			return nil, fmt.Errorf("confirming batch: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("checking confirm result: %w", err)
		}
		if affected == 0 {
			return nil, faults.Conflict("payout batch", batchID, "state changed concurrently")
		}

		batch.Status = models.PayoutPaid
		batch.PaidDate = &in.PaidDate
		batch.ProofRef = &in.ProofRef
		batch.PaymentMethod = &in.PaymentMethod
		batch.PaymentReference = in.PaymentReference
		batch.DocRef = in.DocRef
		batch.ApproverID = &in.ApproverID
	}

	if err := s.propagateWithRetry(ctx, batchID, s.markCommissionsPaid); err != nil {
		if ferr := s.flagForReconciliation(ctx, batchID, err); ferr != nil {
			s.logger.WithFields(logging.Fields{
				"batch_id": batchID,
				"error":    ferr,
			}).Error("Failed to flag batch for reconciliation")
		}
		batch.NeedsReconciliation = true
		return batch, &faults.PartialFailureError{
			Operation:     "confirm payout",
			CompletedStep: "batch marked paid",
			BatchID:       batchID,
			Err:           err,
		}
	}

	if batch.NeedsReconciliation {
		if err := s.clearReconciliationFlag(ctx, batchID); err != nil {
			return nil, err
		}
		batch.NeedsReconciliation = false
	}

	s.logger.WithFields(logging.Fields{
		"batch_id":  batchID,
		"proof_ref": in.ProofRef,
		"total":     money.Format(batch.TotalValueCents),
	}).Info("Payout confirmed")
	return batch, nil
}

// CancelPayout cancels a pending batch and releases its commissions back to
// pending with no batch link, making them eligible for a new batch. Paid
// batches are immutable. The release must look all-or-nothing to the caller:
// if it cannot complete, the batch is flagged needs_reconciliation and the
// caller gets a PartialFailureError instead of a silent partial release.
func (s *Service) CancelPayout(ctx context.Context, institutionID, batchID, reason string) (*models.PayoutBatch, error) {
	if reason == "" {
		return nil, faults.Validation("reason", "is required")
	}

	batch, err := s.GetBatch(ctx, institutionID, batchID)
	if err != nil {
		return nil, err
	}
	switch batch.Status {
	case models.PayoutPaid:
		return nil, faults.Conflict("payout batch", batchID, "paid batches are immutable")
	case models.PayoutCancelled:
		if !batch.NeedsReconciliation {
			return batch, nil
		}
		// A previous cancel committed phase one but not the release; finish it.
	default:
		result, err := s.db.ExecContext(ctx, `
			UPDATE bursar.payout_batches
			SET status = 'cancelled', note = COALESCE(note || ' | ', '') || $1, updated_at = NOW()
			WHERE id = $2 AND status = 'pending'`,
			"cancelled: "+reason, batchID)
		if err != nil {
			return nil, fmt.Errorf("cancelling batch: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("checking cancel result: %w", err)
		}
		if affected == 0 {
			return nil, faults.Conflict("payout batch", batchID, "state changed concurrently")
		}
		batch.Status = models.PayoutCancelled
	}

	if err := s.propagateWithRetry(ctx, batchID, s.releaseCommissions); err != nil {
		if ferr := s.flagForReconciliation(ctx, batchID, err); ferr != nil {
			s.logger.WithFields(logging.Fields{
				"batch_id": batchID,
				"error":    ferr,
			}).Error("Failed to flag batch for reconciliation")
		}
		batch.NeedsReconciliation = true
		return batch, &faults.PartialFailureError{
			Operation:     "cancel payout",
			CompletedStep: "batch marked cancelled",
			BatchID:       batchID,
			Err:           err,
		}
	}

	if batch.NeedsReconciliation {
		if err := s.clearReconciliationFlag(ctx, batchID); err != nil {
			return nil, err
		}
		batch.NeedsReconciliation = false
	}

	s.logger.WithFields(logging.Fields{
		"batch_id": batchID,
		"reason":   reason,
	}).Info("Payout cancelled, commissions released")
	return batch, nil
}

// GetBatch fetches one batch scoped to its institution.
func (s *Service) GetBatch(ctx context.Context, institutionID, batchID string) (*models.PayoutBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+batchColumns+`
		FROM bursar.payout_batches
		WHERE id = $1 AND institution_id = $2`,
		batchID, institutionID)
	batch, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, faults.NotFound("payout batch", batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching batch: %w", err)
	}
	return batch, nil
}

// Filter narrows a batch listing.
type Filter struct {
	BeneficiaryID string
	Status        models.PayoutBatchStatus
	From          *time.Time
	To            *time.Time
}

// ListBatches returns batches for an institution, newest first, with keyset
// pagination.
func (s *Service) ListBatches(ctx context.Context, institutionID string, filter Filter, params *pagination.Params) ([]models.PayoutBatch, pagination.Page, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM bursar.payout_batches
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
		query += fmt.Sprintf(" AND scheduled_date >= $%d", len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		query += fmt.Sprintf(" AND scheduled_date <= $%d", len(args))
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
		return nil, pagination.Page{}, fmt.Errorf("listing batches: %w", err)
	}
	defer rows.Close()

	var batches []models.PayoutBatch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, pagination.Page{}, fmt.Errorf("scanning batch: %w", err)
		}
		batches = append(batches, *batch)
	}
	if err := rows.Err(); err != nil {
		return nil, pagination.Page{}, fmt.Errorf("listing batches: %w", err)
	}

	endCursor := ""
	if len(batches) > 0 {
		last := batches[len(batches)-1]
		if len(batches) > params.Limit {
			last = batches[params.Limit-1]
		}
		endCursor = pagination.EncodeCursor(last.CreatedAt, last.ID)
	}
	page := pagination.BuildPage(len(batches), params.Limit, endCursor)
	if len(batches) > params.Limit {
		batches = batches[:params.Limit]
	}
	return batches, page, nil
}

// propagateWithRetry runs the phase-two commission update with exponential
// backoff. The propagation functions are idempotent per batch id, so retrying
// after a partial failure is safe.
func (s *Service) propagateWithRetry(ctx context.Context, batchID string, propagate func(context.Context, string) error) error {
	var lastErr error
	delay := propagationBaseDelay
	for attempt := 1; attempt <= maxPropagationAttempts; attempt++ {
		lastErr = propagate(ctx, batchID)
		if lastErr == nil {
			return nil
		}
		s.logger.WithFields(logging.Fields{
			"batch_id": batchID,
			"attempt":  attempt,
			"error":    lastErr,
		}).Warn("Commission propagation failed")
		if attempt == maxPropagationAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

func (s *Service) markCommissionsPaid(ctx context.Context, batchID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bursar.commissions
		SET status = 'paid', updated_at = NOW()
		WHERE payout_batch_id = $1 AND status = 'processing'`,
		batchID)
	return err
}

func (s *Service) releaseCommissions(ctx context.Context, batchID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bursar.commissions
		SET status = 'pending', payout_batch_id = NULL, updated_at = NOW()
		WHERE payout_batch_id = $1 AND status = 'processing'`,
		batchID)
	return err
}

func (s *Service) flagForReconciliation(ctx context.Context, batchID string, cause error) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bursar.payout_batches
		SET needs_reconciliation = true, last_reconcile_error = $1, updated_at = NOW()
		WHERE id = $2`,
		cause.Error(), batchID)
	return err
}

func (s *Service) clearReconciliationFlag(ctx context.Context, batchID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bursar.payout_batches
		SET needs_reconciliation = false, last_reconcile_error = NULL, updated_at = NOW()
		WHERE id = $1`,
		batchID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row rowScanner) (*models.PayoutBatch, error) {
	b := &models.PayoutBatch{}
	err := row.Scan(&b.ID, &b.InstitutionID, &b.BeneficiaryID, &b.BeneficiaryKind,
		&b.TotalValueCents, &b.CommissionCount, &b.ScheduledDate, &b.PaidDate,
		&b.PaymentMethod, &b.PaymentReference, &b.ProofRef, &b.DocRef, &b.Status,
		&b.NeedsReconciliation, &b.ReconcileAttempts, &b.LastReconcileError,
		&b.RequesterID, &b.ApproverID, &b.ApprovedAt, &b.Note,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}
