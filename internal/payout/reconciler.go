package payout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/eduzayn/bursar/pkg/config"
	"github.com/eduzayn/bursar/pkg/logging"
	"github.com/eduzayn/bursar/pkg/models"
)

// MaxSweepAttempts caps how often the sweep retries one batch before leaving
// it for operator attention. The flag stays set so the batch remains visible.
const MaxSweepAttempts = 10

// Reconciler periodically finishes the commission propagation of batches
// whose confirm or cancel committed phase one but not phase two.
type Reconciler struct {
	db       *sql.DB
	service  *Service
	logger   logging.Logger
	interval time.Duration
	stopCh   chan struct{}
}

// NewReconciler creates a reconciliation sweep over flagged batches.
func NewReconciler(database *sql.DB, service *Service, log logging.Logger) *Reconciler {
	return &Reconciler{
		db:       database,
		service:  service,
		logger:   log,
		interval: config.GetEnvDuration("RECONCILE_INTERVAL", 30*time.Second),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("Starting payout reconciler")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Payout reconciler stopping due to context cancellation")
			return
		case <-r.stopCh:
			r.logger.Info("Payout reconciler stopping")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

// flaggedBatch is the slice of a batch the sweep needs.
type flaggedBatch struct {
	ID            string
	InstitutionID string
	Status        models.PayoutBatchStatus
	Attempts      int
}

// sweep retries every batch flagged needs_reconciliation. The attempt counter
// is bumped with a conditional update before any work, so the flag acts as a
// lease: a concurrent sweep that lost the update skips the batch.
func (r *Reconciler) sweep(ctx context.Context) {
	batches, err := r.flaggedBatches(ctx)
	if err != nil {
		r.logger.WithFields(logging.Fields{"error": err}).Error("Failed to list batches needing reconciliation")
		return
	}

	for _, batch := range batches {
		claimed, err := r.claim(ctx, batch.ID)
		if err != nil {
			r.logger.WithFields(logging.Fields{
				"batch_id": batch.ID,
				"error":    err,
			}).Error("Failed to claim batch for reconciliation")
			continue
		}
		if !claimed {
			continue
		}
		r.reconcileBatch(ctx, batch)
	}
}

func (r *Reconciler) reconcileBatch(ctx context.Context, batch flaggedBatch) {
	var err error
	switch batch.Status {
	case models.PayoutPaid:
		err = r.service.markCommissionsPaid(ctx, batch.ID)
	case models.PayoutCancelled:
		err = r.service.releaseCommissions(ctx, batch.ID)
	default:
		// A pending batch should never carry the flag; phase one sets the
		// terminal status before phase two can fail.
		err = fmt.Errorf("batch in unexpected status %s", batch.Status)
	}

	if err != nil {
		r.logger.WithFields(logging.Fields{
			"batch_id": batch.ID,
			"status":   string(batch.Status),
			"attempt":  batch.Attempts + 1,
			"error":    err,
		}).Warn("Reconciliation attempt failed")
		if _, uerr := r.db.ExecContext(ctx, `
			UPDATE bursar.payout_batches
			SET last_reconcile_error = $1, updated_at = NOW()
			WHERE id = $2`,
			err.Error(), batch.ID); uerr != nil {
			r.logger.WithFields(logging.Fields{"batch_id": batch.ID, "error": uerr}).Error("Failed to record reconcile error")
		}
		return
	}

	if err := r.service.clearReconciliationFlag(ctx, batch.ID); err != nil {
		r.logger.WithFields(logging.Fields{
			"batch_id": batch.ID,
			"error":    err,
		}).Error("Failed to clear reconciliation flag")
		return
	}

	r.logger.WithFields(logging.Fields{
		"batch_id": batch.ID,
		"status":   string(batch.Status),
		"attempts": batch.Attempts + 1,
	}).Info("Batch reconciled")
}

func (r *Reconciler) flaggedBatches(ctx context.Context) ([]flaggedBatch, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, institution_id, status, reconcile_attempts
		FROM bursar.payout_batches
		WHERE needs_reconciliation = true AND reconcile_attempts < $1
		ORDER BY updated_at ASC
		LIMIT 100`,
		MaxSweepAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []flaggedBatch
	for rows.Next() {
		var b flaggedBatch
		if err := rows.Scan(&b.ID, &b.InstitutionID, &b.Status, &b.Attempts); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (r *Reconciler) claim(ctx context.Context, batchID string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE bursar.payout_batches
		SET reconcile_attempts = reconcile_attempts + 1, updated_at = NOW()
		WHERE id = $1 AND needs_reconciliation = true AND reconcile_attempts < $2`,
		batchID, MaxSweepAttempts)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
