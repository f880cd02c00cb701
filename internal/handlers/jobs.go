package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eduzayn/bursar/internal/commission"
	"github.com/eduzayn/bursar/internal/directory"
	"github.com/eduzayn/bursar/internal/faults"
	"github.com/eduzayn/bursar/internal/ledger"
	"github.com/eduzayn/bursar/internal/payout"
	bursarapi "github.com/eduzayn/bursar/pkg/api/bursar"
	"github.com/eduzayn/bursar/pkg/config"
	"github.com/eduzayn/bursar/pkg/kafka"
	"github.com/eduzayn/bursar/pkg/logging"
	"github.com/eduzayn/bursar/pkg/models"
)

// ContactLookup finds the billing contact for a student.
type ContactLookup interface {
	LookupContact(ctx context.Context, institutionID, studentID string) (*directory.Contact, error)
}

// JobManager handles background ledger jobs: the settlement event consumer,
// the payout reconciliation sweep and the daily overdue pass.
type JobManager struct {
	db              *sql.DB
	logger          logging.Logger
	emailService    *EmailService
	reconciler      *payout.Reconciler
	kafkaConsumer   *kafka.Consumer
	contacts        ContactLookup
	stopCh          chan struct{}
	settlementTopic string
}

// NewJobManager creates a new job manager
func NewJobManager(database *sql.DB, log logging.Logger, contacts ContactLookup) *JobManager {
	brokers := strings.Split(config.GetEnv("KAFKA_BROKERS", "kafka:9092"), ",")
	clusterID := config.GetEnv("KAFKA_CLUSTER_ID", "local")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "bursar")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "bursar-settlements")
	settlementTopic := config.GetEnv("SETTLEMENT_KAFKA_TOPIC", "gateway.payment_events")
	kLogger := logrus.New() // Adapt logger

	// Settlement events also arrive over the webhook endpoint; the consumer
	// covers gateways that publish to the bus instead. Both paths share the
	// same idempotent registration, so overlap is harmless.
	consumer, err := kafka.NewConsumer(brokers, groupID, clusterID, clientID, kLogger)
	if err != nil {
		log.WithError(err).Error("Failed to create Kafka consumer for settlements")
		// Don't fatal here, allow API to start without consumer if needed
	}

	return &JobManager{
		db:              database,
		logger:          log,
		emailService:    NewEmailService(log),
		reconciler:      payout.NewReconciler(database, payout.NewService(database, log), log),
		kafkaConsumer:   consumer,
		contacts:        contacts,
		stopCh:          make(chan struct{}),
		settlementTopic: settlementTopic,
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting ledger job manager")

	if jm.kafkaConsumer != nil {
		jm.kafkaConsumer.AddHandler(jm.settlementTopic, jm.handleSettlementEvent)
		go func() {
			if err := jm.kafkaConsumer.Start(ctx); err != nil {
				jm.logger.WithError(err).Error("Kafka consumer exited with error")
			}
		}()
	}

	go jm.reconciler.Start(ctx)

	go jm.runOverduePass(ctx)

	go jm.runReconciliationAlerts(ctx)
}

// Consumer exposes the settlement consumer for health wiring. Nil when the
// consumer failed to come up.
func (jm *JobManager) Consumer() *kafka.Consumer {
	return jm.kafkaConsumer
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping ledger job manager")
	jm.reconciler.Stop()
	if jm.kafkaConsumer != nil {
		jm.kafkaConsumer.Close()
	}
	close(jm.stopCh)
}

// handleSettlementEvent consumes gateway settlement events from Kafka and
// feeds them through the same registration and commission generation path as
// the webhook.
func (jm *JobManager) handleSettlementEvent(ctx context.Context, msg kafka.Message) error {
	var event bursarapi.GatewayWebhookPayload
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		jm.logger.WithError(err).Error("Failed to unmarshal settlement event from Kafka")
		return nil // Skip bad message
	}

	if event.Type != "payment.settled" {
		return nil
	}

	paidAt := msg.Timestamp
	if event.PaidAt != "" {
		if parsed, err := parseDate(event.PaidAt); err == nil {
			paidAt = parsed
		}
	}

	payment, _, err := chargeLedger.RegisterPayment(ctx, event.InstitutionID, event.ChargeID,
		ledger.RegisterPaymentInput{
			AmountCents: event.AmountCents,
			Method:      event.Method,
			PaidAt:      paidAt,
			GatewayTxID: &event.GatewayTxID,
		})
	if err != nil {
		// A conflict means the charge can no longer take this payment (it was
		// cancelled after the gateway settled). Replaying won't change that.
		var conflict *faults.ConflictError
		if errors.As(err, &conflict) {
			jm.logger.WithError(err).WithFields(logging.Fields{
				"event_id":  event.EventID,
				"charge_id": event.ChargeID,
			}).Warn("Settlement event rejected by charge ledger")
			return nil
		}
		return err
	}

	if _, err := commissionLedger.GenerateForEvent(ctx, commission.PaymentEvent{
		InstitutionID:    event.InstitutionID,
		PaymentID:        payment.ID,
		StudentID:        event.StudentID,
		EnrollmentID:     event.EnrollmentID,
		CourseID:         event.CourseID,
		BaseAmountCents:  event.AmountCents,
		InstallmentIndex: event.InstallmentIndex,
		AccrualType:      models.AccrualInstallment,
		ReferenceDate:    paidAt,
	}); err != nil {
		// Payment is committed; generation replays safely on the next attempt.
		return err
	}

	jm.logger.WithFields(logging.Fields{
		"event_id":   event.EventID,
		"payment_id": payment.ID,
	}).Debug("Processed settlement event from Kafka")

	return nil
}

// runOverduePass reminds payers about overdue charges once a day.
func (jm *JobManager) runOverduePass(ctx context.Context) {
	interval := config.GetEnvDuration("OVERDUE_NOTICE_INTERVAL", 24*time.Hour)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	jm.logger.Info("Starting overdue notice job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.sendOverdueNotices(ctx)
		}
	}
}

// sendOverdueNotices emails the billing contact of every charge past due with
// an open balance. Charges more than 90 days past due are left to collections.
func (jm *JobManager) sendOverdueNotices(ctx context.Context) {
	rows, err := jm.db.QueryContext(ctx, `
		SELECT id, institution_id, student_id, amount_due_cents, amount_paid_cents, currency, due_date
		FROM bursar.charges
		WHERE status IN ('pending', 'partial')
		  AND due_date < NOW()
		  AND due_date > NOW() - INTERVAL '90 days'
		ORDER BY due_date ASC
		LIMIT 500`)
	if err != nil {
		jm.logger.WithFields(logging.Fields{
			"error": err,
		}).Error("Failed to fetch overdue charges")
		return
	}
	defer rows.Close()

	var noticed int
	for rows.Next() {
		var charge models.Charge
		err := rows.Scan(&charge.ID, &charge.InstitutionID, &charge.StudentID,
			&charge.AmountDueCents, &charge.AmountPaidCents, &charge.Currency, &charge.DueDate)
		if err != nil {
			continue
		}

		contact, err := jm.contacts.LookupContact(ctx, charge.InstitutionID, charge.StudentID)
		if err != nil {
			jm.logger.WithError(err).WithFields(logging.Fields{
				"charge_id":  charge.ID,
				"student_id": charge.StudentID,
			}).Warn("Failed to look up billing contact")
			continue
		}
		if contact == nil || contact.Email == "" {
			continue
		}

		daysPastDue := int(time.Since(charge.DueDate).Hours() / 24)
		if err := jm.emailService.SendOverdueNotice(contact.Email, contact.Name, &charge, daysPastDue); err != nil {
			jm.logger.WithError(err).WithFields(logging.Fields{
				"charge_id": charge.ID,
			}).Error("Failed to send overdue notice")
			continue
		}
		noticed++
	}

	if noticed > 0 {
		jm.logger.WithFields(logging.Fields{
			"notices_sent": noticed,
		}).Info("Processed overdue notices")
	}
}

// runReconciliationAlerts escalates batches the sweep has given up on.
func (jm *JobManager) runReconciliationAlerts(ctx context.Context) {
	interval := config.GetEnvDuration("RECONCILE_ALERT_INTERVAL", 6*time.Hour)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	jm.logger.Info("Starting reconciliation alert job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.alertExhaustedBatches(ctx)
		}
	}
}

// alertExhaustedBatches emails operations about batches that hit the sweep
// attempt cap and still carry the reconciliation flag.
func (jm *JobManager) alertExhaustedBatches(ctx context.Context) {
	rows, err := jm.db.QueryContext(ctx, `
		SELECT id, COALESCE(last_reconcile_error, '')
		FROM bursar.payout_batches
		WHERE needs_reconciliation = true AND reconcile_attempts >= $1`,
		payout.MaxSweepAttempts)
	if err != nil {
		jm.logger.WithFields(logging.Fields{
			"error": err,
		}).Error("Failed to fetch exhausted batches")
		return
	}
	defer rows.Close()

	for rows.Next() {
		var batchID, lastError string
		if err := rows.Scan(&batchID, &lastError); err != nil {
			continue
		}

		jm.logger.WithFields(logging.Fields{
			"batch_id":   batchID,
			"last_error": lastError,
		}).Warn("Payout batch exhausted reconciliation attempts - operator needed")

		if err := jm.emailService.SendReconciliationAlert(batchID, lastError); err != nil {
			jm.logger.WithError(err).WithFields(logging.Fields{
				"batch_id": batchID,
			}).Error("Failed to send reconciliation alert")
		}
	}
}
