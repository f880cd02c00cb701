package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eduzayn/bursar/internal/commission"
	"github.com/eduzayn/bursar/internal/gateway"
	"github.com/eduzayn/bursar/internal/ledger"
	bursarapi "github.com/eduzayn/bursar/pkg/api/bursar"
	"github.com/eduzayn/bursar/pkg/logging"
	"github.com/eduzayn/bursar/pkg/middleware"
	"github.com/eduzayn/bursar/pkg/models"
)

// HandleGatewayWebhook processes charge-status notifications from the payment
// gateway relay. Settled payments are registered against their charge and fed
// into commission generation; both steps are idempotent, so gateway retries
// are safe.
func HandleGatewayWebhook(c middleware.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Failed to read body"})
		return
	}

	secret := os.Getenv("GATEWAY_WEBHOOK_SECRET")
	signature := c.GetHeader("X-Webhook-Signature")
	if !gateway.VerifySignature(payload, signature, secret) {
		logger.WithFields(logging.Fields{
			"client_ip": c.ClientIP(),
		}).Warn("Gateway webhook with invalid signature")
		c.JSON(http.StatusUnauthorized, bursarapi.ErrorResponse{Error: "Invalid signature"})
		return
	}

	var event bursarapi.GatewayWebhookPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid payload"})
		return
	}

	switch event.Type {
	case "payment.settled":
		handleSettledPayment(c, event)
	case "payment.failed":
		// Nothing to mutate: the charge keeps its current accumulated state.
		logger.WithFields(logging.Fields{
			"event_id":  event.EventID,
			"charge_id": event.ChargeID,
		}).Info("Gateway reported failed payment")
		c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
	default:
		logger.WithFields(logging.Fields{
			"event_id": event.EventID,
			"type":     event.Type,
		}).Warn("Unhandled gateway webhook type")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

func handleSettledPayment(c middleware.Context, event bursarapi.GatewayWebhookPayload) {
	paidAt := time.Now()
	if event.PaidAt != "" {
		if parsed, err := parseDate(event.PaidAt); err == nil {
			paidAt = parsed
		}
	}

	payment, _, err := chargeLedger.RegisterPayment(c.Request.Context(), event.InstitutionID, event.ChargeID,
		ledger.RegisterPaymentInput{
			AmountCents: event.AmountCents,
			Method:      event.Method,
			PaidAt:      paidAt,
			GatewayTxID: &event.GatewayTxID,
		})
	if err != nil {
		writeError(c, err)
		return
	}
	if metrics != nil {
		metrics.PaymentsRegistered.WithLabelValues(event.InstitutionID, event.Method).Inc()
	}

	ids, err := commissionLedger.GenerateForEvent(c.Request.Context(), commission.PaymentEvent{
		InstitutionID:    event.InstitutionID,
		PaymentID:        payment.ID,
		StudentID:        event.StudentID,
		EnrollmentID:     event.EnrollmentID,
		CourseID:         event.CourseID,
		BaseAmountCents:  event.AmountCents,
		InstallmentIndex: event.InstallmentIndex,
		AccrualType:      models.AccrualInstallment,
		ReferenceDate:    paidAt,
	})
	if err != nil {
		// The payment is registered; commission generation can be replayed.
		logger.WithFields(logging.Fields{
			"event_id":   event.EventID,
			"payment_id": payment.ID,
			"error":      err,
		}).Error("Commission generation failed for settled payment")
		c.JSON(http.StatusOK, gin.H{
			"status":  "payment_registered",
			"warning": "commission generation pending",
		})
		return
	}
	if metrics != nil {
		metrics.CommissionsGenerated.WithLabelValues(event.InstitutionID).Add(float64(len(ids)))
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "processed",
		"payment_id":     payment.ID,
		"commission_ids": ids,
	})
}
