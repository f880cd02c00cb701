// Package bursar defines the request and response payloads of the commission
// accrual and payout reconciliation API.
package bursar

import (
	"time"

	"github.com/eduzayn/bursar/pkg/models"
)

// CreateChargeRequest creates a new billable obligation.
type CreateChargeRequest struct {
	InstitutionID    string  `json:"institution_id" binding:"required"`
	StudentID        string  `json:"student_id" binding:"required"`
	AmountDueCents   int64   `json:"amount_due_cents" binding:"required"`
	Currency         string  `json:"currency"`
	DueDate          string  `json:"due_date" binding:"required"` // RFC 3339 date
	InstallmentIndex *int    `json:"installment_index,omitempty"`
	InstallmentCount *int    `json:"installment_count,omitempty"`
	MethodHint       *string `json:"method_hint,omitempty"`
}

// RegisterPaymentRequest registers a settlement against a charge.
type RegisterPaymentRequest struct {
	AmountCents int64   `json:"amount_cents" binding:"required"`
	Method      string  `json:"method" binding:"required"`
	PaidAt      string  `json:"paid_at"` // RFC 3339, defaults to now
	GatewayTxID *string `json:"gateway_tx_id,omitempty"`
	ReceiptRef  *string `json:"receipt_ref,omitempty"`
}

// CancelChargeRequest cancels a charge, keeping its payment history.
type CancelChargeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// PaymentLinkRequest asks the payment gateway for a hosted payment link.
type PaymentLinkRequest struct {
	Gateway    string `json:"gateway" binding:"required"` // stripe | mollie
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// PaymentLinkResponse carries the gateway-hosted payment URL.
type PaymentLinkResponse struct {
	URL       string    `json:"url"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PaymentEventRequest is the settled-payment event fed to commission
// generation. It mirrors what the gateway webhook and the Kafka topic carry.
type PaymentEventRequest struct {
	InstitutionID    string  `json:"institution_id" binding:"required"`
	PaymentID        string  `json:"payment_id" binding:"required"`
	StudentID        string  `json:"student_id" binding:"required"`
	EnrollmentID     *string `json:"enrollment_id,omitempty"`
	CourseID         *string `json:"course_id,omitempty"`
	BaseAmountCents  int64   `json:"base_amount_cents" binding:"required"`
	InstallmentIndex int     `json:"installment_index"`
	AccrualType      string  `json:"accrual_type"`
	ReferenceDate    string  `json:"reference_date"` // RFC 3339 date, defaults to today
}

// GenerateCommissionsResponse lists the commissions created for an event.
type GenerateCommissionsResponse struct {
	CommissionIDs []string `json:"commission_ids"`
}

// CreateCommissionRequest records a manually entered commission.
type CreateCommissionRequest struct {
	InstitutionID   string   `json:"institution_id" binding:"required"`
	BeneficiaryID   string   `json:"beneficiary_id" binding:"required"`
	BeneficiaryKind string   `json:"beneficiary_kind" binding:"required"`
	StudentID       *string  `json:"student_id,omitempty"`
	EnrollmentID    *string  `json:"enrollment_id,omitempty"`
	CourseID        *string  `json:"course_id,omitempty"`
	SourcePaymentID *string  `json:"source_payment_id,omitempty"`
	ValueCents      int64    `json:"value_cents" binding:"required"`
	Percentage      *float64 `json:"percentage,omitempty"`
	BaseAmountCents int64    `json:"base_amount_cents"`
	AccrualType     string   `json:"accrual_type" binding:"required"`
	ReferenceDate   string   `json:"reference_date"`
	Note            *string  `json:"note,omitempty"`
}

// CancelCommissionRequest cancels a pending commission.
type CancelCommissionRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ReverseCommissionRequest reverses an already paid commission.
type ReverseCommissionRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CreateRuleRequest configures a commission rule.
type CreateRuleRequest struct {
	InstitutionID        string   `json:"institution_id" binding:"required"`
	BeneficiaryKind      string   `json:"beneficiary_kind" binding:"required"`
	CourseID             *string  `json:"course_id,omitempty"`
	Percentage           *float64 `json:"percentage,omitempty"`
	FixedAmountCents     *int64   `json:"fixed_amount_cents,omitempty"`
	Recurring            bool     `json:"recurring"`
	EligibleInstallments []int64  `json:"eligible_installments,omitempty"`
}

// CreatePayoutBatchRequest bundles pending commissions into one disbursement.
type CreatePayoutBatchRequest struct {
	InstitutionID   string   `json:"institution_id" binding:"required"`
	BeneficiaryID   string   `json:"beneficiary_id" binding:"required"`
	BeneficiaryKind string   `json:"beneficiary_kind" binding:"required"`
	CommissionIDs   []string `json:"commission_ids" binding:"required"`
	ScheduledDate   string   `json:"scheduled_date" binding:"required"` // RFC 3339 date
	Note            *string  `json:"note,omitempty"`
}

// ConfirmPayoutRequest marks a batch as disbursed.
type ConfirmPayoutRequest struct {
	PaidDate         string  `json:"paid_date" binding:"required"` // RFC 3339 date
	ProofRef         string  `json:"proof_ref" binding:"required"`
	PaymentMethod    string  `json:"payment_method" binding:"required"`
	PaymentReference *string `json:"payment_reference,omitempty"`
	DocRef           *string `json:"doc_ref,omitempty"`
}

// CancelPayoutRequest cancels a pending batch, releasing its commissions.
type CancelPayoutRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// GatewayWebhookPayload is the charge-status notification posted by the
// payment gateway relay.
type GatewayWebhookPayload struct {
	EventID          string  `json:"event_id"`
	Type             string  `json:"type"` // payment.settled, payment.failed
	ChargeID         string  `json:"charge_id"`
	InstitutionID    string  `json:"institution_id"`
	StudentID        string  `json:"student_id"`
	EnrollmentID     *string `json:"enrollment_id,omitempty"`
	CourseID         *string `json:"course_id,omitempty"`
	AmountCents      int64   `json:"amount_cents"`
	Method           string  `json:"method"`
	GatewayTxID      string  `json:"gateway_tx_id"`
	InstallmentIndex int     `json:"installment_index"`
	PaidAt           string  `json:"paid_at"`
}

// ChargeResponse wraps a charge.
type ChargeResponse struct {
	Charge *models.Charge `json:"charge"`
}

// CommissionResponse wraps a commission.
type CommissionResponse struct {
	Commission *models.Commission `json:"commission"`
}

// PayoutBatchResponse wraps a payout batch.
type PayoutBatchResponse struct {
	Batch *models.PayoutBatch `json:"batch"`
}
