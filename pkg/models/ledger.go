package models

import (
	"time"

	"github.com/lib/pq"
)

// ChargeStatus is the lifecycle state of a charge.
type ChargeStatus string

const (
	ChargePending   ChargeStatus = "pending"
	ChargePartial   ChargeStatus = "partial"
	ChargePaid      ChargeStatus = "paid"
	ChargeOverdue   ChargeStatus = "overdue"
	ChargeCancelled ChargeStatus = "cancelled"
)

// Charge represents a billable obligation owed by a payer (student).
// AmountPaidCents is the accumulated sum of confirmed payments.
type Charge struct {
	ID               string       `json:"id" db:"id"`
	InstitutionID    string       `json:"institution_id" db:"institution_id"`
	StudentID        string       `json:"student_id" db:"student_id"`
	AmountDueCents   int64        `json:"amount_due_cents" db:"amount_due_cents"`
	AmountPaidCents  int64        `json:"amount_paid_cents" db:"amount_paid_cents"`
	Currency         string       `json:"currency" db:"currency"`
	DueDate          time.Time    `json:"due_date" db:"due_date"`
	Status           ChargeStatus `json:"status" db:"status"`
	InstallmentIndex *int         `json:"installment_index,omitempty" db:"installment_index"`
	InstallmentCount *int         `json:"installment_count,omitempty" db:"installment_count"`
	MethodHint       *string      `json:"method_hint,omitempty" db:"method_hint"`
	CancelReason     *string      `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
}

// DeriveChargeStatus computes the effective charge status from the persisted
// totals. It is a pure function of its inputs: replaying the same payments in
// any order yields the same status. `overdue` is never persisted; it is
// derived on read from the due date.
func DeriveChargeStatus(amountPaidCents, amountDueCents int64, dueDate time.Time, now time.Time, cancelled bool) ChargeStatus {
	if cancelled {
		return ChargeCancelled
	}
	if amountPaidCents >= amountDueCents {
		return ChargePaid
	}
	if dueDate.Before(now) {
		return ChargeOverdue
	}
	if amountPaidCents > 0 {
		return ChargePartial
	}
	return ChargePending
}

// EffectiveStatus returns the charge status with overdue derived at read time.
func (c *Charge) EffectiveStatus(now time.Time) ChargeStatus {
	return DeriveChargeStatus(c.AmountPaidCents, c.AmountDueCents, c.DueDate, now, c.Status == ChargeCancelled)
}

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentReversed  PaymentStatus = "reversed"
)

// CanTransition reports whether a payment may move from its current status to
// the target status. Amount and method are immutable once confirmed; only the
// status advances.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	switch s {
	case PaymentPending:
		return to == PaymentConfirmed || to == PaymentCancelled
	case PaymentConfirmed:
		return to == PaymentReversed
	default:
		return false
	}
}

// Payment is one settlement attempt against a charge, or a standalone ledger
// entry when ChargeID is nil.
type Payment struct {
	ID          string        `json:"id" db:"id"`
	ChargeID    *string       `json:"charge_id,omitempty" db:"charge_id"`
	AmountCents int64         `json:"amount_cents" db:"amount_cents"`
	Currency    string        `json:"currency" db:"currency"`
	Method      string        `json:"method" db:"method"`
	Status      PaymentStatus `json:"status" db:"status"`
	PaidAt      time.Time     `json:"paid_at" db:"paid_at"`
	GatewayTxID *string       `json:"gateway_tx_id,omitempty" db:"gateway_tx_id"`
	ReceiptRef  *string       `json:"receipt_ref,omitempty" db:"receipt_ref"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// BeneficiaryKind identifies who earns a commission.
type BeneficiaryKind string

const (
	BeneficiaryPool       BeneficiaryKind = "pool"
	BeneficiaryConsultant BeneficiaryKind = "consultant"
)

// Valid reports whether the kind is one of the closed set.
func (k BeneficiaryKind) Valid() bool {
	return k == BeneficiaryPool || k == BeneficiaryConsultant
}

// CommissionRule is the configuration consulted when a settled payment is
// turned into commissions. Exactly one of Percentage or FixedAmountCents is
// set.
type CommissionRule struct {
	ID                   string          `json:"id" db:"id"`
	InstitutionID        string          `json:"institution_id" db:"institution_id"`
	BeneficiaryKind      BeneficiaryKind `json:"beneficiary_kind" db:"beneficiary_kind"`
	CourseID             *string         `json:"course_id,omitempty" db:"course_id"`
	Percentage           *float64        `json:"percentage,omitempty" db:"percentage"`
	FixedAmountCents     *int64          `json:"fixed_amount_cents,omitempty" db:"fixed_amount_cents"`
	Recurring            bool            `json:"recurring" db:"recurring"`
	EligibleInstallments pq.Int64Array   `json:"eligible_installments" db:"eligible_installments"`
	Active               bool            `json:"active" db:"active"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// AccrualType describes which billable event a commission accrued from.
type AccrualType string

const (
	AccrualEnrollment    AccrualType = "enrollment"
	AccrualInstallment   AccrualType = "installment"
	AccrualCertification AccrualType = "certification"
	AccrualMaterial      AccrualType = "material"
)

// CommissionStatus is the lifecycle state of a commission.
type CommissionStatus string

const (
	CommissionPending    CommissionStatus = "pending"
	CommissionProcessing CommissionStatus = "processing"
	CommissionPaid       CommissionStatus = "paid"
	CommissionCancelled  CommissionStatus = "cancelled"
	CommissionReversed   CommissionStatus = "reversed"
)

// CanTransition reports whether a commission may move between statuses.
// processing -> pending is the compensation path used when a payout batch is
// cancelled; paid -> reversed requires the explicit reversal operation.
func (s CommissionStatus) CanTransition(to CommissionStatus) bool {
	switch s {
	case CommissionPending:
		return to == CommissionProcessing || to == CommissionCancelled
	case CommissionProcessing:
		return to == CommissionPaid || to == CommissionPending
	case CommissionPaid:
		return to == CommissionReversed
	default:
		return false
	}
}

// Commission is a monetary accrual owed to one beneficiary for one payment
// event. A commission belongs to at most one active payout batch.
type Commission struct {
	ID                string           `json:"id" db:"id"`
	InstitutionID     string           `json:"institution_id" db:"institution_id"`
	BeneficiaryID     string           `json:"beneficiary_id" db:"beneficiary_id"`
	BeneficiaryKind   BeneficiaryKind  `json:"beneficiary_kind" db:"beneficiary_kind"`
	StudentID         *string          `json:"student_id,omitempty" db:"student_id"`
	EnrollmentID      *string          `json:"enrollment_id,omitempty" db:"enrollment_id"`
	CourseID          *string          `json:"course_id,omitempty" db:"course_id"`
	SourcePaymentID   *string          `json:"source_payment_id,omitempty" db:"source_payment_id"`
	ValueCents        int64            `json:"value_cents" db:"value_cents"`
	Percentage        *float64         `json:"percentage,omitempty" db:"percentage"`
	BaseAmountCents   int64            `json:"base_amount_cents" db:"base_amount_cents"`
	AccrualType       AccrualType      `json:"accrual_type" db:"accrual_type"`
	ReferenceDate     time.Time        `json:"reference_date" db:"reference_date"`
	ComputedAt        time.Time        `json:"computed_at" db:"computed_at"`
	Status            CommissionStatus `json:"status" db:"status"`
	PayoutBatchID     *string          `json:"payout_batch_id,omitempty" db:"payout_batch_id"`
	GeneratedByRuleID *string          `json:"generated_by_rule_id,omitempty" db:"generated_by_rule_id"`
	Note              *string          `json:"note,omitempty" db:"note"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
}

// PayoutBatchStatus is the lifecycle state of a payout batch.
type PayoutBatchStatus string

const (
	PayoutPending   PayoutBatchStatus = "pending"
	PayoutPaid      PayoutBatchStatus = "paid"
	PayoutCancelled PayoutBatchStatus = "cancelled"
)

// CanTransition reports whether a batch may move between statuses. Paid
// batches are immutable.
func (s PayoutBatchStatus) CanTransition(to PayoutBatchStatus) bool {
	return s == PayoutPending && (to == PayoutPaid || to == PayoutCancelled)
}

// PayoutBatch is an aggregation of commissions scheduled for a single
// disbursement to one beneficiary. While the batch is not cancelled,
// TotalValueCents equals the sum of its commissions' values and
// CommissionCount equals their number.
type PayoutBatch struct {
	ID                  string            `json:"id" db:"id"`
	InstitutionID       string            `json:"institution_id" db:"institution_id"`
	BeneficiaryID       string            `json:"beneficiary_id" db:"beneficiary_id"`
	BeneficiaryKind     BeneficiaryKind   `json:"beneficiary_kind" db:"beneficiary_kind"`
	TotalValueCents     int64             `json:"total_value_cents" db:"total_value_cents"`
	CommissionCount     int               `json:"commission_count" db:"commission_count"`
	ScheduledDate       time.Time         `json:"scheduled_date" db:"scheduled_date"`
	PaidDate            *time.Time        `json:"paid_date,omitempty" db:"paid_date"`
	PaymentMethod       *string           `json:"payment_method,omitempty" db:"payment_method"`
	PaymentReference    *string           `json:"payment_reference,omitempty" db:"payment_reference"`
	ProofRef            *string           `json:"proof_ref,omitempty" db:"proof_ref"`
	DocRef              *string           `json:"doc_ref,omitempty" db:"doc_ref"`
	Status              PayoutBatchStatus `json:"status" db:"status"`
	NeedsReconciliation bool              `json:"needs_reconciliation" db:"needs_reconciliation"`
	ReconcileAttempts   int               `json:"reconcile_attempts" db:"reconcile_attempts"`
	LastReconcileError  *string           `json:"last_reconcile_error,omitempty" db:"last_reconcile_error"`
	RequesterID         string            `json:"requester_id" db:"requester_id"`
	ApproverID          *string           `json:"approver_id,omitempty" db:"approver_id"`
	ApprovedAt          *time.Time        `json:"approved_at,omitempty" db:"approved_at"`
	Note                *string           `json:"note,omitempty" db:"note"`
	CreatedAt           time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at" db:"updated_at"`
}
