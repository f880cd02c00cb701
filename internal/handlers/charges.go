package handlers

import (
	"net/http"

	"github.com/eduzayn/bursar/internal/gateway"
	"github.com/eduzayn/bursar/internal/ledger"
	bursarapi "github.com/eduzayn/bursar/pkg/api/bursar"
	"github.com/eduzayn/bursar/pkg/middleware"
	"github.com/eduzayn/bursar/pkg/models"
	"github.com/eduzayn/bursar/pkg/pagination"
)

// CreateCharge creates a new charge for a student
func CreateCharge(c middleware.Context) {
	var req bursarapi.CreateChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request body"})
		return
	}
	dueDate, err := parseDate(req.DueDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid due_date"})
		return
	}

	charge, err := chargeLedger.CreateCharge(c.Request.Context(), ledger.CreateChargeInput{
		InstitutionID:    scopedInstitution(c, req.InstitutionID),
		StudentID:        req.StudentID,
		AmountDueCents:   req.AmountDueCents,
		Currency:         req.Currency,
		DueDate:          dueDate,
		InstallmentIndex: req.InstallmentIndex,
		InstallmentCount: req.InstallmentCount,
		MethodHint:       req.MethodHint,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bursarapi.ChargeResponse{Charge: charge})
}

// GetCharge returns one charge with its status derived at read time
func GetCharge(c middleware.Context) {
	charge, err := chargeLedger.GetCharge(c.Request.Context(), institutionID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bursarapi.ChargeResponse{Charge: charge})
}

// ListCharges returns the institution's charges with cursor pagination
func ListCharges(c middleware.Context) {
	params, err := pagination.Parse(c.Query("limit"), c.Query("after"))
	if err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid cursor"})
		return
	}
	filter := ledger.ChargeFilter{
		StudentID: c.Query("student_id"),
		Status:    models.ChargeStatus(c.Query("status")),
	}
	if v := c.Query("due_from"); v != "" {
		if t, err := parseDate(v); err == nil {
			filter.DueFrom = t
		}
	}
	if v := c.Query("due_to"); v != "" {
		if t, err := parseDate(v); err == nil {
			filter.DueTo = t
		}
	}

	charges, page, err := chargeLedger.ListCharges(c.Request.Context(), institutionID(c), filter, params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bursarapi.ChargeListResponse{
		Charges:    charges,
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	})
}

// RegisterPayment registers a settlement against a charge
func RegisterPayment(c middleware.Context) {
	var req bursarapi.RegisterPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request body"})
		return
	}
	in := ledger.RegisterPaymentInput{
		AmountCents: req.AmountCents,
		Method:      req.Method,
		GatewayTxID: req.GatewayTxID,
		ReceiptRef:  req.ReceiptRef,
	}
	if req.PaidAt != "" {
		paidAt, err := parseDate(req.PaidAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid paid_at"})
			return
		}
		in.PaidAt = paidAt
	}

	_, charge, err := chargeLedger.RegisterPayment(c.Request.Context(), institutionID(c), c.Param("id"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	if metrics != nil {
		metrics.PaymentsRegistered.WithLabelValues(charge.InstitutionID, req.Method).Inc()
	}
	c.JSON(http.StatusOK, bursarapi.ChargeResponse{Charge: charge})
}

// ListPayments returns a charge's payment history
func ListPayments(c middleware.Context) {
	payments, err := chargeLedger.ListPayments(c.Request.Context(), institutionID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bursarapi.PaymentListResponse{Payments: payments})
}

// CancelCharge cancels a charge that is not fully paid
func CancelCharge(c middleware.Context) {
	var req bursarapi.CancelChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request body"})
		return
	}
	charge, err := chargeLedger.CancelCharge(c.Request.Context(), institutionID(c), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bursarapi.ChargeResponse{Charge: charge})
}

// ReversePayment reverses a confirmed payment (chargeback, refund)
func ReversePayment(c middleware.Context) {
	var req bursarapi.CancelChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request body"})
		return
	}
	payment, err := chargeLedger.ReversePayment(c.Request.Context(), institutionID(c), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// GeneratePaymentLink asks the configured gateway for a hosted payment page
func GeneratePaymentLink(c middleware.Context) {
	var req bursarapi.PaymentLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request body"})
		return
	}

	charge, err := chargeLedger.GetCharge(c.Request.Context(), institutionID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	link, err := linkService.GenerateLink(c.Request.Context(), charge,
		gateway.Provider(req.Gateway), req.SuccessURL, req.CancelURL)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bursarapi.PaymentLinkResponse{
		URL:       link.URL,
		SessionID: link.SessionID,
		ExpiresAt: link.ExpiresAt,
	})
}
