package handlers

import (
	"net/http"
	"time"

	"github.com/eduzayn/bursar/internal/commission"
	bursarapi "github.com/eduzayn/bursar/pkg/api/bursar"
	"github.com/eduzayn/bursar/pkg/middleware"
	"github.com/eduzayn/bursar/pkg/models"
	"github.com/eduzayn/bursar/pkg/pagination"
)

// CreateCommission records a manually entered commission
func CreateCommission(c middleware.Context) {
	var req bursarapi.CreateCommissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request body"})
		return
	}

	in := commission.CreateInput{
		InstitutionID:   scopedInstitution(c, req.InstitutionID),
		BeneficiaryID:   req.BeneficiaryID,
		BeneficiaryKind: models.BeneficiaryKind(req.BeneficiaryKind),
		StudentID:       req.StudentID,
		EnrollmentID:    req.EnrollmentID,
		CourseID:        req.CourseID,
		SourcePaymentID: req.SourcePaymentID,
		ValueCents:      req.ValueCents,
		Percentage:      req.Percentage,
		BaseAmountCents: req.BaseAmountCents,
		AccrualType:     models.AccrualType(req.AccrualType),
		Note:            req.Note,
	}
	if req.ReferenceDate != "" {
		date, err := parseDate(req.ReferenceDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid reference_date"})
			return
		}
		in.ReferenceDate = date
	}

	created, err := commissionLedger.Create(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bursarapi.CommissionResponse{Commission: created})
}

// GenerateCommissions matches a settled payment event against the active
// rules and creates the resulting commissions
func GenerateCommissions(c middleware.Context) {
	var req bursarapi.PaymentEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request body"})
		return
	}

	event := commission.PaymentEvent{
		InstitutionID:    scopedInstitution(c, req.InstitutionID),
		PaymentID:        req.PaymentID,
		StudentID:        req.StudentID,
		EnrollmentID:     req.EnrollmentID,
		CourseID:         req.CourseID,
		BaseAmountCents:  req.BaseAmountCents,
		InstallmentIndex: req.InstallmentIndex,
		AccrualType:      models.AccrualType(req.AccrualType),
		ReferenceDate:    time.Now(),
	}
	if req.ReferenceDate != "" {
		date, err := parseDate(req.ReferenceDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid reference_date"})
			return
		}
		event.ReferenceDate = date
	}

	ids, err := commissionLedger.GenerateForEvent(c.Request.Context(), event)
	if err != nil {
		writeError(c, err)
		return
	}
	if metrics != nil {
		metrics.CommissionsGenerated.WithLabelValues(event.InstitutionID).Add(float64(len(ids)))
	}
	c.JSON(http.StatusOK, bursarapi.GenerateCommissionsResponse{CommissionIDs: ids})
}

// GetCommission returns one commission
func GetCommission(c middleware.Context) {
	found, err := commissionLedger.Get(c.Request.Context(), institutionID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bursarapi.CommissionResponse{Commission: found})
}

// ListCommissions returns commissions filtered by beneficiary, status and
// date range, with cursor pagination. Service-token callers name the
// institution through the institution_id query parameter
func ListCommissions(c middleware.Context) {
	params, err := pagination.Parse(c.Query("limit"), c.Query("after"))
	if err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid cursor"})
		return
	}
	filter := commission.Filter{
		BeneficiaryID: c.Query("beneficiary_id"),
		Status:        models.CommissionStatus(c.Query("status")),
	}
	if from := c.Query("from"); from != "" {
		date, err := parseDate(from)
		if err != nil {
			c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid from date"})
			return
		}
		filter.From = &date
	}
	if to := c.Query("to"); to != "" {
		date, err := parseDate(to)
		if err != nil {
			c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid to date"})
			return
		}
		filter.To = &date
	}

	commissions, page, err := commissionLedger.List(c.Request.Context(), scopedInstitution(c, c.Query("institution_id")), filter, params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bursarapi.CommissionListResponse{
		Commissions: commissions,
		NextCursor:  page.NextCursor,
		HasMore:     page.HasMore,
	})
}

// CancelCommission cancels a pending, unclaimed commission
func CancelCommission(c middleware.Context) {
	var req bursarapi.CancelCommissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request body"})
		return
	}
	cancelled, err := commissionLedger.Cancel(c.Request.Context(), institutionID(c), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bursarapi.CommissionResponse{Commission: cancelled})
}

// ReverseCommission reverses a paid commission
func ReverseCommission(c middleware.Context) {
	var req bursarapi.ReverseCommissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request body"})
		return
	}
	reversed, err := commissionLedger.Reverse(c.Request.Context(), institutionID(c), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bursarapi.CommissionResponse{Commission: reversed})
}
