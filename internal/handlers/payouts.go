package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eduzayn/bursar/internal/faults"
	"github.com/eduzayn/bursar/internal/payout"
	bursarapi "github.com/eduzayn/bursar/pkg/api/bursar"
	"github.com/eduzayn/bursar/pkg/middleware"
	"github.com/eduzayn/bursar/pkg/models"
	"github.com/eduzayn/bursar/pkg/pagination"
)

// CreatePayoutBatch bundles pending commissions into one disbursement batch
func CreatePayoutBatch(c middleware.Context) {
	var req bursarapi.CreatePayoutBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request body"})
		return
	}
	scheduledDate, err := parseDate(req.ScheduledDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid scheduled_date"})
		return
	}

	batch, err := payoutService.CreateBatch(c.Request.Context(), payout.CreateBatchInput{
		InstitutionID:   scopedInstitution(c, req.InstitutionID),
		BeneficiaryID:   req.BeneficiaryID,
		BeneficiaryKind: models.BeneficiaryKind(req.BeneficiaryKind),
		CommissionIDs:   req.CommissionIDs,
		ScheduledDate:   scheduledDate,
		RequesterID:     userID(c),
		Note:            req.Note,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if metrics != nil {
		metrics.PayoutOperations.WithLabelValues("create", "ok").Inc()
	}
	c.JSON(http.StatusCreated, bursarapi.PayoutBatchResponse{Batch: batch})
}

// GetPayoutBatch returns one batch
func GetPayoutBatch(c middleware.Context) {
	batch, err := payoutService.GetBatch(c.Request.Context(), institutionID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bursarapi.PayoutBatchResponse{Batch: batch})
}

// ListPayoutBatches returns batches filtered by beneficiary, status and date
// range, with cursor pagination
func ListPayoutBatches(c middleware.Context) {
	params, err := pagination.Parse(c.Query("limit"), c.Query("after"))
	if err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid cursor"})
		return
	}
	filter := payout.Filter{
		BeneficiaryID: c.Query("beneficiary_id"),
		Status:        models.PayoutBatchStatus(c.Query("status")),
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

	batches, page, err := payoutService.ListBatches(c.Request.Context(), institutionID(c), filter, params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bursarapi.PayoutBatchListResponse{
		Batches:    batches,
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	})
}

// ConfirmPayout marks a batch as disbursed and propagates paid status to its
// commissions. A partial failure still returns the batch: the first phase is
// durable and the reconciliation sweep finishes the rest.
func ConfirmPayout(c middleware.Context) {
	var req bursarapi.ConfirmPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request body"})
		return
	}
	paidDate, err := parseDate(req.PaidDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid paid_date"})
		return
	}

	batch, err := payoutService.ConfirmPayout(c.Request.Context(), institutionID(c), c.Param("id"), payout.ConfirmPayoutInput{
		PaidDate:         paidDate,
		ProofRef:         req.ProofRef,
		PaymentMethod:    req.PaymentMethod,
		PaymentReference: req.PaymentReference,
		DocRef:           req.DocRef,
		ApproverID:       userID(c),
	})
	if err != nil {
		var pf *faults.PartialFailureError
		if errors.As(err, &pf) {
			if metrics != nil {
				metrics.PayoutOperations.WithLabelValues("confirm", "partial").Inc()
			}
			c.JSON(http.StatusAccepted, gin.H{
				"batch":   batch,
				"warning": pf.Error(),
			})
			return
		}
		writeError(c, err)
		return
	}
	if metrics != nil {
		metrics.PayoutOperations.WithLabelValues("confirm", "ok").Inc()
	}
	if emailService != nil {
		go emailService.SendPayoutConfirmed(batch)
	}
	c.JSON(http.StatusOK, bursarapi.PayoutBatchResponse{Batch: batch})
}

// CancelPayout cancels a pending batch, releasing its commissions for a new
// batch
func CancelPayout(c middleware.Context) {
	var req bursarapi.CancelPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request body"})
		return
	}

	batch, err := payoutService.CancelPayout(c.Request.Context(), institutionID(c), c.Param("id"), req.Reason)
	if err != nil {
		var pf *faults.PartialFailureError
		if errors.As(err, &pf) {
			if metrics != nil {
				metrics.PayoutOperations.WithLabelValues("cancel", "partial").Inc()
			}
			c.JSON(http.StatusAccepted, gin.H{
				"batch":   batch,
				"warning": pf.Error(),
			})
			return
		}
		writeError(c, err)
		return
	}
	if metrics != nil {
		metrics.PayoutOperations.WithLabelValues("cancel", "ok").Inc()
	}
	c.JSON(http.StatusOK, bursarapi.PayoutBatchResponse{Batch: batch})
}
