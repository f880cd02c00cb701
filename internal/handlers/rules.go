package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lib/pq"

	bursarapi "github.com/eduzayn/bursar/pkg/api/bursar"
	"github.com/eduzayn/bursar/pkg/logging"
	"github.com/eduzayn/bursar/pkg/middleware"
	"github.com/eduzayn/bursar/pkg/models"
)

// CreateRule configures a commission rule
func CreateRule(c middleware.Context) {
	var req bursarapi.CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request body"})
		return
	}
	kind := models.BeneficiaryKind(req.BeneficiaryKind)
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "beneficiary_kind must be pool or consultant"})
		return
	}
	// Exactly one of percentage or fixed amount.
	if (req.Percentage == nil) == (req.FixedAmountCents == nil) {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Set exactly one of percentage or fixed_amount_cents"})
		return
	}
	if req.Percentage != nil && (*req.Percentage <= 0 || *req.Percentage > 100) {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "percentage must be in (0, 100]"})
		return
	}
	if req.FixedAmountCents != nil && *req.FixedAmountCents <= 0 {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "fixed_amount_cents must be positive"})
		return
	}

	rule := models.CommissionRule{
		ID:                   uuid.New().String(),
		InstitutionID:        scopedInstitution(c, req.InstitutionID),
		BeneficiaryKind:      kind,
		CourseID:             req.CourseID,
		Percentage:           req.Percentage,
		FixedAmountCents:     req.FixedAmountCents,
		Recurring:            req.Recurring,
		EligibleInstallments: pq.Int64Array(req.EligibleInstallments),
		Active:               true,
	}
	err := db.QueryRowContext(c.Request.Context(), `
		INSERT INTO bursar.commission_rules (id, institution_id, beneficiary_kind,
			course_id, percentage, fixed_amount_cents, recurring,
			eligible_installments, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		rule.ID, rule.InstitutionID, rule.BeneficiaryKind, rule.CourseID,
		rule.Percentage, rule.FixedAmountCents, rule.Recurring,
		rule.EligibleInstallments, rule.Active,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		logger.WithFields(logging.Fields{"error": err}).Error("Failed to create commission rule")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to create rule"})
		return
	}

	logger.WithFields(logging.Fields{
		"rule_id":          rule.ID,
		"institution_id":   rule.InstitutionID,
		"beneficiary_kind": string(rule.BeneficiaryKind),
	}).Info("Commission rule created")
	c.JSON(http.StatusCreated, rule)
}

// ListRules returns the institution's commission rules
func ListRules(c middleware.Context) {
	rows, err := db.QueryContext(c.Request.Context(), `
		SELECT id, institution_id, beneficiary_kind, course_id, percentage,
		       fixed_amount_cents, recurring, eligible_installments, active,
		       created_at, updated_at
		FROM bursar.commission_rules
		WHERE institution_id = $1
		ORDER BY created_at DESC`,
		institutionID(c))
	if err != nil {
		logger.WithFields(logging.Fields{"error": err}).Error("Failed to fetch commission rules")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to fetch rules"})
		return
	}
	defer rows.Close()

	var rules []models.CommissionRule
	for rows.Next() {
		var r models.CommissionRule
		err := rows.Scan(&r.ID, &r.InstitutionID, &r.BeneficiaryKind, &r.CourseID,
			&r.Percentage, &r.FixedAmountCents, &r.Recurring,
			&r.EligibleInstallments, &r.Active, &r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			logger.WithFields(logging.Fields{"error": err}).Error("Error scanning rule")
			continue
		}
		rules = append(rules, r)
	}

	c.JSON(http.StatusOK, bursarapi.RuleListResponse{Rules: rules})
}

// DeactivateRule retires a rule; matching stops consulting it
func DeactivateRule(c middleware.Context) {
	result, err := db.ExecContext(c.Request.Context(), `
		UPDATE bursar.commission_rules
		SET active = false, updated_at = NOW()
		WHERE id = $1 AND institution_id = $2`,
		c.Param("id"), institutionID(c))
	if err != nil {
		logger.WithFields(logging.Fields{"error": err}).Error("Failed to deactivate rule")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to deactivate rule"})
		return
	}
	affected, err := result.RowsAffected()
	if err != nil || affected == 0 {
		c.JSON(http.StatusNotFound, bursarapi.ErrorResponse{Error: "Rule not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}
