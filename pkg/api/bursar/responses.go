package bursar

import (
	"github.com/eduzayn/bursar/pkg/api/common"
	"github.com/eduzayn/bursar/pkg/models"
)

// ErrorResponse is a type alias to the common error response
type ErrorResponse = common.ErrorResponse

// ChargeListResponse is a paginated charge listing.
type ChargeListResponse struct {
	Charges    []models.Charge `json:"charges"`
	NextCursor string          `json:"next_cursor,omitempty"`
	HasMore    bool            `json:"has_more"`
}

// PaymentListResponse lists a charge's payments.
type PaymentListResponse struct {
	Payments []models.Payment `json:"payments"`
}

// CommissionListResponse is a paginated commission listing.
type CommissionListResponse struct {
	Commissions []models.Commission `json:"commissions"`
	NextCursor  string              `json:"next_cursor,omitempty"`
	HasMore     bool                `json:"has_more"`
}

// PayoutBatchListResponse is a paginated batch listing.
type PayoutBatchListResponse struct {
	Batches    []models.PayoutBatch `json:"batches"`
	NextCursor string               `json:"next_cursor,omitempty"`
	HasMore    bool                 `json:"has_more"`
}

// RuleListResponse lists an institution's commission rules.
type RuleListResponse struct {
	Rules []models.CommissionRule `json:"rules"`
}
