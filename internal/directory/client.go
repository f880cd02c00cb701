// Package directory looks up which pool or consultant a student belongs to.
// The directory is an external read-only service owned by the enrollment
// system.
package directory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/eduzayn/bursar/pkg/logging"
	"github.com/eduzayn/bursar/pkg/models"
)

// Client resolves beneficiaries over the directory's HTTP API.
type Client struct {
	http   *resty.Client
	logger logging.Logger
}

// NewClient creates a directory client. serviceToken authenticates
// service-to-service calls.
func NewClient(baseURL, serviceToken string, log logging.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetHeader("Authorization", "Bearer "+serviceToken)
	return &Client{http: client, logger: log}
}

type beneficiaryResponse struct {
	BeneficiaryID string `json:"beneficiary_id"`
	Kind          string `json:"kind"`
}

// Resolve returns the student's beneficiary id of the given kind. A 404 from
// the directory means the student has no beneficiary of that kind and is not
// an error; matching skips the rule.
func (c *Client) Resolve(ctx context.Context, institutionID, studentID string, kind models.BeneficiaryKind) (string, error) {
	var result beneficiaryResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("institution_id", institutionID).
		SetQueryParam("kind", string(kind)).
		SetResult(&result).
		Get(fmt.Sprintf("/students/%s/beneficiary", studentID))
	if err != nil {
		return "", fmt.Errorf("directory lookup: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return result.BeneficiaryID, nil
	case http.StatusNotFound:
		return "", nil
	default:
		c.logger.WithFields(logging.Fields{
			"student_id": studentID,
			"kind":       string(kind),
			"status":     resp.StatusCode(),
		}).Warn("Unexpected directory response")
		return "", fmt.Errorf("directory returned status %d", resp.StatusCode())
	}
}

// Contact is the billing contact for a student.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// LookupContact returns the student's billing contact. A 404 means the
// directory has no contact on file; callers skip the notification.
func (c *Client) LookupContact(ctx context.Context, institutionID, studentID string) (*Contact, error) {
	var result Contact
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("institution_id", institutionID).
		SetResult(&result).
		Get(fmt.Sprintf("/students/%s/contact", studentID))
	if err != nil {
		return nil, fmt.Errorf("directory lookup: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return &result, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("directory returned status %d", resp.StatusCode())
	}
}
