// Package handlers exposes the charge, commission and payout operations over
// HTTP.
package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eduzayn/bursar/internal/commission"
	"github.com/eduzayn/bursar/internal/faults"
	"github.com/eduzayn/bursar/internal/gateway"
	"github.com/eduzayn/bursar/internal/ledger"
	"github.com/eduzayn/bursar/internal/payout"
	bursarapi "github.com/eduzayn/bursar/pkg/api/bursar"
	"github.com/eduzayn/bursar/pkg/auth"
	"github.com/eduzayn/bursar/pkg/ctxkeys"
	"github.com/eduzayn/bursar/pkg/logging"
	"github.com/eduzayn/bursar/pkg/middleware"
)

var (
	db               *sql.DB
	logger           logging.Logger
	metrics          *BursarMetrics
	chargeLedger     *ledger.Service
	commissionLedger *commission.Ledger
	payoutService    *payout.Service
	linkService      *gateway.LinkService
	emailService     *EmailService
)

// BursarMetrics holds all Prometheus metrics for Bursar
type BursarMetrics struct {
	PaymentsRegistered    *prometheus.CounterVec
	CommissionsGenerated  *prometheus.CounterVec
	PayoutOperations      *prometheus.CounterVec
	ReconciliationRetries *prometheus.CounterVec

	DBQueries     *prometheus.CounterVec
	DBDuration    *prometheus.HistogramVec
	DBConnections *prometheus.GaugeVec
}

// Init initializes the handlers with database, logger, metrics and the
// beneficiary directory resolver.
func Init(database *sql.DB, log logging.Logger, bursarMetrics *BursarMetrics, resolver commission.BeneficiaryResolver) error {
	db = database
	logger = log
	metrics = bursarMetrics
	chargeLedger = ledger.NewService(database, log)
	commissionLedger = commission.NewLedger(database, log, resolver)
	payoutService = payout.NewService(database, log)
	emailService = NewEmailService(log)

	links, err := gateway.NewLinkService(log)
	if err != nil {
		return err
	}
	linkService = links
	return nil
}

// institutionID returns the caller's institution scope set by the auth
// middleware.
func institutionID(c middleware.Context) string {
	return c.GetString(string(ctxkeys.KeyInstitutionID))
}

// userID returns the authenticated caller id.
func userID(c middleware.Context) string {
	return c.GetString(string(ctxkeys.KeyUserID))
}

// scopedInstitution returns the institution an operation applies to. JWT
// callers are pinned to their own institution; service-token callers may act
// on the institution named in the request.
func scopedInstitution(c middleware.Context, requested string) string {
	scope := institutionID(c)
	if scope != "" && scope != auth.ServiceInstitutionID {
		return scope
	}
	return requested
}

// writeError maps a service error to its HTTP status with a uniform body.
func writeError(c middleware.Context, err error) {
	status := faults.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.WithFields(logging.Fields{
			"path":  c.Request.URL.Path,
			"error": err,
		}).Error("Request failed")
		c.JSON(status, bursarapi.ErrorResponse{Error: "Internal error", Service: "bursar"})
		return
	}
	c.JSON(status, bursarapi.ErrorResponse{Error: err.Error(), Service: "bursar"})
}

// parseDate parses an RFC 3339 timestamp or bare date.
func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty date")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}
