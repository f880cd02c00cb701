package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/eduzayn/bursar/internal/commission"
	"github.com/eduzayn/bursar/pkg/auth"
	"github.com/eduzayn/bursar/pkg/logging"
)

var commissionCols = []string{
	"id", "institution_id", "beneficiary_id", "beneficiary_kind", "student_id",
	"enrollment_id", "course_id", "source_payment_id", "value_cents", "percentage",
	"base_amount_cents", "accrual_type", "reference_date", "computed_at", "status",
	"payout_batch_id", "generated_by_rule_id", "note", "created_at", "updated_at",
}

func commissionListRow(id, institutionID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(commissionCols).AddRow(
		id, institutionID, "consultant-9", "consultant", "student-1",
		nil, nil, nil, int64(5000), nil,
		int64(50000), "installment", now, now, "pending",
		nil, nil, nil, now, now)
}

func newCommissionRouter(t *testing.T, serviceToken, jwtSecret string) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	db = mockDB
	logger = logging.NewLogger()
	metrics = nil
	commissionLedger = commission.NewLedger(mockDB, logger, noopResolver{})
	t.Cleanup(func() {
		db = nil
		commissionLedger = nil
	})

	router := gin.New()
	protected := router.Group("")
	protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
	protected.GET("/commissions", ListCommissions)
	serviceAPI := router.Group("")
	serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
	serviceAPI.GET("/internal/commissions", ListCommissions)
	return router, mock
}

func getCommissions(router *gin.Engine, path, bearer string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", path, nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	router.ServeHTTP(w, req)
	return w
}

func TestListCommissionsServiceTokenScopesToNamedInstitution(t *testing.T) {
	router, mock := newCommissionRouter(t, "svc-token", "jwt-secret")

	// The query must run against the institution the service caller named,
	// not the sentinel identity on the token.
	mock.ExpectQuery(`SELECT (.+) FROM bursar.commissions WHERE institution_id = \$1 ORDER BY`).
		WithArgs("inst-1", 51).
		WillReturnRows(commissionListRow("comm-1", "inst-1"))

	w := getCommissions(router, "/internal/commissions?institution_id=inst-1", "svc-token")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp struct {
		Commissions []struct {
			ID string `json:"id"`
		} `json:"commissions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(resp.Commissions) != 1 || resp.Commissions[0].ID != "comm-1" {
		t.Errorf("commissions = %+v, want comm-1", resp.Commissions)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListCommissionsJWTCallerStaysPinned(t *testing.T) {
	router, mock := newCommissionRouter(t, "svc-token", "jwt-secret")

	token, err := auth.GenerateJWT("user-1", "inst-2", "ops@school.example", "admin", []byte("jwt-secret"))
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	// An operator naming another institution still lists only their own.
	mock.ExpectQuery(`SELECT (.+) FROM bursar.commissions WHERE institution_id = \$1 ORDER BY`).
		WithArgs("inst-2", 51).
		WillReturnRows(sqlmock.NewRows(commissionCols))

	w := getCommissions(router, "/commissions?institution_id=inst-1", token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
