package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/eduzayn/bursar/internal/faults"
	"github.com/eduzayn/bursar/pkg/logging"
	"github.com/eduzayn/bursar/pkg/models"
)

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"event_id":"evt-1","type":"payment.settled"}`)
	secret := "webhook-secret"

	if !VerifySignature(payload, sign(payload, secret), secret) {
		t.Error("valid signature rejected")
	}
	if !VerifySignature(payload, "sha256="+sign(payload, secret), secret) {
		t.Error("valid prefixed signature rejected")
	}
	if VerifySignature(payload, sign(payload, "other-secret"), secret) {
		t.Error("signature from wrong secret accepted")
	}
	if VerifySignature([]byte("tampered"), sign(payload, secret), secret) {
		t.Error("signature over different payload accepted")
	}
	if VerifySignature(payload, "", secret) {
		t.Error("empty signature accepted")
	}
	if VerifySignature(payload, sign(payload, secret), "") {
		t.Error("verification without a secret accepted")
	}
}

func TestGenerateLinkUnsupportedProvider(t *testing.T) {
	svc := &LinkService{logger: logging.NewLogger()}
	charge := &models.Charge{ID: "charge-1", AmountDueCents: 50000, Currency: "BRL"}

	_, err := svc.GenerateLink(context.Background(), charge, "paypal", "https://ok", "https://cancel")
	var ve *faults.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestGenerateLinkFullyPaidCharge(t *testing.T) {
	svc := &LinkService{logger: logging.NewLogger()}
	charge := &models.Charge{ID: "charge-1", AmountDueCents: 50000, AmountPaidCents: 50000, Currency: "BRL"}

	_, err := svc.GenerateLink(context.Background(), charge, ProviderStripe, "https://ok", "https://cancel")
	var cf *faults.ConflictError
	if !errors.As(err, &cf) {
		t.Fatalf("want ConflictError for fully paid charge, got %v", err)
	}
}

func TestGenerateLinkStripeUnconfigured(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "")
	svc := &LinkService{logger: logging.NewLogger()}
	charge := &models.Charge{ID: "charge-1", AmountDueCents: 50000, Currency: "BRL"}

	_, err := svc.GenerateLink(context.Background(), charge, ProviderStripe, "https://ok", "https://cancel")
	var ex *faults.ExternalServiceError
	if !errors.As(err, &ex) {
		t.Fatalf("want ExternalServiceError, got %v", err)
	}
}

func TestAvailableProviders(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_x")
	t.Setenv("MOLLIE_API_KEY", "")

	providers := AvailableProviders()
	if len(providers) != 1 || providers[0] != "stripe" {
		t.Errorf("providers = %v, want [stripe]", providers)
	}
}
