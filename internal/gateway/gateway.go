// Package gateway wraps the hosted-payment providers the charge ledger
// delegates link generation to.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/VictorAvelar/mollie-api-go/v4/mollie"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"

	"github.com/eduzayn/bursar/internal/faults"
	"github.com/eduzayn/bursar/pkg/logging"
	"github.com/eduzayn/bursar/pkg/models"
	"github.com/eduzayn/bursar/pkg/money"
)

// Provider identifies a payment gateway.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderMollie Provider = "mollie"
)

// Link is a gateway-hosted payment page for one charge.
type Link struct {
	URL       string
	SessionID string
	ExpiresAt time.Time
}

// LinkService generates hosted payment links.
type LinkService struct {
	logger logging.Logger
	mollie *mollie.Client
}

// NewLinkService creates a link service. The Mollie client is only built when
// MOLLIE_API_KEY is configured; Stripe is configured lazily per call via
// STRIPE_SECRET_KEY.
func NewLinkService(log logging.Logger) (*LinkService, error) {
	s := &LinkService{logger: log}

	if apiKey := os.Getenv("MOLLIE_API_KEY"); apiKey != "" {
		cfg := mollie.NewAPITestingConfig(true)
		if strings.HasPrefix(apiKey, "live_") {
			cfg = mollie.NewAPIConfig(true)
		}
		client, err := mollie.NewClient(nil, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating Mollie client: %w", err)
		}
		if err := client.WithAuthenticationValue(apiKey); err != nil {
			return nil, fmt.Errorf("setting Mollie API key: %w", err)
		}
		s.mollie = client
	}

	return s, nil
}

// AvailableProviders returns the gateways configured through the environment.
func AvailableProviders() []string {
	var providers []string
	if os.Getenv("STRIPE_SECRET_KEY") != "" {
		providers = append(providers, string(ProviderStripe))
	}
	if os.Getenv("MOLLIE_API_KEY") != "" {
		providers = append(providers, string(ProviderMollie))
	}
	return providers
}

// GenerateLink asks the provider for a hosted payment page covering the
// charge's open amount. Pure delegation: gateway failures surface as
// ExternalServiceError and nothing is written.
func (s *LinkService) GenerateLink(ctx context.Context, charge *models.Charge, provider Provider, successURL, cancelURL string) (*Link, error) {
	openCents := charge.AmountDueCents - charge.AmountPaidCents
	if openCents <= 0 {
		return nil, faults.Conflict("charge", charge.ID, "nothing left to pay")
	}

	switch provider {
	case ProviderStripe:
		return s.stripeLink(ctx, charge, openCents, successURL, cancelURL)
	case ProviderMollie:
		return s.mollieLink(ctx, charge, openCents, successURL, cancelURL)
	default:
		return nil, faults.Validation("gateway", fmt.Sprintf("unsupported provider %s", provider))
	}
}

func (s *LinkService) stripeLink(ctx context.Context, charge *models.Charge, openCents int64, successURL, cancelURL string) (*Link, error) {
	stripe.Key = os.Getenv("STRIPE_SECRET_KEY")
	if stripe.Key == "" {
		return nil, faults.External("stripe", fmt.Errorf("STRIPE_SECRET_KEY not configured"))
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(strings.ToLower(charge.Currency)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(fmt.Sprintf("Charge %s", charge.ID)),
						Description: stripe.String(fmt.Sprintf("Student: %s", charge.StudentID)),
					},
					UnitAmount: stripe.Int64(openCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"charge_id":      charge.ID,
			"institution_id": charge.InstitutionID,
			"student_id":     charge.StudentID,
		},
	}
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		return nil, faults.External("stripe", err)
	}

	expiresAt := time.Now().Add(24 * time.Hour)
	if sess.ExpiresAt > 0 {
		expiresAt = time.Unix(sess.ExpiresAt, 0)
	}

	s.logger.WithFields(logging.Fields{
		"charge_id":  charge.ID,
		"session_id": sess.ID,
		"amount":     money.Format(openCents),
	}).Info("Created Stripe payment link")

	return &Link{URL: sess.URL, SessionID: sess.ID, ExpiresAt: expiresAt}, nil
}

func (s *LinkService) mollieLink(ctx context.Context, charge *models.Charge, openCents int64, successURL, cancelURL string) (*Link, error) {
	if s.mollie == nil {
		return nil, faults.External("mollie", fmt.Errorf("MOLLIE_API_KEY not configured"))
	}

	webhookURL := ""
	if base := strings.TrimSpace(os.Getenv("API_PUBLIC_URL")); base != "" {
		webhookURL = base + "/webhooks/gateway"
	}

	_, payment, err := s.mollie.Payments.Create(ctx, mollie.CreatePayment{
		Amount: &mollie.Amount{
			Currency: charge.Currency,
			Value:    money.Format(openCents),
		},
		Description: fmt.Sprintf("Charge %s", charge.ID),
		RedirectURL: successURL,
		CancelURL:   cancelURL,
		WebhookURL:  webhookURL,
		Metadata: map[string]string{
			"charge_id":      charge.ID,
			"institution_id": charge.InstitutionID,
			"student_id":     charge.StudentID,
		},
	}, nil)
	if err != nil {
		return nil, faults.External("mollie", err)
	}

	link := &Link{SessionID: payment.ID, ExpiresAt: time.Now().Add(12 * time.Hour)}
	if payment.Links.Checkout != nil {
		link.URL = payment.Links.Checkout.Href
	}
	if payment.ExpiresAt != nil {
		link.ExpiresAt = *payment.ExpiresAt
	}

	s.logger.WithFields(logging.Fields{
		"charge_id":  charge.ID,
		"payment_id": payment.ID,
		"amount":     money.Format(openCents),
	}).Info("Created Mollie payment link")

	return link, nil
}

// VerifySignature checks the HMAC-SHA256 hex signature the gateway relay
// attaches to webhook deliveries.
func VerifySignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}
