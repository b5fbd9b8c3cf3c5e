// Package payments wraps the card-payment gateway. Bank transfers stay the
// primary rail; a configured gateway mirrors each pending payment with an
// intent so the expiry sweep can check for a confirmation that never reached
// us before voiding the hold.
package payments

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"
)

type StripeGateway struct {
	logger   *slog.Logger
	currency string
	enabled  bool
}

type StripeConfig struct {
	SecretKey string
	Currency  string
}

func NewStripeGateway(cfg StripeConfig, logger *slog.Logger) *StripeGateway {
	key := strings.TrimSpace(cfg.SecretKey)
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "vnd"
	}
	if key == "" {
		logger.Warn("card gateway disabled: STRIPE_SECRET_KEY missing")
		return &StripeGateway{logger: logger, currency: currency}
	}
	stripe.Key = key
	return &StripeGateway{logger: logger, currency: currency, enabled: true}
}

// CreateIntent opens a payment intent for the pending amount. A disabled
// gateway returns an empty id and the booking proceeds on bank transfer only.
func (g *StripeGateway) CreateIntent(ctx context.Context, amount decimal.Decimal, paymentCode string) (string, error) {
	if !g.enabled {
		return "", nil
	}
	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(amount.IntPart()),
		Currency: stripe.String(g.currency),
	}
	params.AddMetadata("payment_code", paymentCode)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// IntentSucceeded looks up whether the intent confirmed on the gateway side.
// The expiry sweep calls this before voiding a hold so a confirmation that
// missed our webhook still counts.
func (g *StripeGateway) IntentSucceeded(ctx context.Context, intentID string) (bool, error) {
	if !g.enabled || intentID == "" {
		return false, nil
	}
	pi, err := paymentintent.Get(intentID, &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return false, err
	}
	return pi.Status == stripe.PaymentIntentStatusSucceeded, nil
}

// CancelIntent voids an unconfirmed intent when its hold expires.
func (g *StripeGateway) CancelIntent(ctx context.Context, intentID string) error {
	if !g.enabled || intentID == "" {
		return nil
	}
	_, err := paymentintent.Cancel(intentID, &stripe.PaymentIntentCancelParams{Params: stripe.Params{Context: ctx}})
	return err
}
