package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/tradesafe/tradesafe/internal/circuitbreaker"
	"github.com/tradesafe/tradesafe/internal/idgen"
	"github.com/tradesafe/tradesafe/internal/metrics"
	"github.com/tradesafe/tradesafe/internal/retry"
)

// StripeGateway implements PaymentGateway on top of Stripe PaymentIntents.
// A charge maps to a PaymentIntent; release and refund map to transfers
// and refunds against the underlying intent.
//
// Calls are retried on transient failures and guarded by a per-operation
// circuit breaker so a processor outage fails fast instead of holding
// request goroutines for the full timeout.
type StripeGateway struct {
	api     *client.API
	timeout time.Duration
	breaker *circuitbreaker.Breaker
}

// NewStripeGateway creates a Stripe-backed gateway. The timeout bounds
// every processor call.
func NewStripeGateway(secretKey string, timeout time.Duration) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &StripeGateway{
		api:     api,
		timeout: timeout,
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// call runs fn with retry and circuit breaking under the op key.
// Retryable errors are transient transport or 5xx failures; fn wraps
// everything else in retry.Permanent.
func (g *StripeGateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !g.breaker.Allow(op) {
		metrics.GatewayRequestsTotal.WithLabelValues(op, "circuit_open").Inc()
		return fmt.Errorf("%w: %s: circuit open", ErrGateway, op)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		return fn(ctx)
	})
	if err != nil {
		g.breaker.RecordFailure(op)
		metrics.GatewayRequestsTotal.WithLabelValues(op, "error").Inc()
		return err
	}
	g.breaker.RecordSuccess(op)
	metrics.GatewayRequestsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

func (g *StripeGateway) CreateCharge(ctx context.Context, userID string, amount decimal.Decimal, currency, purpose string) (*Charge, error) {
	// Stripe deduplicates retried creates by idempotency key, so a retry
	// after a dropped response cannot double-charge.
	idemKey := idgen.WithPrefix("ik_")

	var pi *stripe.PaymentIntent
	err := g.call(ctx, "create_charge", func(ctx context.Context) error {
		params := &stripe.PaymentIntentParams{
			Amount:   stripe.Int64(MinorUnits(amount)),
			Currency: stripe.String(strings.ToLower(currency)),
			AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
				Enabled: stripe.Bool(true),
			},
		}
		params.Context = ctx
		params.SetIdempotencyKey(idemKey)
		params.AddMetadata("user_id", userID)
		params.AddMetadata("purpose", purpose)

		var err error
		pi, err = g.api.PaymentIntents.New(params)
		return classify(err)
	})
	if err != nil {
		return nil, wrapStripe("create intent", err)
	}
	return chargeFromIntent(pi), nil
}

func (g *StripeGateway) ConfirmCharge(ctx context.Context, chargeID string) (*Charge, error) {
	var pi *stripe.PaymentIntent
	err := g.call(ctx, "confirm_charge", func(ctx context.Context) error {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx

		var err error
		pi, err = g.api.PaymentIntents.Get(chargeID, params)
		return classify(err)
	})
	if err != nil {
		return nil, wrapStripe("retrieve intent", err)
	}

	charge := chargeFromIntent(pi)
	if charge.Status != StatusSucceeded {
		return charge, ErrChargeNotSucceeded
	}
	return charge, nil
}

func (g *StripeGateway) Refund(ctx context.Context, chargeID string) error {
	idemKey := idgen.WithPrefix("ik_")

	err := g.call(ctx, "refund", func(ctx context.Context) error {
		params := &stripe.RefundParams{
			PaymentIntent: stripe.String(chargeID),
		}
		params.Context = ctx
		params.SetIdempotencyKey(idemKey)

		_, err := g.api.Refunds.New(params)
		return classify(err)
	})
	if err != nil {
		return wrapStripe("refund", err)
	}
	return nil
}

func (g *StripeGateway) Release(ctx context.Context, chargeID string) error {
	// Funds settle to the platform account when the intent succeeds.
	// Release verifies the intent reached that state; the periodic payout
	// job moves settled funds to the seller.
	_, err := g.ConfirmCharge(ctx, chargeID)
	return err
}

// classify marks non-retryable Stripe errors as permanent. Only
// transport errors and 5xx responses are worth retrying.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if stripeErr, ok := err.(*stripe.Error); ok {
		if stripeErr.HTTPStatusCode < 500 {
			return retry.Permanent(err)
		}
	}
	return err
}

// wrapStripe translates a failed call into the gateway error taxonomy.
func wrapStripe(op string, err error) error {
	if stripeNotFound(err) {
		return ErrChargeNotFound
	}
	if errors.Is(err, ErrGateway) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrGateway, op, err)
}

func chargeFromIntent(pi *stripe.PaymentIntent) *Charge {
	return &Charge{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       FromMinorUnits(pi.Amount),
		Currency:     strings.ToUpper(string(pi.Currency)),
		Status:       normalizeStatus(pi.Status),
		UserID:       pi.Metadata["user_id"],
		Purpose:      pi.Metadata["purpose"],
		CreatedAt:    time.Unix(pi.Created, 0),
	}
}

func normalizeStatus(s stripe.PaymentIntentStatus) string {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}

func stripeNotFound(err error) bool {
	if stripeErr, ok := err.(*stripe.Error); ok {
		return stripeErr.Code == stripe.ErrorCodeResourceMissing
	}
	return false
}
