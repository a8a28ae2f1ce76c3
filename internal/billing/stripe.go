// Package billing creates Stripe checkout and customer-portal sessions and
// applies subscription changes from Stripe webhooks.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

const defaultTimeout = 30 * time.Second

// StripeClient is the live Stripe implementation of the Stripe interface.
type StripeClient struct {
	api *client.API
}

func NewStripeClient(secretKey string) *StripeClient {
	return newStripeClient(secretKey, "", &http.Client{Timeout: defaultTimeout})
}

// NewStripeClientWithBaseURL sends every request to baseURL (for testing).
func NewStripeClientWithBaseURL(secretKey, baseURL string, httpClient *http.Client) *StripeClient {
	return newStripeClient(secretKey, baseURL, httpClient)
}

func newStripeClient(secretKey, baseURL string, httpClient *http.Client) *StripeClient {
	// GetBackendWithConfig fills in the default URL on the config it is
	// given, so each backend gets its own.
	backend := func(t stripe.SupportedBackend) stripe.Backend {
		cfg := &stripe.BackendConfig{
			HTTPClient:    httpClient,
			LeveledLogger: slogLogger{slog.Default()},
		}
		if baseURL != "" {
			cfg.URL = stripe.String(baseURL)
		}
		return stripe.GetBackendWithConfig(t, cfg)
	}
	return &StripeClient{api: client.New(secretKey, &stripe.Backends{
		API:     backend(stripe.APIBackend),
		Connect: backend(stripe.ConnectBackend),
		Uploads: backend(stripe.UploadsBackend),
	})}
}

// CreateCustomer creates a customer tagged with the local user id.
func (c *StripeClient) CreateCustomer(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	params.AddMetadata("user_id", userID)

	cus, err := c.api.Customers.New(params)
	if err != nil {
		return "", err
	}
	return cus.ID, nil
}

// CheckoutParams describes a subscription checkout.
type CheckoutParams struct {
	CustomerID string
	UserID     string
	PriceID    string
	Tier       string
	SuccessURL string
	CancelURL  string
}

// CreateCheckoutSession returns the hosted checkout URL. The tier travels in
// both the session and the subscription metadata so webhooks can map it back.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(p.CustomerID),
		ClientReferenceID: stripe.String(p.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(p.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"tier": p.Tier, "user_id": p.UserID},
		},
	}
	params.Context = ctx
	params.AddMetadata("tier", p.Tier)

	s, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", err
	}
	return s.URL, nil
}

// CreatePortalSession returns the customer-portal URL.
func (c *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{Customer: stripe.String(customerID)}
	if returnURL != "" {
		params.ReturnURL = stripe.String(returnURL)
	}
	params.Context = ctx

	s, err := c.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", err
	}
	return s.URL, nil
}

// slogLogger routes stripe-go's own logging through slog.
type slogLogger struct{ l *slog.Logger }

func (s slogLogger) Debugf(format string, v ...interface{}) { s.l.Debug(fmt.Sprintf(format, v...)) }
func (s slogLogger) Infof(format string, v ...interface{})  { s.l.Debug(fmt.Sprintf(format, v...)) }
func (s slogLogger) Warnf(format string, v ...interface{})  { s.l.Warn(fmt.Sprintf(format, v...)) }
func (s slogLogger) Errorf(format string, v ...interface{}) { s.l.Error(fmt.Sprintf(format, v...)) }
