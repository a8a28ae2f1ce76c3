package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/scatterbrain-app/scatterbrain/internal/storage"
	"github.com/scatterbrain-app/scatterbrain/internal/usage"
)

var (
	// ErrNotConfigured is returned when no Stripe key is set.
	ErrNotConfigured = errors.New("billing is not configured")
	// ErrNoCustomer is returned when a portal is requested before any checkout.
	ErrNoCustomer = errors.New("no billing account for user")
)

// Stripe is the subset of the Stripe API the service uses.
type Stripe interface {
	CreateCustomer(ctx context.Context, userID string) (string, error)
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// Store is the profile persistence the service needs.
type Store interface {
	GetProfile(userID string) (storage.Profile, error)
	GetProfileByCustomer(customerID string) (storage.Profile, error)
	UpsertProfile(p storage.Profile) error
	SetStripeCustomerID(userID, customerID string) error
	SetProfileTier(userID, tier string) error
}

type Config struct {
	SuccessURL    string
	CancelURL     string
	PricePro      string
	PriceTeam     string
	WebhookSecret string
}

type Service struct {
	stripe Stripe
	store  Store
	cfg    Config
	logger *slog.Logger
}

// NewService returns a billing service. stripe may be nil, in which case
// every session call fails with ErrNotConfigured.
func NewService(stripe Stripe, store Store, cfg Config) *Service {
	return &Service{stripe: stripe, store: store, cfg: cfg, logger: slog.Default()}
}

func (s *Service) priceFor(tier usage.Tier) (string, error) {
	switch tier {
	case usage.Pro:
		if s.cfg.PricePro != "" {
			return s.cfg.PricePro, nil
		}
	case usage.Team:
		if s.cfg.PriceTeam != "" {
			return s.cfg.PriceTeam, nil
		}
	default:
		return "", fmt.Errorf("tier %q cannot be purchased", tier)
	}
	return "", fmt.Errorf("no price configured for tier %q", tier)
}

// customer returns the user's Stripe customer id, creating the customer and
// the local profile as needed.
func (s *Service) customer(ctx context.Context, userID string) (string, error) {
	p, err := s.store.GetProfile(userID)
	if errors.Is(err, storage.ErrNotFound) {
		p = storage.Profile{UserID: userID, Tier: string(usage.Free)}
		if err := s.store.UpsertProfile(p); err != nil {
			return "", fmt.Errorf("creating profile: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("loading profile: %w", err)
	}
	if p.StripeCustomerID != "" {
		return p.StripeCustomerID, nil
	}

	id, err := s.stripe.CreateCustomer(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("creating customer: %w", err)
	}
	if err := s.store.SetStripeCustomerID(userID, id); err != nil {
		return "", fmt.Errorf("saving customer id: %w", err)
	}
	return id, nil
}

// Checkout starts a subscription checkout for tier and returns its URL.
func (s *Service) Checkout(ctx context.Context, userID string, tier usage.Tier) (string, error) {
	if s.stripe == nil {
		return "", ErrNotConfigured
	}
	price, err := s.priceFor(tier)
	if err != nil {
		return "", err
	}
	customerID, err := s.customer(ctx, userID)
	if err != nil {
		return "", err
	}
	return s.stripe.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID: customerID,
		UserID:     userID,
		PriceID:    price,
		Tier:       string(tier),
		SuccessURL: s.cfg.SuccessURL,
		CancelURL:  s.cfg.CancelURL,
	})
}

// Portal returns a customer-portal URL for managing the subscription.
func (s *Service) Portal(ctx context.Context, userID string) (string, error) {
	if s.stripe == nil {
		return "", ErrNotConfigured
	}
	p, err := s.store.GetProfile(userID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && p.StripeCustomerID == "") {
		return "", ErrNoCustomer
	}
	if err != nil {
		return "", fmt.Errorf("loading profile: %w", err)
	}
	return s.stripe.CreatePortalSession(ctx, p.StripeCustomerID, s.cfg.SuccessURL)
}
