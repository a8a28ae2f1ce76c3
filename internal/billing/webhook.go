package billing

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/scatterbrain-app/scatterbrain/internal/storage"
	"github.com/scatterbrain-app/scatterbrain/internal/usage"
)

// ErrBadSignature is returned for webhook payloads that fail verification.
var ErrBadSignature = errors.New("invalid webhook signature")

func signatureError(err error) error {
	for _, target := range []error{webhook.ErrNotSigned, webhook.ErrInvalidHeader, webhook.ErrNoValidSignature, webhook.ErrTooOld} {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %w", ErrBadSignature, err)
		}
	}
	return fmt.Errorf("parsing event: %w", err)
}

// HandleWebhook verifies and applies a Stripe event. Unhandled event types
// are accepted and ignored.
func (s *Service) HandleWebhook(payload []byte, signature string) error {
	if s.cfg.WebhookSecret == "" {
		return ErrNotConfigured
	}
	// Only the objects below are read, field by field, so events from any
	// API version are accepted.
	ev, err := webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return signatureError(err)
	}
	if ev.Data == nil {
		return nil
	}

	switch ev.Type {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return fmt.Errorf("parsing checkout session: %w", err)
		}
		customerID := ""
		if cs.Customer != nil {
			customerID = cs.Customer.ID
		}
		tier, err := usage.ParseTier(cs.Metadata["tier"])
		if err != nil {
			return err
		}
		if cs.ClientReferenceID == "" {
			return fmt.Errorf("checkout session without client_reference_id")
		}
		s.logger.Info("subscription started", "user", cs.ClientReferenceID, "tier", tier)
		if _, err := s.store.GetProfile(cs.ClientReferenceID); errors.Is(err, storage.ErrNotFound) {
			return s.store.UpsertProfile(storage.Profile{UserID: cs.ClientReferenceID, Tier: string(tier), StripeCustomerID: customerID})
		} else if err != nil {
			return err
		}
		if customerID != "" {
			if err := s.store.SetStripeCustomerID(cs.ClientReferenceID, customerID); err != nil {
				return err
			}
		}
		return s.setTier(cs.ClientReferenceID, tier)

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return fmt.Errorf("parsing subscription: %w", err)
		}
		if sub.Customer == nil {
			return fmt.Errorf("subscription event without customer")
		}
		p, err := s.store.GetProfileByCustomer(sub.Customer.ID)
		if err != nil {
			return fmt.Errorf("finding customer %s: %w", sub.Customer.ID, err)
		}
		tier := usage.Free
		if ev.Type == "customer.subscription.updated" {
			switch sub.Status {
			case "active", "trialing":
				t, err := usage.ParseTier(sub.Metadata["tier"])
				if err != nil {
					return err
				}
				tier = t
			case "canceled", "unpaid", "incomplete_expired":
			default:
				// past_due and friends keep the current tier until Stripe gives up.
				return nil
			}
		}
		s.logger.Info("subscription changed", "user", p.UserID, "status", sub.Status, "tier", tier)
		return s.setTier(p.UserID, tier)
	}
	return nil
}

func (s *Service) setTier(userID string, tier usage.Tier) error {
	err := s.store.SetProfileTier(userID, string(tier))
	if errors.Is(err, storage.ErrNotFound) {
		return s.store.UpsertProfile(storage.Profile{UserID: userID, Tier: string(tier)})
	}
	return err
}
