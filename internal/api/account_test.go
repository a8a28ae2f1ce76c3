package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/scatterbrain-app/scatterbrain/internal/billing"
	"github.com/scatterbrain-app/scatterbrain/internal/usage"
)

type stubStripe struct{}

func (stubStripe) CreateCustomer(_ context.Context, userID string) (string, error) {
	return "cus_" + userID, nil
}

func (stubStripe) CreateCheckoutSession(_ context.Context, p billing.CheckoutParams) (string, error) {
	return "https://checkout.stripe.test/" + p.Tier + "/" + p.CustomerID, nil
}

func (stubStripe) CreatePortalSession(_ context.Context, customerID, _ string) (string, error) {
	return "https://billing.stripe.test/" + customerID, nil
}

const testWebhookSecret = "whsec_api_test"

func withBilling(deps Deps) Deps {
	deps.Billing = billing.NewService(stubStripe{}, deps.Store, billing.Config{
		SuccessURL:    "https://app.test/ok",
		CancelURL:     "https://app.test/cancel",
		PricePro:      "price_pro",
		PriceTeam:     "price_team",
		WebhookSecret: testWebhookSecret,
	})
	return deps
}

func TestUsage(t *testing.T) {
	deps, _ := newTestDeps(t, &fakeEngine{})
	h := NewHandler(deps)

	captureText(t, h, `{"text":"one"}`)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/usage", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var s usage.Summary
	if err := json.NewDecoder(rr.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Tier != usage.Free || s.Used[usage.FeatureThought] != 1 || s.Limits.SynthesesPerMonth != 10 {
		t.Errorf("summary = %+v", s)
	}
}

func TestTrending(t *testing.T) {
	deps, _ := newTestDeps(t, &fakeEngine{})
	h := NewHandler(deps)

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/api/synthesize", `{"input":"x"}`, testToken))
		if rr.Code != http.StatusOK {
			t.Fatalf("synthesize status = %d", rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/trending?limit=3", "", testToken))
	var topics []TopicView
	json.NewDecoder(rr.Body).Decode(&topics)
	if len(topics) != 1 || topics[0].Mentions != 2 {
		t.Errorf("topics = %+v", topics)
	}
}

func TestCheckoutAndPortal(t *testing.T) {
	deps, store := newTestDeps(t, &fakeEngine{})
	h := NewHandler(withBilling(deps))

	// Portal before any checkout has no customer.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/billing/portal", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("portal before checkout status = %d, want 404", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/billing/checkout", `{"tier":"pro"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("checkout status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var out map[string]string
	json.NewDecoder(rr.Body).Decode(&out)
	if out["url"] != "https://checkout.stripe.test/pro/cus_local" {
		t.Errorf("url = %q", out["url"])
	}
	if p, _ := store.GetProfile(DefaultUserID); p.StripeCustomerID != "cus_local" {
		t.Errorf("profile = %+v", p)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/billing/portal", "", testToken))
	json.NewDecoder(rr.Body).Decode(&out)
	if rr.Code != http.StatusOK || out["url"] != "https://billing.stripe.test/cus_local" {
		t.Errorf("portal = %d %v", rr.Code, out)
	}
}

func TestCheckout_InvalidTier(t *testing.T) {
	deps, _ := newTestDeps(t, &fakeEngine{})
	h := NewHandler(withBilling(deps))

	for _, body := range []string{`{"tier":"free"}`, `{"tier":"platinum"}`} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/api/billing/checkout", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rr.Code)
		}
	}
}

func TestBilling_NotConfigured(t *testing.T) {
	deps, _ := newTestDeps(t, &fakeEngine{})
	h := NewHandler(deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/billing/checkout", `{"tier":"pro"}`, testToken))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func signWebhook(payload []byte, ts time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: ts,
	}).Header
}

func TestBillingWebhook_UpgradesWithoutBearer(t *testing.T) {
	deps, store := newTestDeps(t, &fakeEngine{})
	h := NewHandler(withBilling(deps))

	payload := `{"type":"checkout.session.completed","data":{"object":{"customer":"cus_7","client_reference_id":"alice","metadata":{"tier":"team"}}}}`
	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", signWebhook([]byte(payload), time.Now()))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	p, err := store.GetProfile("alice")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.Tier != "team" || p.StripeCustomerID != "cus_7" {
		t.Errorf("profile = %+v", p)
	}
}

func TestBillingWebhook_BadSignature(t *testing.T) {
	deps, _ := newTestDeps(t, &fakeEngine{})
	h := NewHandler(withBilling(deps))

	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", strings.NewReader(`{"type":"x"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=00")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}
