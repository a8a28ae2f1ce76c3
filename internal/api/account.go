package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/scatterbrain-app/scatterbrain/internal/billing"
	"github.com/scatterbrain-app/scatterbrain/internal/usage"
)

type TopicView struct {
	Topic    string `json:"topic"`
	Mentions int    `json:"mentions"`
	LastSeen string `json:"lastSeen"`
}

func handleUsage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := deps.Meter.Summary(userID(r))
		if err != nil {
			internalError(w, "failed to load usage", err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func handleTrending(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 10, 50)
		topics, err := deps.Store.TrendingTopics(limit)
		if err != nil {
			internalError(w, "failed to load trending topics", err)
			return
		}
		views := make([]TopicView, 0, len(topics))
		for _, t := range topics {
			views = append(views, TopicView{Topic: t.Topic, Mentions: t.Mentions, LastSeen: t.LastSeen.Format(time.RFC3339)})
		}
		writeJSON(w, http.StatusOK, views)
	}
}

type checkoutRequest struct {
	Tier string `json:"tier"`
}

func handleCheckout(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Billing == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "billing is not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req checkoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
			return
		}
		tier, err := usage.ParseTier(req.Tier)
		if err != nil || tier == usage.Free {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "tier must be pro or team")
			return
		}

		url, err := deps.Billing.Checkout(r.Context(), userID(r), tier)
		if err != nil {
			writeBillingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

func handlePortal(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Billing == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "billing is not configured")
			return
		}
		url, err := deps.Billing.Portal(r.Context(), userID(r))
		if err != nil {
			writeBillingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

func writeBillingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrNotConfigured):
		httpError(w, http.StatusServiceUnavailable, "unavailable", "billing is not configured")
	case errors.Is(err, billing.ErrNoCustomer):
		httpError(w, http.StatusNotFound, "not_found", "no billing account yet; upgrade first")
	default:
		slog.Error("billing request failed", "error", err)
		httpError(w, http.StatusBadGateway, "api_error", "billing provider error")
	}
}

func handleBillingWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Billing == nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "billing is not configured")
			return
		}
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to read body")
			return
		}

		err = deps.Billing.HandleWebhook(payload, r.Header.Get("Stripe-Signature"))
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		case errors.Is(err, billing.ErrBadSignature):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid signature")
		case errors.Is(err, billing.ErrNotConfigured):
			httpError(w, http.StatusServiceUnavailable, "unavailable", "webhooks are not configured")
		default:
			slog.Error("webhook processing failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to process event")
		}
	}
}
