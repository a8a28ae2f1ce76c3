package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/scatterbrain-app/scatterbrain/internal/billing"
	"github.com/scatterbrain-app/scatterbrain/internal/capture"
	"github.com/scatterbrain-app/scatterbrain/internal/pipeline"
	"github.com/scatterbrain-app/scatterbrain/internal/storage"
	"github.com/scatterbrain-app/scatterbrain/internal/usage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxUploadSize = 6 << 20      // 6MB, a little over the capture limit

type Deps struct {
	Store    *storage.Store
	Pipeline *pipeline.Pipeline
	Meter    *usage.Meter
	Capturer *capture.Capturer
	Billing  *billing.Service // optional; billing routes answer 503 when nil
	Token    string
}

// NewHandler returns the full HTTP API. /health and the billing webhook are
// public; everything under /api requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Post("/api/billing/webhook", handleBillingWebhook(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(UserIdentity)

		r.Post("/api/synthesize", handleSynthesize(deps))

		r.Post("/api/thoughts", handleCaptureThought(deps))
		r.Get("/api/thoughts", handleListThoughts(deps))
		r.Get("/api/thoughts/{id}", handleGetThought(deps))
		r.Delete("/api/thoughts/{id}", handleDeleteThought(deps))
		r.Post("/api/thoughts/{id}/synthesize", handleQueueSynthesis(deps))
		r.Get("/api/thoughts/{id}/suggestions", handleListSuggestions(deps))

		r.Get("/api/usage", handleUsage(deps))
		r.Get("/api/trending", handleTrending(deps))

		r.Post("/api/billing/checkout", handleCheckout(deps))
		r.Post("/api/billing/portal", handlePortal(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// internalError logs err and answers 500 with msg alone.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	httpError(w, http.StatusInternalServerError, "api_error", "%s", msg)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
