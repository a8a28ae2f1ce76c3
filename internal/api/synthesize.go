package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/scatterbrain-app/scatterbrain/internal/ai"
	"github.com/scatterbrain-app/scatterbrain/internal/synthesis"
	"github.com/scatterbrain-app/scatterbrain/internal/usage"
)

// sseWriter frames events as "data: <json>\n\n". Headers are written on the
// first event so that errors raised before it can still use a status code.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

type sseEvent struct {
	Type      synthesis.EventType `json:"type"`
	Data      any                 `json:"data"`
	Timestamp time.Time           `json:"timestamp"`
}

func (s *sseWriter) emit(t synthesis.EventType, payload any) error {
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	b, err := json.Marshal(sseEvent{Type: t, Data: payload, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", t, err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func handleSynthesize(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req synthesis.SynthesizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, synthesis.ErrorPayload{Error: "invalid request body", Code: "invalid_request"})
			return
		}
		if strings.TrimSpace(req.Input) == "" {
			writeJSON(w, http.StatusBadRequest, synthesis.ErrorPayload{Error: "input is required", Code: "invalid_request"})
			return
		}

		uid := userID(r)

		if !req.Stream {
			res, meta, err := deps.Pipeline.Synthesize(r.Context(), uid, "", req, nil)
			if err != nil {
				code, payload := synthesisFailure(err)
				slog.Warn("synthesis failed", "user", uid, "status", code, "error", err)
				writeJSON(w, code, payload)
				return
			}
			if meta.SynthesisID != "" {
				w.Header().Set("X-Synthesis-ID", meta.SynthesisID)
			}
			writeJSON(w, http.StatusOK, res)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSON(w, http.StatusInternalServerError, synthesis.ErrorPayload{Error: "streaming not supported"})
			return
		}
		sw := &sseWriter{w: w, flusher: flusher}

		res, meta, err := deps.Pipeline.Synthesize(r.Context(), uid, "", req, sw.emit)
		if err != nil {
			code, payload := synthesisFailure(err)
			slog.Warn("synthesis failed", "user", uid, "status", code, "streaming", sw.started, "error", err)
			if !sw.started {
				writeJSON(w, code, payload)
				return
			}
			if r.Context().Err() == nil {
				if err := sw.emit(synthesis.EventError, payload); err != nil {
					slog.Debug("failed to deliver error event", "error", err)
				}
			}
			return
		}

		slog.Debug("synthesis streamed",
			"user", uid,
			"synthesis_id", meta.SynthesisID,
			"themes", len(res.Insights.KeyThemes),
			"pipeline_ms", meta.PipelineMs,
		)
	}
}

// synthesisFailure maps a pipeline error to a status code and the flat error
// body synthesis clients expect. Provider detail stays in the logs.
func synthesisFailure(err error) (int, synthesis.ErrorPayload) {
	var limitErr *usage.LimitError
	if errors.As(err, &limitErr) {
		return http.StatusPaymentRequired, synthesis.ErrorPayload{
			Error:           "upgrade required",
			Message:         limitErr.Error(),
			Code:            "limit_exceeded",
			UpgradeRequired: true,
		}
	}
	if errors.Is(err, ai.ErrNoProvider) {
		return http.StatusServiceUnavailable, synthesis.ErrorPayload{Error: "no AI provider configured", Code: "unavailable"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, synthesis.ErrorPayload{Error: "synthesis timed out", Code: "timeout"}
	}
	var se *ai.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
		return http.StatusTooManyRequests, synthesis.ErrorPayload{Error: "AI provider is busy", Code: "rate_limited"}
	}
	return http.StatusBadGateway, synthesis.ErrorPayload{Error: "synthesis failed", Code: "upstream_error"}
}
