package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/scatterbrain-app/scatterbrain/internal/capture"
	"github.com/scatterbrain-app/scatterbrain/internal/storage"
	"github.com/scatterbrain-app/scatterbrain/internal/synthesis"
	"github.com/scatterbrain-app/scatterbrain/internal/usage"
	"github.com/scatterbrain-app/scatterbrain/internal/worker"
)

type CaptureRequest struct {
	Text        string `json:"text"`
	InputMethod string `json:"inputMethod"`
	URL         string `json:"url"`
	Title       string `json:"title"`
}

type ThoughtView struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	InputMethod string    `json:"inputMethod"`
	Source      string    `json:"source,omitempty"`
	Status      string    `json:"status"`
	SynthesisID string    `json:"synthesisId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func thoughtView(t storage.Thought) ThoughtView {
	return ThoughtView{
		ID:          t.ID,
		Title:       t.Title,
		Content:     t.Content,
		InputMethod: t.InputMethod,
		Source:      t.Source,
		Status:      t.Status,
		SynthesisID: t.SynthesisID,
		CreatedAt:   t.CreatedAt,
	}
}

type SuggestionView struct {
	ID       string   `json:"id"`
	Platform string   `json:"platform"`
	Type     string   `json:"type"`
	Content  string   `json:"content"`
	Hashtags []string `json:"hashtags"`
}

// QueueRequest is the optional body of POST /api/thoughts/{id}/synthesize.
type QueueRequest struct {
	Preferences synthesis.Preferences `json:"preferences"`
	Features    synthesis.Features    `json:"features"`
}

func handleCaptureThought(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

		var (
			c   capture.Capture
			err error
		)
		if mediaType == "multipart/form-data" {
			r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
			if !allowThought(w, deps, uid, capture.MethodFile) {
				return
			}
			file, header, ferr := r.FormFile("file")
			var maxErr *http.MaxBytesError
			if errors.As(ferr, &maxErr) {
				writeCaptureError(w, ferr)
				return
			}
			if ferr != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "multipart field \"file\" is required")
				return
			}
			defer file.Close()
			c, err = deps.Capturer.FromFile(header.Filename, file)
			if err == nil {
				if t := strings.TrimSpace(r.FormValue("title")); t != "" {
					c.Title = t
				}
			}
		} else {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
			defer r.Body.Close()

			var req CaptureRequest
			if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
				return
			}
			method := req.InputMethod
			if req.URL != "" {
				method = capture.MethodURL
			}
			if method == "" {
				method = capture.MethodText
			}
			if !allowThought(w, deps, uid, method) {
				return
			}
			if req.URL != "" {
				c, err = deps.Capturer.FromURL(r.Context(), req.URL)
			} else {
				c, err = deps.Capturer.FromText(req.Text, method)
			}
			if err == nil && strings.TrimSpace(req.Title) != "" {
				c.Title = strings.TrimSpace(req.Title)
			}
		}
		if err != nil {
			writeCaptureError(w, err)
			return
		}

		th := storage.Thought{
			ID:          uuid.New().String(),
			UserID:      uid,
			Title:       c.Title,
			Content:     c.Content,
			InputMethod: c.InputMethod,
			Source:      c.Source,
			Status:      storage.ThoughtCaptured,
			CreatedAt:   time.Now().UTC(),
		}
		if err := deps.Store.SaveThought(th); err != nil {
			internalError(w, "failed to save thought", err)
			return
		}
		if err := deps.Meter.Record(uid, usage.FeatureThought); err != nil {
			slog.Error("failed to record thought usage", "user", uid, "error", err)
		}

		writeJSON(w, http.StatusCreated, thoughtView(th))
	}
}

// allowThought writes a 402 and returns false when the user's tier does not
// allow another thought captured with method.
func allowThought(w http.ResponseWriter, deps Deps, uid, method string) bool {
	err := deps.Meter.CheckThought(uid, method)
	var limitErr *usage.LimitError
	switch {
	case err == nil:
		return true
	case errors.As(err, &limitErr):
		httpError(w, http.StatusPaymentRequired, "upgrade_required", "%s", limitErr.Error())
	default:
		internalError(w, "failed to check usage", err)
	}
	return false
}

func writeCaptureError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, capture.ErrTooLarge), errors.As(err, &maxErr):
		httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "content too large")
	case errors.Is(err, capture.ErrEmpty):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "nothing to capture")
	case errors.Is(err, capture.ErrUnsupported):
		httpError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "unsupported content type")
	case errors.Is(err, capture.ErrInvalidURL):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "url must be an http or https address")
	case errors.Is(err, capture.ErrBlockedAddress):
		httpError(w, http.StatusUnprocessableEntity, "capture_error", "that address cannot be captured")
	case errors.Is(err, capture.ErrFetch):
		slog.Warn("url capture failed", "error", err)
		httpError(w, http.StatusUnprocessableEntity, "capture_error", "could not fetch that page")
	default:
		slog.Warn("capture failed", "error", err)
		httpError(w, http.StatusUnprocessableEntity, "capture_error", "could not read that content")
	}
}

func handleListThoughts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		thoughts, err := deps.Store.ListThoughts(userID(r), limit, offset)
		if err != nil {
			internalError(w, "failed to list thoughts", err)
			return
		}

		views := make([]ThoughtView, 0, len(thoughts))
		for _, t := range thoughts {
			views = append(views, thoughtView(t))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetThought(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		th, ok := loadThought(w, r, deps)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, thoughtView(th))
	}
}

func handleDeleteThought(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteThought(userID(r), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "thought not found")
			return
		}
		if err != nil {
			internalError(w, "failed to delete thought", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleQueueSynthesis(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		th, ok := loadThought(w, r, deps)
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()
		var req QueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
			return
		}

		// Fail fast here; the worker checks again when it runs.
		err := deps.Meter.CheckSynthesis(th.UserID, usage.SynthesisRequest{
			InsightDepth: req.Preferences.InsightDepth,
			Platforms:    req.Preferences.Platforms,
		})
		var limitErr *usage.LimitError
		if errors.As(err, &limitErr) {
			httpError(w, http.StatusPaymentRequired, "upgrade_required", "%s", limitErr.Error())
			return
		}
		if err != nil {
			internalError(w, "failed to check usage", err)
			return
		}

		job, err := worker.NewJob(worker.Payload{ThoughtID: th.ID, Preferences: req.Preferences, Features: req.Features})
		if err != nil {
			internalError(w, "failed to create job payload", err)
			return
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			internalError(w, "failed to enqueue job", err)
			return
		}
		if err := deps.Store.UpdateThoughtStatus(th.ID, storage.ThoughtQueued, th.SynthesisID); err != nil {
			slog.Warn("failed to mark thought queued", "thought", th.ID, "error", err)
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     th.ID,
			"jobId":  job.ID,
			"status": storage.ThoughtQueued,
		})
	}
}

func handleListSuggestions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		th, ok := loadThought(w, r, deps)
		if !ok {
			return
		}
		if th.SynthesisID == "" {
			httpError(w, http.StatusNotFound, "not_found", "thought has not been synthesized")
			return
		}

		suggestions, err := deps.Store.ListContentSuggestions(th.SynthesisID)
		if err != nil {
			internalError(w, "failed to list suggestions", err)
			return
		}

		views := make([]SuggestionView, 0, len(suggestions))
		for _, s := range suggestions {
			tags := []string{}
			if err := json.Unmarshal([]byte(s.Hashtags), &tags); err != nil {
				tags = []string{}
			}
			views = append(views, SuggestionView{ID: s.ID, Platform: s.Platform, Type: s.Type, Content: s.Content, Hashtags: tags})
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func loadThought(w http.ResponseWriter, r *http.Request, deps Deps) (storage.Thought, bool) {
	th, err := deps.Store.GetThought(userID(r), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "thought not found")
		return storage.Thought{}, false
	}
	if err != nil {
		internalError(w, "failed to get thought", err)
		return storage.Thought{}, false
	}
	return th, true
}
