// Package worker runs queued syntheses in the background.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scatterbrain-app/scatterbrain/internal/pipeline"
	"github.com/scatterbrain-app/scatterbrain/internal/storage"
	"github.com/scatterbrain-app/scatterbrain/internal/synthesis"
	"github.com/scatterbrain-app/scatterbrain/internal/synthesizer"
	"github.com/scatterbrain-app/scatterbrain/internal/usage"
)

// JobSynthesizeThought synthesizes a stored thought.
const JobSynthesizeThought = "synthesize_thought"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetThoughtByID(id string) (storage.Thought, error)
	UpdateThoughtStatus(id, status, synthesisID string) error
}

// Synthesizer runs one synthesis end to end.
type Synthesizer interface {
	Synthesize(ctx context.Context, userID, thoughtID string, req synthesis.SynthesizeRequest, emit synthesizer.Emit) (synthesis.SynthesizeResponse, pipeline.Metadata, error)
}

// Payload is the JSON body of a synthesize_thought job.
type Payload struct {
	ThoughtID   string                `json:"thought_id"`
	Preferences synthesis.Preferences `json:"preferences"`
	Features    synthesis.Features    `json:"features"`
}

// NewJob builds a synthesize_thought job for p.
func NewJob(p Payload) (storage.Job, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return storage.Job{}, err
	}
	return storage.Job{
		ID:          uuid.New().String(),
		Type:        JobSynthesizeThought,
		PayloadJSON: string(body),
	}, nil
}

// Worker processes synthesize_thought jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	synth  Synthesizer
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, synth Synthesizer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		synth:  synth,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobSynthesizeThought})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	thought, err := w.store.GetThoughtByID(payload.ThoughtID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted while queued.
		w.logger.Info("thought gone, dropping job", "job_id", job.ID, "thought_id", payload.ThoughtID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading thought %s: %w", payload.ThoughtID, err)
	}

	req := synthesis.SynthesizeRequest{
		Input:       thought.Content,
		Context:     synthesis.Context{InputMethod: thought.InputMethod, TimeOfDay: synthesis.TimeOfDay(thought.CreatedAt.Local())},
		Preferences: payload.Preferences,
		Features:    payload.Features,
		SessionID:   job.ID,
	}

	_, meta, err := w.synth.Synthesize(ctx, thought.UserID, thought.ID, req, nil)
	var limitErr *usage.LimitError
	if errors.As(err, &limitErr) {
		// Retrying cannot succeed until the period rolls over or the user upgrades.
		w.logger.Info("synthesis over limit", "job_id", job.ID, "user", thought.UserID, "reason", limitErr.Error())
		if uerr := w.store.UpdateThoughtStatus(thought.ID, storage.ThoughtFailed, ""); uerr != nil {
			return fmt.Errorf("marking thought failed: %w", uerr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("synthesizing thought %s: %w", thought.ID, err)
	}

	w.logger.Debug("thought synthesized", "job_id", job.ID, "thought_id", thought.ID, "synthesis_id", meta.SynthesisID)
	return nil
}
