// Package ingest runs the background worker that embeds catalog programs.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/campusconnect/internal/catalog"
	"github.com/kalambet/campusconnect/internal/storage"
)

// JobStore abstracts the job queue operations and program lookup.
type JobStore interface {
	ClaimNextJob(ctx context.Context, jobType string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	GetProgram(ctx context.Context, programID string) (storage.Program, error)
}

// ContentEmbedder generates embeddings for text.
type ContentEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorWriter stores program embeddings in the vector index.
type VectorWriter interface {
	Upsert(ctx context.Context, p storage.Program, vec []float32) error
}

// Worker processes program_embed jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	embedder ContentEmbedder
	vectors  VectorWriter
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder ContentEmbedder, vectors VectorWriter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		poll:     pollInterval,
		logger:   slog.Default(),
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

// Drain processes jobs until the queue has nothing runnable and returns how
// many jobs it handled.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		done, err := w.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !done {
			return n, nil
		}
		n++
	}
	return n, ctx.Err()
}

// RunOnce claims and processes a single program_embed job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, storage.JobTypeProgramEmbed)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	// Record the outcome even if ctx was cancelled mid-job.
	bg := context.WithoutCancel(ctx)
	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "program_id", job.SubjectID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(bg, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(bg, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload catalog.EmbedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	p, err := w.store.GetProgram(ctx, payload.ProgramID)
	if err != nil {
		return fmt.Errorf("loading program %s: %w", payload.ProgramID, err)
	}

	text := catalog.EmbedText(p)
	if text == "" {
		return fmt.Errorf("program %s has nothing to embed", p.ProgramID)
	}
	vec, err := w.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding program: %w", err)
	}

	if err := w.vectors.Upsert(ctx, p, vec); err != nil {
		return fmt.Errorf("storing vector: %w", err)
	}
	w.logger.Debug("embedded program", "program_id", p.ProgramID, "dim", len(vec))
	return nil
}
