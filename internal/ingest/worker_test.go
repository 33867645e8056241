package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/campusconnect/internal/catalog"
	"github.com/kalambet/campusconnect/internal/retrieval"
	"github.com/kalambet/campusconnect/internal/storage"
)

type mockEmbedder struct {
	embedFn func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.embedFn(ctx, text)
}

type mockVectorWriter struct {
	mu      sync.Mutex
	written map[string][]float32
}

func (m *mockVectorWriter) Upsert(_ context.Context, p storage.Program, vec []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.written == nil {
		m.written = make(map[string][]float32)
	}
	m.written[p.ProgramID] = vec
	return nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTestJob(t *testing.T, store *storage.Store, p storage.Program) {
	t.Helper()
	if err := store.UpsertProgram(context.Background(), p); err != nil {
		t.Fatalf("UpsertProgram: %v", err)
	}
	payload, _ := json.Marshal(catalog.EmbedPayload{ProgramID: p.ProgramID})
	job := storage.Job{
		ID:          "job-" + p.ProgramID,
		Type:        storage.JobTypeProgramEmbed,
		SubjectID:   p.ProgramID,
		PayloadJSON: string(payload),
	}
	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, jobID string) (string, int) {
	t.Helper()
	var status string
	var attempts int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = ?`, jobID).Scan(&status, &attempts); err != nil {
		t.Fatalf("reading job %s: %v", jobID, err)
	}
	return status, attempts
}

func TestWorker_ProcessesJobIntoSQLiteIndex(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, storage.Program{ProgramID: "gt-1", Name: "MSc Data Science", Description: "Applied data science"})

	var embedded string
	index := retrieval.NewSQLiteIndex(store.DB(), 0.05)
	w := NewWorker(store, &mockEmbedder{
		embedFn: func(_ context.Context, text string) ([]float32, error) {
			embedded = text
			return []float32{0.1, 0.2, 0.3}, nil
		},
	}, index, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if embedded != "Applied data science" {
		t.Errorf("embedded text = %q", embedded)
	}
	if status, _ := jobStatus(t, store, "job-gt-1"); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}

	missing, err := store.ProgramIDsToEmbed(context.Background())
	if err != nil {
		t.Fatalf("ProgramIDsToEmbed: %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("programs still without embedding: %v", missing)
	}
}

func TestWorker_SynthesizesTextWithoutDescription(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, storage.Program{ProgramID: "gt-2", Name: "BSc Nursing", SchoolName: "Harbour College", SchoolCountryCode: "AU"})

	var embedded string
	w := NewWorker(store, &mockEmbedder{
		embedFn: func(_ context.Context, text string) ([]float32, error) {
			embedded = text
			return []float32{1}, nil
		},
	}, &mockVectorWriter{}, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if embedded != "BSc Nursing, Harbour College, AU" {
		t.Errorf("embedded text = %q", embedded)
	}
}

func TestWorker_NoJobs(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockEmbedder{}, &mockVectorWriter{}, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("RunOnce = %v, %v; want false, nil", didWork, err)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, storage.Program{ProgramID: "r", Description: "retry content"})

	var calls atomic.Int32
	writer := &mockVectorWriter{}
	w := NewWorker(store, &mockEmbedder{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			n := calls.Add(1)
			if n <= 2 {
				return nil, fmt.Errorf("transient error %d", n)
			}
			return []float32{0.1, 0.2, 0.3}, nil
		},
	}, writer, 0)

	ctx := context.Background()

	// 1st attempt fails and stays retryable.
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 1 = %v, %v", didWork, err)
	}
	if status, attempts := jobStatus(t, store, "job-r"); status != "pending" || attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status, attempts)
	}

	resetRunAfter(t, store, "job-r")

	// 2nd attempt fails.
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 2 = %v, %v", didWork, err)
	}
	if _, attempts := jobStatus(t, store, "job-r"); attempts != 2 {
		t.Errorf("after 2nd fail: attempts=%d, want 2", attempts)
	}

	resetRunAfter(t, store, "job-r")

	// 3rd attempt succeeds.
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 3 = %v, %v", didWork, err)
	}
	if status, _ := jobStatus(t, store, "job-r"); status != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status)
	}
	if len(writer.written["r"]) != 3 {
		t.Errorf("vector not written: %v", writer.written)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, storage.Program{ProgramID: "m", Description: "max retry content"})

	w := NewWorker(store, &mockEmbedder{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			return nil, fmt.Errorf("permanent error")
		},
	}, &mockVectorWriter{}, 0)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, "job-m")
		}
	}

	if status, _ := jobStatus(t, store, "job-m"); status != "failed" {
		t.Errorf("final status = %q, want %q", status, "failed")
	}
}

func TestWorker_MissingProgramFails(t *testing.T) {
	store := openTestStore(t)
	payload, _ := json.Marshal(catalog.EmbedPayload{ProgramID: "ghost"})
	if err := store.EnqueueJob(context.Background(), storage.Job{ID: "job-ghost", Type: storage.JobTypeProgramEmbed, PayloadJSON: string(payload)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	w := NewWorker(store, &mockEmbedder{
		embedFn: func(context.Context, string) ([]float32, error) {
			t.Error("embedder must not run for a missing program")
			return nil, nil
		},
	}, &mockVectorWriter{}, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if status, attempts := jobStatus(t, store, "job-ghost"); status != "pending" || attempts != 1 {
		t.Errorf("status=%q attempts=%d, want pending/1", status, attempts)
	}
}

func TestWorker_DrainAfterImport(t *testing.T) {
	store := openTestStore(t)

	const goroutines = 5
	const programsPerGoroutine = 10
	const total = goroutines * programsPerGoroutine

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			var programs []storage.Program
			for j := 0; j < programsPerGoroutine; j++ {
				programs = append(programs, storage.Program{
					ProgramID:   fmt.Sprintf("p-%d-%d", g, j),
					Description: fmt.Sprintf("content %d-%d", g, j),
				})
			}
			if _, err := catalog.Import(context.Background(), store, programs); err != nil {
				t.Errorf("Import: %v", err)
			}
		}(g)
	}
	wg.Wait()

	writer := &mockVectorWriter{}
	w := NewWorker(store, &mockEmbedder{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			return []float32{0.1, 0.2, 0.3}, nil
		},
	}, writer, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := w.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != total {
		t.Errorf("drained %d jobs, want %d", n, total)
	}
	if len(writer.written) != total {
		t.Errorf("wrote %d vectors, want %d", len(writer.written), total)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockEmbedder{}, &mockVectorWriter{}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
