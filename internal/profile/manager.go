package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/kalambet/campusconnect/internal/apperr"
	"github.com/kalambet/campusconnect/internal/observability"
	"github.com/kalambet/campusconnect/internal/storage"
)

// ProfileStore defines the storage operations the Manager needs.
// Implemented by storage.Store.
type ProfileStore interface {
	GetProfileByEmail(ctx context.Context, email string) (storage.ProfileRow, error)
	CreateProfile(ctx context.Context, row storage.ProfileRow) error
	ApplyPathUpdates(ctx context.Context, id string, expectedVersion int64, updates []storage.PathUpdate) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Document is a stored profile.
type Document struct {
	ID        string
	Email     string
	Data      Value
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// View is the agent-facing rendering of a profile: every schema field is
// present and unknown values are null.
type View struct {
	Found   bool    `json:"found"`
	Email   string  `json:"email"`
	DocID   *string `json:"docId"`
	Profile Value   `json:"profile"`
}

const (
	StatusSuccess  = "success"
	StatusNoUpdate = "no_update"
)

// MergeOutcome reports what a merge did.
type MergeOutcome struct {
	Status        string           `json:"status"`
	DocID         string           `json:"docId"`
	UpdatedFields map[string]Value `json:"updatedFields,omitempty"`
	Conflicts     []string         `json:"conflicts,omitempty"`
	Version       int64            `json:"version"`
}

// Config tunes merge behaviour.
type Config struct {
	Policy      MismatchPolicy
	MaxAttempts int
}

// Manager reads, creates and merges profiles on top of a ProfileStore.
type Manager struct {
	store       ProfileStore
	clock       Clock
	policy      MismatchPolicy
	maxAttempts int
	newBackOff  func() backoff.BackOff
}

// NewManager creates a Manager. Zero Config values fall back to
// PolicyPreserve and five attempts.
func NewManager(store ProfileStore, cfg Config) *Manager {
	if cfg.Policy == "" {
		cfg.Policy = PolicyPreserve
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Manager{
		store:       store,
		clock:       realClock{},
		policy:      cfg.Policy,
		maxAttempts: cfg.MaxAttempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
}

// Policy returns the configured type mismatch policy.
func (m *Manager) Policy() MismatchPolicy { return m.policy }

func normalizeEmail(email string) (string, error) {
	e := strings.TrimSpace(email)
	if e == "" {
		return "", apperr.Validation("email is required")
	}
	return e, nil
}

// Get loads the profile stored under email.
func (m *Manager) Get(ctx context.Context, email string) (Document, error) {
	e, err := normalizeEmail(email)
	if err != nil {
		return Document{}, err
	}
	row, err := m.store.GetProfileByEmail(ctx, e)
	if errors.Is(err, storage.ErrNotFound) {
		return Document{}, apperr.NotFound("profile %q", e)
	}
	if err != nil {
		return Document{}, apperr.Unavailable(fmt.Errorf("loading profile: %w", err))
	}
	return decodeRow(row)
}

func decodeRow(row storage.ProfileRow) (Document, error) {
	data, err := Parse(row.Data)
	if err != nil {
		return Document{}, fmt.Errorf("decoding profile %s: %w", row.ID, err)
	}
	return Document{
		ID:        row.ID,
		Email:     row.Email,
		Data:      data,
		Version:   row.Version,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// View returns the full-shape rendering. A missing profile is not an error:
// Found is false and the shape carries only the email.
func (m *Manager) View(ctx context.Context, email string) (View, error) {
	e, err := normalizeEmail(email)
	if err != nil {
		return View{}, err
	}
	doc, err := m.Get(ctx, e)
	if errors.Is(err, apperr.ErrNotFound) {
		slog.Warn("no profile found", "email", e)
		stub := NewMap()
		stub.Set("email", String(e))
		return View{Email: e, Profile: FullView(Object(stub))}, nil
	}
	if err != nil {
		return View{}, err
	}
	id := doc.ID
	return View{Found: true, Email: e, DocID: &id, Profile: FullView(doc.Data)}, nil
}

// Create stores an empty profile for email on first contact. If one already
// exists it is returned with created=false.
func (m *Manager) Create(ctx context.Context, email string) (doc Document, created bool, err error) {
	e, err := normalizeEmail(email)
	if err != nil {
		return Document{}, false, err
	}
	existing, err := m.Get(ctx, e)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return Document{}, false, err
	}

	now := m.clock.Now().UTC()
	data := NewMap()
	data.Set("email", String(e))
	data.Set("createdAt", String(now.Format(time.RFC3339)))
	raw, err := Object(data).MarshalJSON()
	if err != nil {
		return Document{}, false, fmt.Errorf("encoding profile: %w", err)
	}

	row := storage.ProfileRow{
		ID:        uuid.NewString(),
		Email:     e,
		Data:      raw,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = m.store.CreateProfile(ctx, row)
	if errors.Is(err, storage.ErrDuplicate) {
		existing, err := m.Get(ctx, e)
		return existing, false, err
	}
	if err != nil {
		return Document{}, false, apperr.Unavailable(fmt.Errorf("creating profile: %w", err))
	}
	slog.Info("profile created", "email", e, "id", row.ID)
	doc, err = decodeRow(row)
	if err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

// Merge folds candidate into the stored profile without weakening it.
// The candidate is normalized, compacted and validated first. A concurrent
// write between read and write causes the merge to be recomputed.
func (m *Manager) Merge(ctx context.Context, email string, candidate Value) (MergeOutcome, error) {
	ctx, span := observability.StartProfileSpan(ctx, "merge")
	defer span.End()

	out, err := m.merge(ctx, email, candidate)
	observability.RecordError(span, err)
	return out, err
}

func (m *Manager) merge(ctx context.Context, email string, candidate Value) (MergeOutcome, error) {
	e, err := normalizeEmail(email)
	if err != nil {
		return MergeOutcome{}, err
	}
	patch, err := Normalize(candidate)
	if err != nil {
		return MergeOutcome{}, err
	}
	patch = Compact(patch)
	if err := Validate(patch); err != nil {
		return MergeOutcome{}, err
	}

	attempt := 0
	op := func() (MergeOutcome, error) {
		attempt++
		doc, err := m.Get(ctx, e)
		if err != nil {
			return MergeOutcome{}, backoff.Permanent(err)
		}
		res, err := Merge(doc.Data, patch, m.policy)
		if err != nil {
			return MergeOutcome{}, backoff.Permanent(err)
		}
		if res.Empty() {
			return MergeOutcome{Status: StatusNoUpdate, DocID: doc.ID, Conflicts: res.Conflicts, Version: doc.Version}, nil
		}

		updates := make([]storage.PathUpdate, len(res.Writes))
		fields := make(map[string]Value, len(res.Writes))
		for i, w := range res.Writes {
			raw, err := w.Value.MarshalJSON()
			if err != nil {
				return MergeOutcome{}, backoff.Permanent(fmt.Errorf("encoding %s: %w", w.Path(), err))
			}
			updates[i] = storage.PathUpdate{Path: w.Segments, ValueJSON: raw}
			fields[w.Path()] = w.Value
		}

		err = m.store.ApplyPathUpdates(ctx, doc.ID, doc.Version, updates)
		switch {
		case errors.Is(err, storage.ErrVersionConflict):
			slog.Warn("profile changed during merge, retrying", "email", e, "attempt", attempt)
			return MergeOutcome{}, err
		case errors.Is(err, storage.ErrNotFound):
			return MergeOutcome{}, backoff.Permanent(apperr.NotFound("profile %q", e))
		case errors.Is(err, storage.ErrInvalidPath):
			return MergeOutcome{}, backoff.Permanent(apperr.Validation("%v", err))
		case err != nil:
			return MergeOutcome{}, backoff.Permanent(apperr.Unavailable(fmt.Errorf("writing profile: %w", err)))
		}

		return MergeOutcome{
			Status:        StatusSuccess,
			DocID:         doc.ID,
			UpdatedFields: fields,
			Conflicts:     res.Conflicts,
			Version:       doc.Version + 1,
		}, nil
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(m.newBackOff()),
		backoff.WithMaxTries(uint(m.maxAttempts)),
	)
	if errors.Is(err, storage.ErrVersionConflict) {
		return MergeOutcome{}, fmt.Errorf("merging profile %q after %d attempts: %w", e, attempt, apperr.ErrConflict)
	}
	if err != nil {
		return MergeOutcome{}, err
	}
	if out.Status == StatusSuccess {
		slog.Info("profile merged", "email", e, "fields", len(out.UpdatedFields), "conflicts", len(out.Conflicts), "attempts", attempt)
	}
	return out, nil
}
