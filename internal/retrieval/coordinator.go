package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/campusconnect/internal/apperr"
	"github.com/kalambet/campusconnect/internal/observability"
)

const (
	// DefaultThreshold is the cosine distance under which a program counts
	// toward the totals.
	DefaultThreshold = 0.35

	// DefaultResultWindowCap bounds how many neighbours one TopK call requests.
	DefaultResultWindowCap = 2000

	// maxDistance is the largest cosine distance.
	maxDistance = 2.0
)

// QueryEmbedder turns query text into a vector. *Embedder satisfies it.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CoordinatorConfig holds search defaults. A nil DefaultThreshold takes
// the package default; zero is a valid threshold.
type CoordinatorConfig struct {
	DefaultThreshold *float64
	ResultWindowCap  int
}

// Query is one search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
	// Threshold overrides the configured count threshold when set.
	Threshold  *float64
	Exhaustive bool
}

// Hit is one ranked program. Similarity is 1 - distance, floored at 0.
type Hit struct {
	ProgramID         string   `json:"programId"`
	SchoolID          string   `json:"schoolId,omitempty"`
	Name              string   `json:"name"`
	Currency          string   `json:"currency"`
	ProgramLevel      string   `json:"programLevel"`
	ProgramCategory   string   `json:"programCategory"`
	Tuition           *float64 `json:"tuition"`
	SchoolName        string   `json:"schoolName"`
	SchoolCity        string   `json:"schoolCity"`
	SchoolProvince    string   `json:"schoolProvince"`
	SchoolCountryCode string   `json:"schoolCountryCode"`
	Similarity        float64  `json:"similarity"`
}

// Totals counts the whole matching set, independent of the window.
type Totals struct {
	ProgramCount  int     `json:"programCount"`
	SchoolCount   int     `json:"schoolCount"`
	CountryCount  int     `json:"countryCount"`
	ThresholdUsed float64 `json:"thresholdUsed"`
}

// Result is a page of hits plus totals. NextOffset is nil on the last page.
type Result struct {
	Hits       []Hit  `json:"hits"`
	NextOffset *int   `json:"nextOffset"`
	Totals     Totals `json:"totals"`
}

// Coordinator runs a search as two index queries sharing one embedding:
// a ranked top-K window and an exact count over the whole corpus.
type Coordinator struct {
	embedder  QueryEmbedder
	index     VectorIndex
	cfg       CoordinatorConfig
	threshold float64
}

// NewCoordinator creates a Coordinator. Unset config fields take defaults.
func NewCoordinator(e QueryEmbedder, idx VectorIndex, cfg CoordinatorConfig) *Coordinator {
	threshold := DefaultThreshold
	if cfg.DefaultThreshold != nil {
		threshold = *cfg.DefaultThreshold
	}
	if cfg.ResultWindowCap <= 0 {
		cfg.ResultWindowCap = DefaultResultWindowCap
	}
	return &Coordinator{embedder: e, index: idx, cfg: cfg, threshold: threshold}
}

// Search validates q, embeds its text once and runs the ranked and counting
// queries concurrently. Both must succeed; there are no partial results.
func (c *Coordinator) Search(ctx context.Context, q Query) (Result, error) {
	threshold, err := c.validate(q)
	if err != nil {
		return Result{}, err
	}

	ctx, span := observability.StartSearchSpan(ctx, q.Limit, q.Offset, q.Exhaustive)
	defer span.End()

	slog.Debug("running vector search",
		"query", q.Text, "limit", q.Limit, "offset", q.Offset,
		"threshold", threshold, "exhaustive", q.Exhaustive)

	vec, err := c.embed(ctx, q.Text)
	if err != nil {
		observability.RecordError(span, err)
		return Result{}, err
	}

	var hits []Hit
	var totals Totals
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		hits, err = c.RankedWindow(gCtx, vec, q.Limit, q.Offset, q.Exhaustive)
		return err
	})
	g.Go(func() error {
		var err error
		totals, err = c.ExactTotals(gCtx, vec, threshold)
		return err
	})
	if err := g.Wait(); err != nil {
		observability.RecordError(span, err)
		return Result{}, err
	}

	res := Result{Hits: hits, Totals: totals}
	if totals.ProgramCount > q.Offset+q.Limit {
		next := q.Offset + q.Limit
		res.NextOffset = &next
	}

	observability.RecordSearchResult(span, len(hits), totals.ProgramCount, threshold)
	slog.Info("vector search complete",
		"hits", len(hits), "programs", totals.ProgramCount,
		"schools", totals.SchoolCount, "countries", totals.CountryCount,
		"threshold", threshold, "next_offset", res.NextOffset != nil)
	return res, nil
}

func (c *Coordinator) validate(q Query) (float64, error) {
	var problems []string
	if strings.TrimSpace(q.Text) == "" {
		problems = append(problems, "queryText must not be blank")
	}
	if q.Limit < 1 {
		problems = append(problems, fmt.Sprintf("limit must be at least 1, got %d", q.Limit))
	}
	if q.Offset < 0 {
		problems = append(problems, fmt.Sprintf("offset must not be negative, got %d", q.Offset))
	}
	threshold := c.threshold
	if q.Threshold != nil {
		t := *q.Threshold
		if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 || t > maxDistance {
			problems = append(problems, fmt.Sprintf("threshold must be a cosine distance in [0, 2], got %v", t))
		} else {
			threshold = t
		}
	}
	if len(problems) > 0 {
		return 0, &apperr.ValidationError{Problems: problems}
	}
	return threshold, nil
}

func (c *Coordinator) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := observability.StartStageSpan(ctx, "embed")
	defer span.End()

	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		err = apperr.Unavailable(fmt.Errorf("embedding query: %w", err))
		observability.RecordError(span, err)
		return nil, err
	}
	return vec, nil
}

// RankedWindow returns the [offset, offset+limit) slice of the nearest
// programs to vec, ordered by descending similarity and then program ID.
// Rows without a program ID are logged and dropped.
func (c *Coordinator) RankedWindow(ctx context.Context, vec []float32, limit, offset int, exhaustive bool) ([]Hit, error) {
	ctx, span := observability.StartStageSpan(ctx, "topk")
	defer span.End()

	k := windowSize(limit, offset, c.cfg.ResultWindowCap)
	cands, err := c.index.TopK(ctx, vec, k, exhaustive)
	if err != nil {
		err = apperr.Unavailable(fmt.Errorf("top-k search: %w", err))
		observability.RecordError(span, err)
		return nil, err
	}
	sortCandidates(cands)

	ranked := make([]Hit, 0, len(cands))
	for _, cand := range cands {
		if strings.TrimSpace(cand.ProgramID) == "" {
			slog.Warn("skipping search result without program id",
				"school_id", cand.SchoolID, "name", cand.Name, "distance", cand.Distance)
			continue
		}
		ranked = append(ranked, hitFromCandidate(cand))
	}

	if offset >= len(ranked) {
		return []Hit{}, nil
	}
	end := min(offset+limit, len(ranked))
	return ranked[offset:end], nil
}

// ExactTotals counts every program within threshold of vec, plus the
// distinct schools and countries among them.
func (c *Coordinator) ExactTotals(ctx context.Context, vec []float32, threshold float64) (Totals, error) {
	ctx, span := observability.StartStageSpan(ctx, "count")
	defer span.End()

	rows, err := c.index.ScanAll(ctx, vec)
	if err != nil {
		err = apperr.Unavailable(fmt.Errorf("exact count: %w", err))
		observability.RecordError(span, err)
		return Totals{}, err
	}

	totals := Totals{ThresholdUsed: threshold}
	schools := make(map[string]struct{})
	countries := make(map[string]struct{})
	for _, r := range rows {
		if math.IsNaN(r.Distance) || r.Distance > threshold {
			continue
		}
		totals.ProgramCount++
		if r.SchoolID != "" {
			schools[r.SchoolID] = struct{}{}
		}
		if r.CountryCode != "" {
			countries[r.CountryCode] = struct{}{}
		}
	}
	totals.SchoolCount = len(schools)
	totals.CountryCount = len(countries)
	return totals, nil
}

// windowSize is limit+offset+1 clamped to [1, ceiling].
func windowSize(limit, offset, ceiling int) int {
	return max(1, min(ceiling, limit+offset+1))
}

func hitFromCandidate(c Candidate) Hit {
	level := c.ProgramLevel
	if level == "" {
		level = c.ProgramCategory
	}
	return Hit{
		ProgramID:         c.ProgramID,
		SchoolID:          c.SchoolID,
		Name:              c.Name,
		Currency:          c.Currency,
		ProgramLevel:      level,
		ProgramCategory:   c.ProgramCategory,
		Tuition:           c.Tuition,
		SchoolName:        c.SchoolName,
		SchoolCity:        c.SchoolCity,
		SchoolProvince:    c.SchoolProvince,
		SchoolCountryCode: c.SchoolCountryCode,
		Similarity:        math.Max(0, 1-c.Distance),
	}
}
