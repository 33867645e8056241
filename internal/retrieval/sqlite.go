package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/campusconnect/internal/observability"
	"github.com/kalambet/campusconnect/internal/storage"
)

// Compile-time check that SQLiteIndex implements VectorIndex.
var _ VectorIndex = (*SQLiteIndex)(nil)

const (
	backendSQLite = "sqlite"

	// maxKMeansIter bounds partition training.
	maxKMeansIter = 20

	// partitionSeed makes partition training reproducible.
	partitionSeed = 0x5eed
)

// SQLiteIndex stores program embeddings in the programs table and searches
// them by cosine similarity. Approximate search probes the k-means
// partitions closest to the query; exhaustive search scans every row.
type SQLiteIndex struct {
	db             *sql.DB
	searchFraction float64
}

// NewSQLiteIndex wraps an open database whose programs table already exists.
// searchFraction is the share of partitions probed by approximate search.
func NewSQLiteIndex(db *sql.DB, searchFraction float64) *SQLiteIndex {
	return &SQLiteIndex{db: db, searchFraction: searchFraction}
}

// idScore holds only the ID and score during the scan phase of TopK.
// Display fields are fetched only for the winners.
type idScore struct {
	ID    string
	Score float64
}

// better reports whether a ranks ahead of b: higher score first, then
// lower program ID.
func (a idScore) better(b idScore) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// TopK returns the k programs closest to vec ordered by ascending distance.
func (x *SQLiteIndex) TopK(ctx context.Context, vec []float32, k int, exhaustive bool) ([]Candidate, error) {
	ctx, span := observability.StartIndexSpan(ctx, backendSQLite, "topk")
	defer span.End()

	if k <= 0 {
		return nil, nil
	}

	query := `SELECT program_id, embedding FROM programs WHERE embedding IS NOT NULL`
	var args []any
	if !exhaustive {
		partitions, err := x.probePartitions(ctx, vec)
		if err != nil {
			observability.RecordError(span, err)
			return nil, err
		}
		if len(partitions) > 0 {
			query += ` AND (partition_id IS NULL OR partition_id IN (?` + strings.Repeat(",?", len(partitions)-1) + `))`
			for _, id := range partitions {
				args = append(args, id)
			}
		}
	}

	winners, err := x.scanTop(ctx, query, args, vec, k)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	out, err := x.fetchCandidates(ctx, winners)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	return out, nil
}

// probePartitions picks the partitions to search for vec. It returns nil
// when no partitions have been built, which means scan everything.
func (x *SQLiteIndex) probePartitions(ctx context.Context, vec []float32) ([]int64, error) {
	centroids, ids, err := x.loadCentroids(ctx)
	if err != nil {
		return nil, err
	}
	if len(centroids) == 0 {
		return nil, nil
	}
	if len(centroids[0]) != len(vec) {
		slog.Warn("partition centroids have a different dimension than the query, scanning all rows",
			"centroid_dim", len(centroids[0]), "query_dim", len(vec))
		return nil, nil
	}
	probe := topCentroids(normalized(vec), normalizeAll(centroids), probeCount(x.searchFraction, len(centroids)))
	out := make([]int64, len(probe))
	for i, idx := range probe {
		out[i] = ids[idx]
	}
	return out, nil
}

func (x *SQLiteIndex) scanTop(ctx context.Context, query string, args []any, vec []float32, k int) ([]idScore, error) {
	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vec)
	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32
	skipped := 0
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if len(buf) != len(vec) {
			skipped++
			continue
		}

		item := idScore{ID: id, Score: cosineSimilarity(vec, buf, queryNorm)}
		if h.Len() < k {
			heap.Push(h, item)
		} else if item.better((*h)[0]) {
			(*h)[0] = item
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	logSkipped(skipped, len(vec))

	out := make([]idScore, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(idScore)
	}
	return out, nil
}

// fetchCandidates loads display fields for the winners, keeping their order.
func (x *SQLiteIndex) fetchCandidates(ctx context.Context, winners []idScore) ([]Candidate, error) {
	if len(winners) == 0 {
		return nil, nil
	}
	args := make([]any, len(winners))
	for i, w := range winners {
		args[i] = w.ID
	}
	rows, err := x.db.QueryContext(ctx, `
		SELECT program_id, school_id, name, currency, program_level, program_category, tuition,
			school_name, school_city, school_province, school_country_code
		FROM programs WHERE program_id IN (?`+strings.Repeat(",?", len(winners)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K programs: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]storage.Program, len(winners))
	for rows.Next() {
		var p storage.Program
		var tuition sql.NullFloat64
		if err := rows.Scan(&p.ProgramID, &p.SchoolID, &p.Name, &p.Currency, &p.ProgramLevel, &p.ProgramCategory,
			&tuition, &p.SchoolName, &p.SchoolCity, &p.SchoolProvince, &p.SchoolCountryCode); err != nil {
			return nil, fmt.Errorf("scanning program: %w", err)
		}
		if tuition.Valid {
			t := tuition.Float64
			p.Tuition = &t
		}
		byID[p.ProgramID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating programs: %w", err)
	}

	out := make([]Candidate, 0, len(winners))
	for _, w := range winners {
		p, ok := byID[w.ID]
		if !ok {
			// Deleted between the scan and the fetch.
			continue
		}
		out = append(out, CandidateFromProgram(p, 1-w.Score))
	}
	return out, nil
}

// ScanAll computes the distance from vec to every embedded program.
func (x *SQLiteIndex) ScanAll(ctx context.Context, vec []float32) ([]ScanRow, error) {
	ctx, span := observability.StartIndexSpan(ctx, backendSQLite, "scan")
	defer span.End()

	rows, err := x.db.QueryContext(ctx, `
		SELECT program_id, school_id, school_country_code, embedding
		FROM programs WHERE embedding IS NOT NULL`)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vec)
	var out []ScanRow
	var buf []float32
	skipped := 0
	for rows.Next() {
		var r ScanRow
		var blob []byte
		if err := rows.Scan(&r.ProgramID, &r.SchoolID, &r.CountryCode, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", r.ProgramID, err)
		}
		if len(buf) != len(vec) {
			skipped++
			continue
		}
		r.Distance = 1 - cosineSimilarity(vec, buf, queryNorm)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	logSkipped(skipped, len(vec))
	return out, nil
}

func logSkipped(n, dim int) {
	if n > 0 {
		slog.Warn("skipped embeddings with mismatched dimension", "rows", n, "query_dim", dim)
	}
}

// Upsert stores vec as the embedding of an existing catalog row and assigns
// it to its nearest partition when partitions exist.
func (x *SQLiteIndex) Upsert(ctx context.Context, p storage.Program, vec []float32) error {
	if len(vec) == 0 {
		return errors.New("empty embedding")
	}
	centroids, ids, err := x.loadCentroids(ctx)
	if err != nil {
		return err
	}
	var partition sql.NullInt64
	if len(centroids) > 0 && len(centroids[0]) == len(vec) {
		best := nearestCentroid(normalized(vec), normalizeAll(centroids))
		partition = sql.NullInt64{Int64: ids[best], Valid: true}
	}

	res, err := x.db.ExecContext(ctx,
		`UPDATE programs SET embedding = ?, partition_id = ? WHERE program_id = ?`,
		encodeFloat32s(vec), partition, p.ProgramID)
	if err != nil {
		return fmt.Errorf("storing embedding for %s: %w", p.ProgramID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("program %s: %w", p.ProgramID, storage.ErrNotFound)
	}
	return nil
}

func (x *SQLiteIndex) loadCentroids(ctx context.Context) ([][]float32, []int64, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT id, centroid FROM program_partitions ORDER BY id`)
	if err != nil {
		return nil, nil, fmt.Errorf("loading partitions: %w", err)
	}
	defer rows.Close()

	var centroids [][]float32
	var ids []int64
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, nil, fmt.Errorf("scanning partition: %w", err)
		}
		c, err := decodeFloat32sInto(nil, blob)
		if err != nil {
			return nil, nil, fmt.Errorf("decoding centroid %d: %w", id, err)
		}
		centroids = append(centroids, c)
		ids = append(ids, id)
	}
	return centroids, ids, rows.Err()
}

// PartitionStats describes a partition build.
type PartitionStats struct {
	Partitions int `json:"partitions"`
	Programs   int `json:"programs"`
	Skipped    int `json:"skipped"`
}

// BuildPartitions trains lists k-means partitions over every embedding and
// replaces the stored partitions and assignments in one transaction.
// Embeddings whose dimension differs from the first row are left
// unassigned; TopK still scans them.
func (x *SQLiteIndex) BuildPartitions(ctx context.Context, lists int) (PartitionStats, error) {
	if lists <= 0 {
		return PartitionStats{}, fmt.Errorf("partition count must be positive, got %d", lists)
	}

	rows, err := x.db.QueryContext(ctx,
		`SELECT program_id, embedding FROM programs WHERE embedding IS NOT NULL ORDER BY program_id`)
	if err != nil {
		return PartitionStats{}, fmt.Errorf("querying vectors: %w", err)
	}
	var programIDs []string
	var vectors [][]float32
	skipped := 0
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			rows.Close()
			return PartitionStats{}, fmt.Errorf("scanning row: %w", err)
		}
		v, err := decodeFloat32sInto(nil, blob)
		if err != nil {
			rows.Close()
			return PartitionStats{}, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if len(vectors) > 0 && len(v) != len(vectors[0]) {
			skipped++
			continue
		}
		programIDs = append(programIDs, id)
		vectors = append(vectors, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return PartitionStats{}, fmt.Errorf("iterating rows: %w", err)
	}
	if len(vectors) == 0 {
		return PartitionStats{}, errors.New("no embedded programs to partition")
	}
	logSkipped(skipped, len(vectors[0]))

	rng := rand.New(rand.NewPCG(partitionSeed, uint64(lists)))
	centroids, assign, err := trainKMeans(ctx, vectors, lists, maxKMeansIter, rng)
	if err != nil {
		return PartitionStats{}, fmt.Errorf("training partitions: %w", err)
	}

	sizes := make([]int, len(centroids))
	for _, c := range assign {
		sizes[c]++
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return PartitionStats{}, fmt.Errorf("beginning partition transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM program_partitions`); err != nil {
		return PartitionStats{}, fmt.Errorf("clearing partitions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE programs SET partition_id = NULL`); err != nil {
		return PartitionStats{}, fmt.Errorf("clearing assignments: %w", err)
	}
	builtAt := time.Now().UTC().Format(time.RFC3339)
	for i, c := range centroids {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO program_partitions (id, centroid, size, built_at) VALUES (?, ?, ?, ?)`,
			i, encodeFloat32s(c), sizes[i], builtAt); err != nil {
			return PartitionStats{}, fmt.Errorf("inserting partition %d: %w", i, err)
		}
	}
	stmt, err := tx.PrepareContext(ctx, `UPDATE programs SET partition_id = ? WHERE program_id = ?`)
	if err != nil {
		return PartitionStats{}, fmt.Errorf("preparing assignment statement: %w", err)
	}
	defer stmt.Close()
	for i, id := range programIDs {
		if _, err := stmt.ExecContext(ctx, assign[i], id); err != nil {
			return PartitionStats{}, fmt.Errorf("assigning %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return PartitionStats{}, fmt.Errorf("committing partitions: %w", err)
	}

	return PartitionStats{Partitions: len(centroids), Programs: len(programIDs), Skipped: skipped}, nil
}

// sortCandidates orders candidates by ascending distance, then program ID.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Distance != cs[j].Distance {
			return cs[i].Distance < cs[j].Distance
		}
		return cs[i].ProgramID < cs[j].ProgramID
	})
}

// idScoreHeap is a min-heap of idScore with the worst candidate at the root.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[j].better(h[i]) }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
