package retrieval

import (
	"context"

	"github.com/kalambet/campusconnect/internal/storage"
)

// VectorIndex is the similarity index gateway. Distances are cosine
// distances in [0, 2]; smaller is closer.
//
// Two backends exist: SQLiteIndex keeps embeddings next to the catalog rows
// and probes k-means partitions for approximate search; the qdrant package
// delegates to a Qdrant collection over gRPC.
type VectorIndex interface {
	// TopK returns up to k nearest programs. With exhaustive set every
	// vector is compared; otherwise the backend may search a subset.
	TopK(ctx context.Context, vec []float32, k int, exhaustive bool) ([]Candidate, error)

	// ScanAll returns the distance of every indexed program to vec.
	ScanAll(ctx context.Context, vec []float32) ([]ScanRow, error)

	// Upsert stores the embedding for a catalog program.
	Upsert(ctx context.Context, p storage.Program, vec []float32) error
}

// Candidate is a program returned by TopK with its display fields.
type Candidate struct {
	ProgramID         string
	SchoolID          string
	Name              string
	Currency          string
	ProgramLevel      string
	ProgramCategory   string
	Tuition           *float64
	SchoolName        string
	SchoolCity        string
	SchoolProvince    string
	SchoolCountryCode string
	Distance          float64
}

// ScanRow carries the fields exact counting needs.
type ScanRow struct {
	ProgramID   string
	SchoolID    string
	CountryCode string
	Distance    float64
}

// CandidateFromProgram copies the display fields of a catalog row.
func CandidateFromProgram(p storage.Program, distance float64) Candidate {
	return Candidate{
		ProgramID:         p.ProgramID,
		SchoolID:          p.SchoolID,
		Name:              p.Name,
		Currency:          p.Currency,
		ProgramLevel:      p.ProgramLevel,
		ProgramCategory:   p.ProgramCategory,
		Tuition:           p.Tuition,
		SchoolName:        p.SchoolName,
		SchoolCity:        p.SchoolCity,
		SchoolProvince:    p.SchoolProvince,
		SchoolCountryCode: p.SchoolCountryCode,
		Distance:          distance,
	}
}
