package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert collides with an existing key.
	ErrDuplicate = errors.New("already exists")

	// ErrVersionConflict is returned when a conditional write finds the
	// record at a different version than expected.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidPath is returned for a field path the JSON updater cannot address.
	ErrInvalidPath = errors.New("invalid field path")
)

// ProfileRow is a stored profile document. Data holds the JSON document.
type ProfileRow struct {
	ID        string
	Email     string
	Data      []byte
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PathUpdate sets the JSON value at Path inside a profile document.
type PathUpdate struct {
	Path      []string
	ValueJSON []byte
}

// Program is a catalog row. Embeddings are managed by the vector index.
type Program struct {
	ProgramID         string   `json:"programId" yaml:"programId"`
	SchoolID          string   `json:"schoolId" yaml:"schoolId"`
	Name              string   `json:"name" yaml:"name"`
	Currency          string   `json:"currency" yaml:"currency"`
	ProgramLevel      string   `json:"programLevel" yaml:"programLevel"`
	ProgramCategory   string   `json:"programCategory" yaml:"programCategory"`
	Tuition           *float64 `json:"tuition" yaml:"tuition"`
	SchoolName        string   `json:"schoolName" yaml:"schoolName"`
	SchoolCity        string   `json:"schoolCity" yaml:"schoolCity"`
	SchoolProvince    string   `json:"schoolProvince" yaml:"schoolProvince"`
	SchoolCountryCode string   `json:"schoolCountryCode" yaml:"schoolCountryCode"`
	Description       string   `json:"description" yaml:"description"`
}

// Job types handled by the ingest worker.
const (
	JobTypeProgramEmbed = "program_embed"
)

// Job is a queued unit of background work. SubjectID names the record the
// job acts on, such as a program ID.
type Job struct {
	ID          string
	Type        string
	SubjectID   string
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
