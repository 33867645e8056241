// Package catalog loads program records into the store and queues them for
// embedding.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/campusconnect/internal/apperr"
	"github.com/kalambet/campusconnect/internal/storage"
)

// Store is the persistence the importer needs.
type Store interface {
	UpsertProgram(ctx context.Context, p storage.Program) error
	ProgramIDsToEmbed(ctx context.Context) ([]string, error)
	EnqueueJobs(ctx context.Context, jobs []storage.Job) error
}

// EmbedPayload is the payload of a program_embed job.
type EmbedPayload struct {
	ProgramID string `json:"program_id"`
}

// ImportStats reports what an import did.
type ImportStats struct {
	Programs int `json:"programs"`
	Jobs     int `json:"jobs"`
}

// Parse reads a YAML or JSON catalog. The document is either a list of
// programs or a mapping with a "programs" list. Every record must carry a
// programId; IDs must be unique within the file.
func Parse(r io.Reader) ([]storage.Program, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, apperr.Validation("catalog is empty")
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, apperr.Validation("parsing catalog: %v", err)
	}
	doc := &root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}

	var programs []storage.Program
	switch doc.Kind {
	case yaml.SequenceNode:
		err = doc.Decode(&programs)
	case yaml.MappingNode:
		var wrapped struct {
			Programs []storage.Program `yaml:"programs"`
		}
		err = doc.Decode(&wrapped)
		programs = wrapped.Programs
	default:
		return nil, apperr.Validation("catalog must be a list of programs or a mapping with a programs list")
	}
	if err != nil {
		return nil, apperr.Validation("decoding catalog: %v", err)
	}

	var problems []string
	seen := make(map[string]int, len(programs))
	for i := range programs {
		p := &programs[i]
		p.ProgramID = strings.TrimSpace(p.ProgramID)
		if p.ProgramID == "" {
			problems = append(problems, fmt.Sprintf("programs[%d]: programId is required", i))
			continue
		}
		if prev, dup := seen[p.ProgramID]; dup {
			problems = append(problems, fmt.Sprintf("programs[%d]: programId %q duplicates programs[%d]", i, p.ProgramID, prev))
			continue
		}
		seen[p.ProgramID] = i
	}
	if len(problems) > 0 {
		return nil, &apperr.ValidationError{Problems: problems}
	}
	return programs, nil
}

// Import upserts programs and queues an embed job for every program that
// lacks an embedding and is not already queued. Re-importing an unchanged
// catalog queues nothing.
func Import(ctx context.Context, store Store, programs []storage.Program) (ImportStats, error) {
	var stats ImportStats
	for _, p := range programs {
		if err := store.UpsertProgram(ctx, p); err != nil {
			return stats, err
		}
		stats.Programs++
	}
	ids, err := store.ProgramIDsToEmbed(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing programs to embed: %w", err)
	}
	stats.Jobs, err = EnqueueEmbeds(ctx, store, ids)
	return stats, err
}

// ImportFile parses the catalog at path and imports it.
func ImportFile(ctx context.Context, store Store, path string) (ImportStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImportStats{}, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()

	programs, err := Parse(f)
	if err != nil {
		return ImportStats{}, err
	}
	return Import(ctx, store, programs)
}

// EnqueueEmbeds queues a program_embed job per program ID in one batch and
// returns how many were queued.
func EnqueueEmbeds(ctx context.Context, store Store, programIDs []string) (int, error) {
	jobs := make([]storage.Job, 0, len(programIDs))
	for _, id := range programIDs {
		payload, err := json.Marshal(EmbedPayload{ProgramID: id})
		if err != nil {
			return 0, err
		}
		jobs = append(jobs, storage.Job{
			ID:          uuid.New().String(),
			Type:        storage.JobTypeProgramEmbed,
			SubjectID:   id,
			PayloadJSON: string(payload),
		})
	}
	if err := store.EnqueueJobs(ctx, jobs); err != nil {
		return 0, fmt.Errorf("enqueueing embed jobs: %w", err)
	}
	return len(jobs), nil
}

// EmbedText returns the text embedded for p: its description, or a
// synthesized summary when the description is blank.
func EmbedText(p storage.Program) string {
	if d := strings.TrimSpace(p.Description); d != "" {
		return d
	}
	var parts []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	add(p.Name)
	level := p.ProgramLevel
	if level == "" {
		level = p.ProgramCategory
	}
	add(level)
	add(p.SchoolName)
	add(p.SchoolCity)
	add(p.SchoolProvince)
	add(p.SchoolCountryCode)
	return strings.Join(parts, ", ")
}
