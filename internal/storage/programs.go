package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertProgram inserts or updates a catalog row. A changed description
// clears the stored embedding and partition so the program is re-embedded.
func (s *Store) UpsertProgram(ctx context.Context, p Program) error {
	var tuition sql.NullFloat64
	if p.Tuition != nil {
		tuition = sql.NullFloat64{Float64: *p.Tuition, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO programs (program_id, school_id, name, currency, program_level, program_category, tuition,
			school_name, school_city, school_province, school_country_code, description, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(program_id) DO UPDATE SET
			school_id = excluded.school_id,
			name = excluded.name,
			currency = excluded.currency,
			program_level = excluded.program_level,
			program_category = excluded.program_category,
			tuition = excluded.tuition,
			school_name = excluded.school_name,
			school_city = excluded.school_city,
			school_province = excluded.school_province,
			school_country_code = excluded.school_country_code,
			embedding = CASE WHEN programs.description = excluded.description THEN programs.embedding ELSE NULL END,
			partition_id = CASE WHEN programs.description = excluded.description THEN programs.partition_id ELSE NULL END,
			description = excluded.description,
			updated_at = excluded.updated_at`,
		p.ProgramID, p.SchoolID, p.Name, p.Currency, p.ProgramLevel, p.ProgramCategory, tuition,
		p.SchoolName, p.SchoolCity, p.SchoolProvince, p.SchoolCountryCode, p.Description,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting program %s: %w", p.ProgramID, err)
	}
	return nil
}

func (s *Store) GetProgram(ctx context.Context, programID string) (Program, error) {
	var p Program
	var tuition sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT program_id, school_id, name, currency, program_level, program_category, tuition,
			school_name, school_city, school_province, school_country_code, description
		FROM programs WHERE program_id = ?`, programID,
	).Scan(&p.ProgramID, &p.SchoolID, &p.Name, &p.Currency, &p.ProgramLevel, &p.ProgramCategory, &tuition,
		&p.SchoolName, &p.SchoolCity, &p.SchoolProvince, &p.SchoolCountryCode, &p.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return Program{}, ErrNotFound
	}
	if err != nil {
		return Program{}, err
	}
	if tuition.Valid {
		t := tuition.Float64
		p.Tuition = &t
	}
	return p, nil
}

// ProgramIDsToEmbed lists programs without a stored embedding that have no
// pending or running embed job.
func (s *Store) ProgramIDsToEmbed(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.program_id FROM programs p
		WHERE p.embedding IS NULL AND NOT EXISTS (
			SELECT 1 FROM jobs j
			WHERE j.type = ? AND j.subject_id = p.program_id AND j.status IN ('pending', 'running')
		)
		ORDER BY p.program_id`, JobTypeProgramEmbed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CatalogStats summarises the catalog for status output.
type CatalogStats struct {
	Programs    int `json:"programs"`
	Embedded    int `json:"embedded"`
	Partitions  int `json:"partitions"`
	PendingJobs int `json:"pendingJobs"`
	FailedJobs  int `json:"failedJobs"`
}

func (s *Store) CatalogStats(ctx context.Context) (CatalogStats, error) {
	var st CatalogStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM programs),
			(SELECT COUNT(*) FROM programs WHERE embedding IS NOT NULL),
			(SELECT COUNT(*) FROM program_partitions),
			(SELECT COUNT(*) FROM jobs WHERE status IN ('pending', 'running')),
			(SELECT COUNT(*) FROM jobs WHERE status = 'failed')`,
	).Scan(&st.Programs, &st.Embedded, &st.Partitions, &st.PendingJobs, &st.FailedJobs)
	if err != nil {
		return CatalogStats{}, fmt.Errorf("reading catalog stats: %w", err)
	}
	return st, nil
}
