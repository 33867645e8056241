package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// maxPathsPerStatement keeps json_set calls well under SQLite's function
// argument limit.
const maxPathsPerStatement = 50

func (s *Store) GetProfileByEmail(ctx context.Context, email string) (ProfileRow, error) {
	var r ProfileRow
	var doc, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, doc, version, created_at, updated_at
		FROM profiles WHERE email = ?`, email,
	).Scan(&r.ID, &r.Email, &doc, &r.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ProfileRow{}, ErrNotFound
	}
	if err != nil {
		return ProfileRow{}, err
	}
	r.Data = []byte(doc)
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return ProfileRow{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return ProfileRow{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return r, nil
}

// CreateProfile inserts a new profile. It returns ErrDuplicate when the
// email is already taken.
func (s *Store) CreateProfile(ctx context.Context, row ProfileRow) error {
	version := row.Version
	if version == 0 {
		version = 1
	}
	doc := string(row.Data)
	if doc == "" {
		doc = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, email, doc, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO NOTHING`,
		row.ID, row.Email, doc, version,
		row.CreatedAt.UTC().Format(time.RFC3339), row.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// ApplyPathUpdates writes each update into the profile document in place
// and bumps its version, provided the stored version still equals
// expectedVersion. Fields not named by an update are left untouched.
func (s *Store) ApplyPathUpdates(ctx context.Context, id string, expectedVersion int64, updates []PathUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	paths := make([]string, len(updates))
	for i, u := range updates {
		p, err := jsonPath(u.Path)
		if err != nil {
			return err
		}
		paths[i] = p
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning profile update: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for start := 0; start < len(updates); start += maxPathsPerStatement {
		end := min(start+maxPathsPerStatement, len(updates))

		var sb strings.Builder
		args := make([]any, 0, 2*(end-start)+3)
		sb.WriteString("UPDATE profiles SET doc = json_set(doc")
		for i := start; i < end; i++ {
			sb.WriteString(", ?, json(?)")
			args = append(args, paths[i], string(updates[i].ValueJSON))
		}
		sb.WriteString("), updated_at = ?")
		args = append(args, now)

		if start == 0 {
			sb.WriteString(", version = version + 1 WHERE id = ? AND version = ?")
			args = append(args, id, expectedVersion)
		} else {
			sb.WriteString(" WHERE id = ?")
			args = append(args, id)
		}

		res, err := tx.ExecContext(ctx, sb.String(), args...)
		if err != nil {
			return fmt.Errorf("updating profile %s: %w", id, err)
		}
		if start > 0 {
			continue
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM profiles WHERE id = ?", id).Scan(&exists); err != nil {
				return fmt.Errorf("checking profile %s: %w", id, err)
			}
			if exists == 0 {
				return ErrNotFound
			}
			return ErrVersionConflict
		}
	}

	return tx.Commit()
}

// jsonPath renders segments as an SQLite JSON path with every label quoted,
// so keys containing dots address a single member.
func jsonPath(segments []string) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	var sb strings.Builder
	sb.WriteString("$")
	for _, seg := range segments {
		if seg == "" || strings.ContainsAny(seg, "\"\\") {
			return "", fmt.Errorf("%w: unsupported key %q", ErrInvalidPath, seg)
		}
		sb.WriteString(`."`)
		sb.WriteString(seg)
		sb.WriteString(`"`)
	}
	return sb.String(), nil
}
