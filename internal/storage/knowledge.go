package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// --- Selector knowledge ---

const selectorColumns = `project_id, application_id, semantic_key, selector, confidence, usage_count, last_verified_at, created_at, updated_at`

// GetSelectorKnowledge looks up a record by its composite key.
func (s *Store) GetSelectorKnowledge(ctx context.Context, projectID, applicationID, key string) (SelectorKnowledge, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectorColumns+`
		FROM selector_knowledge
		WHERE project_id = ? AND application_id = ? AND semantic_key = ?`,
		projectID, applicationID, key,
	)
	k, err := scanSelector(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SelectorKnowledge{}, ErrNotFound
	}
	return k, err
}

// TouchSelectorKnowledge records a cache hit: usage count +1 and
// last-verified set to now.
func (s *Store) TouchSelectorKnowledge(ctx context.Context, projectID, applicationID, key string) error {
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx, `UPDATE selector_knowledge
		SET usage_count = usage_count + 1, last_verified_at = ?, updated_at = ?
		WHERE project_id = ? AND application_id = ? AND semantic_key = ?`,
		now, now, projectID, applicationID, key,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertSelectorKnowledge writes a resolved selector. A new record starts
// with a usage count of 1; an existing one has its selector and confidence
// replaced and its usage count incremented.
func (s *Store) UpsertSelectorKnowledge(ctx context.Context, k SelectorKnowledge) (SelectorKnowledge, error) {
	confidence := k.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 1.0
	}
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO selector_knowledge (`+selectorColumns+`)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(project_id, application_id, semantic_key) DO UPDATE SET
			selector = excluded.selector,
			confidence = excluded.confidence,
			usage_count = selector_knowledge.usage_count + 1,
			last_verified_at = excluded.last_verified_at,
			updated_at = excluded.updated_at`,
		k.ProjectID, k.ApplicationID, k.SemanticKey, k.Selector, confidence, now, now, now,
	)
	if err != nil {
		return SelectorKnowledge{}, fmt.Errorf("upserting selector %s: %w", k.SemanticKey, err)
	}
	return s.GetSelectorKnowledge(ctx, k.ProjectID, k.ApplicationID, k.SemanticKey)
}

// ListSelectorKnowledge returns a project's selector records, most used first.
// An empty applicationID matches every application.
func (s *Store) ListSelectorKnowledge(ctx context.Context, projectID, applicationID string, limit int) ([]SelectorKnowledge, error) {
	query := `SELECT ` + selectorColumns + ` FROM selector_knowledge WHERE project_id = ?`
	args := []any{projectID}
	if applicationID != "" {
		query += ` AND application_id = ?`
		args = append(args, applicationID)
	}
	query += ` ORDER BY usage_count DESC, semantic_key ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SelectorKnowledge
	for rows.Next() {
		k, err := scanSelector(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, k)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSelector(row scanner) (SelectorKnowledge, error) {
	var k SelectorKnowledge
	var verified, created, updated string
	if err := row.Scan(&k.ProjectID, &k.ApplicationID, &k.SemanticKey, &k.Selector, &k.Confidence,
		&k.UsageCount, &verified, &created, &updated); err != nil {
		return SelectorKnowledge{}, err
	}
	var err error
	if k.LastVerifiedAt, err = parseTime(verified); err != nil {
		return SelectorKnowledge{}, fmt.Errorf("parsing last_verified_at: %w", err)
	}
	if k.CreatedAt, err = parseTime(created); err != nil {
		return SelectorKnowledge{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if k.UpdatedAt, err = parseTime(updated); err != nil {
		return SelectorKnowledge{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return k, nil
}

// --- Data knowledge ---

// GetDataKnowledge looks up a generated value by (project, data key).
func (s *Store) GetDataKnowledge(ctx context.Context, projectID, dataKey string) (DataKnowledge, error) {
	var d DataKnowledge
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, data_key, requirement_type, scenario, role, value_json, created_at
		FROM data_knowledge WHERE project_id = ? AND data_key = ?`, projectID, dataKey,
	).Scan(&d.ProjectID, &d.DataKey, &d.RequirementType, &d.Scenario, &d.Role, &d.ValueJSON, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return DataKnowledge{}, ErrNotFound
	}
	if err != nil {
		return DataKnowledge{}, err
	}
	if d.CreatedAt, err = parseTime(created); err != nil {
		return DataKnowledge{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return d, nil
}

// InsertDataKnowledge stores a value unless the key already exists, and
// returns whichever record is stored afterwards. Data records are never
// updated, so a concurrent writer that lost the race gets the winner's value.
func (s *Store) InsertDataKnowledge(ctx context.Context, d DataKnowledge) (DataKnowledge, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO data_knowledge (project_id, data_key, requirement_type, scenario, role, value_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, data_key) DO NOTHING`,
		d.ProjectID, d.DataKey, d.RequirementType, d.Scenario, d.Role, d.ValueJSON, s.timestamp(),
	)
	if err != nil {
		return DataKnowledge{}, fmt.Errorf("inserting data %s: %w", d.DataKey, err)
	}
	return s.GetDataKnowledge(ctx, d.ProjectID, d.DataKey)
}

// CountDataKnowledge returns the number of stored data records for a project.
func (s *Store) CountDataKnowledge(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM data_knowledge WHERE project_id = ?`, projectID).Scan(&n)
	return n, err
}
