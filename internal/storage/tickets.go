package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveTicketSnapshot replaces the stored narrative for a ticket.
func (s *Store) SaveTicketSnapshot(ctx context.Context, t TicketSnapshot) error {
	reqs := t.RequirementsJSON
	if reqs == "" {
		reqs = "[]"
	}
	steps := t.StepsJSON
	if steps == "" {
		steps = "[]"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ticket_snapshots (id, project_id, application_id, title, description, acceptance_criteria, requirements_json, steps_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			application_id = excluded.application_id,
			title = excluded.title,
			description = excluded.description,
			acceptance_criteria = excluded.acceptance_criteria,
			requirements_json = excluded.requirements_json,
			steps_json = excluded.steps_json,
			updated_at = excluded.updated_at`,
		t.ID, t.ProjectID, t.ApplicationID, t.Title, t.Description, t.AcceptanceCriteria, reqs, steps, s.timestamp(),
	)
	return err
}

func (s *Store) GetTicketSnapshot(ctx context.Context, id string) (TicketSnapshot, error) {
	var t TicketSnapshot
	var updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, application_id, title, description, acceptance_criteria, requirements_json, steps_json, updated_at
		FROM ticket_snapshots WHERE id = ?`, id,
	).Scan(&t.ID, &t.ProjectID, &t.ApplicationID, &t.Title, &t.Description, &t.AcceptanceCriteria,
		&t.RequirementsJSON, &t.StepsJSON, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return TicketSnapshot{}, ErrNotFound
	}
	if err != nil {
		return TicketSnapshot{}, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return TicketSnapshot{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return t, nil
}
