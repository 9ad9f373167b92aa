package storage

import (
	"context"
	"fmt"
)

func (s *Store) SaveGenerationLog(ctx context.Context, l GenerationLog) error {
	created := s.timestamp()
	if !l.CreatedAt.IsZero() {
		created = formatTime(l.CreatedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_logs (id, source, model, request_json, response_text, input_tokens, output_tokens, cost_usd, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Source, l.Model, l.RequestJSON, l.ResponseText, l.InputTokens, l.OutputTokens, l.CostUSD, l.Error, created,
	)
	return err
}

// RecentGenerationLogs returns the newest logs first.
func (s *Store) RecentGenerationLogs(ctx context.Context, limit int) ([]GenerationLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, model, request_json, response_text, input_tokens, output_tokens, cost_usd, error, created_at
		FROM generation_logs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []GenerationLog
	for rows.Next() {
		var l GenerationLog
		var created string
		if err := rows.Scan(&l.ID, &l.Source, &l.Model, &l.RequestJSON, &l.ResponseText,
			&l.InputTokens, &l.OutputTokens, &l.CostUSD, &l.Error, &created); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, l)
	}
	return results, rows.Err()
}

// GenerationCost sums estimated spend and tokens across all logged calls.
func (s *Store) GenerationCost(ctx context.Context) (costUSD float64, inputTokens, outputTokens int, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(cost_usd), 0), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM generation_logs`).Scan(&costUSD, &inputTokens, &outputTokens)
	return costUSD, inputTokens, outputTokens, err
}
