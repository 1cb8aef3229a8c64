package sqlitestore

import (
	"context"
	"fmt"
)

// AppendLogLines appends build output lines to a request's log. Lines are
// written in order; callers batch them to keep mid-build streaming cheap.
func (s *Store) AppendLogLines(ctx context.Context, requestID string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO request_logs (request_id, line) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare log insert: %w", err)
	}
	defer stmt.Close()

	for _, line := range lines {
		if _, err := stmt.ExecContext(ctx, requestID, line); err != nil {
			return fmt.Errorf("failed to append log line for %s: %w", requestID, err)
		}
	}
	return tx.Commit()
}

// RequestLogs returns a request's log lines starting at offset.
func (s *Store) RequestLogs(ctx context.Context, requestID string, offset int) ([]string, error) {
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT line FROM request_logs
		 WHERE request_id = ? ORDER BY id ASC LIMIT -1 OFFSET ?`,
		requestID, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to load logs for %s: %w", requestID, err)
	}
	defer rows.Close()

	lines := []string{}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
