package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bindery-io/bindery/internal/boundaries/out"
	"github.com/bindery-io/bindery/internal/domain"
)

// GetRequest returns a request with its state history.
func (s *Store) GetRequest(ctx context.Context, id string) (*domain.Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)

	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRequestNotFound, id)
		}
		return nil, fmt.Errorf("failed to load request %s: %w", id, err)
	}

	if req.History, err = s.requestHistory(ctx, id); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Store) requestHistory(ctx context.Context, id string) ([]domain.StateChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, reason, updated FROM request_states
		 WHERE request_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load state history for %s: %w", id, err)
	}
	defer rows.Close()

	var history []domain.StateChange
	for rows.Next() {
		var (
			change  domain.StateChange
			updated int64
		)
		if err := rows.Scan(&change.State, &change.Reason, &updated); err != nil {
			return nil, err
		}
		change.Updated = time.Unix(0, updated).UTC()
		history = append(history, change)
	}
	return history, rows.Err()
}

// ListRequests returns one page of requests, newest first, plus the total
// match count for pagination.
func (s *Store) ListRequests(ctx context.Context, q out.RequestQuery) ([]*domain.Request, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if q.State != "" {
		where += " AND state = ?"
		args = append(args, q.State)
	}
	if q.Kind != "" {
		where += " AND kind = ?"
		args = append(args, q.Kind)
	}
	if q.BatchID != "" {
		where += " AND batch_id = ?"
		args = append(args, q.BatchID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count requests: %w", err)
	}

	page := q.Page
	if page < 1 {
		page = 1
	}
	perPage := q.PerPage
	if perPage < 1 {
		perPage = 20
	}

	listArgs := append(args, perPage, (page-1)*perPage)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests`+where+
			` ORDER BY created DESC, position DESC LIMIT ? OFFSET ?`, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	requests, err := collectRequests(rows)
	if err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}

// NextQueued returns up to limit queued requests, oldest first.
func (s *Store) NextQueued(ctx context.Context, limit int) ([]*domain.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE state = ? ORDER BY created ASC, position ASC LIMIT ?`,
		domain.StateQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load queued requests: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

// StaleInProgress returns in-progress requests untouched since the cutoff.
func (s *Store) StaleInProgress(ctx context.Context, cutoff time.Time) ([]*domain.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE state = ? AND updated < ? ORDER BY updated ASC`,
		domain.StateInProgress, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to load stale requests: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

// ActiveBatchFor returns the batch id of a pending request with the same
// kind and target, or "" when none exists.
func (s *Store) ActiveBatchFor(ctx context.Context, kind domain.RequestKind, target string) (string, error) {
	var batchID string
	err := s.db.QueryRowContext(ctx,
		`SELECT batch_id FROM requests
		 WHERE kind = ? AND target = ? AND state IN (?, ?)
		 ORDER BY created ASC LIMIT 1`,
		kind, target, domain.StateQueued, domain.StateInProgress).Scan(&batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up pending duplicate: %w", err)
	}
	return batchID, nil
}

// SaveTransition persists a transition already applied to req, guarded on
// the previous state so a concurrent terminal write is never overwritten.
// The newest history row on req is appended alongside.
func (s *Store) SaveTransition(ctx context.Context, req *domain.Request, prev domain.RequestState) error {
	if len(req.History) == 0 {
		return fmt.Errorf("request %s has no history entry to persist", req.ID)
	}

	result, err := encodeResult(req.Result)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE requests
		 SET state = ?, state_reason = ?, from_index_resolved = ?,
		     binary_image_resolved = ?, result = ?, updated = ?
		 WHERE id = ? AND state = ?`,
		req.State, req.StateReason, req.FromIndexResolved,
		req.BinaryImageResolved, result, req.Updated.UnixNano(),
		req.ID, prev)
	if err != nil {
		return fmt.Errorf("failed to persist transition for %s: %w", req.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.transitionGuardError(ctx, tx, req.ID, prev)
	}

	last := req.History[len(req.History)-1]
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO request_states (request_id, state, reason, updated)
		 VALUES (?, ?, ?, ?)`,
		req.ID, last.State, last.Reason, last.Updated.UnixNano()); err != nil {
		return fmt.Errorf("failed to append state history for %s: %w", req.ID, err)
	}

	return tx.Commit()
}

// transitionGuardError explains a guard miss: the row is gone, already
// terminal, or was moved by another writer.
func (s *Store) transitionGuardError(ctx context.Context, tx *sql.Tx, id string, prev domain.RequestState) error {
	var current domain.RequestState
	err := tx.QueryRowContext(ctx, `SELECT state FROM requests WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrRequestNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to inspect request %s after guard miss: %w", id, err)
	}
	if current.Terminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrTerminalState, id, current)
	}
	return fmt.Errorf("%w: %s moved from %s to %s concurrently", domain.ErrInvalidTransition, id, prev, current)
}

func collectRequests(rows *sql.Rows) ([]*domain.Request, error) {
	var requests []*domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}
