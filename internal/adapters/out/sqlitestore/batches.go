package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bindery-io/bindery/internal/domain"
)

// CreateBatch persists a batch and its fanned-out requests atomically,
// including each request's initial history row.
func (s *Store) CreateBatch(ctx context.Context, batch *domain.Batch, requests []*domain.Request) error {
	annotations, err := encodeAnnotations(batch.Annotations)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Re-check for a pending duplicate inside the transaction: the
	// caller's ActiveBatchFor lookup and this insert are separate
	// statements, so a concurrent identical submission can slip between
	// them.
	if len(requests) > 0 {
		var pending string
		err := tx.QueryRowContext(ctx,
			`SELECT batch_id FROM requests
			 WHERE kind = ? AND target = ? AND state IN (?, ?)
			 ORDER BY created ASC LIMIT 1`,
			requests[0].Kind, requests[0].Target,
			domain.StateQueued, domain.StateInProgress).Scan(&pending)
		switch {
		case err == nil:
			return fmt.Errorf("%w: batch %s", domain.ErrPendingDuplicate, pending)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to re-check pending duplicate: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO batches (id, annotations, created) VALUES (?, ?, ?)`,
		batch.ID, annotations, batch.Created.UnixNano()); err != nil {
		return fmt.Errorf("failed to insert batch %s: %w", batch.ID, err)
	}

	for i, req := range requests {
		params, err := encodeParams(req.Params)
		if err != nil {
			return err
		}
		result, err := encodeResult(req.Result)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO requests (id, batch_id, position, kind, target,
			     lock_key, architecture, params, state, state_reason,
			     from_index_resolved, binary_image_resolved, result,
			     created, updated)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ID, batch.ID, i, req.Kind, req.Target, req.LockKey,
			req.Architecture, params, req.State, req.StateReason,
			req.FromIndexResolved, req.BinaryImageResolved, result,
			req.Created.UnixNano(), req.Updated.UnixNano()); err != nil {
			return fmt.Errorf("failed to insert request %s: %w", req.ID, err)
		}

		for _, change := range req.History {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO request_states (request_id, state, reason, updated)
				 VALUES (?, ?, ?, ?)`,
				req.ID, change.State, change.Reason, change.Updated.UnixNano()); err != nil {
				return fmt.Errorf("failed to insert state history for %s: %w", req.ID, err)
			}
		}
	}

	return tx.Commit()
}

// GetBatch returns the batch record with its child ids in fan-out order.
func (s *Store) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	var (
		batch       domain.Batch
		annotations string
		created     int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, annotations, created FROM batches WHERE id = ?`, id).
		Scan(&batch.ID, &annotations, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrBatchNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %s: %w", id, err)
	}

	if batch.Annotations, err = decodeAnnotations(annotations); err != nil {
		return nil, err
	}
	batch.Created = time.Unix(0, created).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM requests WHERE batch_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch children: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var reqID string
		if err := rows.Scan(&reqID); err != nil {
			return nil, err
		}
		batch.RequestIDs = append(batch.RequestIDs, reqID)
	}
	return &batch, rows.Err()
}

// BatchRequests returns a batch's children in fan-out order.
func (s *Store) BatchRequests(ctx context.Context, batchID string) ([]*domain.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests
		 WHERE batch_id = ? ORDER BY position ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load requests for batch %s: %w", batchID, err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

// PurgeTerminalBatches deletes batches whose children are all terminal and
// untouched since the cutoff. Children, history, and logs cascade.
func (s *Store) PurgeTerminalBatches(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM batches WHERE id IN (
			SELECT b.id FROM batches b
			WHERE EXISTS (
				SELECT 1 FROM requests r WHERE r.batch_id = b.id)
			AND NOT EXISTS (
				SELECT 1 FROM requests r
				WHERE r.batch_id = b.id AND r.state NOT IN (?, ?))
			AND NOT EXISTS (
				SELECT 1 FROM requests r
				WHERE r.batch_id = b.id AND r.updated >= ?)
		)`,
		domain.StateComplete, domain.StateFailed, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal batches: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		log.Debug().Int64("batches", affected).Msg("Purged terminal batches")
	}
	return int(affected), nil
}
