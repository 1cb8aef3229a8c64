// Package out defines output ports (interfaces) for use cases.
// These interfaces define the contract between the business logic and
// driven adapters (persistence, locks, builder, registry).
package out

import (
	"context"
	"time"

	"github.com/bindery-io/bindery/internal/domain"
)

// RequestQuery filters and pages request listings.
type RequestQuery struct {
	State   domain.RequestState
	Kind    domain.RequestKind
	BatchID string
	Page    int
	PerPage int
}

// RequestStore defines the contract for durable request and batch records.
// It is the source of truth the in-memory layers reload from after a
// process restart.
type RequestStore interface {
	// CreateBatch persists a batch and its fanned-out requests atomically.
	CreateBatch(ctx context.Context, batch *domain.Batch, requests []*domain.Request) error

	// GetRequest returns a request with its state history. Log lines are
	// fetched separately through RequestLogs.
	GetRequest(ctx context.Context, id string) (*domain.Request, error)

	// GetBatch returns the batch record.
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)

	// BatchRequests returns a batch's children in fan-out order.
	BatchRequests(ctx context.Context, batchID string) ([]*domain.Request, error)

	// ListRequests returns one page of requests plus the total match count.
	ListRequests(ctx context.Context, q RequestQuery) ([]*domain.Request, int, error)

	// NextQueued returns up to limit queued requests, oldest first.
	NextQueued(ctx context.Context, limit int) ([]*domain.Request, error)

	// StaleInProgress returns in-progress requests whose updated timestamp
	// is older than the cutoff.
	StaleInProgress(ctx context.Context, cutoff time.Time) ([]*domain.Request, error)

	// ActiveBatchFor returns the batch id of a queued or in-progress
	// request with the same kind and target, or "" when none exists.
	ActiveBatchFor(ctx context.Context, kind domain.RequestKind, target string) (string, error)

	// SaveTransition persists a state transition already applied to req,
	// appending the newest history row. The write is guarded on the
	// previous state so a concurrently persisted terminal state is never
	// overwritten; a guard miss returns domain.ErrTerminalState when the
	// stored state is terminal and domain.ErrInvalidTransition otherwise.
	SaveTransition(ctx context.Context, req *domain.Request, prev domain.RequestState) error

	// AppendLogLines appends build output lines to a request's log.
	AppendLogLines(ctx context.Context, requestID string, lines []string) error

	// RequestLogs returns a request's log lines starting at offset.
	RequestLogs(ctx context.Context, requestID string, offset int) ([]string, error)

	// PurgeTerminalBatches deletes batches, requests, history, and logs for
	// batches whose children are all terminal and untouched since the
	// cutoff. Returns the number of batches removed.
	PurgeTerminalBatches(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases the underlying database handle.
	Close() error
}
