// Package in defines input ports (interfaces) for use cases.
// These interfaces define the contract between driving adapters (HTTP, CLI)
// and the business logic (use cases).
package in

import (
	"context"

	"github.com/bindery-io/bindery/internal/boundaries/out"
	"github.com/bindery-io/bindery/internal/domain"
)

// BatchStatus is the client-facing projection of a batch: its derived
// aggregate state plus the full child requests.
type BatchStatus struct {
	ID          string
	State       domain.RequestState
	Requests    []*domain.Request
	Annotations map[string]string
}

// BuildService defines the contract for submitting and tracking index
// build requests.
type BuildService interface {
	// Submit validates the parameters, fans the submission out into one
	// request per architecture, and returns the batch. Resubmitting while
	// an identical target+kind request is still pending returns the
	// pending batch instead of creating a duplicate.
	Submit(ctx context.Context, kind domain.RequestKind, params domain.BuildParams, annotations map[string]string) (*BatchStatus, error)

	// Batch returns a batch with its children and derived aggregate state.
	Batch(ctx context.Context, id string) (*BatchStatus, error)

	// Request returns a single request with its state history.
	Request(ctx context.Context, id string) (*domain.Request, error)

	// Requests returns one page of requests plus the total match count.
	Requests(ctx context.Context, q out.RequestQuery) ([]*domain.Request, int, error)

	// RequestLogs returns a request's log lines starting at offset,
	// including partial logs while the build is still running.
	RequestLogs(ctx context.Context, id string, offset int) ([]string, error)

	// Cancel marks a still-queued request failed with a cancellation
	// reason. Returns domain.ErrNotCancellable once dispatch has begun.
	Cancel(ctx context.Context, id string) error
}
