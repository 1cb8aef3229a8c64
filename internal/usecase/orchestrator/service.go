// Package orchestrator implements the submission service: validation,
// per-architecture fan-out into batches, duplicate suppression, and
// cancellation of still-queued requests.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bindery-io/bindery/internal/boundaries/in"
	"github.com/bindery-io/bindery/internal/boundaries/out"
	"github.com/bindery-io/bindery/internal/domain"
)

// Ensure Service implements in.BuildService.
var _ in.BuildService = (*Service)(nil)

// Service accepts build submissions and owns the queued half of the
// request lifecycle. Dispatch and completion belong to the worker pool.
type Service struct {
	store    out.RequestStore
	resolver out.ImageResolver
	bus      out.EventPublisher

	nowFn func() time.Time
	idFn  func() string
}

// NewService creates the submission service.
func NewService(store out.RequestStore, resolver out.ImageResolver, bus out.EventPublisher) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		bus:      bus,
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
		idFn: func() string {
			return uuid.New().String()
		},
	}
}

// Submit validates the parameters, fans the submission out into one request
// per architecture, and persists the batch. Submitting while an identical
// target+kind request is still pending returns the pending batch unchanged;
// idempotency lives here, not in mutated history.
func (s *Service) Submit(ctx context.Context, kind domain.RequestKind, params domain.BuildParams, annotations map[string]string) (*in.BatchStatus, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, string(kind))
	}
	if err := params.Validate(kind); err != nil {
		return nil, err
	}

	rawTarget, err := params.TargetReference(kind)
	if err != nil {
		return nil, err
	}
	target, err := domain.CanonicalReference(rawTarget)
	if err != nil {
		return nil, err
	}

	if pending, err := s.store.ActiveBatchFor(ctx, kind, target); err != nil {
		return nil, err
	} else if pending != "" {
		log.Debug().
			Str("kind", string(kind)).
			Str("target", target).
			Str("batch_id", pending).
			Msg("Duplicate submission folded into pending batch")
		return s.Batch(ctx, pending)
	}

	arches, err := s.fanOutArches(ctx, kind, params)
	if err != nil {
		return nil, err
	}

	now := s.nowFn()
	batch := &domain.Batch{
		ID:          s.idFn(),
		Created:     now,
		Annotations: annotations,
	}

	requests, err := s.fanOut(batch.ID, kind, target, params, arches, now)
	if err != nil {
		return nil, err
	}
	for _, req := range requests {
		batch.RequestIDs = append(batch.RequestIDs, req.ID)
	}

	if err := s.store.CreateBatch(ctx, batch, requests); err != nil {
		// A concurrent identical submission won the race between the
		// dedup lookup and the insert; fold into its batch.
		if errors.Is(err, domain.ErrPendingDuplicate) {
			pending, lookupErr := s.store.ActiveBatchFor(ctx, kind, target)
			if lookupErr == nil && pending != "" {
				log.Debug().
					Str("kind", string(kind)).
					Str("target", target).
					Str("batch_id", pending).
					Msg("Concurrent duplicate submission folded into pending batch")
				return s.Batch(ctx, pending)
			}
			return nil, err
		}
		return nil, fmt.Errorf("failed to persist batch: %w", err)
	}

	for _, req := range requests {
		if err := s.bus.Publish(domain.EventRequestQueued, domain.RequestQueuedPayload{
			RequestID: req.ID,
			BatchID:   batch.ID,
			Kind:      kind,
			Target:    req.LockKey,
		}); err != nil {
			log.Warn().Err(err).Str("request_id", req.ID).Msg("Failed to publish queued event")
		}
	}

	log.Info().
		Str("batch_id", batch.ID).
		Str("kind", string(kind)).
		Str("target", target).
		Int("requests", len(requests)).
		Msg("Batch submitted")

	return s.batchStatus(ctx, batch, requests)
}

// fanOutArches decides the architecture set a submission covers: the
// caller's list when given, otherwise the platforms discovered from the
// relevant index's manifest list. Single-target kinds take no fan-out.
func (s *Service) fanOutArches(ctx context.Context, kind domain.RequestKind, params domain.BuildParams) ([]string, error) {
	if !kind.MultiArch() {
		return nil, nil
	}

	if len(params.AddArches) > 0 {
		return domain.NormalizeArches(params.AddArches), nil
	}

	discoveryRef := params.FromIndex
	if kind == domain.KindMergeIndexImage {
		// the target tag may not exist yet; the source index carries the
		// platform set the merge must cover
		discoveryRef = params.SourceFromIndex
	}

	resolved, err := s.resolver.Resolve(ctx, discoveryRef)
	if err != nil {
		return nil, fmt.Errorf("%w: discovering architectures of %s: %v", domain.ErrUnresolvable, discoveryRef, err)
	}
	arches := domain.NormalizeArches(resolved.Architectures)
	if len(arches) == 0 {
		return nil, fmt.Errorf("%w: %s lists no platforms", domain.ErrUnresolvable, discoveryRef)
	}
	return arches, nil
}

func (s *Service) fanOut(batchID string, kind domain.RequestKind, target string, params domain.BuildParams, arches []string, now time.Time) ([]*domain.Request, error) {
	if len(arches) == 0 {
		req := domain.NewRequest(s.idFn(), batchID, kind, target, target, "", params, now)
		return []*domain.Request{req}, nil
	}

	requests := make([]*domain.Request, 0, len(arches))
	for _, arch := range arches {
		lockKey, err := domain.ArchReference(target, arch)
		if err != nil {
			return nil, err
		}
		requests = append(requests, domain.NewRequest(s.idFn(), batchID, kind, target, lockKey, arch, params, now))
	}
	return requests, nil
}

// Batch returns a batch with its children, their logs, and the aggregate
// state derived from the children on this read.
func (s *Service) Batch(ctx context.Context, id string) (*in.BatchStatus, error) {
	batch, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	requests, err := s.store.BatchRequests(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.batchStatus(ctx, batch, requests)
}

func (s *Service) batchStatus(ctx context.Context, batch *domain.Batch, requests []*domain.Request) (*in.BatchStatus, error) {
	states := make([]domain.RequestState, 0, len(requests))
	for _, req := range requests {
		states = append(states, req.State)

		logs, err := s.store.RequestLogs(ctx, req.ID, 0)
		if err != nil {
			return nil, err
		}
		req.Logs = logs
	}

	return &in.BatchStatus{
		ID:          batch.ID,
		State:       domain.AggregateState(states),
		Requests:    requests,
		Annotations: batch.Annotations,
	}, nil
}

// Request returns a single request with its state history.
func (s *Service) Request(ctx context.Context, id string) (*domain.Request, error) {
	return s.store.GetRequest(ctx, id)
}

// Requests returns one page of requests plus the total match count.
func (s *Service) Requests(ctx context.Context, q out.RequestQuery) ([]*domain.Request, int, error) {
	if q.State != "" && !q.State.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown state %q", domain.ErrInvalidRequest, string(q.State))
	}
	if q.Kind != "" && !q.Kind.Valid() {
		return nil, 0, fmt.Errorf("%w: %q", domain.ErrUnknownKind, string(q.Kind))
	}
	return s.store.ListRequests(ctx, q)
}

// RequestLogs returns a request's log lines starting at offset, including
// partial logs while the build is still running.
func (s *Service) RequestLogs(ctx context.Context, id string, offset int) ([]string, error) {
	if _, err := s.store.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	return s.store.RequestLogs(ctx, id, offset)
}

// Cancel marks a still-queued request failed with a cancellation reason.
// No lock is ever touched: a queued request holds none, and once dispatch
// has acquired one the build is no longer cancellable.
func (s *Service) Cancel(ctx context.Context, id string) error {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return err
	}

	if req.State != domain.StateQueued {
		if req.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", domain.ErrTerminalState, id, req.State)
		}
		return fmt.Errorf("%w: %s is %s", domain.ErrNotCancellable, id, req.State)
	}

	if err := req.Transition(domain.StateFailed, domain.ReasonCancelled, s.nowFn()); err != nil {
		return err
	}
	if err := s.store.SaveTransition(ctx, req, domain.StateQueued); err != nil {
		// the dispatcher won the race and the build is running
		if errors.Is(err, domain.ErrInvalidTransition) {
			return fmt.Errorf("%w: %s was dispatched concurrently", domain.ErrNotCancellable, id)
		}
		return err
	}

	log.Info().Str("request_id", id).Msg("Request cancelled")

	if err := s.bus.Publish(domain.EventRequestTerminal, domain.RequestTerminalPayload{
		RequestID: req.ID,
		BatchID:   req.BatchID,
		State:     domain.StateFailed,
		Reason:    domain.ReasonCancelled,
	}); err != nil {
		log.Warn().Err(err).Str("request_id", id).Msg("Failed to publish terminal event")
	}
	return nil
}
