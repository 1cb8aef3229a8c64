// Package dispatch runs the worker pool that drives queued requests
// through their builds: oldest first, one live build per lock key, and
// a non-blocking skip when a target is busy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/bindery-io/bindery/internal/boundaries/out"
	"github.com/bindery-io/bindery/internal/domain"
)

const (
	defaultWorkers      = 4
	defaultPollInterval = 5 * time.Second
	defaultBuildTimeout = 2 * time.Hour

	// queueBurst widens each poll beyond the worker count so requests
	// behind a busy target do not block dispatchable ones.
	queueBurst = 4
)

// Config tunes the dispatcher. Zero values fall back to defaults.
type Config struct {
	Workers      int
	PollInterval time.Duration
	BuildTimeout time.Duration
}

// Dispatcher polls the queue and fans requests out to a bounded worker
// pool. Each worker owns one request end to end: lock, digest pins,
// build, terminal transition, release.
type Dispatcher struct {
	store    out.RequestStore
	locks    out.LockRegistry
	resolver out.ImageResolver
	builder  out.Builder
	bus      out.EventPublisher

	workers      int
	pollInterval time.Duration
	buildTimeout time.Duration

	pool    *errgroup.Group
	stopCh  chan struct{}
	stopped chan struct{}

	mu       sync.Mutex
	inFlight map[string]struct{}

	nowFn func() time.Time
}

// New creates a dispatcher around the given adapters.
func New(store out.RequestStore, locks out.LockRegistry, resolver out.ImageResolver, builder out.Builder, bus out.EventPublisher, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = defaultBuildTimeout
	}

	pool := &errgroup.Group{}
	pool.SetLimit(cfg.Workers)

	return &Dispatcher{
		store:        store,
		locks:        locks,
		resolver:     resolver,
		builder:      builder,
		bus:          bus,
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		buildTimeout: cfg.BuildTimeout,
		pool:         pool,
		stopCh:       make(chan struct{}),
		stopped:      make(chan struct{}),
		inFlight:     make(map[string]struct{}),
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Start begins the background polling loop.
func (d *Dispatcher) Start(ctx context.Context) {
	log.Info().
		Int("workers", d.workers).
		Dur("poll_interval", d.pollInterval).
		Dur("build_timeout", d.buildTimeout).
		Msg("Dispatcher started")

	go d.run(ctx)
}

// Stop signals the loop to stop and waits for in-flight workers. Workers
// only return promptly once the Start context is cancelled, since builds
// are non-preemptible from the outside.
func (d *Dispatcher) Stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
	<-d.stopped
	_ = d.pool.Wait()
	log.Info().Msg("Dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.stopped)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.dispatchQueued(ctx)

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchQueued(ctx)
		}
	}
}

// dispatchQueued hands queued requests to free workers, oldest first.
// A busy target is skipped, never waited on; the request stays queued
// and is picked up again on a later poll.
func (d *Dispatcher) dispatchQueued(ctx context.Context) {
	queued, err := d.store.NextQueued(ctx, d.workers*queueBurst)
	if err != nil {
		log.Error().Err(err).Msg("Failed to poll the queue")
		return
	}

	for _, req := range queued {
		if !d.claim(req.ID) {
			continue
		}

		started := d.pool.TryGo(func() error {
			defer d.unclaim(req.ID)
			d.process(ctx, req)
			return nil
		})
		if !started {
			d.unclaim(req.ID)
			return
		}
	}
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inFlight[id]; busy {
		return false
	}
	d.inFlight[id] = struct{}{}
	return true
}

func (d *Dispatcher) unclaim(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, id)
}

// process drives one request from queued to a terminal state. The lock
// is held for the whole build and released exactly once at the end, no
// matter how the build went.
func (d *Dispatcher) process(ctx context.Context, req *domain.Request) {
	logger := log.With().
		Str("request_id", req.ID).
		Str("lock_key", req.LockKey).
		Str("kind", string(req.Kind)).
		Logger()

	if err := d.locks.Acquire(ctx, req.LockKey, req.ID); err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			logger.Debug().Msg("Target busy, request stays queued")
			return
		}
		logger.Error().Err(err).Msg("Failed to acquire build lock")
		return
	}

	// Terminal writes and the release must survive loop-context
	// cancellation during shutdown.
	persistCtx := context.WithoutCancel(ctx)

	defer func() {
		if err := d.locks.Release(persistCtx, req.LockKey, req.ID); err != nil {
			logger.Warn().Err(err).Msg("Build lock was reclaimed mid-build")
		}
	}()

	if err := req.Transition(domain.StateInProgress, domain.ReasonResolving, d.nowFn()); err != nil {
		logger.Warn().Err(err).Msg("Request no longer dispatchable")
		return
	}
	if err := d.saveTransition(persistCtx, req, domain.StateQueued); err != nil {
		// cancellation won the race between the poll and this write
		logger.Warn().Err(err).Msg("Lost the dispatch race")
		return
	}

	d.publish(domain.EventRequestDispatched, domain.RequestDispatchedPayload{
		RequestID:    req.ID,
		BatchID:      req.BatchID,
		LockKey:      req.LockKey,
		Architecture: req.Architecture,
	})

	if err := d.pinInputs(ctx, req); err != nil {
		d.fail(persistCtx, req, fmt.Sprintf("Failed to resolve the index images: %v", err), logger)
		return
	}

	if err := req.Transition(domain.StateInProgress, domain.ReasonBuilding, d.nowFn()); err != nil {
		logger.Warn().Err(err).Msg("Request no longer buildable")
		return
	}
	if err := d.saveTransition(persistCtx, req, domain.StateInProgress); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist build start")
		return
	}

	buildCtx, cancel := context.WithTimeout(ctx, d.buildTimeout)
	defer cancel()

	sink := &storeSink{ctx: persistCtx, store: d.store, requestID: req.ID}
	outcome, err := d.builder.Invoke(buildCtx, req, sink)
	if err != nil {
		d.fail(persistCtx, req, d.failureReason(ctx, buildCtx, err), logger)
		return
	}

	req.Result = &domain.BuildResult{
		IndexImage:         outcome.IndexImage,
		IndexImageResolved: outcome.IndexImageResolved,
		ArchDigests:        outcome.ArchDigests,
	}
	if err := req.Transition(domain.StateComplete, domain.ReasonComplete, d.nowFn()); err != nil {
		logger.Warn().Err(err).Msg("Request completed but is already terminal")
		return
	}
	if err := d.saveTransition(persistCtx, req, domain.StateInProgress); err != nil {
		logger.Error().Err(err).Msg("Failed to persist completion")
		return
	}

	logger.Info().Str("index_image", outcome.IndexImage).Msg("Request completed")
	d.publish(domain.EventRequestTerminal, domain.RequestTerminalPayload{
		RequestID: req.ID,
		BatchID:   req.BatchID,
		State:     domain.StateComplete,
		Reason:    domain.ReasonComplete,
	})
}

// pinInputs resolves the request's input references to digests so the
// build is immune to tags moving underneath it.
func (d *Dispatcher) pinInputs(ctx context.Context, req *domain.Request) error {
	primary := req.Params.FromIndex
	switch req.Kind {
	case domain.KindRegenerateBundle:
		primary = req.Params.FromBundleImage
	case domain.KindMergeIndexImage:
		primary = req.Params.SourceFromIndex
	}

	resolved, err := d.resolver.Resolve(ctx, primary)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrUnresolvable, primary, err)
	}
	req.FromIndexResolved = resolved.Digest

	if req.Params.BinaryImage != "" {
		binary, err := d.resolver.Resolve(ctx, req.Params.BinaryImage)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrUnresolvable, req.Params.BinaryImage, err)
		}
		req.BinaryImageResolved = binary.Digest
	}
	return nil
}

func (d *Dispatcher) failureReason(ctx, buildCtx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return "The build was interrupted by service shutdown"
	case errors.Is(buildCtx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("%v of %s", domain.ErrBuildTimeout, d.buildTimeout)
	default:
		return err.Error()
	}
}

// fail moves the request to failed with the given reason. A request the
// sweeper already force-failed is left alone.
func (d *Dispatcher) fail(ctx context.Context, req *domain.Request, reason string, logger zerolog.Logger) {
	prev := req.State
	if err := req.Transition(domain.StateFailed, reason, d.nowFn()); err != nil {
		logger.Warn().Err(err).Msg("Request already terminal")
		return
	}
	if err := d.saveTransition(ctx, req, prev); err != nil {
		if errors.Is(err, domain.ErrTerminalState) {
			logger.Warn().Err(err).Msg("Request already terminal")
			return
		}
		logger.Error().Err(err).Msg("Failed to persist failure")
		return
	}

	logger.Warn().Str("reason", reason).Msg("Request failed")
	d.publish(domain.EventRequestTerminal, domain.RequestTerminalPayload{
		RequestID: req.ID,
		BatchID:   req.BatchID,
		State:     domain.StateFailed,
		Reason:    reason,
	})
}

// saveTransition retries transient persistence errors with jittered
// exponential backoff. Lifecycle guard errors are never retried.
func (d *Dispatcher) saveTransition(ctx context.Context, req *domain.Request, prev domain.RequestState) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 10 * time.Second

	return backoff.Retry(func() error {
		err := d.store.SaveTransition(ctx, req, prev)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrTerminalState),
			errors.Is(err, domain.ErrInvalidTransition),
			errors.Is(err, domain.ErrRequestNotFound):
			return backoff.Permanent(err)
		default:
			return err
		}
	}, backoff.WithContext(policy, ctx))
}

func (d *Dispatcher) publish(eventType domain.EventType, payload any) {
	if err := d.bus.Publish(eventType, payload); err != nil {
		log.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}

// storeSink streams builder output into the request's persisted log so
// clients polling mid-build see partial output.
type storeSink struct {
	ctx       context.Context
	store     out.RequestStore
	requestID string
}

func (s *storeSink) WriteLine(line string) {
	if err := s.store.AppendLogLines(s.ctx, s.requestID, []string{line}); err != nil {
		log.Warn().Err(err).Str("request_id", s.requestID).Msg("Failed to append build log line")
	}
}
