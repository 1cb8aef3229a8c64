// Package sweeper implements the recovery loop: it force-fails requests
// stuck in progress past the maximum build duration, reclaims locks whose
// holders finished or vanished without releasing, and prunes old terminal
// batches. It is the only component allowed to release a lock it does not
// hold.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/bindery-io/bindery/internal/boundaries/out"
	"github.com/bindery-io/bindery/internal/domain"
)

const (
	defaultInterval  = time.Minute
	defaultMaxBuild  = 2 * time.Hour
	defaultGrace     = 30 * time.Minute
	defaultRetention = 30 * 24 * time.Hour
)

// Config tunes the sweeper. Zero values fall back to defaults; a negative
// Retention disables batch pruning.
type Config struct {
	Interval         time.Duration
	MaxBuildDuration time.Duration
	ReclaimGrace     time.Duration
	Retention        time.Duration
}

// Sweeper periodically restores the invariant that every live lock has a
// live holder and no request stays in progress forever.
type Sweeper struct {
	store out.RequestStore
	locks out.LockRegistry
	bus   out.EventPublisher

	interval  time.Duration
	maxBuild  time.Duration
	grace     time.Duration
	retention time.Duration

	stopCh  chan struct{}
	stopped chan struct{}

	nowFn func() time.Time
}

// New creates a sweeper around the given adapters.
func New(store out.RequestStore, locks out.LockRegistry, bus out.EventPublisher, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxBuildDuration <= 0 {
		cfg.MaxBuildDuration = defaultMaxBuild
	}
	if cfg.ReclaimGrace <= 0 {
		cfg.ReclaimGrace = defaultGrace
	}
	if cfg.Retention == 0 {
		cfg.Retention = defaultRetention
	}

	return &Sweeper{
		store:     store,
		locks:     locks,
		bus:       bus,
		interval:  cfg.Interval,
		maxBuild:  cfg.MaxBuildDuration,
		grace:     cfg.ReclaimGrace,
		retention: cfg.Retention,
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
		nowFn: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Start begins the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	log.Info().
		Dur("interval", s.interval).
		Dur("max_build_duration", s.maxBuild).
		Msg("Recovery sweeper started")

	go s.run(ctx)
}

// Stop signals the loop to stop and waits for it to finish.
func (s *Sweeper) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.stopped
	log.Info().Msg("Recovery sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Sweep finished with errors")
			}
		}
	}
}

// RunOnce performs a single sweep. It is also the startup recovery pass,
// run once before dispatching resumes so requests orphaned by a crash are
// failed and their locks freed.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	now := s.nowFn()
	return errors.Join(
		s.failStale(ctx, now),
		s.reclaimOrphans(ctx, now),
		s.purge(ctx, now),
	)
}

// failStale force-fails in-progress requests untouched for longer than the
// maximum build duration and reclaims their locks. A request the worker
// finishes concurrently is left alone.
func (s *Sweeper) failStale(ctx context.Context, now time.Time) error {
	stale, err := s.store.StaleInProgress(ctx, now.Add(-s.maxBuild))
	if err != nil {
		return fmt.Errorf("failed to scan for stale requests: %w", err)
	}

	var errs []error
	for _, req := range stale {
		age := now.Sub(req.Updated)
		reason := fmt.Sprintf("The build exceeded the maximum duration of %s and was failed by the recovery sweep", s.maxBuild)

		prev := req.State
		if err := req.Transition(domain.StateFailed, reason, now); err != nil {
			continue
		}
		if err := s.saveTransition(ctx, req, prev); err != nil {
			if errors.Is(err, domain.ErrTerminalState) || errors.Is(err, domain.ErrInvalidTransition) {
				log.Debug().Str("request_id", req.ID).Msg("Stale request finished on its own")
				continue
			}
			errs = append(errs, err)
			continue
		}

		log.Warn().
			Str("request_id", req.ID).
			Str("lock_key", req.LockKey).
			Dur("age", age).
			Msg("Stale request force-failed")

		s.publish(domain.EventRequestTerminal, domain.RequestTerminalPayload{
			RequestID: req.ID,
			BatchID:   req.BatchID,
			State:     domain.StateFailed,
			Reason:    reason,
		})
		s.reclaim(ctx, req.LockKey, req.ID, age, "the build exceeded the maximum duration")
	}
	return errors.Join(errs...)
}

// reclaimOrphans frees locks whose holder is terminal, gone, or silent
// past the maximum build duration plus grace. Locks with a live holder
// are never touched, and a terminal holder gets the reclaim grace to
// release on its own first: the worker frees the lock right after its
// terminal write, so reclaiming inside that window would race the
// release and could displace whoever acquires the key next.
func (s *Sweeper) reclaimOrphans(ctx context.Context, now time.Time) error {
	snapshot, err := s.locks.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot locks: %w", err)
	}

	var errs []error
	for _, lock := range snapshot {
		age := now.Sub(lock.AcquiredAt)

		holder, err := s.store.GetRequest(ctx, lock.Holder)
		switch {
		case errors.Is(err, domain.ErrRequestNotFound):
			s.reclaim(ctx, lock.Key, lock.Holder, age, "the holder request no longer exists")
		case err != nil:
			errs = append(errs, err)
		case holder.State.Terminal() && now.Sub(holder.Updated) > s.grace:
			s.reclaim(ctx, lock.Key, lock.Holder, age, "the holder request finished without releasing")
		case holder.State.Terminal():
			// within grace: the worker's own release is still in flight
		case age > s.maxBuild+s.grace:
			s.reclaim(ctx, lock.Key, lock.Holder, age, "the lock outlived the maximum build duration")
		}
	}
	return errors.Join(errs...)
}

// reclaim force-releases a key, conditional on the holder observed in the
// snapshot, and records the displacement for audit.
func (s *Sweeper) reclaim(ctx context.Context, key, holder string, age time.Duration, cause string) {
	displaced, err := s.locks.ForceRelease(ctx, key, holder)
	if err != nil {
		log.Error().Err(err).Str("lock_key", key).Msg("Failed to reclaim lock")
		return
	}
	if !displaced {
		return
	}

	s.publish(domain.EventLockReclaimed, domain.LockReclaimedPayload{
		Key:    key,
		Holder: holder,
		Age:    age,
		Cause:  cause,
	})
}

func (s *Sweeper) purge(ctx context.Context, now time.Time) error {
	if s.retention < 0 {
		return nil
	}

	purged, err := s.store.PurgeTerminalBatches(ctx, now.Add(-s.retention))
	if err != nil {
		return fmt.Errorf("failed to purge old batches: %w", err)
	}
	if purged > 0 {
		log.Info().Int("batches", purged).Msg("Old terminal batches purged")
	}
	return nil
}

// saveTransition retries transient persistence errors with jittered
// exponential backoff; lifecycle guard misses surface immediately.
func (s *Sweeper) saveTransition(ctx context.Context, req *domain.Request, prev domain.RequestState) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		err := s.store.SaveTransition(ctx, req, prev)
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

func (s *Sweeper) publish(eventType domain.EventType, payload any) {
	if err := s.bus.Publish(eventType, payload); err != nil {
		log.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}
