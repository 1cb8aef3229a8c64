package sweeper

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bindery-io/bindery/internal/adapters/out/lockstore"
	"github.com/bindery-io/bindery/internal/adapters/out/sqlitestore"
	"github.com/bindery-io/bindery/internal/boundaries/out"
	"github.com/bindery-io/bindery/internal/domain"
)

// MockEventPublisher is a mock implementation of out.EventPublisher.
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(eventType domain.EventType, payload any) error {
	args := m.Called(eventType, payload)
	return args.Error(0)
}

var sweepNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

type harness struct {
	sweeper *Sweeper
	store   *sqlitestore.Store
	locks   *lockstore.Registry
	bus     *MockEventPublisher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "bindery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	locks, err := lockstore.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = locks.Close() })

	bus := &MockEventPublisher{}
	sw := New(store, locks, bus, cfg)
	sw.nowFn = func() time.Time { return sweepNow }

	return &harness{sweeper: sw, store: store, locks: locks, bus: bus}
}

func seedRequest(t *testing.T, store *sqlitestore.Store, id string, created time.Time) *domain.Request {
	t.Helper()

	index := "quay.io/ns/index:v4.18"
	params := domain.BuildParams{
		Bundles:     []string{"quay.io/ns/operator-bundle:v1.0"},
		FromIndex:   index,
		BinaryImage: "quay.io/ns/opm-binary:v1.26",
	}
	lockKey, err := domain.ArchReference(index, "amd64")
	require.NoError(t, err)

	req := domain.NewRequest(id, "batch-"+id, domain.KindAdd, index, lockKey, "amd64", params, created)
	batch := &domain.Batch{ID: "batch-" + id, RequestIDs: []string{id}, Created: created}
	require.NoError(t, store.CreateBatch(context.Background(), batch, []*domain.Request{req}))
	return req
}

func moveTo(t *testing.T, store *sqlitestore.Store, req *domain.Request, state domain.RequestState, reason string, at time.Time) {
	t.Helper()
	prev := req.State
	require.NoError(t, req.Transition(state, reason, at))
	require.NoError(t, store.SaveTransition(context.Background(), req, prev))
}

func TestRunOnceFailsStaleRequest(t *testing.T) {
	h := newHarness(t, Config{MaxBuildDuration: 2 * time.Hour})
	ctx := context.Background()

	req := seedRequest(t, h.store, "req-stale", sweepNow.Add(-3*time.Hour))
	moveTo(t, h.store, req, domain.StateInProgress, domain.ReasonBuilding, sweepNow.Add(-3*time.Hour))
	require.NoError(t, h.locks.Acquire(ctx, req.LockKey, req.ID))

	h.bus.On("Publish", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, h.sweeper.RunOnce(ctx))

	got, err := h.store.GetRequest(ctx, "req-stale")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Contains(t, got.StateReason, "maximum duration")
	assert.Contains(t, got.StateReason, "recovery sweep")

	// the lock is free for the next build
	assert.NoError(t, h.locks.Acquire(ctx, req.LockKey, "someone-else"))

	h.bus.AssertCalled(t, "Publish", domain.EventRequestTerminal, mock.MatchedBy(func(p domain.RequestTerminalPayload) bool {
		return p.RequestID == "req-stale" && p.State == domain.StateFailed
	}))
	h.bus.AssertCalled(t, "Publish", domain.EventLockReclaimed, mock.MatchedBy(func(p domain.LockReclaimedPayload) bool {
		return p.Key == req.LockKey && p.Holder == "req-stale"
	}))
}

func TestRunOnceSparesActiveBuild(t *testing.T) {
	h := newHarness(t, Config{MaxBuildDuration: 2 * time.Hour})
	ctx := context.Background()

	req := seedRequest(t, h.store, "req-live", sweepNow.Add(-30*time.Minute))
	moveTo(t, h.store, req, domain.StateInProgress, domain.ReasonBuilding, sweepNow.Add(-10*time.Minute))
	require.NoError(t, h.locks.Acquire(ctx, req.LockKey, req.ID))

	require.NoError(t, h.sweeper.RunOnce(ctx))

	got, err := h.store.GetRequest(ctx, "req-live")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInProgress, got.State)

	// the lock stays with the live holder
	assert.ErrorIs(t, h.locks.Acquire(ctx, req.LockKey, "someone-else"), domain.ErrLockHeld)
	h.bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestRunOnceReclaimsLockOfFinishedHolder(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	req := seedRequest(t, h.store, "req-done", sweepNow.Add(-2*time.Hour))
	moveTo(t, h.store, req, domain.StateInProgress, domain.ReasonBuilding, sweepNow.Add(-90*time.Minute))
	moveTo(t, h.store, req, domain.StateComplete, domain.ReasonComplete, sweepNow.Add(-time.Hour))

	// the worker crashed between persisting completion and releasing
	require.NoError(t, h.locks.Acquire(ctx, req.LockKey, req.ID))

	h.bus.On("Publish", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, h.sweeper.RunOnce(ctx))

	assert.NoError(t, h.locks.Acquire(ctx, req.LockKey, "someone-else"))

	got, err := h.store.GetRequest(ctx, "req-done")
	require.NoError(t, err)
	assert.Equal(t, domain.StateComplete, got.State)

	h.bus.AssertCalled(t, "Publish", domain.EventLockReclaimed, mock.MatchedBy(func(p domain.LockReclaimedPayload) bool {
		return p.Cause == "the holder request finished without releasing"
	}))
	h.bus.AssertNotCalled(t, "Publish", domain.EventRequestTerminal, mock.Anything)
}

func TestRunOnceSparesRecentlyFinishedHolder(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	req := seedRequest(t, h.store, "req-just-done", sweepNow.Add(-time.Hour))
	moveTo(t, h.store, req, domain.StateInProgress, domain.ReasonBuilding, sweepNow.Add(-30*time.Minute))
	moveTo(t, h.store, req, domain.StateComplete, domain.ReasonComplete, sweepNow.Add(-time.Minute))
	require.NoError(t, h.locks.Acquire(ctx, req.LockKey, req.ID))

	require.NoError(t, h.sweeper.RunOnce(ctx))

	// inside the reclaim grace the worker's own release is still expected
	assert.ErrorIs(t, h.locks.Acquire(ctx, req.LockKey, "someone-else"), domain.ErrLockHeld)
	h.bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

// staleSnapshotLocks replays a fixed snapshot over the real registry, so a
// sweep decides from a view the ledger has since moved past.
type staleSnapshotLocks struct {
	*lockstore.Registry
	snapshot []out.LockInfo
}

func (s *staleSnapshotLocks) Snapshot(context.Context) ([]out.LockInfo, error) {
	return s.snapshot, nil
}

func TestRunOnceLeavesReacquiredLockAlone(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	done := seedRequest(t, h.store, "req-done", sweepNow.Add(-3*time.Hour))
	moveTo(t, h.store, done, domain.StateInProgress, domain.ReasonBuilding, sweepNow.Add(-2*time.Hour))
	moveTo(t, h.store, done, domain.StateComplete, domain.ReasonComplete, sweepNow.Add(-time.Hour))

	live := seedRequest(t, h.store, "req-live", sweepNow.Add(-10*time.Minute))
	moveTo(t, h.store, live, domain.StateInProgress, domain.ReasonBuilding, sweepNow.Add(-5*time.Minute))

	// req-done released on its own and req-live took the key before this
	// sweep ran, but the sweep still sees req-done as the holder.
	require.NoError(t, h.locks.Acquire(ctx, done.LockKey, "req-live"))
	stale := &staleSnapshotLocks{Registry: h.locks, snapshot: []out.LockInfo{{
		Key:        done.LockKey,
		Holder:     "req-done",
		AcquiredAt: sweepNow.Add(-3 * time.Hour),
	}}}

	sw := New(h.store, stale, h.bus, Config{})
	sw.nowFn = func() time.Time { return sweepNow }

	h.bus.On("Publish", mock.Anything, mock.Anything).Return(nil)
	require.NoError(t, sw.RunOnce(ctx))

	// the live holder keeps the lock and no reclamation is announced
	assert.ErrorIs(t, h.locks.Acquire(ctx, done.LockKey, "req-next"), domain.ErrLockHeld)
	h.bus.AssertNotCalled(t, "Publish", domain.EventLockReclaimed, mock.Anything)
}

func TestRunOnceReclaimsVanishedHolderLock(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.locks.Acquire(ctx, "quay.io/ns/index:v4.18-amd64", "ghost-request"))
	h.bus.On("Publish", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, h.sweeper.RunOnce(ctx))

	assert.NoError(t, h.locks.Acquire(ctx, "quay.io/ns/index:v4.18-amd64", "someone-else"))
	h.bus.AssertCalled(t, "Publish", domain.EventLockReclaimed, mock.MatchedBy(func(p domain.LockReclaimedPayload) bool {
		return p.Holder == "ghost-request" && p.Cause == "the holder request no longer exists"
	}))
}

func TestRunOncePurgesExpiredBatches(t *testing.T) {
	h := newHarness(t, Config{Retention: time.Hour})
	ctx := context.Background()

	old := seedRequest(t, h.store, "req-old", sweepNow.Add(-3*time.Hour))
	moveTo(t, h.store, old, domain.StateInProgress, domain.ReasonBuilding, sweepNow.Add(-3*time.Hour))
	moveTo(t, h.store, old, domain.StateFailed, "error: opm exited with status 1", sweepNow.Add(-2*time.Hour))

	fresh := seedRequest(t, h.store, "req-fresh", sweepNow.Add(-30*time.Minute))
	moveTo(t, h.store, fresh, domain.StateInProgress, domain.ReasonBuilding, sweepNow.Add(-20*time.Minute))
	moveTo(t, h.store, fresh, domain.StateComplete, domain.ReasonComplete, sweepNow.Add(-10*time.Minute))

	h.bus.On("Publish", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, h.sweeper.RunOnce(ctx))

	_, err := h.store.GetBatch(ctx, "batch-req-old")
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)

	_, err = h.store.GetBatch(ctx, "batch-req-fresh")
	assert.NoError(t, err)
}

func TestRunOnceRetentionDisabled(t *testing.T) {
	h := newHarness(t, Config{Retention: -1})
	ctx := context.Background()

	old := seedRequest(t, h.store, "req-old", sweepNow.Add(-400*time.Hour))
	moveTo(t, h.store, old, domain.StateInProgress, domain.ReasonBuilding, sweepNow.Add(-400*time.Hour))
	moveTo(t, h.store, old, domain.StateFailed, "error: opm exited with status 1", sweepNow.Add(-399*time.Hour))

	require.NoError(t, h.sweeper.RunOnce(ctx))

	_, err := h.store.GetBatch(ctx, "batch-req-old")
	assert.NoError(t, err)
}

func TestStartSweepsOnInterval(t *testing.T) {
	h := newHarness(t, Config{Interval: 20 * time.Millisecond, MaxBuildDuration: 2 * time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := seedRequest(t, h.store, "req-stale", sweepNow.Add(-3*time.Hour))
	moveTo(t, h.store, req, domain.StateInProgress, domain.ReasonBuilding, sweepNow.Add(-3*time.Hour))

	h.bus.On("Publish", mock.Anything, mock.Anything).Return(nil)

	h.sweeper.Start(ctx)
	defer h.sweeper.Stop()

	require.Eventually(t, func() bool {
		got, err := h.store.GetRequest(context.Background(), "req-stale")
		return err == nil && got.State == domain.StateFailed
	}, 2*time.Second, 10*time.Millisecond)
}
