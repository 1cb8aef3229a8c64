package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bindery-io/bindery/internal/boundaries/out"
	"github.com/bindery-io/bindery/internal/domain"
)

// Ensure Coordinator implements out.EventHandler.
var _ out.EventHandler = (*Coordinator)(nil)

// Coordinator watches request terminal events and announces batch completion.
// Batch state is always recomputed from the children, never stored, so the
// only job here is noticing the moment a batch has no live children left.
type Coordinator struct {
	store   out.RequestStore
	bus     out.EventPublisher
	timeout time.Duration

	// A failed child makes the aggregate terminal while siblings still
	// run, so later sibling events would re-announce the same batch.
	mu        sync.Mutex
	announced map[string]struct{}
}

// NewCoordinator creates the batch completion watcher.
func NewCoordinator(store out.RequestStore, bus out.EventPublisher) *Coordinator {
	return &Coordinator{
		store:     store,
		bus:       bus,
		timeout:   10 * time.Second,
		announced: make(map[string]struct{}),
	}
}

// CanHandle subscribes the coordinator to request terminal events only.
func (c *Coordinator) CanHandle(eventType domain.EventType) bool {
	return eventType == domain.EventRequestTerminal
}

// Handle recomputes the aggregate state of the finished request's batch and
// publishes a batch terminal event the first time the aggregate turns
// terminal. Events for requests outside any batch are ignored.
func (c *Coordinator) Handle(event domain.Event) error {
	if event.BatchID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	requests, err := c.store.BatchRequests(ctx, event.BatchID)
	if err != nil {
		return err
	}

	states := make([]domain.RequestState, 0, len(requests))
	for _, req := range requests {
		states = append(states, req.State)
	}
	aggregate := domain.AggregateState(states)

	log.Debug().
		Str("batch_id", event.BatchID).
		Str("request_id", event.RequestID).
		Str("state", string(aggregate)).
		Msg("Batch state recomputed")

	if !aggregate.Terminal() {
		return nil
	}

	c.mu.Lock()
	if _, done := c.announced[event.BatchID]; done {
		c.mu.Unlock()
		return nil
	}
	c.announced[event.BatchID] = struct{}{}
	c.mu.Unlock()

	log.Info().
		Str("batch_id", event.BatchID).
		Str("state", string(aggregate)).
		Int("requests", len(requests)).
		Msg("Batch finished")

	return c.bus.Publish(domain.EventBatchTerminal, domain.BatchTerminalPayload{
		BatchID: event.BatchID,
		State:   aggregate,
	})
}
