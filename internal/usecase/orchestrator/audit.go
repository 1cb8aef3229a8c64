package orchestrator

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/bindery-io/bindery/internal/boundaries/out"
	"github.com/bindery-io/bindery/internal/domain"
)

// Ensure Auditor implements out.EventHandler.
var _ out.EventHandler = (*Auditor)(nil)

// Auditor writes the audit trail for lock reclamations. Reclamation is the
// only path that releases a lock out from under its holder, so every
// occurrence is recorded with the full story attached.
type Auditor struct{}

// NewAuditor creates the reclamation audit logger.
func NewAuditor() *Auditor {
	return &Auditor{}
}

// CanHandle subscribes the auditor to lock reclamation events only.
func (a *Auditor) CanHandle(eventType domain.EventType) bool {
	return eventType == domain.EventLockReclaimed
}

// Handle records one reclamation.
func (a *Auditor) Handle(event domain.Event) error {
	payload, ok := event.Data.(domain.LockReclaimedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Data, event.Type)
	}

	log.Warn().
		Str("lock_key", payload.Key).
		Str("holder", payload.Holder).
		Dur("age", payload.Age).
		Str("cause", payload.Cause).
		Msg("Lock reclaimed")
	return nil
}
