package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bindery-io/bindery/internal/domain"
)

func TestAuditorCanHandle(t *testing.T) {
	auditor := NewAuditor()

	assert.True(t, auditor.CanHandle(domain.EventLockReclaimed))
	assert.False(t, auditor.CanHandle(domain.EventRequestTerminal))
	assert.False(t, auditor.CanHandle(domain.EventBatchTerminal))
}

func TestAuditorHandlesReclamation(t *testing.T) {
	auditor := NewAuditor()

	err := auditor.Handle(domain.Event{
		ID:        "evt-1",
		Type:      domain.EventLockReclaimed,
		Timestamp: testTime,
		Data: domain.LockReclaimedPayload{
			Key:    "quay.io/ns/index:v4.18",
			Holder: "req-1",
			Age:    3 * time.Hour,
			Cause:  "holder terminal",
		},
	})

	require.NoError(t, err)
}

func TestAuditorRejectsForeignPayload(t *testing.T) {
	auditor := NewAuditor()

	err := auditor.Handle(domain.Event{
		ID:   "evt-2",
		Type: domain.EventLockReclaimed,
		Data: domain.BatchTerminalPayload{BatchID: "batch-0"},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected payload")
}
