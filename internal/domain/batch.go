package domain

import "time"

// Batch groups the requests fanned out from a single client submission.
// Its aggregate state is never stored; it is derived from the child states
// on every read so it cannot drift from the children.
type Batch struct {
	ID         string
	RequestIDs []string
	Created    time.Time

	// Annotations are opaque client key/values echoed back on reads.
	Annotations map[string]string
}

// AggregateState derives a batch's state from its child states. The result
// depends only on the multiset of states, never on their order:
//
//   - failed if any child failed, even while siblings are still running
//     (a failed child dooms the batch; non-preemptible siblings finish
//     naturally)
//   - complete if every child completed
//   - in_progress if any child is in progress
//   - queued otherwise
func AggregateState(states []RequestState) RequestState {
	if len(states) == 0 {
		return StateQueued
	}

	complete := 0
	inProgress := false
	for _, s := range states {
		switch s {
		case StateFailed:
			return StateFailed
		case StateComplete:
			complete++
		case StateInProgress:
			inProgress = true
		}
	}

	if complete == len(states) {
		return StateComplete
	}
	if inProgress {
		return StateInProgress
	}
	return StateQueued
}
