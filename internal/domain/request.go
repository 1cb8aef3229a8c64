// Package domain contains pure business types without external dependencies.
// These types are used throughout the application and have no tags or framework dependencies.
package domain

import (
	"fmt"
	"time"
)

// RequestKind identifies the index operation a build request performs.
// The lifecycle and locking rules are identical for every kind; only the
// builder invocation payload differs.
type RequestKind string

const (
	KindAdd              RequestKind = "add"
	KindRemove           RequestKind = "rm"
	KindRegenerateBundle RequestKind = "regenerate-bundle"
	KindMergeIndexImage  RequestKind = "merge-index-image"
)

// Valid reports whether k is one of the supported request kinds.
func (k RequestKind) Valid() bool {
	switch k {
	case KindAdd, KindRemove, KindRegenerateBundle, KindMergeIndexImage:
		return true
	}
	return false
}

// MultiArch reports whether requests of this kind fan out into one child
// per target architecture. Bundle regeneration operates on a single bundle
// image and always produces a single child.
func (k RequestKind) MultiArch() bool {
	return k != KindRegenerateBundle
}

// RequestState is a request's position in its lifecycle.
type RequestState string

const (
	StateQueued     RequestState = "queued"
	StateInProgress RequestState = "in_progress"
	StateComplete   RequestState = "complete"
	StateFailed     RequestState = "failed"
)

// Terminal reports whether s is a final state. Terminal requests are
// immutable; any further transition is a consistency violation.
func (s RequestState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Valid reports whether s is a known lifecycle state.
func (s RequestState) Valid() bool {
	switch s {
	case StateQueued, StateInProgress, StateComplete, StateFailed:
		return true
	}
	return false
}

// Human-readable state reasons recorded alongside transitions. Failure and
// timeout reasons are composed at the call site; these cover the fixed paths.
const (
	ReasonInitiated = "The request was initiated"
	ReasonResolving = "Resolving the index images"
	ReasonBuilding  = "Building the index image"
	ReasonComplete  = "The request completed successfully"
	ReasonCancelled = "The request was cancelled by the user"
)

// StateChange is one row of a request's state history, newest appended last.
type StateChange struct {
	State   RequestState
	Reason  string
	Updated time.Time
}

// BuildParams carries the kind-specific inputs of a build request. Fields
// not relevant to a request's kind are left at their zero values; Validate
// enforces the per-kind requirements.
type BuildParams struct {
	// add / rm
	Bundles     []string
	Operators   []string
	FromIndex   string
	BinaryImage string
	AddArches   []string
	Overwrite   bool

	// regenerate-bundle
	FromBundleImage string
	Organization    string

	// merge-index-image
	SourceFromIndex string
	TargetIndex     string
	DeprecationList []string
}

// Validate checks the per-kind parameter requirements.
func (p BuildParams) Validate(kind RequestKind) error {
	switch kind {
	case KindAdd:
		if len(p.Bundles) == 0 {
			return fmt.Errorf("%w: bundles must be a non-empty list", ErrInvalidRequest)
		}
		for _, b := range p.Bundles {
			if b == "" {
				return fmt.Errorf("%w: bundles must not contain empty pull specifications", ErrInvalidRequest)
			}
		}
		if p.FromIndex == "" {
			return fmt.Errorf("%w: from_index is required", ErrInvalidRequest)
		}
		if p.BinaryImage == "" {
			return fmt.Errorf("%w: binary_image is required", ErrInvalidRequest)
		}
	case KindRemove:
		if len(p.Operators) == 0 {
			return fmt.Errorf("%w: operators must be a non-empty list", ErrInvalidRequest)
		}
		for _, o := range p.Operators {
			if o == "" {
				return fmt.Errorf("%w: operators must not contain empty names", ErrInvalidRequest)
			}
		}
		if p.FromIndex == "" {
			return fmt.Errorf("%w: from_index is required", ErrInvalidRequest)
		}
		if p.BinaryImage == "" {
			return fmt.Errorf("%w: binary_image is required", ErrInvalidRequest)
		}
	case KindRegenerateBundle:
		if p.FromBundleImage == "" {
			return fmt.Errorf("%w: from_bundle_image is required", ErrInvalidRequest)
		}
	case KindMergeIndexImage:
		if p.SourceFromIndex == "" {
			return fmt.Errorf("%w: source_from_index is required", ErrInvalidRequest)
		}
		if p.TargetIndex == "" {
			return fmt.Errorf("%w: target_index is required", ErrInvalidRequest)
		}
		if p.BinaryImage == "" {
			return fmt.Errorf("%w: binary_image is required", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
	}
	return nil
}

// TargetReference returns the image reference a request of the given kind
// mutates, before canonicalization. This is the reference the lock key is
// derived from.
func (p BuildParams) TargetReference(kind RequestKind) (string, error) {
	switch kind {
	case KindAdd, KindRemove:
		return p.FromIndex, nil
	case KindRegenerateBundle:
		return p.FromBundleImage, nil
	case KindMergeIndexImage:
		return p.TargetIndex, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
}

// BuildResult holds the outputs of a successful build.
type BuildResult struct {
	IndexImage         string
	IndexImageResolved string
	// ArchDigests maps architecture to the digest of its per-arch image.
	ArchDigests map[string]string
}

// Request is the unit of work: one index operation against one target
// reference, for one architecture when the kind fans out. Requests move
// through the queued -> in_progress -> {complete|failed} lifecycle and
// never leave a terminal state.
type Request struct {
	ID      string
	BatchID string
	Kind    RequestKind

	// Target is the canonical reference of the index being mutated.
	// LockKey is the canonical per-architecture reference this request
	// serializes on; it equals Target for single-target kinds.
	Target       string
	LockKey      string
	Architecture string

	Params BuildParams

	State       RequestState
	StateReason string

	// Digest pins captured at dispatch time so the build is immune to
	// tag movement while it runs.
	FromIndexResolved   string
	BinaryImageResolved string

	Result *BuildResult

	// Logs is populated on detail reads; the store owns the full log.
	Logs []string

	History []StateChange

	Created time.Time
	Updated time.Time
}

// validTransitions holds the allowed next states per current state.
// in_progress -> in_progress carries a reason refresh mid-build.
var validTransitions = map[RequestState][]RequestState{
	StateQueued:     {StateInProgress, StateFailed},
	StateInProgress: {StateInProgress, StateComplete, StateFailed},
}

// CanTransition reports whether moving from the current state to next is
// permitted by the lifecycle.
func (r *Request) CanTransition(next RequestState) bool {
	for _, allowed := range validTransitions[r.State] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition moves the request to next with the given reason, appending to
// the state history. It rejects transitions out of terminal states with
// ErrTerminalState, re-assertions of the current state and reason with
// ErrDuplicateState, and anything else outside the lifecycle with
// ErrInvalidTransition. The caller persists the updated request.
func (r *Request) Transition(next RequestState, reason string, now time.Time) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, string(next))
	}
	if r.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, r.ID, r.State)
	}
	if next == r.State && reason == r.StateReason {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateState, next, reason)
	}
	if !r.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, next)
	}

	r.State = next
	r.StateReason = reason
	r.Updated = now
	r.History = append(r.History, StateChange{State: next, Reason: reason, Updated: now})
	return nil
}

// NewRequest assembles a queued request with its initial history entry.
// Validation and reference canonicalization are the caller's concern.
func NewRequest(id, batchID string, kind RequestKind, target, lockKey, arch string, params BuildParams, now time.Time) *Request {
	return &Request{
		ID:           id,
		BatchID:      batchID,
		Kind:         kind,
		Target:       target,
		LockKey:      lockKey,
		Architecture: arch,
		Params:       params,
		State:        StateQueued,
		StateReason:  ReasonInitiated,
		History:      []StateChange{{State: StateQueued, Reason: ReasonInitiated, Updated: now}},
		Created:      now,
		Updated:      now,
	}
}
