package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRequest(state RequestState) *Request {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRequest("req-1", "batch-1", KindAdd,
		"registry.example.com/catalog/index:v4.18",
		"registry.example.com/catalog/index:v4.18-amd64",
		"amd64",
		BuildParams{
			Bundles:     []string{"registry.example.com/op/bundle:1.0"},
			FromIndex:   "registry.example.com/catalog/index:v4.18",
			BinaryImage: "registry.example.com/base/binary:latest",
		}, now)
	if state != StateQueued {
		r.State = state
		r.StateReason = "test fixture"
	}
	return r
}

func TestTransitionLifecycle(t *testing.T) {
	tests := []struct {
		name    string
		from    RequestState
		to      RequestState
		wantErr error
	}{
		{name: "queued to in_progress", from: StateQueued, to: StateInProgress},
		{name: "queued to failed on cancel", from: StateQueued, to: StateFailed},
		{name: "queued to complete skips build", from: StateQueued, to: StateComplete, wantErr: ErrInvalidTransition},
		{name: "in_progress to complete", from: StateInProgress, to: StateComplete},
		{name: "in_progress to failed", from: StateInProgress, to: StateFailed},
		{name: "in_progress reason refresh", from: StateInProgress, to: StateInProgress},
		{name: "in_progress back to queued", from: StateInProgress, to: StateQueued, wantErr: ErrInvalidTransition},
		{name: "complete is terminal", from: StateComplete, to: StateFailed, wantErr: ErrTerminalState},
		{name: "failed is terminal", from: StateFailed, to: StateInProgress, wantErr: ErrTerminalState},
		{name: "failed cannot re-fail", from: StateFailed, to: StateFailed, wantErr: ErrTerminalState},
		{name: "unknown state", from: StateQueued, to: RequestState("paused"), wantErr: ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRequest(tt.from)
			now := r.Updated.Add(time.Minute)
			err := r.Transition(tt.to, "next step", now)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, tt.from, r.State, "state must be untouched on rejection")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, r.State)
			assert.Equal(t, "next step", r.StateReason)
			assert.Equal(t, now, r.Updated)
		})
	}
}

func TestTransitionAppendsHistory(t *testing.T) {
	r := newTestRequest(StateQueued)
	base := r.Updated

	require.NoError(t, r.Transition(StateInProgress, ReasonResolving, base.Add(time.Second)))
	require.NoError(t, r.Transition(StateInProgress, ReasonBuilding, base.Add(2*time.Second)))
	require.NoError(t, r.Transition(StateComplete, ReasonComplete, base.Add(3*time.Second)))

	require.Len(t, r.History, 4)
	assert.Equal(t, StateQueued, r.History[0].State)
	assert.Equal(t, ReasonInitiated, r.History[0].Reason)
	assert.Equal(t, ReasonResolving, r.History[1].Reason)
	assert.Equal(t, ReasonBuilding, r.History[2].Reason)
	assert.Equal(t, StateComplete, r.History[3].State)
}

func TestTransitionDuplicateStateAndReason(t *testing.T) {
	r := newTestRequest(StateQueued)
	require.NoError(t, r.Transition(StateInProgress, ReasonResolving, r.Updated.Add(time.Second)))

	err := r.Transition(StateInProgress, ReasonResolving, r.Updated.Add(time.Second))
	assert.ErrorIs(t, err, ErrDuplicateState)
	assert.Len(t, r.History, 2, "duplicate must not grow the history")
}

func TestTerminalStateSurvivesRepeatedSweeps(t *testing.T) {
	r := newTestRequest(StateInProgress)
	require.NoError(t, r.Transition(StateFailed, "The build timed out", r.Updated.Add(time.Hour)))

	// a second sweep finding the same request must change nothing
	for i := 0; i < 3; i++ {
		err := r.Transition(StateFailed, "The build timed out", r.Updated.Add(2*time.Hour))
		assert.ErrorIs(t, err, ErrTerminalState)
	}
	assert.Equal(t, StateFailed, r.State)
	assert.Len(t, r.History, 2)
}

func TestBuildParamsValidate(t *testing.T) {
	add := BuildParams{
		Bundles:     []string{"reg.io/op/bundle:1.0"},
		FromIndex:   "reg.io/catalog/index:v1",
		BinaryImage: "reg.io/base:latest",
	}
	rm := BuildParams{
		Operators:   []string{"etcd-operator"},
		FromIndex:   "reg.io/catalog/index:v1",
		BinaryImage: "reg.io/base:latest",
	}

	tests := []struct {
		name    string
		kind    RequestKind
		mutate  func(*BuildParams)
		params  BuildParams
		wantErr error
	}{
		{name: "valid add", kind: KindAdd, params: add},
		{name: "add without bundles", kind: KindAdd, params: add, mutate: func(p *BuildParams) { p.Bundles = nil }, wantErr: ErrInvalidRequest},
		{name: "add with empty bundle", kind: KindAdd, params: add, mutate: func(p *BuildParams) { p.Bundles = []string{""} }, wantErr: ErrInvalidRequest},
		{name: "add without from_index", kind: KindAdd, params: add, mutate: func(p *BuildParams) { p.FromIndex = "" }, wantErr: ErrInvalidRequest},
		{name: "add without binary_image", kind: KindAdd, params: add, mutate: func(p *BuildParams) { p.BinaryImage = "" }, wantErr: ErrInvalidRequest},
		{name: "valid rm", kind: KindRemove, params: rm},
		{name: "rm without operators", kind: KindRemove, params: rm, mutate: func(p *BuildParams) { p.Operators = nil }, wantErr: ErrInvalidRequest},
		{name: "valid regenerate", kind: KindRegenerateBundle, params: BuildParams{FromBundleImage: "reg.io/op/bundle:1.0"}},
		{name: "regenerate without bundle image", kind: KindRegenerateBundle, params: BuildParams{}, wantErr: ErrInvalidRequest},
		{name: "valid merge", kind: KindMergeIndexImage, params: BuildParams{SourceFromIndex: "reg.io/a:1", TargetIndex: "reg.io/b:1", BinaryImage: "reg.io/base:latest"}},
		{name: "merge without target", kind: KindMergeIndexImage, params: BuildParams{SourceFromIndex: "reg.io/a:1", BinaryImage: "reg.io/base:latest"}, wantErr: ErrInvalidRequest},
		{name: "unknown kind", kind: RequestKind("compose"), params: add, wantErr: ErrUnknownKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.params
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			err := p.Validate(tt.kind)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTargetReferencePerKind(t *testing.T) {
	p := BuildParams{
		FromIndex:       "reg.io/catalog/index:v1",
		FromBundleImage: "reg.io/op/bundle:1.0",
		TargetIndex:     "reg.io/catalog/target:v2",
	}

	tests := []struct {
		kind RequestKind
		want string
	}{
		{KindAdd, p.FromIndex},
		{KindRemove, p.FromIndex},
		{KindRegenerateBundle, p.FromBundleImage},
		{KindMergeIndexImage, p.TargetIndex},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got, err := p.TargetReference(tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := p.TargetReference(RequestKind("compose"))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestKindFanOut(t *testing.T) {
	assert.True(t, KindAdd.MultiArch())
	assert.True(t, KindRemove.MultiArch())
	assert.True(t, KindMergeIndexImage.MultiArch())
	assert.False(t, KindRegenerateBundle.MultiArch())
}
