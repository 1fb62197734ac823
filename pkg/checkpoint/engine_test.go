package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclance/conductor/pkg/fleetstate"
)

// fakeStore is a minimal in-memory store.Store stand-in, just enough to
// exercise the Engine without a SQL backend.
type fakeStore struct {
	checkpoints map[string]*fleetstate.Checkpoint
	states      map[string]*fleetstate.AgentState
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		checkpoints: make(map[string]*fleetstate.Checkpoint),
		states:      make(map[string]*fleetstate.AgentState),
	}
}

func (f *fakeStore) GetProject(context.Context) (*fleetstate.Project, bool, error) { return nil, false, nil }
func (f *fakeStore) PutProject(context.Context, *fleetstate.Project) error          { return nil }
func (f *fakeStore) UpsertAgentState(_ context.Context, s *fleetstate.AgentState) error {
	f.states[s.Role] = s
	return nil
}
func (f *fakeStore) GetAgentState(_ context.Context, role string) (*fleetstate.AgentState, bool, error) {
	s, ok := f.states[role]
	return s, ok, nil
}
func (f *fakeStore) ListAgentStates(context.Context) ([]*fleetstate.AgentState, error) { return nil, nil }
func (f *fakeStore) CommitTransition(_ context.Context, s *fleetstate.AgentState, _ *fleetstate.AgentMessage) error {
	f.states[s.Role] = s
	return nil
}
func (f *fakeStore) CommitCheckpoint(_ context.Context, cp *fleetstate.Checkpoint, s *fleetstate.AgentState) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	f.checkpoints[cp.Role] = cp
	if s != nil {
		f.states[s.Role] = s
	}
	return nil
}
func (f *fakeStore) LatestCheckpoint(_ context.Context, role string) (*fleetstate.Checkpoint, bool, error) {
	cp, ok := f.checkpoints[role]
	return cp, ok, nil
}
func (f *fakeStore) AppendMessage(context.Context, *fleetstate.AgentMessage) error { return nil }
func (f *fakeStore) MessagesSince(context.Context, string, time.Time) ([]*fleetstate.AgentMessage, error) {
	return nil, nil
}
func (f *fakeStore) TailMessages(context.Context, int) ([]*fleetstate.AgentMessage, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

// B3: no prior checkpoint yields the sentinel, not an empty string.
func TestResumeDocument_NoCheckpointSentinel(t *testing.T) {
	e := New(newFakeStore(), nil)
	doc, err := e.ResumeDocument(context.Background(), "A", false)
	require.NoError(t, err)
	assert.Equal(t, NoCheckpointSentinel, doc)
}

// L1: the resume document contains every completed item checked, every
// pending item unchecked, plus the summary.
func TestResumeDocument_ContainsAllItems(t *testing.T) {
	fs := newFakeStore()
	e := New(fs, nil)

	cp := &fleetstate.Checkpoint{
		Role: "A", Summary: "halfway there",
		Completed: []string{"a", "b"}, Pending: []string{"c"},
		CompletedCount: 2, TotalCount: 3,
	}
	require.NoError(t, e.Record(context.Background(), cp, &fleetstate.AgentState{Role: "A"}))

	doc, err := e.ResumeDocument(context.Background(), "A", false)
	require.NoError(t, err)
	assert.Contains(t, doc, "halfway there")
	assert.Contains(t, doc, "[x] a")
	assert.Contains(t, doc, "[x] b")
	assert.Contains(t, doc, "[ ] c")
	assert.Contains(t, doc, ResumeBanner)
}

func TestResumeDocument_ReducedScopeNarrowsToSmallest(t *testing.T) {
	fs := newFakeStore()
	e := New(fs, nil)

	cp := &fleetstate.Checkpoint{
		Role: "A", Completed: nil,
		Pending:        []string{"a longer pending item", "short"},
		CompletedCount: 0, TotalCount: 2,
	}
	require.NoError(t, e.Record(context.Background(), cp, &fleetstate.AgentState{Role: "A"}))

	doc, err := e.ResumeDocument(context.Background(), "A", true)
	require.NoError(t, err)
	assert.Contains(t, doc, ReducedScopeBanner)
	assert.Contains(t, doc, "[ ] short")
	assert.NotContains(t, doc, "a longer pending item")
}

func TestRecord_RejectsInvalidCounts(t *testing.T) {
	e := New(newFakeStore(), nil)
	cp := &fleetstate.Checkpoint{Role: "A", CompletedCount: 1, Pending: []string{"y", "z"}, TotalCount: 5}
	err := e.Record(context.Background(), cp, &fleetstate.AgentState{Role: "A"})
	assert.Error(t, err)
}
