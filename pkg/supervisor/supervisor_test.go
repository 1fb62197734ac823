package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arclance/conductor/pkg/checkpoint"
	"github.com/arclance/conductor/pkg/fleetstate"
	"github.com/arclance/conductor/pkg/heartbeat"
	"github.com/arclance/conductor/pkg/launcher"
	"github.com/arclance/conductor/pkg/roster"
)

// memStore is a minimal in-memory store.Store stand-in for exercising the
// Supervisor's sweeps without a SQL backend.
type memStore struct {
	mu          sync.Mutex
	project     *fleetstate.Project
	states      map[string]*fleetstate.AgentState
	messages    []*fleetstate.AgentMessage
	checkpoints map[string]*fleetstate.Checkpoint
}

func newMemStore() *memStore {
	return &memStore{
		states:      make(map[string]*fleetstate.AgentState),
		checkpoints: make(map[string]*fleetstate.Checkpoint),
	}
}

func (m *memStore) GetProject(context.Context) (*fleetstate.Project, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.project, m.project != nil, nil
}
func (m *memStore) PutProject(_ context.Context, p *fleetstate.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.project = p
	return nil
}
func (m *memStore) UpsertAgentState(_ context.Context, s *fleetstate.AgentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.Role] = s
	return nil
}
func (m *memStore) GetAgentState(_ context.Context, role string) (*fleetstate.AgentState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[role]
	return s, ok, nil
}
func (m *memStore) ListAgentStates(context.Context) ([]*fleetstate.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*fleetstate.AgentState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	return out, nil
}
func (m *memStore) CommitTransition(_ context.Context, s *fleetstate.AgentState, msg *fleetstate.AgentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.Role] = s
	if msg != nil {
		m.messages = append(m.messages, msg)
	}
	return nil
}
func (m *memStore) CommitCheckpoint(_ context.Context, cp *fleetstate.Checkpoint, s *fleetstate.AgentState) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.Role] = cp
	if s != nil {
		m.states[s.Role] = s
	}
	return nil
}
func (m *memStore) LatestCheckpoint(_ context.Context, role string) (*fleetstate.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[role]
	return cp, ok, nil
}
func (m *memStore) AppendMessage(_ context.Context, msg *fleetstate.AgentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}
func (m *memStore) MessagesSince(context.Context, string, time.Time) ([]*fleetstate.AgentMessage, error) {
	return nil, nil
}
func (m *memStore) TailMessages(context.Context, int) ([]*fleetstate.AgentMessage, error) { return nil, nil }
func (m *memStore) Close() error                                                          { return nil }

func newTestSupervisor(t *testing.T, entries []roster.Entry, maxRetries int) (*Supervisor, *memStore) {
	t.Helper()
	ros, err := roster.New(entries, nil)
	require.NoError(t, err)

	ms := newMemStore()
	tracker := heartbeat.New(time.Minute)
	cp := checkpoint.New(ms, nil)
	lnch := launcher.New("true", nil, time.Second, nil)

	s := New(Config{
		Store: ms, Roster: ros, Tracker: tracker, Checkpoint: cp, Launcher: lnch,
		ProjectName: "test", PollingInterval: time.Hour, DefaultTimeout: time.Minute,
		SpawningGrace: time.Minute, MaxRetries: maxRetries,
	}, nil)
	return s, ms
}

// B1: a role with zero dependencies is Queued on the first tick.
func TestSchedulingSweep_ZeroDepRoleIsQueuedImmediately(t *testing.T) {
	s, ms := newTestSupervisor(t, []roster.Entry{{Role: "A", Timeout: time.Minute}}, 3)
	ctx := context.Background()
	require.NoError(t, s.bootstrap(ctx))

	states, err := ms.ListAgentStates(ctx)
	require.NoError(t, err)
	byRole := map[string]*fleetstate.AgentState{states[0].Role: states[0]}
	require.NoError(t, s.schedulingSweep(ctx, byRole))

	got, _, _ := ms.GetAgentState(ctx, "A")
	assert.Equal(t, fleetstate.StatusQueued, got.Status)
}

// I7: a Pending role with an incomplete dependency stays Pending.
func TestSchedulingSweep_WaitsForDependency(t *testing.T) {
	s, ms := newTestSupervisor(t, []roster.Entry{
		{Role: "A", Timeout: time.Minute},
		{Role: "B", Dependencies: []string{"A"}, Timeout: time.Minute},
	}, 3)
	ctx := context.Background()
	require.NoError(t, s.bootstrap(ctx))

	states, _ := ms.ListAgentStates(ctx)
	byRole := make(map[string]*fleetstate.AgentState, len(states))
	for _, st := range states {
		byRole[st.Role] = st
	}
	require.NoError(t, s.schedulingSweep(ctx, byRole))

	gotB, _, _ := ms.GetAgentState(ctx, "B")
	assert.Equal(t, fleetstate.StatusPending, gotB.Status)
}

// §4.4: first retry resumes with checkpoint context and increments
// retry-count from 0 to 1 (I1).
func TestRecoverySweep_FirstRetryResumesAndIncrementsRetryCount(t *testing.T) {
	s, ms := newTestSupervisor(t, []roster.Entry{{Role: "A", Timeout: time.Minute}}, 3)
	ctx := context.Background()

	state := &fleetstate.AgentState{Role: "A", Status: fleetstate.StatusTimedOut, RetryCount: 0}
	require.NoError(t, ms.UpsertAgentState(ctx, state))

	require.NoError(t, s.recoverySweep(ctx, map[string]*fleetstate.AgentState{"A": state}))

	got, _, _ := ms.GetAgentState(ctx, "A")
	assert.Equal(t, fleetstate.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.RecoveryContext, checkpoint.NoCheckpointSentinel)
}

// §4.4 case 2: second retry (retry-count 1, below MaxRetries-1 for
// MaxRetries=3) retries again with reduced scope instead of escalating.
func TestRecoverySweep_SecondRetryUsesReducedScope(t *testing.T) {
	s, ms := newTestSupervisor(t, []roster.Entry{{Role: "A", Timeout: time.Minute}}, 3)
	ctx := context.Background()

	state := &fleetstate.AgentState{Role: "A", Status: fleetstate.StatusTimedOut, RetryCount: 1}
	require.NoError(t, ms.UpsertAgentState(ctx, state))

	require.NoError(t, s.recoverySweep(ctx, map[string]*fleetstate.AgentState{"A": state}))

	got, _, _ := ms.GetAgentState(ctx, "A")
	assert.Equal(t, fleetstate.StatusQueued, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

// §4.4 case 3 / scenario 4: once retry-count reaches MaxRetries-1, the next
// recovery application escalates (landing at RetryCount == MaxRetries)
// instead of retrying again.
func TestRecoverySweep_EscalatesAfterMaxRetries(t *testing.T) {
	s, ms := newTestSupervisor(t, []roster.Entry{{Role: "A", Timeout: time.Minute}}, 3)
	ctx := context.Background()

	state := &fleetstate.AgentState{Role: "A", Status: fleetstate.StatusTimedOut, RetryCount: 2}
	require.NoError(t, ms.UpsertAgentState(ctx, state))

	require.NoError(t, s.recoverySweep(ctx, map[string]*fleetstate.AgentState{"A": state}))

	got, _, _ := ms.GetAgentState(ctx, "A")
	assert.Equal(t, fleetstate.StatusEscalated, got.Status)
	assert.Equal(t, 3, got.RetryCount)
}

// Paused roles always take the unconditional first-retry path (§4.8 step 2),
// regardless of retry-count.
func TestRecoverySweep_PausedAlwaysTakesFirstRetryPath(t *testing.T) {
	s, ms := newTestSupervisor(t, []roster.Entry{{Role: "A", Timeout: time.Minute}}, 3)
	ctx := context.Background()

	state := &fleetstate.AgentState{Role: "A", Status: fleetstate.StatusPaused, RetryCount: 2}
	require.NoError(t, ms.UpsertAgentState(ctx, state))

	require.NoError(t, s.recoverySweep(ctx, map[string]*fleetstate.AgentState{"A": state}))

	got, _, _ := ms.GetAgentState(ctx, "A")
	assert.Equal(t, fleetstate.StatusQueued, got.Status)
}

// I2: Completed/Escalated roles are never revisited by the health sweep.
func TestHealthSweep_SkipsTerminalRoles(t *testing.T) {
	s, ms := newTestSupervisor(t, []roster.Entry{{Role: "A", Timeout: time.Minute}}, 3)
	ctx := context.Background()

	state := &fleetstate.AgentState{Role: "A", Status: fleetstate.StatusCompleted}
	require.NoError(t, ms.UpsertAgentState(ctx, state))

	require.NoError(t, s.healthSweep(ctx, map[string]*fleetstate.AgentState{"A": state}))

	got, _, _ := ms.GetAgentState(ctx, "A")
	assert.Equal(t, fleetstate.StatusCompleted, got.Status)
}

func TestCompletionCheck_AllCompletedEndsRun(t *testing.T) {
	s, ms := newTestSupervisor(t, []roster.Entry{{Role: "A", Timeout: time.Minute}}, 3)
	ctx := context.Background()
	require.NoError(t, s.bootstrap(ctx))

	state, _, _ := ms.GetAgentState(ctx, "A")
	state.Status = fleetstate.StatusCompleted
	require.NoError(t, ms.UpsertAgentState(ctx, state))

	done, err := s.completionCheck(ctx, map[string]*fleetstate.AgentState{"A": state})
	require.NoError(t, err)
	assert.True(t, done)

	proj, _, _ := ms.GetProject(ctx)
	assert.Equal(t, fleetstate.PhaseCompleted, proj.Phase)
}

func TestCompletionCheck_EscalatedDoesNotEndRun(t *testing.T) {
	s, ms := newTestSupervisor(t, []roster.Entry{{Role: "A", Timeout: time.Minute}}, 3)
	ctx := context.Background()
	require.NoError(t, s.bootstrap(ctx))

	state, _, _ := ms.GetAgentState(ctx, "A")
	state.Status = fleetstate.StatusEscalated
	require.NoError(t, ms.UpsertAgentState(ctx, state))

	done, err := s.completionCheck(ctx, map[string]*fleetstate.AgentState{"A": state})
	require.NoError(t, err)
	assert.False(t, done)
}
