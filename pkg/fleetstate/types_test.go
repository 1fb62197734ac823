package fleetstate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arclance/conductor/pkg/toolerr"
)

func TestMergeArtifacts_DeduplicatesAndGrows(t *testing.T) {
	state := &AgentState{Artifacts: []string{"a.md"}}
	state.MergeArtifacts([]string{"a.md", "b.md", ""})
	assert.Equal(t, []string{"a.md", "b.md"}, state.Artifacts)

	// I3: the set never shrinks on a subsequent merge.
	state.MergeArtifacts(nil)
	assert.Equal(t, []string{"a.md", "b.md"}, state.Artifacts)
}

func TestAddressedTo_DirectAndBroadcast(t *testing.T) {
	direct := &AgentMessage{ToRole: "builder"}
	assert.True(t, direct.AddressedTo("builder"))
	assert.False(t, direct.AddressedTo("tester"))

	broadcast := &AgentMessage{ToRole: BroadcastRole}
	assert.True(t, broadcast.AddressedTo("builder"))
	assert.True(t, broadcast.AddressedTo("tester"))
}

func TestCheckpointValidate_EnforcesCountInvariant(t *testing.T) {
	valid := &Checkpoint{CompletedCount: 2, Pending: []string{"x"}, TotalCount: 3}
	assert.NoError(t, valid.Validate())

	invalid := &Checkpoint{CompletedCount: 1, Pending: []string{"y", "z"}, TotalCount: 5}
	err := invalid.Validate()
	assert.True(t, toolerr.Is(err, toolerr.InvalidCheckpoint))
}

func TestCheckpointPercentComplete(t *testing.T) {
	cp := &Checkpoint{CompletedCount: 1, TotalCount: 4}
	assert.Equal(t, 25, cp.PercentComplete())

	empty := &Checkpoint{}
	assert.Equal(t, 0, empty.PercentComplete())
}

func TestAgentStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusEscalated.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusQueued.IsTerminal())
}
