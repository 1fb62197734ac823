// Package fleetstate defines the durable entities the orchestrator tracks
// for a running project: the project singleton, per-role agent state, the
// append-only message log, and checkpoints.
package fleetstate

import (
	"time"

	"github.com/arclance/conductor/pkg/toolerr"
)

// ProjectPhase is the coarse lifecycle stage of the whole run.
type ProjectPhase string

const (
	PhaseInitializing ProjectPhase = "initializing"
	PhasePlanning     ProjectPhase = "planning"
	PhaseBuilding     ProjectPhase = "building"
	PhaseTesting      ProjectPhase = "testing"
	PhaseReviewing    ProjectPhase = "reviewing"
	PhaseCompleting   ProjectPhase = "completing"
	PhaseCompleted    ProjectPhase = "completed"
	PhaseFailed       ProjectPhase = "failed"
	PhasePaused       ProjectPhase = "paused"
)

// Project is the run-level singleton.
type Project struct {
	Name          string       `json:"name"`
	WorkingDir    string       `json:"working_dir"`
	Phase         ProjectPhase `json:"phase"`
	StartedAt     time.Time    `json:"started_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
}

// AgentStatus is the lifecycle state of a single role (§4.2).
type AgentStatus string

const (
	StatusPending   AgentStatus = "pending"
	StatusQueued    AgentStatus = "queued"
	StatusSpawning  AgentStatus = "spawning"
	StatusRunning   AgentStatus = "running"
	StatusPaused    AgentStatus = "paused"
	StatusCompleted AgentStatus = "completed"
	StatusFailed    AgentStatus = "failed"
	StatusTimedOut  AgentStatus = "timed_out"
	StatusEscalated AgentStatus = "escalated"
)

// IsTerminal reports whether status can never leave this value within a run.
func (s AgentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusEscalated
}

// AgentState is the one-per-role durable record (§3).
type AgentState struct {
	Role       string      `json:"role"`
	WorkerKind string      `json:"worker_kind"`
	Status     AgentStatus `json:"status"`

	SpawnedAt   *time.Time `json:"spawned_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	TimeoutAt   *time.Time `json:"timeout_at,omitempty"`

	RetryCount int `json:"retry_count"`

	Artifacts    []string `json:"artifacts"`
	Dependencies []string `json:"dependencies"`

	LastMessage string `json:"last_message"`
	LastError   string `json:"last_error"`

	EstimatedContextUsage *int `json:"estimated_context_usage,omitempty"`

	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	RecoveryContext string `json:"recovery_context"`
}

// MergeArtifacts unions newArtifacts into the existing set, collapsing
// duplicates and never retracting a previously declared path (I3).
func (a *AgentState) MergeArtifacts(newArtifacts []string) {
	seen := make(map[string]struct{}, len(a.Artifacts))
	for _, existing := range a.Artifacts {
		seen[existing] = struct{}{}
	}
	for _, candidate := range newArtifacts {
		if candidate == "" {
			continue
		}
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		a.Artifacts = append(a.Artifacts, candidate)
	}
}

// MessageType categorizes an AgentMessage (§3).
type MessageType string

const (
	MessageAssignment       MessageType = "assignment"
	MessageProgress         MessageType = "progress"
	MessageQuestion         MessageType = "question"
	MessageAnswer           MessageType = "answer"
	MessageHeartbeat        MessageType = "heartbeat"
	MessageCheckpoint       MessageType = "checkpoint"
	MessageDone             MessageType = "done"
	MessageNeedsReview      MessageType = "needs_review"
	MessageApproved         MessageType = "approved"
	MessageChangesRequested MessageType = "changes_requested"
	MessageBlocked          MessageType = "blocked"
	MessageContextLimit     MessageType = "context_limit"
	MessageError            MessageType = "error"
	MessageInfo             MessageType = "info"
	MessageRequest          MessageType = "request"
)

// BroadcastRole is the sentinel `to-role` meaning "every role" (§3, B2).
const BroadcastRole = "all"

// AgentMessage is one append-only log entry (§3, §4.6).
type AgentMessage struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	FromRole  string      `json:"from_role"`
	ToRole    string      `json:"to_role"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Artifacts []string    `json:"artifacts,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AddressedTo reports whether the message should be returned by a query
// addressed to role — either a direct match or the broadcast sentinel (B2).
func (m *AgentMessage) AddressedTo(role string) bool {
	return m.ToRole == role || m.ToRole == BroadcastRole
}

// Checkpoint is a per-role progress snapshot (§3, §4.5).
type Checkpoint struct {
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`

	Summary   string   `json:"summary"`
	Completed []string `json:"completed"`
	Pending   []string `json:"pending"`
	ActiveFiles []string `json:"active_files,omitempty"`
	Notes     string   `json:"notes,omitempty"`

	CompletedCount int `json:"completed_count"`
	TotalCount     int `json:"total_count"`
}

// Validate enforces the checkpoint count invariant (§3, I5):
// completed-count + |pending| == total-count.
func (c *Checkpoint) Validate() error {
	if c.CompletedCount+len(c.Pending) != c.TotalCount {
		return toolerr.ErrInvalidCheckpoint
	}
	if c.CompletedCount < 0 || c.TotalCount < c.CompletedCount {
		return toolerr.ErrInvalidCheckpoint
	}
	return nil
}

// PercentComplete returns the completed fraction as a percentage, 0 when
// TotalCount is zero (an empty checklist is vacuously 100% but we report 0
// rather than divide by zero; callers treat 0/0 as "nothing to measure").
func (c *Checkpoint) PercentComplete() int {
	if c.TotalCount <= 0 {
		return 0
	}
	return (c.CompletedCount * 100) / c.TotalCount
}
