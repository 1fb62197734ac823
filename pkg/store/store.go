// Package store implements the State Store (C1): transactional,
// dialect-portable persistence of every durable entity in §3, following the
// dialect-switching SQL pattern this module's teacher uses for its own
// durable task table.
package store

import (
	"context"
	"time"

	"github.com/arclance/conductor/pkg/fleetstate"
)

// Store is the behavioral contract the rest of the orchestrator depends on
// (§9 "service objects behind interfaces"). Every mutating method commits
// atomically: a reader observing any post-commit value observes the
// complete post-commit value (§4.1).
type Store interface {
	// GetProject returns the singleton project row. ok is false before the
	// first PutProject call.
	GetProject(ctx context.Context) (proj *fleetstate.Project, ok bool, err error)
	PutProject(ctx context.Context, proj *fleetstate.Project) error

	// UpsertAgentState writes the full AgentState row for role, creating it
	// if absent. Used for state-only transitions (no accompanying message).
	UpsertAgentState(ctx context.Context, state *fleetstate.AgentState) error

	// GetAgentState returns the current row for role, or ok=false if the
	// role has never been registered.
	GetAgentState(ctx context.Context, role string) (state *fleetstate.AgentState, ok bool, err error)

	// ListAgentStates returns every role's state, in no particular order.
	ListAgentStates(ctx context.Context) ([]*fleetstate.AgentState, error)

	// CommitTransition atomically writes state and, if msg is non-nil,
	// appends msg to the Message Log in the same commit (§4.7 ordering
	// guarantee: "effects of one verb invocation ... committed atomically
	// relative to readers of either side").
	CommitTransition(ctx context.Context, state *fleetstate.AgentState, msg *fleetstate.AgentMessage) error

	// CommitCheckpoint validates and appends a checkpoint and updates the
	// accompanying AgentState (typically just last-message) in one commit.
	// Returns toolerr.ErrInvalidCheckpoint without persisting if cp fails
	// its count invariant.
	CommitCheckpoint(ctx context.Context, cp *fleetstate.Checkpoint, state *fleetstate.AgentState) error

	// LatestCheckpoint returns the most recently written checkpoint for
	// role, or ok=false if none exists or the stored JSON is malformed
	// (§4.5 "Malformed stored JSON -> treated as no checkpoint").
	LatestCheckpoint(ctx context.Context, role string) (cp *fleetstate.Checkpoint, ok bool, err error)

	// AppendMessage appends a single message with no accompanying state
	// write (used by send_message and request_help).
	AppendMessage(ctx context.Context, msg *fleetstate.AgentMessage) error

	// MessagesSince returns messages addressed to role (directly, or via
	// the broadcast sentinel) with timestamp strictly after since, oldest
	// first.
	MessagesSince(ctx context.Context, role string, since time.Time) ([]*fleetstate.AgentMessage, error)

	// TailMessages returns the latest n messages overall, oldest first.
	TailMessages(ctx context.Context, n int) ([]*fleetstate.AgentMessage, error)

	Close() error
}
