// Package checkpoint implements the Checkpoint Engine (C5): validation,
// persistence via the State Store, and resume-document synthesis for the
// recovery policy.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/arclance/conductor/pkg/fleetstate"
	"github.com/arclance/conductor/pkg/store"
)

// NoCheckpointSentinel is the resume text used when a role has no prior
// checkpoint to resume from (B3).
const NoCheckpointSentinel = "no previous checkpoint; start fresh"

// ResumeBanner marks a resume document as a continuation, so the prompt
// template can locate and surface the section.
const ResumeBanner = "=== RESUMING FROM CHECKPOINT ==="

// ReducedScopeBanner marks a resume document synthesized under the
// reduced-scope recovery tier (§4.4, case 2).
const ReducedScopeBanner = "=== RESUMING: REDUCED SCOPE ==="

// Engine wraps a Store for checkpoint validation and resume-document
// synthesis.
type Engine struct {
	store store.Store
	log   *slog.Logger
}

// New returns an Engine backed by s.
func New(s store.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: s, log: log}
}

// Record validates and persists cp, and updates state's last-message in the
// same commit. Returns toolerr.ErrInvalidCheckpoint (from cp.Validate)
// without mutating anything if cp's counts are inconsistent.
func (e *Engine) Record(ctx context.Context, cp *fleetstate.Checkpoint, state *fleetstate.AgentState) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	state.LastMessage = cp.Summary
	return e.store.CommitCheckpoint(ctx, cp, state)
}

// ResumeDocument synthesizes the recovery-context text for role from its
// latest checkpoint (§4.5, L1, B3). reducedScope selects the second-tier
// banner and trims the pending list to its single smallest item, per §4.4
// case 2 ("attempt only the smallest atomic subtask from the pending
// list").
func (e *Engine) ResumeDocument(ctx context.Context, role string, reducedScope bool) (string, error) {
	cp, ok, err := e.store.LatestCheckpoint(ctx, role)
	if err != nil {
		return "", fmt.Errorf("checkpoint: load latest for %q: %w", role, err)
	}
	if !ok {
		e.log.Debug("no checkpoint found for resume", "role", role)
		return NoCheckpointSentinel, nil
	}

	pending := cp.Pending
	banner := ResumeBanner
	if reducedScope {
		banner = ReducedScopeBanner
		pending = smallestSubtask(cp.Pending)
	}

	var b strings.Builder
	b.WriteString(banner)
	b.WriteString("\n\n")
	if cp.Summary != "" {
		b.WriteString("Summary: ")
		b.WriteString(cp.Summary)
		b.WriteString("\n\n")
	}
	for _, item := range cp.Completed {
		b.WriteString("[x] ")
		b.WriteString(item)
		b.WriteString("\n")
	}
	for _, item := range pending {
		b.WriteString("[ ] ")
		b.WriteString(item)
		b.WriteString("\n")
	}
	if len(cp.ActiveFiles) > 0 {
		b.WriteString("\nActive files: ")
		b.WriteString(strings.Join(cp.ActiveFiles, ", "))
		b.WriteString("\n")
	}
	if cp.Notes != "" {
		b.WriteString("\nNotes: ")
		b.WriteString(cp.Notes)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// smallestSubtask narrows a pending list to its single shortest item (by
// text length, a stand-in for "most atomic"), or returns the list
// unchanged if it has at most one entry already.
func smallestSubtask(pending []string) []string {
	if len(pending) <= 1 {
		return pending
	}
	smallest := pending[0]
	for _, item := range pending[1:] {
		if len(item) < len(smallest) {
			smallest = item
		}
	}
	return []string{smallest}
}
