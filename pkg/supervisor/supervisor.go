// Package supervisor implements the Supervisor Loop (C8): the periodic
// cycle that drives the agent lifecycle state machine of §4.2, applies the
// recovery policy of §4.4, and schedules and launches worker processes.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arclance/conductor/pkg/checkpoint"
	"github.com/arclance/conductor/pkg/fleetstate"
	"github.com/arclance/conductor/pkg/heartbeat"
	"github.com/arclance/conductor/pkg/launcher"
	"github.com/arclance/conductor/pkg/notify"
	"github.com/arclance/conductor/pkg/observability"
	"github.com/arclance/conductor/pkg/prompt"
	"github.com/arclance/conductor/pkg/roster"
	"github.com/arclance/conductor/pkg/store"
)

// Config bundles everything one Supervisor instance needs.
type Config struct {
	Store      store.Store
	Roster     *roster.Roster
	Tracker    *heartbeat.Tracker
	Checkpoint *checkpoint.Engine
	Launcher   *launcher.Launcher
	Notifier   *notify.LoggingNotifier
	Metrics    observability.Recorder

	ProjectName string
	WorkingDir  string

	PollingInterval       time.Duration
	DefaultTimeout        time.Duration
	SpawningGrace         time.Duration
	MaxRetries            int
	MaxConcurrentLaunches int // 0 = unbounded
	FailOnEscalation      bool
}

// Supervisor runs the periodic cycle of §4.8 until its context is
// cancelled or the project reaches a terminal phase.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	roleLocks sync.Map // role -> *sync.Mutex, §5 "short per-role lock"
}

// New returns a Supervisor ready to Run.
func New(cfg Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopRecorder
	}
	return &Supervisor{cfg: cfg, log: log}
}

func (s *Supervisor) lockFor(role string) *sync.Mutex {
	v, _ := s.roleLocks.LoadOrStore(role, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Run drives the periodic cycle until ctx is cancelled or the project
// reaches Completed/Failed. It bootstraps the project row and every
// roster role's Pending state on first run.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return fmt.Errorf("supervisor: bootstrap: %w", err)
	}

	ticker := time.NewTicker(s.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			done, err := s.tick(ctx)
			if err != nil {
				s.log.Error("supervisor tick failed; retrying next cycle", "error", err)
				continue
			}
			if done {
				return nil
			}
		}
	}
}

func (s *Supervisor) bootstrap(ctx context.Context) error {
	_, ok, err := s.cfg.Store.GetProject(ctx)
	if err != nil {
		return err
	}
	if !ok {
		proj := &fleetstate.Project{
			Name:       s.cfg.ProjectName,
			WorkingDir: s.cfg.WorkingDir,
			Phase:      fleetstate.PhaseInitializing,
			StartedAt:  time.Now(),
		}
		if err := s.cfg.Store.PutProject(ctx, proj); err != nil {
			return err
		}
	}

	for _, entry := range s.cfg.Roster.Entries() {
		_, ok, err := s.cfg.Store.GetAgentState(ctx, entry.Role)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		state := &fleetstate.AgentState{
			Role:         entry.Role,
			WorkerKind:   entry.WorkerKind,
			Status:       fleetstate.StatusPending,
			Dependencies: entry.Dependencies,
		}
		if err := s.cfg.Store.UpsertAgentState(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// tick runs exactly one cycle of the five sweeps (§4.8) and reports
// whether the project has reached a terminal phase.
func (s *Supervisor) tick(ctx context.Context) (bool, error) {
	start := time.Now()
	defer func() { s.cfg.Metrics.RecordTick(ctx, time.Since(start)) }()

	states, err := s.cfg.Store.ListAgentStates(ctx)
	if err != nil {
		return false, err
	}
	byRole := make(map[string]*fleetstate.AgentState, len(states))
	for _, st := range states {
		byRole[st.Role] = st
	}

	if err := s.healthSweep(ctx, byRole); err != nil {
		return false, err
	}
	if err := s.recoverySweep(ctx, byRole); err != nil {
		return false, err
	}
	if err := s.schedulingSweep(ctx, byRole); err != nil {
		return false, err
	}
	if err := s.launchSweep(ctx, byRole); err != nil {
		return false, err
	}
	return s.completionCheck(ctx, byRole)
}

// healthSweep applies Running -> TimedOut where the Heartbeat Tracker
// reports staleness, and Spawning -> Failed once SpawningGrace has passed
// since spawned-at (§4.8 step 1, §4.3).
func (s *Supervisor) healthSweep(ctx context.Context, byRole map[string]*fleetstate.AgentState) error {
	now := time.Now()
	for role, state := range byRole {
		if state.Status.IsTerminal() {
			continue
		}

		lock := s.lockFor(role)
		lock.Lock()
		reason := s.cfg.Tracker.Check(role, now)
		var newStatus fleetstate.AgentStatus
		switch {
		case state.Status == fleetstate.StatusRunning && reason != heartbeat.ReasonNone:
			newStatus = fleetstate.StatusTimedOut
		case state.Status == fleetstate.StatusSpawning && state.SpawnedAt != nil && now.Sub(*state.SpawnedAt) > s.cfg.SpawningGrace:
			newStatus = fleetstate.StatusFailed
		}
		if newStatus == "" {
			lock.Unlock()
			continue
		}

		from := state.Status
		state.Status = newStatus
		state.LastError = fmt.Sprintf("health sweep: %s", reason)
		err := s.cfg.Store.UpsertAgentState(ctx, state)
		lock.Unlock()
		if err != nil {
			return err
		}
		s.cfg.Metrics.RecordTransition(ctx, role, string(from), string(newStatus))
		s.log.Info("role marked stale", "role", role, "from", from, "to", newStatus)
	}
	return nil
}

// recoverySweep applies the three-tier progressive recovery policy (§4.4)
// to every role in {TimedOut, Failed, Paused}.
func (s *Supervisor) recoverySweep(ctx context.Context, byRole map[string]*fleetstate.AgentState) error {
	for role, state := range byRole {
		if state.Status != fleetstate.StatusTimedOut && state.Status != fleetstate.StatusFailed && state.Status != fleetstate.StatusPaused {
			continue
		}

		lock := s.lockFor(role)
		lock.Lock()
		err := s.applyRecovery(ctx, role, state)
		lock.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) applyRecovery(ctx context.Context, role string, state *fleetstate.AgentState) error {
	from := state.Status

	// Paused always takes the first-retry path unconditionally (§4.8 step 2).
	if from == fleetstate.StatusPaused || state.RetryCount == 0 {
		return s.retryWithResume(ctx, role, state, from, false)
	}
	// Case 3: retry-count already at MaxRetries-1 means this would be the
	// MaxRetries'th application — escalate instead of retrying again.
	if state.RetryCount >= s.cfg.MaxRetries-1 {
		return s.escalate(ctx, role, state, from)
	}
	return s.retryWithResume(ctx, role, state, from, true)
}

func (s *Supervisor) retryWithResume(ctx context.Context, role string, state *fleetstate.AgentState, from fleetstate.AgentStatus, reducedScope bool) error {
	doc, err := s.cfg.Checkpoint.ResumeDocument(ctx, role, reducedScope)
	if err != nil {
		return err
	}

	state.Status = fleetstate.StatusQueued
	state.RetryCount++ // I1: non-decreasing
	state.RecoveryContext = doc
	state.TimeoutAt = nil
	s.cfg.Tracker.Forget(role)

	if err := s.cfg.Store.UpsertAgentState(ctx, state); err != nil {
		return err
	}
	s.cfg.Metrics.RecordTransition(ctx, role, string(from), string(state.Status))
	s.log.Info("recovery scheduled retry", "role", role, "retry_count", state.RetryCount, "reduced_scope", reducedScope)
	return nil
}

func (s *Supervisor) escalate(ctx context.Context, role string, state *fleetstate.AgentState, from fleetstate.AgentStatus) error {
	state.Status = fleetstate.StatusEscalated
	state.RetryCount++

	cp, ok, _ := s.cfg.Store.LatestCheckpoint(ctx, role)
	summary := ""
	if ok {
		summary = cp.Summary
	}

	if err := s.cfg.Store.UpsertAgentState(ctx, state); err != nil {
		return err
	}
	s.cfg.Metrics.RecordTransition(ctx, role, string(from), string(state.Status))
	s.log.Warn("role escalated after exhausting retries", "role", role, "retry_count", state.RetryCount)

	if s.cfg.Notifier != nil {
		s.cfg.Notifier.Notify(ctx, notify.Event{
			Kind:              "escalation",
			Role:              role,
			RetryCount:        state.RetryCount,
			LastError:         state.LastError,
			CheckpointSummary: summary,
			Artifacts:         state.Artifacts,
			ProjectName:       s.cfg.ProjectName,
			Timestamp:         time.Now(),
		})
	}
	return nil
}

// schedulingSweep promotes Pending roles whose dependencies are all
// Completed to Queued (§4.8 step 3, B1, I7).
func (s *Supervisor) schedulingSweep(ctx context.Context, byRole map[string]*fleetstate.AgentState) error {
	for _, state := range byRole {
		if state.Status != fleetstate.StatusPending {
			continue
		}
		ready := true
		for _, dep := range state.Dependencies {
			depState, ok := byRole[dep]
			if !ok || depState.Status != fleetstate.StatusCompleted {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}

		from := state.Status
		state.Status = fleetstate.StatusQueued
		if err := s.cfg.Store.UpsertAgentState(ctx, state); err != nil {
			return err
		}
		s.cfg.Metrics.RecordTransition(ctx, state.Role, string(from), string(state.Status))
	}
	return nil
}

// launchSweep starts worker processes for Queued roles, in roster
// declaration order, subject to MaxConcurrentLaunches (§4.8 step 4).
func (s *Supervisor) launchSweep(ctx context.Context, byRole map[string]*fleetstate.AgentState) error {
	var queued []string
	for _, role := range s.cfg.Roster.Roles() {
		if state, ok := byRole[role]; ok && state.Status == fleetstate.StatusQueued {
			queued = append(queued, role)
		}
	}
	limit := len(queued)
	if s.cfg.MaxConcurrentLaunches > 0 && s.cfg.MaxConcurrentLaunches < limit {
		limit = s.cfg.MaxConcurrentLaunches
	}

	for _, role := range queued[:limit] {
		if err := s.launchRole(ctx, role, byRole[role]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) launchRole(ctx context.Context, role string, state *fleetstate.AgentState) error {
	entry, ok := s.cfg.Roster.Get(role)
	if !ok {
		return fmt.Errorf("supervisor: launch: role %q not in roster", role)
	}

	promptKind := prompt.Kind(entry.PromptKind)
	text, err := prompt.Render(promptKind, prompt.ProjectInfo{
		Name:        s.cfg.ProjectName,
		WorkingDir:  s.cfg.WorkingDir,
		Role:        role,
		Description: entry.Description,
	}, state.RecoveryContext)
	if err != nil {
		return err
	}

	timeout := entry.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	err = s.cfg.Launcher.Launch(ctx, role, text, nil, func(ev launcher.Event) {
		s.handleExit(context.Background(), ev)
	})
	if err != nil {
		// Launch failures are not propagated: the role is marked Failed and
		// the next recovery sweep retries or escalates it (§4.10).
		s.log.Error("launch failed", "role", role, "error", err)
		from := state.Status
		state.Status = fleetstate.StatusFailed
		state.LastError = err.Error()
		if uerr := s.cfg.Store.UpsertAgentState(ctx, state); uerr != nil {
			return uerr
		}
		s.cfg.Metrics.RecordTransition(ctx, role, string(from), string(state.Status))
		return nil
	}

	from := state.Status
	now := time.Now()
	state.Status = fleetstate.StatusSpawning
	state.SpawnedAt = &now
	deadline := now.Add(timeout)
	state.TimeoutAt = &deadline
	state.RecoveryContext = ""
	s.cfg.Tracker.Touch(role, now)
	s.cfg.Tracker.SetDeadline(role, deadline)

	if err := s.cfg.Store.UpsertAgentState(ctx, state); err != nil {
		return err
	}
	s.cfg.Metrics.RecordTransition(ctx, role, string(from), string(state.Status))
	s.log.Info("role launched", "role", role, "timeout_at", deadline)
	return nil
}

// handleExit reacts to a worker process exiting. A zero exit code without
// a prior complete() call is Failed, not Completed, per the resolved open
// question in §9.
func (s *Supervisor) handleExit(ctx context.Context, ev launcher.Event) {
	lock := s.lockFor(ev.Role)
	lock.Lock()
	defer lock.Unlock()

	state, ok, err := s.cfg.Store.GetAgentState(ctx, ev.Role)
	if err != nil || !ok {
		return
	}
	if state.Status.IsTerminal() {
		return // already completed via the complete verb before exit
	}

	from := state.Status
	state.Status = fleetstate.StatusFailed
	if ev.Err != nil {
		state.LastError = ev.Err.Error()
	} else {
		state.LastError = fmt.Sprintf("worker exited (code %d) without calling complete", ev.ExitCode)
	}
	if err := s.cfg.Store.UpsertAgentState(ctx, state); err != nil {
		s.log.Error("failed to persist exit transition", "role", ev.Role, "error", err)
		return
	}
	s.cfg.Metrics.RecordTransition(ctx, ev.Role, string(from), string(state.Status))
}

// completionCheck transitions the project phase once every role is
// Completed, or to Failed if any role is Escalated and FailOnEscalation is
// set (§4.8 step 5).
func (s *Supervisor) completionCheck(ctx context.Context, byRole map[string]*fleetstate.AgentState) (bool, error) {
	allCompleted := true
	anyEscalated := false
	for _, state := range byRole {
		if state.Status != fleetstate.StatusCompleted {
			allCompleted = false
		}
		if state.Status == fleetstate.StatusEscalated {
			anyEscalated = true
		}
	}

	proj, ok, err := s.cfg.Store.GetProject(ctx)
	if err != nil || !ok {
		return false, err
	}

	if allCompleted {
		proj.Phase = fleetstate.PhaseCompleted
		now := time.Now()
		proj.CompletedAt = &now
		if err := s.cfg.Store.PutProject(ctx, proj); err != nil {
			return false, err
		}
		if s.cfg.Notifier != nil {
			s.cfg.Notifier.Notify(ctx, notify.Event{Kind: "project_complete", ProjectName: s.cfg.ProjectName, Timestamp: now})
		}
		return true, nil
	}

	if anyEscalated && s.cfg.FailOnEscalation && proj.Phase != fleetstate.PhaseFailed {
		proj.Phase = fleetstate.PhaseFailed
		return false, s.cfg.Store.PutProject(ctx, proj)
	}

	return false, nil
}
