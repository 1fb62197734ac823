// Package toolsurface implements the Tool Surface (C6): the seven
// worker-facing verbs of §4.7, served as MCP tools over JSON-RPC-over-SSE
// via mark3labs/mcp-go, plus read-only resource views of project state.
package toolsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/arclance/conductor/pkg/checkpoint"
	"github.com/arclance/conductor/pkg/fleetstate"
	"github.com/arclance/conductor/pkg/heartbeat"
	"github.com/arclance/conductor/pkg/observability"
	"github.com/arclance/conductor/pkg/roster"
	"github.com/arclance/conductor/pkg/store"
	"github.com/arclance/conductor/pkg/toolerr"
)

// TransitionHook is invoked whenever a verb changes a role's AgentStatus,
// letting the Supervisor react without the Tool Surface depending on it
// directly (§5 "tool verbs execute on the connection task").
type TransitionHook func(role string, from, to fleetstate.AgentStatus)

// EscalationHook is invoked when a verb drives a role to Escalated so the
// notification channel (§6.2) can fire without a direct dependency here.
type EscalationHook func(role, reason string)

// Surface serves the seven worker verbs and the read-only resources of
// §4.7/§6.1 over an MCP server.
type Surface struct {
	store      store.Store
	tracker    *heartbeat.Tracker
	roster     *roster.Roster
	checkpoint *checkpoint.Engine
	log        *slog.Logger
	metrics    observability.Recorder

	heartbeatTimeout time.Duration

	onTransition TransitionHook
	onEscalation EscalationHook

	mcp *server.MCPServer
	sse *server.SSEServer
}

// Config bundles the collaborators a Surface needs.
type Config struct {
	Store             store.Store
	Tracker           *heartbeat.Tracker
	Roster            *roster.Roster
	Checkpoint        *checkpoint.Engine
	Log               *slog.Logger
	Metrics           observability.Recorder
	HeartbeatTimeout  time.Duration
	OnTransition      TransitionHook
	OnEscalation      EscalationHook
	KeepAliveInterval time.Duration
	BaseURL           string
}

// New builds a Surface and registers every tool and resource.
func New(cfg Config) *Surface {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NoopRecorder
	}

	s := &Surface{
		store:            cfg.Store,
		tracker:          cfg.Tracker,
		roster:           cfg.Roster,
		checkpoint:       cfg.Checkpoint,
		log:              log,
		metrics:          metrics,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		onTransition:     cfg.OnTransition,
		onEscalation:     cfg.OnEscalation,
	}

	mcpServer := server.NewMCPServer(
		"conductor",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)
	s.mcp = mcpServer

	sseOpts := []server.SSEOption{}
	if cfg.BaseURL != "" {
		sseOpts = append(sseOpts, server.WithBaseURL(cfg.BaseURL))
	}
	if cfg.KeepAliveInterval > 0 {
		sseOpts = append(sseOpts, server.WithKeepAliveInterval(cfg.KeepAliveInterval))
	}
	s.sse = server.NewSSEServer(mcpServer, sseOpts...)

	return s
}

// Handler returns the SSE/JSON-RPC HTTP handler to mount on a listen
// address (§6.1: SSE stream plus a companion POST endpoint).
func (s *Surface) Handler() *server.SSEServer {
	return s.sse
}

func textResult(text string) *mcp.CallToolResult {
	return mcp.NewToolResultText(text)
}

func errResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return errResult(fmt.Errorf("toolsurface: marshal result: %w", err))
	}
	return textResult(string(b))
}

// --- tool registration -----------------------------------------------------

type toolHandler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

// timed wraps a verb handler so every call records its latency (§11
// "tool-surface verb latency"), regardless of which branch it returns from.
func (s *Surface) timed(verb string, fn toolHandler) toolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		res, err := fn(ctx, req)
		s.metrics.RecordVerbLatency(ctx, verb, time.Since(start))
		return res, err
	}
}

func (s *Surface) registerTools(srv *server.MCPServer) {
	srv.AddTool(mcp.NewTool("heartbeat",
		mcp.WithDescription("Report liveness; extends this role's deadline."),
		mcp.WithString("role", mcp.Required()),
		mcp.WithString("activity", mcp.Required(), mcp.Description("one of: working, thinking, writing")),
		mcp.WithString("progress"),
		mcp.WithNumber("context_usage"),
	), s.timed("heartbeat", s.handleHeartbeat))

	srv.AddTool(mcp.NewTool("report_status",
		mcp.WithDescription("Report a status change for this role."),
		mcp.WithString("role", mcp.Required()),
		mcp.WithString("status", mcp.Required(), mcp.Description("one of: working, done, blocked, needs_review, context_limit")),
		mcp.WithString("message", mcp.Required()),
		mcp.WithArray("artifacts"),
		mcp.WithString("blocked_reason"),
	), s.timed("report_status", s.handleReportStatus))

	srv.AddTool(mcp.NewTool("checkpoint",
		mcp.WithDescription("Record a progress checkpoint for resumability."),
		mcp.WithString("role", mcp.Required()),
		mcp.WithString("summary", mcp.Required()),
		mcp.WithArray("completed"),
		mcp.WithArray("pending"),
		mcp.WithArray("active_files"),
		mcp.WithString("notes"),
		mcp.WithNumber("total_count"),
	), s.timed("checkpoint", s.handleCheckpoint))

	srv.AddTool(mcp.NewTool("get_context",
		mcp.WithDescription("Read a snapshot of project/agent/message/artifact state."),
		mcp.WithArray("include"),
		mcp.WithString("role"),
		mcp.WithNumber("message_limit"),
	), s.timed("get_context", s.handleGetContext))

	srv.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a message to another role or broadcast."),
		mcp.WithString("from_role", mcp.Required()),
		mcp.WithString("to_role", mcp.Required(), mcp.Description("a role name or \"all\"")),
		mcp.WithString("type", mcp.Required(), mcp.Description("one of: question, answer, info, request")),
		mcp.WithString("content", mcp.Required()),
	), s.timed("send_message", s.handleSendMessage))

	srv.AddTool(mcp.NewTool("request_help",
		mcp.WithDescription("Escalate to a human, another role, or request clarification."),
		mcp.WithString("from_role", mcp.Required()),
		mcp.WithString("kind", mcp.Required(), mcp.Description("one of: human, agent, clarification")),
		mcp.WithString("issue", mcp.Required()),
		mcp.WithString("target_role"),
		mcp.WithString("context"),
	), s.timed("request_help", s.handleRequestHelp))

	srv.AddTool(mcp.NewTool("complete",
		mcp.WithDescription("Mark this role's work complete."),
		mcp.WithString("role", mcp.Required()),
		mcp.WithString("summary", mcp.Required()),
		mcp.WithArray("artifacts"),
		mcp.WithString("notes"),
	), s.timed("complete", s.handleComplete))
}

func (s *Surface) touch(role string) {
	if s.tracker != nil && role != "" {
		s.tracker.Touch(role, time.Now())
	}
}

func (s *Surface) transition(role string, from, to fleetstate.AgentStatus) {
	if s.onTransition != nil {
		s.onTransition(role, from, to)
	}
}

// --- heartbeat ---------------------------------------------------------

func (s *Surface) handleHeartbeat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	role := req.GetString("role", "")
	if !s.roster.Has(role) {
		return errResult(toolerr.New(toolerr.UnknownRole, role)), nil
	}

	now := time.Now()
	s.tracker.Touch(role, now)

	state, ok, err := s.store.GetAgentState(ctx, role)
	if err != nil {
		return errResult(err), nil
	}
	if !ok {
		return errResult(toolerr.New(toolerr.UnknownRole, role)), nil
	}

	if progress := req.GetString("progress", ""); progress != "" {
		state.LastMessage = progress
	}
	state.LastHeartbeat = &now
	deadline := now.Add(s.heartbeatTimeout)
	state.TimeoutAt = &deadline
	s.tracker.SetDeadline(role, deadline)

	if usage := req.GetFloat("context_usage", -1); usage >= 0 {
		v := int(usage)
		state.EstimatedContextUsage = &v
	}

	// Heartbeat is not logged as a message (§4.7): state-only commit.
	if err := s.store.UpsertAgentState(ctx, state); err != nil {
		return errResult(err), nil
	}

	return jsonResult(map[string]any{"ok": true, "timeout_at": deadline}), nil
}

// --- report_status -------------------------------------------------------

var statusMap = map[string]struct {
	Status fleetstate.AgentStatus
	Type   fleetstate.MessageType
}{
	"working":       {fleetstate.StatusRunning, fleetstate.MessageProgress},
	"done":          {fleetstate.StatusCompleted, fleetstate.MessageDone},
	"blocked":       {fleetstate.StatusEscalated, fleetstate.MessageBlocked},
	"needs_review":  {fleetstate.StatusRunning, fleetstate.MessageNeedsReview},
	"context_limit": {fleetstate.StatusPaused, fleetstate.MessageContextLimit},
}

func (s *Surface) handleReportStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	role := req.GetString("role", "")
	if !s.roster.Has(role) {
		return errResult(toolerr.New(toolerr.UnknownRole, role)), nil
	}

	statusVal := req.GetString("status", "")
	mapping, ok := statusMap[statusVal]
	if !ok {
		return errResult(toolerr.New(toolerr.InvalidStatus, statusVal)), nil
	}

	if statusVal == "blocked" && req.GetString("blocked_reason", "") == "" {
		return errResult(toolerr.New(toolerr.MissingBlockedReason, "blocked status requires blocked_reason")), nil
	}

	s.touch(role)

	state, ok2, err := s.store.GetAgentState(ctx, role)
	if err != nil {
		return errResult(err), nil
	}
	if !ok2 {
		return errResult(toolerr.New(toolerr.UnknownRole, role)), nil
	}

	from := state.Status
	message := req.GetString("message", "")
	state.Status = mapping.Status
	state.LastMessage = message
	if statusVal == "blocked" {
		state.LastError = req.GetString("blocked_reason", "")
	}
	if artifacts := stringArray(req, "artifacts"); len(artifacts) > 0 {
		state.MergeArtifacts(artifacts)
	}
	if mapping.Status == fleetstate.StatusCompleted {
		now := time.Now()
		state.CompletedAt = &now
	}

	msg := &fleetstate.AgentMessage{
		FromRole: role,
		ToRole:   fleetstate.BroadcastRole,
		Type:     mapping.Type,
		Content:  message,
	}
	if err := s.store.CommitTransition(ctx, state, msg); err != nil {
		return errResult(err), nil
	}

	s.transition(role, from, mapping.Status)
	if mapping.Status == fleetstate.StatusEscalated && s.onEscalation != nil {
		s.onEscalation(role, state.LastError)
	}

	return jsonResult(map[string]any{"ok": true}), nil
}

// --- checkpoint ------------------------------------------------------------

func (s *Surface) handleCheckpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	role := req.GetString("role", "")
	if !s.roster.Has(role) {
		return errResult(toolerr.New(toolerr.UnknownRole, role)), nil
	}
	s.touch(role)

	completed := stringArray(req, "completed")
	pending := stringArray(req, "pending")
	totalCount := int(req.GetFloat("total_count", float64(len(completed)+len(pending))))

	cp := &fleetstate.Checkpoint{
		Role:           role,
		CreatedAt:      time.Now(),
		Summary:        req.GetString("summary", ""),
		Completed:      completed,
		Pending:        pending,
		ActiveFiles:    stringArray(req, "active_files"),
		Notes:          req.GetString("notes", ""),
		CompletedCount: len(completed),
		TotalCount:     totalCount,
	}

	state, ok, err := s.store.GetAgentState(ctx, role)
	if err != nil {
		return errResult(err), nil
	}
	if !ok {
		return errResult(toolerr.New(toolerr.UnknownRole, role)), nil
	}

	if err := s.checkpoint.Record(ctx, cp, state); err != nil {
		return errResult(err), nil
	}

	return jsonResult(map[string]any{"ok": true, "percent_complete": cp.PercentComplete()}), nil
}

// --- get_context -----------------------------------------------------------

func (s *Surface) handleGetContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	include := stringArray(req, "include")
	if len(include) == 0 {
		include = []string{"project", "agents", "messages", "artifacts"}
	}
	want := make(map[string]bool, len(include))
	for _, i := range include {
		want[i] = true
	}

	limit := int(req.GetFloat("message_limit", 50))
	roleFilter := req.GetString("role", "")

	doc := map[string]any{}

	if want["project"] {
		if proj, ok, err := s.store.GetProject(ctx); err == nil && ok {
			doc["project"] = proj
		}
	}

	var states []*fleetstate.AgentState
	if want["agents"] || want["artifacts"] {
		all, err := s.store.ListAgentStates(ctx)
		if err == nil {
			states = all
		}
	}
	if want["agents"] {
		if roleFilter != "" {
			for _, st := range states {
				if st.Role == roleFilter {
					doc["agents"] = []*fleetstate.AgentState{st}
					break
				}
			}
		} else {
			doc["agents"] = states
		}
	}
	if want["artifacts"] {
		artifacts := map[string][]string{}
		for _, st := range states {
			if roleFilter != "" && st.Role != roleFilter {
				continue
			}
			artifacts[st.Role] = st.Artifacts
		}
		doc["artifacts"] = artifacts
	}
	if want["messages"] {
		msgs, err := s.store.TailMessages(ctx, limit)
		if err == nil {
			doc["messages"] = msgs
		}
	}

	return jsonResult(doc), nil
}

// --- send_message ----------------------------------------------------------

var validMessageTypes = map[string]fleetstate.MessageType{
	"question": fleetstate.MessageQuestion,
	"answer":   fleetstate.MessageAnswer,
	"info":     fleetstate.MessageInfo,
	"request":  fleetstate.MessageRequest,
}

func (s *Surface) handleSendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from := req.GetString("from_role", "")
	if !s.roster.Has(from) {
		return errResult(toolerr.New(toolerr.UnknownFromRole, from)), nil
	}
	typeVal := req.GetString("type", "")
	msgType, ok := validMessageTypes[typeVal]
	if !ok {
		return errResult(toolerr.New(toolerr.InvalidType, typeVal)), nil
	}
	s.touch(from)

	to := req.GetString("to_role", "")
	msg := &fleetstate.AgentMessage{
		FromRole: from,
		ToRole:   to,
		Type:     msgType,
		Content:  req.GetString("content", ""),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return errResult(err), nil
	}
	return jsonResult(map[string]any{"ok": true, "id": msg.ID}), nil
}

// --- request_help ----------------------------------------------------------

const supervisorRole = "supervisor"

func (s *Surface) handleRequestHelp(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from := req.GetString("from_role", "")
	if !s.roster.Has(from) {
		return errResult(toolerr.New(toolerr.UnknownRole, from)), nil
	}
	s.touch(from)

	kind := req.GetString("kind", "")
	issue := req.GetString("issue", "")
	target := req.GetString("target_role", "")

	if kind == "agent" && target == "" {
		return errResult(toolerr.New(toolerr.MissingTarget, "kind=agent requires target_role")), nil
	}

	switch kind {
	case "human":
		state, ok, err := s.store.GetAgentState(ctx, from)
		if err != nil {
			return errResult(err), nil
		}
		if !ok {
			return errResult(toolerr.New(toolerr.UnknownRole, from)), nil
		}
		fromStatus := state.Status
		state.Status = fleetstate.StatusEscalated
		state.LastError = issue
		msg := &fleetstate.AgentMessage{FromRole: from, ToRole: fleetstate.BroadcastRole, Type: fleetstate.MessageBlocked, Content: issue}
		if err := s.store.CommitTransition(ctx, state, msg); err != nil {
			return errResult(err), nil
		}
		s.transition(from, fromStatus, fleetstate.StatusEscalated)
		if s.onEscalation != nil {
			s.onEscalation(from, issue)
		}
	case "agent":
		msg := &fleetstate.AgentMessage{FromRole: from, ToRole: target, Type: fleetstate.MessageQuestion, Content: issue}
		if err := s.store.AppendMessage(ctx, msg); err != nil {
			return errResult(err), nil
		}
	case "clarification":
		msg := &fleetstate.AgentMessage{FromRole: from, ToRole: supervisorRole, Type: fleetstate.MessageQuestion, Content: issue}
		if err := s.store.AppendMessage(ctx, msg); err != nil {
			return errResult(err), nil
		}
	default:
		return errResult(toolerr.New(toolerr.InvalidType, kind)), nil
	}

	return jsonResult(map[string]any{"ok": true}), nil
}

// --- complete ----------------------------------------------------------

func (s *Surface) handleComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	role := req.GetString("role", "")
	if !s.roster.Has(role) {
		return errResult(toolerr.New(toolerr.UnknownRole, role)), nil
	}
	s.touch(role)

	state, ok, err := s.store.GetAgentState(ctx, role)
	if err != nil {
		return errResult(err), nil
	}
	if !ok {
		return errResult(toolerr.New(toolerr.UnknownRole, role)), nil
	}
	if state.Status.IsTerminal() {
		return errResult(toolerr.New(toolerr.AlreadyTerminal, role)), nil
	}

	from := state.Status
	now := time.Now()
	var elapsed time.Duration
	if state.SpawnedAt != nil {
		elapsed = now.Sub(*state.SpawnedAt)
	}

	state.Status = fleetstate.StatusCompleted
	state.CompletedAt = &now
	state.LastMessage = req.GetString("summary", "")
	if artifacts := stringArray(req, "artifacts"); len(artifacts) > 0 {
		state.MergeArtifacts(artifacts)
	}

	msg := &fleetstate.AgentMessage{
		FromRole: role,
		ToRole:   fleetstate.BroadcastRole,
		Type:     fleetstate.MessageDone,
		Content:  state.LastMessage,
	}
	if err := s.store.CommitTransition(ctx, state, msg); err != nil {
		return errResult(err), nil
	}

	s.tracker.Forget(role)
	s.transition(role, from, fleetstate.StatusCompleted)

	return jsonResult(map[string]any{"ok": true, "elapsed_seconds": elapsed.Seconds()}), nil
}

// --- resources -----------------------------------------------------------

func (s *Surface) registerResources(srv *server.MCPServer) {
	srv.AddResource(mcp.NewResource(
		"project/state", "project state",
		mcp.WithResourceDescription("Current project phase and metadata"),
		mcp.WithMIMEType("application/json"),
	), s.readProjectState)

	srv.AddResourceTemplate(mcp.NewResourceTemplate(
		"messages/{role}", "messages for role",
		mcp.WithTemplateDescription("Messages addressed to role, including broadcasts"),
		mcp.WithTemplateMIMEType("application/json"),
	), s.readMessages)

	srv.AddResourceTemplate(mcp.NewResourceTemplate(
		"checkpoints/{role}", "latest checkpoint for role",
		mcp.WithTemplateDescription("The most recent checkpoint recorded for role"),
		mcp.WithTemplateMIMEType("application/json"),
	), s.readCheckpoint)
}

func (s *Surface) readProjectState(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	proj, ok, err := s.store.GetProject(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		proj = &fleetstate.Project{}
	}
	b, err := json.Marshal(proj)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(b)},
	}, nil
}

func (s *Surface) readMessages(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	role := roleFromURI(req.Params.URI, "messages/")
	msgs, err := s.store.MessagesSince(ctx, role, time.Time{})
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(b)},
	}, nil
}

func (s *Surface) readCheckpoint(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	role := roleFromURI(req.Params.URI, "checkpoints/")
	cp, ok, err := s.store.LatestCheckpoint(ctx, role)
	if err != nil {
		return nil, err
	}
	var payload any = cp
	if !ok {
		payload = map[string]any{"role": role, "checkpoint": nil}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(b)},
	}, nil
}

func roleFromURI(uri, prefix string) string {
	return strings.TrimPrefix(uri, prefix)
}

func stringArray(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}
