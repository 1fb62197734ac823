package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arclance/conductor/pkg/fleetstate"
	"github.com/arclance/conductor/pkg/toolerr"
	"github.com/google/uuid"

	// Database drivers, selected at runtime by dialect.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS project (
    id INTEGER PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    working_dir VARCHAR(1024) NOT NULL,
    phase VARCHAR(32) NOT NULL,
    started_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS agent_states (
    role VARCHAR(255) PRIMARY KEY,
    worker_kind VARCHAR(255) NOT NULL,
    status VARCHAR(32) NOT NULL,
    spawned_at TIMESTAMP,
    completed_at TIMESTAMP,
    timeout_at TIMESTAMP,
    retry_count INTEGER NOT NULL DEFAULT 0,
    artifacts TEXT NOT NULL DEFAULT '[]',
    dependencies TEXT NOT NULL DEFAULT '[]',
    last_message TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    estimated_context_usage INTEGER,
    last_heartbeat TIMESTAMP,
    recovery_context TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS agent_messages (
    id VARCHAR(64) PRIMARY KEY,
    ts TIMESTAMP NOT NULL,
    from_role VARCHAR(255) NOT NULL,
    to_role VARCHAR(255) NOT NULL,
    type VARCHAR(32) NOT NULL,
    content TEXT NOT NULL,
    artifacts TEXT NOT NULL DEFAULT '[]',
    metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_agent_messages_to_role_ts ON agent_messages(to_role, ts);
CREATE INDEX IF NOT EXISTS idx_agent_messages_ts ON agent_messages(ts);

CREATE TABLE IF NOT EXISTS checkpoints (
    id VARCHAR(64) PRIMARY KEY,
    role VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_role_created ON checkpoints(role, created_at);
`

// SQLStore implements Store over database/sql, dialect-parameterized across
// sqlite, postgres and mysql, following this module's teacher's own
// dialect-switching task-table pattern.
type SQLStore struct {
	db      *sql.DB
	dialect string
	log     *slog.Logger

	mu sync.Mutex // not taken by any method; concurrent access relies on database transactions
}

// Open dials the given dialect/DSN, runs schema migration, and returns a
// ready Store. dialect is one of "sqlite", "postgres", "mysql". log may be
// nil, in which case slog.Default() is used for the store's own warnings
// (e.g. a malformed stored checkpoint, §4.5).
func Open(dialect, dsn string, maxOpenConns, maxIdleConns int, log *slog.Logger) (*SQLStore, error) {
	driverName := dialect
	if dialect == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}

	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		db.SetMaxIdleConns(maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", dialect, err)
	}

	if log == nil {
		log = slog.Default()
	}
	s := &SQLStore{db: db, dialect: dialect, log: log}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	return nil
}

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func wrapStorageErr(err error) error {
	if err == nil || err == sql.ErrNoRows {
		return err
	}
	return toolerr.New(toolerr.StorageUnavailable, err.Error())
}

// --- Project -----------------------------------------------------------

func (s *SQLStore) GetProject(ctx context.Context) (*fleetstate.Project, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, working_dir, phase, started_at, completed_at FROM project WHERE id = 1`)

	var p fleetstate.Project
	var completedAt sql.NullTime
	err := row.Scan(&p.Name, &p.WorkingDir, &p.Phase, &p.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapStorageErr(err)
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	return &p, true, nil
}

func (s *SQLStore) PutProject(ctx context.Context, proj *fleetstate.Project) error {
	var query string
	switch s.dialect {
	case "postgres":
		query = `
INSERT INTO project (id, name, working_dir, phase, started_at, completed_at)
VALUES (1, $1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET name = $1, working_dir = $2, phase = $3, started_at = $4, completed_at = $5
`
	case "mysql":
		query = `
INSERT INTO project (id, name, working_dir, phase, started_at, completed_at)
VALUES (1, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE name = VALUES(name), working_dir = VALUES(working_dir), phase = VALUES(phase), started_at = VALUES(started_at), completed_at = VALUES(completed_at)
`
	default: // sqlite
		query = `
INSERT INTO project (id, name, working_dir, phase, started_at, completed_at)
VALUES (1, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, working_dir = excluded.working_dir, phase = excluded.phase, started_at = excluded.started_at, completed_at = excluded.completed_at
`
	}

	_, err := s.db.ExecContext(ctx, query, proj.Name, proj.WorkingDir, string(proj.Phase), proj.StartedAt, proj.CompletedAt)
	return wrapStorageErr(err)
}

// --- AgentState ----------------------------------------------------------

func stateToRow(state *fleetstate.AgentState) (artifacts, deps string, err error) {
	a, err := json.Marshal(state.Artifacts)
	if err != nil {
		return "", "", err
	}
	d, err := json.Marshal(state.Dependencies)
	if err != nil {
		return "", "", err
	}
	return string(a), string(d), nil
}

func (s *SQLStore) upsertAgentStateTx(ctx context.Context, tx *sql.Tx, state *fleetstate.AgentState) error {
	artifacts, deps, err := stateToRow(state)
	if err != nil {
		return fmt.Errorf("store: marshal agent state: %w", err)
	}

	var query string
	switch s.dialect {
	case "postgres":
		query = `
INSERT INTO agent_states (role, worker_kind, status, spawned_at, completed_at, timeout_at, retry_count, artifacts, dependencies, last_message, last_error, estimated_context_usage, last_heartbeat, recovery_context)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (role) DO UPDATE SET worker_kind=$2, status=$3, spawned_at=$4, completed_at=$5, timeout_at=$6, retry_count=$7, artifacts=$8, dependencies=$9, last_message=$10, last_error=$11, estimated_context_usage=$12, last_heartbeat=$13, recovery_context=$14
`
	case "mysql":
		query = `
INSERT INTO agent_states (role, worker_kind, status, spawned_at, completed_at, timeout_at, retry_count, artifacts, dependencies, last_message, last_error, estimated_context_usage, last_heartbeat, recovery_context)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE worker_kind=VALUES(worker_kind), status=VALUES(status), spawned_at=VALUES(spawned_at), completed_at=VALUES(completed_at), timeout_at=VALUES(timeout_at), retry_count=VALUES(retry_count), artifacts=VALUES(artifacts), dependencies=VALUES(dependencies), last_message=VALUES(last_message), last_error=VALUES(last_error), estimated_context_usage=VALUES(estimated_context_usage), last_heartbeat=VALUES(last_heartbeat), recovery_context=VALUES(recovery_context)
`
	default:
		query = `
INSERT INTO agent_states (role, worker_kind, status, spawned_at, completed_at, timeout_at, retry_count, artifacts, dependencies, last_message, last_error, estimated_context_usage, last_heartbeat, recovery_context)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (role) DO UPDATE SET worker_kind=excluded.worker_kind, status=excluded.status, spawned_at=excluded.spawned_at, completed_at=excluded.completed_at, timeout_at=excluded.timeout_at, retry_count=excluded.retry_count, artifacts=excluded.artifacts, dependencies=excluded.dependencies, last_message=excluded.last_message, last_error=excluded.last_error, estimated_context_usage=excluded.estimated_context_usage, last_heartbeat=excluded.last_heartbeat, recovery_context=excluded.recovery_context
`
	}

	_, err = tx.ExecContext(ctx, query,
		state.Role, state.WorkerKind, string(state.Status),
		state.SpawnedAt, state.CompletedAt, state.TimeoutAt,
		state.RetryCount, artifacts, deps,
		state.LastMessage, state.LastError, state.EstimatedContextUsage,
		state.LastHeartbeat, state.RecoveryContext,
	)
	return err
}

func (s *SQLStore) UpsertAgentState(ctx context.Context, state *fleetstate.AgentState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorageErr(err)
	}
	if err := s.upsertAgentStateTx(ctx, tx, state); err != nil {
		tx.Rollback()
		return wrapStorageErr(err)
	}
	if err := tx.Commit(); err != nil {
		return wrapStorageErr(err)
	}
	return nil
}

func (s *SQLStore) GetAgentState(ctx context.Context, role string) (*fleetstate.AgentState, bool, error) {
	query := fmt.Sprintf(`
SELECT role, worker_kind, status, spawned_at, completed_at, timeout_at, retry_count, artifacts, dependencies, last_message, last_error, estimated_context_usage, last_heartbeat, recovery_context
FROM agent_states WHERE role = %s`, s.placeholder(1))

	row := s.db.QueryRowContext(ctx, query, role)
	state, err := scanAgentState(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapStorageErr(err)
	}
	return state, true, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAgentState(row scannable) (*fleetstate.AgentState, error) {
	var state fleetstate.AgentState
	var statusStr string
	var spawnedAt, completedAt, timeoutAt, lastHeartbeat sql.NullTime
	var artifacts, deps string
	var estCtx sql.NullInt64

	if err := row.Scan(&state.Role, &state.WorkerKind, &statusStr, &spawnedAt, &completedAt, &timeoutAt,
		&state.RetryCount, &artifacts, &deps, &state.LastMessage, &state.LastError, &estCtx, &lastHeartbeat, &state.RecoveryContext); err != nil {
		return nil, err
	}

	state.Status = fleetstate.AgentStatus(statusStr)
	if spawnedAt.Valid {
		state.SpawnedAt = &spawnedAt.Time
	}
	if completedAt.Valid {
		state.CompletedAt = &completedAt.Time
	}
	if timeoutAt.Valid {
		state.TimeoutAt = &timeoutAt.Time
	}
	if lastHeartbeat.Valid {
		state.LastHeartbeat = &lastHeartbeat.Time
	}
	if estCtx.Valid {
		v := int(estCtx.Int64)
		state.EstimatedContextUsage = &v
	}
	if err := json.Unmarshal([]byte(artifacts), &state.Artifacts); err != nil {
		return nil, fmt.Errorf("store: unmarshal artifacts: %w", err)
	}
	if err := json.Unmarshal([]byte(deps), &state.Dependencies); err != nil {
		return nil, fmt.Errorf("store: unmarshal dependencies: %w", err)
	}
	return &state, nil
}

func (s *SQLStore) ListAgentStates(ctx context.Context) ([]*fleetstate.AgentState, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT role, worker_kind, status, spawned_at, completed_at, timeout_at, retry_count, artifacts, dependencies, last_message, last_error, estimated_context_usage, last_heartbeat, recovery_context
FROM agent_states`)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	defer rows.Close()

	var out []*fleetstate.AgentState
	for rows.Next() {
		state, err := scanAgentState(rows)
		if err != nil {
			return nil, wrapStorageErr(err)
		}
		out = append(out, state)
	}
	return out, wrapStorageErr(rows.Err())
}

// --- Messages & combined commits -----------------------------------------

func (s *SQLStore) appendMessageTx(ctx context.Context, tx *sql.Tx, msg *fleetstate.AgentMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	artifacts, err := json.Marshal(msg.Artifacts)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return err
	}

	var query string
	if s.dialect == "postgres" {
		query = `INSERT INTO agent_messages (id, ts, from_role, to_role, type, content, artifacts, metadata) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	} else {
		query = `INSERT INTO agent_messages (id, ts, from_role, to_role, type, content, artifacts, metadata) VALUES (?,?,?,?,?,?,?,?)`
	}

	_, err = tx.ExecContext(ctx, query, msg.ID, msg.Timestamp, msg.FromRole, msg.ToRole, string(msg.Type), msg.Content, string(artifacts), string(metadata))
	return err
}

func (s *SQLStore) AppendMessage(ctx context.Context, msg *fleetstate.AgentMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorageErr(err)
	}
	if err := s.appendMessageTx(ctx, tx, msg); err != nil {
		tx.Rollback()
		return wrapStorageErr(err)
	}
	return wrapStorageErr(tx.Commit())
}

func (s *SQLStore) CommitTransition(ctx context.Context, state *fleetstate.AgentState, msg *fleetstate.AgentMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorageErr(err)
	}
	if err := s.upsertAgentStateTx(ctx, tx, state); err != nil {
		tx.Rollback()
		return wrapStorageErr(err)
	}
	if msg != nil {
		if err := s.appendMessageTx(ctx, tx, msg); err != nil {
			tx.Rollback()
			return wrapStorageErr(err)
		}
	}
	return wrapStorageErr(tx.Commit())
}

func scanMessage(row scannable) (*fleetstate.AgentMessage, error) {
	var m fleetstate.AgentMessage
	var typeStr, artifacts, metadata string
	if err := row.Scan(&m.ID, &m.Timestamp, &m.FromRole, &m.ToRole, &typeStr, &m.Content, &artifacts, &metadata); err != nil {
		return nil, err
	}
	m.Type = fleetstate.MessageType(typeStr)
	if err := json.Unmarshal([]byte(artifacts), &m.Artifacts); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLStore) MessagesSince(ctx context.Context, role string, since time.Time) ([]*fleetstate.AgentMessage, error) {
	var query string
	if s.dialect == "postgres" {
		query = `
SELECT id, ts, from_role, to_role, type, content, artifacts, metadata
FROM agent_messages WHERE (to_role = $1 OR to_role = $2) AND ts > $3 ORDER BY ts ASC`
	} else {
		query = `
SELECT id, ts, from_role, to_role, type, content, artifacts, metadata
FROM agent_messages WHERE (to_role = ? OR to_role = ?) AND ts > ? ORDER BY ts ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, role, fleetstate.BroadcastRole, since)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	defer rows.Close()

	var out []*fleetstate.AgentMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, wrapStorageErr(err)
		}
		out = append(out, m)
	}
	return out, wrapStorageErr(rows.Err())
}

func (s *SQLStore) TailMessages(ctx context.Context, n int) ([]*fleetstate.AgentMessage, error) {
	if n <= 0 {
		n = 50
	}
	var query string
	if s.dialect == "postgres" {
		query = `SELECT id, ts, from_role, to_role, type, content, artifacts, metadata FROM agent_messages ORDER BY ts DESC LIMIT $1`
	} else {
		query = `SELECT id, ts, from_role, to_role, type, content, artifacts, metadata FROM agent_messages ORDER BY ts DESC LIMIT ?`
	}

	rows, err := s.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, wrapStorageErr(err)
	}
	defer rows.Close()

	var reversed []*fleetstate.AgentMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, wrapStorageErr(err)
		}
		reversed = append(reversed, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorageErr(err)
	}

	out := make([]*fleetstate.AgentMessage, len(reversed))
	for i, m := range reversed {
		out[len(reversed)-1-i] = m
	}
	return out, nil
}

// --- Checkpoints -----------------------------------------------------------

func (s *SQLStore) CommitCheckpoint(ctx context.Context, cp *fleetstate.Checkpoint, state *fleetstate.AgentState) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("store: marshal checkpoint: %w", err)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorageErr(err)
	}

	var insertQuery string
	if s.dialect == "postgres" {
		insertQuery = `INSERT INTO checkpoints (id, role, created_at, payload) VALUES ($1,$2,$3,$4)`
	} else {
		insertQuery = `INSERT INTO checkpoints (id, role, created_at, payload) VALUES (?,?,?,?)`
	}
	if _, err := tx.ExecContext(ctx, insertQuery, uuid.NewString(), cp.Role, cp.CreatedAt, string(payload)); err != nil {
		tx.Rollback()
		return wrapStorageErr(err)
	}

	if state != nil {
		if err := s.upsertAgentStateTx(ctx, tx, state); err != nil {
			tx.Rollback()
			return wrapStorageErr(err)
		}
	}

	return wrapStorageErr(tx.Commit())
}

func (s *SQLStore) LatestCheckpoint(ctx context.Context, role string) (*fleetstate.Checkpoint, bool, error) {
	var query string
	if s.dialect == "postgres" {
		query = `SELECT payload FROM checkpoints WHERE role = $1 ORDER BY created_at DESC LIMIT 1`
	} else {
		query = `SELECT payload FROM checkpoints WHERE role = ? ORDER BY created_at DESC LIMIT 1`
	}

	var payload string
	err := s.db.QueryRowContext(ctx, query, role).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapStorageErr(err)
	}

	var cp fleetstate.Checkpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		// Malformed stored JSON is treated as no checkpoint (§4.5), not an
		// error, but it's still a warning-worthy event: the row exists and
		// should have been readable.
		s.log.Warn("checkpoint: discarding malformed stored payload", "role", role, "error", err)
		return nil, false, nil
	}
	return &cp, true, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
