// Package sqlite implements starling.Store on a single pure-Go SQLite
// connection. Zero CGO required. All access serialises through one mutex:
// correctness over throughput, because only a single agent runs per
// process.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starlinghq/starling"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for operations including timing and key parameters.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements starling.Store backed by a local SQLite file.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	logger *slog.Logger
}

var _ starling.Store = (*Store)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(slog.DiscardHandler)

// New opens (or creates) the database at dbPath. It configures WAL
// journaling, a 5 s busy timeout, and foreign-key enforcement, and pins the
// pool to a single connection so every goroutine serialises through it.
func New(dbPath string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s, nil
}

// Memory opens an in-memory store, used by tests and ephemeral runs.
func Memory(opts ...StoreOption) (*Store, error) {
	return New(":memory:", opts...)
}

// init creates all required tables.
func (s *Store) init() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS archive (
			hash TEXT PRIMARY KEY,
			content TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			priority TEXT NOT NULL DEFAULT 'medium',
			active_form TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS task_deps (
			blocker_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			blocked_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			PRIMARY KEY (blocker_id, blocked_id)
		)`,
		`CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			parent_id TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			messages TEXT NOT NULL DEFAULT '[]',
			iteration INTEGER NOT NULL DEFAULT 0,
			config_json TEXT NOT NULL DEFAULT '{}',
			dill_blob BLOB,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cached_input_tokens INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("sqlite: create table: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// --- Archive ---

// StoreArchive writes content-addressed text. Idempotent upsert keyed on
// the 12-hex SHA-256 prefix.
func (s *Store) StoreArchive(content string) (string, error) {
	hash := starling.ContentHash(content)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO archive (hash, content) VALUES (?, ?)
		 ON CONFLICT(hash) DO NOTHING`, hash, content)
	if err != nil {
		return "", fmt.Errorf("store archive: %w", err)
	}
	return hash, nil
}

// GetArchive returns archived content by hash.
func (s *Store) GetArchive(hash string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var content string
	err := s.db.QueryRow(`SELECT content FROM archive WHERE hash = ?`, hash).Scan(&content)
	if err != nil {
		return "", false
	}
	return content, true
}

// --- Tasks ---

// NextTaskID atomically increments the task counter and returns the id as
// a zero-padded 4-hex string. A missing counter row defaults the id space
// to zero.
func (s *Store) NextTaskID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	var value int64
	err := s.db.QueryRow(
		`INSERT INTO counters (name, value) VALUES ('task_id', 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value`).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("next task id: %w", err)
	}
	id := fmt.Sprintf("%04x", value)
	s.logger.Debug("sqlite: task id allocated", "id", id, "duration", time.Since(start))
	return id, nil
}

// CreateTask inserts a task and its dependency edges.
func (s *Store) CreateTask(t starling.TaskEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.Status == "" {
		t.Status = starling.TaskPending
	}
	if t.Priority == "" {
		t.Priority = "medium"
	}
	meta, _ := json.Marshal(t.Metadata)
	if t.Metadata == nil {
		meta = []byte("{}")
	}
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, subject, description, status, priority, active_form, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Subject, t.Description, string(t.Status), t.Priority, t.ActiveForm, string(meta))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	for _, blocked := range t.Blocks {
		if err := s.addDepLocked(t.ID, blocked); err != nil {
			return err
		}
	}
	for _, blocker := range t.BlockedBy {
		if err := s.addDepLocked(blocker, t.ID); err != nil {
			return err
		}
	}
	return nil
}

// GetTask loads one task with its edges.
func (s *Store) GetTask(id string) (starling.TaskEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTaskLocked(id)
}

func (s *Store) getTaskLocked(id string) (starling.TaskEntry, bool) {
	var t starling.TaskEntry
	var status, meta string
	err := s.db.QueryRow(
		`SELECT id, subject, description, status, priority, active_form, metadata
		 FROM tasks WHERE id = ?`, id).
		Scan(&t.ID, &t.Subject, &t.Description, &status, &t.Priority, &t.ActiveForm, &meta)
	if err != nil {
		return starling.TaskEntry{}, false
	}
	t.Status = starling.TaskStatus(status)
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &t.Metadata)
	}
	t.Blocks = s.edgeList(`SELECT blocked_id FROM task_deps WHERE blocker_id = ? ORDER BY blocked_id`, id)
	t.BlockedBy = s.edgeList(`SELECT blocker_id FROM task_deps WHERE blocked_id = ? ORDER BY blocker_id`, id)
	return t, true
}

func (s *Store) edgeList(query, id string) []string {
	rows, err := s.db.Query(query, id)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if rows.Scan(&v) == nil {
			out = append(out, v)
		}
	}
	return out
}

// ListTasks returns tasks filtered by status (when non-empty) and by
// blockedness (when non-nil). A task is blocked iff any edge points to a
// non-terminal blocker.
func (s *Store) ListTasks(status starling.TaskStatus, blocked *bool) ([]starling.TaskEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if rows.Scan(&id) == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	var out []starling.TaskEntry
	for _, id := range ids {
		t, ok := s.getTaskLocked(id)
		if !ok {
			continue
		}
		if blocked != nil && s.isBlockedLocked(id) != *blocked {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// isBlockedLocked joins edges against non-terminal blocker status.
func (s *Store) isBlockedLocked(id string) bool {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM task_deps d
		 JOIN tasks b ON b.id = d.blocker_id
		 WHERE d.blocked_id = ? AND b.status NOT IN ('completed', 'cancelled')`, id).Scan(&n)
	return err == nil && n > 0
}

// UpdateTask patches only the supplied fields and merges metadata
// key-by-key, where a nil value deletes a key.
func (s *Store) UpdateTask(id string, patch starling.TaskPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.getTaskLocked(id)
	if !ok {
		return fmt.Errorf("update task: no task %q", id)
	}

	if patch.Subject != nil {
		current.Subject = *patch.Subject
	}
	if patch.Description != nil {
		current.Description = *patch.Description
	}
	if patch.Status != nil {
		current.Status = *patch.Status
	}
	if patch.Priority != nil {
		current.Priority = *patch.Priority
	}
	if patch.ActiveForm != nil {
		current.ActiveForm = *patch.ActiveForm
	}
	if len(patch.Metadata) > 0 {
		if current.Metadata == nil {
			current.Metadata = make(map[string]any)
		}
		for k, v := range patch.Metadata {
			if v == nil {
				delete(current.Metadata, k)
			} else {
				current.Metadata[k] = v
			}
		}
	}

	meta, _ := json.Marshal(current.Metadata)
	if current.Metadata == nil {
		meta = []byte("{}")
	}
	_, err := s.db.Exec(
		`UPDATE tasks SET subject = ?, description = ?, status = ?, priority = ?, active_form = ?, metadata = ?
		 WHERE id = ?`,
		current.Subject, current.Description, string(current.Status), current.Priority,
		current.ActiveForm, string(meta), id)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// DeleteTask removes a task; its edges cascade.
func (s *Store) DeleteTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

// AddDep inserts a dependency edge: blocker must finish before blocked.
func (s *Store) AddDep(blockerID, blockedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addDepLocked(blockerID, blockedID)
}

func (s *Store) addDepLocked(blockerID, blockedID string) error {
	_, err := s.db.Exec(
		`INSERT INTO task_deps (blocker_id, blocked_id) VALUES (?, ?)
		 ON CONFLICT DO NOTHING`, blockerID, blockedID)
	if err != nil {
		return fmt.Errorf("add dep: %w", err)
	}
	return nil
}

// RemoveDep deletes a dependency edge.
func (s *Store) RemoveDep(blockerID, blockedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`DELETE FROM task_deps WHERE blocker_id = ? AND blocked_id = ?`, blockerID, blockedID)
	if err != nil {
		return fmt.Errorf("remove dep: %w", err)
	}
	return nil
}

// --- Agents ---

// SaveAgentState replaces the agent row.
func (s *Store) SaveAgentState(rec starling.AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	var parent any
	if rec.ParentID != "" {
		parent = rec.ParentID
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO agents
		 (agent_id, parent_id, status, messages, iteration, config_json, dill_blob,
		  input_tokens, output_tokens, cached_input_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AgentID, parent, rec.Status, rec.Messages, rec.Iteration, rec.Config,
		rec.Snapshot, rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Usage.CachedInputTokens)
	if err != nil {
		return fmt.Errorf("save agent state: %w", err)
	}
	s.logger.Debug("sqlite: agent state saved", "agent_id", rec.AgentID, "status", rec.Status, "duration", time.Since(start))
	return nil
}

// LoadAgentState loads one agent row.
func (s *Store) LoadAgentState(agentID string) (starling.AgentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAgentLocked(`SELECT agent_id, parent_id, status, messages, iteration, config_json, dill_blob,
		input_tokens, output_tokens, cached_input_tokens FROM agents WHERE agent_id = ?`, agentID)
}

func (s *Store) loadAgentLocked(query string, args ...any) (starling.AgentRecord, bool) {
	var rec starling.AgentRecord
	var parent sql.NullString
	err := s.db.QueryRow(query, args...).Scan(
		&rec.AgentID, &parent, &rec.Status, &rec.Messages, &rec.Iteration, &rec.Config,
		&rec.Snapshot, &rec.Usage.InputTokens, &rec.Usage.OutputTokens, &rec.Usage.CachedInputTokens)
	if err != nil {
		return starling.AgentRecord{}, false
	}
	rec.ParentID = parent.String
	return rec, true
}

// ListActiveAgents returns rows with status "active", optionally filtered
// by parent id.
func (s *Store) ListActiveAgents(parentID string) ([]starling.AgentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT agent_id, parent_id, status, messages, iteration, config_json, dill_blob,
		input_tokens, output_tokens, cached_input_tokens FROM agents WHERE status = 'active'`
	var args []any
	if parentID != "" {
		query += ` AND parent_id = ?`
		args = append(args, parentID)
	}
	query += ` ORDER BY agent_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active agents: %w", err)
	}
	defer rows.Close()

	var out []starling.AgentRecord
	for rows.Next() {
		var rec starling.AgentRecord
		var parent sql.NullString
		if err := rows.Scan(
			&rec.AgentID, &parent, &rec.Status, &rec.Messages, &rec.Iteration, &rec.Config,
			&rec.Snapshot, &rec.Usage.InputTokens, &rec.Usage.OutputTokens, &rec.Usage.CachedInputTokens); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		rec.ParentID = parent.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkAgentDone flips an agent row to done. Missing rows are ignored.
func (s *Store) MarkAgentDone(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`UPDATE agents SET status = 'done' WHERE agent_id = ?`, agentID); err != nil {
		s.logger.Error("sqlite: mark agent done failed", "agent_id", agentID, "error", err)
	}
}
