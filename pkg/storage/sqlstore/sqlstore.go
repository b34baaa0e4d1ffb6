// Package sqlstore is the SQLite Storage backend of spec.md §4.7: tables
// worlds, agents, agent_memory, chats; memory replacement is one
// transaction (DELETE then per-message INSERT).
//
// Grounded on leapmux-leapmux's internal/hub/db package: modernc.org/sqlite
// as the pure-Go driver (no cgo), WAL mode + a single max-open-conn since
// SQLite allows one writer at a time, and pressly/goose/v3 migrations
// embedded via go:embed.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/agentworld/agentworld/internal/apierr"
	"github.com/agentworld/agentworld/pkg/worldmodel"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open opens (creating if absent) a SQLite database at path, enables WAL
// mode and foreign keys, and runs pending migrations.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", apierr.ErrStorage, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: set WAL mode: %v", apierr.ErrStorage, err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: enable foreign keys: %v", apierr.ErrStorage, err)
	}
	db.SetMaxOpenConns(1) // sqlite allows a single writer at a time

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: set goose dialect: %v", apierr.ErrStorage, err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: run migrations: %v", apierr.ErrStorage, err)
	}
	return db, nil
}

// Store is the SQLite-backed Storage implementation.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened, already-migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func wrapExec(err error, what string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", apierr.ErrStorage, what, err)
}

const timeLayout = time.RFC3339Nano

// --- Worlds ---

func (s *Store) SaveWorld(ctx context.Context, w *worldmodel.World) error {
	varsJSON, err := json.Marshal(w.Variables)
	if err != nil {
		return fmt.Errorf("%w: marshal variables: %v", apierr.ErrStorage, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO worlds (id, name, description, turn_limit, current_chat_id, chat_llm_provider, chat_llm_model, mcp_config, variables_json, created_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description, turn_limit=excluded.turn_limit,
			current_chat_id=excluded.current_chat_id, chat_llm_provider=excluded.chat_llm_provider,
			chat_llm_model=excluded.chat_llm_model, mcp_config=excluded.mcp_config,
			variables_json=excluded.variables_json, last_updated=excluded.last_updated`,
		w.ID, w.Name, w.Description, w.TurnLimit, w.CurrentChatID, w.ChatLLMProvider,
		w.ChatLLMModel, w.MCPConfig, string(varsJSON), w.CreatedAt.Format(timeLayout), w.LastUpdated.Format(timeLayout))
	// AgentIDs is not stored on the worlds row: it is derived from the
	// agents table (keyed by world_id) on every LoadWorld/ListWorlds.
	return wrapExec(err, "save world")
}

func (s *Store) LoadWorld(ctx context.Context, worldID string) (*worldmodel.World, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, turn_limit, current_chat_id, chat_llm_provider, chat_llm_model, mcp_config, variables_json, created_at, last_updated
		FROM worlds WHERE id = ?`, worldID)

	var w worldmodel.World
	var varsJSON, createdAt, lastUpdated string
	err := row.Scan(&w.ID, &w.Name, &w.Description, &w.TurnLimit, &w.CurrentChatID, &w.ChatLLMProvider,
		&w.ChatLLMModel, &w.MCPConfig, &varsJSON, &createdAt, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load world: %v", apierr.ErrStorage, err)
	}
	if err := json.Unmarshal([]byte(varsJSON), &w.Variables); err != nil {
		return nil, fmt.Errorf("%w: unmarshal variables: %v", apierr.ErrStorage, err)
	}
	if w.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("%w: parse created_at: %v", apierr.ErrStorage, err)
	}
	if w.LastUpdated, err = time.Parse(timeLayout, lastUpdated); err != nil {
		return nil, fmt.Errorf("%w: parse last_updated: %v", apierr.ErrStorage, err)
	}

	agents, err := s.ListAgents(ctx, worldID)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		w.AgentIDs = append(w.AgentIDs, a.ID)
	}
	return &w, nil
}

func (s *Store) DeleteWorld(ctx context.Context, worldID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", apierr.ErrStorage, err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM agent_memory WHERE world_id = ?`,
		`DELETE FROM agents WHERE world_id = ?`,
		`DELETE FROM chats WHERE world_id = ?`,
		`DELETE FROM worlds WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, worldID); err != nil {
			return wrapExec(err, "delete world cascade")
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit delete world: %v", apierr.ErrStorage, err)
	}
	return nil
}

func (s *Store) ListWorlds(ctx context.Context) ([]*worldmodel.World, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM worlds ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list worlds: %v", apierr.ErrStorage, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan world id: %v", apierr.ErrStorage, err)
		}
		ids = append(ids, id)
	}
	var out []*worldmodel.World
	for _, id := range ids {
		w, err := s.LoadWorld(ctx, id)
		if err != nil {
			return nil, err
		}
		if w != nil {
			out = append(out, w)
		}
	}
	return out, nil
}

// --- Agents ---

func (s *Store) SaveAgent(ctx context.Context, a *worldmodel.Agent) error {
	var lastLLMCall any
	if a.LastLLMCall != nil {
		lastLLMCall = a.LastLLMCall.Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (world_id, agent_id, name, type, provider, model, system_prompt, temperature, max_tokens, auto_reply, broadcast, status, llm_call_count, last_llm_call, created_at, last_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(world_id, agent_id) DO UPDATE SET
			name=excluded.name, type=excluded.type, provider=excluded.provider, model=excluded.model,
			system_prompt=excluded.system_prompt, temperature=excluded.temperature, max_tokens=excluded.max_tokens,
			auto_reply=excluded.auto_reply, broadcast=excluded.broadcast, status=excluded.status,
			llm_call_count=excluded.llm_call_count, last_llm_call=excluded.last_llm_call, last_active=excluded.last_active`,
		a.WorldID, a.ID, a.Name, a.Type, a.Provider, a.Model, a.SystemPrompt, a.Temperature, a.MaxTokens,
		a.AutoReply, a.Broadcast, string(a.Status), a.LLMCallCount, lastLLMCall,
		a.CreatedAt.Format(timeLayout), a.LastActive.Format(timeLayout))
	return wrapExec(err, "save agent")
}

func (s *Store) LoadAgent(ctx context.Context, worldID, agentID string) (*worldmodel.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, world_id, name, type, provider, model, system_prompt, temperature, max_tokens, auto_reply, broadcast, status, llm_call_count, last_llm_call, created_at, last_active
		FROM agents WHERE world_id = ? AND agent_id = ?`, worldID, agentID)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (*worldmodel.Agent, error) {
	var a worldmodel.Agent
	var status, createdAt, lastActive string
	var lastLLMCall sql.NullString
	err := row.Scan(&a.ID, &a.WorldID, &a.Name, &a.Type, &a.Provider, &a.Model, &a.SystemPrompt,
		&a.Temperature, &a.MaxTokens, &a.AutoReply, &a.Broadcast, &status, &a.LLMCallCount,
		&lastLLMCall, &createdAt, &lastActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load agent: %v", apierr.ErrStorage, err)
	}
	a.Status = worldmodel.AgentStatus(status)
	if a.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("%w: parse created_at: %v", apierr.ErrStorage, err)
	}
	if a.LastActive, err = time.Parse(timeLayout, lastActive); err != nil {
		return nil, fmt.Errorf("%w: parse last_active: %v", apierr.ErrStorage, err)
	}
	if lastLLMCall.Valid {
		t, err := time.Parse(timeLayout, lastLLMCall.String)
		if err != nil {
			return nil, fmt.Errorf("%w: parse last_llm_call: %v", apierr.ErrStorage, err)
		}
		a.LastLLMCall = &t
	}
	return &a, nil
}

func (s *Store) DeleteAgent(ctx context.Context, worldID, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", apierr.ErrStorage, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_memory WHERE world_id = ? AND agent_id = ?`, worldID, agentID); err != nil {
		return wrapExec(err, "delete agent memory")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE world_id = ? AND agent_id = ?`, worldID, agentID); err != nil {
		return wrapExec(err, "delete agent")
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit delete agent: %v", apierr.ErrStorage, err)
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context, worldID string) ([]*worldmodel.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, world_id, name, type, provider, model, system_prompt, temperature, max_tokens, auto_reply, broadcast, status, llm_call_count, last_llm_call, created_at, last_active
		FROM agents WHERE world_id = ? ORDER BY agent_id`, worldID)
	if err != nil {
		return nil, fmt.Errorf("%w: list agents: %v", apierr.ErrStorage, err)
	}
	defer rows.Close()

	var out []*worldmodel.Agent
	for rows.Next() {
		var a worldmodel.Agent
		var status, createdAt, lastActive string
		var lastLLMCall sql.NullString
		if err := rows.Scan(&a.ID, &a.WorldID, &a.Name, &a.Type, &a.Provider, &a.Model, &a.SystemPrompt,
			&a.Temperature, &a.MaxTokens, &a.AutoReply, &a.Broadcast, &status, &a.LLMCallCount,
			&lastLLMCall, &createdAt, &lastActive); err != nil {
			return nil, fmt.Errorf("%w: scan agent: %v", apierr.ErrStorage, err)
		}
		a.Status = worldmodel.AgentStatus(status)
		if a.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("%w: parse created_at: %v", apierr.ErrStorage, err)
		}
		if a.LastActive, err = time.Parse(timeLayout, lastActive); err != nil {
			return nil, fmt.Errorf("%w: parse last_active: %v", apierr.ErrStorage, err)
		}
		if lastLLMCall.Valid {
			t, err := time.Parse(timeLayout, lastLLMCall.String)
			if err != nil {
				return nil, fmt.Errorf("%w: parse last_llm_call: %v", apierr.ErrStorage, err)
			}
			a.LastLLMCall = &t
		}
		out = append(out, &a)
	}
	return out, nil
}

// --- Agent memory ---

func (s *Store) SaveAgentMemory(ctx context.Context, worldID, agentID string, messages []worldmodel.AgentMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", apierr.ErrStorage, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_memory WHERE world_id = ? AND agent_id = ?`, worldID, agentID); err != nil {
		return wrapExec(err, "clear agent memory")
	}
	for _, m := range messages {
		var input, output, total any
		if m.Usage != nil {
			input, output, total = m.Usage.InputTokens, m.Usage.OutputTokens, m.Usage.TotalTokens
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_memory (world_id, agent_id, message_id, chat_id, role, sender, content, created_at, reply_to_message_id, tool_call_id, input_tokens, output_tokens, total_tokens)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			worldID, agentID, m.MessageID, m.ChatID, string(m.Role), m.Sender, m.Content,
			m.CreatedAt.Format(timeLayout), m.ReplyToMessageID, m.ToolCallID, input, output, total)
		if err != nil {
			return wrapExec(err, "insert agent message")
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit agent memory: %v", apierr.ErrStorage, err)
	}
	return nil
}

func (s *Store) LoadAgentMemory(ctx context.Context, worldID, agentID string) ([]worldmodel.AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, chat_id, role, sender, content, created_at, reply_to_message_id, tool_call_id, input_tokens, output_tokens, total_tokens
		FROM agent_memory WHERE world_id = ? AND agent_id = ? ORDER BY created_at`, worldID, agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: load agent memory: %v", apierr.ErrStorage, err)
	}
	defer rows.Close()

	var out []worldmodel.AgentMessage
	for rows.Next() {
		var m worldmodel.AgentMessage
		var role, createdAt string
		var input, output, total sql.NullInt64
		if err := rows.Scan(&m.MessageID, &m.ChatID, &role, &m.Sender, &m.Content, &createdAt,
			&m.ReplyToMessageID, &m.ToolCallID, &input, &output, &total); err != nil {
			return nil, fmt.Errorf("%w: scan agent message: %v", apierr.ErrStorage, err)
		}
		m.Role = worldmodel.MessageRole(role)
		if m.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("%w: parse created_at: %v", apierr.ErrStorage, err)
		}
		if input.Valid {
			m.Usage = &worldmodel.Usage{
				InputTokens:  int(input.Int64),
				OutputTokens: int(output.Int64),
				TotalTokens:  int(total.Int64),
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) ArchiveAgentMemory(ctx context.Context, worldID, agentID string) error {
	messages, err := s.LoadAgentMemory(ctx, worldID, agentID)
	if err != nil || len(messages) == 0 {
		return err
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("%w: marshal archive: %v", apierr.ErrStorage, err)
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_memory_archive (
			world_id TEXT NOT NULL, agent_id TEXT NOT NULL, archived_at TEXT NOT NULL, messages_json TEXT NOT NULL
		)`)
	if err != nil {
		return wrapExec(err, "ensure archive table")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_memory_archive (world_id, agent_id, archived_at, messages_json) VALUES (?, ?, ?, ?)`,
		worldID, agentID, time.Now().UTC().Format(timeLayout), string(data))
	return wrapExec(err, "archive agent memory")
}

// --- Chats ---

func (s *Store) SaveChat(ctx context.Context, c *worldmodel.Chat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (world_id, chat_id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(world_id, chat_id) DO UPDATE SET
			name=excluded.name, description=excluded.description, updated_at=excluded.updated_at`,
		c.WorldID, c.ID, c.Name, c.Description, c.CreatedAt.Format(timeLayout), c.UpdatedAt.Format(timeLayout))
	return wrapExec(err, "save chat")
}

func (s *Store) LoadChatData(ctx context.Context, worldID, chatID string) (*worldmodel.Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, world_id, name, description, created_at, updated_at FROM chats WHERE world_id = ? AND chat_id = ?`,
		worldID, chatID)
	var c worldmodel.Chat
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.WorldID, &c.Name, &c.Description, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load chat: %v", apierr.ErrStorage, err)
	}
	if c.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("%w: parse created_at: %v", apierr.ErrStorage, err)
	}
	if c.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("%w: parse updated_at: %v", apierr.ErrStorage, err)
	}
	return &c, nil
}

func (s *Store) LoadChats(ctx context.Context, worldID string) ([]*worldmodel.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, world_id, name, description, created_at, updated_at FROM chats WHERE world_id = ? ORDER BY created_at`, worldID)
	if err != nil {
		return nil, fmt.Errorf("%w: list chats: %v", apierr.ErrStorage, err)
	}
	defer rows.Close()

	var out []*worldmodel.Chat
	for rows.Next() {
		var c worldmodel.Chat
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.WorldID, &c.Name, &c.Description, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan chat: %v", apierr.ErrStorage, err)
		}
		if c.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("%w: parse created_at: %v", apierr.ErrStorage, err)
		}
		if c.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("%w: parse updated_at: %v", apierr.ErrStorage, err)
		}
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) DeleteChat(ctx context.Context, worldID, chatID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE world_id = ? AND chat_id = ?`, worldID, chatID)
	return wrapExec(err, "delete chat")
}
