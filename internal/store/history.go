package store

import (
	"database/sql"
	"errors"

	_ "github.com/glebarez/go-sqlite"
	"github.com/tmc/langchaingo/llms"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a conditional update lost a race.
	ErrConflict = errors.New("store: concurrent modification")
	// ErrSessionBusy is returned when a session already has an active workflow.
	ErrSessionBusy = errors.New("store: session already has an active workflow")
	// ErrImmutable is returned when updating a terminal record.
	ErrImmutable = errors.New("store: record is terminal")
)

// Store persists conversation history, scheduled tasks, calendar events,
// workflows, drafts and the session registry in a single sqlite file.
type Store struct {
	DB *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT,
		role TEXT,
		content TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT,
		task_description TEXT,
		interval_seconds INTEGER,
		last_run DATETIME,
		status TEXT DEFAULT 'active'
	);`,
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT NOT NULL,
		title TEXT NOT NULL,
		start_at INTEGER NOT NULL,
		end_at INTEGER NOT NULL,
		attendees TEXT,
		notes TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		original_request TEXT NOT NULL,
		status TEXT NOT NULL,
		steps TEXT NOT NULL,
		step_count INTEGER NOT NULL,
		max_steps INTEGER NOT NULL,
		pending_draft_id TEXT,
		explanation TEXT,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_workflows_session ON workflows(session_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS drafts (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		operation TEXT NOT NULL,
		parameters TEXT NOT NULL,
		preview_text TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_drafts_workflow ON drafts(workflow_id);`,
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers; conditional updates stay
	// atomic without relying on busy retries.
	db.SetMaxOpenConns(1)

	for _, q := range schema {
		_, err = db.Exec(q)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Store{DB: db}, nil
}

func (h *Store) Close() error {
	return h.DB.Close()
}

func (h *Store) AddMessage(chatID string, role string, content string) error {
	query := `INSERT INTO messages (chat_id, role, content) VALUES (?, ?, ?)`
	_, err := h.DB.Exec(query, chatID, role, content)
	return err
}

func (h *Store) AddTask(chatID string, description string, intervalSeconds int) error {
	query := `INSERT INTO tasks (chat_id, task_description, interval_seconds, last_run) VALUES (?, ?, ?, datetime('now', '-365 days'))`
	_, err := h.DB.Exec(query, chatID, description, intervalSeconds)
	return err
}

func (h *Store) GetPendingTasks() ([]map[string]any, error) {
	query := `
		SELECT id, chat_id, task_description, interval_seconds, last_run
		FROM tasks
		WHERE status = 'active'
		AND (last_run IS NULL OR (julianday('now') - julianday(last_run)) * 86400 >= interval_seconds)`
	return h.queryTasks(query)
}

// ListTasks returns the active tasks of a chat.
func (h *Store) ListTasks(chatID string) ([]map[string]any, error) {
	query := `SELECT id, chat_id, task_description, interval_seconds, last_run FROM tasks WHERE status = 'active' AND chat_id = ? ORDER BY id`
	return h.queryTasks(query, chatID)
}

func (h *Store) queryTasks(query string, args ...any) ([]map[string]any, error) {
	rows, err := h.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []map[string]any
	for rows.Next() {
		var id, interval int
		var chatID, desc string
		var lastRun sql.NullString
		if err := rows.Scan(&id, &chatID, &desc, &interval, &lastRun); err != nil {
			return nil, err
		}
		tasks = append(tasks, map[string]any{
			"id":               id,
			"chat_id":          chatID,
			"task_description": desc,
			"interval_seconds": interval,
		})
	}
	return tasks, rows.Err()
}

func (h *Store) UpdateTaskLastRun(id int) error {
	query := `UPDATE tasks SET last_run = datetime('now') WHERE id = ?`
	_, err := h.DB.Exec(query, id)
	return err
}

func (h *Store) DeleteTask(chatID string, taskID int) error {
	query := `DELETE FROM tasks WHERE chat_id = ? AND id = ?`
	_, err := h.DB.Exec(query, chatID, taskID)
	return err
}

func (h *Store) ClearTasks(chatID string) error {
	query := `DELETE FROM tasks WHERE chat_id = ?`
	_, err := h.DB.Exec(query, chatID)
	return err
}

func (h *Store) GetHistory(chatID string, limit int) ([]llms.MessageContent, error) {
	query := `SELECT role, content FROM messages WHERE chat_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := h.DB.Query(query, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []llms.MessageContent
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, err
		}

		// Convert role string to llms.ChatMessageType
		var msgRole llms.ChatMessageType
		switch role {
		case "human":
			msgRole = llms.ChatMessageTypeHuman
		case "ai":
			msgRole = llms.ChatMessageTypeAI
		case "system":
			msgRole = llms.ChatMessageTypeSystem
		default:
			msgRole = llms.ChatMessageTypeHuman
		}

		history = append(history, llms.MessageContent{
			Role: msgRole,
			Parts: []llms.ContentPart{
				llms.TextPart(content),
			},
		})
	}

	// Reverse to get chronological order
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}

	return history, rows.Err()
}
