package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/polymathlabs/polymath/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore implements the Store interface on a SQLite database. Message
// appends are committed before returning, so the log survives a process
// restart.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and runs schema
// setup. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent appends.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying database connection for related stores.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		metadata TEXT,
		seq INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt

	metadata, err := encodeJSON(session.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, key, title, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.Key, session.Title, metadata, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, key, title, metadata, created_at, updated_at FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, key, title, metadata, created_at, updated_at FROM sessions WHERE key = ?`, key)
	return scanSession(row)
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, key string) (*models.Session, error) {
	session, err := s.GetByKey(ctx, key)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	session = &models.Session{Key: key}
	if err := s.Create(ctx, session); err != nil {
		// Lost a race with a concurrent creator; re-read.
		if existing, getErr := s.GetByKey(ctx, key); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return session, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id)
	return err
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.SessionID = sessionID

	toolCalls, err := encodeJSON(msg.ToolCalls)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(msg.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	// seq gives a total order independent of timestamp resolution.
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, sessionID).Scan(&seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tool_calls, metadata, seq, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, string(msg.Role), msg.Content, toolCalls, metadata, seq, msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, msg.CreatedAt, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tool_calls, metadata, created_at
		 FROM (
			SELECT * FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var msg models.Message
		var role string
		var toolCalls, metadata sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &toolCalls, &metadata, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Role = models.Role(role)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls: %w", err)
			}
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata: %w", err)
			}
		}
		out = append(out, &msg)
	}
	if out == nil {
		out = []*models.Message{}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PruneIdle(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id NOT IN (SELECT id FROM sessions)`); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSession(row *sql.Row) (*models.Session, error) {
	var session models.Session
	var metadata sql.NullString
	err := row.Scan(&session.ID, &session.Key, &session.Title, &metadata, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &session, nil
}

func encodeJSON(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	case []models.ToolCall:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode json: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
