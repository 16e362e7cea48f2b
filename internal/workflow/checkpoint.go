package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// CheckpointStore persists one result per (job, step). A checkpoint must be
// durable before the engine advances past its step: a resumed job treats an
// existing checkpoint as a valid substitute for re-execution.
type CheckpointStore interface {
	// Get returns the checkpointed result for the step, if present.
	Get(ctx context.Context, jobID, step string) (string, bool, error)

	// Put durably records the step's result. Writing the same step twice
	// keeps the first value; step functions are assumed deterministic with
	// respect to their inputs, so the values would agree anyway.
	Put(ctx context.Context, jobID, step, result string) error

	// Delete removes all checkpoints for a job.
	Delete(ctx context.Context, jobID string) error
}

// MemoryCheckpoints keeps checkpoints in memory, for tests and local runs.
type MemoryCheckpoints struct {
	mu    sync.RWMutex
	byJob map[string]map[string]string
}

// NewMemoryCheckpoints returns an in-memory checkpoint store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{byJob: make(map[string]map[string]string)}
}

func (m *MemoryCheckpoints) Get(ctx context.Context, jobID, step string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result, ok := m.byJob[jobID][step]
	return result, ok, nil
}

func (m *MemoryCheckpoints) Put(ctx context.Context, jobID, step, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := m.byJob[jobID]
	if steps == nil {
		steps = make(map[string]string)
		m.byJob[jobID] = steps
	}
	if _, exists := steps[step]; !exists {
		steps[step] = result
	}
	return nil
}

func (m *MemoryCheckpoints) Delete(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byJob, jobID)
	return nil
}

// SQLiteCheckpoints persists checkpoints in SQLite, surviving process
// restarts.
type SQLiteCheckpoints struct {
	db *sql.DB
}

// NewSQLiteCheckpoints creates the checkpoint table on the given database.
// The database is commonly shared with SQLiteJobStore.
func NewSQLiteCheckpoints(db *sql.DB) (*SQLiteCheckpoints, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		job_id TEXT NOT NULL,
		step TEXT NOT NULL,
		result TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (job_id, step)
	);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint schema: %w", err)
	}
	return &SQLiteCheckpoints{db: db}, nil
}

func (s *SQLiteCheckpoints) Get(ctx context.Context, jobID, step string) (string, bool, error) {
	var result string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM checkpoints WHERE job_id = ? AND step = ?`, jobID, step).Scan(&result)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return result, true, nil
}

func (s *SQLiteCheckpoints) Put(ctx context.Context, jobID, step, result string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (job_id, step, result, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (job_id, step) DO NOTHING`,
		jobID, step, result, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteCheckpoints) Delete(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE job_id = ?`, jobID)
	return err
}
