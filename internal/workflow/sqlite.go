package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteJobStore implements Store on a SQLite database.
type SQLiteJobStore struct {
	db *sql.DB
}

// NewSQLiteJobStore creates the jobs table on the given database.
func NewSQLiteJobStore(db *sql.DB) (*SQLiteJobStore, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		workflow TEXT NOT NULL,
		params TEXT,
		status TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		callback TEXT,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create job schema: %w", err)
	}
	return &SQLiteJobStore{db: db}, nil
}

func (s *SQLiteJobStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, workflow, params, status, result, error, callback, created_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Workflow, nullableRaw(job.Params), string(job.Status), job.Result, job.Error,
		nullableRaw(job.Callback), job.CreatedAt, nullableTime(job.StartedAt), nullableTime(job.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *SQLiteJobStore) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = ?, error = ?, started_at = ?, finished_at = ? WHERE id = ?`,
		string(job.Status), job.Result, job.Error,
		nullableTime(job.StartedAt), nullableTime(job.FinishedAt), job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLiteJobStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow, params, status, result, error, callback, created_at, started_at, finished_at
		 FROM jobs WHERE id = ?`, id)
	return scanJob(row.Scan)
}

func (s *SQLiteJobStore) List(ctx context.Context, limit, offset int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow, params, status, result, error, callback, created_at, started_at, finished_at
		 FROM jobs ORDER BY created_at LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteJobStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?) AND created_at < ?`,
		string(StatusCompleted), string(StatusFailed), cutoff)
	if err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE job_id NOT IN (SELECT id FROM jobs)`); err != nil {
		// The checkpoint table may live on a different database; pruning
		// jobs still succeeded.
		return res.RowsAffected()
	}
	return res.RowsAffected()
}

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var job Job
	var status string
	var params, callback sql.NullString
	var startedAt, finishedAt sql.NullTime
	err := scan(&job.ID, &job.Workflow, &params, &status, &job.Result, &job.Error,
		&callback, &job.CreatedAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Status = Status(status)
	if params.Valid {
		job.Params = []byte(params.String)
	}
	if callback.Valid {
		job.Callback = []byte(callback.String)
	}
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time
	}
	return &job, nil
}

func nullableRaw(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
