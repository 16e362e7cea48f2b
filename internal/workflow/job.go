// Package workflow executes named multi-step background jobs with durable
// per-step checkpoints, bounded retries, and a completion callback.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Status represents the state of a job.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a job in this status will never run again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is an instance of a named multi-step workflow. A job outlives the
// request that created it: the serialized callback address is all the
// engine needs to notify the originating session when the job ends.
type Job struct {
	ID         string          `json:"id"`
	Workflow   string          `json:"workflow"`
	Params     json.RawMessage `json:"params,omitempty"`
	Status     Status          `json:"status"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Callback   json.RawMessage `json:"callback,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// ErrJobNotFound is returned when a job id is unknown.
var ErrJobNotFound = errors.New("job not found")

// Store persists job records.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, limit, offset int) ([]*Job, error)
	// Prune removes terminal jobs older than the given duration. Returns the
	// count of pruned jobs.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MemoryStore keeps jobs in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	keys []string
}

// NewMemoryStore returns a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		s.keys = append(s.keys, job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.keys) {
		return nil, nil
	}
	end := len(s.keys)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	result := make([]*Job, 0, end-offset)
	for _, id := range s.keys[offset:end] {
		if job, ok := s.jobs[id]; ok {
			result = append(result, cloneJob(job))
		}
	}
	return result, nil
}

func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var pruned int64
	var kept []string
	for _, id := range s.keys {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		if job.Status.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			pruned++
		} else {
			kept = append(kept, id)
		}
	}
	s.keys = kept
	return pruned, nil
}

func cloneJob(job *Job) *Job {
	clone := *job
	if job.Params != nil {
		clone.Params = append(json.RawMessage{}, job.Params...)
	}
	if job.Callback != nil {
		clone.Callback = append(json.RawMessage{}, job.Callback...)
	}
	return &clone
}
