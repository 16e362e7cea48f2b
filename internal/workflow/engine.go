package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/polymathlabs/polymath/internal/backoff"
	"github.com/polymathlabs/polymath/internal/observability"
)

// StepInput carries a job's parameters and the outputs of previously
// checkpointed steps into a step function.
type StepInput struct {
	JobID  string
	Params json.RawMessage

	mu      sync.RWMutex
	outputs map[string]string
}

// DecodeParams unmarshals the job's parameters into v.
func (in *StepInput) DecodeParams(v any) error {
	if len(in.Params) == 0 {
		return errors.New("job has no parameters")
	}
	return json.Unmarshal(in.Params, v)
}

// Output returns the checkpointed result of an earlier step.
func (in *StepInput) Output(step string) (string, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	result, ok := in.outputs[step]
	return result, ok
}

// SetOutput records an upstream step's output. The engine populates
// outputs from checkpoints; tests use it to exercise step functions in
// isolation.
func (in *StepInput) SetOutput(step, result string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.outputs[step] = result
}

// NewStepInput builds a step input for a job.
func NewStepInput(jobID string, params json.RawMessage) *StepInput {
	return &StepInput{JobID: jobID, Params: params, outputs: map[string]string{}}
}

// StepFunc executes one workflow step. Step functions must be idempotent
// with respect to their declared inputs: a checkpointed result stands in
// for re-execution after a crash.
type StepFunc func(ctx context.Context, in *StepInput) (string, error)

// Step is one named unit of work in a workflow definition.
type Step struct {
	Name string
	Run  StepFunc
}

// Definition is a statically defined ordered sequence of step groups.
// Groups execute in order; members of a group with more than one step run
// concurrently, and the job advances only when every member has
// checkpointed.
type Definition struct {
	Name   string
	groups [][]Step
}

// NewDefinition creates an empty workflow definition.
func NewDefinition(name string) *Definition {
	return &Definition{Name: name}
}

// Then appends a sequential step.
func (d *Definition) Then(step Step) *Definition {
	d.groups = append(d.groups, []Step{step})
	return d
}

// ThenParallel appends a group of steps that execute concurrently.
func (d *Definition) ThenParallel(steps ...Step) *Definition {
	if len(steps) > 0 {
		d.groups = append(d.groups, steps)
	}
	return d
}

// StepNames returns the declared step names in group order.
func (d *Definition) StepNames() []string {
	var names []string
	for _, group := range d.groups {
		for _, step := range group {
			names = append(names, step.Name)
		}
	}
	return names
}

// StepExecutionError reports a step that failed after exhausting retries.
type StepExecutionError struct {
	Workflow string
	Step     string
	Cause    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("workflow %q step %q failed: %v", e.Workflow, e.Step, e.Cause)
}

func (e *StepExecutionError) Unwrap() error { return e.Cause }

// Callback is invoked exactly once when a job reaches a terminal status.
// On success failure is nil and result holds the synthesized output; on
// retry exhaustion result is empty and failure describes the fault.
// Delivery errors are the callback's own concern (best-effort); the job is
// terminal either way.
type Callback interface {
	Notify(ctx context.Context, job *Job, result string, failure error)
}

// CallbackFunc adapts a function to the Callback interface.
type CallbackFunc func(ctx context.Context, job *Job, result string, failure error)

func (f CallbackFunc) Notify(ctx context.Context, job *Job, result string, failure error) {
	f(ctx, job, result, failure)
}

// Config tunes the engine's retry behavior.
type Config struct {
	// MaxAttempts bounds executions per step, first try included.
	// Default: 3.
	MaxAttempts int

	// RetryPolicy shapes the delay between attempts.
	RetryPolicy backoff.Policy

	// Logger receives engine diagnostics. Nil gets a no-op logger.
	Logger *observability.Logger

	// Metrics records job and step counters when set.
	Metrics *observability.Metrics
}

// Engine executes workflow definitions against the job and checkpoint
// stores. Jobs for different ids proceed independently; RunJob serializes
// per job id.
type Engine struct {
	jobs        Store
	checkpoints CheckpointStore
	callback    Callback
	cfg         Config

	defsMu sync.RWMutex
	defs   map[string]*Definition

	locksMu sync.Mutex
	locks   map[string]*jobLock
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine creates a workflow engine. callback may be nil when no one
// needs completion notifications (tests).
func NewEngine(jobs Store, checkpoints CheckpointStore, callback Callback, cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryPolicy == (backoff.Policy{}) {
		cfg.RetryPolicy = backoff.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	return &Engine{
		jobs:        jobs,
		checkpoints: checkpoints,
		callback:    callback,
		cfg:         cfg,
		defs:        map[string]*Definition{},
		locks:       map[string]*jobLock{},
	}
}

// RegisterWorkflow makes a definition available by name. Definitions are
// registered at process start.
func (e *Engine) RegisterWorkflow(def *Definition) error {
	if def == nil || strings.TrimSpace(def.Name) == "" {
		return errors.New("workflow definition requires a name")
	}
	if len(def.groups) == 0 {
		return fmt.Errorf("workflow %q has no steps", def.Name)
	}
	e.defsMu.Lock()
	defer e.defsMu.Unlock()
	if _, exists := e.defs[def.Name]; exists {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.defs[def.Name] = def
	return nil
}

// Enqueue creates a job for the named workflow and starts it in the
// background. The call returns as soon as the job record is durable;
// execution proceeds independently of the caller's context.
func (e *Engine) Enqueue(ctx context.Context, workflow string, params any, callbackAddr json.RawMessage) (*Job, error) {
	e.defsMu.RLock()
	_, ok := e.defs[workflow]
	e.defsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", workflow)
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode job params: %w", err)
	}
	job := &Job{
		ID:        uuid.NewString(),
		Workflow:  workflow,
		Params:    encoded,
		Status:    StatusCreated,
		Callback:  callbackAddr,
		CreatedAt: time.Now(),
	}
	if err := e.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	go func() {
		runCtx := context.WithValue(context.Background(), observability.JobIDKey, job.ID)
		if err := e.RunJob(runCtx, job.ID); err != nil {
			e.cfg.Logger.Error(runCtx, "job run failed", "workflow", workflow, "error", err)
		}
	}()
	return job, nil
}

// RunJob executes (or resumes) the job with the given id. Steps whose
// checkpoints already exist are skipped, so a job interrupted by a crash
// picks up where it left off. Calling RunJob on a Completed or Failed job
// is a no-op. Step execution is at-least-once; checkpoint application is
// effectively once.
func (e *Engine) RunJob(ctx context.Context, jobID string) error {
	unlock := e.lockJob(jobID)
	defer unlock()

	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	e.defsMu.RLock()
	def := e.defs[job.Workflow]
	e.defsMu.RUnlock()
	if def == nil {
		return e.failJob(ctx, job, fmt.Errorf("unknown workflow %q", job.Workflow))
	}

	job.Status = StatusRunning
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now()
	}
	if err := e.jobs.Update(ctx, job); err != nil {
		return err
	}

	input := NewStepInput(job.ID, job.Params)

	var lastResult string
	for _, group := range def.groups {
		if err := e.runGroup(ctx, job, group, input); err != nil {
			return e.failJob(ctx, job, err)
		}
		// All members checkpointed; the last declared step's output is the
		// group's result.
		last := group[len(group)-1]
		if out, ok := input.Output(last.Name); ok {
			lastResult = out
		}
	}

	job.Status = StatusCompleted
	job.Result = lastResult
	job.FinishedAt = time.Now()
	if err := e.jobs.Update(ctx, job); err != nil {
		return err
	}
	e.countJob(job, "completed")
	e.cfg.Logger.Info(ctx, "job completed", "workflow", job.Workflow)
	if e.callback != nil {
		e.callback.Notify(ctx, job, lastResult, nil)
	}
	return nil
}

// runGroup brings every member of the group to a checkpointed state.
// Members missing a checkpoint execute concurrently; failure of any member
// fails the group.
func (e *Engine) runGroup(ctx context.Context, job *Job, group []Step, input *StepInput) error {
	pending := make([]Step, 0, len(group))
	for _, step := range group {
		result, ok, err := e.checkpoints.Get(ctx, job.ID, step.Name)
		if err != nil {
			return fmt.Errorf("read checkpoint for step %q: %w", step.Name, err)
		}
		if ok {
			input.SetOutput(step.Name, result)
			e.countStep(job, step.Name, "skipped")
			continue
		}
		pending = append(pending, step)
	}
	if len(pending) == 0 {
		return nil
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for _, step := range pending {
		g.Go(func() error {
			return e.runStep(groupCtx, job, step, input)
		})
	}
	return g.Wait()
}

// runStep executes one step with bounded retries and durably checkpoints
// the result before returning.
func (e *Engine) runStep(ctx context.Context, job *Job, step Step, input *StepInput) error {
	result, err := backoff.Retry(ctx, e.cfg.RetryPolicy, e.cfg.MaxAttempts, func(attempt int) (string, error) {
		if attempt > 1 {
			e.countRetry(job, step.Name)
			e.cfg.Logger.Warn(ctx, "retrying step",
				"workflow", job.Workflow,
				"step", step.Name,
				"attempt", attempt,
			)
		}
		return step.Run(ctx, input)
	})
	if err != nil {
		e.countStep(job, step.Name, "failed")
		return &StepExecutionError{Workflow: job.Workflow, Step: step.Name, Cause: err}
	}

	if err := e.checkpoints.Put(ctx, job.ID, step.Name, result); err != nil {
		return fmt.Errorf("checkpoint step %q: %w", step.Name, err)
	}
	input.SetOutput(step.Name, result)
	e.countStep(job, step.Name, "checkpointed")
	e.cfg.Logger.Debug(ctx, "step checkpointed", "workflow", job.Workflow, "step", step.Name)
	return nil
}

// failJob transitions the job to Failed and fires the callback with the
// failure. The transition happens at most once because RunJob no-ops on
// terminal jobs.
func (e *Engine) failJob(ctx context.Context, job *Job, cause error) error {
	job.Status = StatusFailed
	job.Error = cause.Error()
	job.FinishedAt = time.Now()
	if err := e.jobs.Update(ctx, job); err != nil {
		return errors.Join(cause, err)
	}
	e.countJob(job, "failed")
	e.cfg.Logger.Error(ctx, "job failed", "workflow", job.Workflow, "error", cause)
	if e.callback != nil {
		e.callback.Notify(ctx, job, "", cause)
	}
	return nil
}

func (e *Engine) lockJob(jobID string) func() {
	e.locksMu.Lock()
	lock := e.locks[jobID]
	if lock == nil {
		lock = &jobLock{}
		e.locks[jobID] = lock
	}
	lock.refs++
	e.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		e.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(e.locks, jobID)
		}
		e.locksMu.Unlock()
	}
}

func (e *Engine) countJob(job *Job, status string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.JobCounter.WithLabelValues(job.Workflow, status).Inc()
	}
}

func (e *Engine) countStep(job *Job, step, status string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.StepCounter.WithLabelValues(job.Workflow, step, status).Inc()
	}
}

func (e *Engine) countRetry(job *Job, step string) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.StepRetryCounter.WithLabelValues(job.Workflow, step).Inc()
	}
}
