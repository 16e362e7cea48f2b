package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polymathlabs/polymath/internal/backoff"
)

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		RetryPolicy: backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
	}
}

func waitTerminal(t *testing.T, jobs Store, jobID string) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := jobs.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal status")
	return nil
}

func TestEngineRunsStepsInOrder(t *testing.T) {
	jobs := NewMemoryStore()
	engine := NewEngine(jobs, NewMemoryCheckpoints(), nil, fastConfig())

	var mu sync.Mutex
	var order []string
	record := func(name, result string) Step {
		return Step{Name: name, Run: func(ctx context.Context, in *StepInput) (string, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return result, nil
		}}
	}

	def := NewDefinition("pipeline").
		Then(record("first", "a")).
		Then(record("second", "b")).
		Then(record("third", "final answer"))
	if err := engine.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow() error = %v", err)
	}

	job, err := engine.Enqueue(context.Background(), "pipeline", map[string]string{"q": "x"}, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	done := waitTerminal(t, jobs, job.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("Status = %q, want %q (error: %s)", done.Status, StatusCompleted, done.Error)
	}
	if done.Result != "final answer" {
		t.Errorf("Result = %q, want %q", done.Result, "final answer")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("executed %d steps, want %d: %v", len(order), len(want), order)
	}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("step %d = %q, want %q", i, order[i], name)
		}
	}
}

func TestEngineLaterStepsSeeEarlierOutputs(t *testing.T) {
	jobs := NewMemoryStore()
	engine := NewEngine(jobs, NewMemoryCheckpoints(), nil, fastConfig())

	def := NewDefinition("chained").
		Then(Step{Name: "produce", Run: func(ctx context.Context, in *StepInput) (string, error) {
			return "hello", nil
		}}).
		Then(Step{Name: "consume", Run: func(ctx context.Context, in *StepInput) (string, error) {
			prev, ok := in.Output("produce")
			if !ok {
				return "", errors.New("missing upstream output")
			}
			return prev + " world", nil
		}})
	if err := engine.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow() error = %v", err)
	}

	job, err := engine.Enqueue(context.Background(), "chained", nil, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	done := waitTerminal(t, jobs, job.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("Status = %q, want completed (error: %s)", done.Status, done.Error)
	}
	if done.Result != "hello world" {
		t.Errorf("Result = %q, want %q", done.Result, "hello world")
	}
}

func TestEngineResumeSkipsCheckpointedSteps(t *testing.T) {
	jobs := NewMemoryStore()
	checkpoints := NewMemoryCheckpoints()
	engine := NewEngine(jobs, checkpoints, nil, fastConfig())

	var firstRuns, secondRuns atomic.Int32
	def := NewDefinition("resumable").
		Then(Step{Name: "first", Run: func(ctx context.Context, in *StepInput) (string, error) {
			firstRuns.Add(1)
			return "one", nil
		}}).
		Then(Step{Name: "second", Run: func(ctx context.Context, in *StepInput) (string, error) {
			secondRuns.Add(1)
			return "two", nil
		}})
	if err := engine.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow() error = %v", err)
	}

	// Simulate a job interrupted after its first step: the record exists and
	// the first checkpoint is durable, but the process died before "second".
	job := &Job{ID: "job-resume", Workflow: "resumable", Status: StatusRunning, CreatedAt: time.Now(), StartedAt: time.Now()}
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := checkpoints.Put(context.Background(), job.ID, "first", "one"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := engine.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	if got := firstRuns.Load(); got != 0 {
		t.Errorf("first step ran %d times after resume, want 0", got)
	}
	if got := secondRuns.Load(); got != 1 {
		t.Errorf("second step ran %d times, want 1", got)
	}
	done, err := jobs.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", done.Status)
	}
	if done.Result != "two" {
		t.Errorf("Result = %q, want %q", done.Result, "two")
	}
}

func TestEngineRetriesTransientFailures(t *testing.T) {
	jobs := NewMemoryStore()
	engine := NewEngine(jobs, NewMemoryCheckpoints(), nil, fastConfig())

	var attempts atomic.Int32
	def := NewDefinition("flaky").
		Then(Step{Name: "only", Run: func(ctx context.Context, in *StepInput) (string, error) {
			if attempts.Add(1) < 3 {
				return "", errors.New("transient")
			}
			return "ok", nil
		}})
	if err := engine.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow() error = %v", err)
	}

	job, err := engine.Enqueue(context.Background(), "flaky", nil, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	done := waitTerminal(t, jobs, job.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("Status = %q, want completed (error: %s)", done.Status, done.Error)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("step attempted %d times, want 3", got)
	}
}

func TestEngineFailsAfterRetryExhaustion(t *testing.T) {
	jobs := NewMemoryStore()
	failures := make(chan error, 2)
	callback := CallbackFunc(func(ctx context.Context, job *Job, result string, failure error) {
		failures <- failure
	})
	engine := NewEngine(jobs, NewMemoryCheckpoints(), callback, fastConfig())

	var attempts atomic.Int32
	def := NewDefinition("doomed").
		Then(Step{Name: "broken", Run: func(ctx context.Context, in *StepInput) (string, error) {
			attempts.Add(1)
			return "", errors.New("permanent")
		}})
	if err := engine.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow() error = %v", err)
	}

	job, err := engine.Enqueue(context.Background(), "doomed", nil, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	var failure error
	select {
	case failure = <-failures:
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}
	var stepErr *StepExecutionError
	if !errors.As(failure, &stepErr) {
		t.Fatalf("callback failure = %v, want *StepExecutionError", failure)
	}
	if stepErr.Step != "broken" {
		t.Errorf("failed step = %q, want %q", stepErr.Step, "broken")
	}

	done := waitTerminal(t, jobs, job.ID)
	if done.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed", done.Status)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("step attempted %d times, want 3", got)
	}
	select {
	case extra := <-failures:
		t.Errorf("callback fired a second time with %v", extra)
	default:
	}
}

func TestEngineRerunOfTerminalJobIsNoOp(t *testing.T) {
	jobs := NewMemoryStore()
	var notified atomic.Int32
	callback := CallbackFunc(func(ctx context.Context, job *Job, result string, failure error) {
		notified.Add(1)
	})
	engine := NewEngine(jobs, NewMemoryCheckpoints(), callback, fastConfig())

	var runs atomic.Int32
	def := NewDefinition("once").
		Then(Step{Name: "only", Run: func(ctx context.Context, in *StepInput) (string, error) {
			runs.Add(1)
			return "done", nil
		}})
	if err := engine.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow() error = %v", err)
	}

	job, err := engine.Enqueue(context.Background(), "once", nil, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitTerminal(t, jobs, job.ID)

	if err := engine.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJob() on terminal job error = %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Errorf("step ran %d times, want 1", got)
	}
	if got := notified.Load(); got != 1 {
		t.Errorf("callback fired %d times, want 1", got)
	}
}

func TestEngineParallelGroupRunsConcurrently(t *testing.T) {
	jobs := NewMemoryStore()
	engine := NewEngine(jobs, NewMemoryCheckpoints(), nil, fastConfig())

	// Both members block on the barrier; the group can only finish if they
	// really run concurrently.
	barrier := make(chan struct{})
	var arrived atomic.Int32
	member := func(name string) Step {
		return Step{Name: name, Run: func(ctx context.Context, in *StepInput) (string, error) {
			if arrived.Add(1) == 2 {
				close(barrier)
			}
			select {
			case <-barrier:
				return name, nil
			case <-time.After(2 * time.Second):
				return "", errors.New("peer never arrived")
			}
		}}
	}

	def := NewDefinition("fanout").
		ThenParallel(member("left"), member("right")).
		Then(Step{Name: "join", Run: func(ctx context.Context, in *StepInput) (string, error) {
			l, _ := in.Output("left")
			r, _ := in.Output("right")
			return fmt.Sprintf("%s+%s", l, r), nil
		}})
	if err := engine.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow() error = %v", err)
	}

	job, err := engine.Enqueue(context.Background(), "fanout", nil, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	done := waitTerminal(t, jobs, job.ID)
	if done.Status != StatusCompleted {
		t.Fatalf("Status = %q, want completed (error: %s)", done.Status, done.Error)
	}
	if done.Result != "left+right" {
		t.Errorf("Result = %q, want %q", done.Result, "left+right")
	}
}

func TestEngineSuccessCallbackCarriesResult(t *testing.T) {
	jobs := NewMemoryStore()
	type delivery struct {
		result  string
		failure error
	}
	got := make(chan delivery, 1)
	callback := CallbackFunc(func(ctx context.Context, job *Job, result string, failure error) {
		got <- delivery{result, failure}
	})
	engine := NewEngine(jobs, NewMemoryCheckpoints(), callback, fastConfig())

	def := NewDefinition("notify").
		Then(Step{Name: "only", Run: func(ctx context.Context, in *StepInput) (string, error) {
			return "the findings", nil
		}})
	if err := engine.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow() error = %v", err)
	}

	if _, err := engine.Enqueue(context.Background(), "notify", nil, nil); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case d := <-got:
		if d.failure != nil {
			t.Errorf("failure = %v, want nil", d.failure)
		}
		if d.result != "the findings" {
			t.Errorf("result = %q, want %q", d.result, "the findings")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestEngineEnqueueUnknownWorkflow(t *testing.T) {
	engine := NewEngine(NewMemoryStore(), NewMemoryCheckpoints(), nil, fastConfig())
	if _, err := engine.Enqueue(context.Background(), "nope", nil, nil); err == nil {
		t.Fatal("Enqueue() of unknown workflow succeeded, want error")
	}
}

func TestEngineRejectsDuplicateRegistration(t *testing.T) {
	engine := NewEngine(NewMemoryStore(), NewMemoryCheckpoints(), nil, fastConfig())
	def := NewDefinition("dup").Then(Step{Name: "s", Run: func(ctx context.Context, in *StepInput) (string, error) {
		return "", nil
	}})
	if err := engine.RegisterWorkflow(def); err != nil {
		t.Fatalf("first RegisterWorkflow() error = %v", err)
	}
	if err := engine.RegisterWorkflow(def); err == nil {
		t.Fatal("second RegisterWorkflow() succeeded, want error")
	}
}

func TestDecodeParams(t *testing.T) {
	in := NewStepInput("job-x", []byte(`{"topic":"go scheduling"}`))
	var params struct {
		Topic string `json:"topic"`
	}
	if err := in.DecodeParams(&params); err != nil {
		t.Fatalf("DecodeParams() error = %v", err)
	}
	if params.Topic != "go scheduling" {
		t.Errorf("Topic = %q, want %q", params.Topic, "go scheduling")
	}

	empty := NewStepInput("job-x", nil)
	if err := empty.DecodeParams(&params); err == nil {
		t.Error("DecodeParams() with no params succeeded, want error")
	}
}
