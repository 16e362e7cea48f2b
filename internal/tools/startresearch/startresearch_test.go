package startresearch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/polymathlabs/polymath/internal/backoff"
	"github.com/polymathlabs/polymath/internal/callback"
	"github.com/polymathlabs/polymath/internal/research"
	"github.com/polymathlabs/polymath/internal/workflow"
)

func newTestEngine(t *testing.T) (*workflow.Engine, workflow.Store) {
	t.Helper()
	jobs := workflow.NewMemoryStore()
	engine := workflow.NewEngine(jobs, workflow.NewMemoryCheckpoints(), nil, workflow.Config{
		MaxAttempts: 1,
		RetryPolicy: backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1},
	})
	def := workflow.NewDefinition(research.WorkflowName).
		Then(workflow.Step{Name: "stub", Run: func(ctx context.Context, in *workflow.StepInput) (string, error) {
			return "stub report", nil
		}})
	if err := engine.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow() error = %v", err)
	}
	return engine, jobs
}

func TestExecuteEnqueuesAddressedJob(t *testing.T) {
	engine, jobs := newTestEngine(t)
	tool := New(engine, nil)

	ctx := callback.WithAddress(context.Background(),
		callback.Address{SessionID: "s1", SessionKey: "chat-1"})
	result, err := tool.Execute(ctx, []byte(`{"topic":"ocean tides"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("IsError = true: %s", result.Content)
	}
	if !strings.Contains(result.Content, "Research started") {
		t.Errorf("Content = %q, want acknowledgement", result.Content)
	}

	list, err := jobs.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("created %d jobs, want 1", len(list))
	}
	job := list[0]
	if job.Workflow != research.WorkflowName {
		t.Errorf("Workflow = %q", job.Workflow)
	}
	addr, err := callback.DecodeAddress(job.Callback)
	if err != nil {
		t.Fatalf("DecodeAddress() error = %v", err)
	}
	if addr.SessionID != "s1" || addr.SessionKey != "chat-1" {
		t.Errorf("address = %+v", addr)
	}

	var params research.Params
	in := workflow.NewStepInput(job.ID, job.Params)
	if err := in.DecodeParams(&params); err != nil {
		t.Fatalf("DecodeParams() error = %v", err)
	}
	if params.Topic != "ocean tides" {
		t.Errorf("Topic = %q", params.Topic)
	}
}

func TestExecuteWithoutAddressFails(t *testing.T) {
	engine, jobs := newTestEngine(t)
	tool := New(engine, nil)

	result, err := tool.Execute(context.Background(), []byte(`{"topic":"x"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("IsError = false, want true without a callback address")
	}
	list, _ := jobs.List(context.Background(), 10, 0)
	if len(list) != 0 {
		t.Errorf("created %d jobs, want 0", len(list))
	}
}

func TestExecuteRejectsEmptyTopic(t *testing.T) {
	engine, _ := newTestEngine(t)
	tool := New(engine, nil)
	ctx := callback.WithAddress(context.Background(), callback.Address{SessionID: "s1"})
	result, err := tool.Execute(ctx, []byte(`{"topic":" "}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.IsError {
		t.Error("IsError = false, want true for empty topic")
	}
}
