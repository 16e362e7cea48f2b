package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/polymathlabs/polymath/internal/agent"
	"github.com/polymathlabs/polymath/internal/broadcast"
	"github.com/polymathlabs/polymath/internal/callback"
	"github.com/polymathlabs/polymath/internal/config"
	"github.com/polymathlabs/polymath/internal/sessions"
	"github.com/polymathlabs/polymath/internal/workflow"
	"github.com/polymathlabs/polymath/pkg/models"
)

// echoProvider answers every completion with a fixed reply streamed in one
// chunk.
type echoProvider struct {
	reply string
}

func (p *echoProvider) Name() string { return "echo" }

func (p *echoProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 2)
	ch <- &agent.CompletionChunk{Text: p.reply}
	ch <- &agent.CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

type fixture struct {
	store sessions.Store
	jobs  workflow.Store
	eng   *workflow.Engine
	hub   *broadcast.Hub
	ts    *httptest.Server
}

func newFixture(t *testing.T, provider agent.LLMProvider) *fixture {
	t.Helper()
	store := sessions.NewMemoryStore()
	jobs := workflow.NewMemoryStore()
	hub := broadcast.NewHub()
	eng := workflow.NewEngine(jobs, workflow.NewMemoryCheckpoints(), nil, workflow.Config{})
	orch := agent.NewOrchestrator(provider, nil, store, hub, agent.Options{})
	srv := New(config.ServerConfig{Addr: ":0"}, orch, store, jobs, eng, hub, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{store: store, jobs: jobs, eng: eng, hub: hub, ts: ts}
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestPostMessageRoundTrip(t *testing.T) {
	f := newFixture(t, &echoProvider{reply: "hello from the model"})

	resp := postJSON(t, f.ts.URL+"/v1/sessions/chat-1/messages", `{"content":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var reply models.Message
	decodeBody(t, resp, &reply)
	if reply.Role != models.RoleAssistant || reply.Content != "hello from the model" {
		t.Errorf("reply = %+v", reply)
	}

	// The turn is durably logged and visible through the history endpoint.
	histResp, err := http.Get(f.ts.URL + "/v1/sessions/chat-1/history")
	if err != nil {
		t.Fatalf("GET history error = %v", err)
	}
	var hist struct {
		SessionID string            `json:"session_id"`
		Messages  []*models.Message `json:"messages"`
	}
	decodeBody(t, histResp, &hist)
	if len(hist.Messages) != 2 {
		t.Fatalf("history has %d messages, want 2", len(hist.Messages))
	}
	if hist.Messages[0].Role != models.RoleUser || hist.Messages[1].Role != models.RoleAssistant {
		t.Errorf("history roles = %q, %q", hist.Messages[0].Role, hist.Messages[1].Role)
	}
}

func TestPostMessageValidation(t *testing.T) {
	f := newFixture(t, &echoProvider{reply: "unused"})

	for name, body := range map[string]string{
		"empty content": `{"content":"  "}`,
		"bad json":      `{{`,
	} {
		resp := postJSON(t, f.ts.URL+"/v1/sessions/chat-1/messages", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
}

func TestHistoryUnknownSession(t *testing.T) {
	f := newFixture(t, &echoProvider{})
	resp, err := http.Get(f.ts.URL + "/v1/sessions/never-used/history")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestJobEndpoints(t *testing.T) {
	f := newFixture(t, &echoProvider{})
	job := &workflow.Job{
		ID:        "job-1",
		Workflow:  "research",
		Status:    workflow.StatusCompleted,
		Result:    "done",
		CreatedAt: time.Now(),
	}
	if err := f.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	resp, err := http.Get(f.ts.URL + "/v1/jobs/job-1")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	var got workflow.Job
	decodeBody(t, resp, &got)
	if got.ID != "job-1" || got.Status != workflow.StatusCompleted {
		t.Errorf("job = %+v", got)
	}

	listResp, err := http.Get(f.ts.URL + "/v1/jobs")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	var listed struct {
		Jobs []*workflow.Job `json:"jobs"`
	}
	decodeBody(t, listResp, &listed)
	if len(listed.Jobs) != 1 {
		t.Errorf("listed %d jobs, want 1", len(listed.Jobs))
	}

	missing, err := http.Get(f.ts.URL + "/v1/jobs/ghost")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", missing.StatusCode)
	}

	// Terminal jobs never rerun.
	conflict := postJSON(t, f.ts.URL+"/v1/jobs/job-1/run", "")
	conflict.Body.Close()
	if conflict.StatusCode != http.StatusConflict {
		t.Errorf("rerun status = %d, want 409", conflict.StatusCode)
	}
}

func TestRunJobResumesInterrupted(t *testing.T) {
	f := newFixture(t, &echoProvider{})
	def := workflow.NewDefinition("resumable").Then(workflow.Step{
		Name: "only",
		Run: func(ctx context.Context, in *workflow.StepInput) (string, error) {
			return "finished", nil
		},
	})
	if err := f.eng.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow() error = %v", err)
	}
	job := &workflow.Job{
		ID:        "job-2",
		Workflow:  "resumable",
		Params:    json.RawMessage(`{}`),
		Status:    workflow.StatusRunning,
		CreatedAt: time.Now(),
	}
	if err := f.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	resp := postJSON(t, f.ts.URL+"/v1/jobs/job-2/run", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := f.jobs.Get(context.Background(), "job-2")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Status.Terminal() {
			if got.Status != workflow.StatusCompleted || got.Result != "finished" {
				t.Errorf("job = %+v", got)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("job never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventStreamDeliversTokens(t *testing.T) {
	f := newFixture(t, &echoProvider{reply: "streamed"})

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/sessions/chat-ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	resp := postJSON(t, f.ts.URL+"/v1/sessions/chat-ws/messages", `{"content":"hi"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST status = %d", resp.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var event models.SessionEvent
	if err := json.Unmarshal(frame, &event); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if event.Type != models.EventTokenChunk || event.Text != "streamed" {
		t.Errorf("event = %+v", event)
	}
}

func TestToolStartedDuringTurnInheritsAddress(t *testing.T) {
	// The message handler stamps the callback address onto the context so
	// tools can route background results home.
	captured := make(chan callback.Address, 1)
	tool := &addressProbe{captured: captured}
	store := sessions.NewMemoryStore()
	hub := broadcast.NewHub()
	registry := agent.NewRegistry()
	if err := registry.Register(tool); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	orch := agent.NewOrchestrator(&toolCallProvider{}, registry, store, hub, agent.Options{})
	jobs := workflow.NewMemoryStore()
	eng := workflow.NewEngine(jobs, workflow.NewMemoryCheckpoints(), nil, workflow.Config{})
	srv := New(config.ServerConfig{}, orch, store, jobs, eng, hub, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/sessions/addr-chat/messages", `{"content":"go"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	select {
	case addr := <-captured:
		if addr.SessionKey != "addr-chat" || addr.SessionID == "" {
			t.Errorf("address = %+v", addr)
		}
	case <-time.After(time.Second):
		t.Fatal("tool never ran")
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, &echoProvider{})
	resp, err := http.Get(f.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

// toolCallProvider requests the probe tool on the first query and answers
// plainly on the re-query.
type toolCallProvider struct {
	calls int
}

func (p *toolCallProvider) Name() string { return "toolcaller" }

func (p *toolCallProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.calls++
	ch := make(chan *agent.CompletionChunk, 2)
	if p.calls == 1 {
		ch <- &agent.CompletionChunk{ToolCall: &models.ToolCall{ID: "tc1", Name: "probe", Input: json.RawMessage(`{}`)}}
	} else {
		ch <- &agent.CompletionChunk{Text: "done"}
	}
	ch <- &agent.CompletionChunk{Done: true}
	close(ch)
	return ch, nil
}

type addressProbe struct {
	captured chan callback.Address
}

func (t *addressProbe) Name() string            { return "probe" }
func (t *addressProbe) Description() string     { return "captures the callback address" }
func (t *addressProbe) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *addressProbe) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if addr, ok := callback.AddressFromContext(ctx); ok {
		t.captured <- addr
	}
	return &agent.ToolResult{Content: "ok"}, nil
}
