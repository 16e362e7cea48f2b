// Package agent drives one conversation turn: model query, at most one tool
// invocation, model re-query, persisted reply.
package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/polymathlabs/polymath/internal/broadcast"
	"github.com/polymathlabs/polymath/internal/observability"
	"github.com/polymathlabs/polymath/internal/sessions"
	"github.com/polymathlabs/polymath/pkg/models"
)

// contextWindow is the number of recent turns sent to the model as context.
const contextWindow = 20

// DefaultSystemPrompt mirrors the assistant's standing instructions.
const DefaultSystemPrompt = `You are Polymath, an expert AI assistant.
Capabilities:
- Python code execution (for math, logic, data) via the "runCode" tool.
- Deep research (for finding information online) via the "startResearch" tool.

If the user asks for research, use "startResearch".
If the user asks for calculation or code, use "runCode".
Otherwise, answer directly.`

// Options configures the orchestrator.
type Options struct {
	// SystemPrompt overrides DefaultSystemPrompt when set.
	SystemPrompt string

	// Model is the model identifier passed to the provider. Empty uses the
	// provider default.
	Model string

	// MaxTokens bounds each model response. 0 uses the provider default.
	MaxTokens int

	// Logger receives structured turn diagnostics. Nil gets a no-op logger.
	Logger *observability.Logger

	// Metrics records turn and tool counters when set.
	Metrics *observability.Metrics
}

// Orchestrator runs user turns against a provider, a tool registry, the
// session log, and the broadcast hub.
type Orchestrator struct {
	provider LLMProvider
	registry *Registry
	store    sessions.Store
	hub      *broadcast.Hub
	opts     Options

	locksMu sync.Mutex
	locks   map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewOrchestrator wires a turn orchestrator. registry may be nil for a
// tool-less assistant.
func NewOrchestrator(provider LLMProvider, registry *Registry, store sessions.Store, hub *broadcast.Hub, opts Options) *Orchestrator {
	if registry == nil {
		registry = NewRegistry()
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	return &Orchestrator{
		provider: provider,
		registry: registry,
		store:    store,
		hub:      hub,
		opts:     opts,
		locks:    map[string]*sessionLock{},
	}
}

// Registry exposes the tool registry, e.g. for the server to report
// available capabilities.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// HandleUserTurn appends the user turn, queries the model, executes at most
// one requested tool, re-queries with the result, and returns the persisted
// reply.
//
// Exactly one user turn and one assistant turn are appended per call. If
// the model invocation itself fails, a single system turn describing the
// error is appended and returned instead; the model is not retried. Tool
// failures of any kind are folded into the tool result text and the turn
// continues.
func (o *Orchestrator) HandleUserTurn(ctx context.Context, session *models.Session, text string) (*models.Message, error) {
	if o.provider == nil {
		return nil, ErrNoProvider
	}
	if session == nil {
		return nil, errors.New("session is nil")
	}

	unlock := o.lockSession(session.ID)
	defer unlock()

	userMsg := &models.Message{Role: models.RoleUser, Content: text}
	if err := o.store.AppendMessage(ctx, session.ID, userMsg); err != nil {
		return nil, err
	}

	history, err := o.store.GetHistory(ctx, session.ID, contextWindow)
	if err != nil {
		return nil, err
	}
	messages := buildCompletionMessages(history)

	reply, toolCall, err := o.queryModel(ctx, session.ID, messages, o.registry.Tools())
	if err != nil {
		return o.surfaceModelError(ctx, session, err)
	}

	if toolCall == nil {
		assistantMsg := &models.Message{Role: models.RoleAssistant, Content: reply}
		if err := o.store.AppendMessage(ctx, session.ID, assistantMsg); err != nil {
			return nil, err
		}
		o.countTurn("direct")
		return assistantMsg, nil
	}

	toolResult := o.invokeTool(ctx, session.ID, *toolCall)

	// Re-query with the tool exchange appended and tool use disabled, so a
	// turn never chains more than one tool call.
	messages = append(messages,
		CompletionMessage{Role: "assistant", Content: reply, ToolCalls: []models.ToolCall{*toolCall}},
		CompletionMessage{Role: "tool", ToolResults: []models.ToolResult{toolResult}},
	)
	finalReply, _, err := o.queryModel(ctx, session.ID, messages, nil)
	if err != nil {
		return o.surfaceModelError(ctx, session, err)
	}

	assistantMsg := &models.Message{
		Role:      models.RoleAssistant,
		Content:   finalReply,
		ToolCalls: []models.ToolCall{*toolCall},
	}
	if err := o.store.AppendMessage(ctx, session.ID, assistantMsg); err != nil {
		return nil, err
	}
	o.countTurn("tool")
	return assistantMsg, nil
}

// queryModel streams one completion, republishing text chunks to observers
// and collecting the final text plus the first tool call, if any. Providers
// that emit more than one tool call are clamped to the first; this design
// permits at most one tool invocation per model response.
func (o *Orchestrator) queryModel(ctx context.Context, sessionID string, messages []CompletionMessage, tools []Tool) (string, *models.ToolCall, error) {
	req := &CompletionRequest{
		Model:     o.opts.Model,
		System:    o.opts.SystemPrompt,
		Messages:  messages,
		Tools:     tools,
		MaxTokens: o.opts.MaxTokens,
	}

	start := time.Now()
	chunks, err := o.provider.Complete(ctx, req)
	if err != nil {
		o.observeModel(start, "error")
		return "", nil, &ModelInvocationError{Provider: o.provider.Name(), Cause: err}
	}

	var text strings.Builder
	var toolCall *models.ToolCall
	for chunk := range chunks {
		if chunk.Error != nil {
			o.observeModel(start, "error")
			return "", nil, &ModelInvocationError{Provider: o.provider.Name(), Cause: chunk.Error}
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if o.hub != nil {
				o.hub.Publish(models.SessionEvent{
					Type:      models.EventTokenChunk,
					SessionID: sessionID,
					Text:      chunk.Text,
				})
			}
		}
		if chunk.ToolCall != nil && toolCall == nil {
			tc := *chunk.ToolCall
			toolCall = &tc
		}
	}
	o.observeModel(start, "success")
	return text.String(), toolCall, nil
}

// invokeTool dispatches one tool call and converts every failure mode into
// result text the model can react to.
func (o *Orchestrator) invokeTool(ctx context.Context, sessionID string, tc models.ToolCall) models.ToolResult {
	start := time.Now()
	result, err := o.registry.Invoke(ctx, tc.Name, tc.Input)
	if err != nil {
		o.opts.Logger.Warn(ctx, "tool invocation failed",
			"tool", tc.Name,
			"session_id", sessionID,
			"error", err,
		)
		o.observeTool(tc.Name, start, "error")
		return models.ToolResult{ToolCallID: tc.ID, Content: err.Error(), IsError: true}
	}
	outcome := "success"
	if result.IsError {
		outcome = "error"
	}
	o.observeTool(tc.Name, start, outcome)
	return models.ToolResult{ToolCallID: tc.ID, Content: result.Content, IsError: result.IsError}
}

// surfaceModelError persists a system turn describing the model failure and
// returns it as the reply. Model invocation errors are never retried here.
func (o *Orchestrator) surfaceModelError(ctx context.Context, session *models.Session, cause error) (*models.Message, error) {
	o.opts.Logger.Error(ctx, "model invocation failed",
		"session_id", session.ID,
		"error", cause,
	)
	o.countTurn("model_error")
	if o.hub != nil {
		o.hub.Publish(models.SessionEvent{
			Type:      models.EventError,
			SessionID: session.ID,
			Text:      cause.Error(),
		})
	}
	systemMsg := &models.Message{
		Role:    models.RoleSystem,
		Content: "The assistant is unavailable: " + cause.Error(),
	}
	if err := o.store.AppendMessage(ctx, session.ID, systemMsg); err != nil {
		return nil, errors.Join(cause, err)
	}
	return systemMsg, nil
}

func buildCompletionMessages(history []*models.Message) []CompletionMessage {
	messages := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		messages = append(messages, CompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return messages
}

func (o *Orchestrator) lockSession(sessionID string) func() {
	if strings.TrimSpace(sessionID) == "" {
		return func() {}
	}

	o.locksMu.Lock()
	lock := o.locks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		o.locks[sessionID] = lock
	}
	lock.refs++
	o.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		o.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(o.locks, sessionID)
		}
		o.locksMu.Unlock()
	}
}

func (o *Orchestrator) countTurn(outcome string) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.TurnCounter.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) observeModel(start time.Time, status string) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.LLMRequestCounter.WithLabelValues(o.provider.Name(), status).Inc()
		o.opts.Metrics.LLMRequestDuration.WithLabelValues(o.provider.Name()).Observe(time.Since(start).Seconds())
	}
}

func (o *Orchestrator) observeTool(tool string, start time.Time, status string) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
		o.opts.Metrics.ToolExecutionDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
	}
}
