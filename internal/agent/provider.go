package agent

import (
	"context"
	"encoding/json"

	"github.com/polymathlabs/polymath/pkg/models"
)

// LLMProvider defines the interface for language model backends.
//
// Implementations handle the specifics of communicating with different LLM
// APIs while presenting a unified streaming interface to the orchestrator.
// Implementations must be safe for concurrent use.
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response. The channel
	// is closed when the response is finished or fails.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string
}

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	// Model specifies which model to use. If empty, the provider's default
	// model is used.
	Model string `json:"model"`

	// System is the system prompt that sets the assistant's behavior.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools defines the capabilities the model may request. Empty means
	// tool use is not permitted for this request.
	Tools []Tool `json:"-"`

	// MaxTokens limits the generated response length. 0 uses the provider
	// default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage represents a single message in a conversation sent to
// the provider. Role values: "user", "assistant", "system", "tool".
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls carries tool execution requests on an assistant message.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// ToolResults carries executed tool output on a tool message.
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk represents a single chunk in a streaming LLM response.
type CompletionChunk struct {
	// Text contains partial response text.
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`
}

// Tool defines the interface for executable agent capabilities. Tools are
// registered once at process start; the registry validates arguments
// against Schema before Execute runs.
type Tool interface {
	// Name returns the tool name used for model function calling.
	Name() string

	// Description returns a natural language description of the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with validated parameters. Errors may be
	// returned directly or as a ToolResult with IsError set; either way the
	// orchestrator folds them into the conversation rather than aborting
	// the turn. Execute may enqueue a background job and return an
	// acknowledgement immediately.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution.
type ToolResult struct {
	// Content is the tool's textual output.
	Content string `json:"content"`

	// IsError indicates this result represents an error condition.
	IsError bool `json:"is_error,omitempty"`
}
