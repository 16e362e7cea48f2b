// Package providers implements agent.LLMProvider for hosted model APIs.
//
// Each provider converts between the internal completion format and its
// API's wire format and exposes a streaming channel of chunks. Providers
// are safe for concurrent use; each Complete call owns an independent
// stream and goroutine. Providers do not retry: a failed invocation is
// surfaced to the caller, which decides how to react.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/polymathlabs/polymath/internal/agent"
	"github.com/polymathlabs/polymath/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// defaultMaxTokens bounds responses when the request does not.
const defaultMaxTokens = 4096

// AnthropicProvider implements agent.LLMProvider against the Anthropic
// Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey authenticates against the API (required).
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for a proxy.
	BaseURL string

	// DefaultModel is used when a request leaves Model empty.
	DefaultModel string
}

// NewAnthropicProvider creates an Anthropic-backed provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete streams one completion. Text deltas are emitted as they
// arrive; a tool call is emitted once its input JSON is fully assembled.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	stream, err := p.createStream(ctx, req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		p.processStream(stream, chunks)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) createStream(ctx context.Context, req *agent.CompletionRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk) {
	var toolCall *models.ToolCall
	var toolInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				toolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if toolCall != nil {
				toolCall.Input = json.RawMessage(toolInput.String())
				chunks <- &agent.CompletionChunk{ToolCall: toolCall}
				toolCall = nil
			}

		case "message_stop":
			chunks <- &agent.CompletionChunk{Done: true}
			return

		case "error":
			chunks <- &agent.CompletionChunk{Error: errors.New("anthropic: stream error")}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: fmt.Errorf("anthropic: %w", err)}
	}
}

// convertAnthropicMessages maps internal messages to Anthropic content
// blocks. System messages are skipped; they travel in params.System. The
// "tool" role maps to a user message carrying tool_result blocks.
func convertAnthropicMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
		}
		param.OfTool.Description = anthropic.String(tool.Description())
		result = append(result, param)
	}
	return result, nil
}
