package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/polymathlabs/polymath/internal/agent"
	"github.com/polymathlabs/polymath/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider implements agent.LLMProvider against the OpenAI chat
// completions API. Unlike Anthropic, the system prompt travels as the
// first message and tool calls stream incrementally, so arguments are
// accumulated per index until the finish reason reports completion.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey authenticates against the API (required).
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for a compatible proxy.
	BaseURL string

	// DefaultModel is used when a request leaves Model empty.
	DefaultModel string
}

// NewOpenAIProvider creates an OpenAI-backed provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(stream, chunks)
	return chunks, nil
}

func (p *OpenAIProvider) processStream(stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	// Tool call fragments accumulate per index until the finish reason
	// reports them complete.
	toolCalls := make(map[int]*models.ToolCall)
	flush := func() {
		for _, tc := range toolCalls {
			if tc.ID != "" && tc.Name != "" {
				chunks <- &agent.CompletionChunk{ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
	}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flush()
			chunks <- &agent.CompletionChunk{Done: true}
			return
		}
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: fmt.Errorf("openai: %w", err)}
			return
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			current := toolCalls[index]
			if current == nil {
				current = &models.ToolCall{}
				toolCalls[index] = current
			}
			if tc.ID != "" {
				current.ID = tc.ID
			}
			if tc.Function.Name != "" {
				current.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				current.Input = json.RawMessage(string(current.Input) + tc.Function.Arguments)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

// convertOpenAIMessages maps internal messages to chat messages. The
// system prompt becomes the leading message; tool results each become a
// separate message with role "tool".
func convertOpenAIMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Role == "tool" {
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			continue
		}

		converted := openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Input),
				},
			})
		}
		result = append(result, converted)
	}
	return result
}

func convertOpenAITools(tools []agent.Tool) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  json.RawMessage(tool.Schema()),
			},
		})
	}
	return result
}
