// Package startresearch provides the startResearch tool: it enqueues a
// deep-research background job and acknowledges immediately, leaving the
// conversation free while the job runs.
package startresearch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polymathlabs/polymath/internal/agent"
	"github.com/polymathlabs/polymath/internal/callback"
	"github.com/polymathlabs/polymath/internal/observability"
	"github.com/polymathlabs/polymath/internal/research"
	"github.com/polymathlabs/polymath/internal/workflow"
)

// Tool starts the research workflow for a topic.
type Tool struct {
	engine *workflow.Engine
	logger *observability.Logger
}

// New creates the startResearch tool. logger may be nil.
func New(engine *workflow.Engine, logger *observability.Logger) *Tool {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Tool{engine: engine, logger: logger}
}

func (t *Tool) Name() string { return "startResearch" }

func (t *Tool) Description() string {
	return "Start a deep research job on a topic. The job runs in the background; its report arrives in the conversation when ready."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"topic": {
				"type": "string",
				"description": "The topic or question to research"
			},
			"depth": {
				"type": "integer",
				"minimum": 1,
				"description": "Optional cap on how many angles to research"
			}
		},
		"required": ["topic"],
		"additionalProperties": false
	}`)
}

type startParams struct {
	Topic string `json:"topic"`
	Depth int    `json:"depth,omitempty"`
}

// Execute enqueues the job addressed back to the calling session and
// returns an acknowledgement the model relays to the user. It never waits
// for the job.
func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p startParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid startResearch parameters: %w", err)
	}
	if strings.TrimSpace(p.Topic) == "" {
		return &agent.ToolResult{Content: "No research topic provided.", IsError: true}, nil
	}

	addr, ok := callback.AddressFromContext(ctx)
	if !ok {
		return &agent.ToolResult{
			Content: "Cannot start research: no session to deliver the report to.",
			IsError: true,
		}, nil
	}
	encoded, err := addr.Encode()
	if err != nil {
		return nil, err
	}

	job, err := t.engine.Enqueue(ctx, research.WorkflowName, research.Params{Topic: p.Topic, Depth: p.Depth}, encoded)
	if err != nil {
		return &agent.ToolResult{Content: "Failed to start research: " + err.Error(), IsError: true}, nil
	}

	t.logger.Info(ctx, "research job started", "job_id", job.ID, "topic", p.Topic)
	return &agent.ToolResult{
		Content: fmt.Sprintf("Research started (job %s). The report will be posted to this conversation when it is ready.", job.ID),
	}, nil
}
