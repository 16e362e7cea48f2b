// Package runcode provides the runCode tool: Python execution in a
// sandboxed subprocess with output streamed live to session observers.
package runcode

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/polymathlabs/polymath/internal/agent"
	"github.com/polymathlabs/polymath/internal/broadcast"
	"github.com/polymathlabs/polymath/internal/callback"
	"github.com/polymathlabs/polymath/internal/observability"
	"github.com/polymathlabs/polymath/pkg/models"
)

// maxOutputChars bounds the output returned to the model. Streaming to
// observers is not truncated; only the tool result is.
const maxOutputChars = 10000

// defaultTimeout bounds a single execution.
const defaultTimeout = 60 * time.Second

// Runner executes code and streams output chunks as they appear. A nil
// error with a nonzero exit code means the code ran and failed; an error
// means it could not run at all.
type Runner interface {
	Run(ctx context.Context, code string, onChunk func(string)) (exitCode int, err error)
}

// LocalRunner runs code with the local python3 interpreter. Unbuffered
// mode keeps chunks flowing as the program prints.
type LocalRunner struct {
	// Python overrides the interpreter binary. Default: python3.
	Python string
}

func (r *LocalRunner) Run(ctx context.Context, code string, onChunk func(string)) (int, error) {
	python := r.Python
	if python == "" {
		python = "python3"
	}
	cmd := exec.CommandContext(ctx, python, "-u", "-c", code)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start interpreter: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		onChunk(scanner.Text() + "\n")
	}

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, err
	}
	return 0, nil
}

// Tool executes Python code for math, logic, and data questions.
type Tool struct {
	runner  Runner
	hub     *broadcast.Hub
	timeout time.Duration
	logger  *observability.Logger
}

// Option configures the tool.
type Option func(*Tool)

// WithTimeout overrides the per-execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) { t.timeout = d }
}

// New creates the runCode tool. hub may be nil to disable streaming;
// logger may be nil.
func New(runner Runner, hub *broadcast.Hub, logger *observability.Logger, opts ...Option) *Tool {
	if runner == nil {
		runner = &LocalRunner{}
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	t := &Tool{runner: runner, hub: hub, timeout: defaultTimeout, logger: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Name() string { return "runCode" }

func (t *Tool) Description() string {
	return "Execute Python code and return its output. Use for calculations, data manipulation, and logic."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"code": {
				"type": "string",
				"description": "Python source code to execute"
			}
		},
		"required": ["code"],
		"additionalProperties": false
	}`)
}

type runParams struct {
	Code string `json:"code"`
}

// Execute runs the code, publishing each output chunk as a tool_progress
// event so observers watch the terminal live, then returns the collected
// output. Execution failures come back as an error result the model can
// explain, not a Go error.
func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var p runParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid runCode parameters: %w", err)
	}
	if strings.TrimSpace(p.Code) == "" {
		return &agent.ToolResult{Content: "No code provided.", IsError: true}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	sessionID := ""
	if addr, ok := callback.AddressFromContext(ctx); ok {
		sessionID = addr.SessionID
	}
	var output strings.Builder
	exitCode, err := t.runner.Run(runCtx, p.Code, func(chunk string) {
		output.WriteString(chunk)
		if t.hub != nil && sessionID != "" {
			t.hub.Publish(models.SessionEvent{
				Type:      models.EventToolProgress,
				SessionID: sessionID,
				Text:      chunk,
			})
		}
	})
	// A killed interpreter surfaces as a plain nonzero exit, so the
	// deadline check has to come before the error and exit-code branches.
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &agent.ToolResult{
			Content: fmt.Sprintf("Execution timed out after %s.\nOutput:\n%s", t.timeout, clampOutput(output.String())),
			IsError: true,
		}, nil
	}
	if err != nil {
		t.logger.Warn(ctx, "code execution failed to start", "error", err)
		return &agent.ToolResult{Content: "Execution error: " + err.Error(), IsError: true}, nil
	}

	text := clampOutput(output.String())
	if exitCode != 0 {
		return &agent.ToolResult{
			Content: fmt.Sprintf("Execution failed (exit %d).\nOutput:\n%s", exitCode, text),
			IsError: true,
		}, nil
	}
	if strings.TrimSpace(text) == "" {
		text = "(no output)"
	}
	return &agent.ToolResult{Content: "Execution finished.\nOutput:\n" + text}, nil
}

func clampOutput(s string) string {
	if len(s) > maxOutputChars {
		return s[:maxOutputChars] + "\n... (output truncated)"
	}
	return s
}
