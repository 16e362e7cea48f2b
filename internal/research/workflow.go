package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/polymathlabs/polymath/internal/agent"
	"github.com/polymathlabs/polymath/internal/observability"
	"github.com/polymathlabs/polymath/internal/workflow"
)

// WorkflowName is the name the research definition registers under.
const WorkflowName = "research"

// ReportPrefix marks a delivered research report in session history.
const ReportPrefix = "Research Complete: "

// Params are the job parameters for one research run.
type Params struct {
	Topic string `json:"topic"`

	// Depth caps the number of search queries for this run. Zero uses the
	// configured maximum; values above it are clamped.
	Depth int `json:"depth,omitempty"`
}

// Config tunes the research pipeline.
type Config struct {
	// Model passed to the provider for planning and synthesis. Empty uses
	// the provider default.
	Model string

	// MaxQueries bounds how many search queries the planner may emit.
	// Default: 3.
	MaxQueries int

	// SourcesPerQuery bounds how many sources each query contributes.
	// Default: 3.
	SourcesPerQuery int

	// FetchConcurrency bounds concurrent page fetches. Default: 5.
	FetchConcurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxQueries <= 0 {
		c.MaxQueries = 3
	}
	if c.SourcesPerQuery <= 0 {
		c.SourcesPerQuery = 3
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 5
	}
	return c
}

// Service owns the research step functions. Planning and synthesis go to
// the LLM provider; gathering goes to the searcher and extractor.
type Service struct {
	provider  agent.LLMProvider
	searcher  Searcher
	extractor Extractor
	cfg       Config
	logger    *observability.Logger
}

// NewService wires a research service. logger may be nil.
func NewService(provider agent.LLMProvider, searcher Searcher, extractor Extractor, cfg Config, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{
		provider:  provider,
		searcher:  searcher,
		extractor: extractor,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Definition builds the research workflow: plan the queries, gather the
// sources, synthesize the report, format the completion message. Each step
// checkpoints, so a run interrupted after gathering resumes at synthesis
// without re-fetching anything.
func (s *Service) Definition() *workflow.Definition {
	return workflow.NewDefinition(WorkflowName).
		Then(workflow.Step{Name: "plan", Run: s.plan}).
		Then(workflow.Step{Name: "gather", Run: s.gather}).
		Then(workflow.Step{Name: "synthesize", Run: s.synthesize}).
		Then(workflow.Step{Name: "notify", Run: s.notify})
}

// source is one gathered page, serialized between gather and synthesize.
type source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// plan asks the model for search queries and checkpoints them as a JSON
// array. A model that ignores the format instructions degrades to a single
// query on the raw topic.
func (s *Service) plan(ctx context.Context, in *workflow.StepInput) (string, error) {
	var params Params
	if err := in.DecodeParams(&params); err != nil {
		return "", err
	}
	if strings.TrimSpace(params.Topic) == "" {
		return "", errors.New("research topic is empty")
	}

	limit := s.cfg.MaxQueries
	if params.Depth > 0 && params.Depth < limit {
		limit = params.Depth
	}

	prompt := fmt.Sprintf(
		"Generate up to %d web search queries to research the topic below. "+
			"Respond with ONLY a JSON array of strings, no other text.\n\nTopic: %s",
		limit, params.Topic)
	raw, err := s.complete(ctx, "You are a research planner.", prompt)
	if err != nil {
		return "", fmt.Errorf("plan queries: %w", err)
	}

	queries := parseQueries(raw, limit)
	if len(queries) == 0 {
		queries = []string{params.Topic}
	}
	encoded, err := json.Marshal(queries)
	if err != nil {
		return "", err
	}
	s.logger.Info(ctx, "research queries planned", "topic", params.Topic, "queries", len(queries))
	return string(encoded), nil
}

// gather searches every planned query and extracts readable text from the
// discovered sources, fetching pages concurrently. Individual fetch
// failures drop the source; the step only fails when nothing at all could
// be gathered.
func (s *Service) gather(ctx context.Context, in *workflow.StepInput) (string, error) {
	planned, ok := in.Output("plan")
	if !ok {
		return "", errors.New("gather requires the plan step output")
	}
	var queries []string
	if err := json.Unmarshal([]byte(planned), &queries); err != nil {
		return "", fmt.Errorf("decode planned queries: %w", err)
	}

	var candidates []Result
	seen := map[string]struct{}{}
	for _, query := range queries {
		results, err := s.searcher.Search(ctx, query, s.cfg.SourcesPerQuery)
		if err != nil {
			s.logger.Warn(ctx, "search query failed", "query", query, "error", err)
			continue
		}
		for _, r := range results {
			if _, dup := seen[r.URL]; dup {
				continue
			}
			seen[r.URL] = struct{}{}
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return "", errors.New("no sources found for any query")
	}

	var mu sync.Mutex
	sources := make([]source, 0, len(candidates))

	g, fetchCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FetchConcurrency)
	for _, candidate := range candidates {
		g.Go(func() error {
			content, err := s.extractor.Extract(fetchCtx, candidate.URL)
			if err != nil || strings.TrimSpace(content) == "" {
				// Snippets still carry signal when the page is unreadable.
				content = candidate.Snippet
			}
			if strings.TrimSpace(content) == "" {
				return nil
			}
			mu.Lock()
			sources = append(sources, source{Title: candidate.Title, URL: candidate.URL, Content: content})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	if len(sources) == 0 {
		return "", errors.New("every source fetch came back empty")
	}

	encoded, err := json.Marshal(sources)
	if err != nil {
		return "", err
	}
	s.logger.Info(ctx, "research sources gathered", "sources", len(sources))
	return string(encoded), nil
}

// synthesize turns the gathered sources into a cited report.
func (s *Service) synthesize(ctx context.Context, in *workflow.StepInput) (string, error) {
	var params Params
	if err := in.DecodeParams(&params); err != nil {
		return "", err
	}
	gathered, ok := in.Output("gather")
	if !ok {
		return "", errors.New("synthesize requires the gather step output")
	}
	var sources []source
	if err := json.Unmarshal([]byte(gathered), &sources); err != nil {
		return "", fmt.Errorf("decode gathered sources: %w", err)
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Write a concise research report on: %s\n\nSources:\n", params.Topic)
	for i, src := range sources {
		fmt.Fprintf(&prompt, "\n[%d] %s (%s)\n%s\n", i+1, src.Title, src.URL, src.Content)
	}
	prompt.WriteString("\nCite sources by [number]. Lead with the key findings.")

	report, err := s.complete(ctx, "You are a research analyst writing for a general audience.", prompt.String())
	if err != nil {
		return "", fmt.Errorf("synthesize report: %w", err)
	}
	if strings.TrimSpace(report) == "" {
		return "", errors.New("synthesis produced an empty report")
	}
	return report, nil
}

// notify formats the report as the job's final result. The callback
// courier delivers it verbatim to the originating session.
func (s *Service) notify(ctx context.Context, in *workflow.StepInput) (string, error) {
	report, ok := in.Output("synthesize")
	if !ok {
		return "", errors.New("notify requires the synthesize step output")
	}
	return ReportPrefix + report, nil
}

// complete runs one non-streaming completion against the provider with
// tools disabled.
func (s *Service) complete(ctx context.Context, system, prompt string) (string, error) {
	chunks, err := s.provider.Complete(ctx, &agent.CompletionRequest{
		Model:    s.cfg.Model,
		System:   system,
		Messages: []agent.CompletionMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		text.WriteString(chunk.Text)
	}
	return text.String(), nil
}

// parseQueries pulls a JSON string array out of model output, tolerating
// surrounding prose and code fences.
func parseQueries(raw string, limit int) []string {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil
	}
	var queries []string
	if err := json.Unmarshal([]byte(raw[start:end+1]), &queries); err != nil {
		return nil
	}
	out := queries[:0]
	for _, q := range queries {
		if strings.TrimSpace(q) == "" {
			continue
		}
		out = append(out, strings.TrimSpace(q))
		if len(out) == limit {
			break
		}
	}
	return out
}
