package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepreport/config"
	"github.com/mohammad-safakhou/deepreport/internal/agent/telemetry"
	"github.com/mohammad-safakhou/deepreport/internal/planner"
)

// Planner turns a research request into a validated task graph
type Planner struct {
	config      *config.Config
	llmProvider LLMProvider
	telemetry   *telemetry.Telemetry
	logger      *log.Logger
}

// NewPlanner creates a new planner instance
func NewPlanner(cfg *config.Config, llmProvider LLMProvider, tel *telemetry.Telemetry) *Planner {
	return &Planner{
		config:      cfg,
		llmProvider: llmProvider,
		telemetry:   tel,
		logger:      log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// Plan asks the planning model for a task breakdown, validates it against
// the plan schema and builds the executable graph.
func (p *Planner) Plan(ctx context.Context, req ResearchRequest) (*planner.PlanDocument, *planner.TaskGraph, error) {
	startTime := time.Now()

	prompt := p.createPlanningPrompt(req)
	model := p.config.LLM.Routing.Planning
	if req.Options.Model != "" {
		model = req.Options.Model
	}

	response, err := p.llmProvider.Generate(ctx, prompt, model, map[string]interface{}{
		"temperature": 0.3, // Lower temperature for more consistent planning
		"max_tokens":  4000,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate plan: %w", err)
	}

	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return nil, nil, fmt.Errorf("no JSON found in planning response")
	}

	doc, err := planner.ParsePlanDocument([]byte(jsonStr))
	if err != nil {
		return nil, nil, fmt.Errorf("plan schema validation failed: %w", err)
	}

	taskTimeout := p.config.Workers.TaskTimeout
	if req.Options.TaskTimeoutMS > 0 {
		taskTimeout = time.Duration(req.Options.TaskTimeoutMS) * time.Millisecond
	}
	graph, err := planner.BuildGraph(doc, taskTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("plan graph build failed: %w", err)
	}

	if !hasFinalAnswer(doc) {
		return nil, nil, fmt.Errorf("plan has no final_answer task")
	}

	p.logger.Printf("Planning completed in %v with %d tasks", time.Since(startTime), len(doc.Tasks))
	return doc, graph, nil
}

func hasFinalAnswer(doc *planner.PlanDocument) bool {
	for _, t := range doc.Tasks {
		if t.Type == planner.TaskTypeFinalAnswer {
			return true
		}
	}
	return false
}

// createPlanningPrompt creates the prompt for plan generation
func (p *Planner) createPlanningPrompt(req ResearchRequest) string {
	depth := req.Depth
	if depth <= 0 {
		depth = 2
	}
	maxSources := req.MaxSources
	if maxSources <= 0 {
		maxSources = 10
	}

	var requirements strings.Builder
	if len(req.Requirements) > 0 {
		requirements.WriteString("\nREQUIREMENTS (the final report must satisfy each, in order):\n")
		for i, r := range req.Requirements {
			fmt.Fprintf(&requirements, "%d. %s\n", i+1, r)
		}
	}

	return fmt.Sprintf(`You are a planning agent that decomposes a research question into an executable task graph.

RESEARCH QUESTION: %s
%s
TASK TYPES:
- deep_research: search the web broadly and gather candidate sources
- browser_use: fetch and extract the content of specific pages
- deep_analyze: analyze gathered content, compare claims, compute metrics
  (parameters may include {"values": [numbers]} for statistics over a series)
- final_answer: write the final report from everything gathered

PLANNING REQUIREMENTS:
1. Break the question into specific, actionable tasks.
2. Dependencies must reference earlier tasks only; no cycles.
3. You MUST include exactly one final_answer task as the last task, depending on all leaf tasks.
4. Research depth is %d; include at most %d sources worth of fetching.
5. Mark a dependency edge "soft" only when the dependent can still run against a substitute if the dependency fails.

OUTPUT FORMAT (JSON only, no prose):
{
  "version": "v1",
  "overview": "one sentence describing the plan",
  "citations_required": true,
  "confidence": 0.8,
  "tasks": [
    {
      "task_id": "unique_id",
      "task_type": "deep_research",
      "description": "what this task should do",
      "priority": 1,
      "parameters": {"query": "search query"},
      "dependencies": ["earlier_task_id"],
      "timeout": "2m"
    }
  ],
  "edges": [
    {"from": "task_a", "to": "task_b", "kind": "soft"}
  ]
}`, req.Query, requirements.String(), depth, maxSources)
}

// extractJSON returns the first balanced top-level JSON object in s, or ""
// when none is found. LLMs often wrap the payload in prose or fences.
func extractJSON(s string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// summarizeQuery trims a query for log lines.
func summarizeQuery(q string) string {
	q = strings.TrimSpace(q)
	if len(q) > 120 {
		return truncateRunes(q, 120) + "..."
	}
	return q
}
