package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepreport/config"
)

// capturingLLM records the last prompt and model it was asked for.
type capturingLLM struct {
	fakeLLM
	prompt string
	model  string
}

func (c *capturingLLM) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	c.prompt = prompt
	c.model = model
	return c.fakeLLM.Generate(ctx, prompt, model, options)
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`:                          `{"a":1}`,
		"Here is the plan:\n{\"a\":1}\nHope it helps!": `{"a":1}`,
		"```json\n{\"a\":{\"b\":2}}\n```":  `{"a":{"b":2}}`,
		`{"s":"braces { } in string"}`:     `{"s":"braces { } in string"}`,
		`{"s":"escaped \" quote }"}`:       `{"s":"escaped \" quote }"}`,
		"no json here":                     "",
	}
	for in, want := range cases {
		if got := extractJSON(in); got != want {
			t.Fatalf("extractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}

func plannerConfig() *config.Config {
	return &config.Config{
		Workers: config.WorkersConfig{TaskTimeout: 2 * time.Minute},
		LLM:     config.LLMConfig{Routing: config.LLMRoutingConfig{Planning: "planning"}},
	}
}

func TestPlanBuildsGraphFromLLMResponse(t *testing.T) {
	llm := &fakeLLM{response: `Sure, here is the plan:
{
  "version": "v1",
  "overview": "research then report",
  "tasks": [
    {"task_id": "r1", "task_type": "deep_research", "parameters": {"query": "solar"}, "timeout": "90s"},
    {"task_id": "final", "task_type": "final_answer", "dependencies": ["r1"]}
  ]
}`}
	p := NewPlanner(plannerConfig(), llm, nil)

	doc, graph, err := p.Plan(context.Background(), ResearchRequest{Query: "solar"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(doc.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(doc.Tasks))
	}
	if graph.Len() != 2 {
		t.Fatalf("graph should hold 2 tasks, got %d", graph.Len())
	}
	r1, _ := graph.Task("r1")
	if r1.Timeout != 90*time.Second {
		t.Fatalf("per-task timeout not honored: %v", r1.Timeout)
	}
	final, _ := graph.Task("final")
	if final.Timeout != 2*time.Minute {
		t.Fatalf("default timeout not applied: %v", final.Timeout)
	}
}

func TestPlanCarriesRequirementsAndOverrides(t *testing.T) {
	llm := &capturingLLM{fakeLLM: fakeLLM{response: `{"version":"v1","tasks":[
{"task_id":"r1","task_type":"deep_research"},
{"task_id":"final","task_type":"final_answer","dependencies":["r1"]}]}`}}
	p := NewPlanner(plannerConfig(), llm, nil)

	req := ResearchRequest{
		Query:        "solar",
		Requirements: []string{"cover Europe", "cite primary sources"},
		Options:      RunOptions{Model: "fast-planner", TaskTimeoutMS: 30000},
	}
	_, graph, err := p.Plan(context.Background(), req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if llm.model != "fast-planner" {
		t.Fatalf("model override ignored, got %q", llm.model)
	}
	if !strings.Contains(llm.prompt, "1. cover Europe") || !strings.Contains(llm.prompt, "2. cite primary sources") {
		t.Fatalf("requirements missing from planning prompt:\n%s", llm.prompt)
	}
	r1, _ := graph.Task("r1")
	if r1.Timeout != 30*time.Second {
		t.Fatalf("per-run task timeout ignored: %v", r1.Timeout)
	}
}

func TestPlanRejectsMissingFinalAnswer(t *testing.T) {
	llm := &fakeLLM{response: `{"version":"v1","tasks":[{"task_id":"r1","task_type":"deep_research"}]}`}
	p := NewPlanner(plannerConfig(), llm, nil)
	if _, _, err := p.Plan(context.Background(), ResearchRequest{Query: "q"}); err == nil {
		t.Fatalf("expected plan without final_answer to be rejected")
	}
}

func TestPlanRejectsInvalidTaskType(t *testing.T) {
	llm := &fakeLLM{response: `{"version":"v1","tasks":[{"task_id":"r1","task_type":"make_coffee"}]}`}
	p := NewPlanner(plannerConfig(), llm, nil)
	if _, _, err := p.Plan(context.Background(), ResearchRequest{Query: "q"}); err == nil {
		t.Fatalf("expected unknown task type to be rejected")
	}
}

func TestPlanRejectsCyclicDependencies(t *testing.T) {
	llm := &fakeLLM{response: `{"version":"v1","tasks":[
{"task_id":"a","task_type":"deep_research","dependencies":["b"]},
{"task_id":"b","task_type":"deep_analyze","dependencies":["a"]},
{"task_id":"final","task_type":"final_answer","dependencies":["b"]}]}`}
	p := NewPlanner(plannerConfig(), llm, nil)
	if _, _, err := p.Plan(context.Background(), ResearchRequest{Query: "q"}); err == nil {
		t.Fatalf("expected cyclic plan to be rejected")
	}
}
