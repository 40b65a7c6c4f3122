package planner

import (
	"strings"
	"testing"
	"time"
)

func TestValidatePlanDocumentAcceptsMinimalPlan(t *testing.T) {
	payload := []byte(`{
        "version": "v1",
        "tasks": [
            {"task_id": "t1", "task_type": "deep_research", "description": "find sources"}
        ]
    }`)
	if err := ValidatePlanDocument(payload); err != nil {
		t.Fatalf("expected minimal plan to validate: %v", err)
	}
}

func TestValidatePlanDocumentRejectsMissingTasks(t *testing.T) {
	if err := ValidatePlanDocument([]byte(`{"version":"v1"}`)); err == nil {
		t.Fatalf("expected schema validation failure")
	}
}

func TestValidatePlanDocumentRejectsUnknownTaskType(t *testing.T) {
	payload := []byte(`{
        "version": "v1",
        "tasks": [{"task_id": "t1", "task_type": "teleport"}]
    }`)
	if err := ValidatePlanDocument(payload); err == nil {
		t.Fatalf("expected unknown task type to fail validation")
	}
}

func TestBuildGraphOrdersForwardReferences(t *testing.T) {
	doc, err := ParsePlanDocument([]byte(`{
        "version": "v1",
        "tasks": [
            {"task_id": "synth", "task_type": "final_answer", "dependencies": ["research", "analyze"]},
            {"task_id": "analyze", "task_type": "deep_analyze", "dependencies": ["research"]},
            {"task_id": "research", "task_type": "deep_research"}
        ]
    }`))
	if err != nil {
		t.Fatalf("ParsePlanDocument: %v", err)
	}
	g, err := BuildGraph(doc, time.Minute)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if g.Len() != 3 {
		t.Fatalf("expected 3 tasks, got %d", g.Len())
	}
	task, ok := g.Task("synth")
	if !ok || len(task.DependsOn) != 2 {
		t.Fatalf("synth task not built correctly: %#v", task)
	}
	if task.Timeout != time.Minute {
		t.Fatalf("expected default timeout, got %v", task.Timeout)
	}
}

func TestBuildGraphRejectsCycles(t *testing.T) {
	doc := &PlanDocument{
		Version: "v1",
		Tasks: []PlanTask{
			{ID: "a", Type: "deep_research", Dependencies: []string{"b"}},
			{ID: "b", Type: "deep_analyze", Dependencies: []string{"a"}},
		},
	}
	if _, err := BuildGraph(doc, time.Minute); err == nil {
		t.Fatalf("expected cycle to be rejected")
	} else if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestBuildGraphAppliesSoftEdges(t *testing.T) {
	doc := &PlanDocument{
		Version: "v1",
		Tasks: []PlanTask{
			{ID: "a", Type: "deep_research"},
			{ID: "b", Type: "deep_analyze", Dependencies: []string{"a"}},
		},
		Edges: []PlanEdge{{From: "a", To: "b", Kind: "soft"}},
	}
	g, err := BuildGraph(doc, time.Minute)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if deps := g.Dependents("a", EdgeSoft); len(deps) != 1 || deps[0] != "b" {
		t.Fatalf("expected soft edge a->b, got %v", deps)
	}
}

func TestBuildGraphRejectsDuplicateTaskIDs(t *testing.T) {
	doc := &PlanDocument{
		Version: "v1",
		Tasks: []PlanTask{
			{ID: "a", Type: "deep_research"},
			{ID: "a", Type: "deep_analyze"},
		},
	}
	if _, err := BuildGraph(doc, time.Minute); err == nil {
		t.Fatalf("expected duplicate task ids to be rejected")
	}
}
