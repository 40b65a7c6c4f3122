package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed plan_schema.json
var planSchemaJSON string

// PlanDocument is the canonical JSON plan produced by the planning LLM.
type PlanDocument struct {
	Version           string                 `json:"version"`
	PlanID            string                 `json:"plan_id,omitempty"`
	Overview          string                 `json:"overview,omitempty"`
	ExpectedOutput    string                 `json:"expected_output,omitempty"`
	DataSources       []string               `json:"data_sources,omitempty"`
	CitationsRequired bool                   `json:"citations_required,omitempty"`
	Confidence        float64                `json:"confidence,omitempty"`
	Tasks             []PlanTask             `json:"tasks"`
	Edges             []PlanEdge             `json:"edges,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// PlanTask models a single node in the plan DAG.
type PlanTask struct {
	ID                string                 `json:"task_id"`
	Type              string                 `json:"task_type"`
	Description       string                 `json:"description,omitempty"`
	Priority          int                    `json:"priority,omitempty"`
	Parameters        map[string]interface{} `json:"parameters,omitempty"`
	Dependencies      []string               `json:"dependencies,omitempty"`
	Timeout           string                 `json:"timeout,omitempty"`
	EstimatedDuration string                 `json:"estimated_duration,omitempty"`
}

// PlanEdge overrides the propagation kind of a dependency edge. Edges not
// listed here default to hard.
type PlanEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind,omitempty"`
}

// Task types workers can handle.
const (
	TaskTypeDeepResearch = "deep_research"
	TaskTypeBrowserUse   = "browser_use"
	TaskTypeDeepAnalyze  = "deep_analyze"
	TaskTypeFinalAnswer  = "final_answer"
)

// TaskTypes lists the capability tags workers can handle.
var TaskTypes = []string{TaskTypeDeepResearch, TaskTypeBrowserUse, TaskTypeDeepAnalyze, TaskTypeFinalAnswer}

var (
	compileOnce sync.Once
	planSchema  *jsonschema.Schema
	compileErr  error
)

// PlanSchema returns the compiled JSON Schema for plan documents.
func PlanSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("plan_schema.json", strings.NewReader(planSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("plan_schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile plan schema: %w", err)
			return
		}
		planSchema = schema
	})
	return planSchema, compileErr
}

// ValidatePlanDocument validates the provided JSON bytes against the plan schema.
func ValidatePlanDocument(data []byte) error {
	schema, err := PlanSchema()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("plan does not match schema: %w", err)
	}
	return nil
}

// ParsePlanDocument validates raw JSON against the schema and decodes it.
func ParsePlanDocument(data []byte) (*PlanDocument, error) {
	if err := ValidatePlanDocument(data); err != nil {
		return nil, err
	}
	var doc PlanDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &doc, nil
}

// BuildGraph turns a plan document into a task graph. Tasks may reference
// dependencies in any order; they are inserted topologically, so an
// unsatisfiable plan (cycle or unknown dependency) is rejected.
func BuildGraph(doc *PlanDocument, defaultTimeout time.Duration) (*TaskGraph, error) {
	if doc == nil || len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("plan has no tasks")
	}
	byID := make(map[string]PlanTask, len(doc.Tasks))
	for _, t := range doc.Tasks {
		if _, ok := byID[t.ID]; ok {
			return nil, fmt.Errorf("duplicate task id: %s", t.ID)
		}
		if !validTaskType(t.Type) {
			return nil, fmt.Errorf("invalid task type %q for task %s", t.Type, t.ID)
		}
		byID[t.ID] = t
	}
	kinds := make(map[string]map[string]EdgeKind)
	for _, e := range doc.Edges {
		if _, ok := byID[e.From]; !ok {
			return nil, fmt.Errorf("edge references unknown task %s", e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return nil, fmt.Errorf("edge references unknown task %s", e.To)
		}
		if kinds[e.To] == nil {
			kinds[e.To] = make(map[string]EdgeKind)
		}
		if e.Kind == string(EdgeSoft) {
			kinds[e.To][e.From] = EdgeSoft
		} else {
			kinds[e.To][e.From] = EdgeHard
		}
	}

	g := NewTaskGraph()
	inserted := make(map[string]bool, len(doc.Tasks))
	for len(inserted) < len(doc.Tasks) {
		progressed := false
		for _, t := range doc.Tasks {
			if inserted[t.ID] {
				continue
			}
			ok := true
			for _, dep := range t.Dependencies {
				if dep == t.ID {
					return nil, fmt.Errorf("task %s depends on itself", t.ID)
				}
				if _, known := byID[dep]; !known {
					return nil, fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
				}
				if !inserted[dep] {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			timeout := defaultTimeout
			if t.Timeout != "" {
				if d, err := time.ParseDuration(t.Timeout); err == nil {
					timeout = d
				}
			}
			if err := g.AddTask(Task{
				ID:          t.ID,
				Type:        t.Type,
				Description: t.Description,
				Priority:    t.Priority,
				Parameters:  t.Parameters,
				DependsOn:   append([]string(nil), t.Dependencies...),
				Timeout:     timeout,
			}, kinds[t.ID]); err != nil {
				return nil, err
			}
			inserted[t.ID] = true
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("plan contains a dependency cycle")
		}
	}
	return g, nil
}

func validTaskType(taskType string) bool {
	for _, t := range TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}
