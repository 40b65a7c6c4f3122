package core

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/deepreport/internal/corpus"
	"github.com/mohammad-safakhou/deepreport/internal/ledger"
	"github.com/mohammad-safakhou/deepreport/internal/planner"
)

// ResearchRequest represents a user's research question
type ResearchRequest struct {
	ID           string                 `json:"id"`
	Query        string                 `json:"query"`
	UserID       string                 `json:"user_id,omitempty"`
	Requirements []string               `json:"requirements,omitempty"`
	Options      RunOptions             `json:"options,omitempty"`
	Depth        int                    `json:"depth,omitempty"`
	MaxSources   int                    `json:"max_sources,omitempty"`
	Preferences  map[string]interface{} `json:"preferences,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// RunOptions are per-run overrides for knobs that otherwise come from
// configuration. Zero values mean "use the configured default"; MaxRetries
// is a pointer so an explicit zero can disable retries for one run.
type RunOptions struct {
	Model         string   `json:"model,omitempty"`
	MaxRetries    *int     `json:"max_retries,omitempty"`
	Providers     []string `json:"providers,omitempty"`
	TaskTimeoutMS int64    `json:"task_timeout_ms,omitempty"`
}

// FailureKind classifies why a task attempt failed and drives the retry
// decision.
type FailureKind string

const (
	FailureValidation FailureKind = "validation"
	FailureTransient  FailureKind = "transient"
	FailureTimeout    FailureKind = "timeout"
	FailurePermanent  FailureKind = "permanent"
	FailureCancelled  FailureKind = "cancelled"
)

// Retryable reports whether another attempt could plausibly succeed.
// Validation failures are never retried: the same input produces the same
// rejection.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient || k == FailureTimeout
}

// TaskFailure describes a failed task attempt.
type TaskFailure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Citation links a claim in the final report back to its source.
type Citation struct {
	Claim     string `json:"claim"`
	SourceURL string `json:"source_url"`
	Excerpt   string `json:"excerpt,omitempty"`
	TaskID    string `json:"task_id"`
}

// FollowUp is a task a worker wants scheduled after its own, depending on
// the producing task.
type FollowUp struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// TaskOutcome is the single result a worker hands back for one attempt.
// Either Failure is nil and Payload carries the result, or Failure is set
// and everything else is ignored. Tool and provider errors never surface
// as Go errors; they arrive here classified.
type TaskOutcome struct {
	TaskID     string                 `json:"task_id"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Citations  []Citation             `json:"citations,omitempty"`
	FollowUps  []FollowUp             `json:"follow_ups,omitempty"`
	Failure    *TaskFailure           `json:"failure,omitempty"`
	Cost       float64                `json:"cost"`
	TokensUsed int64                  `json:"tokens_used"`
	ModelUsed  string                 `json:"model_used,omitempty"`
	Duration   time.Duration          `json:"duration"`
}

// RunContext carries the per-run resources a worker may use.
type RunContext struct {
	RunID   string
	Request ResearchRequest
	Corpus  *corpus.Corpus
}

// Worker executes tasks of one or more types. Implementations must confine
// every failure to the returned outcome.
type Worker interface {
	// Type returns the worker's primary task type
	Type() string

	// CanHandle reports whether the worker accepts a task
	CanHandle(task planner.Task) bool

	// Execute runs a single task attempt
	Execute(ctx context.Context, task planner.Task, rc *RunContext) TaskOutcome
}

// RunState is the lifecycle of a whole research run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunPlanning  RunState = "planning"
	RunExecuting RunState = "executing"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// RunStatus is a point-in-time snapshot of a run, safe to hand out while
// the run is still moving.
type RunStatus struct {
	RunID          string                    `json:"run_id"`
	State          RunState                  `json:"state"`
	Progress       float64                   `json:"progress"` // 0.0 to 1.0
	TaskCounts     map[planner.TaskState]int `json:"task_counts,omitempty"`
	CompletedTasks int                       `json:"completed_tasks"`
	TotalTasks     int                       `json:"total_tasks"`
	PartialResults []TaskResult              `json:"partial_results,omitempty"`
	Error          string                    `json:"error,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	LastUpdated    time.Time                 `json:"last_updated"`
}

// TaskResult is a completed task's output as exposed by Poll, so callers
// can render results incrementally before the run finishes.
type TaskResult struct {
	TaskID      string                 `json:"task_id"`
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// TransitionEvent records one task state change, in order.
type TransitionEvent struct {
	TaskID string            `json:"task_id"`
	From   planner.TaskState `json:"from"`
	To     planner.TaskState `json:"to"`
	Reason string            `json:"reason,omitempty"`
	At     time.Time         `json:"at"`
}

// ResultBundle is the complete output of a finished run.
type ResultBundle struct {
	RunID       string                    `json:"run_id"`
	Request     ResearchRequest           `json:"request"`
	State       RunState                  `json:"state"`
	Report      string                    `json:"report,omitempty"`
	Summary     string                    `json:"summary,omitempty"`
	Confidence  float64                   `json:"confidence"`
	Citations   []ledger.Record           `json:"citations"`
	Tasks       []planner.Task            `json:"tasks"`
	Transitions []TransitionEvent         `json:"transitions"`
	TaskCounts  map[planner.TaskState]int `json:"task_counts"`
	Cost        float64                   `json:"cost"`
	TokensUsed  int64                     `json:"tokens_used"`
	Duration    time.Duration             `json:"duration"`
	Error       string                    `json:"error,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
}

// LLMProvider interface defines the contract for LLM providers
type LLMProvider interface {
	// Generate generates text using the LLM
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// GenerateWithTokens generates text and returns token usage
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)

	// GetAvailableModels returns available models
	GetAvailableModels() []string

	// GetModelInfo returns information about a specific model
	GetModelInfo(model string) (ModelInfo, error)

	// CalculateCost calculates the cost for a given number of tokens
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ModelInfo contains information about an LLM model
type ModelInfo struct {
	Name            string   `json:"name"`
	Provider        string   `json:"provider"`
	MaxTokens       int      `json:"max_tokens"`
	CostPer1KInput  float64  `json:"cost_per_1k_input"`
	CostPer1KOutput float64  `json:"cost_per_1k_output"`
	Capabilities    []string `json:"capabilities"`
	Description     string   `json:"description"`
}
