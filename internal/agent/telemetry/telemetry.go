package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammad-safakhou/deepreport/config"
)

// Telemetry provides monitoring and cost tracking for research runs
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	collectors  *collectors
	mu          sync.RWMutex
}

// Metrics holds various performance metrics
type Metrics struct {
	mu sync.RWMutex
	// Run metrics
	TotalRuns      int64
	SucceededRuns  int64
	FailedRuns     int64
	AverageRunTime time.Duration

	// Task metrics
	TaskExecutions   map[string]int64
	TaskSuccessRates map[string]float64
	TaskAverageTimes map[string]time.Duration
	TaskRetries      map[string]int64

	// LLM metrics
	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64

	// Tool metrics
	ToolInvocations  map[string]int64
	ToolSuccessRates map[string]float64
}

// CostTracker tracks costs across LLM models and operations
type CostTracker struct {
	mu sync.RWMutex

	ModelCosts     map[string]float64 // model -> cost
	OperationCosts map[string]float64 // operation -> cost

	TotalCost   float64
	TotalTokens int64
}

// RunEvent represents a completed research run
type RunEvent struct {
	ID         string
	Query      string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Success    bool
	Error      string
	Cost       float64
	TokensUsed int64
	TaskCount  int
	Citations  int
}

// TaskEvent represents a single task execution attempt
type TaskEvent struct {
	ID         string
	TaskType   string
	Attempt    int
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Success    bool
	Error      string
	Cost       float64
	TokensUsed int64
	ModelUsed  string
}

// ToolEvent represents a tool invocation
type ToolEvent struct {
	Tool     string
	Duration time.Duration
	Success  bool
	ErrKind  string
}

type collectors struct {
	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
	taskAttempts    *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	toolInvocations *prometheus.CounterVec
	tokensUsed      *prometheus.CounterVec
	costUSD         prometheus.Counter
}

func newCollectors() *collectors {
	c := &collectors{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepreport_runs_total",
			Help: "Research runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deepreport_run_duration_seconds",
			Help:    "Wall clock duration of research runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		taskAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepreport_task_attempts_total",
			Help: "Task execution attempts by type and outcome.",
		}, []string{"task_type", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deepreport_task_duration_seconds",
			Help:    "Task execution duration by type.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"task_type"}),
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepreport_tool_invocations_total",
			Help: "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		tokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deepreport_llm_tokens_total",
			Help: "LLM tokens consumed by model.",
		}, []string{"model"}),
		costUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deepreport_cost_usd_total",
			Help: "Accumulated LLM spend in USD.",
		}),
	}
	return c
}

func (c *collectors) register(reg prometheus.Registerer) {
	reg.MustRegister(c.runsTotal, c.runDuration, c.taskAttempts, c.taskDuration, c.toolInvocations, c.tokensUsed, c.costUSD)
}

// NewTelemetry creates a new telemetry instance and registers its
// prometheus collectors on the default registry.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	return NewTelemetryWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewTelemetryWithRegistry is NewTelemetry with an explicit registry, for
// tests and embedded use.
func NewTelemetryWithRegistry(cfg config.TelemetryConfig, reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			TaskExecutions:   make(map[string]int64),
			TaskSuccessRates: make(map[string]float64),
			TaskAverageTimes: make(map[string]time.Duration),
			TaskRetries:      make(map[string]int64),
			LLMRequests:      make(map[string]int64),
			LLMTokensUsed:    make(map[string]int64),
			ToolInvocations:  make(map[string]int64),
			ToolSuccessRates: make(map[string]float64),
		},
		costTracker: &CostTracker{
			ModelCosts:     make(map[string]float64),
			OperationCosts: make(map[string]float64),
		},
		collectors: newCollectors(),
	}
	if cfg.Enabled && reg != nil {
		t.collectors.register(reg)
	}
	return t
}

// RecordRunEvent records a completed research run
func (t *Telemetry) RecordRunEvent(ctx context.Context, event RunEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalRuns++
	outcome := "failed"
	if event.Success {
		t.metrics.SucceededRuns++
		outcome = "succeeded"
	} else {
		t.metrics.FailedRuns++
	}
	t.collectors.runsTotal.WithLabelValues(outcome).Inc()
	t.collectors.runDuration.Observe(event.Duration.Seconds())

	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = event.Duration
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + event.Duration) / time.Duration(t.metrics.TotalRuns)
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed
	t.collectors.costUSD.Add(event.Cost)

	t.logger.Printf("Run Event: ID=%s, Success=%t, Duration=%v, Cost=$%.4f, Tokens=%d, Citations=%d",
		event.ID, event.Success, event.Duration, event.Cost, event.TokensUsed, event.Citations)
}

// RecordTaskEvent records a task execution attempt
func (t *Telemetry) RecordTaskEvent(ctx context.Context, event TaskEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TaskExecutions[event.TaskType]++
	if event.Attempt > 1 {
		t.metrics.TaskRetries[event.TaskType]++
	}

	currentSuccess := t.metrics.TaskSuccessRates[event.TaskType]
	currentExecutions := t.metrics.TaskExecutions[event.TaskType]
	if event.Success {
		currentSuccess += 1.0
	}
	t.metrics.TaskSuccessRates[event.TaskType] = currentSuccess / float64(currentExecutions)

	currentAvg := t.metrics.TaskAverageTimes[event.TaskType]
	if currentExecutions == 1 {
		t.metrics.TaskAverageTimes[event.TaskType] = event.Duration
	} else {
		total := currentAvg * time.Duration(currentExecutions-1)
		t.metrics.TaskAverageTimes[event.TaskType] = (total + event.Duration) / time.Duration(currentExecutions)
	}

	if event.ModelUsed != "" {
		t.metrics.LLMRequests[event.ModelUsed]++
		t.metrics.LLMTokensUsed[event.ModelUsed] += event.TokensUsed
		t.collectors.tokensUsed.WithLabelValues(event.ModelUsed).Add(float64(event.TokensUsed))
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed
	t.costTracker.ModelCosts[event.ModelUsed] += event.Cost
	t.collectors.costUSD.Add(event.Cost)

	outcome := "failed"
	if event.Success {
		outcome = "succeeded"
	}
	t.collectors.taskAttempts.WithLabelValues(event.TaskType, outcome).Inc()
	t.collectors.taskDuration.WithLabelValues(event.TaskType).Observe(event.Duration.Seconds())

	t.logger.Printf("Task Event: Type=%s, Attempt=%d, Success=%t, Duration=%v, Cost=$%.4f",
		event.TaskType, event.Attempt, event.Success, event.Duration, event.Cost)
}

// RecordToolEvent records a tool invocation
func (t *Telemetry) RecordToolEvent(ctx context.Context, event ToolEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.ToolInvocations[event.Tool]++
	currentSuccess := t.metrics.ToolSuccessRates[event.Tool]
	currentInvocations := t.metrics.ToolInvocations[event.Tool]
	if event.Success {
		currentSuccess += 1.0
	}
	t.metrics.ToolSuccessRates[event.Tool] = currentSuccess / float64(currentInvocations)

	outcome := "ok"
	if !event.Success {
		outcome = event.ErrKind
		if outcome == "" {
			outcome = "error"
		}
	}
	t.collectors.toolInvocations.WithLabelValues(event.Tool, outcome).Inc()
}

// GetMetrics returns current metrics snapshot
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	// Create a deep copy to avoid race conditions
	metrics := Metrics{
		TotalRuns:        t.metrics.TotalRuns,
		SucceededRuns:    t.metrics.SucceededRuns,
		FailedRuns:       t.metrics.FailedRuns,
		AverageRunTime:   t.metrics.AverageRunTime,
		TaskExecutions:   make(map[string]int64),
		TaskSuccessRates: make(map[string]float64),
		TaskAverageTimes: make(map[string]time.Duration),
		TaskRetries:      make(map[string]int64),
		LLMRequests:      make(map[string]int64),
		LLMTokensUsed:    make(map[string]int64),
		ToolInvocations:  make(map[string]int64),
		ToolSuccessRates: make(map[string]float64),
	}

	for k, v := range t.metrics.TaskExecutions {
		metrics.TaskExecutions[k] = v
	}
	for k, v := range t.metrics.TaskSuccessRates {
		metrics.TaskSuccessRates[k] = v
	}
	for k, v := range t.metrics.TaskAverageTimes {
		metrics.TaskAverageTimes[k] = v
	}
	for k, v := range t.metrics.TaskRetries {
		metrics.TaskRetries[k] = v
	}
	for k, v := range t.metrics.LLMRequests {
		metrics.LLMRequests[k] = v
	}
	for k, v := range t.metrics.LLMTokensUsed {
		metrics.LLMTokensUsed[k] = v
	}
	for k, v := range t.metrics.ToolInvocations {
		metrics.ToolInvocations[k] = v
	}
	for k, v := range t.metrics.ToolSuccessRates {
		metrics.ToolSuccessRates[k] = v
	}

	return metrics
}

// GetCostSummary returns current cost summary
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := CostSummary{
		TotalCost:      t.costTracker.TotalCost,
		TotalTokens:    t.costTracker.TotalTokens,
		ModelCosts:     make(map[string]float64),
		OperationCosts: make(map[string]float64),
	}

	for k, v := range t.costTracker.ModelCosts {
		summary.ModelCosts[k] = v
	}
	for k, v := range t.costTracker.OperationCosts {
		summary.OperationCosts[k] = v
	}

	return summary
}

// CostSummary provides a summary of costs
type CostSummary struct {
	TotalCost      float64
	TotalTokens    int64
	ModelCosts     map[string]float64
	OperationCosts map[string]float64
}

// Shutdown logs a final report
func (t *Telemetry) Shutdown() {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	if metrics.TotalRuns == 0 {
		return
	}
	t.logger.Printf("Final Report: runs=%d success=%.2f%% avg=%v cost=$%.4f tokens=%d",
		metrics.TotalRuns,
		float64(metrics.SucceededRuns)/float64(metrics.TotalRuns)*100,
		metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)
}

// GetPerformanceReport returns a detailed performance report
func (t *Telemetry) GetPerformanceReport() string {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	if metrics.TotalRuns == 0 {
		return "no runs recorded"
	}

	report := fmt.Sprintf(`
=== PERFORMANCE REPORT ===
Overall Metrics:
  Total Runs: %d
  Succeeded: %d (%.2f%%)
  Failed: %d (%.2f%%)
  Average Run Time: %v
  Total Cost: $%.4f
  Total Tokens: %d

Task Performance:
`, metrics.TotalRuns, metrics.SucceededRuns,
		float64(metrics.SucceededRuns)/float64(metrics.TotalRuns)*100,
		metrics.FailedRuns, float64(metrics.FailedRuns)/float64(metrics.TotalRuns)*100,
		metrics.AverageRunTime, costs.TotalCost, costs.TotalTokens)

	for taskType, executions := range metrics.TaskExecutions {
		successRate := metrics.TaskSuccessRates[taskType]
		avgTime := metrics.TaskAverageTimes[taskType]
		report += fmt.Sprintf("  %s: %d executions, %d retries, %.2f%% success, %v avg time\n",
			taskType, executions, metrics.TaskRetries[taskType], successRate*100, avgTime)
	}

	report += "\nLLM Usage:\n"
	for model, requests := range metrics.LLMRequests {
		tokens := metrics.LLMTokensUsed[model]
		cost := costs.ModelCosts[model]
		report += fmt.Sprintf("  %s: %d requests, %d tokens, $%.4f\n",
			model, requests, tokens, cost)
	}

	report += "\nTool Usage:\n"
	for tool, invocations := range metrics.ToolInvocations {
		successRate := metrics.ToolSuccessRates[tool]
		report += fmt.Sprintf("  %s: %d invocations, %.2f%% success\n",
			tool, invocations, successRate*100)
	}

	return report
}
