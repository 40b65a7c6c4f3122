package core

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/deepreport/config"
	"github.com/mohammad-safakhou/deepreport/internal/agent/telemetry"
	"github.com/mohammad-safakhou/deepreport/internal/capability"
	"github.com/mohammad-safakhou/deepreport/internal/corpus"
	"github.com/mohammad-safakhou/deepreport/internal/ledger"
	"github.com/mohammad-safakhou/deepreport/internal/planner"
)

const maxFollowUps = 16

// Orchestrator owns the lifecycle of research runs: planning, task graph
// execution across the worker pool, provenance collection and bundle
// assembly.
type Orchestrator struct {
	config      *config.Config
	logger      *log.Logger
	telemetry   *telemetry.Telemetry
	capRegistry *capability.Registry

	planner     *Planner
	workers     []Worker
	llmProvider LLMProvider
	corpora     *corpus.Store

	// Run state
	runs map[string]*run
	mu   sync.RWMutex

	// Concurrency control across all runs
	semaphore chan struct{}
}

// run is the orchestrator-side record of one research run. The graph is
// owned exclusively by the run's goroutine; status and bundle are the only
// fields shared with pollers, guarded by mu.
type run struct {
	id     string
	req    ResearchRequest
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status RunStatus
	bundle *ResultBundle
}

func (r *run) snapshot() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *run) update(fn func(*RunStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.status)
	r.status.LastUpdated = time.Now()
}

// NewOrchestrator creates an orchestrator with the default LLM provider
// and worker set.
func NewOrchestrator(cfg *config.Config, logger *log.Logger, tel *telemetry.Telemetry, registry *capability.Registry, corpora *corpus.Store) (*Orchestrator, error) {
	llmProvider, err := NewLLMProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}
	workers := NewWorkers(cfg, llmProvider, registry, tel)
	return NewOrchestratorWith(cfg, logger, tel, registry, corpora, llmProvider, workers), nil
}

// NewOrchestratorWith wires an orchestrator from explicit collaborators.
func NewOrchestratorWith(cfg *config.Config, logger *log.Logger, tel *telemetry.Telemetry, registry *capability.Registry, corpora *corpus.Store, llmProvider LLMProvider, workers []Worker) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	if corpora == nil {
		corpora = corpus.NewStore()
	}
	return &Orchestrator{
		config:      cfg,
		logger:      logger,
		telemetry:   tel,
		capRegistry: registry,
		planner:     NewPlanner(cfg, llmProvider, tel),
		workers:     workers,
		llmProvider: llmProvider,
		corpora:     corpora,
		runs:        make(map[string]*run),
		semaphore:   make(chan struct{}, cfg.Workers.MaxConcurrentTasks),
	}
}

// LLM exposes the orchestrator's underlying LLM provider.
func (o *Orchestrator) LLM() LLMProvider {
	return o.llmProvider
}

// StartResearch accepts a research request and begins executing it in the
// background. It returns the run id immediately.
func (o *Orchestrator) StartResearch(ctx context.Context, req ResearchRequest) (string, error) {
	if req.Query == "" {
		return "", fmt.Errorf("query is required")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	maxRunTime := o.config.General.MaxRunTime
	if maxRunTime <= 0 {
		maxRunTime = 30 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(context.Background(), maxRunTime)

	r := &run{
		id:     req.ID,
		req:    req,
		cancel: cancel,
		done:   make(chan struct{}),
		status: RunStatus{
			RunID:       req.ID,
			State:       RunPending,
			CreatedAt:   time.Now(),
			LastUpdated: time.Now(),
		},
	}

	o.mu.Lock()
	if _, exists := o.runs[req.ID]; exists {
		o.mu.Unlock()
		cancel()
		return "", fmt.Errorf("run %s already exists", req.ID)
	}
	o.runs[req.ID] = r
	o.mu.Unlock()

	go o.processRun(runCtx, r)
	return req.ID, nil
}

// Poll returns a snapshot of a run's progress.
func (o *Orchestrator) Poll(runID string) (RunStatus, error) {
	o.mu.RLock()
	r, ok := o.runs[runID]
	o.mu.RUnlock()
	if !ok {
		return RunStatus{}, fmt.Errorf("unknown run: %s", runID)
	}
	return r.snapshot(), nil
}

// Result returns the bundle of a finished run.
func (o *Orchestrator) Result(runID string) (ResultBundle, error) {
	o.mu.RLock()
	r, ok := o.runs[runID]
	o.mu.RUnlock()
	if !ok {
		return ResultBundle{}, fmt.Errorf("unknown run: %s", runID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bundle == nil {
		return ResultBundle{}, fmt.Errorf("run %s has not finished", runID)
	}
	return *r.bundle, nil
}

// Cancel stops a run. In-flight tasks are awaited, everything else is
// cancelled, and the partial bundle is kept.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.RLock()
	r, ok := o.runs[runID]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown run: %s", runID)
	}
	select {
	case <-r.done:
		return fmt.Errorf("run %s already finished", runID)
	default:
	}
	r.cancel()
	return nil
}

// Wait blocks until a run finishes. Used by the CLI and tests.
func (o *Orchestrator) Wait(runID string) error {
	o.mu.RLock()
	r, ok := o.runs[runID]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown run: %s", runID)
	}
	<-r.done
	return nil
}

type outcomeMsg struct {
	taskID  string
	outcome TaskOutcome
}

// processRun drives one research run to completion. It is the only
// goroutine that touches the graph.
func (o *Orchestrator) processRun(ctx context.Context, r *run) {
	started := time.Now()
	defer close(r.done)
	defer r.cancel()
	defer o.corpora.Release(r.id)

	o.logger.Printf("run %s: planning %q", r.id, summarizeQuery(r.req.Query))
	r.update(func(s *RunStatus) { s.State = RunPlanning; s.Progress = 0.05 })

	doc, graph, err := o.planner.Plan(ctx, r.req)
	if err != nil {
		o.finishRun(r, nil, nil, RunFailed, fmt.Sprintf("planning failed: %v", err), started, nil)
		return
	}
	_ = doc

	runCorpus, err := o.corpora.Open(r.id)
	if err != nil {
		o.finishRun(r, graph, nil, RunFailed, fmt.Sprintf("corpus init failed: %v", err), started, nil)
		return
	}
	rc := &RunContext{RunID: r.id, Request: r.req, Corpus: runCorpus}
	led := ledger.New()

	r.update(func(s *RunStatus) {
		s.State = RunExecuting
		s.Progress = 0.1
		s.TotalTasks = graph.Len()
	})

	var (
		transitions []TransitionEvent
		totalCost   float64
		totalTokens int64
		followUps   int
	)

	transition := func(id string, to planner.TaskState, reason string) bool {
		task, _ := graph.Task(id)
		from := task.State
		if err := graph.Transition(id, to); err != nil {
			o.logger.Printf("run %s: %v", r.id, err)
			return false
		}
		transitions = append(transitions, TransitionEvent{
			TaskID: id, From: from, To: to, Reason: reason, At: time.Now(),
		})
		return true
	}

	outcomes := make(chan outcomeMsg)
	inflight := 0

	launch := func(t planner.Task) {
		if !transition(t.ID, planner.TaskRunning, "") {
			return
		}
		graph.IncAttempts(t.ID)
		inflight++
		go func(task planner.Task) {
			select {
			case o.semaphore <- struct{}{}:
				defer func() { <-o.semaphore }()
			case <-ctx.Done():
				outcomes <- outcomeMsg{task.ID, TaskOutcome{
					TaskID:  task.ID,
					Failure: &TaskFailure{Kind: FailureCancelled, Message: ctx.Err().Error()},
				}}
				return
			}

			worker := o.findWorker(task)
			if worker == nil {
				outcomes <- outcomeMsg{task.ID, TaskOutcome{
					TaskID:  task.ID,
					Failure: &TaskFailure{Kind: FailureValidation, Message: fmt.Sprintf("no worker for task type %s", task.Type)},
				}}
				return
			}

			taskCtx := ctx
			var cancelTask context.CancelFunc
			if task.Timeout > 0 {
				taskCtx, cancelTask = context.WithTimeout(ctx, task.Timeout)
				defer cancelTask()
			}
			outcomes <- outcomeMsg{task.ID, worker.Execute(taskCtx, task, rc)}
		}(t)
	}

	launchReady := func() {
		graph.MarkReady()
		for _, t := range graph.Tasks() {
			if t.State == planner.TaskReady {
				launch(t)
			}
		}
	}

	refreshStatus := func() {
		counts := graph.Counts()
		completed := counts[planner.TaskSucceeded]
		total := graph.Len()
		partial := partialResults(graph)
		r.update(func(s *RunStatus) {
			s.TaskCounts = counts
			s.CompletedTasks = completed
			s.TotalTasks = total
			s.PartialResults = partial
			if total > 0 {
				s.Progress = 0.1 + 0.9*float64(completed)/float64(total)
			}
		})
	}

	cancelled := false
	ctxDone := ctx.Done()
	launchReady()

	for {
		if inflight == 0 {
			// Either the graph settled or the remaining tasks are blocked
			// on failed dependencies; both mean the run is over.
			break
		}

		select {
		case msg := <-outcomes:
			inflight--
			if !cancelled && ctx.Err() != nil {
				cancelled = true
				ctxDone = nil
				graph.CancelPending("run cancelled")
			}
			if cancelled {
				o.recordCancelledOutcome(r, graph, msg, transition)
				refreshStatus()
				continue
			}
			o.handleOutcome(ctx, r, graph, led, msg, transition, &totalCost, &totalTokens, &followUps)
			launchReady()
			refreshStatus()

		case <-ctxDone:
			// Drain in-flight workers; everything else is cancelled now.
			cancelled = true
			ctxDone = nil
			graph.CancelPending("run cancelled")
		}
	}

	if cancelled || ctx.Err() != nil {
		graph.CancelPending("run cancelled")
		o.finishRun(r, graph, led, RunCancelled, "run cancelled", started, &runStats{transitions, totalCost, totalTokens})
		return
	}

	state, errMsg := finalState(graph)
	o.finishRun(r, graph, led, state, errMsg, started, &runStats{transitions, totalCost, totalTokens})
}

type runStats struct {
	transitions []TransitionEvent
	cost        float64
	tokens      int64
}

// recordCancelledOutcome disposes of a worker result that arrived after
// the run was cancelled. The task ends Cancelled no matter what the worker
// reported; a success that raced the cancellation is discarded along with
// its citations and follow-ups.
func (o *Orchestrator) recordCancelledOutcome(r *run, graph *planner.TaskGraph, msg outcomeMsg, transition func(string, planner.TaskState, string) bool) {
	task, ok := graph.Task(msg.taskID)
	if !ok || task.State != planner.TaskRunning {
		return
	}
	if msg.outcome.Failure == nil {
		o.logger.Printf("run %s: discarding late success for %s", r.id, msg.taskID)
	}
	graph.SetOutcome(msg.taskID, nil, "run cancelled")
	transition(msg.taskID, planner.TaskCancelled, "run cancelled")
}

// partialResults snapshots the payloads of every task that has succeeded
// so far, so pollers can render progress before the run finishes.
func partialResults(graph *planner.TaskGraph) []TaskResult {
	var out []TaskResult
	for _, t := range graph.Tasks() {
		if t.State == planner.TaskSucceeded {
			out = append(out, TaskResult{TaskID: t.ID, Type: t.Type, Description: t.Description, Payload: t.Payload})
		}
	}
	return out
}

// taskTimeout is the per-task timeout for a run, honoring the request
// override.
func (o *Orchestrator) taskTimeout(req ResearchRequest) time.Duration {
	if req.Options.TaskTimeoutMS > 0 {
		return time.Duration(req.Options.TaskTimeoutMS) * time.Millisecond
	}
	return o.config.Workers.TaskTimeout
}

// handleOutcome applies one task outcome to the graph: success, retry,
// cascade cancellation of hard dependents, or a soft-edge replan.
func (o *Orchestrator) handleOutcome(ctx context.Context, r *run, graph *planner.TaskGraph, led *ledger.Ledger, msg outcomeMsg, transition func(string, planner.TaskState, string) bool, totalCost *float64, totalTokens *int64, followUps *int) {
	task, ok := graph.Task(msg.taskID)
	if !ok {
		return
	}
	if task.State != planner.TaskRunning {
		// Late outcome for a task the run already gave up on.
		o.logger.Printf("run %s: dropping late outcome for %s (state %s)", r.id, msg.taskID, task.State)
		return
	}

	out := msg.outcome
	*totalCost += out.Cost
	*totalTokens += out.TokensUsed

	if o.telemetry != nil {
		o.telemetry.RecordTaskEvent(ctx, telemetry.TaskEvent{
			ID:         msg.taskID,
			TaskType:   task.Type,
			Attempt:    task.Attempts,
			Duration:   out.Duration,
			Success:    out.Failure == nil,
			Cost:       out.Cost,
			TokensUsed: out.TokensUsed,
			ModelUsed:  out.ModelUsed,
		})
	}

	if out.Failure == nil {
		graph.SetOutcome(msg.taskID, out.Payload, "")
		transition(msg.taskID, planner.TaskSucceeded, "")
		for _, c := range out.Citations {
			if _, err := led.Append(c.Claim, c.SourceURL, c.Excerpt, c.TaskID); err != nil {
				o.logger.Printf("run %s: ledger append failed: %v", r.id, err)
			}
		}
		for _, fu := range out.FollowUps {
			if *followUps >= maxFollowUps {
				o.logger.Printf("run %s: follow-up budget exhausted, dropping %s", r.id, fu.Type)
				break
			}
			id := uuid.New().String()
			if err := graph.AddTask(planner.Task{
				ID:          id,
				Type:        fu.Type,
				Description: fu.Description,
				Parameters:  fu.Parameters,
				DependsOn:   []string{msg.taskID},
				Timeout:     o.taskTimeout(r.req),
			}, nil); err != nil {
				o.logger.Printf("run %s: follow-up rejected: %v", r.id, err)
				continue
			}
			*followUps++
		}
		return
	}

	graph.SetOutcome(msg.taskID, nil, out.Failure.Message)
	transition(msg.taskID, planner.TaskFailed, out.Failure.Message)

	maxRetries := o.config.Workers.MaxRetries
	if r.req.Options.MaxRetries != nil {
		maxRetries = *r.req.Options.MaxRetries
	}
	if out.Failure.Kind.Retryable() && task.Attempts <= maxRetries {
		transition(msg.taskID, planner.TaskReady, fmt.Sprintf("retry %d/%d", task.Attempts, maxRetries))
		return
	}

	// Failure is final for this node. Hard dependents can never run; soft
	// dependents get a substitute.
	o.cancelHardDependents(graph, msg.taskID, transition)

	if len(graph.Dependents(msg.taskID, planner.EdgeSoft)) > 0 {
		if alreadySubstitute(task) {
			// A substitute failing too ends the lineage.
			for _, dep := range graph.Dependents(msg.taskID, planner.EdgeSoft) {
				o.cancelSubtree(graph, dep, transition, "substitute failed")
			}
			return
		}
		subID := uuid.New().String()
		params := make(map[string]interface{}, len(task.Parameters)+1)
		for k, v := range task.Parameters {
			params[k] = v
		}
		params["replaces"] = msg.taskID
		if err := graph.Replan(msg.taskID, planner.Task{
			ID:          subID,
			Type:        task.Type,
			Description: task.Description,
			Priority:    task.Priority,
			Parameters:  params,
			Timeout:     task.Timeout,
		}); err != nil {
			o.logger.Printf("run %s: replan failed: %v", r.id, err)
			return
		}
		o.logger.Printf("run %s: replanned %s as %s after %s failure", r.id, msg.taskID, subID, out.Failure.Kind)
	}
}

func alreadySubstitute(t planner.Task) bool {
	if t.Parameters == nil {
		return false
	}
	_, ok := t.Parameters["replaces"]
	return ok
}

// cancelHardDependents cancels every task transitively reachable from id
// over hard edges.
func (o *Orchestrator) cancelHardDependents(graph *planner.TaskGraph, id string, transition func(string, planner.TaskState, string) bool) {
	for _, dep := range graph.Dependents(id, planner.EdgeHard) {
		o.cancelSubtree(graph, dep, transition, "dependency failed")
	}
}

func (o *Orchestrator) cancelSubtree(graph *planner.TaskGraph, id string, transition func(string, planner.TaskState, string) bool, reason string) {
	t, ok := graph.Task(id)
	if !ok || t.State.Terminal() {
		return
	}
	if t.State == planner.TaskPending || t.State == planner.TaskReady || t.State == planner.TaskFailed {
		transition(id, planner.TaskCancelled, reason)
	}
	for _, dep := range graph.Dependents(id, "") {
		o.cancelSubtree(graph, dep, transition, reason)
	}
}

// finalState inspects the settled graph: the run succeeded iff the
// final_answer task did.
func finalState(graph *planner.TaskGraph) (RunState, string) {
	for _, t := range graph.Tasks() {
		if t.Type != planner.TaskTypeFinalAnswer {
			continue
		}
		switch t.State {
		case planner.TaskSucceeded:
			return RunSucceeded, ""
		case planner.TaskCancelled:
			return RunFailed, "final answer cancelled: " + t.Failure
		default:
			return RunFailed, "final answer failed: " + t.Failure
		}
	}
	return RunFailed, "plan had no final_answer task"
}

// finishRun assembles and publishes the bundle, whatever state the run
// ended in.
func (o *Orchestrator) finishRun(r *run, graph *planner.TaskGraph, led *ledger.Ledger, state RunState, errMsg string, started time.Time, stats *runStats) {
	bundle := &ResultBundle{
		RunID:     r.id,
		Request:   r.req,
		State:     state,
		Error:     errMsg,
		Duration:  time.Since(started),
		CreatedAt: time.Now(),
	}
	if graph != nil {
		bundle.Tasks = graph.Tasks()
		bundle.TaskCounts = graph.Counts()
		for _, t := range bundle.Tasks {
			if t.Type == planner.TaskTypeFinalAnswer && t.State == planner.TaskSucceeded && t.Payload != nil {
				if v, ok := t.Payload["report"].(string); ok {
					bundle.Report = v
				}
				if v, ok := t.Payload["summary"].(string); ok {
					bundle.Summary = v
				}
				if v, ok := t.Payload["confidence"].(float64); ok {
					bundle.Confidence = v
				}
			}
		}
	}
	if led != nil {
		bundle.Citations = led.Snapshot()
	}
	if stats != nil {
		bundle.Transitions = stats.transitions
		bundle.Cost = stats.cost
		bundle.TokensUsed = stats.tokens
	}

	r.update(func(s *RunStatus) {
		s.State = state
		s.Error = errMsg
		if state == RunSucceeded {
			s.Progress = 1.0
		}
		if graph != nil {
			s.TaskCounts = graph.Counts()
			s.CompletedTasks = s.TaskCounts[planner.TaskSucceeded]
			s.TotalTasks = graph.Len()
			s.PartialResults = partialResults(graph)
		}
	})
	r.mu.Lock()
	r.bundle = bundle
	r.mu.Unlock()

	if o.telemetry != nil {
		o.telemetry.RecordRunEvent(context.Background(), telemetry.RunEvent{
			ID:         r.id,
			Query:      r.req.Query,
			StartTime:  started,
			EndTime:    time.Now(),
			Duration:   bundle.Duration,
			Success:    state == RunSucceeded,
			Error:      errMsg,
			Cost:       bundle.Cost,
			TokensUsed: bundle.TokensUsed,
			TaskCount:  len(bundle.Tasks),
			Citations:  len(bundle.Citations),
		})
	}
	o.logger.Printf("run %s: finished %s in %v (%d tasks, %d citations)",
		r.id, state, bundle.Duration, len(bundle.Tasks), len(bundle.Citations))
}

// findWorker picks the first worker that accepts the task.
func (o *Orchestrator) findWorker(task planner.Task) Worker {
	for _, w := range o.workers {
		if w.CanHandle(task) {
			return w
		}
	}
	return nil
}
