package core

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepreport/config"
	"github.com/mohammad-safakhou/deepreport/internal/planner"
)

// fakeLLM returns a canned response for every Generate call.
type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	return f.response, f.err
}

func (f *fakeLLM) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	return f.response, 10, 20, f.err
}

func (f *fakeLLM) GetAvailableModels() []string { return []string{"test"} }

func (f *fakeLLM) GetModelInfo(model string) (ModelInfo, error) {
	return ModelInfo{Name: model}, nil
}

func (f *fakeLLM) CalculateCost(in, out int64, model string) float64 { return 0.001 }

// scriptedWorker executes tasks of one type according to a per-attempt
// script.
type scriptedWorker struct {
	taskType string
	mu       sync.Mutex
	attempts map[string]int
	script   func(ctx context.Context, task planner.Task, attempt int) TaskOutcome
}

func newScriptedWorker(taskType string, script func(ctx context.Context, task planner.Task, attempt int) TaskOutcome) *scriptedWorker {
	return &scriptedWorker{taskType: taskType, attempts: make(map[string]int), script: script}
}

func (w *scriptedWorker) Type() string { return w.taskType }

func (w *scriptedWorker) CanHandle(task planner.Task) bool { return task.Type == w.taskType }

func (w *scriptedWorker) attemptCount(taskID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts[taskID]
}

func (w *scriptedWorker) Execute(ctx context.Context, task planner.Task, rc *RunContext) TaskOutcome {
	w.mu.Lock()
	w.attempts[task.ID]++
	n := w.attempts[task.ID]
	w.mu.Unlock()
	out := w.script(ctx, task, n)
	out.TaskID = task.ID
	return out
}

func succeedWith(payload map[string]interface{}, citations ...Citation) func(context.Context, planner.Task, int) TaskOutcome {
	return func(ctx context.Context, task planner.Task, attempt int) TaskOutcome {
		return TaskOutcome{Payload: payload, Citations: citations}
	}
}

func testConfig(maxRetries int) *config.Config {
	return &config.Config{
		General: config.GeneralConfig{MaxRunTime: time.Minute},
		Workers: config.WorkersConfig{
			MaxConcurrentTasks: 4,
			TaskTimeout:        5 * time.Second,
			MaxRetries:         maxRetries,
		},
	}
}

func planJSON(tasks string, edges string) string {
	doc := fmt.Sprintf(`{"version":"v1","tasks":[%s]`, tasks)
	if edges != "" {
		doc += fmt.Sprintf(`,"edges":[%s]`, edges)
	}
	return doc + "}"
}

const linearPlan = `{"task_id":"t1","task_type":"deep_research","parameters":{"query":"solar"}},
{"task_id":"final","task_type":"final_answer","dependencies":["t1"]}`

func newTestOrchestrator(t *testing.T, cfg *config.Config, plan string, workers ...Worker) *Orchestrator {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	llm := &fakeLLM{response: plan}
	return NewOrchestratorWith(cfg, logger, nil, nil, nil, llm, workers)
}

func runToCompletion(t *testing.T, o *Orchestrator, req ResearchRequest) ResultBundle {
	t.Helper()
	id, err := o.StartResearch(context.Background(), req)
	if err != nil {
		t.Fatalf("StartResearch: %v", err)
	}
	if err := o.Wait(id); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	bundle, err := o.Result(id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	return bundle
}

func TestTransientFailuresAreRetriedUntilSuccess(t *testing.T) {
	research := newScriptedWorker(planner.TaskTypeDeepResearch, func(ctx context.Context, task planner.Task, attempt int) TaskOutcome {
		if attempt < 3 {
			return TaskOutcome{Failure: &TaskFailure{Kind: FailureTransient, Message: "socket reset"}}
		}
		return TaskOutcome{Payload: map[string]interface{}{"found": true}}
	})
	final := newScriptedWorker(planner.TaskTypeFinalAnswer,
		succeedWith(map[string]interface{}{"report": "done", "summary": "done", "confidence": 0.9}))

	o := newTestOrchestrator(t, testConfig(2), planJSON(linearPlan, ""), research, final)
	bundle := runToCompletion(t, o, ResearchRequest{Query: "solar growth"})

	if bundle.State != RunSucceeded {
		t.Fatalf("expected run to succeed, got %s (%s)", bundle.State, bundle.Error)
	}
	if got := research.attemptCount("t1"); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	for _, task := range bundle.Tasks {
		if task.ID == "t1" && task.Attempts != 3 {
			t.Fatalf("graph should record 3 attempts, got %d", task.Attempts)
		}
	}
	if bundle.Report != "done" {
		t.Fatalf("final answer payload not surfaced: %#v", bundle)
	}
}

func TestExhaustedRetriesCancelHardDependents(t *testing.T) {
	research := newScriptedWorker(planner.TaskTypeDeepResearch, func(ctx context.Context, task planner.Task, attempt int) TaskOutcome {
		return TaskOutcome{Failure: &TaskFailure{Kind: FailureTransient, Message: "still down"}}
	})
	final := newScriptedWorker(planner.TaskTypeFinalAnswer,
		succeedWith(map[string]interface{}{"report": "never"}))

	o := newTestOrchestrator(t, testConfig(1), planJSON(linearPlan, ""), research, final)
	bundle := runToCompletion(t, o, ResearchRequest{Query: "solar growth"})

	if bundle.State != RunFailed {
		t.Fatalf("expected run to fail, got %s", bundle.State)
	}
	if got := research.attemptCount("t1"); got != 2 {
		t.Fatalf("max_retries=1 means 2 attempts, got %d", got)
	}
	if got := final.attemptCount("final"); got != 0 {
		t.Fatalf("final answer must never run after its dependency fails, got %d attempts", got)
	}
	for _, task := range bundle.Tasks {
		switch task.ID {
		case "t1":
			if task.State != planner.TaskFailed {
				t.Fatalf("t1 should be failed, got %s", task.State)
			}
		case "final":
			if task.State != planner.TaskCancelled {
				t.Fatalf("final should be cancelled, got %s", task.State)
			}
		}
	}
}

func TestValidationFailuresAreNeverRetried(t *testing.T) {
	research := newScriptedWorker(planner.TaskTypeDeepResearch, func(ctx context.Context, task planner.Task, attempt int) TaskOutcome {
		return TaskOutcome{Failure: &TaskFailure{Kind: FailureValidation, Message: "bad arguments"}}
	})
	final := newScriptedWorker(planner.TaskTypeFinalAnswer,
		succeedWith(map[string]interface{}{"report": "never"}))

	o := newTestOrchestrator(t, testConfig(5), planJSON(linearPlan, ""), research, final)
	bundle := runToCompletion(t, o, ResearchRequest{Query: "solar growth"})

	if bundle.State != RunFailed {
		t.Fatalf("expected run to fail, got %s", bundle.State)
	}
	if got := research.attemptCount("t1"); got != 1 {
		t.Fatalf("validation failure must not be retried, got %d attempts", got)
	}
}

func TestCitationsFlowIntoTheLedgerInOrder(t *testing.T) {
	plan := planJSON(`{"task_id":"a","task_type":"deep_research","parameters":{"query":"q"}},
{"task_id":"b","task_type":"browser_use","parameters":{"url":"https://x.com"},"dependencies":["a"]},
{"task_id":"final","task_type":"final_answer","dependencies":["b"]}`, "")

	research := newScriptedWorker(planner.TaskTypeDeepResearch,
		succeedWith(map[string]interface{}{"ok": true},
			Citation{Claim: "solar grew 30%", SourceURL: "https://a.com", TaskID: "a"},
			Citation{Claim: "panels got cheaper", SourceURL: "https://b.com", TaskID: "a"},
		))
	browser := newScriptedWorker(planner.TaskTypeBrowserUse,
		succeedWith(map[string]interface{}{"ok": true},
			Citation{Claim: "offshore wind stalled", SourceURL: "https://x.com", TaskID: "b"},
		))
	final := newScriptedWorker(planner.TaskTypeFinalAnswer,
		succeedWith(map[string]interface{}{"report": "full report", "summary": "tl;dr", "confidence": 0.8}))

	o := newTestOrchestrator(t, testConfig(0), plan, research, browser, final)
	bundle := runToCompletion(t, o, ResearchRequest{Query: "energy"})

	if bundle.State != RunSucceeded {
		t.Fatalf("expected success, got %s (%s)", bundle.State, bundle.Error)
	}
	if len(bundle.Citations) != 3 {
		t.Fatalf("expected 3 ledger records, got %d", len(bundle.Citations))
	}
	for i, rec := range bundle.Citations {
		if rec.Seq != uint64(i+1) {
			t.Fatalf("ledger sequence not dense: %#v", bundle.Citations)
		}
	}
	if bundle.Citations[0].TaskID != "a" || bundle.Citations[2].TaskID != "b" {
		t.Fatalf("citation order should follow task completion: %#v", bundle.Citations)
	}
	if bundle.Summary != "tl;dr" || bundle.Confidence != 0.8 {
		t.Fatalf("bundle missing final answer fields: %#v", bundle)
	}
}

func TestSoftEdgeFailureTriggersReplan(t *testing.T) {
	plan := planJSON(`{"task_id":"r1","task_type":"deep_research","parameters":{"query":"q"}},
{"task_id":"a1","task_type":"deep_analyze","dependencies":["r1"]},
{"task_id":"final","task_type":"final_answer","dependencies":["a1"]}`,
		`{"from":"r1","to":"a1","kind":"soft"}`)

	research := newScriptedWorker(planner.TaskTypeDeepResearch, func(ctx context.Context, task planner.Task, attempt int) TaskOutcome {
		if _, sub := task.Parameters["replaces"]; sub {
			return TaskOutcome{Payload: map[string]interface{}{"substitute": true}}
		}
		return TaskOutcome{Failure: &TaskFailure{Kind: FailurePermanent, Message: "source gone"}}
	})
	analyze := newScriptedWorker(planner.TaskTypeDeepAnalyze,
		succeedWith(map[string]interface{}{"analysis": "fine"}))
	final := newScriptedWorker(planner.TaskTypeFinalAnswer,
		succeedWith(map[string]interface{}{"report": "done"}))

	o := newTestOrchestrator(t, testConfig(0), plan, research, analyze, final)
	bundle := runToCompletion(t, o, ResearchRequest{Query: "energy"})

	if bundle.State != RunSucceeded {
		t.Fatalf("expected success via substitute, got %s (%s)", bundle.State, bundle.Error)
	}
	var sawSubstitute bool
	for _, task := range bundle.Tasks {
		if task.Parameters != nil {
			if _, ok := task.Parameters["replaces"]; ok {
				sawSubstitute = true
				if task.State != planner.TaskSucceeded {
					t.Fatalf("substitute should have succeeded, got %s", task.State)
				}
			}
		}
		if task.ID == "r1" && task.State != planner.TaskCancelled {
			t.Fatalf("replanned task should be cancelled, got %s", task.State)
		}
	}
	if !sawSubstitute {
		t.Fatalf("no substitute task in bundle: %#v", bundle.Tasks)
	}
	if got := analyze.attemptCount("a1"); got != 1 {
		t.Fatalf("soft dependent should run exactly once, got %d", got)
	}
}

func TestCancelStopsPendingWork(t *testing.T) {
	started := make(chan struct{})
	research := newScriptedWorker(planner.TaskTypeDeepResearch, func(ctx context.Context, task planner.Task, attempt int) TaskOutcome {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return TaskOutcome{Failure: &TaskFailure{Kind: FailureCancelled, Message: ctx.Err().Error()}}
	})
	final := newScriptedWorker(planner.TaskTypeFinalAnswer,
		succeedWith(map[string]interface{}{"report": "never"}))

	o := newTestOrchestrator(t, testConfig(0), planJSON(linearPlan, ""), research, final)
	id, err := o.StartResearch(context.Background(), ResearchRequest{Query: "long job"})
	if err != nil {
		t.Fatalf("StartResearch: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker never started")
	}
	if err := o.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := o.Wait(id); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	bundle, err := o.Result(id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if bundle.State != RunCancelled {
		t.Fatalf("expected cancelled run, got %s", bundle.State)
	}
	if got := final.attemptCount("final"); got != 0 {
		t.Fatalf("pending task must not run after cancel, got %d attempts", got)
	}

	status, err := o.Poll(id)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if status.State != RunCancelled {
		t.Fatalf("status should report cancellation, got %s", status.State)
	}
}

func TestLateSuccessAfterCancelIsRecordedCancelled(t *testing.T) {
	started := make(chan struct{})
	research := newScriptedWorker(planner.TaskTypeDeepResearch, func(ctx context.Context, task planner.Task, attempt int) TaskOutcome {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return TaskOutcome{
			Payload:   map[string]interface{}{"found": true},
			Citations: []Citation{{Claim: "too late", SourceURL: "https://late.com", TaskID: task.ID}},
		}
	})
	final := newScriptedWorker(planner.TaskTypeFinalAnswer,
		succeedWith(map[string]interface{}{"report": "never"}))

	o := newTestOrchestrator(t, testConfig(0), planJSON(linearPlan, ""), research, final)
	id, err := o.StartResearch(context.Background(), ResearchRequest{Query: "long job"})
	if err != nil {
		t.Fatalf("StartResearch: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker never started")
	}
	if err := o.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := o.Wait(id); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	bundle, err := o.Result(id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if bundle.State != RunCancelled {
		t.Fatalf("expected cancelled run, got %s", bundle.State)
	}
	for _, task := range bundle.Tasks {
		if task.ID == "t1" && task.State != planner.TaskCancelled {
			t.Fatalf("worker success after cancel must be recorded cancelled, got %s", task.State)
		}
	}
	if len(bundle.Citations) != 0 {
		t.Fatalf("citations from a post-cancel success must be discarded, got %#v", bundle.Citations)
	}
}

func TestPerRunRetryBudgetOverridesConfig(t *testing.T) {
	research := newScriptedWorker(planner.TaskTypeDeepResearch, func(ctx context.Context, task planner.Task, attempt int) TaskOutcome {
		return TaskOutcome{Failure: &TaskFailure{Kind: FailureTransient, Message: "still down"}}
	})
	final := newScriptedWorker(planner.TaskTypeFinalAnswer,
		succeedWith(map[string]interface{}{"report": "never"}))

	zero := 0
	o := newTestOrchestrator(t, testConfig(5), planJSON(linearPlan, ""), research, final)
	bundle := runToCompletion(t, o, ResearchRequest{
		Query:   "solar growth",
		Options: RunOptions{MaxRetries: &zero},
	})

	if bundle.State != RunFailed {
		t.Fatalf("expected run to fail, got %s", bundle.State)
	}
	if got := research.attemptCount("t1"); got != 1 {
		t.Fatalf("max_retries=0 for this run means 1 attempt, got %d", got)
	}
}

func TestPollReportsSucceededTaskResults(t *testing.T) {
	gate := make(chan struct{})
	research := newScriptedWorker(planner.TaskTypeDeepResearch,
		succeedWith(map[string]interface{}{"found": true}))
	final := newScriptedWorker(planner.TaskTypeFinalAnswer, func(ctx context.Context, task planner.Task, attempt int) TaskOutcome {
		<-gate
		return TaskOutcome{Payload: map[string]interface{}{"report": "done"}}
	})

	o := newTestOrchestrator(t, testConfig(0), planJSON(linearPlan, ""), research, final)
	id, err := o.StartResearch(context.Background(), ResearchRequest{Query: "solar"})
	if err != nil {
		t.Fatalf("StartResearch: %v", err)
	}

	var partial []TaskResult
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := o.Poll(id)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if len(status.PartialResults) > 0 {
			partial = status.PartialResults
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(gate)
	if err := o.Wait(id); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if len(partial) != 1 || partial[0].TaskID != "t1" {
		t.Fatalf("poll should expose the succeeded task mid-run, got %#v", partial)
	}
	if partial[0].Payload["found"] != true {
		t.Fatalf("partial result missing payload: %#v", partial[0])
	}
}

func TestFollowUpsJoinTheGraph(t *testing.T) {
	plan := planJSON(`{"task_id":"a","task_type":"deep_research","parameters":{"query":"q"}},
{"task_id":"final","task_type":"final_answer","dependencies":["a"]}`, "")

	research := newScriptedWorker(planner.TaskTypeDeepResearch, func(ctx context.Context, task planner.Task, attempt int) TaskOutcome {
		return TaskOutcome{
			Payload:   map[string]interface{}{"ok": true},
			FollowUps: []FollowUp{{Type: planner.TaskTypeBrowserUse, Description: "fetch found page", Parameters: map[string]interface{}{"url": "https://found.com"}}},
		}
	})
	browser := newScriptedWorker(planner.TaskTypeBrowserUse,
		succeedWith(map[string]interface{}{"ok": true}))
	final := newScriptedWorker(planner.TaskTypeFinalAnswer,
		succeedWith(map[string]interface{}{"report": "done"}))

	o := newTestOrchestrator(t, testConfig(0), plan, research, browser, final)
	bundle := runToCompletion(t, o, ResearchRequest{Query: "energy"})

	if bundle.State != RunSucceeded {
		t.Fatalf("expected success, got %s (%s)", bundle.State, bundle.Error)
	}
	if len(bundle.Tasks) != 3 {
		t.Fatalf("follow-up should join the graph, got %d tasks", len(bundle.Tasks))
	}
	var followUpRan bool
	for _, task := range bundle.Tasks {
		if task.Type == planner.TaskTypeBrowserUse {
			followUpRan = task.State == planner.TaskSucceeded
			if len(task.DependsOn) != 1 || task.DependsOn[0] != "a" {
				t.Fatalf("follow-up must depend on its producer: %#v", task)
			}
		}
	}
	if !followUpRan {
		t.Fatalf("follow-up task never succeeded: %#v", bundle.Tasks)
	}
}

func TestPlanningFailureFailsTheRun(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(0), "I cannot help with that.")
	bundle := runToCompletion(t, o, ResearchRequest{Query: "energy"})
	if bundle.State != RunFailed {
		t.Fatalf("expected failed run on unusable plan, got %s", bundle.State)
	}
	if bundle.Error == "" {
		t.Fatalf("bundle should carry the planning error")
	}
}

func TestStartResearchRejectsEmptyQuery(t *testing.T) {
	o := newTestOrchestrator(t, testConfig(0), planJSON(linearPlan, ""))
	if _, err := o.StartResearch(context.Background(), ResearchRequest{}); err == nil {
		t.Fatalf("expected error for empty query")
	}
}
