package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mohammad-safakhou/deepreport/config"
	"github.com/mohammad-safakhou/deepreport/internal/agent/telemetry"
	"github.com/mohammad-safakhou/deepreport/internal/capability"
	"github.com/mohammad-safakhou/deepreport/internal/corpus"
	"github.com/mohammad-safakhou/deepreport/internal/planner"
)

// failureFromErrKind maps a tool error class onto a task failure class.
func failureFromErrKind(kind capability.ErrKind, msg string) *TaskFailure {
	f := &TaskFailure{Message: msg}
	switch kind {
	case capability.ErrValidation:
		f.Kind = FailureValidation
	case capability.ErrTimeout:
		f.Kind = FailureTimeout
	case capability.ErrPermanent:
		f.Kind = FailurePermanent
	default:
		f.Kind = FailureTransient
	}
	return f
}

func failureFromError(ctx context.Context, err error) *TaskFailure {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TaskFailure{Kind: FailureTimeout, Message: err.Error()}
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return &TaskFailure{Kind: FailureCancelled, Message: err.Error()}
	}
	return &TaskFailure{Kind: FailureTransient, Message: err.Error()}
}

func stringParam(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func intParam(params map[string]interface{}, key string, def int) int {
	if params == nil {
		return def
	}
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// truncateRunes cuts s to at most max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// numericSeries pulls the "values" parameter out as a JSON-typed number
// list for the series_metrics tool.
func numericSeries(params map[string]interface{}) []interface{} {
	if params == nil {
		return nil
	}
	raw, ok := params["values"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]interface{}, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, n)
		case int:
			out = append(out, float64(n))
		}
	}
	return out
}

// DeepResearchWorker searches the web for candidate sources via the
// web_search tool and cites what it found.
type DeepResearchWorker struct {
	registry  *capability.Registry
	telemetry *telemetry.Telemetry
	logger    *log.Logger
	maxFetch  int
}

func NewDeepResearchWorker(cfg *config.Config, registry *capability.Registry, tel *telemetry.Telemetry) *DeepResearchWorker {
	return &DeepResearchWorker{
		registry:  registry,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[RESEARCH] ", log.LstdFlags),
		maxFetch:  cfg.Search.MaxResults,
	}
}

func (w *DeepResearchWorker) Type() string { return planner.TaskTypeDeepResearch }

func (w *DeepResearchWorker) CanHandle(task planner.Task) bool {
	return task.Type == planner.TaskTypeDeepResearch
}

func (w *DeepResearchWorker) Execute(ctx context.Context, task planner.Task, rc *RunContext) TaskOutcome {
	started := time.Now()
	out := TaskOutcome{TaskID: task.ID}

	query := stringParam(task.Parameters, "query")
	if query == "" {
		query = task.Description
	}
	if strings.TrimSpace(query) == "" {
		out.Failure = &TaskFailure{Kind: FailureValidation, Message: "deep_research task has no query"}
		return out
	}
	k := intParam(task.Parameters, "k", w.maxFetch)

	args := map[string]interface{}{"query": query, "k": k}
	if rc != nil && len(rc.Request.Options.Providers) > 0 {
		providers := make([]interface{}, len(rc.Request.Options.Providers))
		for i, p := range rc.Request.Options.Providers {
			providers[i] = p
		}
		args["providers"] = providers
	}
	res := w.registry.Invoke(ctx, "web_search", args)
	w.recordTool(ctx, "web_search", started, res)
	if !res.OK {
		out.Failure = failureFromErrKind(res.ErrKind, res.ErrMessage)
		out.Duration = time.Since(started)
		return out
	}

	out.Payload = res.Payload
	if results, ok := res.Payload["results"].([]interface{}); ok {
		fetchBudget := intParam(task.Parameters, "fetch_top", 0)
		for i, ri := range results {
			m, ok := ri.(map[string]interface{})
			if !ok {
				continue
			}
			url, _ := m["url"].(string)
			title, _ := m["title"].(string)
			snippet, _ := m["snippet"].(string)
			if url == "" {
				continue
			}
			claim := title
			if claim == "" {
				claim = snippet
			}
			if claim != "" {
				out.Citations = append(out.Citations, Citation{
					Claim:     claim,
					SourceURL: url,
					Excerpt:   snippet,
					TaskID:    task.ID,
				})
			}
			if i < fetchBudget {
				out.FollowUps = append(out.FollowUps, FollowUp{
					Type:        planner.TaskTypeBrowserUse,
					Description: fmt.Sprintf("fetch %s", url),
					Parameters:  map[string]interface{}{"url": url},
				})
			}
		}
	}
	out.Duration = time.Since(started)
	return out
}

func (w *DeepResearchWorker) recordTool(ctx context.Context, tool string, started time.Time, res capability.ToolResult) {
	if w.telemetry == nil {
		return
	}
	w.telemetry.RecordToolEvent(ctx, telemetry.ToolEvent{
		Tool: tool, Duration: time.Since(started), Success: res.OK, ErrKind: string(res.ErrKind),
	})
}

// BrowserUseWorker fetches a page via the page_fetch tool and feeds its
// extracted text into the run corpus.
type BrowserUseWorker struct {
	registry  *capability.Registry
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func NewBrowserUseWorker(cfg *config.Config, registry *capability.Registry, tel *telemetry.Telemetry) *BrowserUseWorker {
	return &BrowserUseWorker{
		registry:  registry,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[BROWSER] ", log.LstdFlags),
	}
}

func (w *BrowserUseWorker) Type() string { return planner.TaskTypeBrowserUse }

func (w *BrowserUseWorker) CanHandle(task planner.Task) bool {
	return task.Type == planner.TaskTypeBrowserUse
}

func (w *BrowserUseWorker) Execute(ctx context.Context, task planner.Task, rc *RunContext) TaskOutcome {
	started := time.Now()
	out := TaskOutcome{TaskID: task.ID}

	url := stringParam(task.Parameters, "url")
	if strings.TrimSpace(url) == "" {
		out.Failure = &TaskFailure{Kind: FailureValidation, Message: "browser_use task has no url"}
		return out
	}

	res := w.registry.Invoke(ctx, "page_fetch", map[string]interface{}{"url": url})
	if w.telemetry != nil {
		w.telemetry.RecordToolEvent(ctx, telemetry.ToolEvent{
			Tool: "page_fetch", Duration: time.Since(started), Success: res.OK, ErrKind: string(res.ErrKind),
		})
	}
	if !res.OK {
		out.Failure = failureFromErrKind(res.ErrKind, res.ErrMessage)
		out.Duration = time.Since(started)
		return out
	}

	title, _ := res.Payload["title"].(string)
	text, _ := res.Payload["text"].(string)
	if rc != nil && rc.Corpus != nil && text != "" {
		doc := corpus.Document{ID: task.ID, URL: url, Title: title, Text: text, TaskID: task.ID}
		if err := rc.Corpus.Add(doc); err != nil {
			w.logger.Printf("corpus add failed for %s: %v", url, err)
		}
	}
	if text != "" {
		excerpt := truncateRunes(text, 300)
		claim := title
		if claim == "" {
			claim = url
		}
		out.Citations = append(out.Citations, Citation{
			Claim:     claim,
			SourceURL: url,
			Excerpt:   excerpt,
			TaskID:    task.ID,
		})
	}
	out.Payload = res.Payload
	out.Duration = time.Since(started)
	return out
}

// DeepAnalyzeWorker searches the run corpus and asks the analysis model to
// reason over the matching passages.
type DeepAnalyzeWorker struct {
	config    *config.Config
	llm       LLMProvider
	registry  *capability.Registry
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func NewDeepAnalyzeWorker(cfg *config.Config, llm LLMProvider, registry *capability.Registry, tel *telemetry.Telemetry) *DeepAnalyzeWorker {
	return &DeepAnalyzeWorker{
		config:    cfg,
		llm:       llm,
		registry:  registry,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[ANALYZE] ", log.LstdFlags),
	}
}

func (w *DeepAnalyzeWorker) Type() string { return planner.TaskTypeDeepAnalyze }

func (w *DeepAnalyzeWorker) CanHandle(task planner.Task) bool {
	return task.Type == planner.TaskTypeDeepAnalyze
}

func (w *DeepAnalyzeWorker) Execute(ctx context.Context, task planner.Task, rc *RunContext) TaskOutcome {
	started := time.Now()
	out := TaskOutcome{TaskID: task.ID}

	query := stringParam(task.Parameters, "query")
	if query == "" {
		query = task.Description
	}

	var evidence strings.Builder
	res := w.registry.Invoke(ctx, "corpus_search", map[string]interface{}{
		"run_id": rc.RunID, "query": query, "k": intParam(task.Parameters, "k", 5),
	})
	if res.OK {
		if hits, ok := res.Payload["hits"].([]interface{}); ok {
			for _, hi := range hits {
				m, ok := hi.(map[string]interface{})
				if !ok {
					continue
				}
				url, _ := m["url"].(string)
				snippet, _ := m["snippet"].(string)
				fmt.Fprintf(&evidence, "SOURCE: %s\n%s\n\n", url, snippet)
				if snippet != "" && url != "" {
					out.Citations = append(out.Citations, Citation{
						Claim: snippet, SourceURL: url, Excerpt: snippet, TaskID: task.ID,
					})
				}
			}
		}
	}

	var metrics map[string]interface{}
	if values := numericSeries(task.Parameters); len(values) >= 2 {
		mres := w.registry.Invoke(ctx, "series_metrics", map[string]interface{}{"values": values})
		if mres.OK {
			metrics = mres.Payload
			fmt.Fprintf(&evidence, "SERIES METRICS: %v\n\n", mres.Payload)
		} else {
			w.logger.Printf("series_metrics failed for %s: %s", task.ID, mres.ErrMessage)
		}
	}

	model := w.config.LLM.Routing.Analysis
	if rc != nil && rc.Request.Options.Model != "" {
		model = rc.Request.Options.Model
	}
	prompt := fmt.Sprintf(`Analyze the following evidence to answer: %s

EVIDENCE:
%s

Respond with a concise analysis. Note agreements, contradictions and gaps.`, query, evidence.String())

	analysis, in, outTokens, err := w.llm.GenerateWithTokens(ctx, prompt, model, map[string]interface{}{"temperature": 0.2})
	if err != nil {
		out.Failure = failureFromError(ctx, err)
		out.Duration = time.Since(started)
		return out
	}

	out.Payload = map[string]interface{}{"analysis": analysis, "query": query}
	if metrics != nil {
		out.Payload["metrics"] = metrics
	}
	out.ModelUsed = model
	out.TokensUsed = in + outTokens
	out.Cost = w.llm.CalculateCost(in, outTokens, model)
	out.Duration = time.Since(started)
	return out
}

// FinalAnswerWorker writes the final report from the payloads of every
// completed task and the run corpus.
type FinalAnswerWorker struct {
	config    *config.Config
	llm       LLMProvider
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func NewFinalAnswerWorker(cfg *config.Config, llm LLMProvider, tel *telemetry.Telemetry) *FinalAnswerWorker {
	return &FinalAnswerWorker{
		config:    cfg,
		llm:       llm,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[FINAL] ", log.LstdFlags),
	}
}

func (w *FinalAnswerWorker) Type() string { return planner.TaskTypeFinalAnswer }

func (w *FinalAnswerWorker) CanHandle(task planner.Task) bool {
	return task.Type == planner.TaskTypeFinalAnswer
}

func (w *FinalAnswerWorker) Execute(ctx context.Context, task planner.Task, rc *RunContext) TaskOutcome {
	started := time.Now()
	out := TaskOutcome{TaskID: task.ID}

	var evidence strings.Builder
	if rc != nil && rc.Corpus != nil {
		hits, err := rc.Corpus.Search(rc.Request.Query, 10)
		if err == nil {
			for _, h := range hits {
				fmt.Fprintf(&evidence, "SOURCE: %s (%s)\n%s\n\n", h.Title, h.URL, h.Snippet)
			}
		}
	}
	if upstream, ok := task.Parameters["upstream"].(string); ok && upstream != "" {
		evidence.WriteString(upstream)
	}

	model := w.config.LLM.Routing.Synthesis
	if rc != nil && rc.Request.Options.Model != "" {
		model = rc.Request.Options.Model
	}
	var requirements strings.Builder
	if len(rc.Request.Requirements) > 0 {
		requirements.WriteString("\nREQUIREMENTS (address each, in order):\n")
		for i, r := range rc.Request.Requirements {
			fmt.Fprintf(&requirements, "%d. %s\n", i+1, r)
		}
	}

	prompt := fmt.Sprintf(`Write a research report answering: %s
%s
EVIDENCE:
%s

Structure: a one-paragraph summary, then the detailed findings. Only state
what the evidence supports. End with a line "CONFIDENCE: <0.0-1.0>".`, rc.Request.Query, requirements.String(), evidence.String())

	report, in, outTokens, err := w.llm.GenerateWithTokens(ctx, prompt, model, map[string]interface{}{"temperature": 0.4})
	if err != nil {
		out.Failure = failureFromError(ctx, err)
		out.Duration = time.Since(started)
		return out
	}

	summary, confidence := splitReport(report)
	out.Payload = map[string]interface{}{
		"report":     report,
		"summary":    summary,
		"confidence": confidence,
	}
	out.ModelUsed = model
	out.TokensUsed = in + outTokens
	out.Cost = w.llm.CalculateCost(in, outTokens, model)
	out.Duration = time.Since(started)
	return out
}

// splitReport pulls the leading paragraph and the trailing confidence line
// out of a generated report.
func splitReport(report string) (summary string, confidence float64) {
	confidence = 0.5
	trimmed := strings.TrimSpace(report)
	if idx := strings.Index(trimmed, "\n\n"); idx > 0 {
		summary = strings.TrimSpace(trimmed[:idx])
	} else {
		summary = trimmed
	}
	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "CONFIDENCE:") {
			var c float64
			if _, err := fmt.Sscanf(line, "CONFIDENCE: %f", &c); err == nil && c >= 0 && c <= 1 {
				confidence = c
			}
			break
		}
	}
	return summary, confidence
}

// NewWorkers builds the default worker set.
func NewWorkers(cfg *config.Config, llm LLMProvider, registry *capability.Registry, tel *telemetry.Telemetry) []Worker {
	return []Worker{
		NewDeepResearchWorker(cfg, registry, tel),
		NewBrowserUseWorker(cfg, registry, tel),
		NewDeepAnalyzeWorker(cfg, llm, registry, tel),
		NewFinalAnswerWorker(cfg, llm, tel),
	}
}
