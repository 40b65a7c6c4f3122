package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"

	"github.com/mohammad-safakhou/deepreport/config"
	"github.com/mohammad-safakhou/deepreport/internal/capability"
	"github.com/mohammad-safakhou/deepreport/internal/corpus"
	"github.com/mohammad-safakhou/deepreport/tools/web_fetch"
	"github.com/mohammad-safakhou/deepreport/tools/web_search"
)

// NewLLMProvider creates a new LLM provider based on configuration
func NewLLMProvider(cfg config.LLMConfig) (LLMProvider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}

	// Use the first configured provider
	for _, provider := range cfg.Providers {
		switch provider.Type {
		case "openai":
			return NewOpenAIProvider(provider), nil
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", provider.Type)
		}
	}

	return nil, fmt.Errorf("no valid LLM providers found")
}

// OpenAIProvider implements LLMProvider for OpenAI
type OpenAIProvider struct {
	config    config.LLMProvider
	models    map[string]ModelInfo
	rawModels map[string]config.LLMModel
	client    *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg config.LLMProvider) *OpenAIProvider {
	provider := &OpenAIProvider{
		config:    cfg,
		models:    make(map[string]ModelInfo),
		rawModels: cfg.Models,
		client:    &http.Client{Timeout: cfg.Timeout},
	}

	// Initialize model information
	for key, model := range cfg.Models {
		provider.models[key] = ModelInfo{
			Name:            model.Name,
			Provider:        "openai",
			MaxTokens:       model.MaxTokens,
			CostPer1KInput:  model.CostPer1K,
			CostPer1KOutput: model.CostPer1KOutput,
			Capabilities:    model.Capabilities,
			Description:     fmt.Sprintf("OpenAI %s model", model.Name),
		}
	}

	return provider
}

// Generate generates text using OpenAI
func (p *OpenAIProvider) Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error) {
	resp, _, _, err := p.GenerateWithTokens(ctx, prompt, model, options)
	return resp, err
}

// GenerateWithTokens generates text and returns token usage
func (p *OpenAIProvider) GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error) {
	apiKey := p.config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return "", 0, 0, fmt.Errorf("OpenAI API key not configured")
	}

	m, ok := p.rawModels[model]
	if !ok {
		return "", 0, 0, fmt.Errorf("model %s not configured", model)
	}
	apiModel := m.APIName
	if apiModel == "" {
		apiModel = m.Name
	}

	temperature := m.Temperature
	if t, ok := options["temperature"].(float64); ok {
		temperature = t
	}
	maxTokens := m.MaxTokens
	if mt, ok := options["max_tokens"].(int); ok {
		maxTokens = mt
	}

	// Build request
	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type chatReq struct {
		Model       string    `json:"model"`
		Messages    []chatMsg `json:"messages"`
		Temperature float64   `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
	}

	body, err := json.Marshal(chatReq{
		Model:       apiModel,
		Messages:    []chatMsg{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", 0, 0, fmt.Errorf("marshal: %w", err)
	}

	baseURL := p.config.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	req, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return "", 0, 0, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, 0, fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, 0, fmt.Errorf("OpenAI status %d", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, 0, fmt.Errorf("decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("no choices")
	}

	return out.Choices[0].Message.Content, int64(out.Usage.PromptTokens), int64(out.Usage.CompletionTokens), nil
}

// GetAvailableModels returns available models
func (p *OpenAIProvider) GetAvailableModels() []string {
	var models []string
	for name := range p.models {
		models = append(models, name)
	}
	return models
}

// GetModelInfo returns information about a specific model
func (p *OpenAIProvider) GetModelInfo(model string) (ModelInfo, error) {
	info, exists := p.models[model]
	if !exists {
		return ModelInfo{}, fmt.Errorf("model not found: %s", model)
	}
	return info, nil
}

// CalculateCost calculates the cost for a given number of tokens
func (p *OpenAIProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	info, err := p.GetModelInfo(model)
	if err != nil {
		return 0.0
	}

	inputCost := float64(inputTokens) / 1000.0 * info.CostPer1KInput
	outputCost := float64(outputTokens) / 1000.0 * info.CostPer1KOutput
	return inputCost + outputCost
}

// NewSearchAggregator wires the configured search providers into one
// aggregator.
func NewSearchAggregator(cfg config.SearchConfig) (*web_search.Aggregator, error) {
	var providers []web_search.WebSearcher
	add := func(p web_search.Provider, key string) error {
		if key == "" {
			return nil
		}
		searcher, err := web_search.NewWebSearcher(p, key)
		if err != nil {
			return err
		}
		providers = append(providers, searcher)
		return nil
	}
	if err := add(web_search.SerperProvider, cfg.SerperAPIKey); err != nil {
		return nil, err
	}
	if err := add(web_search.BraveProvider, cfg.BraveAPIKey); err != nil {
		return nil, err
	}
	agg := web_search.NewAggregator(providers, cfg.Timeout)
	if len(cfg.ProviderPriority) > 0 {
		agg.Priority = cfg.ProviderPriority
	}
	return agg, nil
}

// RegisterBuiltinTools registers the web_search, page_fetch, corpus_search
// and series_metrics tools plus any configured remote tools.
func RegisterBuiltinTools(registry *capability.Registry, cfg *config.Config, corpora *corpus.Store) error {
	agg, err := NewSearchAggregator(cfg.Search)
	if err != nil {
		return fmt.Errorf("search aggregator: %w", err)
	}
	fetcher, err := web_fetch.NewWebFetcher(web_fetch.ChromedpFetcherType, cfg.Fetch.TimeoutMS, cfg.Fetch.MaxChars)
	if err != nil {
		return fmt.Errorf("web fetcher: %w", err)
	}

	if err := registry.Register(capability.ToolCard{
		Name:        "web_search",
		Version:     "1.0.0",
		Description: "Search the web across the configured providers",
		InputSchema: objectSchema(map[string]interface{}{
			"query": map[string]interface{}{"type": "string", "minLength": 1},
			"k":     map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 50},
			"providers": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
		}, []string{"query"}),
		Handler: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			query, _ := args["query"].(string)
			k := 10
			if v, ok := args["k"].(float64); ok {
				k = int(v)
			}
			search := agg
			if list, ok := args["providers"].([]interface{}); ok && len(list) > 0 {
				names := make([]string, 0, len(list))
				for _, v := range list {
					if s, ok := v.(string); ok {
						names = append(names, s)
					}
				}
				search = agg.Subset(names)
			}
			results, err := search.Search(ctx, query, k, nil, 0)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"results": toJSONList(results)}, nil
		},
	}); err != nil {
		return err
	}

	if err := registry.Register(capability.ToolCard{
		Name:        "page_fetch",
		Version:     "1.0.0",
		Description: "Fetch a page in a headless browser and extract the readable text",
		SideEffects: []string{"network"},
		InputSchema: objectSchema(map[string]interface{}{
			"url": map[string]interface{}{"type": "string", "minLength": 1},
		}, []string{"url"}),
		Handler: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			url, _ := args["url"].(string)
			result, err := fetcher.Exec(ctx, url)
			if err != nil {
				return nil, err
			}
			if result.Status != 200 {
				return nil, fmt.Errorf("fetch of %s returned status %d", url, result.Status)
			}
			return map[string]interface{}{
				"url":       result.URL,
				"title":     result.Title,
				"byline":    result.Byline,
				"site_name": result.SiteName,
				"text":      result.Text,
				"html_hash": result.HTMLHash,
				"render_ms": result.RenderMS,
			}, nil
		},
	}); err != nil {
		return err
	}

	if err := registry.Register(capability.ToolCard{
		Name:        "corpus_search",
		Version:     "1.0.0",
		Description: "BM25 search over the pages fetched during the current run",
		InputSchema: objectSchema(map[string]interface{}{
			"run_id": map[string]interface{}{"type": "string", "minLength": 1},
			"query":  map[string]interface{}{"type": "string", "minLength": 1},
			"k":      map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 50},
		}, []string{"run_id", "query"}),
		Handler: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			runID, _ := args["run_id"].(string)
			query, _ := args["query"].(string)
			k := 5
			if v, ok := args["k"].(float64); ok {
				k = int(v)
			}
			c, ok := corpora.Get(runID)
			if !ok {
				return nil, capability.Invalid(fmt.Errorf("no corpus for run %s", runID))
			}
			hits, err := c.Search(query, k)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"hits": toJSONList(hits)}, nil
		},
	}); err != nil {
		return err
	}

	if err := registry.Register(capability.ToolCard{
		Name:        "series_metrics",
		Version:     "1.0.0",
		Description: "Compute summary statistics over a numeric series",
		InputSchema: objectSchema(map[string]interface{}{
			"values": map[string]interface{}{
				"type":     "array",
				"items":    map[string]interface{}{"type": "number"},
				"minItems": 1,
			},
		}, []string{"values"}),
		Handler: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			raw, _ := args["values"].([]interface{})
			values := make([]float64, 0, len(raw))
			for _, v := range raw {
				if f, ok := v.(float64); ok {
					values = append(values, f)
				}
			}
			if len(values) == 0 {
				return nil, capability.Invalid(fmt.Errorf("values must contain numbers"))
			}
			return seriesMetrics(values), nil
		},
	}); err != nil {
		return err
	}

	for _, rt := range cfg.Tools.Remote {
		rc := capability.NewRemoteClient(rt.BaseURL, rt.Token, rt.Timeout, rt.MaxRetries, 0)
		if err := registry.Register(capability.ToolCard{
			Name:        rt.Name,
			Version:     "1.0.0",
			Description: rt.Description,
			InputSchema: rt.InputSchema,
			SideEffects: []string{"network"},
			Handler:     rc.Handler(rt.Name),
		}); err != nil {
			return fmt.Errorf("remote tool %s: %w", rt.Name, err)
		}
	}

	return nil
}

func objectSchema(props map[string]interface{}, required []string) map[string]interface{} {
	req := make([]interface{}, len(required))
	for i, r := range required {
		req[i] = r
	}
	return map[string]interface{}{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"properties":           props,
		"required":             req,
		"additionalProperties": false,
	}
}

// toJSONList round-trips values through JSON so tool payloads contain only
// plain maps and slices.
func toJSONList(v interface{}) []interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out []interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func seriesMetrics(values []float64) map[string]interface{} {
	minV, maxV := values[0], values[0]
	sum := 0.0
	for _, v := range values {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
		sum += v
	}
	mean := sum / float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	out := map[string]interface{}{
		"count":  len(values),
		"min":    minV,
		"max":    maxV,
		"mean":   mean,
		"stddev": math.Sqrt(variance),
	}
	if first, last := values[0], values[len(values)-1]; first != 0 {
		out["growth"] = (last - first) / math.Abs(first)
	}
	return out
}
