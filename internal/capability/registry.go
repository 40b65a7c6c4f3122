package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrKind classifies tool failures so workers can map them onto the task
// failure taxonomy without inspecting error strings.
type ErrKind string

const (
	ErrNone       ErrKind = ""
	ErrValidation ErrKind = "validation"
	ErrTransient  ErrKind = "transient"
	ErrTimeout    ErrKind = "timeout"
	ErrPermanent  ErrKind = "permanent"
)

// Handler executes a tool call. Arguments are already validated against the
// tool's input schema when the handler runs.
type Handler func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

// ToolCard describes a registered tool.
type ToolCard struct {
	Name        string                 `json:"name"`
	Version     string                 `json:"version"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
	SideEffects []string               `json:"side_effects,omitempty"`
	Handler     Handler                `json:"-"`

	compiled *jsonschema.Schema
}

// ToolResult is the uniform outcome of an invocation. Handler errors and
// panics never escape Invoke; they are folded into ErrKind/ErrMessage.
type ToolResult struct {
	OK         bool                   `json:"ok"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	ErrKind    ErrKind                `json:"err_kind,omitempty"`
	ErrMessage string                 `json:"err_message,omitempty"`
}

// KindError carries an ErrKind alongside a handler error. Handlers return it
// to classify their own failures; plain errors default to transient.
type KindError struct {
	Kind ErrKind
	Err  error
}

func (e KindError) Error() string { return e.Err.Error() }
func (e KindError) Unwrap() error { return e.Err }

// Permanent wraps err as a non-retryable tool failure.
func Permanent(err error) error { return KindError{Kind: ErrPermanent, Err: err} }

// Invalid wraps err as a validation failure.
func Invalid(err error) error { return KindError{Kind: ErrValidation, Err: err} }

// Registry holds tools keyed by name. Registration happens at startup;
// lookups afterwards are read-mostly and safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolCard
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolCard)}
}

// Register validates and adds a tool. Duplicate names are rejected and the
// input schema is compiled eagerly so a malformed schema fails here, not at
// first invocation.
func (r *Registry) Register(tc ToolCard) error {
	if strings.TrimSpace(tc.Name) == "" {
		return fmt.Errorf("tool name is empty")
	}
	if tc.Handler == nil {
		return fmt.Errorf("tool %s has no handler", tc.Name)
	}
	compiled, err := compileSchema(tc.Name, tc.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s: %w", tc.Name, err)
	}
	tc.compiled = compiled

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tc.Name]; ok {
		return fmt.Errorf("tool already registered: %s", tc.Name)
	}
	r.tools[tc.Name] = &tc
	return nil
}

// Tool returns the card for a tool name.
func (r *Registry) Tool(name string) (ToolCard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tc, ok := r.tools[name]
	if !ok {
		return ToolCard{}, false
	}
	return *tc, true
}

// List returns the registered tool cards sorted by registration map order.
func (r *Registry) List() []ToolCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolCard, 0, len(r.tools))
	for _, tc := range r.tools {
		out = append(out, *tc)
	}
	return out
}

// Invoke validates args against the tool's schema and runs its handler. An
// unknown tool or failed validation yields a validation result; handler
// errors are classified via KindError and panics become permanent failures.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) ToolResult {
	r.mu.RLock()
	tc, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ToolResult{ErrKind: ErrValidation, ErrMessage: fmt.Sprintf("unknown tool: %s", name)}
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if tc.compiled != nil {
		if err := tc.compiled.Validate(normalizeArgs(args)); err != nil {
			return ToolResult{ErrKind: ErrValidation, ErrMessage: fmt.Sprintf("invalid arguments for %s: %v", name, err)}
		}
	}
	return safeInvoke(ctx, tc, args)
}

func safeInvoke(ctx context.Context, tc *ToolCard, args map[string]interface{}) (res ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			res = ToolResult{
				ErrKind:    ErrPermanent,
				ErrMessage: fmt.Sprintf("tool %s panicked: %v\n%s", tc.Name, rec, debug.Stack()),
			}
		}
	}()

	payload, err := tc.Handler(ctx, args)
	if err != nil {
		kind := ErrTransient
		var ke KindError
		if errors.As(err, &ke) {
			kind = ke.Kind
		} else if ctx.Err() != nil {
			kind = ErrTimeout
		}
		return ToolResult{ErrKind: kind, ErrMessage: err.Error()}
	}
	return ToolResult{OK: true, Payload: payload}
}

func compileSchema(name string, schema map[string]interface{}) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	resource := name + "_input.json"
	if err := compiler.AddResource(resource, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("add input schema: %w", err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return compiled, nil
}

// normalizeArgs round-trips args through JSON so schema validation sees the
// same shapes a decoded request would (ints become float64 and so on).
func normalizeArgs(args map[string]interface{}) interface{} {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return args
	}
	return out
}
