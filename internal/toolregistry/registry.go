// Package toolregistry maps tool names to handler functions and their
// advertised JSON schemas, and dispatches calls against a shared context.
package toolregistry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codewiresh/lspbridge/internal/lspclient"
	"github.com/codewiresh/lspbridge/internal/doctracker"
	"github.com/codewiresh/lspbridge/internal/policy"
	"github.com/codewiresh/lspbridge/internal/requestarena"
)

// Schema is the JSON Schema object advertised for a tool's arguments.
type Schema struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Required   []string       `json:"required,omitempty"`
}

// ObjectSchema builds the {type:"object", properties, required?} shape
// every tool in this bridge advertises.
func ObjectSchema(properties map[string]any, required ...string) Schema {
	return Schema{Type: "object", Properties: properties, Required: required}
}

// Descriptor is what tools/list reports for one tool.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema Schema `json:"inputSchema"`
}

// ToolContext is the shared, non-owning handle passed to every handler.
type ToolContext struct {
	LSP        *lspclient.Client
	Docs       *doctracker.Tracker
	Workspace  Workspace
	Arena      *requestarena.Arena
	Policy     *policy.Gate
	Binaries   Binaries
	Log        *slog.Logger
}

// Workspace is the immutable workspace identity handlers may consult.
type Workspace struct {
	Root string
	URI  string
}

// Binaries holds up to three optional absolute binary paths a deployment
// may wire in for command tools (e.g. a formatter, a linter, a build
// runner). Each must pass policy.Gate.AuthorizeCommand before use.
type Binaries struct {
	Formatter string
	Linter    string
	Builder   string
}

// Handler is a pure function of (context, arguments) returning owned text
// or an error describing why the tool failed.
type Handler func(ctx *ToolContext, args json.RawMessage) (string, error)

type entry struct {
	handler     Handler
	description string
	schema      Schema
}

// Registry is a name -> {handler, schema} map, safe for concurrent
// registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register inserts or replaces the handler and schema for name.
func (r *Registry) Register(name, description string, schema Schema, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{handler: handler, description: description, schema: schema}
}

// GetHandler looks up the handler for name.
func (r *Registry) GetHandler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// ListTools produces a snapshot of every registered tool's descriptor, in
// arbitrary order. Callers must not depend on ordering.
func (r *Registry) ListTools() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, Descriptor{Name: name, Description: e.description, InputSchema: e.schema})
	}
	return out
}

// Dispatch looks up and invokes the handler for name.
func (r *Registry) Dispatch(ctx *ToolContext, name string, args json.RawMessage) (string, error) {
	handler, ok := r.GetHandler(name)
	if !ok {
		return "", fmt.Errorf("toolregistry: unknown tool %q", name)
	}
	return handler(ctx, args)
}
