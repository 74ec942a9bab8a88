// Package tools implements the closed set of tool executors exposed to
// agent runs, plus the registry that filters them per run.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/ambitchat/ambit/internal/providers"
)

// Tool is a single executable tool.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Persister marks tools whose calls feed the persistence summary:
// "summary" includes the call verbatim, "artifact" includes a pointer.
type Persister interface {
	Persistence() string
}

// QuestScoped marks tools offered only while a quest context is active.
type QuestScoped interface {
	QuestScoped() bool
}

// Registry holds the tool set in registration order.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name replaces it in place.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, ok := r.byName[name]; !ok {
		r.order = append(r.order, name)
	}
	r.byName[name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// List returns all tool names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Persistence returns the tool's persistence class ("summary", "artifact",
// or "").
func (r *Registry) Persistence(name string) string {
	t, ok := r.Get(name)
	if !ok {
		return ""
	}
	if p, ok := t.(Persister); ok {
		return p.Persistence()
	}
	return ""
}

// Defs builds the provider-facing definitions for one run.
//
// allowed restricts the set when non-nil (nil = all). excluded removes
// names unconditionally. Quest-scoped tools are offered only when
// questActive.
func (r *Registry) Defs(allowed []string, excluded []string, questActive bool) []providers.ToolDefinition {
	allowSet := map[string]bool{}
	if allowed != nil {
		for _, n := range allowed {
			allowSet[n] = true
		}
	}
	denySet := map[string]bool{}
	for _, n := range excluded {
		denySet[n] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []providers.ToolDefinition
	for _, name := range r.order {
		if allowed != nil && !allowSet[name] {
			continue
		}
		if denySet[name] {
			continue
		}
		t := r.byName[name]
		if qs, ok := t.(QuestScoped); ok && qs.QuestScoped() && !questActive {
			continue
		}
		defs = append(defs, ToProviderDef(t))
	}
	return defs
}

// Execute runs a named tool. Unknown names return an error result so the
// model can recover.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	return t.Execute(ctx, args)
}

// ToProviderDef converts a tool into a provider tool definition.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}
