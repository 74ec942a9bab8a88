package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// ModelPricing is the dollar cost per million tokens for one model.
type ModelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Router resolves model specs to registered providers and prices usage.
type Router struct {
	providers map[string]Provider
	pricing   map[string]ModelPricing // keyed by core model name or full spec name
	fallback  string                  // provider used for specs with no prefix
}

func NewRouter() *Router {
	return &Router{
		providers: make(map[string]Provider),
		pricing:   make(map[string]ModelPricing),
	}
}

// Register adds a provider under its name. The first registered provider
// becomes the fallback for unprefixed model specs.
func (r *Router) Register(p Provider) {
	if r.fallback == "" {
		r.fallback = p.Name()
	}
	r.providers[p.Name()] = p
}

// SetPricing installs the per-model pricing table.
func (r *Router) SetPricing(pricing map[string]ModelPricing) {
	r.pricing = pricing
}

// Providers lists registered provider names, sorted.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve splits a model spec and finds its provider.
func (r *Router) Resolve(modelSpec string) (Provider, ModelSpec, error) {
	spec, err := ParseModelSpec(modelSpec)
	if err != nil {
		return nil, ModelSpec{}, err
	}
	name := spec.Provider
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, spec, fmt.Errorf("no provider registered for %q (model spec %q)", name, modelSpec)
	}
	return p, spec, nil
}

// Chat routes a request to the provider named in the model spec.
func (r *Router) Chat(ctx context.Context, modelSpec string, req ChatRequest) (*ChatResponse, error) {
	p, spec, err := r.Resolve(modelSpec)
	if err != nil {
		return nil, err
	}
	req.Model = spec.Name
	if spec.Routing != "" {
		req.Model = spec.Name + "#" + spec.Routing
	}
	return p.Chat(ctx, req)
}

// Complete is the raw single-shot call used by the mode classifier, the
// proactive scorer, the context reducer, and summary generation. It returns
// the assistant text and the call's usage.
func (r *Router) Complete(ctx context.Context, modelSpec, system string, messages []Message) (string, *Usage, error) {
	resp, err := r.Chat(ctx, modelSpec, ChatRequest{
		System:   system,
		Messages: messages,
	})
	if err != nil {
		return "", nil, err
	}
	return strings.TrimSpace(resp.Content), resp.Usage, nil
}

// Cost prices a call's usage in dollars. Unknown models cost zero.
func (r *Router) Cost(modelSpec string, usage *Usage) float64 {
	in, out := r.CostParts(modelSpec, usage)
	return in + out
}

// CostParts prices a call's usage split into input and output dollars.
func (r *Router) CostParts(modelSpec string, usage *Usage) (input, output float64) {
	if usage == nil {
		return 0, 0
	}
	pricing, ok := r.pricing[modelSpec]
	if !ok {
		pricing, ok = r.pricing[ModelStrCore(modelSpec)]
	}
	if !ok {
		return 0, 0
	}
	return float64(usage.PromptTokens) * pricing.InputPerMTok / 1e6,
		float64(usage.CompletionTokens) * pricing.OutputPerMTok / 1e6
}
