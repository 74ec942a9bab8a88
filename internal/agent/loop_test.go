package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/ambitchat/ambit/internal/bus"
	"github.com/ambitchat/ambit/internal/providers"
	"github.com/ambitchat/ambit/internal/tools"
)

// scriptedProvider returns canned responses in order and records requests.
type scriptedProvider struct {
	name      string
	responses []*providers.ChatResponse
	errs      []error
	requests  []providers.ChatRequest
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.requests = append(p.requests, req)
	i := len(p.requests) - 1
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		return &providers.ChatResponse{Content: "done"}, nil
	}
	return p.responses[i], nil
}

type echoTool struct{ calls int }

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "echo" }
func (t *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (t *echoTool) Persistence() string { return "summary" }
func (t *echoTool) Execute(_ context.Context, args map[string]interface{}) *tools.Result {
	t.calls++
	s, _ := args["text"].(string)
	return tools.NewResult("echo: " + s)
}

func newTestRunner(p *scriptedProvider, extraTools ...tools.Tool) *Runner {
	router := providers.NewRouter()
	router.Register(p)
	router.SetPricing(map[string]providers.ModelPricing{
		"test-model": {InputPerMTok: 1, OutputPerMTok: 2},
	})
	registry := tools.NewRegistry()
	for _, t := range extraTools {
		registry.Register(t)
	}
	return NewRunner(router, registry)
}

func TestPromptPlainAnswer(t *testing.T) {
	p := &scriptedProvider{name: "test", responses: []*providers.ChatResponse{
		{Content: "  hello  ", Usage: &providers.Usage{PromptTokens: 1000, CompletionTokens: 500}},
	}}
	r := newTestRunner(p)

	res, err := r.Prompt(context.Background(), "hi", PromptOptions{Model: "test:test-model"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "hello" {
		t.Errorf("text = %q", res.Text)
	}
	if res.ToolCallsCount != 0 {
		t.Errorf("tool calls = %d", res.ToolCallsCount)
	}
	if res.Usage.InputTokens != 1000 || res.Usage.OutputTokens != 500 {
		t.Errorf("usage = %+v", res.Usage)
	}
	// 1000 in at $1/M + 500 out at $2/M.
	if want := 0.001 + 0.001; res.Usage.Cost.Total < want-1e-9 || res.Usage.Cost.Total > want+1e-9 {
		t.Errorf("cost = %v, want %v", res.Usage.Cost.Total, want)
	}
}

func TestPromptToolLoop(t *testing.T) {
	tool := &echoTool{}
	p := &scriptedProvider{name: "test", responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "echo", Arguments: map[string]interface{}{"text": "ping"}}}},
		{Content: "the tool said ping"},
	}}
	r := newTestRunner(p, tool)

	res, err := r.Prompt(context.Background(), "use the tool", PromptOptions{Model: "test:test-model"})
	if err != nil {
		t.Fatal(err)
	}
	if tool.calls != 1 {
		t.Errorf("tool executed %d times", tool.calls)
	}
	if res.ToolCallsCount != 1 {
		t.Errorf("tool_calls_count = %d", res.ToolCallsCount)
	}
	if len(res.Session.ToolCalls) != 1 {
		t.Fatalf("session log = %+v", res.Session.ToolCalls)
	}
	rec := res.Session.ToolCalls[0]
	if rec.Name != "echo" || rec.Persistence != "summary" || rec.IsError {
		t.Errorf("record = %+v", rec)
	}
	if res.Text != "the tool said ping" {
		t.Errorf("text = %q", res.Text)
	}

	// The second request carries the assistant tool call and the tool result.
	second := p.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.Content != "echo: ping" || last.ToolCallID != "c1" {
		t.Errorf("tool message = %+v", last)
	}
}

func TestPromptSteeringIngestion(t *testing.T) {
	p := &scriptedProvider{name: "test", responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "echo", Arguments: map[string]interface{}{}}}},
		{Content: "ok"},
	}}
	r := newTestRunner(p, &echoTool{})

	drains := 0
	steering := func(ctx context.Context) []bus.ContextMessage {
		drains++
		if drains == 2 {
			return []bus.ContextMessage{{Role: "user", Content: "<alice> also check this"}}
		}
		return nil
	}

	_, err := r.Prompt(context.Background(), "go", PromptOptions{
		Model:    "test:test-model",
		Steering: steering,
	})
	if err != nil {
		t.Fatal(err)
	}
	if drains != 2 {
		t.Errorf("steering drained %d times, want one per iteration", drains)
	}

	// The drained message lands before the second LLM call.
	second := p.requests[1]
	found := false
	for _, m := range second.Messages {
		if m.Role == "user" && strings.Contains(m.Content, "also check this") {
			found = true
		}
	}
	if !found {
		t.Error("steered message missing from second request")
	}
}

func TestPromptRefusalFallback(t *testing.T) {
	p := &scriptedProvider{name: "test", responses: []*providers.ChatResponse{
		{Content: `{"is_refusal": true}`},
		{Content: "fallback answer"},
	}}
	r := newTestRunner(p)

	res, err := r.Prompt(context.Background(), "hi", PromptOptions{
		Model:                "test:test-model",
		RefusalFallbackModel: "test:other-model",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.RefusalFallbackActivated {
		t.Error("fallback not activated")
	}
	if res.RefusalFallbackModel != "test:other-model" {
		t.Errorf("fallback model = %q", res.RefusalFallbackModel)
	}
	if res.Text != "fallback answer" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Model != "test:other-model" {
		t.Errorf("result model = %q", res.Model)
	}
	// Second request went to the fallback model.
	if got := p.requests[1].Model; got != "other-model" {
		t.Errorf("second request model = %q", got)
	}
}

func TestPromptFallbackOnlyOnce(t *testing.T) {
	p := &scriptedProvider{name: "test", responses: []*providers.ChatResponse{
		{Content: "The AI refused to respond to this request."},
		{Content: "The AI refused to respond to this request."},
	}}
	r := newTestRunner(p)

	res, err := r.Prompt(context.Background(), "hi", PromptOptions{
		Model:                "test:test-model",
		RefusalFallbackModel: "test:other-model",
	})
	if err != nil {
		t.Fatal(err)
	}
	// Second refusal is returned as-is rather than looping.
	if len(p.requests) != 2 {
		t.Errorf("requests = %d, want 2", len(p.requests))
	}
	if !strings.Contains(res.Text, "refused") {
		t.Errorf("text = %q", res.Text)
	}
}

func TestPromptIterationBudget(t *testing.T) {
	tool := &echoTool{}
	toolCall := &providers.ChatResponse{
		ToolCalls: []providers.ToolCall{{ID: "c", Name: "echo", Arguments: map[string]interface{}{}}},
	}
	p := &scriptedProvider{name: "test", responses: []*providers.ChatResponse{
		toolCall, toolCall, toolCall, toolCall, toolCall,
	}}
	r := newTestRunner(p, tool)

	res, err := r.Prompt(context.Background(), "loop forever", PromptOptions{
		Model:         "test:test-model",
		MaxIterations: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "" {
		t.Errorf("text = %q, want empty on budget exhaustion", res.Text)
	}
	if tool.calls != 3 {
		t.Errorf("tool calls = %d, want 3", tool.calls)
	}
}

func TestPromptRequiresModel(t *testing.T) {
	r := newTestRunner(&scriptedProvider{name: "test"})
	if _, err := r.Prompt(context.Background(), "hi", PromptOptions{}); err == nil {
		t.Error("expected error without model")
	}
}
