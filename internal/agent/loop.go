package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ambitchat/ambit/internal/providers"
	"github.com/ambitchat/ambit/internal/tools"
)

const defaultMaxIterations = 12

// Runner executes agent turns against the provider router and the tool
// registry. Safe for concurrent use.
type Runner struct {
	router        *providers.Router
	tools         *tools.Registry
	maxIterations int
}

func NewRunner(router *providers.Router, registry *tools.Registry) *Runner {
	return &Runner{
		router:        router,
		tools:         registry,
		maxIterations: defaultMaxIterations,
	}
}

// Prompt runs one turn: call the model, execute returned tool calls, feed
// results back, until the model answers in plain text or the iteration
// budget runs out. Each iteration first ingests whatever the steering
// provider drains. A refusal (in text or in a provider error) triggers a
// single rerun on the configured fallback model.
func (r *Runner) Prompt(ctx context.Context, text string, opts PromptOptions) (*PromptResult, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("agent: model is required")
	}

	tracer := otel.Tracer("ambit/agent")
	ctx, span := tracer.Start(ctx, "agent.prompt")
	span.SetAttributes(
		attribute.String("model", opts.Model),
		attribute.String("arc", opts.Arc),
	)
	defer span.End()

	// Run-scoped values for tool side effects.
	if opts.Arc != "" {
		ctx = tools.WithArc(ctx, opts.Arc)
	}
	if opts.QuestID != "" {
		ctx = tools.WithQuestID(ctx, opts.QuestID)
	}
	if opts.Secrets != nil {
		ctx = tools.WithSecrets(ctx, opts.Secrets)
	}
	if opts.Progress != nil {
		ctx = tools.WithProgress(ctx, opts.Progress)
	}

	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = r.maxIterations
	}

	messages := make([]providers.Message, 0, len(opts.ContextMessages)+1)
	for _, m := range opts.ContextMessages {
		messages = append(messages, providers.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, providers.Message{Role: "user", Content: text})

	toolDefs := r.tools.Defs(opts.AllowedTools, opts.ExtraExcludedTools, opts.QuestID != "")
	thinking := NormalizeThinking(opts.ThinkingLevel)

	result := &PromptResult{
		Model:   opts.Model,
		Usage:   &TurnUsage{},
		Session: &SessionLog{},
	}
	model := opts.Model
	fallbackUsed := false
	visionUsed := false

	for iteration := 1; iteration <= maxIterations; iteration++ {
		// Mid-turn steering: merge just-arrived room messages so the model
		// sees them before its next step.
		if opts.Steering != nil {
			for _, m := range opts.Steering(ctx) {
				messages = append(messages, providers.Message{Role: m.Role, Content: m.Content})
			}
		}

		slog.Debug("agent iteration",
			"iteration", iteration, "model", model, "messages", len(messages))

		resp, err := r.router.Chat(ctx, model, providers.ChatRequest{
			System:   opts.System,
			Messages: messages,
			Tools:    toolDefs,
			Thinking: thinking,
		})
		if err != nil {
			if !visionUsed && opts.VisionFallbackModel != "" && isVisionError(err) {
				slog.Info("model rejected image input, switching to vision model",
					"from", model, "to", opts.VisionFallbackModel)
				model = opts.VisionFallbackModel
				visionUsed = true
				continue
			}
			if !fallbackUsed && opts.RefusalFallbackModel != "" && IsRefusal(err.Error()) {
				slog.Info("refusal in provider error, switching to fallback model",
					"from", model, "to", opts.RefusalFallbackModel)
				model = opts.RefusalFallbackModel
				fallbackUsed = true
				result.RefusalFallbackActivated = true
				result.RefusalFallbackModel = opts.RefusalFallbackModel
				continue
			}
			span.RecordError(err)
			return nil, fmt.Errorf("agent iteration %d: %w", iteration, err)
		}
		r.addUsage(result.Usage, model, resp.Usage)

		if len(resp.ToolCalls) == 0 {
			if !fallbackUsed && opts.RefusalFallbackModel != "" && IsRefusal(resp.Content) {
				slog.Info("refusal in response text, switching to fallback model",
					"from", model, "to", opts.RefusalFallbackModel)
				model = opts.RefusalFallbackModel
				fallbackUsed = true
				result.RefusalFallbackActivated = true
				result.RefusalFallbackModel = opts.RefusalFallbackModel
				continue
			}
			result.Text = strings.TrimSpace(resp.Content)
			result.Model = model
			span.SetAttributes(attribute.Int("tool_calls", result.ToolCallsCount))
			return result, nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			messages = append(messages, r.executeToolCall(ctx, tc, result))
		}
	}

	// Budget exhausted mid-tool-loop; return what we have so the caller
	// can still account for cost.
	result.Text = ""
	result.Model = model
	slog.Warn("agent hit iteration budget", "model", model, "max", maxIterations)
	return result, nil
}

func (r *Runner) executeToolCall(ctx context.Context, tc providers.ToolCall, result *PromptResult) providers.Message {
	tracer := otel.Tracer("ambit/agent")
	ctx, span := tracer.Start(ctx, "tool."+tc.Name)
	defer span.End()

	argsJSON, _ := json.Marshal(tc.Arguments)
	slog.Info("tool call", "tool", tc.Name, "args_len", len(argsJSON))

	res := r.tools.Execute(ctx, tc.Name, tc.Arguments)
	if res.IsError {
		span.SetAttributes(attribute.Bool("error", true))
		slog.Warn("tool error", "tool", tc.Name, "error", truncate(res.ForLLM, 200))
	}
	if res.Usage != nil {
		r.addUsage(result.Usage, res.Model, res.Usage)
	}

	result.ToolCallsCount++
	result.Session.ToolCalls = append(result.Session.ToolCalls, ToolCallRecord{
		Name:        tc.Name,
		Arguments:   string(argsJSON),
		Result:      res.ForLLM,
		IsError:     res.IsError,
		Persistence: r.tools.Persistence(tc.Name),
	})

	return providers.Message{
		Role:       "tool",
		Content:    res.ForLLM,
		ToolCallID: tc.ID,
	}
}

func (r *Runner) addUsage(total *TurnUsage, model string, usage *providers.Usage) {
	if usage == nil {
		return
	}
	total.InputTokens += usage.PromptTokens
	total.OutputTokens += usage.CompletionTokens
	in, out := r.router.CostParts(model, usage)
	total.Cost.Input += in
	total.Cost.Output += out
	total.Cost.Total += in + out
}

// isVisionError matches provider complaints about image inputs on
// text-only models.
func isVisionError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "image") &&
		(strings.Contains(msg, "not support") || strings.Contains(msg, "invalid") ||
			strings.Contains(msg, "unsupported"))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
