package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/ambitchat/ambit/internal/agent"
	"github.com/ambitchat/ambit/internal/bus"
	"github.com/ambitchat/ambit/internal/chronicle"
	"github.com/ambitchat/ambit/internal/config"
	"github.com/ambitchat/ambit/internal/history"
	"github.com/ambitchat/ambit/internal/providers"
	"github.com/ambitchat/ambit/internal/ratelimit"
	"github.com/ambitchat/ambit/internal/tools"
)

// costFollowupThreshold is the per-turn dollar cost above which a cost
// summary line is sent after the response.
const costFollowupThreshold = 0.20

const rateLimitApology = "Slow down a little, will you? (rate limiting)"

// PromptRunner runs one agent turn. Satisfied by agent.Runner.
type PromptRunner interface {
	Prompt(ctx context.Context, text string, opts agent.PromptOptions) (*agent.PromptResult, error)
}

// ExecutorConfig wires an Executor's collaborators.
type ExecutorConfig struct {
	Room       config.RoomConfig
	Resolver   *Resolver
	Runner     PromptRunner
	Completer  Completer
	History    *history.Store
	Chronicle  *chronicle.Store
	Artifacts  *tools.ArtifactStore
	Limiter    *ratelimit.Limiter
	Chronicler *AutoChronicler
}

// Executor runs one resolved command end to end: context assembly, agent
// invocation, post-processing, persistence, and cost followups.
type Executor struct {
	room       config.RoomConfig
	resolver   *Resolver
	runner     PromptRunner
	completer  Completer
	history    *history.Store
	chronicle  *chronicle.Store
	artifacts  *tools.ArtifactStore
	limiter    *ratelimit.Limiter
	chronicler *AutoChronicler

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	return &Executor{
		room:       cfg.Room,
		resolver:   cfg.Resolver,
		runner:     cfg.Runner,
		completer:  cfg.Completer,
		history:    cfg.History,
		chronicle:  cfg.Chronicle,
		artifacts:  cfg.Artifacts,
		limiter:    cfg.Limiter,
		chronicler: cfg.Chronicler,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// SetClock overrides the executor's clock, for tests.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Execute serves one command. The trigger message is already persisted
// (triggerMessageID is its history row); drainer folds concurrently queued
// messages into the turn. Agent failures propagate so the handler can abort
// the owning session.
func (e *Executor) Execute(ctx context.Context, msg bus.RoomMessage, triggerMessageID int64, send bus.ReplySender, drainer func(context.Context) []bus.ContextMessage) (*ExecutionResult, error) {
	startEpoch := e.now().Unix()

	// Rate limit short-circuit: apologize, persist, skip the chronicler.
	if e.limiter != nil && !e.limiter.Allow() {
		text := msg.Nick + ": " + rateLimitApology
		e.deliver(ctx, msg, send, text, "", 0)
		return &ExecutionResult{Response: text}, nil
	}

	ctxMsgs, err := e.history.GetContextForMessage(ctx, msg, e.resolver.MaxHistorySize())
	if err != nil {
		return nil, fmt.Errorf("history context: %w", err)
	}
	ctxMsgs = dropTriggerEntry(ctxMsgs, msg)

	rc := e.resolver.Resolve(ctx, msg, ctxMsgs)
	if rc.Err != nil {
		text := msg.Nick + ": " + rc.Err.Error()
		e.deliver(ctx, msg, send, text, "", 0)
		return &ExecutionResult{Response: text, Resolved: rc}, nil
	}
	if rc.HelpRequested {
		text := e.resolver.HelpText()
		e.deliver(ctx, msg, send, text, "", 0)
		return &ExecutionResult{Response: text, Resolved: rc}, nil
	}

	model := rc.Runtime.Model
	if rc.ModelOverride != "" {
		model = rc.ModelOverride
	}

	queryText := rc.QueryText
	if e.room.Command.Debounce > 0 {
		e.sleep(ctx, time.Duration(e.room.Command.Debounce*float64(time.Second)))
		followups, err := e.history.GetRecentMessagesSince(ctx,
			msg.ServerTag, msg.ChannelName, msg.Nick, startEpoch, msg.ThreadID)
		if err != nil {
			slog.Warn("debounce follow-up fetch failed", "arc", msg.Arc(), "error", err)
		}
		for _, f := range followups {
			queryText += "\n" + f.Message
		}
	}

	if rc.Runtime.IncludeChapterSummary && !rc.NoContext && e.chronicle != nil {
		cc, err := e.chronicle.GetChapterContext(ctx, msg.Arc())
		if err != nil {
			slog.Warn("chapter context fetch failed", "arc", msg.Arc(), "error", err)
		} else {
			var prepend []bus.ContextMessage
			if cc.PreviousSummary != "" {
				prepend = append(prepend, bus.ContextMessage{
					Role:    "user",
					Content: fmt.Sprintf("Chapter %d summary: %s", cc.CurrentNumber-1, cc.PreviousSummary),
				})
			}
			for _, p := range cc.CurrentParagraphs {
				prepend = append(prepend, bus.ContextMessage{Role: "user", Content: p})
			}
			ctxMsgs = append(prepend, ctxMsgs...)
		}
	}

	if rc.NoContext {
		ctxMsgs = nil
	} else if n := rc.Runtime.HistorySize; n > 0 && len(ctxMsgs) > n {
		ctxMsgs = ctxMsgs[len(ctxMsgs)-n:]
	}

	if rc.Runtime.AutoReduceContext && e.room.Command.ReducerModel != "" && len(ctxMsgs) > 1 {
		ctxMsgs = e.reduceContext(ctx, msg.Arc(), ctxMsgs)
	}

	if rc.Runtime.Steering && !rc.NoContext && drainer != nil {
		ctxMsgs = append(ctxMsgs, drainer(ctx)...)
	}

	system := RenderSystemPrompt(rc.Runtime.Prompt, msg.MyNick, e.now(),
		e.room.PromptVars, e.resolver.TriggerModels())

	opts := agent.PromptOptions{
		System:               system,
		ContextMessages:      ctxMsgs,
		Model:                model,
		ThinkingLevel:        rc.Runtime.ReasoningEffort,
		AllowedTools:         rc.Runtime.AllowedTools,
		VisionFallbackModel:  rc.Runtime.VisionModel,
		RefusalFallbackModel: rc.Runtime.RefusalFallbackModel,
		Secrets:              msg.Secrets,
		Arc:                  msg.Arc(),
	}
	if rc.Runtime.Steering && !rc.NoContext && drainer != nil {
		opts.Steering = func(ctx context.Context) []bus.ContextMessage { return drainer(ctx) }
	}
	if send != nil {
		opts.Progress = func(ctx context.Context, text string) error { return send(ctx, text) }
	}

	pr, err := e.runner.Prompt(ctx, queryText, opts)
	if err != nil {
		return nil, err
	}

	callID := e.logCall(ctx, msg, triggerMessageID, pr, "agent_run")
	e.persistInternalMonologue(ctx, msg, rc.SelectedTrigger, pr)

	text := pr.Text
	if pr.RefusalFallbackActivated {
		text += " [refusal fallback to " + pr.RefusalFallbackModel + "]"
	}

	return e.finishTurn(ctx, msg, send, text, rc, rc.SelectedTrigger, callID, pr)
}

// ExecuteProactive runs the interjection variant: serious mode's prompt
// plus the configured extra, model forced to the proactive serious model,
// query taken from the last user message in context. Empty or error-shaped
// responses abort silently.
func (e *Executor) ExecuteProactive(ctx context.Context, msg bus.RoomMessage, send bus.ReplySender, drainer func(context.Context) []bus.ContextMessage) (*ExecutionResult, error) {
	mode := e.room.Command.Mode("serious")
	if mode == nil {
		return nil, fmt.Errorf("proactive interjection requires a %q mode", "serious")
	}
	trigger := e.resolver.DefaultTriggerFor("serious")

	ctxMsgs, err := e.history.GetContextForMessage(ctx, msg, e.room.Proactive.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("history context: %w", err)
	}

	queryText := msg.Content
	if n := len(ctxMsgs); n > 0 && ctxMsgs[n-1].Role == "user" {
		queryText = stripNickEnvelope(ctxMsgs[n-1].Content)
		ctxMsgs = ctxMsgs[:n-1]
	}

	system := RenderSystemPrompt(mode.Prompt, msg.MyNick, e.now(),
		e.room.PromptVars, e.resolver.TriggerModels())
	if extra := e.room.Proactive.Prompts.SeriousExtra; extra != "" {
		system += "\n" + extra
	}

	model := e.room.Proactive.Models.Serious
	if model == "" {
		model = providers.FirstModel(mode.Models)
	}

	opts := agent.PromptOptions{
		System:               system,
		ContextMessages:      ctxMsgs,
		Model:                model,
		ThinkingLevel:        mode.ReasoningEffort,
		AllowedTools:         mode.AllowedTools,
		VisionFallbackModel:  mode.VisionModel,
		RefusalFallbackModel: mode.RefusalFallbackModel,
		Secrets:              msg.Secrets,
		Arc:                  msg.Arc(),
	}
	if drainer != nil {
		opts.Steering = func(ctx context.Context) []bus.ContextMessage { return drainer(ctx) }
	}

	pr, err := e.runner.Prompt(ctx, queryText, opts)
	if err != nil {
		return nil, err
	}

	callID := e.logCall(ctx, msg, 0, pr, "proactive")

	if pr.Text == "" || strings.HasPrefix(pr.Text, "Error: ") {
		return &ExecutionResult{Model: pr.Model, Usage: pr.Usage, ToolCallsCount: pr.ToolCallsCount}, nil
	}

	text := "[" + providers.ModelStrCore(pr.Model) + "] " + pr.Text
	if pr.RefusalFallbackActivated {
		text += " [refusal fallback to " + pr.RefusalFallbackModel + "]"
	}

	return e.finishTurn(ctx, msg, send, text, nil, trigger, callID, pr)
}

// finishTurn applies the shared tail of both execution paths: length
// policy, echo cleanup, delivery plus persistence, cost followups, and the
// auto-chronicler.
func (e *Executor) finishTurn(ctx context.Context, msg bus.RoomMessage, send bus.ReplySender, text string, rc *ResolvedCommand, trigger string, callID int64, pr *agent.PromptResult) (*ExecutionResult, error) {
	if text != "" && e.artifacts != nil {
		text = ApplyLengthPolicy(text, e.room.Command.ResponseMaxBytes, func(content string) (string, error) {
			return e.artifacts.Publish("", content)
		})
	}
	text = StripEchoPrefix(text)

	if text != "" {
		e.deliver(ctx, msg, send, text, trigger, callID)
	}

	e.costFollowups(ctx, msg, send, trigger, pr)

	if e.chronicler != nil {
		if _, err := e.chronicler.CheckAndChronicle(ctx, msg); err != nil {
			slog.Error("auto-chronicler failed", "arc", msg.Arc(), "error", err)
		}
	}

	return &ExecutionResult{
		Response:       text,
		Resolved:       rc,
		Model:          pr.Model,
		Usage:          pr.Usage,
		ToolCallsCount: pr.ToolCallsCount,
	}, nil
}

// deliver sends one line to the surface and persists it as the bot's
// history row, linking the originating LLM call when there is one.
func (e *Executor) deliver(ctx context.Context, msg bus.RoomMessage, send bus.ReplySender, text, trigger string, callID int64) {
	if send != nil {
		if err := send(ctx, text); err != nil {
			slog.Error("response delivery failed", "arc", msg.Arc(), "error", err)
		}
	}
	rowID, err := e.history.AddMessage(ctx, msg.WithBotReply(text), &history.MessageMeta{
		Mode:      trigger,
		LLMCallID: callID,
	})
	if err != nil {
		slog.Error("response persistence failed", "arc", msg.Arc(), "error", err)
		return
	}
	if callID != 0 {
		if err := e.history.UpdateLLMCallResponse(ctx, callID, rowID); err != nil {
			slog.Warn("llm call response link failed", "call_id", callID, "error", err)
		}
	}
}

// logCall records the turn's aggregate usage as one LLM call row.
func (e *Executor) logCall(ctx context.Context, msg bus.RoomMessage, triggerMessageID int64, pr *agent.PromptResult, callType string) int64 {
	if pr.Usage == nil {
		return 0
	}
	spec, _ := providers.ParseModelSpec(pr.Model)
	callID, err := e.history.LogLLMCall(ctx, history.LLMCall{
		Provider:         spec.Provider,
		Model:            pr.Model,
		InputTokens:      pr.Usage.InputTokens,
		OutputTokens:     pr.Usage.OutputTokens,
		Cost:             pr.Usage.Cost.Total,
		CallType:         callType,
		ArcName:          msg.Arc(),
		TriggerMessageID: triggerMessageID,
	})
	if err != nil {
		slog.Warn("llm call logging failed", "arc", msg.Arc(), "error", err)
		return 0
	}
	return callID
}

// persistInternalMonologue summarizes the turn's persistable tool activity
// into one "[internal monologue]" history row.
func (e *Executor) persistInternalMonologue(ctx context.Context, msg bus.RoomMessage, trigger string, pr *agent.PromptResult) {
	model := e.room.Command.PersistenceModel
	if model == "" || e.completer == nil || pr.Session == nil {
		return
	}
	var lines []string
	for _, tc := range pr.Session.ToolCalls {
		if tc.IsError {
			continue
		}
		if tc.Persistence != "summary" && tc.Persistence != "artifact" {
			continue
		}
		lines = append(lines, tc.Name+"("+tc.Arguments+") -> "+tc.Result)
	}
	if len(lines) == 0 {
		return
	}

	system := "Summarize the assistant's tool activity below into a single short paragraph, " +
		"written in first person as the assistant's private notes. Mention concrete findings and URLs."
	summary, _, err := e.completer.Complete(ctx, model, system,
		[]providers.Message{{Role: "user", Content: strings.Join(lines, "\n")}})
	if err != nil || summary == "" {
		if err != nil {
			slog.Warn("persistence summary failed", "arc", msg.Arc(), "error", err)
		}
		return
	}
	_, err = e.history.AddMessage(ctx, msg.WithBotReply(summary), &history.MessageMeta{
		Mode:            trigger,
		ContentTemplate: "[internal monologue] {message}",
	})
	if err != nil {
		slog.Warn("internal monologue persistence failed", "arc", msg.Arc(), "error", err)
	}
}

// costFollowups emits the secondary cost line for expensive turns and the
// whole-dollar daily milestone for the arc.
func (e *Executor) costFollowups(ctx context.Context, msg bus.RoomMessage, send bus.ReplySender, trigger string, pr *agent.PromptResult) {
	if pr.Usage == nil {
		return
	}
	cost := pr.Usage.Cost.Total

	if cost > costFollowupThreshold {
		line := fmt.Sprintf("cost: $%.4f (%d tool calls, %d input / %d output tokens)",
			cost, pr.ToolCallsCount, pr.Usage.InputTokens, pr.Usage.OutputTokens)
		e.deliver(ctx, msg, send, line, trigger, 0)
	}

	after, err := e.history.GetArcCostToday(ctx, msg.Arc())
	if err != nil {
		slog.Warn("arc cost query failed", "arc", msg.Arc(), "error", err)
		return
	}
	before := after - cost
	if before < 0 {
		before = 0
	}
	if math.Floor(after) > math.Floor(before) {
		line := fmt.Sprintf("Arc spend today crossed $%d: $%.4f total.", int(math.Floor(after)), after)
		e.deliver(ctx, msg, send, line, trigger, 0)
	}
}

// reduceContext asks the reducer model to compress everything but the final
// entry, which is always preserved verbatim.
func (e *Executor) reduceContext(ctx context.Context, arc string, ctxMsgs []bus.ContextMessage) []bus.ContextMessage {
	final := ctxMsgs[len(ctxMsgs)-1]
	var lines []string
	for _, m := range ctxMsgs[:len(ctxMsgs)-1] {
		content := m.Content
		if m.Role == "assistant" {
			content = "[assistant] " + content
		}
		lines = append(lines, content)
	}

	system := "Compress the following conversation context into a short summary. " +
		"Preserve names, decisions, open questions, and anything the assistant promised to do."
	summary, _, err := e.completer.Complete(ctx, e.room.Command.ReducerModel, system,
		[]providers.Message{{Role: "user", Content: strings.Join(lines, "\n")}})
	if err != nil || summary == "" {
		if err != nil {
			slog.Warn("context reduction failed", "arc", arc, "error", err)
		}
		return ctxMsgs
	}
	return []bus.ContextMessage{
		{Role: "user", Content: "Conversation so far: " + summary},
		final,
	}
}

// dropTriggerEntry removes the trigger message's own row from the fetched
// context so the prompt does not duplicate it.
func dropTriggerEntry(ctxMsgs []bus.ContextMessage, msg bus.RoomMessage) []bus.ContextMessage {
	if n := len(ctxMsgs); n > 0 && ctxMsgs[n-1].Content == "<"+msg.Nick+"> "+msg.Content {
		return ctxMsgs[:n-1]
	}
	return ctxMsgs
}

var nickEnvelopeRe = regexp.MustCompile(`^<[^<>\s]+>\s*`)

// stripNickEnvelope removes a leading "<nick> " wrapper from a rendered
// context line.
func stripNickEnvelope(s string) string {
	return nickEnvelopeRe.ReplaceAllString(s, "")
}
