package rooms

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ambitchat/ambit/internal/bus"
	"github.com/ambitchat/ambit/internal/config"
	"github.com/ambitchat/ambit/internal/history"
	"github.com/ambitchat/ambit/internal/providers"
	"github.com/ambitchat/ambit/internal/ratelimit"
)

// scoreRe extracts the "N/10" verdict from a validation model's reply.
var scoreRe = regexp.MustCompile(`(\d{1,2})\s*/\s*10`)

// ProactiveRunner decides whether the bot interjects in monitored channels
// after a quiet period. It shares the steering queue with the command path;
// a direct command arriving mid-debounce preempts the interjection.
type ProactiveRunner struct {
	cfg       config.ProactiveConfig
	resolver  *Resolver
	executor  *Executor
	queue     *SteeringQueue
	history   *history.Store
	completer Completer
	limiter   *ratelimit.Limiter
	claims    map[string]bool
}

func NewProactiveRunner(cfg config.ProactiveConfig, resolver *Resolver, executor *Executor, queue *SteeringQueue, hist *history.Store, completer Completer) *ProactiveRunner {
	claims := make(map[string]bool, len(cfg.Interjecting))
	for _, key := range cfg.Interjecting {
		claims[key] = true
	}
	return &ProactiveRunner{
		cfg:       cfg,
		resolver:  resolver,
		executor:  executor,
		queue:     queue,
		history:   hist,
		completer: completer,
		limiter:   ratelimit.New(cfg.RateLimit, cfg.RatePeriod),
		claims:    claims,
	}
}

// Claims reports whether the channel key is monitored for interjection.
func (p *ProactiveRunner) Claims(channelKey string) bool {
	return p.claims[channelKey]
}

// RunSession owns one proactive steering session, from the debounce loop
// through scoring and drain. Errors are logged, never propagated; the
// trigger item always completes.
func (p *ProactiveRunner) RunSession(ctx context.Context, key SteeringKey, trigger *QueuedMessage) {
	defer trigger.Finish(nil)

	debounce := time.Duration(p.cfg.DebounceSeconds * float64(time.Second))

	// Debounce until silence: new passives fold into steering context, a
	// queued command ends the wait immediately.
	var pending []bus.ContextMessage
	for {
		if !p.queue.WaitNewItem(key, debounce) {
			break
		}
		if p.queue.HasQueuedCommand(key) {
			break
		}
		pending = append(pending, p.queue.DrainSteeringContext(key)...)
	}

	next := p.queue.TakeNextWorkCompacted(key)
	switch {
	case next == nil:
		res := p.scoreAndMaybeInterject(ctx, trigger.Message, pending, trigger.Send)
		trigger.Finish(res)
	case next.Kind == KindCommand:
		// Passives already drained during the debounce still reach the
		// command's turn as steering context.
		drainer := p.queue.DrainerFor(key)
		if len(pending) > 0 {
			carried := pending
			base := drainer
			drainer = func(ctx context.Context) []bus.ContextMessage {
				out := append(carried, base(ctx)...)
				carried = nil
				return out
			}
		}
		res, err := p.executor.Execute(ctx, next.Message, next.TriggerMessageID, next.Send, drainer)
		if err != nil {
			slog.Error("command during proactive session failed", "arc", key.Arc, "error", err)
			next.Fail(err)
			p.queue.AbortSession(key, err)
			return
		}
		next.Finish(res)
	default:
		res := p.scoreAndMaybeInterject(ctx, next.Message, pending, next.Send)
		next.Finish(res)
	}

	if err := p.queue.DrainSession(ctx, key, p.processItem); err != nil {
		slog.Error("proactive session drain failed", "arc", key.Arc, "error", err)
	}
}

func (p *ProactiveRunner) processItem(ctx context.Context, item *QueuedMessage, drainer func(context.Context) []bus.ContextMessage) (*ExecutionResult, error) {
	if item.Kind == KindCommand {
		return p.executor.Execute(ctx, item.Message, item.TriggerMessageID, item.Send, drainer)
	}
	return p.scoreAndMaybeInterject(ctx, item.Message, nil, item.Send), nil
}

// scoreAndMaybeInterject runs the validation-model ensemble over recent
// context and interjects only when the final score clears the threshold and
// the classifier confirms a serious conversation. Declines are silent.
func (p *ProactiveRunner) scoreAndMaybeInterject(ctx context.Context, msg bus.RoomMessage, extra []bus.ContextMessage, send bus.ReplySender) *ExecutionResult {
	arc := msg.Arc()
	if p.limiter != nil && !p.limiter.Allow() {
		slog.Debug("proactive rate limited", "arc", arc)
		return nil
	}
	if len(p.cfg.Models.Validation) == 0 {
		return nil
	}

	ctxMsgs, err := p.history.GetContextForMessage(ctx, msg, p.cfg.HistorySize)
	if err != nil {
		slog.Error("proactive context fetch failed", "arc", arc, "error", err)
		return nil
	}
	ctxMsgs = append(ctxMsgs, extra...)

	lastMessage := stripNickEnvelope(msg.Content)
	system := strings.ReplaceAll(p.cfg.Prompts.Interject, "{message}", lastMessage)

	var scoreMsgs []providers.Message
	for _, m := range ctxMsgs {
		content := m.Content
		if m.Role == "assistant" {
			content = "[assistant] " + content
		}
		scoreMsgs = append(scoreMsgs, providers.Message{Role: "user", Content: content})
	}

	threshold := p.cfg.InterjectThreshold
	finalScore := -1
	for i, model := range p.cfg.Models.Validation {
		resp, _, err := p.completer.Complete(ctx, model, system, scoreMsgs)
		if err != nil {
			slog.Info("proactive validation call failed", "arc", arc, "model", model, "error", err)
			return nil
		}
		m := scoreRe.FindStringSubmatch(resp)
		if m == nil {
			slog.Info("proactive validation returned no score", "arc", arc, "model", model, "response", resp)
			return nil
		}
		score, _ := strconv.Atoi(m[1])
		if score < threshold-1 {
			if i == 0 {
				slog.Debug("proactive early reject", "arc", arc, "model", model, "score", score)
			} else {
				slog.Info("proactive early reject", "arc", arc, "model", model, "score", score)
			}
			return nil
		}
		finalScore = score
	}
	if finalScore < threshold {
		slog.Info("proactive final score below threshold", "arc", arc, "score", finalScore, "threshold", threshold)
		return nil
	}

	if mode := p.resolver.ClassifyMode(ctx, msg, ctxMsgs); mode != "serious" {
		slog.Warn("proactive declined: conversation not classified serious", "arc", arc, "mode", mode)
		return nil
	}

	res, err := p.executor.ExecuteProactive(ctx, msg, send, nil)
	if err != nil {
		slog.Error("proactive interjection failed", "arc", arc, "error", err)
		return nil
	}
	return res
}
