package rooms

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ambitchat/ambit/internal/bus"
	"github.com/ambitchat/ambit/internal/history"
)

// Handler is the front door for one room: it persists every inbound
// message, routes direct commands through the steering queue, and hands
// passive chatter to the proactive runner or the auto-chronicler.
// Implements bus.MessageSink.
type Handler struct {
	queue      *SteeringQueue
	resolver   *Resolver
	executor   *Executor
	proactive  *ProactiveRunner // nil when not configured
	history    *history.Store
	chronicler *AutoChronicler // nil when not configured
	ignore     map[string]bool
}

// HandlerConfig wires a Handler's collaborators.
type HandlerConfig struct {
	Queue      *SteeringQueue
	Resolver   *Resolver
	Executor   *Executor
	Proactive  *ProactiveRunner
	History    *history.Store
	Chronicler *AutoChronicler
	// IgnoreUsers are nicks whose messages are dropped entirely.
	IgnoreUsers []string
}

func NewHandler(cfg HandlerConfig) *Handler {
	ignore := make(map[string]bool, len(cfg.IgnoreUsers))
	for _, nick := range cfg.IgnoreUsers {
		ignore[strings.ToLower(nick)] = true
	}
	return &Handler{
		queue:      cfg.Queue,
		resolver:   cfg.Resolver,
		executor:   cfg.Executor,
		proactive:  cfg.Proactive,
		history:    cfg.History,
		chronicler: cfg.Chronicler,
		ignore:     ignore,
	}
}

// HandleInbound routes one inbound message. Direct messages become
// commands; everything else is passive chatter.
func (h *Handler) HandleInbound(ctx context.Context, msg bus.RoomMessage, direct bool, reply bus.ReplySender) error {
	if h.ignore[strings.ToLower(msg.Nick)] {
		return nil
	}

	triggerID, err := h.history.AddMessage(ctx, msg, nil)
	if err != nil {
		slog.Error("inbound persistence failed", "arc", msg.Arc(), "error", err)
	}

	if !direct {
		return h.handlePassive(ctx, msg, reply)
	}
	return h.handleCommand(ctx, msg, triggerID, reply)
}

func (h *Handler) handleCommand(ctx context.Context, msg bus.RoomMessage, triggerID int64, reply bus.ReplySender) error {
	key := KeyFor(msg)

	// Parse errors, context-free runs, help, and steering-disabled triggers
	// skip the queue entirely.
	if h.bypassSteering(msg) {
		_, err := h.executor.Execute(ctx, msg, triggerID, reply, h.queue.DrainerFor(key))
		return err
	}

	item, isRunner := h.queue.EnqueueCommandOrStartRunner(msg, triggerID, reply)
	if !isRunner {
		_, err := item.Await(ctx)
		return err
	}

	res, err := h.executor.Execute(ctx, msg, triggerID, reply, h.queue.DrainerFor(key))
	if err != nil {
		item.Fail(err)
		h.queue.AbortSession(key, err)
		return err
	}
	item.Finish(res)
	return h.queue.DrainSession(ctx, key, h.processItem)
}

func (h *Handler) processItem(ctx context.Context, item *QueuedMessage, drainer func(context.Context) []bus.ContextMessage) (*ExecutionResult, error) {
	if item.Kind == KindCommand {
		return h.executor.Execute(ctx, item.Message, item.TriggerMessageID, item.Send, drainer)
	}
	// A passive surviving compaction in a command session is a candidate
	// interjection when the channel is monitored; otherwise it completes
	// with nothing.
	if h.proactive != nil && h.proactive.Claims(ChannelKey(item.Message)) {
		return h.proactive.scoreAndMaybeInterject(ctx, item.Message, nil, item.Send), nil
	}
	return nil, nil
}

func (h *Handler) handlePassive(ctx context.Context, msg bus.RoomMessage, reply bus.ReplySender) error {
	key := KeyFor(msg)
	startProactive := h.proactive != nil && h.proactive.Claims(ChannelKey(msg))

	item, queued, isProactiveRunner := h.queue.EnqueuePassive(msg, reply, startProactive)
	switch {
	case queued:
		_, err := item.Await(ctx)
		return err
	case isProactiveRunner:
		go h.proactive.RunSession(ctx, key, item)
		_, err := item.Await(ctx)
		return err
	default:
		if h.chronicler != nil {
			if _, err := h.chronicler.CheckAndChronicle(ctx, msg); err != nil {
				slog.Error("auto-chronicler failed", "arc", msg.Arc(), "error", err)
			}
		}
		return nil
	}
}

// bypassSteering decides from directives alone whether the command skips
// the queue; classifier-selected modes never bypass.
func (h *Handler) bypassSteering(msg bus.RoomMessage) bool {
	p := h.resolver.parseDirectives(msg.Content)
	if p.Err != nil || p.NoContext || p.Help {
		return true
	}
	if p.ModeToken == "" {
		return false
	}
	mode := h.resolver.triggerToMode[p.ModeToken]
	rt := h.resolver.runtimeFor(mode, h.resolver.triggerConfig[p.ModeToken])
	return !rt.Steering
}
