package rooms

import (
	"context"
	"sync"

	"github.com/ambitchat/ambit/internal/bus"
	"github.com/ambitchat/ambit/internal/chronicle"
	"github.com/ambitchat/ambit/internal/config"
	"github.com/ambitchat/ambit/internal/history"
	"github.com/ambitchat/ambit/internal/ratelimit"
	"github.com/ambitchat/ambit/internal/tools"
)

// Service is the sink the transport adapters deliver into. It routes each
// event to the handler for its channel, building handlers lazily from the
// merged room config. Implements bus.MessageSink.
type Service struct {
	cfg        *config.Config
	runner     PromptRunner
	completer  Completer
	history    *history.Store
	chronicle  *chronicle.Store
	artifacts  *tools.ArtifactStore
	chronicler *AutoChronicler // shared; nil when no chronicle model set

	mu       sync.Mutex
	handlers map[string]*Handler
}

func NewService(cfg *config.Config, runner PromptRunner, completer Completer,
	hist *history.Store, chron *chronicle.Store, artifacts *tools.ArtifactStore) *Service {
	s := &Service{
		cfg:       cfg,
		runner:    runner,
		completer: completer,
		history:   hist,
		chronicle: chron,
		artifacts: artifacts,
		handlers:  make(map[string]*Handler),
	}
	if cfg.Chronicle.Model != "" {
		s.chronicler = NewAutoChronicler(hist, chron, completer,
			cfg.Chronicle.Model, cfg.Chronicle.MessagesThreshold)
	}
	return s
}

// Reload swaps in a new config and drops the handler cache so each room
// rebuilds with the new settings on its next message. In-flight turns keep
// their old handler.
func (s *Service) Reload(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.handlers = make(map[string]*Handler)
	s.chronicler = nil
	if cfg.Chronicle.Model != "" {
		s.chronicler = NewAutoChronicler(s.history, s.chronicle, s.completer,
			cfg.Chronicle.Model, cfg.Chronicle.MessagesThreshold)
	}
}

// HandleInbound routes one inbound event to its channel's handler.
func (s *Service) HandleInbound(ctx context.Context, msg bus.RoomMessage, direct bool, reply bus.ReplySender) error {
	h, err := s.handlerFor(msg)
	if err != nil {
		return err
	}
	return h.HandleInbound(ctx, msg, direct, reply)
}

func (s *Service) handlerFor(msg bus.RoomMessage) (*Handler, error) {
	key := ChannelKey(msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handlers[key]; ok {
		return h, nil
	}

	room := s.cfg.Room(key)
	resolver, err := NewResolver(&room.Command, s.completer)
	if err != nil {
		return nil, err
	}
	queue := NewSteeringQueue()
	exec := NewExecutor(ExecutorConfig{
		Room:       room,
		Resolver:   resolver,
		Runner:     s.runner,
		Completer:  s.completer,
		History:    s.history,
		Chronicle:  s.chronicle,
		Artifacts:  s.artifacts,
		Limiter:    ratelimit.New(room.Command.RateLimit, room.Command.RatePeriod),
		Chronicler: s.chronicler,
	})
	var proactive *ProactiveRunner
	if len(room.Proactive.Interjecting) > 0 {
		proactive = NewProactiveRunner(room.Proactive, resolver, exec, queue, s.history, s.completer)
	}
	h := NewHandler(HandlerConfig{
		Queue:       queue,
		Resolver:    resolver,
		Executor:    exec,
		Proactive:   proactive,
		History:     s.history,
		Chronicler:  s.chronicler,
		IgnoreUsers: room.Command.IgnoreUsers,
	})
	s.handlers[key] = h
	return h, nil
}
