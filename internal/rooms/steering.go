package rooms

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ambitchat/ambit/internal/agent"
	"github.com/ambitchat/ambit/internal/bus"
)

// SteeringKey identifies one serialized conversation lane. Threaded
// messages share a lane across users ("*"); unthreaded lanes are per nick.
type SteeringKey struct {
	Arc      string
	Identity string
	ThreadID string
}

func KeyFor(msg bus.RoomMessage) SteeringKey {
	if msg.ThreadID != "" {
		return SteeringKey{Arc: msg.Arc(), Identity: "*", ThreadID: msg.ThreadID}
	}
	return SteeringKey{Arc: msg.Arc(), Identity: strings.ToLower(msg.Nick)}
}

const (
	KindCommand = "command"
	KindPassive = "passive"
)

// ExecutionResult is what a served command returns to its waiter.
type ExecutionResult struct {
	// Response is the delivered text; "" means nothing was sent.
	Response       string
	Resolved       *ResolvedCommand
	Model          string
	Usage          *agent.TurnUsage
	ToolCallsCount int
}

// QueuedMessage is one inbound message awaiting or receiving service. Its
// completion resolves exactly once: served, dropped (nil result), or
// aborted.
type QueuedMessage struct {
	Kind             string
	Message          bus.RoomMessage
	TriggerMessageID int64
	Send             bus.ReplySender

	once   sync.Once
	ch     chan struct{}
	result *ExecutionResult
	err    error
}

func newQueuedMessage(kind string, msg bus.RoomMessage, triggerID int64, send bus.ReplySender) *QueuedMessage {
	return &QueuedMessage{
		Kind:             kind,
		Message:          msg,
		TriggerMessageID: triggerID,
		Send:             send,
		ch:               make(chan struct{}),
	}
}

// Finish resolves the completion with a result (nil when dropped).
// Subsequent calls are no-ops.
func (q *QueuedMessage) Finish(res *ExecutionResult) {
	q.once.Do(func() {
		q.result = res
		close(q.ch)
	})
}

// Fail resolves the completion with an error.
func (q *QueuedMessage) Fail(err error) {
	q.once.Do(func() {
		q.err = err
		close(q.ch)
	})
}

// Await blocks until the item reaches a terminal state.
func (q *QueuedMessage) Await(ctx context.Context) (*ExecutionResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.ch:
		return q.result, q.err
	}
}

type steeringSession struct {
	queue     []*QueuedMessage
	notify    chan struct{} // cap 1, signals the proactive debounce loop
	proactive bool
}

func (s *steeringSession) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// SteeringQueue is the per-key mutual-exclusion scheduler. One mutex guards
// the sessions map and every session's queue, which makes the compound
// "check existence and create or append" atomic.
type SteeringQueue struct {
	mu       sync.Mutex
	sessions map[SteeringKey]*steeringSession
}

func NewSteeringQueue() *SteeringQueue {
	return &SteeringQueue{sessions: make(map[SteeringKey]*steeringSession)}
}

func newSession(proactive bool) *steeringSession {
	return &steeringSession{notify: make(chan struct{}, 1), proactive: proactive}
}

// EnqueueCommandOrStartRunner either starts a new session (isRunner=true;
// the caller executes the returned item itself) or appends behind the
// existing one (isRunner=false; the caller awaits completion).
func (s *SteeringQueue) EnqueueCommandOrStartRunner(msg bus.RoomMessage, triggerID int64, send bus.ReplySender) (*QueuedMessage, bool) {
	key := KeyFor(msg)
	item := newQueuedMessage(KindCommand, msg, triggerID, send)

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.queue = append(sess.queue, item)
		sess.signal()
		return item, false
	}
	s.sessions[key] = newSession(false)
	return item, true
}

// EnqueuePassive has three outcomes: joined an existing session
// (queued=true), opened a proactive session (isProactiveRunner=true, the
// returned item is the un-queued trigger), or neither — the caller handles
// the message inline without serialization.
func (s *SteeringQueue) EnqueuePassive(msg bus.RoomMessage, send bus.ReplySender, startProactive bool) (item *QueuedMessage, queued, isProactiveRunner bool) {
	key := KeyFor(msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		item = newQueuedMessage(KindPassive, msg, 0, send)
		sess.queue = append(sess.queue, item)
		sess.signal()
		return item, true, false
	}
	if startProactive {
		s.sessions[key] = newSession(true)
		item = newQueuedMessage(KindPassive, msg, 0, send)
		return item, false, true
	}
	return nil, false, false
}

// DrainSteeringContext removes every queued item, completes each with a nil
// result, and returns them as synthetic context entries in insertion order.
func (s *SteeringQueue) DrainSteeringContext(key SteeringKey) []bus.ContextMessage {
	s.mu.Lock()
	sess := s.sessions[key]
	var drained []*QueuedMessage
	if sess != nil {
		drained = sess.queue
		sess.queue = nil
	}
	s.mu.Unlock()

	var out []bus.ContextMessage
	for _, item := range drained {
		out = append(out, bus.ContextMessage{
			Role:    "user",
			Content: "<" + item.Message.Nick + "> " + item.Message.Content,
		})
		item.Finish(nil)
	}
	return out
}

// DrainerFor binds DrainSteeringContext to a key as the callback shape the
// executor and agent loop expect.
func (s *SteeringQueue) DrainerFor(key SteeringKey) func(context.Context) []bus.ContextMessage {
	return func(context.Context) []bus.ContextMessage {
		return s.DrainSteeringContext(key)
	}
}

// TakeNextWorkCompacted selects the next item to run. An empty queue
// destroys the session and returns nil. A queued command wins over
// everything before it; with only passives queued, the last one wins.
// Commands are never dropped; dropped items complete with a nil result.
func (s *SteeringQueue) TakeNextWorkCompacted(key SteeringKey) *QueuedMessage {
	s.mu.Lock()
	sess := s.sessions[key]
	if sess == nil {
		s.mu.Unlock()
		return nil
	}
	if len(sess.queue) == 0 {
		delete(s.sessions, key)
		s.mu.Unlock()
		return nil
	}

	var next *QueuedMessage
	var dropped []*QueuedMessage
	cmdIdx := -1
	for i, item := range sess.queue {
		if item.Kind == KindCommand {
			cmdIdx = i
			break
		}
	}
	if cmdIdx >= 0 {
		next = sess.queue[cmdIdx]
		dropped = sess.queue[:cmdIdx]
		sess.queue = append([]*QueuedMessage{}, sess.queue[cmdIdx+1:]...)
	} else {
		next = sess.queue[len(sess.queue)-1]
		dropped = sess.queue[:len(sess.queue)-1]
		sess.queue = nil
	}
	s.mu.Unlock()

	for _, item := range dropped {
		item.Finish(nil)
	}
	return next
}

// ProcessFunc serves one item; the drainer folds concurrently queued
// messages into the in-flight turn.
type ProcessFunc func(ctx context.Context, item *QueuedMessage, drainer func(context.Context) []bus.ContextMessage) (*ExecutionResult, error)

// DrainSession serves remaining work for a key until the queue empties. A
// processing error fails the current item, aborts the session, and is
// returned.
func (s *SteeringQueue) DrainSession(ctx context.Context, key SteeringKey, process ProcessFunc) error {
	for {
		item := s.TakeNextWorkCompacted(key)
		if item == nil {
			return nil
		}
		res, err := process(ctx, item, s.DrainerFor(key))
		if err != nil {
			item.Fail(err)
			s.AbortSession(key, err)
			return err
		}
		item.Finish(res)
	}
}

// AbortSession destroys the session and fails every remaining item.
func (s *SteeringQueue) AbortSession(key SteeringKey, err error) {
	s.mu.Lock()
	sess := s.sessions[key]
	var pending []*QueuedMessage
	if sess != nil {
		pending = sess.queue
		delete(s.sessions, key)
	}
	s.mu.Unlock()

	for _, item := range pending {
		item.Fail(err)
	}
}

// WaitNewItem blocks up to timeout for a new enqueue on the key's session.
// Returns false on timeout or when the session no longer exists.
func (s *SteeringQueue) WaitNewItem(key SteeringKey, timeout time.Duration) bool {
	s.mu.Lock()
	sess := s.sessions[key]
	s.mu.Unlock()
	if sess == nil {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-sess.notify:
		return true
	case <-timer.C:
		return false
	}
}

// HasQueuedCommand reports whether a command is waiting on the key.
func (s *SteeringQueue) HasQueuedCommand(key SteeringKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[key]
	if sess == nil {
		return false
	}
	for _, item := range sess.queue {
		if item.Kind == KindCommand {
			return true
		}
	}
	return false
}
