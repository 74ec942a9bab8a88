package rooms

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ambitchat/ambit/internal/agent"
	"github.com/ambitchat/ambit/internal/config"
)

func newProactiveEnv(t *testing.T, threshold int, validation ...string) (*execEnv, *ProactiveRunner, *SteeringQueue) {
	t.Helper()
	env := newExecEnv(t)
	env.room.Proactive.InterjectThreshold = threshold
	env.room.Proactive.DebounceSeconds = 0.02
	env.room.Proactive.RateLimit = 100
	env.room.Proactive.RatePeriod = 3600
	env.room.Proactive.Interjecting = []string{"libera##ambit"}
	env.room.Proactive.Models.Validation = validation
	env.room.Proactive.Prompts.Interject = "Score whether to reply to: {message}"
	env.exec.room = env.room

	queue := NewSteeringQueue()
	resolver, err := NewResolver(&env.room.Command, env.completer)
	if err != nil {
		t.Fatal(err)
	}
	runner := NewProactiveRunner(env.room.Proactive, resolver, env.exec, queue, env.hist, env.completer)
	return env, runner, queue
}

func TestProactiveDecline(t *testing.T) {
	env, p, _ := newProactiveEnv(t, 7, "test:validator")
	msg := roomMsg("bob", "just chatting")
	env.addInbound(t, msg)
	env.completer.responses = []string{"2/10, not worth it"}

	res := p.scoreAndMaybeInterject(context.Background(), msg, nil, env.send)
	if res != nil {
		t.Errorf("result = %+v, want decline", res)
	}
	if env.runner.calls != 0 {
		t.Error("agent must not run on decline")
	}
	if len(env.sent) != 0 {
		t.Errorf("sent = %v", env.sent)
	}
	if env.completer.calls != 1 {
		t.Errorf("validation calls = %d, want early reject after the first", env.completer.calls)
	}
}

func TestProactiveScoreParseFailureDeclines(t *testing.T) {
	env, p, _ := newProactiveEnv(t, 7, "test:validator")
	msg := roomMsg("bob", "hmm")
	env.addInbound(t, msg)
	env.completer.responses = []string{"maybe? hard to say"}

	if res := p.scoreAndMaybeInterject(context.Background(), msg, nil, env.send); res != nil {
		t.Errorf("result = %+v, want decline on unparseable score", res)
	}
}

func TestProactiveFinalScoreGate(t *testing.T) {
	// Both steps clear the early-reject bar, but the final score is below
	// the threshold.
	env, p, _ := newProactiveEnv(t, 7, "test:v1", "test:v2")
	msg := roomMsg("bob", "interesting problem")
	env.addInbound(t, msg)
	env.completer.responses = []string{"7/10", "6/10"}

	if res := p.scoreAndMaybeInterject(context.Background(), msg, nil, env.send); res != nil {
		t.Errorf("result = %+v, want decline", res)
	}
	if env.completer.calls != 2 {
		t.Errorf("validation calls = %d", env.completer.calls)
	}
}

func TestProactiveAcceptRunsSeriousInterjection(t *testing.T) {
	env, p, _ := newProactiveEnv(t, 7, "test:v1", "test:v2")
	msg := roomMsg("bob", "the database keeps corrupting")
	env.addInbound(t, msg)
	// Two validation scores, then the classifier verdict.
	env.completer.responses = []string{"8/10", "9/10", "SERIOUS"}
	env.runner.result = &agent.PromptResult{Text: "check the WAL settings", Model: "openai:gpt-5", Usage: &agent.TurnUsage{}}

	res := p.scoreAndMaybeInterject(context.Background(), msg, nil, env.send)
	if res == nil {
		t.Fatal("expected an interjection")
	}
	if res.Response != "[gpt-5] check the WAL settings" {
		t.Errorf("response = %q", res.Response)
	}
	if len(env.sent) != 1 || env.sent[0] != res.Response {
		t.Errorf("sent = %v", env.sent)
	}
	// The interject prompt saw the extracted message text.
	if !strings.Contains(env.completer.systems[0], "the database keeps corrupting") {
		t.Errorf("interject system = %q", env.completer.systems[0])
	}
}

func TestProactiveNonSeriousClassificationDeclines(t *testing.T) {
	env, p, _ := newProactiveEnv(t, 7, "test:v1")
	msg := roomMsg("bob", "lol what a day")
	env.addInbound(t, msg)
	env.completer.responses = []string{"9/10", "FUNNY"}

	if res := p.scoreAndMaybeInterject(context.Background(), msg, nil, env.send); res != nil {
		t.Errorf("result = %+v, want decline for non-serious mode", res)
	}
	if env.runner.calls != 0 {
		t.Error("agent must not run")
	}
}

func TestProactiveCommandPreemptsDebounce(t *testing.T) {
	env, p, queue := newProactiveEnv(t, 100, "test:validator")
	env.room.Proactive.DebounceSeconds = 5 // long; preemption must cut it short
	p.cfg.DebounceSeconds = 5

	passive := roomMsg("bob", "quiet chatter")
	env.addInbound(t, passive)
	trigger, _, isProactive := queue.EnqueuePassive(passive, env.send, true)
	if !isProactive {
		t.Fatal("expected proactive session")
	}

	done := make(chan struct{})
	go func() {
		p.RunSession(context.Background(), KeyFor(passive), trigger)
		close(done)
	}()

	// A direct command from the same lane arrives during the debounce.
	cmdMsg := roomMsg("bob", "!s direct question")
	cmdID := env.addInbound(t, cmdMsg)
	item, isRunner := queue.EnqueueCommandOrStartRunner(cmdMsg, cmdID, env.send)
	if isRunner {
		t.Fatal("command should join the proactive session")
	}

	res, err := item.Await(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || res.Response != "done" {
		t.Errorf("command result = %+v", res)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("proactive session did not finish")
	}
	// No scoring happened: the only activity was the command's agent run.
	if env.completer.calls != 0 {
		t.Errorf("validation calls = %d, want none", env.completer.calls)
	}
	if _, err := trigger.Await(context.Background()); err != nil {
		t.Errorf("trigger completion = %v", err)
	}
}

func TestProactivePreemptCarriesDrainedContext(t *testing.T) {
	env, p, queue := newProactiveEnv(t, 100, "test:validator")
	env.room.Proactive.DebounceSeconds = 1
	p.cfg.DebounceSeconds = 1

	passive := roomMsg("bob", "quiet chatter")
	env.addInbound(t, passive)
	trigger, _, isProactive := queue.EnqueuePassive(passive, env.send, true)
	if !isProactive {
		t.Fatal("expected proactive session")
	}
	// A second passive is already queued when the session starts; the
	// debounce loop drains it into steering context.
	mid, queued, _ := queue.EnqueuePassive(roomMsg("bob", "more detail arriving"), env.send, false)
	if !queued {
		t.Fatal("passive should join the session")
	}

	done := make(chan struct{})
	go func() {
		p.RunSession(context.Background(), KeyFor(passive), trigger)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cmdMsg := roomMsg("bob", "!s direct question")
	cmdID := env.addInbound(t, cmdMsg)
	item, _ := queue.EnqueueCommandOrStartRunner(cmdMsg, cmdID, env.send)

	if _, err := item.Await(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("proactive session did not finish")
	}

	// The drained passive reached the preempting command as context.
	var found bool
	for _, m := range env.runner.lastOpts.ContextMessages {
		if strings.Contains(m.Content, "more detail arriving") {
			found = true
		}
	}
	if !found {
		t.Errorf("drained passive missing from command context: %+v",
			env.runner.lastOpts.ContextMessages)
	}
	if res, err := mid.Await(context.Background()); err != nil || res != nil {
		t.Errorf("drained passive completion = (%v, %v)", res, err)
	}
}

func TestProactiveTimeoutScoresTrigger(t *testing.T) {
	env, p, queue := newProactiveEnv(t, 7, "test:validator")
	passive := roomMsg("bob", "should I use postgres or sqlite here")
	env.addInbound(t, passive)
	env.completer.responses = []string{"2/10"} // decline, quietly

	trigger, _, _ := queue.EnqueuePassive(passive, env.send, true)
	p.RunSession(context.Background(), KeyFor(passive), trigger)

	if res, err := trigger.Await(context.Background()); err != nil || res != nil {
		t.Errorf("trigger completion = (%v, %v)", res, err)
	}
	if env.completer.calls != 1 {
		t.Errorf("validation calls = %d", env.completer.calls)
	}
	// Session is gone afterwards.
	if _, isRunner := queue.EnqueueCommandOrStartRunner(roomMsg("bob", "!s next"), 9, nil); !isRunner {
		t.Error("session should have been destroyed")
	}
}

func TestProactiveClaims(t *testing.T) {
	cfg := config.ProactiveConfig{Interjecting: []string{"libera##ambit"}}
	p := NewProactiveRunner(cfg, nil, nil, nil, nil, nil)
	if !p.Claims("libera##ambit") {
		t.Error("claimed channel not recognized")
	}
	if p.Claims("libera##other") {
		t.Error("unclaimed channel recognized")
	}
}
