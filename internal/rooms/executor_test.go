package rooms

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ambitchat/ambit/internal/agent"
	"github.com/ambitchat/ambit/internal/bus"
	"github.com/ambitchat/ambit/internal/chronicle"
	"github.com/ambitchat/ambit/internal/config"
	"github.com/ambitchat/ambit/internal/history"
	"github.com/ambitchat/ambit/internal/ratelimit"
	"github.com/ambitchat/ambit/internal/store"
	"github.com/ambitchat/ambit/internal/tools"
)

// fakeRunner satisfies PromptRunner with a canned result.
type fakeRunner struct {
	result   *agent.PromptResult
	err      error
	calls    int
	lastText string
	lastOpts agent.PromptOptions
}

func (f *fakeRunner) Prompt(_ context.Context, text string, opts agent.PromptOptions) (*agent.PromptResult, error) {
	f.calls++
	f.lastText = text
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &agent.PromptResult{Text: "done", Model: opts.Model, Usage: &agent.TurnUsage{}}, nil
}

type execEnv struct {
	db        *sql.DB
	hist      *history.Store
	chron     *chronicle.Store
	runner    *fakeRunner
	completer *fakeCompleter
	exec      *Executor
	room      config.RoomConfig
	sent      []string
}

func (e *execEnv) send(_ context.Context, text string) error {
	e.sent = append(e.sent, text)
	return nil
}

func newExecEnv(t *testing.T) *execEnv {
	t.Helper()
	db, err := store.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "rooms.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &execEnv{
		db:        db,
		hist:      history.New(db),
		chron:     chronicle.New(db),
		runner:    &fakeRunner{},
		completer: &fakeCompleter{},
	}
	env.room = config.RoomConfig{
		Command: *testCommandConfig(),
		Proactive: config.ProactiveConfig{
			HistorySize: 10,
			Models:      config.ProactiveModels{Serious: "openai:gpt-5"},
			Prompts:     config.ProactivePrompts{SeriousExtra: "Only interject when genuinely useful."},
		},
	}
	resolver, err := NewResolver(&env.room.Command, env.completer)
	if err != nil {
		t.Fatal(err)
	}
	env.exec = NewExecutor(ExecutorConfig{
		Room:      env.room,
		Resolver:  resolver,
		Runner:    env.runner,
		Completer: env.completer,
		History:   env.hist,
		Chronicle: env.chron,
		Artifacts: tools.NewArtifactStore(t.TempDir(), "https://paste.example/a/"),
		Limiter:   ratelimit.New(30, 900),
	})
	return env
}

func (e *execEnv) addInbound(t *testing.T, msg bus.RoomMessage) int64 {
	t.Helper()
	id, err := e.hist.AddMessage(context.Background(), msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestExecuteBasicCommand(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	msg := roomMsg("alice", "!s hello there")
	triggerID := env.addInbound(t, msg)

	env.runner.result = &agent.PromptResult{
		Text:  "done",
		Model: "openai:gpt-5",
		Usage: &agent.TurnUsage{InputTokens: 100, OutputTokens: 20,
			Cost: agent.CostBreakdown{Total: 0.05}},
	}

	res, err := env.exec.Execute(ctx, msg, triggerID, env.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "done" {
		t.Errorf("response = %q", res.Response)
	}
	if env.runner.lastText != "hello there" {
		t.Errorf("prompt = %q", env.runner.lastText)
	}
	if len(env.sent) != 1 || env.sent[0] != "done" {
		t.Errorf("sent = %v", env.sent)
	}

	rows, err := env.hist.GetFullHistory(ctx, msg.ServerTag, msg.ChannelName, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("history rows = %d", len(rows))
	}
	if rows[1].Nick != "ambit" || rows[1].Content != "done" {
		t.Errorf("assistant row = %+v", rows[1])
	}

	// The LLM call row is linked to the response.
	var linked int
	err = env.db.QueryRow(
		`SELECT COUNT(*) FROM llm_calls WHERE response_message_id IS NOT NULL`).Scan(&linked)
	if err != nil {
		t.Fatal(err)
	}
	if linked != 1 {
		t.Errorf("linked llm calls = %d", linked)
	}
	cost, err := env.hist.GetArcCostToday(ctx, msg.Arc())
	if err != nil {
		t.Fatal(err)
	}
	if cost < 0.049 || cost > 0.051 {
		t.Errorf("arc cost = %v", cost)
	}
}

func TestExecuteRateLimited(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	msg := roomMsg("alice", "!s too-fast")
	triggerID := env.addInbound(t, msg)

	limiter := ratelimit.New(1, 900)
	limiter.Allow() // exhaust the budget
	env.exec.limiter = limiter

	res, err := env.exec.Execute(ctx, msg, triggerID, env.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := "alice: Slow down a little, will you? (rate limiting)"
	if res.Response != want {
		t.Errorf("response = %q", res.Response)
	}
	if env.runner.calls != 0 {
		t.Error("agent must not run when rate limited")
	}

	rows, _ := env.hist.GetFullHistory(ctx, msg.ServerTag, msg.ChannelName, 10)
	if len(rows) != 2 {
		t.Errorf("history rows = %d, want user + apology", len(rows))
	}
	var calls int
	if err := env.db.QueryRow(`SELECT COUNT(*) FROM llm_calls`).Scan(&calls); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("llm calls = %d, want none", calls)
	}
}

func TestExecuteParseError(t *testing.T) {
	env := newExecEnv(t)
	msg := roomMsg("alice", "!zap now")
	triggerID := env.addInbound(t, msg)

	res, err := env.exec.Execute(context.Background(), msg, triggerID, env.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Response, "alice: Unknown command '!zap'") {
		t.Errorf("response = %q", res.Response)
	}
	if env.runner.calls != 0 {
		t.Error("agent must not run on parse errors")
	}
}

func TestExecuteHelp(t *testing.T) {
	env := newExecEnv(t)
	msg := roomMsg("alice", "!h")
	triggerID := env.addInbound(t, msg)

	res, err := env.exec.Execute(context.Background(), msg, triggerID, env.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Response, "Commands:") || !strings.Contains(res.Response, "!s") {
		t.Errorf("help = %q", res.Response)
	}
	if env.runner.calls != 0 {
		t.Error("agent must not run for help")
	}
}

func TestModelOverridePriority(t *testing.T) {
	env := newExecEnv(t)
	msg := roomMsg("alice", "!s @groq:llama-70b explain")
	triggerID := env.addInbound(t, msg)

	if _, err := env.exec.Execute(context.Background(), msg, triggerID, nil, nil); err != nil {
		t.Fatal(err)
	}
	if env.runner.lastOpts.Model != "groq:llama-70b" {
		t.Errorf("model = %q", env.runner.lastOpts.Model)
	}
}

func TestSystemPromptRendered(t *testing.T) {
	env := newExecEnv(t)
	env.exec.SetClock(func() time.Time {
		return time.Date(2026, 8, 24, 9, 5, 0, 0, time.Local)
	})
	msg := roomMsg("alice", "!s question")
	triggerID := env.addInbound(t, msg)

	if _, err := env.exec.Execute(context.Background(), msg, triggerID, nil, nil); err != nil {
		t.Fatal(err)
	}
	sys := env.runner.lastOpts.System
	if !strings.Contains(sys, "You are ambit.") || !strings.Contains(sys, "2026-08-24 09:05") {
		t.Errorf("system = %q", sys)
	}
}

func TestRefusalFallbackAnnotation(t *testing.T) {
	env := newExecEnv(t)
	msg := roomMsg("alice", "!s risky question")
	triggerID := env.addInbound(t, msg)

	env.runner.result = &agent.PromptResult{
		Text:                     "careful answer",
		Model:                    "anthropic:claude-opus",
		Usage:                    &agent.TurnUsage{},
		RefusalFallbackActivated: true,
		RefusalFallbackModel:     "anthropic:claude-opus",
	}
	res, err := env.exec.Execute(context.Background(), msg, triggerID, env.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "careful answer [refusal fallback to anthropic:claude-opus]" {
		t.Errorf("response = %q", res.Response)
	}
}

func TestNoContextRunSkipsSteering(t *testing.T) {
	env := newExecEnv(t)
	msg := roomMsg("alice", "!c !s hello there")
	triggerID := env.addInbound(t, msg)

	drains := 0
	drainer := func(context.Context) []bus.ContextMessage {
		drains++
		return []bus.ContextMessage{{Role: "user", Content: "<bob> queued elsewhere"}}
	}
	if _, err := env.exec.Execute(context.Background(), msg, triggerID, env.send, drainer); err != nil {
		t.Fatal(err)
	}
	if env.runner.calls != 1 {
		t.Fatalf("agent runs = %d", env.runner.calls)
	}
	if env.runner.lastOpts.Steering != nil {
		t.Error("no-context run was handed a mid-turn steering provider")
	}
	if drains != 0 {
		t.Errorf("drainer called %d times during a no-context run", drains)
	}
	if len(env.runner.lastOpts.ContextMessages) != 0 {
		t.Errorf("context = %v, want none", env.runner.lastOpts.ContextMessages)
	}
}

func TestDebounceMergesFollowups(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	base := time.Unix(1_000_000, 0)
	env.exec.SetClock(func() time.Time { return base })
	env.hist.SetClock(func() time.Time { return base })
	env.room.Command.Debounce = 0.01
	env.exec.room = env.room

	msg := roomMsg("alice", "!s first half")
	triggerID := env.addInbound(t, msg)

	env.exec.sleep = func(context.Context, time.Duration) {
		env.hist.SetClock(func() time.Time { return base.Add(2 * time.Second) })
		env.addInbound(t, roomMsg("alice", "and the second half"))
	}

	if _, err := env.exec.Execute(ctx, msg, triggerID, nil, nil); err != nil {
		t.Fatal(err)
	}
	if env.runner.lastText != "first half\nand the second half" {
		t.Errorf("merged prompt = %q", env.runner.lastText)
	}
}

func TestInternalMonologuePersisted(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	env.room.Command.PersistenceModel = "test:small"
	env.exec.room = env.room
	env.completer.responses = []string{"I searched the docs and found the flag."}

	msg := roomMsg("alice", "!s look this up")
	triggerID := env.addInbound(t, msg)
	env.runner.result = &agent.PromptResult{
		Text:  "found it",
		Model: "openai:gpt-5",
		Usage: &agent.TurnUsage{},
		Session: &agent.SessionLog{ToolCalls: []agent.ToolCallRecord{
			{Name: "web_search", Arguments: `{"query":"flag"}`, Result: "doc link", Persistence: "summary"},
			{Name: "broken_tool", IsError: true, Persistence: "summary"},
		}},
	}

	if _, err := env.exec.Execute(ctx, msg, triggerID, env.send, nil); err != nil {
		t.Fatal(err)
	}
	rows, _ := env.hist.GetFullHistory(ctx, msg.ServerTag, msg.ChannelName, 10)
	var monologue string
	for _, r := range rows {
		if strings.HasPrefix(r.Content, "[internal monologue] ") {
			monologue = r.Content
		}
	}
	if monologue != "[internal monologue] I searched the docs and found the flag." {
		t.Errorf("monologue row = %q", monologue)
	}
}

func TestCostFollowupsAndMilestone(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	msg := roomMsg("alice", "!s expensive question")
	triggerID := env.addInbound(t, msg)

	// Prior spend today puts the arc just under a dollar.
	if _, err := env.hist.LogLLMCall(ctx, history.LLMCall{
		Provider: "openai", Model: "openai:gpt-5", Cost: 0.9,
		CallType: "agent_run", ArcName: msg.Arc(),
	}); err != nil {
		t.Fatal(err)
	}

	env.runner.result = &agent.PromptResult{
		Text:           "big answer",
		Model:          "openai:gpt-5",
		ToolCallsCount: 3,
		Usage: &agent.TurnUsage{InputTokens: 9000, OutputTokens: 1200,
			Cost: agent.CostBreakdown{Total: 0.25}},
	}

	if _, err := env.exec.Execute(ctx, msg, triggerID, env.send, nil); err != nil {
		t.Fatal(err)
	}
	if len(env.sent) != 3 {
		t.Fatalf("sent = %v", env.sent)
	}
	if !strings.Contains(env.sent[1], "$0.2500") || !strings.Contains(env.sent[1], "3 tool calls") {
		t.Errorf("cost line = %q", env.sent[1])
	}
	if !strings.Contains(env.sent[2], "crossed $1") {
		t.Errorf("milestone line = %q", env.sent[2])
	}
}

func TestExecuteProactiveSilentAbort(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	msg := roomMsg("bob", "the deploy is failing")
	env.addInbound(t, msg)

	for _, text := range []string{"", "Error: upstream exploded"} {
		env.runner.result = &agent.PromptResult{Text: text, Model: "openai:gpt-5", Usage: &agent.TurnUsage{}}
		res, err := env.exec.ExecuteProactive(ctx, msg, env.send, nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.Response != "" {
			t.Errorf("response = %q, want silent abort", res.Response)
		}
	}
	if len(env.sent) != 0 {
		t.Errorf("sent = %v, want nothing", env.sent)
	}
}

func TestExecuteProactiveFormatsResponse(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	msg := roomMsg("bob", "the deploy is failing")
	env.addInbound(t, msg)

	env.runner.result = &agent.PromptResult{Text: "try rolling back", Model: "openai:gpt-5", Usage: &agent.TurnUsage{}}
	res, err := env.exec.ExecuteProactive(ctx, msg, env.send, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "[gpt-5] try rolling back" {
		t.Errorf("response = %q", res.Response)
	}
	// The passive message itself became the query, envelope stripped.
	if env.runner.lastText != "the deploy is failing" {
		t.Errorf("query = %q", env.runner.lastText)
	}
	if !strings.Contains(env.runner.lastOpts.System, "Only interject when genuinely useful.") {
		t.Errorf("system = %q", env.runner.lastOpts.System)
	}
}
