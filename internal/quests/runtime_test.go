package quests

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ambitchat/ambit/internal/chronicle"
	"github.com/ambitchat/ambit/internal/config"
	"github.com/ambitchat/ambit/internal/store"
)

const testArc = "libera#ambit"

func newTestChronicle(t *testing.T) *chronicle.Store {
	t.Helper()
	db, err := store.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "quests.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return chronicle.New(db)
}

func TestParagraphOpensQuest(t *testing.T) {
	s := newTestChronicle(t)
	ctx := context.Background()
	New(s, config.QuestsConfig{Arcs: []string{testArc}}, nil)

	id, err := s.AppendParagraph(ctx, testArc, `Bob launched <quest id="gc.survey">survey collectors</quest>.`)
	if err != nil {
		t.Fatal(err)
	}
	q, err := s.QuestGet(ctx, testArc, "gc.survey")
	if err != nil {
		t.Fatal(err)
	}
	if q == nil {
		t.Fatal("quest not created from paragraph")
	}
	if q.Status != chronicle.QuestOngoing || q.ParentID != "gc" || q.CreatedByParagraphID != id {
		t.Errorf("quest = %+v", q)
	}
	if !strings.Contains(q.LastState, "survey collectors") {
		t.Errorf("last state = %q, want the opening paragraph", q.LastState)
	}
}

func TestParagraphUpdatesExistingQuest(t *testing.T) {
	s := newTestChronicle(t)
	ctx := context.Background()
	New(s, config.QuestsConfig{}, nil)

	if _, err := s.AppendParagraph(ctx, testArc, `<quest id="q1">start digging</quest>`); err != nil {
		t.Fatal(err)
	}
	p2, err := s.AppendParagraph(ctx, testArc, `<quest id="q1">found the first clue</quest>`)
	if err != nil {
		t.Fatal(err)
	}
	q, _ := s.QuestGet(ctx, testArc, "q1")
	if q.LastUpdatedByParagraphID != p2 {
		t.Errorf("last paragraph = %d, want %d", q.LastUpdatedByParagraphID, p2)
	}
	if !strings.Contains(q.LastState, "first clue") {
		t.Errorf("last state = %q", q.LastState)
	}
}

func TestAllowlistSkipsOtherArcs(t *testing.T) {
	s := newTestChronicle(t)
	ctx := context.Background()
	New(s, config.QuestsConfig{Arcs: []string{"libera#other"}}, nil)

	if _, err := s.AppendParagraph(ctx, testArc, `<quest id="q1">should be ignored</quest>`); err != nil {
		t.Fatal(err)
	}
	q, err := s.QuestGet(ctx, testArc, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if q != nil {
		t.Errorf("quest created outside the allowlist: %+v", q)
	}
}

func TestFinishUnknownQuestIgnored(t *testing.T) {
	s := newTestChronicle(t)
	ctx := context.Background()
	New(s, config.QuestsConfig{}, nil)

	if _, err := s.AppendParagraph(ctx, testArc, `<quest_finished id="ghost">never opened</quest_finished>`); err != nil {
		t.Fatal(err)
	}
	q, _ := s.QuestGet(ctx, testArc, "ghost")
	if q != nil {
		t.Errorf("finish of unknown quest created a row: %+v", q)
	}
}

func TestHeartbeatStepFinishesQuest(t *testing.T) {
	s := newTestChronicle(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	clock := base
	s.SetClock(func() time.Time { return clock })

	var stepArc, stepQuest, stepState string
	rt := New(s, config.QuestsConfig{Arcs: []string{testArc}, CooldownSeconds: 60},
		func(_ context.Context, arc, questID, lastState string) (string, error) {
			stepArc, stepQuest, stepState = arc, questID, lastState
			return `<quest_finished id="q1">Done. CONFIRMED ACHIEVED</quest_finished>`, nil
		})

	if _, err := s.AppendParagraph(ctx, testArc, `<quest id="q1">Do the thing</quest>`); err != nil {
		t.Fatal(err)
	}

	// Within the cooldown nothing runs.
	rt.Tick(ctx)
	rt.Wait()
	if stepQuest != "" {
		t.Fatal("step ran inside the cooldown window")
	}

	clock = base.Add(2 * time.Minute)
	rt.Tick(ctx)
	rt.Wait()

	if stepArc != testArc || stepQuest != "q1" {
		t.Fatalf("step saw (%q, %q)", stepArc, stepQuest)
	}
	if !strings.Contains(stepState, "Do the thing") {
		t.Errorf("step state = %q, want the quest's opening paragraph", stepState)
	}
	q, err := s.QuestGet(ctx, testArc, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if q.Status != chronicle.QuestFinished {
		t.Errorf("status after step = %q, want finished", q.Status)
	}
	// The step's closing paragraph landed in the chronicle.
	text, err := s.RenderChapter(ctx, testArc, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "CONFIRMED ACHIEVED") {
		t.Errorf("chapter = %q, missing the step's paragraph", text)
	}
}

func TestHeartbeatStepErrorReleasesClaim(t *testing.T) {
	s := newTestChronicle(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	clock := base
	s.SetClock(func() time.Time { return clock })

	calls := 0
	rt := New(s, config.QuestsConfig{Arcs: []string{testArc}, CooldownSeconds: 60},
		func(context.Context, string, string, string) (string, error) {
			calls++
			return "", errors.New("agent unavailable")
		})

	if _, err := s.AppendParagraph(ctx, testArc, `<quest id="q1">Do the thing</quest>`); err != nil {
		t.Fatal(err)
	}
	clock = base.Add(2 * time.Minute)
	rt.Tick(ctx)
	rt.Wait()
	if calls != 1 {
		t.Fatalf("step calls = %d", calls)
	}

	// The quest returned to ongoing; the next tick can retry.
	q, _ := s.QuestGet(ctx, testArc, "q1")
	if q.Status != chronicle.QuestOngoing {
		t.Fatalf("status after failed step = %q", q.Status)
	}
	rt.Tick(ctx)
	rt.Wait()
	if calls != 2 {
		t.Errorf("retry step calls = %d, want 2", calls)
	}
}

func TestTickDiscoversArcsWithoutAllowlist(t *testing.T) {
	s := newTestChronicle(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	clock := base
	s.SetClock(func() time.Time { return clock })

	var seen []string
	rt := New(s, config.QuestsConfig{CooldownSeconds: 60},
		func(_ context.Context, arc, questID, _ string) (string, error) {
			seen = append(seen, arc+"/"+questID)
			return "", nil
		})

	if _, err := s.AppendParagraph(ctx, "libera#one", `<quest id="a">x</quest>`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendParagraph(ctx, "libera#two", `<quest id="b">y</quest>`); err != nil {
		t.Fatal(err)
	}
	clock = base.Add(2 * time.Minute)
	rt.Tick(ctx)
	rt.Wait()

	got := strings.Join(seen, ",")
	if !strings.Contains(got, "libera#one/a") || !strings.Contains(got, "libera#two/b") {
		t.Errorf("stepped quests = %q", got)
	}
}

func TestRunStopsAndDrains(t *testing.T) {
	s := newTestChronicle(t)
	rt := New(s, config.QuestsConfig{CooldownSeconds: 60}, nil)

	done := make(chan struct{})
	go func() {
		rt.Run(context.Background())
		close(done)
	}()
	rt.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
