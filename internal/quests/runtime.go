package quests

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ambitchat/ambit/internal/chronicle"
	"github.com/ambitchat/ambit/internal/config"
)

// minHeartbeatSleep floors the scheduler's sleep between ticks.
const minHeartbeatSleep = 60 * time.Second

// StepFunc runs one agent step for a quest and returns an optional
// paragraph to append to the chronicle (which re-enters the paragraph
// hook).
type StepFunc func(ctx context.Context, arc, questID, lastState string) (string, error)

// Runtime owns the quest lifecycle: it registers the chronicle append hook
// and runs the heartbeat loop. Steps across quests run concurrently;
// per-quest exclusion is the conditional ongoing -> in_step claim.
type Runtime struct {
	store    *chronicle.Store
	step     StepFunc
	arcs     map[string]bool // allowlist; empty = all arcs
	arcOrder []string
	cooldown float64 // seconds, used by the readiness predicate

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New wires a Runtime and registers its paragraph hook on the chronicle
// store. Non-positive or non-finite cooldowns fall back to 60 seconds.
func New(store *chronicle.Store, cfg config.QuestsConfig, step StepFunc) *Runtime {
	cooldown := cfg.CooldownSeconds
	if cooldown <= 0 || math.IsNaN(cooldown) || math.IsInf(cooldown, 0) {
		cooldown = 60
	}
	rt := &Runtime{
		store:    store,
		step:     step,
		arcs:     make(map[string]bool, len(cfg.Arcs)),
		arcOrder: append([]string{}, cfg.Arcs...),
		cooldown: cooldown,
		stop:     make(chan struct{}),
	}
	for _, arc := range cfg.Arcs {
		rt.arcs[arc] = true
	}
	store.OnAppend(rt.onAppend)
	return rt
}

// onAppend is the chronicle paragraph hook: it opens, updates, or finishes
// quests based on the paragraph's markup.
func (rt *Runtime) onAppend(ctx context.Context, arc string, paragraphID int64, content string) {
	id, finished, ok := ParseParagraph(content)
	if !ok {
		return
	}
	if len(rt.arcs) > 0 && !rt.arcs[arc] {
		return
	}

	quest, err := rt.store.QuestGet(ctx, arc, id)
	if err != nil {
		slog.Error("quest lookup failed", "arc", arc, "quest", id, "error", err)
		return
	}

	switch {
	case finished && quest == nil:
		slog.Warn("quest_finished for unknown quest ignored", "arc", arc, "quest", id)
	case finished:
		if err := rt.store.QuestFinish(ctx, arc, id, paragraphID); err != nil {
			slog.Error("quest finish failed", "arc", arc, "quest", id, "error", err)
		} else {
			slog.Info("quest finished", "arc", arc, "quest", id)
		}
	case quest != nil:
		if err := rt.store.QuestUpdate(ctx, arc, id, content, paragraphID); err != nil {
			slog.Error("quest update failed", "arc", arc, "quest", id, "error", err)
		}
	default:
		if err := rt.store.QuestStart(ctx, arc, id, ParentID(id), content, paragraphID); err != nil {
			slog.Error("quest start failed", "arc", arc, "quest", id, "error", err)
		} else {
			slog.Info("quest started", "arc", arc, "quest", id, "parent", ParentID(id))
		}
	}
}

// Run is the heartbeat loop: sleep, tick, repeat until Stop or context
// cancellation. In-flight steps settle before Run returns.
func (rt *Runtime) Run(ctx context.Context) {
	sleep := time.Duration(rt.cooldown * float64(time.Second))
	if sleep < minHeartbeatSleep {
		sleep = minHeartbeatSleep
	}
	for {
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			rt.wg.Wait()
			return
		case <-rt.stop:
			timer.Stop()
			rt.wg.Wait()
			return
		case <-timer.C:
		}
		rt.Tick(ctx)
	}
}

// Stop requests loop exit; Run drains in-flight steps before returning.
func (rt *Runtime) Stop() {
	rt.stopOnce.Do(func() { close(rt.stop) })
}

// Tick visits every allowed arc once and spawns a step for each ready
// quest. Exported so callers (and tests) can drive the scheduler manually.
func (rt *Runtime) Tick(ctx context.Context) {
	if rt.step == nil {
		return
	}
	arcs := rt.arcOrder
	if len(arcs) == 0 {
		var err error
		arcs, err = rt.store.QuestArcs(ctx)
		if err != nil {
			slog.Error("quest arc listing failed", "error", err)
			return
		}
	}

	for _, arc := range arcs {
		ready, err := rt.store.QuestsReadyForHeartbeat(ctx, arc, int64(rt.cooldown))
		if err != nil {
			slog.Error("quest readiness query failed", "arc", arc, "error", err)
			continue
		}
		for _, quest := range ready {
			rt.wg.Add(1)
			go rt.runStep(ctx, quest)
		}
	}
}

// Wait blocks until all in-flight steps settle.
func (rt *Runtime) Wait() { rt.wg.Wait() }

func (rt *Runtime) runStep(ctx context.Context, quest chronicle.Quest) {
	defer rt.wg.Done()

	ctx, span := otel.Tracer("ambit/quests").Start(ctx, "quest.step")
	span.SetAttributes(
		attribute.String("arc", quest.ArcID),
		attribute.String("quest", quest.QuestID),
	)
	defer span.End()

	claimed, err := rt.store.QuestTryTransition(ctx, quest.ArcID, quest.QuestID,
		chronicle.QuestOngoing, chronicle.QuestInStep)
	if err != nil {
		slog.Error("quest claim failed", "arc", quest.ArcID, "quest", quest.QuestID, "error", err)
		return
	}
	if !claimed {
		return
	}
	defer func() {
		// Release the claim; a finish recorded during the step leaves the
		// quest finished and this transition simply does not apply.
		if _, err := rt.store.QuestTryTransition(ctx, quest.ArcID, quest.QuestID,
			chronicle.QuestInStep, chronicle.QuestOngoing); err != nil {
			slog.Error("quest release failed", "arc", quest.ArcID, "quest", quest.QuestID, "error", err)
		}
	}()

	paragraph, err := rt.step(ctx, quest.ArcID, quest.QuestID, quest.LastState)
	if err != nil {
		slog.Error("quest step failed", "arc", quest.ArcID, "quest", quest.QuestID, "error", err)
		return
	}
	if paragraph == "" {
		return
	}
	if _, err := rt.store.AppendParagraph(ctx, quest.ArcID, paragraph); err != nil {
		slog.Error("quest paragraph append failed", "arc", quest.ArcID, "quest", quest.QuestID, "error", err)
	}
}
