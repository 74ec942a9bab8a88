package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ambitchat/ambit/internal/bus"
	"github.com/ambitchat/ambit/internal/chronicle"
	"github.com/ambitchat/ambit/internal/history"
	"github.com/ambitchat/ambit/internal/providers"
)

const (
	maxChronicleBatch = 100
	maxLookbackDays   = 7
	messageOverlap    = 5
)

// AutoChronicler condenses arc history into chronicle paragraphs once
// enough unchronicled messages accumulate. Invocations for the same arc
// serialize in admission order; the (N+1)-th sees what the N-th marked
// chronicled.
type AutoChronicler struct {
	history   *history.Store
	chronicle *chronicle.Store
	completer Completer
	model     string
	threshold int

	mu   sync.Mutex
	arcs map[string]*sync.Mutex
}

func NewAutoChronicler(hist *history.Store, chron *chronicle.Store, completer Completer, model string, threshold int) *AutoChronicler {
	if threshold <= 0 {
		threshold = 50
	}
	return &AutoChronicler{
		history:   hist,
		chronicle: chron,
		completer: completer,
		model:     model,
		threshold: threshold,
		arcs:      make(map[string]*sync.Mutex),
	}
}

func (a *AutoChronicler) arcLock(arc string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.arcs[arc]
	if !ok {
		lock = &sync.Mutex{}
		a.arcs[arc] = lock
	}
	return lock
}

// CheckAndChronicle writes one summary paragraph for the message's arc when
// the unchronicled backlog passes the threshold. Returns whether a
// paragraph was written.
func (a *AutoChronicler) CheckAndChronicle(ctx context.Context, msg bus.RoomMessage) (bool, error) {
	if a.model == "" || a.completer == nil {
		return false, nil
	}
	arc := msg.Arc()
	lock := a.arcLock(arc)
	lock.Lock()
	defer lock.Unlock()

	n, err := a.history.CountRecentUnchronicled(ctx, msg.ServerTag, msg.ChannelName, maxLookbackDays)
	if err != nil {
		return false, fmt.Errorf("unchronicled count: %w", err)
	}
	if n < a.threshold {
		return false, nil
	}

	take := min(maxChronicleBatch, n+messageOverlap)
	msgs, err := a.history.GetFullHistory(ctx, msg.ServerTag, msg.ChannelName, take)
	if err != nil {
		return false, fmt.Errorf("history fetch: %w", err)
	}
	if len(msgs) == 0 {
		return false, nil
	}

	var ids []int64
	var lines []string
	for _, m := range msgs {
		ids = append(ids, m.ID)
		lines = append(lines, "<"+m.Nick+"> "+m.Content)
	}

	system := fmt.Sprintf(
		"You maintain the long-term chronicle of a chat channel. The bot's nick is %s. "+
			"Summarize the conversation below into a single 2-3 sentence paragraph, "+
			"keeping names and concrete outcomes.", msg.MyNick)
	paragraph, _, err := a.completer.Complete(ctx, a.model, system,
		[]providers.Message{{Role: "user", Content: strings.Join(lines, "\n")}})
	if err != nil {
		return false, fmt.Errorf("chronicle summary: %w", err)
	}
	paragraph = strings.TrimSpace(paragraph)
	if paragraph == "" {
		return false, nil
	}

	if _, err := a.chronicle.AppendParagraph(ctx, arc, paragraph); err != nil {
		return false, fmt.Errorf("chronicle append: %w", err)
	}
	ch, err := a.chronicle.GetOrOpenCurrentChapter(ctx, arc)
	if err != nil {
		return false, fmt.Errorf("current chapter: %w", err)
	}
	if err := a.history.MarkChronicled(ctx, ids, ch.ID); err != nil {
		return false, fmt.Errorf("mark chronicled: %w", err)
	}

	slog.Info("chronicled messages", "arc", arc, "count", len(ids), "chapter", ch.Number)
	return true, nil
}
