// Package channels supervises the transport adapters that feed room
// events into the command pipeline.
package channels

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ambitchat/ambit/internal/bus"
)

const (
	reconnectMin = time.Second
	reconnectMax = time.Minute
	// A source that stayed up this long gets its backoff reset.
	stableRunThreshold = 5 * time.Minute
)

// Manager runs every registered message source until the context is
// cancelled, restarting crashed sources with exponential backoff.
type Manager struct {
	sources []bus.MessageSource
	sink    bus.MessageSink
}

func NewManager(sink bus.MessageSink, sources ...bus.MessageSource) *Manager {
	return &Manager{sources: sources, sink: sink}
}

// Run blocks until ctx is cancelled and all sources have stopped.
func (m *Manager) Run(ctx context.Context) {
	if len(m.sources) == 0 {
		slog.Warn("no channels configured")
		<-ctx.Done()
		return
	}

	var wg sync.WaitGroup
	for _, src := range m.sources {
		wg.Add(1)
		go func(src bus.MessageSource) {
			defer wg.Done()
			m.supervise(ctx, src)
		}(src)
	}
	wg.Wait()
}

func (m *Manager) supervise(ctx context.Context, src bus.MessageSource) {
	backoff := reconnectMin
	for {
		started := time.Now()
		slog.Info("starting channel", "channel", src.Name())
		err := src.Run(ctx, m.sink)

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			slog.Info("channel stopped", "channel", src.Name())
			return
		}
		if time.Since(started) > stableRunThreshold {
			backoff = reconnectMin
		}
		slog.Error("channel exited, restarting",
			"channel", src.Name(), "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}
