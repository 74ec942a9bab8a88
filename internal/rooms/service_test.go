package rooms

import (
	"context"
	"testing"

	"github.com/ambitchat/ambit/internal/config"
	"github.com/ambitchat/ambit/internal/tools"
)

func newTestService(t *testing.T) (*execEnv, *Service) {
	t.Helper()
	env := newExecEnv(t)
	cfg := &config.Config{
		Rooms: map[string]config.RoomConfig{
			"libera##ambit": env.room,
		},
	}
	svc := NewService(cfg, env.runner, env.completer, env.hist, env.chron,
		tools.NewArtifactStore(t.TempDir(), "https://paste.example/a/"))
	return env, svc
}

func TestServiceRoutesToRoomHandler(t *testing.T) {
	env, svc := newTestService(t)
	msg := roomMsg("alice", "!s what changed")
	if err := svc.HandleInbound(context.Background(), msg, true, env.send); err != nil {
		t.Fatal(err)
	}
	if env.runner.calls != 1 {
		t.Errorf("agent runs = %d", env.runner.calls)
	}
	if len(env.sent) != 1 || env.sent[0] != "done" {
		t.Errorf("sent = %v", env.sent)
	}
}

func TestServiceCachesHandlers(t *testing.T) {
	_, svc := newTestService(t)
	msg := roomMsg("alice", "hello")

	h1, err := svc.handlerFor(msg)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := svc.handlerFor(msg)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("same channel produced different handlers")
	}

	other := msg
	other.ChannelName = "#elsewhere"
	h3, err := svc.handlerFor(other)
	if err != nil {
		t.Fatal(err)
	}
	if h3 == h1 {
		t.Error("different channels share a handler")
	}
}

func TestServiceReloadRebuildsHandlers(t *testing.T) {
	env, svc := newTestService(t)
	msg := roomMsg("alice", "hello")

	h1, err := svc.handlerFor(msg)
	if err != nil {
		t.Fatal(err)
	}
	svc.Reload(&config.Config{
		Rooms: map[string]config.RoomConfig{"libera##ambit": env.room},
	})
	h2, err := svc.handlerFor(msg)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("reload kept the stale handler")
	}
}
