// Package slack adapts Slack Socket Mode events to room messages.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/ambitchat/ambit/internal/bus"
	"github.com/ambitchat/ambit/internal/config"
)

// Source connects over Socket Mode, so no public HTTP endpoint is needed.
type Source struct {
	cfg       config.SlackConfig
	serverTag string

	api    *slack.Client
	client *socketmode.Client

	botUserID string
	botNick   string
	userNames sync.Map // userID -> display name
	chanNames sync.Map // channelID -> display name
}

func New(cfg config.SlackConfig) (*Source, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack bot and app tokens not configured")
	}
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	tag := cfg.ServerTag
	if tag == "" {
		tag = "slack"
	}
	return &Source{
		cfg:       cfg,
		serverTag: "slack:" + tag,
		api:       api,
		client:    socketmode.New(api),
	}, nil
}

func (s *Source) Name() string { return s.serverTag }

// Run opens the socket connection and relays events until ctx is cancelled.
func (s *Source) Run(ctx context.Context, sink bus.MessageSink) error {
	auth, err := s.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	s.botUserID = auth.UserID
	s.botNick = auth.User
	slog.Info("slack connected", "user", auth.User, "team", auth.Team)

	go func() {
		for evt := range s.client.Events {
			s.handleEvent(ctx, evt, sink)
		}
	}()
	return s.client.RunContext(ctx)
}

func (s *Source) handleEvent(ctx context.Context, evt socketmode.Event, sink bus.MessageSink) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if evt.Request != nil {
		s.client.Ack(*evt.Request)
	}
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	// app_mention duplicates the message event; handling messages alone
	// covers both.
	ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	s.handleMessage(ctx, ev, sink)
}

func (s *Source) handleMessage(ctx context.Context, ev *slackevents.MessageEvent, sink bus.MessageSink) {
	if ev.User == "" || ev.User == s.botUserID || ev.BotID != "" || ev.SubType != "" {
		return
	}

	mention := "<@" + s.botUserID + ">"
	direct := ev.ChannelType == "im" || strings.Contains(ev.Text, mention)
	content := strings.TrimSpace(strings.ReplaceAll(ev.Text, mention, ""))
	if content == "" {
		return
	}

	room := bus.RoomMessage{
		ServerTag:   s.serverTag,
		ChannelName: s.channelName(ev.Channel),
		Nick:        s.userName(ev.User),
		MyNick:      s.botNick,
		Content:     content,
		PlatformID:  ev.TimeStamp,
		ThreadID:    ev.ThreadTimeStamp,
	}

	threadTS := ev.ThreadTimeStamp
	reply := func(ctx context.Context, text string) error {
		opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
		if threadTS != "" {
			opts = append(opts, slack.MsgOptionTS(threadTS))
		}
		_, _, err := s.api.PostMessageContext(ctx, ev.Channel, opts...)
		if err != nil {
			return fmt.Errorf("slack post: %w", err)
		}
		return nil
	}
	if err := sink.HandleInbound(ctx, room, direct, reply); err != nil {
		slog.Error("inbound handling failed",
			"channel", room.ChannelName, "nick", room.Nick, "error", err)
	}
}

func (s *Source) userName(id string) string {
	if name, ok := s.userNames.Load(id); ok {
		return name.(string)
	}
	user, err := s.api.GetUserInfo(id)
	if err != nil {
		return id
	}
	name := user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = user.Name
	}
	s.userNames.Store(id, name)
	return name
}

func (s *Source) channelName(id string) string {
	if name, ok := s.chanNames.Load(id); ok {
		return name.(string)
	}
	ch, err := s.api.GetConversationInfo(&slack.GetConversationInfoInput{ChannelID: id})
	if err != nil || ch.Name == "" {
		return id
	}
	name := "#" + ch.Name
	s.chanNames.Store(id, name)
	return name
}
