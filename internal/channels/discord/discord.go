// Package discord adapts Discord gateway events to room messages.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/ambitchat/ambit/internal/bus"
	"github.com/ambitchat/ambit/internal/config"
)

// Discord rejects messages over 2000 characters.
const maxMessageLen = 2000

// Source connects to the Discord gateway and relays guild and DM traffic.
type Source struct {
	cfg       config.DiscordConfig
	serverTag string

	session   *discordgo.Session
	botUserID string
	botNick   string
	chanNames sync.Map // channelID -> display name
}

func New(cfg config.DiscordConfig) (*Source, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token not configured")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	tag := cfg.ServerTag
	if tag == "" {
		tag = "discord"
	}
	return &Source{cfg: cfg, serverTag: "discord:" + tag, session: session}, nil
}

func (s *Source) Name() string { return s.serverTag }

// Run opens the gateway session and relays events until ctx is cancelled.
func (s *Source) Run(ctx context.Context, sink bus.MessageSink) error {
	remove := s.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		s.handleMessage(ctx, m, sink)
	})
	defer remove()

	if err := s.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	defer s.session.Close()

	me, err := s.session.User("@me")
	if err != nil {
		return fmt.Errorf("fetch discord identity: %w", err)
	}
	s.botUserID = me.ID
	s.botNick = me.Username
	slog.Info("discord connected", "username", me.Username, "id", me.ID)

	<-ctx.Done()
	return ctx.Err()
}

func (s *Source) handleMessage(ctx context.Context, m *discordgo.MessageCreate, sink bus.MessageSink) {
	if m.Author == nil || m.Author.ID == s.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == s.botUserID {
			mentioned = true
			break
		}
	}

	content := strings.TrimSpace(stripMention(m.Content, s.botUserID))
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += "[attachment: " + att.URL + "]"
	}
	if content == "" {
		return
	}

	room := bus.RoomMessage{
		ServerTag:   s.serverTag,
		ChannelName: s.channelName(m.ChannelID),
		Nick:        displayName(m),
		MyNick:      s.botNick,
		Content:     content,
		PlatformID:  m.ID,
	}
	if ch, err := s.channel(m.ChannelID); err == nil && ch.IsThread() {
		room.ThreadID = ch.ID
	}

	reply := func(_ context.Context, text string) error {
		return s.sendChunked(m.ChannelID, text)
	}
	if err := sink.HandleInbound(ctx, room, isDM || mentioned, reply); err != nil {
		slog.Error("inbound handling failed",
			"channel", room.ChannelName, "nick", room.Nick, "error", err)
	}
}

// sendChunked splits content at the Discord message limit, preferring
// newline boundaries.
func (s *Source) sendChunked(channelID, content string) error {
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cut := maxMessageLen
			if i := strings.LastIndexByte(content[:maxMessageLen], '\n'); i > maxMessageLen/2 {
				cut = i + 1
			}
			chunk = content[:cut]
			content = content[cut:]
		} else {
			content = ""
		}
		if _, err := s.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

func (s *Source) channel(id string) (*discordgo.Channel, error) {
	if ch, err := s.session.State.Channel(id); err == nil {
		return ch, nil
	}
	return s.session.Channel(id)
}

// channelName resolves a channel id to "#name", falling back to the raw id
// for DMs and lookup failures. Names are cached.
func (s *Source) channelName(id string) string {
	if name, ok := s.chanNames.Load(id); ok {
		return name.(string)
	}
	ch, err := s.channel(id)
	if err != nil || ch.Name == "" {
		return id
	}
	name := "#" + ch.Name
	s.chanNames.Store(id, name)
	return name
}

// stripMention removes <@id> and <@!id> references to the bot.
func stripMention(content, botID string) string {
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	return strings.ReplaceAll(content, "<@!"+botID+">", "")
}

// displayName prefers server nickname, then global name, then username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
