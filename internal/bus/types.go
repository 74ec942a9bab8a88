// Package bus defines the message types exchanged between transport
// adapters (IRC, Slack, Discord) and the room command pipeline.
package bus

import "context"

// RoomMessage represents one conversational event, inbound or outbound,
// already cleaned of surface-specific markup.
type RoomMessage struct {
	ServerTag   string `json:"server_tag"`   // opaque per transport, e.g. "slack:Rossum"
	ChannelName string `json:"channel_name"`
	Nick        string `json:"nick"`   // sender display name
	MyNick      string `json:"mynick"` // bot's display name on that surface
	Content     string `json:"content"`

	PlatformID      string `json:"platform_id,omitempty"` // transport message id
	ThreadID        string `json:"thread_id,omitempty"`
	ThreadStarterID int64  `json:"thread_starter_id,omitempty"` // history row that started the thread
	ResponseThread  string `json:"response_thread_id,omitempty"`

	// Secrets is an opaque key-value bag propagated to tool executors.
	Secrets map[string]string `json:"-"`
}

// Arc returns the stable conversation identifier for the message.
func (m RoomMessage) Arc() string {
	return m.ServerTag + "#" + m.ChannelName
}

// WithBotReply returns a copy of m re-addressed as the bot speaking, used
// when persisting the bot's own responses to history.
func (m RoomMessage) WithBotReply(content string) RoomMessage {
	out := m
	out.Nick = m.MyNick
	out.Content = content
	out.PlatformID = ""
	return out
}

// ContextMessage is one chat-completion context entry.
type ContextMessage struct {
	Role    string `json:"role"` // "user" | "assistant" | "system"
	Content string `json:"content"`
}

// ReplySender delivers one outbound line to the surface the triggering
// message came from.
type ReplySender func(ctx context.Context, text string) error

// MessageSource is implemented by transport adapters. Run blocks until the
// context is cancelled, delivering inbound events through the sink.
type MessageSource interface {
	Name() string
	Run(ctx context.Context, sink MessageSink) error
}

// MessageSink receives inbound room events from a transport adapter.
// Direct is true when the message addresses the bot (highlight, command
// prefix, DM); everything else flows in as passive ambient chatter.
type MessageSink interface {
	HandleInbound(ctx context.Context, msg RoomMessage, direct bool, reply ReplySender) error
}
