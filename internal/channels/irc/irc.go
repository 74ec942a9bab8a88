// Package irc is a minimal RFC 1459 client adapter. It speaks just enough
// of the protocol to register, join channels, answer PING, and relay
// PRIVMSG traffic; no IRCv3 capability negotiation.
package irc

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ambitchat/ambit/internal/bus"
	"github.com/ambitchat/ambit/internal/config"
)

const (
	dialTimeout = 30 * time.Second
	// Lines larger than this risk server-side truncation after the
	// PRIVMSG envelope is added.
	maxLineBytes = 420
	// Courtesy pause between consecutive outbound lines.
	sendPause = 600 * time.Millisecond
)

// Source is one IRC server connection.
type Source struct {
	cfg config.IRCServerConfig

	mu   sync.Mutex
	conn net.Conn
}

func New(cfg config.IRCServerConfig) *Source {
	return &Source{cfg: cfg}
}

func (s *Source) Name() string { return "irc:" + s.cfg.Name }

// Run connects, registers, joins the configured channels, and pumps the
// read loop until the connection drops or ctx is cancelled. Reconnects are
// the supervisor's job: Run returns on any failure.
func (s *Source) Run(ctx context.Context, sink bus.MessageSink) error {
	dialer := &net.Dialer{Timeout: dialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if s.cfg.TLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", s.cfg.Addr, nil)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	}
	if err != nil {
		return fmt.Errorf("irc dial %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	if err := s.rawf("NICK %s", s.cfg.Nick); err != nil {
		return err
	}
	if err := s.rawf("USER %s 0 * :%s", s.cfg.Nick, s.cfg.Nick); err != nil {
		return err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 16384)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		msg, ok := parseLine(line)
		if !ok {
			continue
		}
		switch msg.Command {
		case "PING":
			if err := s.rawf("PONG :%s", msg.Trailing); err != nil {
				return err
			}
		case "001": // welcome: registration done
			s.onRegistered()
		case "433": // nick in use
			return fmt.Errorf("irc nick %q in use on %s", s.cfg.Nick, s.cfg.Name)
		case "PRIVMSG":
			s.handlePrivmsg(ctx, msg, sink)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("irc read %s: %w", s.cfg.Name, err)
	}
	return fmt.Errorf("irc connection to %s closed", s.cfg.Name)
}

func (s *Source) onRegistered() {
	if s.cfg.NickServPassword != "" {
		if err := s.rawf("PRIVMSG NickServ :IDENTIFY %s", s.cfg.NickServPassword); err != nil {
			slog.Warn("nickserv identify failed", "server", s.cfg.Name, "error", err)
		}
	}
	for _, ch := range s.cfg.Channels {
		if err := s.rawf("JOIN %s", ch); err != nil {
			slog.Warn("channel join failed", "server", s.cfg.Name, "channel", ch, "error", err)
		}
	}
	slog.Info("irc registered", "server", s.cfg.Name, "nick", s.cfg.Nick, "channels", s.cfg.Channels)
}

func (s *Source) handlePrivmsg(ctx context.Context, msg ircMessage, sink bus.MessageSink) {
	nick := prefixNick(msg.Prefix)
	if nick == "" || strings.EqualFold(nick, s.cfg.Nick) {
		return
	}
	if len(msg.Params) == 0 {
		return
	}
	target := msg.Params[0]
	content := stripFormatting(msg.Trailing)

	// CTCP (incl. ACTION) is not conversational text.
	if strings.HasPrefix(content, "\x01") {
		return
	}

	isDM := !strings.HasPrefix(target, "#")
	direct := isDM
	if !isDM {
		if rest, addressed := strip(content, s.cfg.Nick); addressed {
			direct = true
			content = rest
		}
	}
	if content == "" {
		return
	}

	channel := target
	if isDM {
		channel = nick
	}
	room := bus.RoomMessage{
		ServerTag:   s.cfg.Name,
		ChannelName: channel,
		Nick:        nick,
		MyNick:      s.cfg.Nick,
		Content:     content,
	}
	reply := func(_ context.Context, text string) error {
		return s.Privmsg(channel, text)
	}
	if err := sink.HandleInbound(ctx, room, direct, reply); err != nil {
		slog.Error("inbound handling failed",
			"server", s.cfg.Name, "channel", channel, "nick", nick, "error", err)
	}
}

// Privmsg sends text to a channel or nick, splitting on newlines and long
// lines, with a courtesy pause between lines.
func (s *Source) Privmsg(target, text string) error {
	lines := splitMessage(text, maxLineBytes)
	for i, line := range lines {
		if i > 0 {
			time.Sleep(sendPause)
		}
		if err := s.rawf("PRIVMSG %s :%s", target, line); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) rawf(format string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("irc %s: not connected", s.cfg.Name)
	}
	_, err := fmt.Fprintf(s.conn, format+"\r\n", args...)
	return err
}

// ircMessage is one parsed server line.
type ircMessage struct {
	Prefix   string
	Command  string
	Params   []string
	Trailing string
}

// parseLine splits ":prefix COMMAND params :trailing".
func parseLine(line string) (ircMessage, bool) {
	var msg ircMessage
	if line == "" {
		return msg, false
	}
	if line[0] == ':' {
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return msg, false
		}
		msg.Prefix = line[1:sp]
		line = line[sp+1:]
	}
	if i := strings.Index(line, " :"); i >= 0 {
		msg.Trailing = line[i+2:]
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return msg, false
	}
	msg.Command = strings.ToUpper(fields[0])
	if len(fields) > 1 {
		msg.Params = fields[1:]
	}
	return msg, true
}

// prefixNick extracts the nick from "nick!user@host".
func prefixNick(prefix string) string {
	if i := strings.IndexByte(prefix, '!'); i >= 0 {
		return prefix[:i]
	}
	return prefix
}

// strip removes a leading "nick:" or "nick," address from content.
// Returns the remainder and whether the line addressed the nick.
func strip(content, nick string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	lower := strings.ToLower(trimmed)
	prefix := strings.ToLower(nick)
	if !strings.HasPrefix(lower, prefix) {
		return content, false
	}
	rest := trimmed[len(nick):]
	if rest == "" {
		return "", true
	}
	if rest[0] != ':' && rest[0] != ',' {
		return content, false
	}
	return strings.TrimSpace(rest[1:]), true
}

// stripFormatting drops mIRC color/formatting control codes.
func stripFormatting(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case 0x02, 0x0f, 0x16, 0x1d, 0x1f: // bold, reset, reverse, italic, underline
		case 0x03: // color: optional fg[,bg] digits follow
			for j := 0; j < 2 && i+1 < len(s) && isDigit(s[i+1]); j++ {
				i++
			}
			if i+2 < len(s) && s[i+1] == ',' && isDigit(s[i+2]) {
				i += 2
				if i+1 < len(s) && isDigit(s[i+1]) {
					i++
				}
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// splitMessage breaks text into IRC-sized lines, preferring newline and
// space boundaries.
func splitMessage(text string, maxBytes int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " ")
		if line == "" {
			continue
		}
		for len(line) > maxBytes {
			cut := maxBytes
			if i := strings.LastIndexByte(line[:maxBytes], ' '); i > maxBytes/2 {
				cut = i
			}
			out = append(out, strings.TrimRight(line[:cut], " "))
			line = strings.TrimLeft(line[cut:], " ")
		}
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
