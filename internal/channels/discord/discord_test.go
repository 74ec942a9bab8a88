package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestStripMention(t *testing.T) {
	cases := []struct{ in, want string }{
		{"<@123> hello", " hello"},
		{"<@!123> hello", " hello"},
		{"no mention here", "no mention here"},
		{"<@456> other bot", "<@456> other bot"},
	}
	for _, tc := range cases {
		if got := stripMention(tc.in, "123"); got != tc.want {
			t.Errorf("stripMention(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{Username: "alice", GlobalName: "Alice G"},
		Member: &discordgo.Member{Nick: "server-alice"},
	}}
	if got := displayName(m); got != "server-alice" {
		t.Errorf("got %q, want server nickname", got)
	}
	m.Member = nil
	if got := displayName(m); got != "Alice G" {
		t.Errorf("got %q, want global name", got)
	}
	m.Author.GlobalName = ""
	if got := displayName(m); got != "alice" {
		t.Errorf("got %q, want username", got)
	}
}
