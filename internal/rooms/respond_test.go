package rooms

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

var errTest = errors.New("test error")

func TestLengthPolicyAtThreshold(t *testing.T) {
	text := strings.Repeat("a", 600)
	published := false
	got := ApplyLengthPolicy(text, 600, func(string) (string, error) {
		published = true
		return "https://paste.example/x", nil
	})
	if published {
		t.Error("exactly at the limit must not publish an artifact")
	}
	if got != text {
		t.Error("text changed at the limit")
	}
}

func TestLengthPolicyOneByteOver(t *testing.T) {
	// 601 bytes with a sentence period inside the trailing window.
	text := strings.Repeat("a", 540) + ". " + strings.Repeat("b", 59)
	if len(text) != 601 {
		t.Fatalf("fixture is %d bytes", len(text))
	}
	var publishedContent string
	got := ApplyLengthPolicy(text, 600, func(content string) (string, error) {
		publishedContent = content
		return "https://paste.example/full", nil
	})
	if publishedContent != text {
		t.Error("artifact must carry the full text")
	}
	if !strings.HasSuffix(got, "... full response: https://paste.example/full") {
		t.Errorf("suffix missing: %q", got)
	}
	// Cut lands just after the period, not mid-word.
	prefix := strings.TrimSuffix(got, "... full response: https://paste.example/full")
	if prefix != strings.Repeat("a", 540)+"." {
		t.Errorf("unexpected cut: %q", prefix)
	}
}

func TestLengthPolicyWordBoundaryFallback(t *testing.T) {
	// No period anywhere; the cut falls back to the last space.
	text := strings.Repeat("a", 550) + " " + strings.Repeat("b", 100)
	got := ApplyLengthPolicy(text, 600, func(string) (string, error) {
		return "https://paste.example/full", nil
	})
	prefix := strings.TrimSuffix(got, "... full response: https://paste.example/full")
	if strings.Contains(prefix, "b") {
		t.Errorf("cut should land on the word boundary: %q", prefix[540:])
	}
}

func TestLengthPolicyRuneBoundaryCut(t *testing.T) {
	// No period or space anywhere; a raw byte cut at the limit would land
	// inside a three-byte rune.
	text := strings.Repeat("€", 250)
	got := ApplyLengthPolicy(text, 601, func(string) (string, error) {
		return "https://paste.example/full", nil
	})
	if !utf8.ValidString(got) {
		t.Fatalf("result is not valid UTF-8: %q", got)
	}
	prefix := strings.TrimSuffix(got, "... full response: https://paste.example/full")
	if !strings.HasPrefix(text, prefix) {
		t.Errorf("cut landed mid-rune: %q", prefix)
	}
	if len(prefix) != 600 {
		t.Errorf("prefix = %d bytes, want the cut backed up to the rune start", len(prefix))
	}
}

func TestLengthPolicyPublishFailure(t *testing.T) {
	text := strings.Repeat("a", 700)
	got := ApplyLengthPolicy(text, 600, func(string) (string, error) {
		return "", errTest
	})
	if got != text {
		t.Error("publish failure should leave the text alone")
	}
}

func TestStripEchoPrefix(t *testing.T) {
	cases := []struct{ in, want string }{
		{"<ambit> hello there", "hello there"},
		{"[12:34] <ambit> hello", "hello"},
		{"[12:34:56] hello", "hello"},
		{"[!s] <ambit> answer", "answer"},
		{"[12:34] [!s] <ambit> answer", "answer"},
		{"plain answer", "plain answer"},
		{`<quest id="learn-apl">Starting out.</quest>`, `<quest id="learn-apl">Starting out.</quest>`},
		{`<quest_finished id="learn-apl">Done.</quest_finished>`, `<quest_finished id="learn-apl">Done.</quest_finished>`},
	}
	for _, tc := range cases {
		if got := StripEchoPrefix(tc.in); got != tc.want {
			t.Errorf("StripEchoPrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRenderSystemPrompt(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 5, 0, 0, time.Local)
	got := RenderSystemPrompt(
		"You are {mynick}. Time: {current_time}. Lore: {lore}. Serious runs on {!s_model}.",
		"ambit", now,
		map[string]string{"lore": "keeper of the arc"},
		map[string]string{"!s": "openai:gpt-5"},
	)
	want := "You are ambit. Time: 2026-08-24 09:05. Lore: keeper of the arc. Serious runs on openai:gpt-5."
	if got != want {
		t.Errorf("rendered = %q", got)
	}
}
