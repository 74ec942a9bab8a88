package rooms

import (
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultResponseMaxBytes caps a chat response before it is diverted to an
// artifact link.
const DefaultResponseMaxBytes = 600

// trimSearchWindow is how far back from the cut point we look for a
// sentence period or word boundary.
const trimSearchWindow = 100

// ApplyLengthPolicy returns text unchanged when it fits maxBytes (UTF-8
// bytes). Otherwise it publishes the full text through publish and returns
// a trimmed prefix ending in the artifact link. The cut lands on the last
// period or space within the trailing window so words survive intact.
func ApplyLengthPolicy(text string, maxBytes int, publish func(content string) (string, error)) string {
	if maxBytes <= 0 {
		maxBytes = DefaultResponseMaxBytes
	}
	if len(text) <= maxBytes {
		return text
	}
	if publish == nil {
		return text
	}

	url, err := publish(text)
	if err != nil {
		slog.Warn("long response could not be published as artifact", "error", err)
		return text
	}

	cut := maxBytes
	windowStart := cut - trimSearchWindow
	if windowStart < 0 {
		windowStart = 0
	}
	window := text[windowStart:cut]
	if i := strings.LastIndexByte(window, '.'); i >= 0 {
		cut = windowStart + i + 1
	} else if i := strings.LastIndexByte(window, ' '); i >= 0 {
		cut = windowStart + i
	} else {
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
	}
	return strings.TrimRight(text[:cut], " ") + "... full response: " + url
}

// echoPrefixRe strips IRC-style echo prefixes a model sometimes parrots
// back: an optional [hh:mm] or [hh:mm:ss] timestamp, an optional [!trigger]
// tag, and an optional <nick> envelope. The nick alternation rejects
// whitespace inside the brackets so <quest id="..."> and
// <quest_finished id="..."> payloads pass through untouched.
var echoPrefixRe = regexp.MustCompile(
	`^\s*(?:\[\d{1,2}:\d{2}(?::\d{2})?\]\s*)?(?:\[![^\[\]\s]+\]\s*)?(?:<[^<>\s]{1,32}>\s*)?`)

// StripEchoPrefix removes one leading echo prefix from a response.
func StripEchoPrefix(text string) string {
	return echoPrefixRe.ReplaceAllString(text, "")
}

// RenderSystemPrompt substitutes the prompt placeholders: {mynick},
// {current_time} (local, minute resolution), room prompt_vars, and
// {!<trigger>_model} for every configured trigger.
func RenderSystemPrompt(prompt, mynick string, now time.Time, vars map[string]string, triggerModels map[string]string) string {
	out := strings.ReplaceAll(prompt, "{mynick}", mynick)
	out = strings.ReplaceAll(out, "{current_time}", now.Format("2006-01-02 15:04"))
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	for token, model := range triggerModels {
		out = strings.ReplaceAll(out, "{"+token+"_model}", model)
	}
	return out
}
