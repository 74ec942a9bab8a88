// Package quests detects quest markup in chronicle paragraphs, keeps the
// quest ledger current, and drives periodic heartbeat steps for ongoing
// quests.
package quests

import (
	"regexp"
	"strings"
)

var (
	questOpenRe     = regexp.MustCompile(`(?i)<\s*quest\s+id="([^"]+)"\s*>`)
	questFinishedRe = regexp.MustCompile(`(?i)<\s*quest_finished\s+id="([^"]+)"\s*>`)
)

// ParseParagraph scans a paragraph for quest markup. A finish tag wins over
// an open tag when both appear. Returns ok=false when the paragraph carries
// no quest markup.
func ParseParagraph(text string) (id string, finished, ok bool) {
	if m := questFinishedRe.FindStringSubmatch(text); m != nil {
		return m[1], true, true
	}
	if m := questOpenRe.FindStringSubmatch(text); m != nil {
		return m[1], false, true
	}
	return "", false, false
}

// ParentID extracts the parent quest from a dotted id: everything before
// the last dot, or "" for top-level quests.
func ParentID(id string) string {
	if i := strings.LastIndex(id, "."); i >= 0 {
		return id[:i]
	}
	return ""
}
