package quests

import "testing"

func TestParseParagraph(t *testing.T) {
	cases := []struct {
		name     string
		text     string
		id       string
		finished bool
		ok       bool
	}{
		{"plain", "nothing to see here", "", false, false},
		{"open", `Alice kicked off <quest id="rust-gc">research garbage collectors</quest>.`, "rust-gc", false, true},
		{"finished", `All done. <quest_finished id="rust-gc">wrapped up</quest_finished>`, "rust-gc", true, true},
		{"case insensitive", `<QUEST ID="Mixed.Case">x</QUEST>`, "Mixed.Case", false, true},
		{"spaced tag", `< quest id="padded" >body`, "padded", false, true},
		{"finish wins over open", `<quest id="a">y</quest> <quest_finished id="b">z</quest_finished>`, "b", true, true},
		{"angle brackets without markup", "use <vector> for this", "", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, finished, ok := ParseParagraph(tc.text)
			if id != tc.id || finished != tc.finished || ok != tc.ok {
				t.Errorf("ParseParagraph(%q) = (%q, %v, %v), want (%q, %v, %v)",
					tc.text, id, finished, ok, tc.id, tc.finished, tc.ok)
			}
		})
	}
}

func TestParentID(t *testing.T) {
	cases := []struct{ id, parent string }{
		{"top", ""},
		{"top.child", "top"},
		{"top.child.grand", "top.child"},
	}
	for _, tc := range cases {
		if got := ParentID(tc.id); got != tc.parent {
			t.Errorf("ParentID(%q) = %q, want %q", tc.id, got, tc.parent)
		}
	}
}
