package agent

import "testing"

func TestIsRefusal(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"empty", "", false},
		{"plain answer", "The capital of France is Paris.", false},
		{"structured refusal", `{"is_refusal": true, "reason": "policy"}`, true},
		{"structured refusal upper", `{"IS_REFUSAL": TRUE}`, true},
		{"english refusal", "The AI refused to respond to this request.", true},
		{"english refusal mixed case", "the ai REFUSED to respond to this request", true},
		{"content safety", "Error: content safety refusal", true},
		{
			"invalid prompt near safety",
			"error code: invalid_prompt - your prompt was flagged and blocked for safety reasons",
			true,
		},
		{
			"invalid prompt too far from safety",
			"invalid_prompt " + string(make([]byte, 300)) + " safety reasons",
			false,
		},
		{"safety reasons alone", "We discussed safety reasons for seatbelts.", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRefusal(tt.text); got != tt.want {
				t.Errorf("IsRefusal(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestNormalizeThinking(t *testing.T) {
	tests := []struct{ in, want string }{
		{"off", "off"},
		{"high", "high"},
		{"xhigh", "xhigh"},
		{"", "minimal"},
		{"ultrathink", "minimal"},
	}
	for _, tt := range tests {
		if got := NormalizeThinking(tt.in); got != tt.want {
			t.Errorf("NormalizeThinking(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
