package providers

import "testing"

func TestParseModelSpec(t *testing.T) {
	tests := []struct {
		in       string
		provider string
		name     string
		routing  string
		wantErr  bool
	}{
		{in: "openai:gpt-4o", provider: "openai", name: "gpt-4o"},
		{in: "anthropic:claude-sonnet-4-5", provider: "anthropic", name: "claude-sonnet-4-5"},
		{in: "openrouter:deepseek/deepseek-r1#nitro", provider: "openrouter", name: "deepseek/deepseek-r1", routing: "nitro"},
		{in: "gpt-4o", provider: "", name: "gpt-4o"},
		{in: "", wantErr: true},
		{in: "openai:", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseModelSpec(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Provider != tt.provider || got.Name != tt.name || got.Routing != tt.routing {
				t.Errorf("got %+v, want {%s %s %s}", got, tt.provider, tt.name, tt.routing)
			}
		})
	}
}

func TestModelStrCore(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"openai:gpt-4o", "gpt-4o"},
		{"openrouter:deepseek/deepseek-r1#nitro", "deepseek-r1"},
		{"claude-opus-4-1", "claude-opus-4-1"},
		{"anthropic:claude-sonnet-4-5#thinking", "claude-sonnet-4-5"},
	}
	for _, tt := range tests {
		if got := ModelStrCore(tt.in); got != tt.want {
			t.Errorf("ModelStrCore(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestModelSpecRoundTrip(t *testing.T) {
	in := "openrouter:deepseek/deepseek-r1#nitro"
	spec, err := ParseModelSpec(in)
	if err != nil {
		t.Fatal(err)
	}
	if spec.String() != in {
		t.Errorf("round trip %q -> %q", in, spec.String())
	}
}
