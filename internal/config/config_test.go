package config

import "testing"

func boolPtr(b bool) *bool { return &b }

func sampleCommand() CommandConfig {
	return CommandConfig{
		Modes: []ModeConfig{
			{
				Name:   "serious",
				Models: FlexibleStringSlice{"anthropic:claude-sonnet-4-5"},
				Prompt: "You are {mynick}.",
				Triggers: []TriggerConfig{
					{Token: "!s"},
					{Token: "!S", ReasoningEffort: "high"},
				},
			},
			{
				Name:     "sarcastic",
				Models:   FlexibleStringSlice{"openai:gpt-4o"},
				Prompt:   "Snark away.",
				Steering: boolPtr(false),
				Triggers: []TriggerConfig{{Token: "!x"}},
			},
		},
		ModeClassifier: ClassifierConfig{
			Model: "openai:gpt-4o-mini",
			Labels: []ClassifierRule{
				{Label: "SERIOUS", Trigger: "!s"},
				{Label: "SARCASTIC", Trigger: "!x"},
			},
		},
	}
}

func TestCommandValidate(t *testing.T) {
	cmd := sampleCommand()
	if err := cmd.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	t.Run("duplicate trigger", func(t *testing.T) {
		cmd := sampleCommand()
		cmd.Modes[1].Triggers = append(cmd.Modes[1].Triggers, TriggerConfig{Token: "!s"})
		if err := cmd.Validate(); err == nil {
			t.Fatal("duplicate trigger should fail validation")
		}
	})

	t.Run("mode without triggers", func(t *testing.T) {
		cmd := sampleCommand()
		cmd.Modes[0].Triggers = nil
		if err := cmd.Validate(); err == nil {
			t.Fatal("mode without triggers should fail validation")
		}
	})

	t.Run("classifier label to unknown trigger", func(t *testing.T) {
		cmd := sampleCommand()
		cmd.ModeClassifier.Labels[0].Trigger = "!nope"
		if err := cmd.Validate(); err == nil {
			t.Fatal("unknown classifier target should fail validation")
		}
	})

	t.Run("bad fallback label", func(t *testing.T) {
		cmd := sampleCommand()
		cmd.ModeClassifier.FallbackLabel = "MISSING"
		if err := cmd.Validate(); err == nil {
			t.Fatal("undefined fallback label should fail validation")
		}
	})

	t.Run("invalid trigger token", func(t *testing.T) {
		cmd := sampleCommand()
		cmd.Modes[0].Triggers[0].Token = "s"
		if err := cmd.Validate(); err == nil {
			t.Fatal("trigger without ! prefix should fail validation")
		}
	})
}

func TestMergeRoomConfig(t *testing.T) {
	base := RoomConfig{
		PromptVars: map[string]string{"lore": "base lore. ", "style": "dry"},
		Command: CommandConfig{
			HistorySize: 15,
			IgnoreUsers: []string{"spambot"},
			ChannelModes: map[string]string{
				"libera#general": "classifier",
			},
		},
	}
	override := RoomConfig{
		PromptVars: map[string]string{"lore": "room lore."},
		Command: CommandConfig{
			ResponseMaxBytes: 400,
			IgnoreUsers:      []string{"otherbot"},
			ChannelModes: map[string]string{
				"libera#dev": "!s",
			},
		},
	}

	merged := MergeRoomConfig(base, override)

	if merged.PromptVars["lore"] != "base lore. room lore." {
		t.Errorf("prompt_vars should concatenate, got %q", merged.PromptVars["lore"])
	}
	if merged.PromptVars["style"] != "dry" {
		t.Errorf("unrelated prompt_vars should survive, got %q", merged.PromptVars["style"])
	}
	if got := merged.Command.IgnoreUsers; len(got) != 2 || got[0] != "spambot" || got[1] != "otherbot" {
		t.Errorf("ignore_users should concatenate, got %v", got)
	}
	if merged.Command.HistorySize != 15 {
		t.Errorf("base history_size should survive, got %d", merged.Command.HistorySize)
	}
	if merged.Command.ResponseMaxBytes != 400 {
		t.Errorf("override response_max_bytes should win, got %d", merged.Command.ResponseMaxBytes)
	}
	if len(merged.Command.ChannelModes) != 2 {
		t.Errorf("channel_modes should union, got %v", merged.Command.ChannelModes)
	}
}

func TestApplyDefaults(t *testing.T) {
	room := RoomConfig{}
	room.applyDefaults()

	if room.Command.ResponseMaxBytes != 600 {
		t.Errorf("response_max_bytes default = %d, want 600", room.Command.ResponseMaxBytes)
	}
	if room.Command.RateLimit != 30 || room.Command.RatePeriod != 900 {
		t.Errorf("rate defaults = %d/%v, want 30/900", room.Command.RateLimit, room.Command.RatePeriod)
	}
	if room.Command.Debounce != 0 {
		t.Errorf("debounce default = %v, want 0", room.Command.Debounce)
	}
	if room.Proactive.DebounceSeconds != 15 || room.Proactive.RateLimit != 10 ||
		room.Proactive.RatePeriod != 3600 || room.Proactive.InterjectThreshold != 7 {
		t.Errorf("proactive defaults wrong: %+v", room.Proactive)
	}
}

func TestFlexibleStringSlice(t *testing.T) {
	var mode ModeConfig
	// Model may be a bare string or a list.
	if err := mode.Models.UnmarshalJSON([]byte(`"openai:gpt-4o"`)); err != nil {
		t.Fatal(err)
	}
	if len(mode.Models) != 1 || mode.Models[0] != "openai:gpt-4o" {
		t.Errorf("scalar model parse: %v", mode.Models)
	}
	if err := mode.Models.UnmarshalJSON([]byte(`["a", "b"]`)); err != nil {
		t.Fatal(err)
	}
	if len(mode.Models) != 2 {
		t.Errorf("list model parse: %v", mode.Models)
	}
}
