package config

import (
	"encoding/json"
	"fmt"
)

// FlexibleStringSlice accepts both "str" and ["str", ...] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*f = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*f = many
	return nil
}

// Config is the root configuration for the ambit gateway.
type Config struct {
	Providers ProvidersConfig       `json:"providers"`
	Database  DatabaseConfig        `json:"database"`
	Channels  ChannelsConfig        `json:"channels"`
	Rooms     map[string]RoomConfig `json:"rooms"`
	Quests    QuestsConfig          `json:"quests"`
	Tools     ToolsConfig           `json:"tools,omitempty"`
	Artifacts ArtifactsConfig       `json:"artifacts"`
	Telemetry TelemetryConfig       `json:"telemetry,omitempty"`
	Chronicle ChronicleConfig       `json:"chronicle,omitempty"`
}

// ProvidersConfig holds per-provider credentials plus the pricing table.
type ProvidersConfig struct {
	OpenAI       ProviderCreds             `json:"openai,omitempty"`
	Anthropic    ProviderCreds             `json:"anthropic,omitempty"`
	OpenAICompat map[string]CompatProvider `json:"openai_compat,omitempty"`
	// Pricing maps a core model name to dollars per million tokens.
	Pricing map[string]PricingEntry `json:"pricing,omitempty"`
}

type ProviderCreds struct {
	APIKey  string `json:"-"` // env only, never persisted
	APIBase string `json:"api_base,omitempty"`
}

// CompatProvider is an extra OpenAI-compatible endpoint (OpenRouter, Groq,
// local VLLM, ...) registered under its map key.
type CompatProvider struct {
	APIKey  string `json:"-"` // env AMBIT_PROVIDER_<NAME>_API_KEY
	APIBase string `json:"api_base"`
}

type PricingEntry struct {
	Input  float64 `json:"input"`  // $ per MTok
	Output float64 `json:"output"` // $ per MTok
}

// DatabaseConfig selects the SQL backend for the history and chronicle
// stores. Driver "sqlite" (default) uses Path; "postgres" uses DSN from env.
type DatabaseConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`
	DSN    string `json:"-"` // env AMBIT_POSTGRES_DSN only
}

// ChannelsConfig wires the transport adapters.
type ChannelsConfig struct {
	IRC     []IRCServerConfig `json:"irc,omitempty"`
	Discord DiscordConfig     `json:"discord,omitempty"`
	Slack   SlackConfig       `json:"slack,omitempty"`
}

type IRCServerConfig struct {
	Name             string   `json:"name"` // server tag, e.g. "libera"
	Addr             string   `json:"addr"` // host:port
	TLS              bool     `json:"tls,omitempty"`
	Nick             string   `json:"nick"`
	Channels         []string `json:"channels"`
	NickServPassword string   `json:"-"` // env AMBIT_IRC_<NAME>_PASSWORD
}

type DiscordConfig struct {
	Token     string `json:"-"` // env AMBIT_DISCORD_TOKEN
	ServerTag string `json:"server_tag,omitempty"`
}

type SlackConfig struct {
	BotToken  string `json:"-"` // env AMBIT_SLACK_BOT_TOKEN
	AppToken  string `json:"-"` // env AMBIT_SLACK_APP_TOKEN
	ServerTag string `json:"server_tag,omitempty"`
}

// RoomConfig is one room's command + proactive policy. The "common" room is
// merged under every other room.
type RoomConfig struct {
	PromptVars map[string]string `json:"prompt_vars,omitempty"`
	Command    CommandConfig     `json:"command"`
	Proactive  ProactiveConfig   `json:"proactive"`
}

// CommandConfig is the per-room command policy.
type CommandConfig struct {
	HistorySize      int               `json:"history_size,omitempty"`
	ResponseMaxBytes int               `json:"response_max_bytes,omitempty"`
	Debounce         float64           `json:"debounce,omitempty"` // seconds
	RateLimit        int               `json:"rate_limit,omitempty"`
	RatePeriod       float64           `json:"rate_period,omitempty"` // seconds
	DefaultMode      string            `json:"default_mode,omitempty"`
	ChannelModes     map[string]string `json:"channel_modes,omitempty"`
	IgnoreUsers      []string          `json:"ignore_users,omitempty"`
	Modes            []ModeConfig      `json:"modes,omitempty"`
	ModeClassifier   ClassifierConfig  `json:"mode_classifier"`
	// PersistenceModel, when set, summarizes tool activity into an
	// "[internal monologue]" history entry after each run.
	PersistenceModel string `json:"persistence_model,omitempty"`
	// ReducerModel compresses long contexts for modes with
	// auto_reduce_context.
	ReducerModel string `json:"reducer_model,omitempty"`
}

// ModeConfig describes one command mode. Modes and triggers are ordered
// lists: the first trigger of a mode is its default trigger.
type ModeConfig struct {
	Name                  string              `json:"name"`
	Models                FlexibleStringSlice `json:"model"`
	Prompt                string              `json:"prompt"`
	ReasoningEffort       string              `json:"reasoning_effort,omitempty"`
	Steering              *bool               `json:"steering,omitempty"`      // default true
	AllowedTools          []string            `json:"allowed_tools,omitempty"` // nil = all
	HistorySize           int                 `json:"history_size,omitempty"`
	IncludeChapterSummary bool                `json:"include_chapter_summary,omitempty"`
	AutoReduceContext     bool                `json:"auto_reduce_context,omitempty"`
	VisionModel           string              `json:"vision_model,omitempty"`
	RefusalFallbackModel  string              `json:"refusal_fallback_model,omitempty"`
	Triggers              []TriggerConfig     `json:"triggers"`
}

// TriggerConfig is one !-token trigger with optional per-trigger overrides.
type TriggerConfig struct {
	Token           string              `json:"token"` // e.g. "!s"
	Model           string              `json:"model,omitempty"`
	ReasoningEffort string              `json:"reasoning_effort,omitempty"`
	AllowedTools    FlexibleStringSlice `json:"allowed_tools,omitempty"`
	Steering        *bool               `json:"steering,omitempty"`
}

// ClassifierConfig configures the mode classifier. Labels are ordered; the
// first label is the fallback unless FallbackLabel is set.
type ClassifierConfig struct {
	Model         string           `json:"model"`
	Prompt        string           `json:"prompt,omitempty"`
	Labels        []ClassifierRule `json:"labels"`
	FallbackLabel string           `json:"fallback_label,omitempty"`
}

type ClassifierRule struct {
	Label   string `json:"label"`
	Trigger string `json:"trigger"`
}

// ProactiveConfig configures the proactive interjection runner.
type ProactiveConfig struct {
	Interjecting       []string            `json:"interjecting,omitempty"` // channel keys
	DebounceSeconds    float64             `json:"debounce_seconds,omitempty"`
	HistorySize        int                 `json:"history_size,omitempty"`
	RateLimit          int                 `json:"rate_limit,omitempty"`
	RatePeriod         float64             `json:"rate_period,omitempty"`
	InterjectThreshold int                 `json:"interject_threshold,omitempty"` // 0-10
	Models             ProactiveModels     `json:"models"`
	Prompts            ProactivePrompts    `json:"prompts"`
}

type ProactiveModels struct {
	Validation FlexibleStringSlice `json:"validation"`
	Serious    string              `json:"serious"`
}

type ProactivePrompts struct {
	Interject    string `json:"interject"`     // template with {message}
	SeriousExtra string `json:"serious_extra"` // system prompt suffix
}

// QuestsConfig configures the quest heartbeat runtime.
type QuestsConfig struct {
	Arcs            []string `json:"arcs,omitempty"` // allowlist; empty = all
	CooldownSeconds float64  `json:"cooldown_seconds,omitempty"`
	// Model used for quest steps; empty reuses the serious mode's model.
	StepModel string `json:"step_model,omitempty"`
}

// ToolsConfig holds credentials and knobs for the built-in tools.
type ToolsConfig struct {
	BraveAPIKey string `json:"-"` // env AMBIT_BRAVE_API_KEY
	// OracleModel backs the oracle tool; empty disables it.
	OracleModel string `json:"oracle_model,omitempty"`
	// ImageModel backs the generate_image tool; empty disables it.
	ImageModel string `json:"image_model,omitempty"`
	// CodeWorkDir enables the execute_code sandbox when set.
	CodeWorkDir string `json:"code_work_dir,omitempty"`
}

// ArtifactsConfig is where long responses and shared artifacts land.
type ArtifactsConfig struct {
	Dir     string `json:"dir,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// TelemetryConfig enables OTLP trace export when an endpoint is set.
type TelemetryConfig struct {
	Endpoint string `json:"endpoint,omitempty"` // host:port
	Protocol string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure bool   `json:"insecure,omitempty"`
}

// ChronicleConfig holds auto-chronicler settings shared across arcs.
type ChronicleConfig struct {
	// Model used to produce summary paragraphs.
	Model string `json:"model,omitempty"`
	// ChapterMaxParagraphs rolls a chapter after this many paragraphs.
	ChapterMaxParagraphs int `json:"chapter_max_paragraphs,omitempty"`
	// MessagesThreshold is how many unchronicled messages must accumulate
	// before the auto-chronicler condenses them into a paragraph.
	MessagesThreshold int `json:"messages_threshold,omitempty"`
}

// Mode returns the mode with the given name, or nil.
func (c *CommandConfig) Mode(name string) *ModeConfig {
	for i := range c.Modes {
		if c.Modes[i].Name == name {
			return &c.Modes[i]
		}
	}
	return nil
}

// Validate checks cross-references the resolver depends on. Called at load;
// failures are fatal.
func (c *CommandConfig) Validate() error {
	seen := make(map[string]bool)
	triggerMode := make(map[string]string)
	for i := range c.Modes {
		mode := &c.Modes[i]
		if mode.Name == "" {
			return fmt.Errorf("command mode %d has no name", i)
		}
		if seen[mode.Name] {
			return fmt.Errorf("duplicate command mode %q", mode.Name)
		}
		seen[mode.Name] = true
		if len(mode.Triggers) == 0 {
			return fmt.Errorf("mode %q must define at least one trigger", mode.Name)
		}
		for _, trig := range mode.Triggers {
			if len(trig.Token) < 2 || trig.Token[0] != '!' {
				return fmt.Errorf("invalid trigger %q for mode %q", trig.Token, mode.Name)
			}
			if _, dup := triggerMode[trig.Token]; dup {
				return fmt.Errorf("duplicate trigger %q in command mode config", trig.Token)
			}
			triggerMode[trig.Token] = mode.Name
		}
	}
	if len(c.Modes) > 0 {
		if len(c.ModeClassifier.Labels) == 0 {
			return fmt.Errorf("command.mode_classifier.labels must not be empty")
		}
		labels := make(map[string]bool)
		for _, rule := range c.ModeClassifier.Labels {
			if _, ok := triggerMode[rule.Trigger]; !ok {
				return fmt.Errorf("classifier label %q points to unknown trigger %q", rule.Label, rule.Trigger)
			}
			labels[rule.Label] = true
		}
		if fb := c.ModeClassifier.FallbackLabel; fb != "" && !labels[fb] {
			return fmt.Errorf("classifier fallback label %q is not defined", fb)
		}
	}
	return nil
}
