package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "~/.ambit/ambit.db",
		},
		Artifacts: ArtifactsConfig{
			Dir: "~/.ambit/artifacts",
		},
		Chronicle: ChronicleConfig{
			ChapterMaxParagraphs: 50,
			MessagesThreshold:    50,
		},
		Quests: QuestsConfig{
			CooldownSeconds: 60,
		},
		Rooms: map[string]RoomConfig{},
	}
}

// Load reads config from a JSON5 file, then overlays env vars and applies
// per-room defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.expandPaths()

	for name, room := range cfg.Rooms {
		if name == "common" {
			continue
		}
		merged := MergeRoomConfig(cfg.Rooms["common"], room)
		merged.applyDefaults()
		if err := merged.Command.Validate(); err != nil {
			return nil, fmt.Errorf("room %q: %w", name, err)
		}
		cfg.Rooms[name] = merged
	}

	return cfg, nil
}

// Room returns the merged room config for name; falls back to "common"
// alone when the room is not declared.
func (c *Config) Room(name string) RoomConfig {
	if room, ok := c.Rooms[name]; ok && name != "common" {
		return room
	}
	room := MergeRoomConfig(RoomConfig{}, c.Rooms["common"])
	room.applyDefaults()
	return room
}

func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("AMBIT_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("AMBIT_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("AMBIT_POSTGRES_DSN", &c.Database.DSN)
	envStr("AMBIT_BRAVE_API_KEY", &c.Tools.BraveAPIKey)
	envStr("AMBIT_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("AMBIT_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("AMBIT_SLACK_APP_TOKEN", &c.Channels.Slack.AppToken)

	for name, compat := range c.Providers.OpenAICompat {
		key := "AMBIT_PROVIDER_" + strings.ToUpper(name) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			compat.APIKey = v
			c.Providers.OpenAICompat[name] = compat
		}
	}
	for i := range c.Channels.IRC {
		key := "AMBIT_IRC_" + strings.ToUpper(c.Channels.IRC[i].Name) + "_PASSWORD"
		if v := os.Getenv(key); v != "" {
			c.Channels.IRC[i].NickServPassword = v
		}
	}
}

func (c *Config) expandPaths() {
	c.Database.Path = expandHome(c.Database.Path)
	c.Artifacts.Dir = expandHome(c.Artifacts.Dir)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// applyDefaults fills the documented defaults on a merged room config.
func (r *RoomConfig) applyDefaults() {
	cmd := &r.Command
	if cmd.HistorySize <= 0 {
		cmd.HistorySize = 20
	}
	if cmd.ResponseMaxBytes <= 0 {
		cmd.ResponseMaxBytes = 600
	}
	if cmd.RateLimit <= 0 {
		cmd.RateLimit = 30
	}
	if cmd.RatePeriod <= 0 {
		cmd.RatePeriod = 900
	}
	if cmd.DefaultMode == "" {
		cmd.DefaultMode = "classifier"
	}

	pro := &r.Proactive
	if pro.DebounceSeconds <= 0 {
		pro.DebounceSeconds = 15
	}
	if pro.HistorySize <= 0 {
		pro.HistorySize = cmd.HistorySize
	}
	if pro.RateLimit <= 0 {
		pro.RateLimit = 10
	}
	if pro.RatePeriod <= 0 {
		pro.RatePeriod = 3600
	}
	if pro.InterjectThreshold <= 0 {
		pro.InterjectThreshold = 7
	}
}

// MergeRoomConfig overlays a room's config on the common base. Scalars from
// the override win when set; ignore_users lists concatenate; prompt_vars
// string values for the same key concatenate.
func MergeRoomConfig(base, override RoomConfig) RoomConfig {
	out := base

	if len(override.PromptVars) > 0 {
		vars := make(map[string]string, len(base.PromptVars)+len(override.PromptVars))
		for k, v := range base.PromptVars {
			vars[k] = v
		}
		for k, v := range override.PromptVars {
			if prev, ok := vars[k]; ok {
				vars[k] = prev + v
			} else {
				vars[k] = v
			}
		}
		out.PromptVars = vars
	}

	out.Command = mergeCommand(base.Command, override.Command)
	out.Proactive = mergeProactive(base.Proactive, override.Proactive)
	return out
}

func mergeCommand(base, override CommandConfig) CommandConfig {
	out := base
	if override.HistorySize > 0 {
		out.HistorySize = override.HistorySize
	}
	if override.ResponseMaxBytes > 0 {
		out.ResponseMaxBytes = override.ResponseMaxBytes
	}
	if override.Debounce > 0 {
		out.Debounce = override.Debounce
	}
	if override.RateLimit > 0 {
		out.RateLimit = override.RateLimit
	}
	if override.RatePeriod > 0 {
		out.RatePeriod = override.RatePeriod
	}
	if override.DefaultMode != "" {
		out.DefaultMode = override.DefaultMode
	}
	if override.PersistenceModel != "" {
		out.PersistenceModel = override.PersistenceModel
	}
	if override.ReducerModel != "" {
		out.ReducerModel = override.ReducerModel
	}
	if len(override.ChannelModes) > 0 {
		modes := make(map[string]string, len(base.ChannelModes)+len(override.ChannelModes))
		for k, v := range base.ChannelModes {
			modes[k] = v
		}
		for k, v := range override.ChannelModes {
			modes[k] = v
		}
		out.ChannelModes = modes
	}
	if len(override.IgnoreUsers) > 0 {
		out.IgnoreUsers = append(append([]string{}, base.IgnoreUsers...), override.IgnoreUsers...)
	}
	if len(override.Modes) > 0 {
		out.Modes = override.Modes
	}
	if len(override.ModeClassifier.Labels) > 0 || override.ModeClassifier.Model != "" {
		out.ModeClassifier = override.ModeClassifier
	}
	return out
}

func mergeProactive(base, override ProactiveConfig) ProactiveConfig {
	out := base
	if len(override.Interjecting) > 0 {
		out.Interjecting = override.Interjecting
	}
	if override.DebounceSeconds > 0 {
		out.DebounceSeconds = override.DebounceSeconds
	}
	if override.HistorySize > 0 {
		out.HistorySize = override.HistorySize
	}
	if override.RateLimit > 0 {
		out.RateLimit = override.RateLimit
	}
	if override.RatePeriod > 0 {
		out.RatePeriod = override.RatePeriod
	}
	if override.InterjectThreshold > 0 {
		out.InterjectThreshold = override.InterjectThreshold
	}
	if len(override.Models.Validation) > 0 {
		out.Models.Validation = override.Models.Validation
	}
	if override.Models.Serious != "" {
		out.Models.Serious = override.Models.Serious
	}
	if override.Prompts.Interject != "" {
		out.Prompts.Interject = override.Prompts.Interject
	}
	if override.Prompts.SeriousExtra != "" {
		out.Prompts.SeriousExtra = override.Prompts.SeriousExtra
	}
	return out
}

// Watch re-loads the config whenever the file changes and hands the result
// to onChange. Returns a stop function.
func Watch(path string, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					slog.Error("config reload failed", "path", path, "error", err)
					continue
				}
				slog.Info("config reloaded", "path", path)
				onChange(cfg)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
