// Package rooms implements the per-conversation command pipeline: the
// resolver that turns raw chat lines into executable commands, the steering
// queue that serializes work per conversation, the executor that runs agent
// turns, and the proactive / chronicler loops layered on top.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ambitchat/ambit/internal/bus"
	"github.com/ambitchat/ambit/internal/config"
	"github.com/ambitchat/ambit/internal/providers"
)

const (
	noContextFlag = "!c"
	helpToken     = "!h"
)

// Completer issues one raw chat completion. Satisfied by providers.Router;
// the resolver uses it for the mode classifier, the executor for the
// reducer and persistence summaries.
type Completer interface {
	Complete(ctx context.Context, modelSpec, system string, messages []providers.Message) (string, *providers.Usage, error)
}

// RuntimeSettings are the mode-effective execution settings after trigger
// overrides have been applied.
type RuntimeSettings struct {
	Model                 string
	Models                []string
	Prompt                string
	ReasoningEffort       string
	AllowedTools          []string // nil = all
	Steering              bool
	HistorySize           int
	IncludeChapterSummary bool
	AutoReduceContext     bool
	VisionModel           string
	RefusalFallbackModel  string
}

// ResolvedCommand is the resolver's output for one inbound message.
type ResolvedCommand struct {
	NoContext             bool
	QueryText             string
	ModelOverride         string
	SelectedLabel         string
	SelectedTrigger       string
	ModeKey               string
	Runtime               RuntimeSettings
	HelpRequested         bool
	ChannelMode           string
	SelectedAutomatically bool
	Err                   error
}

// BypassSteering reports whether the command skips the steering queue and
// executes immediately: parse errors, context-free runs, help, and triggers
// with steering disabled.
func (r *ResolvedCommand) BypassSteering() bool {
	if r.Err != nil || r.NoContext || r.HelpRequested {
		return true
	}
	return !r.Runtime.Steering
}

// Resolver parses inbound messages into ResolvedCommands. Configuration
// cross-references are checked at construction; a bad config is fatal.
type Resolver struct {
	cfg            *config.CommandConfig
	completer      Completer
	triggerToMode  map[string]*config.ModeConfig
	triggerConfig  map[string]*config.TriggerConfig
	labelToTrigger map[string]string
	fallbackLabel  string
}

func NewResolver(cfg *config.CommandConfig, completer Completer) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Resolver{
		cfg:            cfg,
		completer:      completer,
		triggerToMode:  make(map[string]*config.ModeConfig),
		triggerConfig:  make(map[string]*config.TriggerConfig),
		labelToTrigger: make(map[string]string),
	}
	for i := range cfg.Modes {
		mode := &cfg.Modes[i]
		for j := range mode.Triggers {
			trig := &mode.Triggers[j]
			r.triggerToMode[trig.Token] = mode
			r.triggerConfig[trig.Token] = trig
		}
	}
	for _, rule := range cfg.ModeClassifier.Labels {
		r.labelToTrigger[rule.Label] = rule.Trigger
	}
	r.fallbackLabel = cfg.ModeClassifier.FallbackLabel
	if r.fallbackLabel == "" && len(cfg.ModeClassifier.Labels) > 0 {
		r.fallbackLabel = cfg.ModeClassifier.Labels[0].Label
	}
	return r, nil
}

type parsedDirectives struct {
	NoContext     bool
	Help          bool
	ModeToken     string
	ModelOverride string
	Query         string
	Err           error
}

// parseDirectives consumes directive tokens left to right; the first
// non-directive token ends parsing and the remainder of the original text
// becomes the query.
func (r *Resolver) parseDirectives(content string) parsedDirectives {
	var p parsedDirectives
	rest := strings.TrimSpace(content)
	for rest != "" {
		tok := rest
		after := ""
		if i := strings.IndexAny(rest, " \t"); i >= 0 {
			tok = rest[:i]
			after = strings.TrimLeft(rest[i:], " \t")
		}
		switch {
		case tok == noContextFlag:
			p.NoContext = true
		case tok == helpToken:
			p.Help = true
		case strings.HasPrefix(tok, "@") && len(tok) > 1:
			if p.ModelOverride == "" {
				p.ModelOverride = tok[1:]
			}
		case r.triggerToMode[tok] != nil:
			if p.ModeToken != "" {
				p.Err = errors.New("Only one mode command allowed.")
				return p
			}
			p.ModeToken = tok
		case strings.HasPrefix(tok, "!"):
			p.Err = fmt.Errorf("Unknown command '%s'. Use %s for help.", tok, helpToken)
			return p
		default:
			p.Query = rest
			return p
		}
		rest = after
	}
	return p
}

// Resolve turns one inbound message plus its prior context into a
// ResolvedCommand. Classifier-driven mode selection happens here when the
// channel policy asks for it.
func (r *Resolver) Resolve(ctx context.Context, msg bus.RoomMessage, contextMessages []bus.ContextMessage) *ResolvedCommand {
	p := r.parseDirectives(msg.Content)
	rc := &ResolvedCommand{
		NoContext:     p.NoContext,
		QueryText:     p.Query,
		ModelOverride: p.ModelOverride,
		HelpRequested: p.Help,
		Err:           p.Err,
	}
	if rc.Err != nil || rc.HelpRequested {
		return rc
	}

	trigger := p.ModeToken
	if trigger == "" {
		key := ChannelKey(msg)
		channelMode := r.cfg.ChannelModes[key]
		if channelMode == "" {
			channelMode = r.cfg.DefaultMode
		}
		if channelMode == "" {
			channelMode = "classifier"
		}
		rc.ChannelMode = channelMode
		rc.SelectedAutomatically = true

		switch {
		case channelMode == "classifier":
			rc.SelectedLabel, trigger = r.classify(ctx, msg, contextMessages)
		case strings.HasPrefix(channelMode, "classifier:"):
			required := strings.TrimPrefix(channelMode, "classifier:")
			requiredMode := r.cfg.Mode(required)
			if requiredMode == nil {
				rc.Err = fmt.Errorf("channel mode references unknown mode %q", required)
				return rc
			}
			rc.SelectedLabel, trigger = r.classify(ctx, msg, contextMessages)
			if mode := r.triggerToMode[trigger]; mode == nil || mode.Name != required {
				trigger = requiredMode.Triggers[0].Token
			}
		case r.triggerToMode[channelMode] != nil:
			trigger = channelMode
		default:
			if mode := r.cfg.Mode(channelMode); mode != nil {
				trigger = mode.Triggers[0].Token
			} else {
				rc.Err = fmt.Errorf("no mode configured for channel %q", key)
				return rc
			}
		}
	}

	mode := r.triggerToMode[trigger]
	if mode == nil {
		rc.Err = fmt.Errorf("trigger %q resolves to no mode", trigger)
		return rc
	}
	rc.SelectedTrigger = trigger
	rc.ModeKey = mode.Name
	rc.Runtime = r.runtimeFor(mode, r.triggerConfig[trigger])
	return rc
}

// runtimeFor merges mode defaults with per-trigger overrides.
func (r *Resolver) runtimeFor(mode *config.ModeConfig, trig *config.TriggerConfig) RuntimeSettings {
	rt := RuntimeSettings{
		Models:                mode.Models,
		Model:                 providers.FirstModel(mode.Models),
		Prompt:                mode.Prompt,
		ReasoningEffort:       mode.ReasoningEffort,
		AllowedTools:          mode.AllowedTools,
		Steering:              true,
		HistorySize:           mode.HistorySize,
		IncludeChapterSummary: mode.IncludeChapterSummary,
		AutoReduceContext:     mode.AutoReduceContext,
		VisionModel:           mode.VisionModel,
		RefusalFallbackModel:  mode.RefusalFallbackModel,
	}
	if rt.HistorySize <= 0 {
		rt.HistorySize = r.cfg.HistorySize
	}
	if mode.Steering != nil {
		rt.Steering = *mode.Steering
	}
	if trig != nil {
		if trig.Model != "" {
			rt.Model = trig.Model
		}
		if trig.ReasoningEffort != "" {
			rt.ReasoningEffort = trig.ReasoningEffort
		}
		if len(trig.AllowedTools) > 0 {
			rt.AllowedTools = trig.AllowedTools
		}
		if trig.Steering != nil {
			rt.Steering = *trig.Steering
		}
	}
	return rt
}

// classify asks the classifier model to pick a label for the conversation
// and maps it to a trigger. Failures fall back to the first declared label.
func (r *Resolver) classify(ctx context.Context, msg bus.RoomMessage, contextMessages []bus.ContextMessage) (label, trigger string) {
	label = r.fallbackLabel
	cc := r.cfg.ModeClassifier

	if r.completer != nil && cc.Model != "" {
		var labels []string
		for _, rule := range cc.Labels {
			labels = append(labels, rule.Label)
		}
		system := cc.Prompt
		if system == "" {
			system = "Classify the user's latest message in this chat conversation."
		}
		system += "\nRespond with exactly one of: " + strings.Join(labels, ", ")

		var msgs []providers.Message
		for _, m := range contextMessages {
			content := m.Content
			if m.Role == "assistant" {
				content = "[assistant] " + content
			}
			msgs = append(msgs, providers.Message{Role: "user", Content: content})
		}
		msgs = append(msgs, providers.Message{Role: "user", Content: "<" + msg.Nick + "> " + msg.Content})

		resp, _, err := r.completer.Complete(ctx, cc.Model, system, msgs)
		if err != nil {
			slog.Warn("mode classifier failed, using fallback label",
				"arc", msg.Arc(), "error", err)
		} else if got := r.matchLabel(resp); got != "" {
			label = got
		} else {
			slog.Warn("mode classifier returned no known label",
				"arc", msg.Arc(), "response", resp)
		}
	}

	return label, r.labelToTrigger[label]
}

// matchLabel finds the first configured label present in the classifier
// response, case-insensitive.
func (r *Resolver) matchLabel(resp string) string {
	lower := strings.ToLower(resp)
	for _, rule := range r.cfg.ModeClassifier.Labels {
		if strings.Contains(lower, strings.ToLower(rule.Label)) {
			return rule.Label
		}
	}
	return ""
}

// ClassifyMode returns the mode name the classifier would select for the
// message; used by the proactive runner's post-acceptance gate.
func (r *Resolver) ClassifyMode(ctx context.Context, msg bus.RoomMessage, contextMessages []bus.ContextMessage) string {
	_, trigger := r.classify(ctx, msg, contextMessages)
	if mode := r.triggerToMode[trigger]; mode != nil {
		return mode.Name
	}
	return ""
}

// MaxHistorySize is the largest context window any mode may need; the
// executor fetches this much before trimming per-mode.
func (r *Resolver) MaxHistorySize() int {
	n := r.cfg.HistorySize
	for _, mode := range r.cfg.Modes {
		if mode.HistorySize > n {
			n = mode.HistorySize
		}
	}
	return n
}

// TriggerModels maps every trigger token to its effective model, for
// {!<trigger>_model} prompt substitutions.
func (r *Resolver) TriggerModels() map[string]string {
	out := make(map[string]string, len(r.triggerConfig))
	for token, trig := range r.triggerConfig {
		model := trig.Model
		if model == "" {
			model = providers.FirstModel(r.triggerToMode[token].Models)
		}
		out[token] = model
	}
	return out
}

// DefaultTriggerFor returns the first declared trigger of the named mode,
// or "" when the mode does not exist.
func (r *Resolver) DefaultTriggerFor(modeName string) string {
	mode := r.cfg.Mode(modeName)
	if mode == nil || len(mode.Triggers) == 0 {
		return ""
	}
	return mode.Triggers[0].Token
}

// HelpText renders the command summary sent for the help token.
func (r *Resolver) HelpText() string {
	var b strings.Builder
	b.WriteString("Commands:")
	for i := range r.cfg.Modes {
		mode := &r.cfg.Modes[i]
		var tokens []string
		for _, trig := range mode.Triggers {
			tokens = append(tokens, trig.Token)
		}
		fmt.Fprintf(&b, " %s (%s, model %s)",
			strings.Join(tokens, "/"), mode.Name, providers.FirstModel(mode.Models))
		if i < len(r.cfg.Modes)-1 {
			b.WriteString(",")
		}
	}
	b.WriteString(". Flags: " + noContextFlag + " drops prior context. @provider:model overrides the model.")
	return b.String()
}

// ChannelKey is the channel_modes lookup key: the server tag with its
// transport prefix stripped, joined to the channel name.
func ChannelKey(msg bus.RoomMessage) string {
	tag := msg.ServerTag
	for _, prefix := range []string{"discord:", "slack:"} {
		if strings.HasPrefix(tag, prefix) {
			tag = strings.TrimPrefix(tag, prefix)
			break
		}
	}
	return tag + "#" + msg.ChannelName
}
