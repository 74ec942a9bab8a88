// Package agent runs one tool-using LLM turn: think → act → observe until
// the model stops calling tools, with mid-turn steering ingestion, refusal
// fallback, and cost accounting.
package agent

import (
	"context"

	"github.com/ambitchat/ambit/internal/bus"
)

// CostBreakdown is the dollar cost of a turn, four-decimal money.
type CostBreakdown struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
	Total  float64 `json:"total"`
}

// TurnUsage aggregates token and dollar counters across a whole turn.
type TurnUsage struct {
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Cost         CostBreakdown `json:"cost"`
}

// ToolCallRecord is one executed tool call, kept on the turn's session log
// for persistence summaries.
type ToolCallRecord struct {
	Name        string `json:"name"`
	Arguments   string `json:"arguments"` // compact JSON
	Result      string `json:"result"`
	IsError     bool   `json:"is_error"`
	Persistence string `json:"persistence"` // "", "summary", "artifact"
}

// SessionLog carries the per-turn message log.
type SessionLog struct {
	ToolCalls []ToolCallRecord `json:"tool_calls"`
}

// PromptResult is the outcome of one agent turn.
type PromptResult struct {
	// Text is the final assistant text; empty when the agent chose not to
	// answer.
	Text           string     `json:"text"`
	Model          string     `json:"model"` // model spec that produced Text
	Usage          *TurnUsage `json:"usage,omitempty"`
	ToolCallsCount int        `json:"tool_calls_count"`

	RefusalFallbackActivated bool   `json:"refusal_fallback_activated,omitempty"`
	RefusalFallbackModel     string `json:"refusal_fallback_model,omitempty"`

	Session *SessionLog `json:"-"`
}

// SteeringProvider returns context messages drained mid-turn from the
// steering queue; invoked by the runner each iteration. The call is
// side-effecting: drained items complete on the queue side.
type SteeringProvider func(ctx context.Context) []bus.ContextMessage

// PromptOptions configures one turn.
type PromptOptions struct {
	System          string
	ContextMessages []bus.ContextMessage
	Model           string // model spec, required
	ThinkingLevel   string // "off".."xhigh"; unknown values mean "minimal"
	// AllowedTools filters the registry; nil means all tools.
	AllowedTools []string
	// ExtraExcludedTools removes tools regardless of AllowedTools (used by
	// the oracle to avoid recursion).
	ExtraExcludedTools []string

	VisionFallbackModel  string
	RefusalFallbackModel string

	Steering SteeringProvider
	Secrets  map[string]string

	// Arc scopes tool side effects (chronicle, quests) to a conversation.
	Arc string
	// QuestID, when set, enables the subquest_start and quest_snooze tools.
	QuestID string

	// Progress, when set, lets the progress_report tool push interim lines
	// to the surface.
	Progress func(ctx context.Context, text string) error

	MaxIterations int // 0 = default
}

// NormalizeThinking maps a configured reasoning effort onto the provider
// thinking level; unknown values fall back to minimal.
func NormalizeThinking(level string) string {
	switch level {
	case "off", "minimal", "low", "medium", "high", "xhigh":
		return level
	default:
		return "minimal"
	}
}
