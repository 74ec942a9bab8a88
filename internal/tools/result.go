package tools

import "github.com/ambitchat/ambit/internal/providers"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`           // content sent to the LLM
	Silent  bool   `json:"silent"`            // suppress persistence-summary inclusion
	IsError bool   `json:"is_error"`          // marks error
	Err     error  `json:"-"`                 // internal error (not serialized)

	// Usage holds token usage from tools that make nested LLM calls (oracle).
	// When set, the agent loop folds it into the turn's cost breakdown.
	Usage *providers.Usage `json:"-"`
	Model string           `json:"-"` // model used by the nested call
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
