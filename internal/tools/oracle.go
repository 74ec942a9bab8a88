package tools

import (
	"context"
	"fmt"

	"github.com/ambitchat/ambit/internal/providers"
)

// OracleExcludedTools are never offered to a nested oracle run: the quest
// lifecycle tools are irrelevant there and oracle itself would recurse.
var OracleExcludedTools = []string{
	"progress_report", "quest_start", "subquest_start", "quest_snooze", "oracle",
}

// NestedRunFunc executes a nested agent run with a restricted tool set and
// returns the final text plus accumulated usage.
type NestedRunFunc func(ctx context.Context, question string, excludedTools []string) (string, *providers.Usage, string, error)

// OracleTool consults a stronger reasoning model via a nested agent run.
type OracleTool struct {
	run NestedRunFunc
}

func NewOracleTool(run NestedRunFunc) *OracleTool {
	return &OracleTool{run: run}
}

func (t *OracleTool) Name() string { return "oracle" }

func (t *OracleTool) Description() string {
	return "Consult a stronger reasoning model for a hard sub-problem. Expensive; use for questions that genuinely need deep reasoning."
}

func (t *OracleTool) Persistence() string { return "summary" }

func (t *OracleTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"question": map[string]interface{}{
				"type":        "string",
				"description": "The self-contained question to ask. Include all necessary context.",
			},
		},
		"required": []string{"question"},
	}
}

func (t *OracleTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	question, _ := args["question"].(string)
	if question == "" {
		return ErrorResult("question is required")
	}
	if t.run == nil {
		return ErrorResult("oracle is not configured")
	}

	answer, usage, model, err := t.run(ctx, question, OracleExcludedTools)
	if err != nil {
		return ErrorResult(fmt.Sprintf("oracle failed: %v", err)).WithError(err)
	}
	res := NewResult(answer)
	res.Usage = usage
	res.Model = model
	return res
}
