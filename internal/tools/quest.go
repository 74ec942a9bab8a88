package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ambitchat/ambit/internal/chronicle"
)

var questIDRe = regexp.MustCompile(`^[\w][-.\w]*$`)

// QuestStartTool opens a quest by recording a quest-tagged paragraph. The
// chronicle append hook picks up the tag and creates the ledger row.
type QuestStartTool struct {
	store *chronicle.Store
}

func NewQuestStartTool(store *chronicle.Store) *QuestStartTool {
	return &QuestStartTool{store: store}
}

func (t *QuestStartTool) Name() string { return "quest_start" }

func (t *QuestStartTool) Description() string {
	return "Start a long-running quest: a goal you pursue across conversations via periodic heartbeats."
}

func (t *QuestStartTool) Persistence() string { return "summary" }

func (t *QuestStartTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Short stable identifier for the quest (letters, digits, dashes).",
			},
			"description": map[string]interface{}{
				"type":        "string",
				"description": "What the quest is trying to achieve and how you will know it is done.",
			},
		},
		"required": []string{"id", "description"},
	}
}

func (t *QuestStartTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return startQuestParagraph(ctx, t.store, args, "")
}

// SubquestStartTool opens a child quest under the current quest context.
type SubquestStartTool struct {
	store *chronicle.Store
}

func NewSubquestStartTool(store *chronicle.Store) *SubquestStartTool {
	return &SubquestStartTool{store: store}
}

func (t *SubquestStartTool) Name() string { return "subquest_start" }

func (t *SubquestStartTool) Description() string {
	return "Start a subquest under the current quest. The parent pauses its heartbeats until the subquest finishes."
}

func (t *SubquestStartTool) Persistence() string { return "summary" }

func (t *SubquestStartTool) QuestScoped() bool { return true }

func (t *SubquestStartTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Short identifier for the subquest, relative to the parent.",
			},
			"description": map[string]interface{}{
				"type":        "string",
				"description": "What the subquest is trying to achieve.",
			},
		},
		"required": []string{"id", "description"},
	}
}

func (t *SubquestStartTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	parent := QuestIDFromCtx(ctx)
	if parent == "" {
		return ErrorResult("subquest_start requires an active quest context")
	}
	return startQuestParagraph(ctx, t.store, args, parent)
}

func startQuestParagraph(ctx context.Context, store *chronicle.Store, args map[string]interface{}, parent string) *Result {
	arc := ArcFromCtx(ctx)
	if arc == "" {
		return ErrorResult("no conversation context")
	}
	id, _ := args["id"].(string)
	description, _ := args["description"].(string)
	if !questIDRe.MatchString(id) {
		return ErrorResult("id must be a short identifier (letters, digits, dashes)")
	}
	if strings.TrimSpace(description) == "" {
		return ErrorResult("description is required")
	}
	if parent != "" {
		id = parent + "." + id
	}

	paragraph := fmt.Sprintf("<quest id=%q>%s</quest>", id, description)
	if _, err := store.AppendParagraph(ctx, arc, paragraph); err != nil {
		return ErrorResult(fmt.Sprintf("quest start: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("quest %q started", id))
}

// QuestSnoozeTool defers the current quest's next heartbeat.
type QuestSnoozeTool struct {
	store *chronicle.Store
	now   func() time.Time
}

func NewQuestSnoozeTool(store *chronicle.Store) *QuestSnoozeTool {
	return &QuestSnoozeTool{store: store, now: time.Now}
}

func (t *QuestSnoozeTool) Name() string { return "quest_snooze" }

func (t *QuestSnoozeTool) Description() string {
	return "Snooze the current quest: no heartbeats until the given number of hours has passed."
}

func (t *QuestSnoozeTool) QuestScoped() bool { return true }

func (t *QuestSnoozeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"hours": map[string]interface{}{
				"type":        "number",
				"description": "How many hours to wait before the next heartbeat.",
				"minimum":     0.1,
			},
		},
		"required": []string{"hours"},
	}
}

func (t *QuestSnoozeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	arc := ArcFromCtx(ctx)
	questID := QuestIDFromCtx(ctx)
	if arc == "" || questID == "" {
		return ErrorResult("quest_snooze requires an active quest context")
	}
	hours, _ := args["hours"].(float64)
	if hours <= 0 {
		return ErrorResult("hours must be positive")
	}

	resumeAt := t.now().Add(time.Duration(hours * float64(time.Hour))).Unix()
	if err := t.store.QuestSetResumeAt(ctx, arc, questID, resumeAt); err != nil {
		return ErrorResult(fmt.Sprintf("quest snooze: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("quest %q snoozed for %.1f hours", questID, hours))
}

// MakePlanTool stores a working plan on a quest.
type MakePlanTool struct {
	store *chronicle.Store
}

func NewMakePlanTool(store *chronicle.Store) *MakePlanTool {
	return &MakePlanTool{store: store}
}

func (t *MakePlanTool) Name() string { return "make_plan" }

func (t *MakePlanTool) Description() string {
	return "Record or replace the step-by-step plan for a quest."
}

func (t *MakePlanTool) Persistence() string { return "summary" }

func (t *MakePlanTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"plan": map[string]interface{}{
				"type":        "string",
				"description": "The plan, as a numbered list of steps.",
			},
			"quest_id": map[string]interface{}{
				"type":        "string",
				"description": "Quest to attach the plan to. Defaults to the current quest.",
			},
		},
		"required": []string{"plan"},
	}
}

func (t *MakePlanTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	arc := ArcFromCtx(ctx)
	if arc == "" {
		return ErrorResult("no conversation context")
	}
	plan, _ := args["plan"].(string)
	if strings.TrimSpace(plan) == "" {
		return ErrorResult("plan is required")
	}
	questID, _ := args["quest_id"].(string)
	if questID == "" {
		questID = QuestIDFromCtx(ctx)
	}
	if questID == "" {
		return ErrorResult("quest_id is required outside a quest context")
	}

	if err := t.store.QuestSetPlan(ctx, arc, questID, plan); err != nil {
		return ErrorResult(fmt.Sprintf("make plan: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("plan recorded for quest %q", questID))
}

// ProgressReportTool posts an interim status line to the originating
// channel while a long run is still in flight.
type ProgressReportTool struct{}

func NewProgressReportTool() *ProgressReportTool { return &ProgressReportTool{} }

func (t *ProgressReportTool) Name() string { return "progress_report" }

func (t *ProgressReportTool) Description() string {
	return "Send a short interim status line to the channel while you keep working. Use sparingly."
}

func (t *ProgressReportTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{
				"type":        "string",
				"description": "One line of status.",
			},
		},
		"required": []string{"text"},
	}
}

func (t *ProgressReportTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	text, _ := args["text"].(string)
	if strings.TrimSpace(text) == "" {
		return ErrorResult("text is required")
	}
	progress := ProgressFromCtx(ctx)
	if progress == nil {
		return ErrorResult("no channel to report to")
	}
	if err := progress(ctx, text); err != nil {
		return ErrorResult(fmt.Sprintf("progress report: %v", err)).WithError(err)
	}
	return SilentResult("status sent")
}
