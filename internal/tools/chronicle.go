package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ambitchat/ambit/internal/chronicle"
)

// ChronicleReadTool renders a chapter of the arc's chronicle.
type ChronicleReadTool struct {
	store *chronicle.Store
}

func NewChronicleReadTool(store *chronicle.Store) *ChronicleReadTool {
	return &ChronicleReadTool{store: store}
}

func (t *ChronicleReadTool) Name() string { return "chronicle_read" }

func (t *ChronicleReadTool) Description() string {
	return `Read a chapter of this channel's chronicle (long-term memory). Chapter may be "current", "previous", or a chapter number.`
}

func (t *ChronicleReadTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"chapter": map[string]interface{}{
				"type":        "string",
				"description": `"current" (default), "previous", or a chapter number.`,
			},
		},
	}
}

func (t *ChronicleReadTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	arc := ArcFromCtx(ctx)
	if arc == "" {
		return ErrorResult("no conversation context")
	}

	chapter, _ := args["chapter"].(string)
	chapter = strings.ToLower(strings.TrimSpace(chapter))

	var text string
	var err error
	switch chapter {
	case "", "current":
		text, err = t.store.RenderChapterRelative(ctx, arc, 0)
	case "previous":
		text, err = t.store.RenderChapterRelative(ctx, arc, -1)
	default:
		n, convErr := strconv.ParseInt(chapter, 10, 64)
		if convErr != nil {
			return ErrorResult(fmt.Sprintf("unknown chapter reference %q", chapter))
		}
		text, err = t.store.RenderChapter(ctx, arc, n)
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("chronicle read: %v", err)).WithError(err)
	}
	if text == "" {
		return NewResult("(that chapter does not exist yet)")
	}
	return NewResult(text)
}

// ChronicleAppendTool appends a paragraph to the arc's chronicle. Quest
// markup inside the paragraph drives the quest lifecycle hooks.
type ChronicleAppendTool struct {
	store *chronicle.Store
}

func NewChronicleAppendTool(store *chronicle.Store) *ChronicleAppendTool {
	return &ChronicleAppendTool{store: store}
}

func (t *ChronicleAppendTool) Name() string { return "chronicle_append" }

func (t *ChronicleAppendTool) Description() string {
	return "Append a paragraph to this channel's chronicle (long-term memory). Write in third person, past tense."
}

func (t *ChronicleAppendTool) Persistence() string { return "summary" }

func (t *ChronicleAppendTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The paragraph to record.",
			},
		},
		"required": []string{"content"},
	}
}

func (t *ChronicleAppendTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	arc := ArcFromCtx(ctx)
	if arc == "" {
		return ErrorResult("no conversation context")
	}
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("content is required")
	}

	if _, err := t.store.AppendParagraph(ctx, arc, content); err != nil {
		return ErrorResult(fmt.Sprintf("chronicle append: %v", err)).WithError(err)
	}
	return NewResult("recorded")
}
