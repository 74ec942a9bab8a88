package tools

import "context"

// Tool execution context keys. Run-scoped values are injected into context
// by the executor and read by individual tools during Execute(), keeping
// tool instances free of mutable per-run state.

type toolContextKey string

const (
	ctxArc      toolContextKey = "tool_arc"
	ctxQuestID  toolContextKey = "tool_quest_id"
	ctxSecrets  toolContextKey = "tool_secrets"
	ctxProgress toolContextKey = "tool_progress"
)

func WithArc(ctx context.Context, arc string) context.Context {
	return context.WithValue(ctx, ctxArc, arc)
}

func ArcFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxArc).(string)
	return v
}

func WithQuestID(ctx context.Context, questID string) context.Context {
	return context.WithValue(ctx, ctxQuestID, questID)
}

func QuestIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxQuestID).(string)
	return v
}

func WithSecrets(ctx context.Context, secrets map[string]string) context.Context {
	return context.WithValue(ctx, ctxSecrets, secrets)
}

func SecretsFromCtx(ctx context.Context) map[string]string {
	v, _ := ctx.Value(ctxSecrets).(map[string]string)
	return v
}

// ProgressFunc delivers an interim status line to the originating channel.
type ProgressFunc func(ctx context.Context, text string) error

func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, ctxProgress, fn)
}

func ProgressFromCtx(ctx context.Context) ProgressFunc {
	v, _ := ctx.Value(ctxProgress).(ProgressFunc)
	return v
}
