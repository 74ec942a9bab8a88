package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ambitchat/ambit/internal/agent"
	"github.com/ambitchat/ambit/internal/bus"
	"github.com/ambitchat/ambit/internal/channels"
	"github.com/ambitchat/ambit/internal/channels/discord"
	"github.com/ambitchat/ambit/internal/channels/irc"
	"github.com/ambitchat/ambit/internal/channels/slack"
	"github.com/ambitchat/ambit/internal/chronicle"
	"github.com/ambitchat/ambit/internal/config"
	"github.com/ambitchat/ambit/internal/history"
	"github.com/ambitchat/ambit/internal/providers"
	"github.com/ambitchat/ambit/internal/quests"
	"github.com/ambitchat/ambit/internal/rooms"
	"github.com/ambitchat/ambit/internal/store"
	"github.com/ambitchat/ambit/internal/tools"
	"github.com/ambitchat/ambit/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("trace exporter shutdown failed", "error", err)
		}
	}()

	db, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	hist := history.New(db)
	chron := chronicle.New(db)
	if cfg.Chronicle.ChapterMaxParagraphs > 0 {
		chron.SetChapterMaxParagraphs(cfg.Chronicle.ChapterMaxParagraphs)
	}

	router, err := buildRouter(cfg)
	if err != nil {
		return err
	}
	if cfg.Chronicle.Model != "" {
		chron.SetSummarizer(chapterSummarizer(router, cfg.Chronicle.Model))
	}

	artifacts := tools.NewArtifactStore(cfg.Artifacts.Dir, cfg.Artifacts.BaseURL)
	registry := tools.NewRegistry()
	runner := agent.NewRunner(router, registry)
	registerTools(cfg, registry, router, runner, chron, artifacts)

	svc := rooms.NewService(cfg, runner, router, hist, chron, artifacts)
	stopWatch, err := config.Watch(resolveConfigPath(), func(next *config.Config) {
		svc.Reload(next)
	})
	if err != nil {
		slog.Warn("config watching disabled", "error", err)
	} else {
		defer stopWatch()
	}

	questRt := quests.New(chron, cfg.Quests, questStep(runner, cfg.Quests.StepModel))
	if cfg.Quests.StepModel != "" {
		go questRt.Run(ctx)
	}
	defer questRt.Stop()

	sources, err := buildSources(cfg)
	if err != nil {
		return err
	}
	slog.Info("ambit starting", "version", Version, "channels", len(sources))
	channels.NewManager(svc, sources...).Run(ctx)
	return nil
}

func buildRouter(cfg *config.Config) (*providers.Router, error) {
	router := providers.NewRouter()
	if cfg.Providers.OpenAI.APIKey != "" {
		router.Register(providers.NewOpenAIProvider("openai",
			cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase))
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		router.Register(providers.NewAnthropicProvider("anthropic",
			cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.APIBase))
	}
	for name, compat := range cfg.Providers.OpenAICompat {
		if compat.APIBase == "" {
			return nil, fmt.Errorf("provider %q: api_base is required", name)
		}
		router.Register(providers.NewOpenAIProvider(name, compat.APIKey, compat.APIBase))
	}
	if len(router.Providers()) == 0 {
		return nil, fmt.Errorf("no LLM providers configured; set AMBIT_OPENAI_API_KEY or AMBIT_ANTHROPIC_API_KEY")
	}

	pricing := make(map[string]providers.ModelPricing, len(cfg.Providers.Pricing))
	for model, entry := range cfg.Providers.Pricing {
		pricing[model] = providers.ModelPricing{
			InputPerMTok:  entry.Input,
			OutputPerMTok: entry.Output,
		}
	}
	router.SetPricing(pricing)
	return router, nil
}

func registerTools(cfg *config.Config, registry *tools.Registry, router *providers.Router,
	runner *agent.Runner, chron *chronicle.Store, artifacts *tools.ArtifactStore) {
	registry.Register(tools.NewVisitWebpageTool())
	registry.Register(tools.NewProgressReportTool())
	registry.Register(tools.NewChronicleReadTool(chron))
	registry.Register(tools.NewChronicleAppendTool(chron))
	registry.Register(tools.NewQuestStartTool(chron))
	registry.Register(tools.NewSubquestStartTool(chron))
	registry.Register(tools.NewQuestSnoozeTool(chron))
	registry.Register(tools.NewMakePlanTool(chron))
	registry.Register(tools.NewShareArtifactTool(artifacts))
	registry.Register(tools.NewEditArtifactTool(artifacts))
	if cfg.Tools.BraveAPIKey != "" {
		registry.Register(tools.NewWebSearchTool(cfg.Tools.BraveAPIKey))
	}
	if cfg.Tools.CodeWorkDir != "" {
		registry.Register(tools.NewExecuteCodeTool(cfg.Tools.CodeWorkDir))
	}
	if cfg.Tools.ImageModel != "" {
		registry.Register(tools.NewGenerateImageTool(cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.APIBase, cfg.Tools.ImageModel, artifacts))
	}
	if model := cfg.Tools.OracleModel; model != "" {
		registry.Register(tools.NewOracleTool(oracleRun(runner, model)))
	}
}

// oracleRun backs the oracle tool with a nested agent turn on a stronger
// model, with the oracle itself excluded to prevent recursion.
func oracleRun(runner *agent.Runner, model string) tools.NestedRunFunc {
	return func(ctx context.Context, question string, excludedTools []string) (string, *providers.Usage, string, error) {
		res, err := runner.Prompt(ctx, question, agent.PromptOptions{
			Model:              model,
			ExtraExcludedTools: excludedTools,
		})
		if err != nil {
			return "", nil, "", err
		}
		var usage *providers.Usage
		if res.Usage != nil {
			usage = &providers.Usage{
				PromptTokens:     res.Usage.InputTokens,
				CompletionTokens: res.Usage.OutputTokens,
				TotalTokens:      res.Usage.InputTokens + res.Usage.OutputTokens,
			}
		}
		return res.Text, usage, res.Model, nil
	}
}

func chapterSummarizer(router *providers.Router, model string) chronicle.Summarizer {
	return func(ctx context.Context, arc string, paragraphs []string) (string, error) {
		system := "Condense the following chapter of a chat room chronicle into a short summary paragraph. Keep names, decisions, and unresolved threads."
		text, _, err := router.Complete(ctx, model, system, []providers.Message{
			{Role: "user", Content: strings.Join(paragraphs, "\n\n")},
		})
		return text, err
	}
}

// questStep runs one agent turn advancing a quest. The returned text lands
// in the chronicle, so quest markup in it drives the quest's state.
func questStep(runner *agent.Runner, model string) quests.StepFunc {
	if model == "" {
		return nil
	}
	return func(ctx context.Context, arc, questID, lastState string) (string, error) {
		text := "Continue working on quest \"" + questID + "\"."
		if lastState != "" {
			text += " Last recorded state: " + lastState
		}
		res, err := runner.Prompt(ctx, text, agent.PromptOptions{
			System: "You advance long-running background quests. Do one concrete step of work, " +
				"then report it in a single paragraph. Wrap the paragraph in " +
				"<quest id=\"" + questID + "\">...</quest>, or <quest_finished id=\"" + questID + "\">...</quest_finished> when the goal is confirmed achieved. " +
				"Reply with an empty message when there is nothing useful to do right now.",
			Model:   model,
			Arc:     arc,
			QuestID: questID,
		})
		if err != nil {
			return "", err
		}
		return res.Text, nil
	}
}

func buildSources(cfg *config.Config) ([]bus.MessageSource, error) {
	var sources []bus.MessageSource
	for _, server := range cfg.Channels.IRC {
		if server.Name == "" || server.Addr == "" || server.Nick == "" {
			return nil, fmt.Errorf("irc server config requires name, addr, and nick")
		}
		sources = append(sources, irc.New(server))
	}
	if cfg.Channels.Discord.Token != "" {
		src, err := discord.New(cfg.Channels.Discord)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if cfg.Channels.Slack.BotToken != "" {
		src, err := slack.New(cfg.Channels.Slack)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}
