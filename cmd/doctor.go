package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ambitchat/ambit/internal/config"
	"github.com/ambitchat/ambit/internal/store"
)

// doctorCmd checks the local setup: config parses, rooms validate,
// database reachable, credentials present.
func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose configuration and connectivity problems",
		Run: func(cmd *cobra.Command, args []string) {
			failed := false
			check := func(name string, err error) {
				if err != nil {
					failed = true
					fmt.Printf("✗ %s: %v\n", name, err)
				} else {
					fmt.Printf("✓ %s\n", name)
				}
			}

			path := resolveConfigPath()
			cfg, err := config.Load(path)
			check("config "+path, err)
			if err != nil {
				os.Exit(1)
			}

			check("database", func() error {
				db, err := store.Open(cfg.Database)
				if err != nil {
					return err
				}
				return db.Close()
			}())

			check("llm providers", func() error {
				if cfg.Providers.OpenAI.APIKey == "" && cfg.Providers.Anthropic.APIKey == "" &&
					len(cfg.Providers.OpenAICompat) == 0 {
					return fmt.Errorf("none configured")
				}
				return nil
			}())

			check("channels", func() error {
				n := len(cfg.Channels.IRC)
				if cfg.Channels.Discord.Token != "" {
					n++
				}
				if cfg.Channels.Slack.BotToken != "" {
					n++
				}
				if n == 0 {
					return fmt.Errorf("none configured")
				}
				return nil
			}())

			check("rooms", func() error {
				n := 0
				for name := range cfg.Rooms {
					if name != "common" {
						n++
					}
				}
				if n == 0 && len(cfg.Rooms) == 0 {
					return fmt.Errorf("no rooms declared; every channel will use built-in defaults")
				}
				return nil
			}())

			if failed {
				os.Exit(1)
			}
		},
	}
}
