package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/teranos/cachet/cmd/cachet/commands"
	"github.com/teranos/cachet/logger"
	"github.com/teranos/cachet/sym"
)

var rootCmd = &cobra.Command{
	Use:   "cachet",
	Short: "cachet - capability-scoped extraction cache",
	Long: `cachet - capability-scoped extraction cache.

cachet fetches datasets from external systems in the background, stores them
under content-addressed keys and lets sessions read only the keys they were
granted. Saved states can be handed to another session, which re-validates
every reference with its own credentials.

Available commands:
  am      - Show and change configuration ("I am")
  db      - Migrate the database and show table statistics
  ix      - Submit extractions, poll, resolve and delete cache keys
  state   - Save views and open them from another session
  pulse   - Run extraction workers and inspect the job queue
  janitor - Expire stale entries and collect orphaned content

Examples:
  cachet am show
  cachet ix submit httpjson '{"url":"https://api.example.com/prices","rows_path":"data"}' --wait
  cachet state access 2b7c... --session bob --creds $BOB_TOKEN
  cachet pulse start`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger.Debugw("Logger initialized", "verbosity", logger.LevelName(verbosity))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	// .env in the working directory may carry CACHET_* settings and credentials.
	// A missing file is fine.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.IxCmd)
	rootCmd.AddCommand(commands.StateCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.JanitorCmd)
	rootCmd.AddCommand(commands.VersionCmd)

	// Glyphs work as command names: cachet ⨳ ls
	for glyph, name := range sym.SymbolToCommand {
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				c.Aliases = append(c.Aliases, glyph)
			}
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, commands.Describe(err))
		os.Exit(1)
	}
}
