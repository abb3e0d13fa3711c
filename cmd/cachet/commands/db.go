package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cachet/am"
	"github.com/teranos/cachet/db"
	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/logger"
	"github.com/teranos/cachet/pulse/async"
	"github.com/teranos/cachet/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the cachet database",
	Long: sym.DB + ` db - Manage the cachet database

Examples:
  cachet db migrate     # Apply pending migrations
  cachet db stats       # Row counts and job queue summary`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		database, err := db.OpenWithMigrations(cfg.GetDatabasePath(), logger.Logger)
		if err != nil {
			return err
		}
		defer database.Close()
		pterm.Success.Printf("%s Database %s is up to date\n", sym.DB, cfg.GetDatabasePath())
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show table row counts and job queue summary",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	database, err := db.OpenWithMigrations(cfg.GetDatabasePath(), logger.Logger)
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := db.Stats(database)
	if err != nil {
		return err
	}

	pterm.DefaultSection.Printf("%s Database %s", sym.DB, cfg.GetDatabasePath())
	rows := pterm.TableData{{"TABLE", "ROWS"}}
	for _, s := range stats {
		rows = append(rows, []string{s.Table, pterm.Sprint(s.Rows)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		return err
	}

	qs, err := async.NewQueue(database).GetStats()
	if err != nil {
		return err
	}
	pterm.Println()
	pterm.DefaultSection.Printf("%s Jobs", sym.Pulse)
	pterm.Printf("queued %d · running %d · completed %d · failed %d · cancelled %d\n",
		qs.Queued, qs.Running, qs.Completed, qs.Failed, qs.Cancelled)
	if cfg.GetMetadataBackend() == am.MetadataBackendRedis {
		pterm.Info.Println("Records, states and grants live in Redis; kv_records and session tables stay empty")
	}
	return nil
}
