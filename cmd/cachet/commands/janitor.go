package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cachet/janitor"
	"github.com/teranos/cachet/sym"
)

// JanitorCmd represents the janitor command
var JanitorCmd = &cobra.Command{
	Use:   "janitor",
	Short: sym.Janitor + " Reconcile cache records and stored content",
	Long: sym.Janitor + ` Janitor - store reconciliation.

Passes:
  expiry       delete records not read within janitor.ttl_seconds, with their content
  orphans      delete content no record points at (older than janitor.orphan_grace_seconds)
  indexes      raise generation indexes that lag behind a record (never deleted)
  job_history  drop finished jobs older than the TTL

Grants for deleted keys are left in place; reading them reports the key as
expired, and the key is never handed out again.

Example:
  cachet janitor run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// JanitorRunCmd runs one reconciliation
var JanitorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every janitor pass once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ttl, _ := cmd.Flags().GetInt("ttl")

		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		if ttl > 0 {
			cfg := rt.Janitor.Config()
			rt.Config.Janitor.TTLSeconds = ttl
			cfg.TTL = rt.Config.Janitor.TTL()
			rt.Janitor.SetConfig(cfg)
		}

		rep, err := rt.Janitor.Run(ctx)
		if renderErr := renderReport(rep); renderErr != nil {
			return renderErr
		}
		return err
	},
}

func init() {
	JanitorRunCmd.Flags().Int("ttl", 0, "Override janitor.ttl_seconds for this run")
	JanitorCmd.AddCommand(JanitorRunCmd)
}

func renderReport(rep janitor.Report) error {
	rows := pterm.TableData{{"PASS", "SCANNED", "DELETED", "REPAIRED", "SKIPPED", "ERRORS", "TOOK"}}
	for _, p := range []janitor.PassReport{rep.Expiry, rep.Orphans, rep.Indexes, rep.JobHistory} {
		if p.Pass == "" {
			continue
		}
		rows = append(rows, []string{
			p.Pass,
			fmt.Sprint(p.Scanned),
			fmt.Sprint(p.Deleted),
			fmt.Sprint(p.Repaired),
			fmt.Sprint(p.Skipped),
			fmt.Sprint(p.Errors),
			p.Duration.Round(time.Millisecond).String(),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
