package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cachet/am"
	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/janitor"
	"github.com/teranos/cachet/logger"
	"github.com/teranos/cachet/pulse/async"
	"github.com/teranos/cachet/session"
	"github.com/teranos/cachet/sym"
)

// PulseCmd represents the pulse command - the extraction worker daemon
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Pulse + " Run extraction workers and inspect the job queue",
	Long: sym.Pulse + ` Pulse daemon - background extraction.

The daemon runs:
- The worker pool that executes extraction jobs
- The janitor on janitor.interval_seconds
- A config watcher so janitor thresholds apply without a restart

Examples:
  cachet pulse start
  cachet pulse start --workers 4
  cachet pulse jobs --status failed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the daemon in the foreground
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start workers and the janitor in the foreground",
	Long: `Start the Pulse daemon in foreground mode.

Running jobs finish before exit on Ctrl+C; jobs interrupted by the shutdown
go back to the queue.`,
	RunE: runPulseStart,
}

// PulseJobsCmd lists queued and finished jobs
var PulseJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List extraction jobs",
	RunE:  runPulseJobs,
}

func init() {
	PulseStartCmd.Flags().Int("workers", 0, "Override pulse.workers")
	PulseJobsCmd.Flags().String("status", "", "Only jobs in this status (queued, running, completed, failed, cancelled)")
	PulseJobsCmd.Flags().Int("limit", 20, "Maximum number of jobs")

	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(PulseJobsCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Pulse.Workers = workers
	}
	if cfg.Pulse.Workers == 0 {
		return errors.WithHint(
			errors.NewInvalidRequestError("pulse.workers is 0"),
			"set pulse.workers in am.toml or pass --workers")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt, err := session.Open(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	fmt.Printf("%s Starting Pulse daemon with %d worker(s)...\n", sym.Pulse, cfg.Pulse.Workers)
	rt.StartWorkers()

	var ticker *janitor.Ticker
	if interval := cfg.Janitor.Interval(); interval > 0 {
		ticker = janitor.NewTicker(ctx, rt.Janitor, interval)
		ticker.Start()
	}

	watcher := watchConfig(rt)

	fmt.Printf("%s Pulse daemon started\n", sym.Pulse)
	fmt.Printf("  Workers: %d\n", cfg.Pulse.Workers)
	fmt.Printf("  Poll interval: %v\n", cfg.Pulse.PollInterval())
	if m := rt.Pool.GetSystemMetrics(); m.MemoryTotalGB > 0 {
		fmt.Printf("  Memory: %.1f/%.1fGB (%.0f%%), %d job(s) queued\n", m.MemoryUsedGB, m.MemoryTotalGB, m.MemoryPercent, m.JobsQueued)
	}
	if ticker != nil {
		fmt.Printf("  %s Janitor interval: %v (ttl %v)\n", sym.Janitor, cfg.Janitor.Interval(), cfg.Janitor.TTL())
	} else {
		fmt.Printf("  %s Janitor: disabled\n", sym.Janitor)
	}
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	fmt.Printf("\n%s Shutting down...\n", sym.Pulse)

	if watcher != nil {
		watcher.Stop()
	}
	if ticker != nil {
		ticker.Stop()
	}
	rt.Pool.Stop()
	cancel()

	fmt.Printf("%s Pulse daemon stopped\n", sym.Pulse)
	return nil
}

// watchConfig applies janitor threshold changes from the highest precedence
// config file. Worker and storage settings need a restart.
func watchConfig(rt *session.Runtime) *am.ConfigWatcher {
	paths := am.ConfigPaths()
	if len(paths) == 0 {
		return nil
	}
	path := paths[len(paths)-1]

	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		logger.Warnw("Config hot-reload unavailable", "path", path, logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		rt.Janitor.SetConfig(session.JanitorConfig(cfg))
		return nil
	})
	watcher.Start()
	am.SetGlobalWatcher(watcher)
	return watcher
}

func runPulseJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	statusFlag, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	var status *async.JobStatus
	if statusFlag != "" {
		if !async.IsValidStatus(statusFlag) {
			return errors.NewInvalidRequestError("unknown job status %q", statusFlag)
		}
		s := async.JobStatus(statusFlag)
		status = &s
	}

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	jobs, err := rt.Queue.ListJobs(status, limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		pterm.Info.Printf("%s No jobs\n", sym.Pulse)
		return nil
	}

	rows := pterm.TableData{{"JOB", "KEY", "STATUS", "RETRIES", "CREATED", "ERROR"}}
	for _, j := range jobs {
		rows = append(rows, []string{
			truncate(j.ID, 12),
			j.Source,
			string(j.Status),
			fmt.Sprintf("%d", j.RetryCount),
			formatTime(j.CreatedAt),
			truncate(j.Error, 50),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
