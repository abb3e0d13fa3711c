package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/session"
	"github.com/teranos/cachet/sym"
)

// IxCmd represents the ix command - extraction and cache key operations
var IxCmd = &cobra.Command{
	Use:   "ix",
	Short: sym.IX + " Submit extractions and manage cache keys",
	Long: sym.IX + ` Extraction (ix) - cache key management for one session.

Descriptors are JSON objects; pass them inline, as @file or as - for stdin.
Equivalent descriptors (same fields in any order) share one cache key.

Examples:
  cachet ix submit httpjson '{"url":"https://api.example.com/v1/prices"}' --creds $TOKEN
  cachet ix submit remotefile @sales.json --wait
  cachet ix status 9f86d081884c... --wait
  cachet ix ls
  cachet ix resolve '{"input":"$9f86d081884c...$"}'
  cachet ix rm 9f86d081884c...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// IxSubmitCmd submits one or more descriptors
var IxSubmitCmd = &cobra.Command{
	Use:   "submit <origin> <descriptor>...",
	Short: "Submit descriptors and grant the resulting keys",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runIxSubmit,
}

// IxStatusCmd reports key states
var IxStatusCmd = &cobra.Command{
	Use:   "status <key>...",
	Short: "Show the state of granted keys",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIxStatus,
}

// IxRmCmd deletes a key
var IxRmCmd = &cobra.Command{
	Use:   "rm <key>",
	Short: "Revoke a pending job and delete the key's record and content",
	Args:  cobra.ExactArgs(1),
	RunE:  runIxRm,
}

// IxLsCmd lists granted keys
var IxLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the keys granted to the session",
	RunE:  runIxLs,
}

// IxResolveCmd substitutes datasets into an argument object
var IxResolveCmd = &cobra.Command{
	Use:   "resolve <arguments>",
	Short: "Replace $key$ placeholders in a JSON object with their datasets",
	Args:  cobra.ExactArgs(1),
	RunE:  runIxResolve,
}

func init() {
	addSessionFlag(IxCmd)

	IxSubmitCmd.Flags().String("creds", "", "Credentials handed to the extraction backend (env: CACHET_CREDENTIALS)")
	IxSubmitCmd.Flags().String("label", "", "Label stored with the entries")
	IxSubmitCmd.Flags().Bool("wait", false, "Run workers in this process and wait for the extractions")
	IxStatusCmd.Flags().Bool("wait", false, "Run workers in this process and wait until every key settles")
	addTimeoutFlag(IxSubmitCmd)
	addTimeoutFlag(IxStatusCmd)

	IxCmd.AddCommand(IxSubmitCmd)
	IxCmd.AddCommand(IxStatusCmd)
	IxCmd.AddCommand(IxRmCmd)
	IxCmd.AddCommand(IxLsCmd)
	IxCmd.AddCommand(IxResolveCmd)
}

func credentials(cmd *cobra.Command) string {
	creds, _ := cmd.Flags().GetString("creds")
	if creds == "" {
		creds = os.Getenv("CACHET_CREDENTIALS")
	}
	return creds
}

func runIxSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	origin := args[0]
	descriptors := make([]json.RawMessage, 0, len(args)-1)
	for _, a := range args[1:] {
		d, err := readJSONArg(a, cmd.InOrStdin())
		if err != nil {
			return err
		}
		descriptors = append(descriptors, d)
	}
	label, _ := cmd.Flags().GetString("label")
	wait, _ := cmd.Flags().GetBool("wait")

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	sess := sessionOf(cmd)
	keys, err := rt.Service.Submit(ctx, sess, session.SubmitRequest{
		Origin:      origin,
		Descriptors: descriptors,
		Label:       label,
		Credentials: credentials(cmd),
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		pterm.Success.Printf("%s %s\n", sym.IX, k)
	}

	if !wait {
		pterm.Info.Println("Extractions run under 'cachet pulse start'; poll with 'cachet ix status <key>'")
		return nil
	}
	ctx, cancel := waitContext(cmd)
	defer cancel()
	return printStatuses(ctx, rt, sess, keys, true)
}

func runIxStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	keys, err := parseKeys(args)
	if err != nil {
		return err
	}
	wait, _ := cmd.Flags().GetBool("wait")

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if wait {
		var cancel context.CancelFunc
		ctx, cancel = waitContext(cmd)
		defer cancel()
	}
	return printStatuses(ctx, rt, sessionOf(cmd), keys, wait)
}

func printStatuses(ctx context.Context, rt *session.Runtime, sess string, keys []cache.Key, wait bool) error {
	if wait && !rt.StartWorkers() {
		pterm.Warning.Println("pulse.workers is 0: waiting for a separate 'cachet pulse start'")
	}
	statuses, err := rt.Service.Status(ctx, sess, keys, wait)
	if err != nil {
		return err
	}

	rows := pterm.TableData{{"KEY", "STATE", "KIND", "LAST ACCESS", "ERROR"}}
	seen := make(map[cache.Key]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		st := statuses[k]
		rows = append(rows, []string{k.Short(), stateColor(st.State), st.ProducedKind, formatTime(st.LastAccess), truncate(st.Error, 60)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runIxRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	keys, err := parseKeys(args)
	if err != nil {
		return err
	}

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Service.Delete(ctx, sessionOf(cmd), keys[0]); err != nil {
		return err
	}
	pterm.Success.Printf("%s Deleted %s\n", sym.IX, keys[0].Short())
	return nil
}

func runIxLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	sess := sessionOf(cmd)
	keys, err := rt.Service.Keys(ctx, sess)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		pterm.Info.Printf("%s No keys granted to session %q\n", sym.IX, sess)
		return nil
	}
	if err := printStatuses(ctx, rt, sess, keys, false); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d key(s)\n", len(keys))
	return nil
}

func runIxResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	raw, err := readJSONArg(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	out, err := rt.Service.ResolveJSON(ctx, sessionOf(cmd), raw)
	if err != nil {
		return errors.Wrap(err, "resolve")
	}
	fmt.Println(string(out))
	return nil
}

func stateColor(s cache.JobState) string {
	switch s {
	case cache.StateSuccess:
		return pterm.Green(string(s))
	case cache.StateFailure, cache.StateRevoked:
		return pterm.Red(string(s))
	case cache.StateUnknown:
		return pterm.Gray(string(s))
	}
	return pterm.Yellow(string(s))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
