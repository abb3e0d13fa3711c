package commands

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cachet/sym"
)

// StateCmd represents the state command - saved templates shared across sessions
var StateCmd = &cobra.Command{
	Use:   "state",
	Short: sym.State + " Save and share templates that reference cache keys",
	Long: sym.State + ` State vault - share $key$ templates between sessions.

A state records the descriptors behind every key in a template. Another
session requests access with its own credentials, which re-runs the
extractions under new keys, then shows the template rewritten to them.

Examples:
  cachet state save httpjson @dashboard.json
  cachet state access 3b1f... --session bob --creds $BOB_TOKEN
  cachet state show 3b1f... --session bob --wait
  cachet state ls`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// StateSaveCmd saves a template
var StateSaveCmd = &cobra.Command{
	Use:   "save <origin> <template>",
	Short: "Save a template whose keys are granted to the session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		template, err := readJSONArg(args[1], cmd.InOrStdin())
		if err != nil {
			return err
		}
		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		id, err := rt.Service.SaveState(ctx, sessionOf(cmd), args[0], template)
		if err != nil {
			return err
		}
		pterm.Success.Printf("%s Saved state %s\n", sym.State, id)
		return nil
	},
}

// StateAccessCmd requests access to a state
var StateAccessCmd = &cobra.Command{
	Use:   "access <state-id>",
	Short: "Re-run a state's extractions with the session's credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		ready, err := rt.Service.RequestAccess(ctx, sessionOf(cmd), args[0], credentials(cmd))
		if err != nil {
			return err
		}
		if ready {
			pterm.Success.Printf("%s State %s is ready\n", sym.State, args[0])
			return nil
		}
		pterm.Info.Printf("%s Extractions for %s are pending; run 'cachet state show %s --wait'\n", sym.State, args[0], args[0])
		return nil
	},
}

// StateShowCmd materializes a state
var StateShowCmd = &cobra.Command{
	Use:   "show <state-id>",
	Short: "Print the state's template rewritten to the session's keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		wait, _ := cmd.Flags().GetBool("wait")
		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		if wait {
			if !rt.StartWorkers() {
				pterm.Warning.Println("pulse.workers is 0: waiting for a separate 'cachet pulse start'")
			}
			var cancel context.CancelFunc
			ctx, cancel = waitContext(cmd)
			defer cancel()
		}
		out, err := rt.Service.Materialize(ctx, sessionOf(cmd), args[0], wait)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// StateLsCmd lists saved states
var StateLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List saved state ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		ids, err := rt.Service.States(ctx)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			pterm.Info.Println("No saved states")
			return nil
		}
		items := make([]pterm.BulletListItem, len(ids))
		for i, id := range ids {
			items[i] = pterm.BulletListItem{Level: 0, Text: id}
		}
		return pterm.DefaultBulletList.WithItems(items).Render()
	},
}

func init() {
	addSessionFlag(StateCmd)

	StateAccessCmd.Flags().String("creds", "", "Credentials for the re-run extractions (env: CACHET_CREDENTIALS)")
	StateShowCmd.Flags().Bool("wait", false, "Run workers in this process and wait for pending extractions")
	addTimeoutFlag(StateShowCmd)

	StateCmd.AddCommand(StateSaveCmd)
	StateCmd.AddCommand(StateAccessCmd)
	StateCmd.AddCommand(StateShowCmd)
	StateCmd.AddCommand(StateLsCmd)
}
