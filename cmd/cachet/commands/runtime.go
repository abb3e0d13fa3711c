package commands

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/cachet/am"
	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/logger"
	"github.com/teranos/cachet/session"
)

// DefaultSession is used when neither --session nor CACHET_SESSION is set
const DefaultSession = "cli"

// openRuntime loads the configuration and builds every component
func openRuntime(ctx context.Context) (*session.Runtime, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return session.Open(ctx, cfg, logger.Logger)
}

// addSessionFlag registers --session on cmd and its children
func addSessionFlag(cmd *cobra.Command) {
	def := os.Getenv("CACHET_SESSION")
	if def == "" {
		def = DefaultSession
	}
	cmd.PersistentFlags().String("session", def, "Session the command acts for (env: CACHET_SESSION)")
}

func sessionOf(cmd *cobra.Command) string {
	s, _ := cmd.Flags().GetString("session")
	return s
}

// DefaultWaitTimeout bounds --wait unless --timeout says otherwise
const DefaultWaitTimeout = 10 * time.Minute

func addTimeoutFlag(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", DefaultWaitTimeout, "Give up waiting after this long (0 = no limit)")
}

// waitContext bounds cmd's context by its --timeout flag
func waitContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		return context.WithCancel(cmd.Context())
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

// readJSONArg returns arg as JSON. "@path" reads a file and "-" reads stdin.
func readJSONArg(arg string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	switch {
	case arg == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read stdin")
		}
		data = b
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", arg[1:])
		}
		data = b
	default:
		data = []byte(arg)
	}

	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, errors.NewInvalidRequestError("not valid JSON: %s", truncate(string(data), 60))
	}
	return data, nil
}

func parseKeys(args []string) ([]cache.Key, error) {
	keys := make([]cache.Key, 0, len(args))
	for _, a := range args {
		k, err := cache.ParseKey(strings.TrimSpace(a))
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Describe renders err with its hints for the terminal
func Describe(err error) string {
	msg := err.Error()
	for _, h := range errors.GetAllHints(err) {
		msg += "\n  hint: " + h
	}
	return msg
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
