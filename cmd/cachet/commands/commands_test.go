package commands

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cachet/cache"
	"github.com/teranos/cachet/errors"
)

func TestParseValue(t *testing.T) {
	assert.Equal(t, int64(4), parseValue("4"))
	assert.Equal(t, 0.5, parseValue("0.5"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, "redis", parseValue("redis"))
}

func TestReadJSONArg(t *testing.T) {
	t.Run("inline", func(t *testing.T) {
		raw, err := readJSONArg(` {"url":"https://example.com"} `, nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"url":"https://example.com"}`, string(raw))
	})

	t.Run("stdin", func(t *testing.T) {
		raw, err := readJSONArg("-", strings.NewReader(`[1,2]`))
		require.NoError(t, err)
		assert.Equal(t, json.RawMessage(`[1,2]`), raw)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "desc.json")
		require.NoError(t, os.WriteFile(path, []byte("{\"source\":\"a.csv\"}\n"), 0o644))

		raw, err := readJSONArg("@"+path, nil)
		require.NoError(t, err)
		assert.Equal(t, `{"source":"a.csv"}`, string(raw))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := readJSONArg("@"+filepath.Join(t.TempDir(), "nope.json"), nil)
		assert.Error(t, err)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := readJSONArg("{url:", nil)
		assert.True(t, errors.IsInvalidRequestError(err))
	})
}

func TestParseKeys(t *testing.T) {
	key, _, err := cache.Address("httpjson", json.RawMessage(`{"url":"https://example.com"}`))
	require.NoError(t, err)

	keys, err := parseKeys([]string{" " + string(key) + " "})
	require.NoError(t, err)
	assert.Equal(t, []cache.Key{key}, keys)

	_, err = parseKeys([]string{string(key), "not-a-key"})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestDescribe(t *testing.T) {
	err := errors.WithHint(errors.New("pulse.workers is 0"), "pass --workers")
	assert.Equal(t, "pulse.workers is 0\n  hint: pass --workers", Describe(err))
	assert.Equal(t, "plain", Describe(errors.New("plain")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}

func TestCommandTree(t *testing.T) {
	subcommands := func(parent *cobra.Command) []string {
		var names []string
		for _, c := range parent.Commands() {
			names = append(names, c.Name())
		}
		return names
	}

	assert.ElementsMatch(t, []string{"submit", "status", "rm", "ls", "resolve"}, subcommands(IxCmd))
	assert.ElementsMatch(t, []string{"save", "access", "show", "ls"}, subcommands(StateCmd))
	assert.ElementsMatch(t, []string{"start", "jobs"}, subcommands(PulseCmd))
	assert.ElementsMatch(t, []string{"run"}, subcommands(JanitorCmd))
	assert.ElementsMatch(t, []string{"show", "set", "check"}, subcommands(AmCmd))
	assert.ElementsMatch(t, []string{"migrate", "stats"}, subcommands(DbCmd))
	assert.NotNil(t, VersionCmd.Flags().Lookup("json"))

	assert.NotNil(t, IxCmd.PersistentFlags().Lookup("session"))
	assert.NotNil(t, StateCmd.PersistentFlags().Lookup("session"))
}

func TestWaitContext(t *testing.T) {
	cmd := &cobra.Command{Use: "wait"}
	addTimeoutFlag(cmd)
	cmd.SetContext(context.Background())

	ctx, cancel := waitContext(cmd)
	deadline, ok := ctx.Deadline()
	cancel()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(DefaultWaitTimeout), deadline, time.Minute)

	require.NoError(t, cmd.Flags().Set("timeout", "0"))
	ctx, cancel = waitContext(cmd)
	defer cancel()
	_, ok = ctx.Deadline()
	assert.False(t, ok)
}
