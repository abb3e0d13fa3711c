package commands

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cachet/am"
	"github.com/teranos/cachet/errors"
	"github.com/teranos/cachet/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show and change configuration",
	Long: sym.AM + ` am - Show and change cachet configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. User config (~/.cachet/am.toml)
3. Project config (./am.toml, searched upwards)
4. Environment variables (CACHET_* prefix, also read from .env)

Examples:
  cachet am show                     # Show the effective configuration
  cachet am show --format json
  cachet am set janitor.ttl_seconds 86400
  cachet am check                    # Validate and report unknown keys`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runAmShow,
}

var amSetCmd = &cobra.Command{
	Use:   "set <section.key> <value>",
	Short: "Write a value to the project am.toml",
	Long: `Write a value to ./am.toml (or the file given with --file). The previous
file is kept as .back1. A running 'pulse start' picks up janitor changes.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and report unknown keys",
	RunE:  runAmCheck,
}

var (
	configFormat string
	configFile   string
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json")
	amSetCmd.Flags().StringVar(&configFile, "file", "am.toml", "Config file to modify")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amCheckCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))
	case "toml":
		data, err := am.Encode(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# cachet configuration\n%s", data)
	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json)", configFormat)
	}
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	value := parseValue(args[1])
	if err := am.SetValue(configFile, args[0], value); err != nil {
		return err
	}
	pterm.Success.Printf("%s = %v written to %s\n", args[0], value, configFile)
	return nil
}

func runAmCheck(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	clean := true
	for _, path := range am.ConfigPaths() {
		unknown, err := am.UnknownKeys(path)
		if err != nil {
			return err
		}
		for _, key := range unknown {
			clean = false
			pterm.Warning.Printf("%s: unknown key %s\n", path, key)
		}
	}

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	if clean {
		pterm.Success.Println("Configuration is valid")
	} else {
		pterm.Info.Println("Configuration is valid; unknown keys are ignored")
	}
	return nil
}

// parseValue keeps integers, floats and booleans typed in the TOML file
func parseValue(s string) interface{} {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
