package main

import (
	"fmt"

	"crewwatch/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type rootOptions struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "crewwatch",
		Short: "Live execution monitor for crews and flows",
		Long: `crewwatch reconciles framework events into per-execution state and
pushes every change to dashboards over WebSocket.

Examples:
  crewwatch serve --addr :8000
  crewwatch watch --server http://localhost:8000 crew-1
  crewwatch config show --config crewwatch.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newWatchCommand())
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// loadConfig resolves configuration for cmd. Flags listed in bindings that
// the user set explicitly override every other source.
func loadConfig(cmd *cobra.Command, opts *rootOptions, bindings map[string]string) (config.Config, config.Metadata, error) {
	var loadOpts []config.Option
	if opts.configFile != "" {
		loadOpts = append(loadOpts, config.WithConfigFile(opts.configFile))
	}

	var flagErr error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		key, ok := bindings[f.Name]
		if !ok || flagErr != nil {
			return
		}
		value, err := flagValue(cmd, f)
		if err != nil {
			flagErr = fmt.Errorf("flag --%s: %w", f.Name, err)
			return
		}
		loadOpts = append(loadOpts, config.WithOverride(key, value))
	})
	if flagErr != nil {
		return config.Config{}, config.Metadata{}, flagErr
	}
	return config.Load(loadOpts...)
}

func flagValue(cmd *cobra.Command, f *pflag.Flag) (any, error) {
	switch f.Value.Type() {
	case "stringSlice":
		return cmd.Flags().GetStringSlice(f.Name)
	case "duration":
		return cmd.Flags().GetDuration(f.Name)
	case "int":
		return cmd.Flags().GetInt(f.Name)
	case "bool":
		return cmd.Flags().GetBool(f.Name)
	default:
		return f.Value.String(), nil
	}
}
