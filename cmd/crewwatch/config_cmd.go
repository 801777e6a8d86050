package main

import (
	"fmt"
	"sort"

	"crewwatch/internal/config"

	"github.com/spf13/cobra"
)

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, opts, nil)
			if err != nil {
				return err
			}
			data, err := cfg.YAML()
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sources",
		Short: "Show where each non-default value came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, meta, err := loadConfig(cmd, opts, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if file := meta.File(); file != "" {
				fmt.Fprintf(out, "%s %s\n", bold("config file:"), file)
			}
			sources := meta.Sources()
			if len(sources) == 0 {
				fmt.Fprintln(out, gray("all values are defaults"))
				return nil
			}
			keys := make([]string, 0, len(sources))
			for key := range sources {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Fprintf(out, "%-40s %s\n", key, sourceText(sources[key]))
			}
			return nil
		},
	})
	return cmd
}

func sourceText(src config.ValueSource) string {
	switch src {
	case config.SourceEnv:
		return yellow(string(src))
	case config.SourceFile:
		return cyan(string(src))
	case config.SourceOverride:
		return green(string(src))
	default:
		return gray(string(src))
	}
}
