package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the supervisor",
		Long: `Start the supervisor HTTP API on its configured address.

The supervisor expects the specialist fleet to be reachable; start it with
"warden up" to spawn the specialists too, or run them separately with
"warden specialist <name>". Graceful shutdown on SIGINT/SIGTERM; SIGHUP
re-discovers the fleet's tools.`,
		Example: `  # Default config (warden.yaml)
  warden serve

  # Explicit config and debug logging
  warden serve --config /etc/warden/warden.yaml --debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildSpecialistCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:       "specialist <name>",
		Short:     "Start one specialist tool server",
		Long:      "Start a single MCP tool server from the fleet: threat, recon, intel, gitops, or scribe.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"threat", "recon", "intel", "gitops", "scribe"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSpecialist(cmd.Context(), resolveConfigPath(configPath), args[0], debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildUpCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		stop       bool
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the whole fleet and the supervisor",
		Long: `Spawn every enabled specialist as a child process, wait for each to
answer its health probe, then run the supervisor in the foreground.
Children that crash are restarted with backoff. SIGINT/SIGTERM stops the
supervisor and terminates the children.`,
		Example: `  warden up
  warden up --config production.yaml
  warden up --stop`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if stop {
				return runStop(cmd, resolveConfigPath(configPath))
			}
			return runUp(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&stop, "stop", false, "Stop a running fleet instead of starting one")
	return cmd
}

func buildStopCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running fleet",
		Long: `Terminate specialists recorded in the runtime directory's pidfiles.
When no pidfiles match a live process, the configured ports are checked
against /proc listeners instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStop(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigCheckCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildConfigCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigCheck(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "warden %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
