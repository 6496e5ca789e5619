package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
	NoColor    bool
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	StopOnExit      bool
	ShutdownTimeout time.Duration
}

// ValidateFlags holds flags for the validate command
type ValidateFlags struct {
	Print bool
}

// ReconcileFlags holds flags for the reconcile command
type ReconcileFlags struct {
	Local bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createReconcileCommand(globalFlags),
		createStatusCommand(globalFlags),
		createJobsCommand(globalFlags),
		createValidateCommand(globalFlags),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "fleetd",
		Short: "Orchestrator for MCP servers and A2A agents",
		Long: `fleetd keeps a fleet of MCP servers and A2A agents running as declared in
its configuration: it reconciles the process table against the desired state,
runs background jobs and exposes an admin API.

Examples:
  fleetd serve --config fleetd.yaml      # boot the daemon
  fleetd status                          # query a running daemon
  fleetd reconcile --json                # run one pass and print the result
  fleetd jobs run database_vacuum`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "fleetd.yaml", "path to the YAML config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default derived from the config's server section)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "API request timeout")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print machine-readable JSON")
	root.PersistentFlags().BoolVar(&flags.NoColor, "no-color", false, "disable colour output")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.yaml]",
		Short: "Boot the fleetd daemon",
		Long: `Boot the daemon: open the store, reconcile every configured service, start
the job scheduler and the admin API, then run until interrupted.

The startup progress is printed as a banner on a terminal, or as a JSON report
with --json. The command exits non-zero when startup hits a fatal error.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), cmd.OutOrStdout(), path, globalFlags, serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.StopOnExit, "stop-on-exit", false, "stop every running service when the daemon exits")
	cmd.Flags().DurationVar(&serveFlags.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for a graceful shutdown")
	return cmd
}

func createReconcileCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ReconcileFlags{}
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconcile pass",
		Long: `Run one reconcile pass. When a daemon answers on the API URL the pass runs
inside the daemon; otherwise (or with --local) it runs in this process
against the configured store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context(), cmd.OutOrStdout(), globalFlags, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Local, "local", false, "never delegate to a running daemon")
	return cmd
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]",
		Short: "Show the verified state of services",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) > 0 {
				name = args[0]
			}
			return runStatus(cmd.Context(), cmd.OutOrStdout(), globalFlags, name)
		},
	}
}

func createJobsCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List or trigger background jobs",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List jobs with their last run and next trigger",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runJobsList(cmd.Context(), cmd.OutOrStdout(), globalFlags)
			},
		},
		&cobra.Command{
			Use:   "run <name>",
			Short: "Run a job now",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runJobRun(cmd.Context(), cmd.OutOrStdout(), globalFlags, args[0])
			},
		},
	)
	return cmd
}

func createValidateCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ValidateFlags{}
	cmd := &cobra.Command{
		Use:   "validate [config.yaml]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runValidate(cmd.OutOrStdout(), path, flags.Print)
		},
	}
	cmd.Flags().BoolVar(&flags.Print, "print", false, "print the normalized configuration as YAML")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fleetd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "fleetd", version)
		},
	}
}
