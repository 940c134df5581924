package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := buildRoot()
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// buildRoot assembles the command tree.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createRunCommand(&RunFlags{}),
		createStateCommand(&StateFlags{}),
		createKillCommand(&KillFlags{}),
		createPsCommand(&PsFlags{}),
		createDeleteCommand(&DeleteFlags{}),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "mender",
		Short: "Run project commands and repair them when they fail",
		Long: `Mender runs shell commands for agent projects, records their output
as agent state and asks a language model how to recover when they fail.

Examples:
  mender serve --config=mender.toml          # Start the API daemon
  mender run --project=demo --cmd="go test ./..."
  mender state --project=demo
  mender ps`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags, timeout time.Duration) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (default http://localhost:3001/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", timeout, "request timeout")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate to trust for https daemons")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the mender daemon",
		Long: `Start the HTTP API, the websocket event stream and, when enabled,
the Prometheus metrics endpoint.

Examples:
  mender serve                               # Defaults and MENDER_* environment
  mender serve mender.toml
  mender serve --engine=echo --listen=:8080
  mender serve --metrics-listen=:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(cmd.Context(), *serveFlags, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "API listen address (overrides [server].listen)")
	cmd.Flags().StringVar(&serveFlags.BasePath, "base-path", "", "API base path (overrides [server].base_path)")
	cmd.Flags().StringVar(&serveFlags.Engine, "engine", "", "HTTP engine: gin or echo (overrides [server].engine)")
	cmd.Flags().StringVar(&serveFlags.MetricsListen, "metrics-listen", "", "enable metrics on this address")
	return cmd
}

func createRunCommand(f *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a project's commands through the daemon",
		Long: `Start an orchestrator run. Without --cmd the model is asked for the
commands to run; failing commands are repaired until the retry budget is spent.

Examples:
  mender run --project=demo --message="start the dev server"
  mender run --project=demo --cmd="npm install" --cmd="npm test"
  mender run --project=demo --detach`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return command{out: cmd.OutOrStdout()}.Run(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Project, "project", "", "project name (required)")
	cmd.Flags().StringVar(&f.Message, "message", "", "user message recorded before the run")
	cmd.Flags().StringVar(&f.Dir, "dir", "", "absolute project directory")
	cmd.Flags().StringArrayVar(&f.Commands, "cmd", nil, "command to run (repeatable)")
	cmd.Flags().BoolVar(&f.Detach, "detach", false, "return the run id without waiting")
	addAPIFlags(cmd, &f.APIFlags, 30*time.Minute)
	if err := cmd.MarkFlagRequired("project"); err != nil {
		panic(err)
	}
	return cmd
}

func createStateCommand(f *StateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show a project's agent state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return command{out: cmd.OutOrStdout()}.State(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Project, "project", "", "project name (required)")
	cmd.Flags().BoolVar(&f.Stack, "stack", false, "print the whole state stack")
	cmd.Flags().BoolVar(&f.Terminal, "terminal", false, "print only the latest terminal session")
	addAPIFlags(cmd, &f.APIFlags, 10*time.Second)
	if err := cmd.MarkFlagRequired("project"); err != nil {
		panic(err)
	}
	cmd.MarkFlagsMutuallyExclusive("stack", "terminal")
	return cmd
}

func createKillCommand(f *KillFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Terminate a live command by pid",
		RunE: func(cmd *cobra.Command, args []string) error {
			return command{out: cmd.OutOrStdout()}.Kill(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVar(&f.PID, "pid", 0, "process id (required)")
	addAPIFlags(cmd, &f.APIFlags, 10*time.Second)
	if err := cmd.MarkFlagRequired("pid"); err != nil {
		panic(err)
	}
	return cmd
}

func createPsCommand(f *PsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List live commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return command{out: cmd.OutOrStdout()}.Ps(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Project, "project", "", "only this project")
	addAPIFlags(cmd, &f.APIFlags, 10*time.Second)
	return cmd
}

func createDeleteCommand(f *DeleteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project's state stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			return command{out: cmd.OutOrStdout()}.Delete(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Project, "project", "", "project name (required)")
	addAPIFlags(cmd, &f.APIFlags, 10*time.Second)
	if err := cmd.MarkFlagRequired("project"); err != nil {
		panic(err)
	}
	return cmd
}
