package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with all subcommands writing to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := &command{out: out, global: globalFlags}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createValidateCommand(c),
		createShowCommand(c),
		createRunCommand(c),
		createServeCommand(c),
		createApplyCommand(c),
		createListCommand(c),
		createStatusCommand(c),
		createActionCommand("start", "Start apps on the daemon", c.Start),
		createStopCommand(c),
		createActionCommand("restart", "Restart apps on the daemon", c.Restart),
		createActionCommand("delete", "Stop and remove apps from the daemon", c.Delete),
		createDumpCommand(c),
		createResurrectCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "appvisor",
		Short: "Supervisor for pm2 style process launch descriptors",
		Long: `Appvisor reads pm2 ecosystem files (ecosystem.config.js, json, yaml, toml)
and keeps the described apps running: exact launch lines, merged environment,
bounded crash restarts, file watching and rotated log sinks.

Examples:
  appvisor validate ecosystem.config.js
  appvisor run ecosystem.config.js            # supervise in the foreground
  appvisor serve --config appvisor.toml       # daemon with HTTP API
  appvisor list --api-url=http://remote:9615/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to appvisor.toml (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default from config or http://127.0.0.1:9615/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "daemon request timeout")
	root.PersistentFlags().StringVar(&flags.APICAFile, "api-ca", "", "CA bundle for an https daemon (e.g. its ca.crt)")
	root.PersistentFlags().BoolVar(&flags.APIInsecure, "api-insecure", false, "skip TLS verification for the daemon")
	return root
}

func createValidateCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate ecosystem files",
		Long: `Parse and validate one or more ecosystem files. Names must be unique
across all files; each file is otherwise validated independently.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Validate(args)
		},
	}
}

func createShowCommand(c *command) *cobra.Command {
	f := &ShowFlags{}
	cmd := &cobra.Command{
		Use:   "show FILE...",
		Short: "Print the normalized descriptors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Files = args
			return c.Show(*f)
		},
	}
	cmd.Flags().StringVar(&f.Format, "format", "yaml", "output format: json, yaml or toml")
	return cmd
}

func createRunCommand(c *command) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run [FILE...]",
		Short: "Supervise apps in the foreground until interrupted",
		Long: `Load the ecosystem files (and those listed in --config) and supervise
every app until SIGINT or SIGTERM.

Examples:
  appvisor run ecosystem.config.js
  appvisor run --only truthlens-streamlit ecosystem.config.js ecosystem_test.config.js`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Files = args
			return c.Run(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringSliceVar(&f.Only, "only", nil, "start only these apps")
	cmd.Flags().BoolVar(&f.Serve, "serve", false, "also serve the HTTP API")
	return cmd
}

func createServeCommand(c *command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config]",
		Short: "Start the appvisor daemon",
		Long: `Start the daemon: HTTP API, optional metrics, history sinks and the
dump/resurrect store, all configured from appvisor.toml.

Examples:
  appvisor serve --config appvisor.toml
  appvisor serve appvisor.toml --daemonize`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				c.global.ConfigPath = args[0]
			}
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "pid file guarded by a lock (overrides [daemon].pidfile)")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output to file (overrides [daemon].logfile)")
	return cmd
}

func createApplyCommand(c *command) *cobra.Command {
	f := &ApplyFlags{}
	cmd := &cobra.Command{
		Use:   "apply FILE...",
		Short: "Register ecosystem files with the daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Files = args
			return c.Apply(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.Start, "start", true, "start the apps after registering")
	return cmd
}

func createListCommand(c *command) *cobra.Command {
	f := &ListFlags{}
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List apps on the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Match, "match", "", "only apps whose name matches this '*' pattern")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a table")
	return cmd
}

func createStatusCommand(c *command) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status NAME",
		Short: "Show one app and its instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Name = args[0]
			return c.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a table")
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	f := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop NAME...",
		Short: "Stop apps on the daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Names = args
			return c.Stop(cmd.Context(), *f)
		},
	}
	cmd.Flags().DurationVar(&f.Wait, "wait", 5*time.Second, "how long to wait for the apps to exit")
	return cmd
}

func createActionCommand(use, short string, fn func(ctx context.Context, names []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return fn(cmd.Context(), args)
		},
	}
}

func createDumpCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Save the daemon's app set to its store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Dump(cmd.Context())
		},
	}
}

func createResurrectCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "resurrect",
		Short: "Restore and start the saved app set on the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Resurrect(cmd.Context())
		},
	}
}
