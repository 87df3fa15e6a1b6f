package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/goalproxy/internal/app"
	"github.com/dshills/goalproxy/internal/config"
)

// flags holds command-line settings. Only flags the user set override the
// configuration file and environment.
type flags struct {
	configPath string
	workDir    string
	logFile    string
	verbosity  int
	debounce   time.Duration
	socket     string
	perProject bool
	noSocket   bool
	keepRaw    bool
	metrics    string
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "goalproxy [flags] [-- backend command...]",
		Short: "LSP proxy that publishes Lean proof state",
		Long: `goalproxy sits between an editor and the Lean language server.

Configure your editor to start goalproxy instead of 'lake serve'. Every LSP
message is forwarded unchanged; whenever the cursor moves, goalproxy asks the
server for the goals at that position and publishes them as JSON lines on a
local socket, where 'goalproxy watch' or any other display client can read
them.

Examples:
  # Run as the editor's language server
  goalproxy

  # Use a different server command
  goalproxy -- lean --server

  # Follow the proof state from another terminal
  goalproxy watch`,
		Args:          backendArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, f, args)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "configuration file (default: discovered goalproxy.toml)")
	pf.StringVar(&f.workDir, "workdir", "", "project directory (default: current directory)")
	pf.BoolVar(&f.perProject, "per-project", false, "derive the socket name from the project directory")
	pf.StringVar(&f.socket, "socket", "", "display socket path")

	addServeFlags(root, f)

	root.AddCommand(newServeCmd(f), newSocketPathCmd(f), newWatchCmd(f), newVersionCmd())
	return root
}

func newServeCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [-- backend command...]",
		Short: "Run the proxy on stdin/stdout (the default)",
		Args:  backendArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, f, args)
		},
	}
	addServeFlags(cmd, f)
	return cmd
}

// backendArgs accepts positional arguments only after "--", so a mistyped
// subcommand is not taken for a backend command.
func backendArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 && cmd.ArgsLenAtDash() != 0 {
		return fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())
	}
	return nil
}

func addServeFlags(cmd *cobra.Command, f *flags) {
	fl := cmd.Flags()
	fl.StringVar(&f.logFile, "log-file", "", "log file path")
	fl.IntVarP(&f.verbosity, "verbose", "v", 1, "log verbosity (0 notice, 1 info, 2 debug)")
	fl.DurationVar(&f.debounce, "debounce", 0, "live-typing debounce window")
	fl.BoolVar(&f.noSocket, "no-socket", false, "do not open the display socket")
	fl.BoolVar(&f.keepRaw, "keep-raw", false, "include the raw goals result in snapshots")
	fl.StringVar(&f.metrics, "metrics-addr", "", "serve Prometheus metrics on this address")
}

func serve(cmd *cobra.Command, f *flags, args []string) error {
	opts, err := f.options(cmd, args)
	if err != nil {
		return err
	}
	a, err := app.New(opts)
	if err != nil {
		return err
	}
	return a.Run(cmd.Context())
}

// options resolves the working directory and configuration file and turns
// explicitly set flags into configuration overrides.
func (f *flags) options(cmd *cobra.Command, backend []string) (app.Options, error) {
	workDir := f.workDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return app.Options{}, err
		}
		workDir = wd
	}
	configPath := f.configPath
	if configPath == "" {
		configPath = config.Discover(workDir)
	} else if _, err := os.Stat(configPath); err != nil {
		return app.Options{}, fmt.Errorf("config file: %w", err)
	}

	changed := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}
	overrides := func(cfg *config.Config) {
		if len(backend) > 0 {
			cfg.Backend.Command = backend[0]
			cfg.Backend.Args = backend[1:]
		}
		if changed("log-file") {
			cfg.Log.Path = f.logFile
		}
		if changed("verbose") {
			cfg.Log.Verbosity = f.verbosity
		}
		if changed("debounce") {
			cfg.Tracker.Debounce = config.Duration(f.debounce)
		}
		if changed("socket") {
			cfg.Broadcast.Socket = f.socket
		}
		if changed("per-project") {
			cfg.Broadcast.PerProject = f.perProject
		}
		if changed("no-socket") {
			cfg.Broadcast.Disabled = f.noSocket
		}
		if changed("keep-raw") {
			cfg.Proxy.KeepRaw = f.keepRaw
		}
		if changed("metrics-addr") {
			cfg.Metrics.Addr = f.metrics
		}
	}
	return app.Options{ConfigPath: configPath, WorkDir: workDir, Overrides: overrides}, nil
}
