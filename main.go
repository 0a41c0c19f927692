// Command beso prepares and runs structural topology-optimization jobs:
// mesh an STL or shape program, write the solver inputs, then drive the
// meshing, solving, optimization and viewing tools in order.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/chazu/beso/internal/logging"
	"github.com/chazu/beso/pkg/config"
	"github.com/chazu/beso/pkg/process"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// deps are what the commands touch outside the process. Tests swap them.
type deps struct {
	fs     afero.Fs
	out    io.Writer
	errOut io.Writer
	runner process.Runner
}

// cli is the per-invocation state shared by the subcommands. app is set
// once the persistent pre-run has loaded the settings.
type cli struct {
	deps
	v   *viper.Viper
	cfg *config.Config
	app *App
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(deps{fs: afero.NewOsFs(), out: os.Stdout, errOut: os.Stderr})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var se *ShapeError
		if errors.As(err, &se) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd(d deps) *cobra.Command {
	c := &cli{deps: d, v: config.New()}
	if c.out == nil {
		c.out = os.Stdout
	}
	if c.errOut == nil {
		c.errOut = os.Stderr
	}

	root := &cobra.Command{
		Use:           "beso",
		Short:         "Topology optimization pipeline driver",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.v, c.fs, c.v.GetString("config"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			level, err := logging.ParseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			logging.Init(level, cfg.LogFormat, c.errOut)
			c.cfg = cfg
			c.app = NewApp(c.fs, cfg, c.runner)
			return nil
		},
	}
	root.SetOut(c.out)
	root.SetErr(c.errOut)

	pf := root.PersistentFlags()
	pf.String("config", "", "settings file (yaml, json or toml)")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("tools-dir", "", "directory holding the external tools (default: next to this binary)")
	pf.String("work-dir", "", "base directory for run workspaces (default: OS temp)")
	pf.String("stl-unit", "", "unit the STL is written in")
	pf.Duration("stage-timeout", 0, "abort a stage running longer than this (0 disables)")

	for key, flag := range map[string]string{
		"config":        "config",
		"log_level":     "log-level",
		"log_format":    "log-format",
		"tools_dir":     "tools-dir",
		"work_dir":      "work-dir",
		"stl_unit":      "stl-unit",
		"stage_timeout": "stage-timeout",
	} {
		_ = c.v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddCommand(
		c.runCmd(),
		c.specCmd(),
		c.encodeCmd(),
		c.inspectCmd(),
		c.shapeCmd(),
		c.patchCmd(),
		c.workspaceCmd(),
	)
	return root
}
