package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"meshalert/internal/app"
	"meshalert/internal/clock"
	"meshalert/internal/config"
)

const (
	exitOK     = 0
	exitRun    = 1
	exitConfig = 2
)

// main starts mesh alert delivery service using file or directory config source.
// Params: CLI flags (--config-file or --config-dir).
// Returns: process exit code by startup/run result.
func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run parses flags and drives config check or service lifecycle.
// Params: root context, CLI arguments, and output writers.
// Returns: exit code; config and init failures are exitConfig, run failures exitRun.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("meshalert", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config-file", "", "path to one TOML config file")
	configDir := flags.String("config-dir", "", "path to directory with TOML config fragments")
	checkOnly := flags.Bool("check", false, "validate configuration and exit")
	if err := flags.Parse(args); err != nil {
		return exitConfig
	}

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitConfig
	}

	if *checkOnly {
		cfg, err := config.LoadSnapshot(source)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, "config invalid:", err.Error())
			return exitConfig
		}
		_, _ = fmt.Fprintf(stdout, "config ok: %d channels, policy %s\n", len(cfg.Channel), cfg.Router.Policy)
		return exitOK
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "service init failed:", err.Error())
		return exitConfig
	}

	if err := service.Run(ctx); err != nil {
		_, _ = fmt.Fprintln(stderr, "service run failed:", err.Error())
		return exitRun
	}
	return exitOK
}
