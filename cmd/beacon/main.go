package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"beacon/internal/app"
)

const (
	exitCodeFailure = 1
	exitCodeUsage   = 2
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// run starts the telemetry agent process.
// Params: args command-line arguments without the program name.
// Returns: process exit code.
func run(args []string) int {
	var (
		configPath    string
		showInfo      bool
		sendTestEvent bool
	)

	flagSet := pflag.NewFlagSet("beacon", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "config.toml", "path to TOML config file or directory")
	flagSet.BoolVarP(&showInfo, "version", "v", false, "show build information")
	flagSet.BoolVar(&sendTestEvent, "send-test-event", false, "deliver one synchronous test event and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCodeUsage
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		fmt.Fprintf(os.Stderr, "error: unexpected argument: %s\n", extra[0])
		return exitCodeUsage
	}

	if showInfo {
		fmt.Printf("beacon version=%s commit=%s date=%s\n", version, commit, date)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if sendTestEvent {
		if err := app.SendTestEvent(ctx, configPath, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return exitCodeFailure
		}
		return 0
	}

	reloadSignal := make(chan os.Signal, 1)
	signal.Notify(reloadSignal, syscall.SIGHUP)
	defer signal.Stop(reloadSignal)

	reload := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadSignal:
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		}
	}()

	if err := app.Run(ctx, app.Runtime{ConfigPath: configPath, Reload: reload}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCodeFailure
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:]))
}
