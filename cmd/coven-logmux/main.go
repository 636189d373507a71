// ABOUTME: Entry point for coven-logmux, the agent output multiplexer
// ABOUTME: Merges per-agent log streams into one burst-grouped combined stream

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389/coven-mesh/internal/logmux"
)

func main() {
	var (
		configPath  = flag.String("config", "", "TOML config file (alternative to positional args)")
		burstWindow = flag.Duration("burst-window", logmux.DefaultBurstWindow, "quiet time that closes an agent's burst")
		maxHold     = flag.Duration("max-hold", logmux.DefaultMaxHold, "longest any line may be buffered")
		suppress    = flag.Bool("suppress-duplicates", false, "drop repeated identical lines per agent")
		hideIDs     = flag.Bool("hide-agent-ids", false, "omit agent headers from the merged stream")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: coven-logmux [flags] agent_id=source_path ...\n\n")
		fmt.Fprintf(os.Stderr, "Merges per-agent line streams into one combined stream.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	opts := logmux.Options{
		BurstWindow:        *burstWindow,
		MaxHold:            *maxHold,
		SuppressDuplicates: *suppress,
		HideAgentIDs:       *hideIDs,
	}

	var sources []logmux.Source
	if *configPath != "" {
		fileOpts, fileSources, err := logmux.LoadFileConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		sources = fileSources
		if fileOpts.BurstWindow > 0 {
			opts.BurstWindow = fileOpts.BurstWindow
		}
		if fileOpts.MaxHold > 0 {
			opts.MaxHold = fileOpts.MaxHold
		}
		opts.SuppressDuplicates = opts.SuppressDuplicates || fileOpts.SuppressDuplicates
		opts.HideAgentIDs = opts.HideAgentIDs || fileOpts.HideAgentIDs
	} else {
		parsed, err := logmux.ParseSourceArgs(flag.Args())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		sources = parsed
	}

	if len(sources) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mux := logmux.New(opts)
	if err := mux.RunFiles(ctx, sources); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
