// Command r128sim runs the command engine against a simulated Rage128 and
// pushes a synthetic workload through it from several clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/tinyrange/cce/internal/config"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "Session config (YAML); the built-in layout is used when empty")
	submissions := fs.Int("submissions", 1000, "Number of packets to submit")
	clients := fs.Int("clients", 2, "Number of client contexts")
	frameEvery := fs.Int("frame-every", 16, "Emit a frame marker every N submissions")
	wordsPerTick := fs.Int("rate", 64, "Ring words the device consumes per microsecond of delay")
	tracePath := fs.String("trace", "", "Write a timeslice trace of every bounded wait to this file")
	verbose := fs.Bool("v", false, "Enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := run(ctx, options{
		Config:       cfg,
		Submissions:  *submissions,
		Clients:      *clients,
		FrameEvery:   *frameEvery,
		WordsPerTick: *wordsPerTick,
		TracePath:    *tracePath,
		Progress:     true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "r128sim: %v\n", err)
		os.Exit(1)
	}
	report.print(os.Stdout)
}
