// Package main implements the stage runner binary used by isolated execution mode.
// It reads CMD messages on stdin, runs each stage, answers on stdout, and exits
// once stdin closes. Logs go to stderr, which the parent captures for crash reports.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/dsa110/dsa110-contimg-sub007/pkg/stagerunner"
	"github.com/dsa110/dsa110-contimg-sub007/pkg/stages"
)

func main() {
	os.Exit(run())
}

func run() int {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().
		Timestamp().
		Str("component", "stage-runner").
		Int("pid", os.Getpid()).
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return stagerunner.Serve(ctx, stages.DefaultRegistry(), os.Stdin, os.Stdout, logger)
}
