package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/conveyor/conveyor"
	"tangled.sh/tangled.sh/conveyor/conveyor/ctl"
	"tangled.sh/tangled.sh/conveyor/log"
)

func main() {
	cmd := &cli.Command{
		Name:     "conveyor",
		Usage:    "pipeline orchestration server and tooling",
		Version:  versioninfo.Short(),
		Commands: append([]*cli.Command{conveyor.Command()}, ctl.Commands()...),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.NewWithLevel("conveyor", os.Getenv("CONVEYOR_SERVER_LOG_LEVEL"))
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
