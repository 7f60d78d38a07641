package main

import (
	"context"
	"os"

	"github.com/Lord-Y/hastate/cmd/hastate/commands"
	"github.com/Lord-Y/hastate/logger"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := cli.Command{
		Name:                  "hastate",
		Usage:                 "Elect the active server of a stripe",
		Description:           "Run a server of a stripe electing its active and passive servers",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			commands.Server(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.NewLogger().Fatal().Err(err).Msg("Error occured while executing the program")
	}
}
