package main

import (
	"context"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	"tangled.org/replica/log"
	"tangled.org/replica/replica"
)

func main() {
	cmd := &cli.Command{
		Name:    "replica",
		Usage:   "replicate projects from seeds and keep upstream notes",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			replica.Command(),
			logCommand(),
			identityCommand(),
		},
	}

	ctx := context.Background()
	logger := log.New("replica")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
