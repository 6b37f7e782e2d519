package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"tangled.org/replica/identity"
	"tangled.org/replica/notes"
	"tangled.org/replica/replica/git"
)

var gitDirFlag = &cli.StringFlag{
	Name:    "git-dir",
	Usage:   "path to the monorepo",
	Value:   "/var/lib/replica/git",
	Sources: cli.EnvVars("REPLICA_STORAGE_GIT_DIR"),
}

func openRepo(cmd *cli.Command, sig git.Signature) (*git.Repo, error) {
	return git.Open(cmd.String("git-dir"), sig)
}

// The log command is nested like so:
//
//	replica log --[flags] append|read [args]
func logCommand() *cli.Command {
	return &cli.Command{
		Name:  "log",
		Usage: "read and append upstream notes",
		Flags: []cli.Flag{
			gitDirFlag,
			&cli.StringFlag{
				Name:     "urn",
				Usage:    "identity the log belongs to",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "log",
				Usage:    "log name, for example patches/<peer>/<name>",
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "append",
				Usage:     "append a JSON event to this peer's chain",
				ArgsUsage: "<json>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "peer",
						Usage:    "peer id of the author",
						Required: true,
						Sources:  cli.EnvVars("REPLICA_PEER_ID"),
					},
					&cli.StringFlag{
						Name:    "name",
						Usage:   "committer name",
						Value:   "replica",
						Sources: cli.EnvVars("REPLICA_PEER_NAME"),
					},
					&cli.StringFlag{
						Name:    "email",
						Usage:   "committer email",
						Value:   "replica@localhost",
						Sources: cli.EnvVars("REPLICA_PEER_EMAIL"),
					},
				},
				Action: logAppend,
			},
			{
				Name:   "read",
				Usage:  "print every event of the log, newest first",
				Action: logRead,
			},
		},
	}
}

func logAppend(ctx context.Context, cmd *cli.Command) error {
	rev, err := identity.ParseUrn(cmd.String("urn"))
	if err != nil {
		return err
	}

	peer := identity.PeerID(cmd.String("peer"))
	if err := peer.Validate(); err != nil {
		return err
	}

	raw := cmd.Args().First()
	if !json.Valid([]byte(raw)) {
		return fmt.Errorf("event is not valid JSON: %q", raw)
	}

	repo, err := openRepo(cmd, git.Signature{
		Name:  cmd.String("name"),
		Email: cmd.String("email"),
	})
	if err != nil {
		return err
	}

	return notes.Append(ctx, repo, peer, rev, cmd.String("log"), json.RawMessage(raw))
}

func logRead(ctx context.Context, cmd *cli.Command) error {
	rev, err := identity.ParseUrn(cmd.String("urn"))
	if err != nil {
		return err
	}

	repo, err := openRepo(cmd, git.Signature{})
	if err != nil {
		return err
	}

	envs, err := notes.Read(ctx, repo, rev, cmd.String("log"))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, e := range envs {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}
