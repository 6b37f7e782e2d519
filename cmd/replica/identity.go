package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"tangled.org/replica/identity"
	"tangled.org/replica/replica/git"
)

func identityCommand() *cli.Command {
	return &cli.Command{
		Name:  "identity",
		Usage: "manage identities in the monorepo",
		Flags: []cli.Flag{
			gitDirFlag,
		},
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "create a new identity and print its urn",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "name",
						Usage:    "name of the identity",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:  "delegate",
						Usage: "urn of a delegate identity (repeatable)",
					},
					&cli.StringSliceFlag{
						Name:  "key",
						Usage: "peer id replicating this identity (repeatable)",
					},
				},
				Action: identityCreate,
			},
			{
				Name:   "list",
				Usage:  "list every identity in the monorepo",
				Action: identityList,
			},
		},
	}
}

func identityCreate(ctx context.Context, cmd *cli.Command) error {
	doc := identity.Doc{Name: cmd.String("name")}

	for _, d := range cmd.StringSlice("delegate") {
		rev, err := identity.ParseUrn(d)
		if err != nil {
			return err
		}
		doc.Delegates = append(doc.Delegates, rev)
	}
	for _, k := range cmd.StringSlice("key") {
		peer := identity.PeerID(k)
		if err := peer.Validate(); err != nil {
			return err
		}
		doc.Keys = append(doc.Keys, peer)
	}

	repo, err := openRepo(cmd, git.Signature{})
	if err != nil {
		return err
	}

	rev, err := identity.Create(repo, doc)
	if err != nil {
		return err
	}

	fmt.Println(rev.Urn())
	return nil
}

func identityList(ctx context.Context, cmd *cli.Command) error {
	repo, err := openRepo(cmd, git.Signature{})
	if err != nil {
		return err
	}

	revs, err := identity.List(repo)
	if err != nil {
		return err
	}

	for _, rev := range revs {
		doc, err := identity.Load(repo, rev)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", rev.Urn(), doc.Name)
	}
	return nil
}
