package main

import (
	"context"
	"fmt"

	"github.com/dukex/repokeeper/pkg/backup"
	"github.com/dukex/repokeeper/pkg/cmd"
	cli "github.com/urfave/cli/v3"
)

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "Create, list, restore and prune repository backups",
		Commands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Archive a repository into a directory",
				ArgsUsage: "<repo-path> <dest-dir>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "exclude",
						Usage: "Pattern of paths to leave out (.dockerignore syntax), repeatable",
					},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					if err := requireArgs(command, 2); err != nil {
						return err
					}

					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						record, err := engine.Backups.CreateBackup(ctx, command.Args().Get(0), command.Args().Get(1),
							backup.CreateOptions{Excludes: command.StringSlice("exclude")})
						if err != nil {
							return err
						}

						return printJSON(command, record)
					})
				},
			},
			{
				Name:      "list",
				Usage:     "List backups, most recent first",
				ArgsUsage: "[dest-dir]",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						records, err := engine.Backups.ListBackups(ctx, command.Args().First())
						if err != nil {
							return err
						}

						return printJSON(command, records)
					})
				},
			},
			{
				Name:      "restore",
				Usage:     "Verify a backup and restore it into a directory",
				ArgsUsage: "<backup-id> <target-path>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Replace a non-empty target",
					},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					if err := requireArgs(command, 2); err != nil {
						return err
					}

					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						err := engine.Backups.Restore(ctx, command.Args().Get(0), command.Args().Get(1), command.Bool("force"))
						if err != nil {
							return err
						}

						_, err = fmt.Fprintf(command.Root().Writer, "restored %s into %s\n",
							command.Args().Get(0), command.Args().Get(1))

						return err
					})
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a backup and its archive",
				ArgsUsage: "<backup-id>",
				Action: func(ctx context.Context, command *cli.Command) error {
					if err := requireArgs(command, 1); err != nil {
						return err
					}

					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						return engine.Backups.DeleteBackup(ctx, command.Args().First())
					})
				},
			},
			{
				Name:      "prune",
				Usage:     "Delete backups of a repository older than the retention window",
				ArgsUsage: "<dest-dir> <repo-path>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:     "retention-days",
						Usage:    "Keep backups younger than this many days (0 keeps everything)",
						Required: true,
					},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					if err := requireArgs(command, 2); err != nil {
						return err
					}

					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						pruned, err := engine.Backups.Prune(ctx, command.Args().Get(0), command.Args().Get(1),
							command.Int("retention-days"))
						if err != nil {
							return err
						}

						return printJSON(command, pruned)
					})
				},
			},
			{
				Name:      "cleanup",
				Usage:     "Remove partial archives left by an interrupted backup",
				ArgsUsage: "<dest-dir>",
				Action: func(ctx context.Context, command *cli.Command) error {
					if err := requireArgs(command, 1); err != nil {
						return err
					}

					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						removed, err := engine.Backups.Cleanup(ctx, command.Args().First())
						if err != nil {
							return err
						}

						_, err = fmt.Fprintf(command.Root().Writer, "removed %d partial archive(s)\n", removed)

						return err
					})
				},
			},
		},
	}
}
