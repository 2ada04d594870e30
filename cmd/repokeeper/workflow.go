package main

import (
	"context"
	"fmt"

	"github.com/dukex/repokeeper/pkg/cmd"
	"github.com/dukex/repokeeper/pkg/config"
	"github.com/dukex/repokeeper/pkg/log"
	"github.com/dukex/repokeeper/pkg/registry"
	cli "github.com/urfave/cli/v3"
)

func workflowCommand() *cli.Command {
	return &cli.Command{
		Name:  "workflow",
		Usage: "Manage workflow definitions",
		Commands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "Check workflow files without registering them",
				ArgsUsage: "<file>",
				Action: func(_ context.Context, command *cli.Command) error {
					if err := requireArgs(command, 1); err != nil {
						return err
					}

					definitions, err := config.LoadWorkflowFile(command.Args().First())
					if err != nil {
						return err
					}

					reg := registry.NewRegistry(log.WithModule("cli"), nil)
					for _, definition := range definitions {
						if err := reg.Validate(definition); err != nil {
							return err
						}
					}

					_, err = fmt.Fprintf(command.Root().Writer, "%d workflow(s) valid\n", len(definitions))

					return err
				},
			},
			{
				Name:      "register",
				Usage:     "Register the workflows defined in a file",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "overwrite",
						Usage: "Replace a registered workflow with a different definition",
					},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					if err := requireArgs(command, 1); err != nil {
						return err
					}

					definitions, err := config.LoadWorkflowFile(command.Args().First())
					if err != nil {
						return err
					}

					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						for _, definition := range definitions {
							err := engine.Registry.Register(ctx, definition, command.Bool("overwrite"))
							if err != nil {
								return err
							}
						}

						return printJSON(command, engine.Registry.List())
					})
				},
			},
			{
				Name:  "list",
				Usage: "List registered workflows",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						return printJSON(command, engine.Registry.List())
					})
				},
			},
			{
				Name:      "get",
				Usage:     "Show a registered workflow",
				ArgsUsage: "<name>",
				Action: func(ctx context.Context, command *cli.Command) error {
					if err := requireArgs(command, 1); err != nil {
						return err
					}

					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						definition, err := engine.Registry.Lookup(command.Args().First())
						if err != nil {
							return err
						}

						return printJSON(command, definition)
					})
				},
			},
			{
				Name:      "remove",
				Usage:     "Remove a registered workflow",
				ArgsUsage: "<name>",
				Action: func(ctx context.Context, command *cli.Command) error {
					if err := requireArgs(command, 1); err != nil {
						return err
					}

					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						return engine.Registry.Remove(ctx, command.Args().First())
					})
				},
			},
		},
	}
}
