package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/dukex/repokeeper/pkg/cmd"
	"github.com/dukex/repokeeper/pkg/models"
	"github.com/dukex/repokeeper/pkg/persistence"
	cli "github.com/urfave/cli/v3"
)

// errRunFailed makes the process exit non-zero when a dispatched run does not succeed.
type errRunFailed struct {
	run *models.WorkflowRun
}

func (e errRunFailed) Error() string {
	return fmt.Sprintf("run %s of %s finished %s", e.run.ID, e.run.WorkflowName, e.run.Status)
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Dispatch workflows and inspect runs",
		Commands: []*cli.Command{
			{
				Name:      "dispatch",
				Usage:     "Run a workflow for an event and wait for it to finish",
				ArgsUsage: "<workflow> <event>",
				Action: func(ctx context.Context, command *cli.Command) error {
					if err := requireArgs(command, 2); err != nil {
						return err
					}

					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						runID, err := engine.Orchestrator.Dispatch(ctx, command.Args().Get(0), command.Args().Get(1))
						if err != nil {
							return err
						}

						return waitAndPrint(ctx, command, engine, []string{runID})
					})
				},
			},
			{
				Name:      "event",
				Usage:     "Run every workflow declaring an event and wait for them",
				ArgsUsage: "<event>",
				Action: func(ctx context.Context, command *cli.Command) error {
					if err := requireArgs(command, 1); err != nil {
						return err
					}

					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						runIDs, dispatchErr := engine.Orchestrator.DispatchEvent(ctx, command.Args().First())

						err := waitAndPrint(ctx, command, engine, runIDs)
						if dispatchErr != nil {
							return dispatchErr
						}

						return err
					})
				},
			},
			{
				Name:      "status",
				Usage:     "Show a run",
				ArgsUsage: "<run-id>",
				Action: func(ctx context.Context, command *cli.Command) error {
					if err := requireArgs(command, 1); err != nil {
						return err
					}

					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						run, err := engine.Orchestrator.GetRun(ctx, command.Args().First())
						if err != nil {
							return err
						}

						return printJSON(command, run)
					})
				},
			},
			{
				Name:  "list",
				Usage: "List runs, most recent first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "workflow", Usage: "Only runs of this workflow"},
					&cli.StringFlag{Name: "status", Usage: "Comma separated statuses"},
					&cli.IntFlag{Name: "limit", Usage: "Maximum number of runs", Value: 20},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					opts := persistence.ListRunsOptions{
						WorkflowName: command.String("workflow"),
						Limit:        command.Int("limit"),
					}

					if statuses := command.String("status"); statuses != "" {
						for _, status := range strings.Split(statuses, ",") {
							opts.Statuses = append(opts.Statuses, models.RunStatus(strings.TrimSpace(status)))
						}
					}

					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						runs, err := engine.Orchestrator.ListRuns(ctx, opts)
						if err != nil {
							return err
						}

						return printJSON(command, runs)
					})
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a run left pending or running",
				ArgsUsage: "<run-id>",
				Action: func(ctx context.Context, command *cli.Command) error {
					if err := requireArgs(command, 1); err != nil {
						return err
					}

					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						runID := command.Args().First()

						err := engine.Orchestrator.Cancel(ctx, runID)
						if err != nil {
							return err
						}

						run, err := engine.Orchestrator.GetRun(ctx, runID)
						if err != nil {
							return err
						}

						return printJSON(command, run)
					})
				},
			},
		},
	}
}

// waitAndPrint blocks until every run is terminal, prints them and reports the first
// run that did not succeed. Runs belong to this process, so it cannot exit earlier.
func waitAndPrint(ctx context.Context, command *cli.Command, engine *cmd.Engine, runIDs []string) error {
	runs := make([]*models.WorkflowRun, 0, len(runIDs))

	var failed error

	for _, runID := range runIDs {
		run, err := engine.Orchestrator.Wait(ctx, runID)
		if err != nil {
			return err
		}

		if run.Status != models.RunStatusSucceeded && failed == nil {
			failed = errRunFailed{run: run}
		}

		runs = append(runs, run)
	}

	err := printJSON(command, runs)
	if err != nil {
		return err
	}

	return failed
}
