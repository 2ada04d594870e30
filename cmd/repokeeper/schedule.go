package main

import (
	"context"
	"time"

	"github.com/dukex/repokeeper/pkg/cmd"
	"github.com/dukex/repokeeper/pkg/models"
	cli "github.com/urfave/cli/v3"
)

type tickReport struct {
	ScheduleID string    `json:"schedule_id"`
	Period     time.Time `json:"period"`
	Action     string    `json:"action"`
	BackupID   string    `json:"backup_id,omitempty"`
	Pruned     int       `json:"pruned"`
	Error      string    `json:"error,omitempty"`
}

func scheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Manage recurring backups",
		Commands: []*cli.Command{
			{
				Name:  "set",
				Usage: "Create or replace a backup schedule",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "Schedule id (generated when empty)"},
					&cli.StringFlag{Name: "repo", Usage: "Repository path", Required: true},
					&cli.StringFlag{Name: "target", Usage: "Directory receiving the archives", Required: true},
					&cli.StringFlag{Name: "frequency", Usage: "hourly, daily, weekly or cron", Value: string(models.FrequencyDaily)},
					&cli.StringFlag{Name: "time", Usage: "Time of day as HH:MM (minute only for hourly)", Value: "00:00"},
					&cli.StringFlag{Name: "weekday", Usage: "Day of week for weekly schedules"},
					&cli.StringFlag{Name: "cron", Usage: "Cron expression for cron schedules"},
					&cli.StringFlag{Name: "timezone", Usage: "IANA timezone (default UTC)"},
					&cli.IntFlag{Name: "retention-days", Usage: "Days to keep backups (0 keeps everything)", Value: 7},
					&cli.StringSliceFlag{Name: "exclude", Usage: "Pattern of paths to leave out, repeatable"},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					schedule := &models.BackupSchedule{
						ID:             command.String("id"),
						RepoPath:       command.String("repo"),
						TargetDir:      command.String("target"),
						Frequency:      models.Frequency(command.String("frequency")),
						TimeOfDay:      command.String("time"),
						Weekday:        command.String("weekday"),
						CronExpression: command.String("cron"),
						Timezone:       command.String("timezone"),
						RetentionDays:  command.Int("retention-days"),
						Excludes:       command.StringSlice("exclude"),
					}

					if schedule.Frequency == models.FrequencyCron {
						schedule.TimeOfDay = ""
					}

					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						saved, err := engine.Scheduler.ScheduleBackup(ctx, schedule)
						if err != nil {
							return err
						}

						return printJSON(command, saved)
					})
				},
			},
			{
				Name:  "list",
				Usage: "List backup schedules",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						schedules, err := engine.Scheduler.ListSchedules(ctx)
						if err != nil {
							return err
						}

						return printJSON(command, schedules)
					})
				},
			},
			{
				Name:      "get",
				Usage:     "Show a backup schedule",
				ArgsUsage: "<schedule-id>",
				Action: func(ctx context.Context, command *cli.Command) error {
					if err := requireArgs(command, 1); err != nil {
						return err
					}

					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						schedule, err := engine.Scheduler.GetSchedule(ctx, command.Args().First())
						if err != nil {
							return err
						}

						return printJSON(command, schedule)
					})
				},
			},
			{
				Name:      "remove",
				Usage:     "Remove a backup schedule; its backups are kept",
				ArgsUsage: "<schedule-id>",
				Action: func(ctx context.Context, command *cli.Command) error {
					if err := requireArgs(command, 1); err != nil {
						return err
					}

					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						return engine.Scheduler.RemoveSchedule(ctx, command.Args().First())
					})
				},
			},
			{
				Name:  "tick",
				Usage: "Run one scheduler pass now: back up every due schedule and prune",
				Action: func(ctx context.Context, command *cli.Command) error {
					return withEngine(ctx, command, func(engine *cmd.Engine) error {
						outcomes := engine.Scheduler.Tick(ctx)

						reports := make([]tickReport, 0, len(outcomes))
						for _, outcome := range outcomes {
							report := tickReport{
								ScheduleID: outcome.ScheduleID,
								Period:     outcome.Period,
								Action:     string(outcome.Action),
								BackupID:   outcome.BackupID,
								Pruned:     outcome.Pruned,
							}

							if outcome.Err != nil {
								report.Error = outcome.Err.Error()
							}

							reports = append(reports, report)
						}

						return printJSON(command, reports)
					})
				},
			},
		},
	}
}
