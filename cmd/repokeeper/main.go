// Package main provides the repokeeper command: workflow automation and backups for a repository.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dukex/repokeeper/pkg/cmd"
	"github.com/dukex/repokeeper/pkg/log"
	"github.com/dukex/repokeeper/pkg/workflow"
	cli "github.com/urfave/cli/v3"
)

const (
	defaultPort         = 9091
	defaultDatabaseURL  = "file://./data"
	defaultStepTimeout  = 30 * time.Minute
	defaultTickInterval = time.Minute
)

func main() {
	err := newApp().Run(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "repokeeper",
		Usage:                 "Run repository workflows and keep backups of a repository",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Persistence URL (file://<dir>, postgres://..., redis://...)",
				Value:   defaultDatabaseURL,
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "workflows-dir",
				Usage:   "Directory of workflow definition files registered at startup",
				Sources: cli.EnvVars("WORKFLOWS_DIR"),
			},
			&cli.StringFlag{
				Name:    "workdir",
				Usage:   "Working directory for step commands",
				Value:   ".",
				Sources: cli.EnvVars("REPOKEEPER_WORKDIR"),
			},
			&cli.DurationFlag{
				Name:    "default-step-timeout",
				Usage:   "Timeout for steps that do not set their own (0 disables)",
				Value:   defaultStepTimeout,
				Sources: cli.EnvVars("DEFAULT_STEP_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "step-grace-period",
				Usage:   "Delay between SIGTERM and SIGKILL when a step is cancelled",
				Value:   workflow.DefaultGracePeriod,
				Sources: cli.EnvVars("STEP_GRACE_PERIOD"),
			},
			&cli.DurationFlag{
				Name:    "tick-interval",
				Usage:   "How often the scheduler checks for due backups",
				Value:   defaultTickInterval,
				Sources: cli.EnvVars("TICK_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"))

			return ctx, nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			workflowCommand(),
			runCommand(),
			backupCommand(),
			scheduleCommand(),
		},
	}
}

func engineConfig(command *cli.Command) cmd.EngineConfig {
	return cmd.EngineConfig{
		DatabaseURL:        command.String("database-url"),
		EventBus:           command.String("event-bus"),
		WorkflowsDir:       command.String("workflows-dir"),
		WorkDir:            command.String("workdir"),
		DefaultStepTimeout: command.Duration("default-step-timeout"),
		GracePeriod:        command.Duration("step-grace-period"),
		TickInterval:       command.Duration("tick-interval"),
	}
}

// withEngine builds the engine for a one-shot command and closes it afterwards.
func withEngine(ctx context.Context, command *cli.Command, fn func(*cmd.Engine) error) error {
	logger := log.WithModule("cli")

	engine, err := cmd.NewEngine(ctx, logger, engineConfig(command))
	if err != nil {
		return err
	}

	defer func() {
		err := engine.Close(context.WithoutCancel(ctx))
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close engine", "error", err)
		}
	}()

	return fn(engine)
}
