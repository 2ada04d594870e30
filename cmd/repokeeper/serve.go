package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/repokeeper/pkg/cmd"
	"github.com/dukex/repokeeper/pkg/log"
	"github.com/dukex/repokeeper/pkg/web"
	"github.com/go-playground/validator/v10"
	cli "github.com/urfave/cli/v3"
)

const shutdownTimeout = 30 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the API, the backup scheduler and the repository event consumer",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.WithModule("serve")

			logger.InfoContext(ctx, "Initializing repokeeper")

			engine, err := cmd.NewEngine(ctx, logger, engineConfig(command))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			err = engine.Recover(ctx)
			if err != nil {
				return errors.Join(err, engine.Close(ctx))
			}

			err = cmd.SubscribeRepositoryEvents(ctx, logger, engine.EventBus, engine.Orchestrator)
			if err != nil {
				return errors.Join(err, engine.Close(ctx))
			}

			err = engine.Scheduler.Start(ctx)
			if err != nil {
				return errors.Join(err, engine.Close(ctx))
			}

			handlers := web.NewAPIHandlers(engine.Registry, engine.Orchestrator, engine.Backups,
				engine.Scheduler, engine.Persistence, validator.New(validator.WithRequiredStructEnabled()))
			server := web.NewServer(logger, handlers)

			serverErr := make(chan error, 1)

			go func() {
				serverErr <- server.Start(command.Int("port"))
			}()

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(signals)

			var runErr error

			select {
			case sig := <-signals:
				logger.InfoContext(ctx, "Received signal, shutting down gracefully", "signal", sig)
			case runErr = <-serverErr:
				logger.ErrorContext(ctx, "API server stopped", "error", runErr)
			}

			shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancelShutdown()

			cancel()

			return errors.Join(
				runErr,
				server.Shutdown(shutdownCtx),
				engine.Scheduler.Stop(shutdownCtx),
				engine.Close(shutdownCtx),
			)
		},
	}
}
