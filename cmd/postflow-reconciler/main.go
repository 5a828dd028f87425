// Package main provides the Postflow reconciliation sweeper. It runs the
// periodic sweep that closes executions whose dispatch was never confirmed by
// the automation engine.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/postflow/postflow/pkg/cmd"
	"github.com/postflow/postflow/pkg/log"
	"github.com/postflow/postflow/pkg/reconciler"
)

func main() {
	logger := log.WithModule("reconciler")

	command := &cli.Command{
		Name:                  "postflow-reconciler",
		Usage:                 "Close publishing dispatches the engine never confirmed",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, memory)",
				Value:   "memory",
				Sources: cli.EnvVars("EVENT_BUS"),
			},
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron expression for the sweep",
				Value:   reconciler.DefaultSchedule,
				Sources: cli.EnvVars("RECONCILER_SCHEDULE"),
			},
			&cli.DurationFlag{
				Name:    "stale-after",
				Usage:   "Age after which an unconfirmed dispatch is closed",
				Value:   reconciler.DefaultStaleAfter,
				Sources: cli.EnvVars("RECONCILER_STALE_AFTER"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Postflow reconciler")

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "postflow-reconciler", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			sweeper := reconciler.NewReconciler(persistence, eventBus, logger).
				WithSchedule(command.String("schedule")).
				WithStaleAfter(command.Duration("stale-after"))

			if err := sweeper.Start(ctx); err != nil {
				return err
			}

			defer sweeper.Stop()

			// Run one sweep immediately so a backlog is not left waiting for
			// the first tick.
			if err := sweeper.Sweep(ctx); err != nil {
				logger.ErrorContext(ctx, "Initial sweep failed", "error", err)
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

			select {
			case <-ctx.Done():
			case <-stop:
			}

			logger.InfoContext(ctx, "Shutting down reconciler")

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		logger.Error("postflow-reconciler exited", "error", err)
		os.Exit(1)
	}
}
