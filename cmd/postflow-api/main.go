package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/postflow/postflow/pkg/cmd"
	"github.com/postflow/postflow/pkg/engine"
	"github.com/postflow/postflow/pkg/log"
	"github.com/postflow/postflow/pkg/signature"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "postflow-api",
		Usage:                 "Dispatch publishing workflows and receive engine callbacks",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "engine-url",
				Usage:    "Base URL of the automation engine webhook endpoints",
				Required: true,
				Sources:  cli.EnvVars("ENGINE_URL"),
			},
			&cli.StringFlag{
				Name:     "engine-secret",
				Usage:    "Shared secret sent with outbound engine requests",
				Required: true,
				Sources:  cli.EnvVars("ENGINE_SECRET"),
			},
			&cli.StringFlag{
				Name:     "callback-secret",
				Usage:    "HMAC secret for verifying engine callbacks",
				Required: true,
				Sources:  cli.EnvVars("CALLBACK_SECRET"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, memory)",
				Value:   "memory",
				Sources: cli.EnvVars("EVENT_BUS"),
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

			logger.InfoContext(ctx, "Initializing Postflow API")

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "postflow-api", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			engineClient := engine.NewClient(
				command.String("engine-url"),
				command.String("engine-secret"),
				logger,
			)
			verifier := signature.NewVerifier(command.String("callback-secret"))

			api := NewAPI(logger, persistence, engineClient, eventBus, verifier)

			return api.Start(command.Int("port"))
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		logger.Error("postflow-api exited", "error", err)
		os.Exit(1)
	}
}
