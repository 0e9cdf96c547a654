package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/conductor/pkg/dispatch"
	"github.com/dukex/conductor/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals(ctx, cancel)

	err := newRootCommand().Run(ctx, os.Args)
	if err != nil {
		log.WithModule("conductor").Error("Conductor exited with error", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "conductor",
		Usage:                 "Coordinate work items across agents",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-file",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				Sources: cli.EnvVars("CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Status store URL (file://, redis://, postgres://)",
				Value:   "file://./data",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "queue-provider",
				Usage:   "Queue provider (kafka, memory)",
				Value:   "kafka",
				Sources: cli.EnvVars("QUEUE_PROVIDER"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "results-queue",
				Usage:   "Topic agents publish completions to",
				Sources: cli.EnvVars("RESULTS_QUEUE"),
			},
			&cli.StringFlag{
				Name:    "agent-queues",
				Usage:   "Agent topics as agent=topic,agent=topic",
				Sources: cli.EnvVars("AGENT_QUEUES"),
			},
			&cli.StringFlag{
				Name:    "webhook-secret",
				Usage:   "Shared HMAC secret for inbound webhooks",
				Sources: cli.EnvVars("WEBHOOK_SECRET"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "How often the synchronous bridge reads the status store",
				Value:   dispatch.DefaultPollInterval,
				Sources: cli.EnvVars("POLL_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "await-timeout",
				Usage:   "Default timeout of the synchronous bridge",
				Value:   dispatch.DefaultAwaitTimeout,
				Sources: cli.EnvVars("AWAIT_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"), command.String("log-format"))

			return ctx, nil
		},
		Commands: []*cli.Command{
			NewAPICommand(),
			NewListenerCommand(),
			NewServeCommand(),
		},
	}
}

func signals(ctx context.Context, cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-signals:
			log.WithModule("conductor").InfoContext(ctx, "Received signal, shutting down gracefully", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
}

func portFlag() cli.Flag {
	return &cli.IntFlag{
		Name:    "port",
		Aliases: []string{"p"},
		Usage:   "Port to run the API server on",
		Value:   defaultPort,
		Sources: cli.EnvVars("PORT"),
	}
}
