package main

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/dukex/conductor/pkg/cmd"
	"github.com/dukex/conductor/pkg/listener"
	"github.com/dukex/conductor/pkg/schedule"
	"github.com/gofiber/fiber/v3"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func NewAPICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Serve the HTTP ingress and the configured schedules",
		Flags: []cli.Flag{portFlag()},
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := newRuntime(ctx, command, "api")
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			scheduler, err := cmd.NewScheduler(rt.dispatcher, rt.cfg.Schedules, rt.logger)
			if err != nil {
				return err
			}

			group, ctx := errgroup.WithContext(ctx)

			group.Go(func() error {
				return serveHTTP(ctx, rt.newApp(nil), command.Int("port"))
			})

			group.Go(func() error {
				return runScheduler(ctx, scheduler)
			})

			return group.Wait()
		},
	}
}

func NewListenerCommand() *cli.Command {
	return &cli.Command{
		Name:  "listener",
		Usage: "Consume completions from the results queue",
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := newRuntime(ctx, command, "listener")
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			notifier, err := cmd.NewNotifier(rt.cfg.Notifications, rt.logger)
			if err != nil {
				return err
			}

			return runListener(ctx, rt.newListener(notifier))
		},
	}
}

// NewServeCommand runs the ingress, the listener and the schedules in one
// process. It is the only mode where the memory queue provider works and
// where notification targets can be managed over HTTP.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the API, the completion listener and the schedules together",
		Flags: []cli.Flag{portFlag()},
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := newRuntime(ctx, command, "serve")
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			notifier, err := cmd.NewNotifier(rt.cfg.Notifications, rt.logger)
			if err != nil {
				return err
			}

			scheduler, err := cmd.NewScheduler(rt.dispatcher, rt.cfg.Schedules, rt.logger)
			if err != nil {
				return err
			}

			group, ctx := errgroup.WithContext(ctx)

			group.Go(func() error {
				return runListener(ctx, rt.newListener(notifier))
			})

			group.Go(func() error {
				return serveHTTP(ctx, rt.newApp(notifier.Registry()), command.Int("port"))
			})

			group.Go(func() error {
				return runScheduler(ctx, scheduler)
			})

			return group.Wait()
		},
	}
}

// serveHTTP listens until ctx is done and then shuts the app down.
func serveHTTP(ctx context.Context, app *fiber.App, port int) error {
	errs := make(chan error, 1)

	go func() {
		errs <- app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return app.ShutdownWithContext(shutdownCtx)
	}
}

func runListener(ctx context.Context, l *listener.Listener) error {
	if err := l.Start(ctx); err != nil {
		return err
	}

	<-l.Done()

	if ctx.Err() == nil {
		return errors.New("completion listener stopped unexpectedly")
	}

	return nil
}

func runScheduler(ctx context.Context, scheduler *schedule.Scheduler) error {
	scheduler.Start(ctx)
	<-ctx.Done()
	scheduler.Stop()

	return nil
}
