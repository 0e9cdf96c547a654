package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/conductor/pkg/chain"
	"github.com/dukex/conductor/pkg/cmd"
	"github.com/dukex/conductor/pkg/config"
	"github.com/dukex/conductor/pkg/dispatch"
	"github.com/dukex/conductor/pkg/listener"
	"github.com/dukex/conductor/pkg/log"
	"github.com/dukex/conductor/pkg/notify"
	"github.com/dukex/conductor/pkg/otelhelper"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/queue"
	"github.com/dukex/conductor/pkg/web"
	"github.com/dukex/conductor/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

// runtime holds the components shared by every command.
type runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      persistence.StatusStore
	bus        *queue.Bus
	subscriber message.Subscriber
	dispatcher *dispatch.Dispatcher
	detector   *workflow.Detector
	tracer     trace.Tracer
	shutdown   otelhelper.Shutdown
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig(command *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(command.String("config-file"))
	if err != nil {
		return nil, err
	}

	if command.IsSet("results-queue") {
		cfg.ResultsQueue = command.String("results-queue")
	}

	if command.IsSet("agent-queues") {
		agents, err := queue.ParseAgentTopics(command.String("agent-queues"))
		if err != nil {
			return nil, err
		}

		cfg.SetAgents(agents)
	}

	if command.IsSet("webhook-secret") {
		cfg.Webhooks.SharedSecret = command.String("webhook-secret")
	}

	if command.IsSet("poll-interval") || cfg.Bridge.PollInterval == 0 {
		cfg.Bridge.PollInterval = command.Duration("poll-interval")
	}

	if command.IsSet("await-timeout") || cfg.Bridge.AwaitTimeout == 0 {
		cfg.Bridge.AwaitTimeout = command.Duration("await-timeout")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newRuntime(ctx context.Context, command *cli.Command, service string) (*runtime, error) {
	logger := log.WithModule(service)

	cfg, err := loadConfig(command)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	addresses, err := queue.NewAddresses(cfg.Agents, cfg.ResultsQueue)
	if err != nil {
		return nil, fmt.Errorf("invalid queue addresses: %w", err)
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, "conductor-"+service)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	store, err := cmd.NewStatusStore(ctx, logger, command.String("database-url"))
	if err != nil {
		_ = shutdown(ctx)

		return nil, err
	}

	publisher, subscriber, err := cmd.NewPubSub(
		command.String("queue-provider"),
		command.String("kafka-brokers"),
		"conductor-"+service,
		logger,
	)
	if err != nil {
		_ = store.Close(ctx)
		_ = shutdown(ctx)

		return nil, err
	}

	bus := queue.NewBus(publisher, addresses)

	dispatcher := dispatch.New(
		bus,
		store,
		logger,
		dispatch.WithTracer(tracer),
		dispatch.WithPollInterval(cfg.Bridge.PollInterval),
		dispatch.WithAwaitTimeout(cfg.Bridge.AwaitTimeout),
	)

	logger.InfoContext(ctx, "Conductor initialized",
		"agents", addresses.Agents(),
		"results_queue", addresses.Results(),
		"queue_provider", command.String("queue-provider"),
	)

	return &runtime{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		bus:        bus,
		subscriber: subscriber,
		dispatcher: dispatcher,
		detector:   workflow.NewDetector(store),
		tracer:     tracer,
		shutdown:   shutdown,
	}, nil
}

func (r *runtime) Close(ctx context.Context) {
	if err := r.subscriber.Close(); err != nil {
		r.logger.ErrorContext(ctx, "Failed to close subscriber", "error", err)
	}

	if err := r.bus.Close(); err != nil {
		r.logger.ErrorContext(ctx, "Failed to close publisher", "error", err)
	}

	if err := r.store.Close(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}

	if err := r.shutdown(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
	}
}

// newApp builds the HTTP surface. registry may be nil when notification
// targets cannot be managed from this process.
func (r *runtime) newApp(registry *notify.Registry) *fiber.App {
	api := web.NewAPIHandlers(
		r.dispatcher,
		r.detector,
		validator.New(validator.WithRequiredStructEnabled()),
		registry,
		r.logger,
		r.cfg.Bridge.AwaitTimeout,
	)

	webhooks := web.NewWebhookHandlers(
		r.dispatcher,
		web.DefaultWebhookSources(),
		cmd.NewWebhookSecrets(r.cfg.Webhooks),
		r.logger,
		r.tracer,
	)

	return web.NewApp(api, webhooks)
}

func (r *runtime) newListener(notifier notify.Notifier) *listener.Listener {
	engine := chain.NewEngine(cmd.NewChainTable(), r.dispatcher, r.store, r.logger)

	return listener.New(
		r.subscriber,
		r.cfg.ResultsQueue,
		r.store,
		engine,
		r.detector,
		r.logger,
		listener.WithTracer(r.tracer),
		listener.WithNotifier(notifier),
	)
}
