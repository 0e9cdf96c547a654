package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/conductor/pkg/chain"
	"github.com/dukex/conductor/pkg/config"
	"github.com/dukex/conductor/pkg/notify"
	"github.com/dukex/conductor/pkg/schedule"
	"github.com/dukex/conductor/pkg/web"
)

// NewNotifier builds the notification registry from the configured targets.
func NewNotifier(cfg config.NotificationConfig, logger *slog.Logger) (*notify.HTTPNotifier, error) {
	registry, err := notify.NewRegistry(cfg.Targets...)
	if err != nil {
		return nil, fmt.Errorf("failed to register notification targets: %w", err)
	}

	return notify.NewHTTPNotifier(
		registry,
		logger,
		notify.WithTimeout(cfg.Timeout),
		notify.WithConcurrency(cfg.Concurrency),
	), nil
}

// NewScheduler registers every configured job.
func NewScheduler(dispatcher schedule.Dispatcher, jobs []schedule.Job, logger *slog.Logger) (*schedule.Scheduler, error) {
	scheduler := schedule.New(dispatcher, logger)

	for _, job := range jobs {
		if err := scheduler.Add(job); err != nil {
			return nil, err
		}
	}

	return scheduler, nil
}

func NewWebhookSecrets(cfg config.WebhookConfig) web.WebhookSecrets {
	return web.WebhookSecrets{Shared: cfg.SharedSecret, PerSource: cfg.Secrets}
}

// NewChainTable returns the step chains known to the engine.
func NewChainTable() chain.Table {
	return chain.Merge(chain.MilestoneChain())
}
