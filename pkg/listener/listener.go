// Package listener consumes completion reports from the results queue and
// drives everything that reacts to them: status updates, chain continuation,
// workflow completion and client notification.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/conductor/pkg/events"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/notify"
	"github.com/dukex/conductor/pkg/otelhelper"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultUnknownGrace         = 5 * time.Second
	DefaultUnknownRetryInterval = 250 * time.Millisecond
)

var ErrAlreadyStarted = errors.New("listener already started")

// Continuer is the part of chain.Engine the listener needs.
type Continuer interface {
	OnCompletion(ctx context.Context, record *models.StatusRecord) (*models.WorkItem, error)
}

type Option func(*Listener)

func WithTracer(tracer trace.Tracer) Option {
	return func(l *Listener) { l.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(l *Listener) { l.now = now }
}

func WithNotifier(notifier notify.Notifier) Option {
	return func(l *Listener) { l.notifier = notifier }
}

// WithUnknownGrace sets how long a completion for an unknown task waits for
// the dispatcher's record before one is created from the completion itself.
func WithUnknownGrace(grace, retryInterval time.Duration) Option {
	return func(l *Listener) {
		l.unknownGrace = grace
		if retryInterval > 0 {
			l.unknownRetryInterval = retryInterval
		}
	}
}

// Listener processes completions one at a time, in the order the subscriber
// delivers them.
type Listener struct {
	subscriber message.Subscriber
	topic      string
	store      persistence.StatusStore
	continuer  Continuer
	detector   *workflow.Detector
	notifier   notify.Notifier
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	unknownGrace         time.Duration
	unknownRetryInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(
	subscriber message.Subscriber,
	topic string,
	store persistence.StatusStore,
	continuer Continuer,
	detector *workflow.Detector,
	logger *slog.Logger,
	opts ...Option,
) *Listener {
	l := &Listener{
		subscriber:           subscriber,
		topic:                topic,
		store:                store,
		continuer:            continuer,
		detector:             detector,
		logger:               logger.With("module", "listener", "topic", topic),
		tracer:               otelhelper.NoopTracer(),
		now:                  func() time.Time { return time.Now().UTC() },
		unknownGrace:         DefaultUnknownGrace,
		unknownRetryInterval: DefaultUnknownRetryInterval,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Start subscribes to the results topic and processes messages in the
// background until ctx is cancelled or Stop is called.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)

	messages, err := l.subscriber.Subscribe(ctx, l.topic)
	if err != nil {
		cancel()

		return fmt.Errorf("failed to subscribe to %s: %w", l.topic, err)
	}

	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(ctx, messages, l.done)

	l.logger.InfoContext(ctx, "Listening for completions")

	return nil
}

// Stop cancels the loop and waits for the message in flight to finish.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

// Done is closed once the loop exited. It is nil before Start.
func (l *Listener) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.done
}

func (l *Listener) run(ctx context.Context, messages <-chan *message.Message, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Listener stopped")

			return
		case msg, ok := <-messages:
			if !ok {
				l.logger.Info("Results subscription closed")

				return
			}

			l.process(ctx, msg)
		}
	}
}

func (l *Listener) process(ctx context.Context, msg *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.ErrorContext(ctx, "Panic while handling completion", "message_uuid", msg.UUID, "panic", r)
			msg.Nack()
		}
	}()

	if err := l.Handle(ctx, msg.Payload); err != nil {
		l.logger.ErrorContext(ctx, "Failed to handle completion, requesting redelivery", "message_uuid", msg.UUID, "error", err)
		msg.Nack()

		return
	}

	msg.Ack()
}

// Handle processes one results queue body. A nil error means the message can
// be acknowledged, which includes malformed messages that are only logged.
func (l *Listener) Handle(ctx context.Context, body []byte) error {
	completion, err := events.ParseCompletion(body)
	if err != nil {
		l.logger.WarnContext(ctx, "Dropping malformed completion", "error", err)

		return nil
	}

	ctx, span := otelhelper.StartSpan(ctx, l.tracer, "listener.completion",
		append(otelhelper.TaskAttributes(completion.TaskID, completion.WorkflowID, completion.Agent),
			attribute.String(otelhelper.StatusKey, string(completion.Status)))...)
	defer span.End()

	err = l.handleCompletion(ctx, completion)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return err
}

func (l *Listener) handleCompletion(ctx context.Context, completion events.Completion) error {
	logger := l.logger.With("task_id", completion.TaskID, "workflow_id", completion.WorkflowID, "status", completion.Status)

	record, applied, err := l.apply(ctx, completion)
	if err != nil {
		return err
	}

	if completion.Status == models.StatusInProgress {
		logger.DebugContext(ctx, "Work item in progress", "applied", applied)

		return nil
	}

	if !applied && record.Status != completion.Status {
		logger.WarnContext(ctx, "Ignoring completion that conflicts with the recorded status", "recorded_status", record.Status)

		return nil
	}

	if applied {
		logger.InfoContext(ctx, "Work item finished")
	} else {
		logger.DebugContext(ctx, "Duplicate completion")
	}

	if _, err := l.continuer.OnCompletion(ctx, record); err != nil {
		return fmt.Errorf("failed to continue workflow %s: %w", record.WorkflowID, err)
	}

	complete, err := l.detector.IsComplete(ctx, record.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to evaluate workflow %s: %w", record.WorkflowID, err)
	}

	if complete {
		marked, err := l.store.CompleteWorkflow(ctx, record.WorkflowID, l.now())
		if err != nil {
			return fmt.Errorf("failed to mark workflow %s completed: %w", record.WorkflowID, err)
		}

		if marked {
			logger.InfoContext(ctx, "Workflow completed")
		}
	}

	// Exact duplicates notify again, so a delivery that was nacked after
	// apply still reaches the targets.
	if l.notifier != nil {
		l.notifier.Notify(ctx, record)
	}

	return nil
}

// apply records the completion. When the task is unknown it waits for the
// dispatcher's record, then falls back to creating one from the completion.
func (l *Listener) apply(ctx context.Context, completion events.Completion) (*models.StatusRecord, bool, error) {
	update := completion.Update(l.now())

	record, applied, err := l.store.ApplyUpdate(ctx, update)
	if !persistence.IsStatusNotFound(err) {
		return record, applied, err
	}

	record, applied, err = l.awaitRecord(ctx, update)
	if !persistence.IsStatusNotFound(err) {
		return record, applied, err
	}

	l.warnUnknown(ctx, completion)

	_, err = l.store.CreateStatus(ctx, &models.StatusRecord{
		TaskID:     completion.TaskID,
		WorkflowID: completion.WorkflowID,
		Agent:      completion.Agent,
		Status:     models.StatusPending,
		StartTime:  update.Timestamp,
	})
	if err != nil {
		return nil, false, err
	}

	return l.store.ApplyUpdate(ctx, update)
}

// warnUnknown logs the fallback. The record it leads to has no type or step,
// so a chained workflow cannot continue past it.
func (l *Listener) warnUnknown(ctx context.Context, completion events.Completion) {
	logger := l.logger.With("task_id", completion.TaskID, "workflow_id", completion.WorkflowID, "grace", l.unknownGrace)

	records, err := l.store.StatusesByWorkflow(ctx, completion.WorkflowID)
	if err != nil {
		logger.WarnContext(ctx, "Completion for unknown task, recording it", "error", err)

		return
	}

	for _, record := range records {
		if record.StepMetadata != nil {
			logger.ErrorContext(ctx, "Completion for unknown task in a chained workflow, recording it without continuation",
				"step", record.StepMetadata.Step,
				"total_steps", record.StepMetadata.TotalSteps,
			)

			return
		}
	}

	logger.WarnContext(ctx, "Completion for unknown task, recording it")
}

func (l *Listener) awaitRecord(ctx context.Context, update models.StatusUpdate) (*models.StatusRecord, bool, error) {
	notFound := persistence.NewStatusError("ApplyUpdate", update.TaskID, persistence.ErrStatusNotFound)
	if l.unknownGrace <= 0 {
		return nil, false, notFound
	}

	timer := time.NewTimer(l.unknownGrace)
	defer timer.Stop()

	ticker := time.NewTicker(l.unknownRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-timer.C:
			return nil, false, notFound
		case <-ticker.C:
			record, applied, err := l.store.ApplyUpdate(ctx, update)
			if !persistence.IsStatusNotFound(err) {
				return record, applied, err
			}
		}
	}
}
