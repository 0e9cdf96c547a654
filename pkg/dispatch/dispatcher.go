// Package dispatch sends work items to agent queues and records their
// initial status. It also offers a synchronous bridge that waits for the
// item to reach a terminal state.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/otelhelper"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/queue"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrUnknownAgent is a configuration error: the agent has no queue.
	ErrUnknownAgent = queue.ErrUnknownAgent

	// ErrInvalidWorkItem means the item or its payload failed validation.
	ErrInvalidWorkItem = errors.New("invalid work item")

	// ErrDispatchFailed wraps transient publish and store failures.
	ErrDispatchFailed = errors.New("dispatch failed")

	// ErrNotRecorded means the item reached its queue but its PENDING record
	// was not written. It is always wrapped together with ErrDispatchFailed.
	ErrNotRecorded = errors.New("work item published but not recorded")
)

const (
	DefaultPollInterval = time.Second
	DefaultAwaitTimeout = 30 * time.Second
)

// Dispatcher publishes work items and writes their PENDING record.
type Dispatcher struct {
	bus          *queue.Bus
	store        persistence.StatusStore
	logger       *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time
	newID        func() string
	pollInterval time.Duration
	awaitTimeout time.Duration
}

type Option func(*Dispatcher)

func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(d *Dispatcher) { d.newID = newID }
}

// WithPollInterval sets how often the bridge reads the status store.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithAwaitTimeout sets the bridge timeout used when callers pass zero.
func WithAwaitTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.awaitTimeout = timeout
		}
	}
}

func New(bus *queue.Bus, store persistence.StatusStore, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		bus:          bus,
		store:        store,
		logger:       logger.With("module", "dispatcher"),
		tracer:       otelhelper.NoopTracer(),
		now:          func() time.Time { return time.Now().UTC() },
		newID:        newTaskID,
		pollInterval: DefaultPollInterval,
		awaitTimeout: DefaultAwaitTimeout,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func newTaskID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewWorkflowID returns a fresh identifier for callers that group several
// items before dispatching the first one.
func (d *Dispatcher) NewWorkflowID() string {
	return d.newID()
}

// Store exposes the status store the dispatcher writes to.
func (d *Dispatcher) Store() persistence.StatusStore {
	return d.store
}

// Agents lists the agents that have a queue.
func (d *Dispatcher) Agents() []string {
	return d.bus.Addresses().Agents()
}

// Dispatch sends item to agent's queue and records it as PENDING. The
// record is written only after the publish succeeded. The returned item
// carries the generated identifiers. When the publish succeeded but the
// record could not be written the item is returned along with
// ErrNotRecorded, and Record can write it later.
func (d *Dispatcher) Dispatch(ctx context.Context, agent string, item models.WorkItem) (models.WorkItem, error) {
	item, payload, err := d.prepare(agent, item)
	if err != nil {
		return models.WorkItem{}, err
	}

	ctx, span := otelhelper.StartSpan(ctx, d.tracer, "dispatch.work_item",
		append(otelhelper.TaskAttributes(item.ID, item.WorkflowID, agent),
			attribute.String(otelhelper.TaskTypeKey, string(item.Type)))...)
	defer span.End()

	if err := d.bus.PublishWorkItem(ctx, item); err != nil {
		otelhelper.SetError(span, err)
		d.logger.ErrorContext(ctx, "Failed to publish work item", "task_id", item.ID, "agent", agent, "error", err)

		return models.WorkItem{}, fmt.Errorf("%w: publish %s to %s: %w", ErrDispatchFailed, item.ID, agent, err)
	}

	if err := d.record(ctx, item, payload); err != nil {
		otelhelper.SetError(span, err)
		d.logger.ErrorContext(ctx, "Work item published but its status was not recorded", "task_id", item.ID, "error", err)

		return item, fmt.Errorf("%w: %w: %s: %w", ErrDispatchFailed, ErrNotRecorded, item.ID, err)
	}

	d.logger.InfoContext(ctx, "Work item dispatched",
		"task_id", item.ID,
		"workflow_id", item.WorkflowID,
		"agent", agent,
		"type", item.Type,
	)

	return item, nil
}

// Record writes the PENDING record of an item that is already on its
// queue. An existing record is left untouched.
func (d *Dispatcher) Record(ctx context.Context, agent string, item models.WorkItem) (models.WorkItem, error) {
	if item.ID == "" {
		return models.WorkItem{}, fmt.Errorf("%w: task id is required", ErrInvalidWorkItem)
	}

	item, payload, err := d.prepare(agent, item)
	if err != nil {
		return models.WorkItem{}, err
	}

	if err := d.record(ctx, item, payload); err != nil {
		return models.WorkItem{}, fmt.Errorf("%w: %w: %s: %w", ErrDispatchFailed, ErrNotRecorded, item.ID, err)
	}

	d.logger.InfoContext(ctx, "Work item recorded", "task_id", item.ID, "workflow_id", item.WorkflowID, "agent", agent)

	return item, nil
}

func (d *Dispatcher) prepare(agent string, item models.WorkItem) (models.WorkItem, json.RawMessage, error) {
	if _, err := d.bus.Addresses().Address(agent); err != nil {
		return models.WorkItem{}, nil, err
	}

	if item.ID == "" {
		item.ID = d.newID()
	}

	if item.WorkflowID == "" {
		item.WorkflowID = item.ID
	}

	if item.Priority == "" {
		item.Priority = models.PriorityMedium
	}

	item.Agent = agent

	if err := item.Validate(); err != nil {
		return models.WorkItem{}, nil, fmt.Errorf("%w: %w", ErrInvalidWorkItem, err)
	}

	payload, err := models.EncodePayload(item.Payload)
	if err != nil {
		return models.WorkItem{}, nil, fmt.Errorf("%w: %w", ErrInvalidWorkItem, err)
	}

	return item, payload, nil
}

func (d *Dispatcher) record(ctx context.Context, item models.WorkItem, payload json.RawMessage) error {
	now := d.now()

	if _, err := d.store.CreateStatus(ctx, models.NewPendingRecord(item, payload, now)); err != nil {
		return err
	}

	err := d.store.SaveWorkflow(ctx, &models.WorkflowRecord{
		ID:        item.WorkflowID,
		Status:    models.WorkflowStatusPending,
		CreatedAt: now,
	})
	if err != nil {
		d.logger.WarnContext(ctx, "Failed to record workflow", "workflow_id", item.WorkflowID, "error", err)
	}

	return nil
}
