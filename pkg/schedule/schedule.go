// Package schedule dispatches recurring work items on cron schedules.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dukex/conductor/pkg/models"
	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidJob   = errors.New("invalid scheduled job")
	ErrDuplicateJob = errors.New("scheduled job already exists")
	ErrUnknownJob   = errors.New("unknown scheduled job")
)

// Job is one recurring work item. Every run dispatches a new item in a new
// workflow.
type Job struct {
	Name     string          `json:"name"               validate:"required" yaml:"name"`
	Cron     string          `json:"cron"               validate:"required" yaml:"cron"`
	Agent    string          `json:"agent,omitempty"                        yaml:"agent,omitempty"`
	Type     models.TaskType `json:"type"               validate:"required" yaml:"type"`
	Priority models.Priority `json:"priority,omitempty"                     yaml:"priority,omitempty"`
	Payload  map[string]any  `json:"payload"            validate:"required" yaml:"payload"`
}

// Dispatcher is the part of dispatch.Dispatcher the scheduler needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, agent string, item models.WorkItem) (models.WorkItem, error)
}

type entry struct {
	id    cron.EntryID
	agent string
	item  models.WorkItem
}

type Scheduler struct {
	cron       *cron.Cron
	dispatcher Dispatcher
	logger     *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]entry
}

func New(dispatcher Dispatcher, logger *slog.Logger) *Scheduler {
	logger = logger.With("module", "schedule")
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))

	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cronLogger),
			cron.Recover(cronLogger),
		)),
		dispatcher: dispatcher,
		logger:     logger,
		ctx:        context.Background(),
		entries:    make(map[string]entry),
	}
}

// Add validates job and registers it. Jobs can be added before or after
// Start.
func (s *Scheduler) Add(job Job) error {
	item, agent, err := job.workItem()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}

	id, err := s.cron.AddFunc(job.Cron, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if _, err := s.run(ctx, job.Name, agent, item); err != nil {
			s.logger.ErrorContext(ctx, "Scheduled dispatch failed", "job", job.Name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidJob, job.Name, err)
	}

	s.entries[job.Name] = entry{id: id, agent: agent, item: item}

	s.logger.Info("Scheduled job", "job", job.Name, "cron", job.Cron, "type", job.Type, "agent", agent)

	return nil
}

// Remove unregisters the job and reports whether it existed.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return false
	}

	s.cron.Remove(e.id)
	delete(s.entries, name)

	return true
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// Trigger runs the job immediately, outside of its schedule.
func (s *Scheduler) Trigger(ctx context.Context, name string) (models.WorkItem, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()

	if !ok {
		return models.WorkItem{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	return s.run(ctx, name, e.agent, e.item)
}

// Start runs the schedules until Stop. ctx is handed to every dispatch.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Starting scheduler", "jobs", len(s.Jobs()))
	s.cron.Start()
}

// Stop stops the schedules and waits for running dispatches.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, name, agent string, item models.WorkItem) (models.WorkItem, error) {
	dispatched, err := s.dispatcher.Dispatch(ctx, agent, item)
	if err != nil {
		return models.WorkItem{}, fmt.Errorf("job %s: %w", name, err)
	}

	s.logger.InfoContext(ctx, "Scheduled item dispatched", "job", name, "task_id", dispatched.ID, "workflow_id", dispatched.WorkflowID)

	return dispatched, nil
}

func (j Job) workItem() (models.WorkItem, string, error) {
	if j.Name == "" {
		return models.WorkItem{}, "", fmt.Errorf("%w: name is required", ErrInvalidJob)
	}

	if _, err := cron.ParseStandard(j.Cron); err != nil {
		return models.WorkItem{}, "", fmt.Errorf("%w: %s: invalid cron expression: %w", ErrInvalidJob, j.Name, err)
	}

	raw, err := json.Marshal(j.Payload)
	if err != nil {
		return models.WorkItem{}, "", fmt.Errorf("%w: %s: %w", ErrInvalidJob, j.Name, err)
	}

	payload, err := models.DecodePayload(j.Type, raw)
	if err != nil {
		return models.WorkItem{}, "", fmt.Errorf("%w: %s: %w", ErrInvalidJob, j.Name, err)
	}

	item := models.NewWorkItem(payload)

	if j.Priority != "" {
		if !j.Priority.Valid() {
			return models.WorkItem{}, "", fmt.Errorf("%w: %s: unknown priority %q", ErrInvalidJob, j.Name, j.Priority)
		}

		item = item.WithPriority(j.Priority)
	}

	agent := j.Agent
	if agent == "" {
		agent, _ = models.DefaultAgent(j.Type)
	}

	return item, agent, nil
}
