// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/dukex/conductor/pkg/models"
	"github.com/google/uuid"
)

// StartTime is the fixed start time of records built here.
var StartTime = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

// Logger discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func MilestonePayload() models.CreateMilestonePayload {
	return models.CreateMilestonePayload{
		ProjectID:   "jedi-1",
		Title:       "Public beta",
		Description: "Ship the beta",
		UserEmail:   "owner@example.com",
		UserName:    "Owner",
	}
}

// CreateTestWorkItem creates a dispatched step 1 milestone item that can be
// overridden.
func CreateTestWorkItem(overrides ...func(*models.WorkItem)) models.WorkItem {
	item := models.NewWorkItem(MilestonePayload()).WithStep(1, 3)
	item.ID = uuid.NewString()
	item.WorkflowID = uuid.NewString()
	item.Agent = models.AgentKarma

	for _, override := range overrides {
		override(&item)
	}

	return item
}

// CreateTestRecord creates the PENDING record of CreateTestWorkItem.
func CreateTestRecord(overrides ...func(*models.StatusRecord)) *models.StatusRecord {
	item := CreateTestWorkItem()

	payload, err := models.EncodePayload(item.Payload)
	if err != nil {
		panic(err)
	}

	record := models.NewPendingRecord(item, payload, StartTime)

	for _, override := range overrides {
		override(record)
	}

	return record
}

// WithIDs sets the task and workflow ids.
func WithIDs(taskID, workflowID string) func(*models.StatusRecord) {
	return func(r *models.StatusRecord) {
		r.TaskID = taskID
		r.WorkflowID = workflowID
	}
}

// WithStatus sets the status and, for terminal states, the end time.
func WithStatus(status models.Status) func(*models.StatusRecord) {
	return func(r *models.StatusRecord) {
		r.Status = status

		if status.IsTerminal() {
			endTime := StartTime.Add(time.Minute)
			r.EndTime = &endTime
		}
	}
}

func WithResult(result string) func(*models.StatusRecord) {
	return func(r *models.StatusRecord) {
		if result != "" {
			r.Result = json.RawMessage(result)
		}
	}
}

func WithPriority(priority models.Priority) func(*models.StatusRecord) {
	return func(r *models.StatusRecord) {
		r.Priority = priority
	}
}

// WithoutStep drops the step metadata.
func WithoutStep() func(*models.StatusRecord) {
	return func(r *models.StatusRecord) {
		r.StepMetadata = nil
	}
}
