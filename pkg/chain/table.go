// Package chain continues multi-step workflows: when step k of a chain
// completes, it dispatches step k+1 as declared in an explicit table.
package chain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/conductor/pkg/models"
)

// Key identifies the completed step a transition starts from.
type Key struct {
	Type models.TaskType
	Step int
}

// BuildFunc derives the next payload from the completed payload and the
// result the agent reported for it.
type BuildFunc func(completed models.Payload, result json.RawMessage) (models.Payload, error)

// Transition declares what follows a completed step. An empty Agent means the
// default agent of Next.
type Transition struct {
	Next  models.TaskType
	Agent string
	Build BuildFunc
}

type Table map[Key]Transition

// Merge combines tables. Later tables override earlier entries.
func Merge(tables ...Table) Table {
	merged := make(Table)

	for _, table := range tables {
		for key, transition := range table {
			merged[key] = transition
		}
	}

	return merged
}

// Lookup returns the transition for a completed step.
func (t Table) Lookup(taskType models.TaskType, step int) (Transition, bool) {
	transition, ok := t[Key{Type: taskType, Step: step}]

	return transition, ok
}

// MilestoneSteps is the length of the milestone chain.
const MilestoneSteps = 3

var ErrMissingResult = errors.New("completed step did not report the expected result")

// MilestoneResult is what the karma agent reports after creating a milestone.
type MilestoneResult struct {
	MilestoneID string `json:"milestoneId"`
	URL         string `json:"url,omitempty"`
}

// AnnouncementResult is what the social agent reports after announcing.
type AnnouncementResult struct {
	PostURL string `json:"postUrl,omitempty"`
}

// MilestoneChain is CREATE_MILESTONE, then ANNOUNCE_MILESTONE, then
// SEND_CONFIRMATION.
func MilestoneChain() Table {
	return Table{
		{Type: models.TaskCreateMilestone, Step: 1}: {
			Next:  models.TaskAnnounceMilestone,
			Build: announceMilestone,
		},
		{Type: models.TaskAnnounceMilestone, Step: 2}: {
			Next:  models.TaskSendConfirmation,
			Build: sendConfirmation,
		},
	}
}

func announceMilestone(completed models.Payload, result json.RawMessage) (models.Payload, error) {
	milestone, ok := completed.(models.CreateMilestonePayload)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrPayloadTypeMismatch, completed.TaskType())
	}

	var created MilestoneResult
	if len(result) > 0 {
		if err := json.Unmarshal(result, &created); err != nil {
			return nil, fmt.Errorf("invalid milestone result: %w", err)
		}
	}

	if created.MilestoneID == "" {
		return nil, fmt.Errorf("%w: milestoneId", ErrMissingResult)
	}

	return models.AnnounceMilestonePayload{
		ProjectID:   milestone.ProjectID,
		MilestoneID: created.MilestoneID,
		Title:       milestone.Title,
		URL:         created.URL,
		UserEmail:   milestone.UserEmail,
		UserName:    milestone.UserName,
	}, nil
}

func sendConfirmation(completed models.Payload, result json.RawMessage) (models.Payload, error) {
	announced, ok := completed.(models.AnnounceMilestonePayload)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrPayloadTypeMismatch, completed.TaskType())
	}

	var announcement AnnouncementResult
	if len(result) > 0 {
		if err := json.Unmarshal(result, &announcement); err != nil {
			return nil, fmt.Errorf("invalid announcement result: %w", err)
		}
	}

	message := fmt.Sprintf("Hi %s, your milestone %q was created and announced.", announced.UserName, announced.Title)
	if announcement.PostURL != "" {
		message += " Announcement: " + announcement.PostURL
	} else if announced.URL != "" {
		message += " Milestone: " + announced.URL
	}

	return models.SendConfirmationPayload{
		ProjectID: announced.ProjectID,
		Email:     announced.UserEmail,
		Name:      announced.UserName,
		Subject:   "Milestone created: " + announced.Title,
		Message:   message,
	}, nil
}
