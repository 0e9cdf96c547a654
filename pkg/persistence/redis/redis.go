// Package redis provides a Redis-backed status store. Conditional updates use
// WATCH/MULTI so concurrent listeners cannot overwrite a terminal record.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "conductor:"
	maxRetries = 10
)

// Persistence implements persistence.StatusStore on Redis.
type Persistence struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewPersistence connects to the redis:// URL and verifies the connection.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	options, err := redis.ParseURL(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis", "addr", options.Addr, "db", options.DB)

	return NewWithClient(client, logger), nil
}

func NewWithClient(client redis.UniversalClient, logger *slog.Logger) *Persistence {
	return &Persistence{client: client, logger: logger}
}

func statusKey(taskID string) string {
	return keyPrefix + "status:" + taskID
}

func workflowKey(workflowID string) string {
	return keyPrefix + "workflow:" + workflowID
}

func workflowTasksKey(workflowID string) string {
	return workflowKey(workflowID) + ":tasks"
}

func claimKey(workflowID string, step int) string {
	return workflowKey(workflowID) + ":step:" + strconv.Itoa(step)
}

func (p *Persistence) Close(_ context.Context) error {
	return p.client.Close()
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

func (p *Persistence) CreateStatus(ctx context.Context, record *models.StatusRecord) (bool, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return false, persistence.NewStatusError("CreateStatus", record.TaskID, err)
	}

	key := statusKey(record.TaskID)
	created := false

	err = p.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}

		if exists > 0 {
			created = false

			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, workflowTasksKey(record.WorkflowID), record.TaskID)

			return nil
		})
		created = err == nil

		return err
	}, key)
	if err != nil {
		return false, persistence.NewStatusError("CreateStatus", record.TaskID, err)
	}

	return created, nil
}

func (p *Persistence) Status(ctx context.Context, taskID string) (*models.StatusRecord, error) {
	record, err := getJSON[models.StatusRecord](ctx, p.client, statusKey(taskID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			err = persistence.ErrStatusNotFound
		}

		return nil, persistence.NewStatusError("Status", taskID, err)
	}

	return record, nil
}

func (p *Persistence) ApplyUpdate(ctx context.Context, update models.StatusUpdate) (*models.StatusRecord, bool, error) {
	key := statusKey(update.TaskID)

	var (
		result  *models.StatusRecord
		applied bool
	)

	err := p.watch(ctx, func(tx *redis.Tx) error {
		record, err := getJSON[models.StatusRecord](ctx, tx, key)
		if err != nil {
			return err
		}

		updated, ok := update.Apply(*record)
		if !ok {
			result, applied = record, false

			return nil
		}

		data, err := json.Marshal(updated)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)

			return nil
		})
		if err == nil {
			result, applied = &updated, true
		}

		return err
	}, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			err = persistence.ErrStatusNotFound
		}

		return nil, false, persistence.NewStatusError("ApplyUpdate", update.TaskID, err)
	}

	return result, applied, nil
}

func (p *Persistence) StatusesByWorkflow(ctx context.Context, workflowID string) ([]*models.StatusRecord, error) {
	taskIDs, err := p.client.SMembers(ctx, workflowTasksKey(workflowID)).Result()
	if err != nil {
		return nil, persistence.NewWorkflowError("StatusesByWorkflow", workflowID, err)
	}

	records := make([]*models.StatusRecord, 0, len(taskIDs))
	if len(taskIDs) == 0 {
		return records, nil
	}

	keys := make([]string, len(taskIDs))
	for i, taskID := range taskIDs {
		keys[i] = statusKey(taskID)
	}

	values, err := p.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, persistence.NewWorkflowError("StatusesByWorkflow", workflowID, err)
	}

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			p.logger.WarnContext(ctx, "Workflow index references a missing status", "workflow_id", workflowID, "task_id", taskIDs[i])

			continue
		}

		var record models.StatusRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, persistence.NewStatusError("StatusesByWorkflow", taskIDs[i], err)
		}

		records = append(records, &record)
	}

	persistence.SortRecords(records)

	return records, nil
}

func (p *Persistence) SaveWorkflow(ctx context.Context, workflow *models.WorkflowRecord) error {
	data, err := json.Marshal(workflow)
	if err != nil {
		return persistence.NewWorkflowError("SaveWorkflow", workflow.ID, err)
	}

	if err := p.client.SetNX(ctx, workflowKey(workflow.ID), data, 0).Err(); err != nil {
		return persistence.NewWorkflowError("SaveWorkflow", workflow.ID, err)
	}

	return nil
}

func (p *Persistence) Workflow(ctx context.Context, workflowID string) (*models.WorkflowRecord, error) {
	workflow, err := getJSON[models.WorkflowRecord](ctx, p.client, workflowKey(workflowID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			err = persistence.ErrWorkflowNotFound
		}

		return nil, persistence.NewWorkflowError("Workflow", workflowID, err)
	}

	return workflow, nil
}

func (p *Persistence) CompleteWorkflow(ctx context.Context, workflowID string, completedAt time.Time) (bool, error) {
	key := workflowKey(workflowID)
	completed := false

	err := p.watch(ctx, func(tx *redis.Tx) error {
		workflow, err := getJSON[models.WorkflowRecord](ctx, tx, key)

		switch {
		case errors.Is(err, redis.Nil):
			workflow = &models.WorkflowRecord{ID: workflowID, CreatedAt: completedAt}
		case err != nil:
			return err
		}

		if workflow.Status == models.WorkflowStatusCompleted {
			completed = false

			return nil
		}

		workflow.Status = models.WorkflowStatusCompleted
		workflow.CompletedAt = &completedAt

		data, err := json.Marshal(workflow)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)

			return nil
		})
		completed = err == nil

		return err
	}, key)
	if err != nil {
		return false, persistence.NewWorkflowError("CompleteWorkflow", workflowID, err)
	}

	return completed, nil
}

func (p *Persistence) ClaimStep(ctx context.Context, workflowID string, step int) (bool, error) {
	claimed, err := p.client.SetNX(ctx, claimKey(workflowID, step), time.Now().UTC().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return false, persistence.NewWorkflowError("ClaimStep", workflowID, err)
	}

	return claimed, nil
}

func (p *Persistence) ReleaseStep(ctx context.Context, workflowID string, step int) error {
	if err := p.client.Del(ctx, claimKey(workflowID, step)).Err(); err != nil {
		return persistence.NewWorkflowError("ReleaseStep", workflowID, err)
	}

	return nil
}

// watch runs fn in an optimistic transaction, retrying when a watched key
// changed underneath it.
func (p *Persistence) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for range maxRetries {
		err := p.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}

	return fmt.Errorf("transaction on %v aborted after %d retries", keys, maxRetries)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON[T any](ctx context.Context, client getter, key string) (*T, error) {
	raw, err := client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}

	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}

	return &value, nil
}
