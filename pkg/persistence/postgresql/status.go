package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/lib/pq"
)

const statusColumns = `
	task_id
  , workflow_id
  , agent
  , task_type
  , step
  , total_steps
  , priority
  , payload
  , status
  , start_time
  , end_time
  , result
  , error
`

// StatusRepository handles task status database operations.
type StatusRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStatusRepository(db *sql.DB, logger *slog.Logger) *StatusRepository {
	return &StatusRepository{db: db, logger: logger}
}

func (p *Persistence) CreateStatus(ctx context.Context, record *models.StatusRecord) (bool, error) {
	return p.statusRepo.Create(ctx, record)
}

func (p *Persistence) Status(ctx context.Context, taskID string) (*models.StatusRecord, error) {
	return p.statusRepo.GetByID(ctx, taskID)
}

func (p *Persistence) ApplyUpdate(ctx context.Context, update models.StatusUpdate) (*models.StatusRecord, bool, error) {
	return p.statusRepo.ApplyUpdate(ctx, update)
}

func (p *Persistence) StatusesByWorkflow(ctx context.Context, workflowID string) ([]*models.StatusRecord, error) {
	return p.statusRepo.GetByWorkflow(ctx, workflowID)
}

func (r *StatusRepository) Create(ctx context.Context, record *models.StatusRecord) (bool, error) {
	query := `
		INSERT INTO task_status (` + statusColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (task_id) DO NOTHING
	`

	var step, totalSteps sql.NullInt64
	if record.StepMetadata != nil {
		step = sql.NullInt64{Int64: int64(record.StepMetadata.Step), Valid: true}
		totalSteps = sql.NullInt64{Int64: int64(record.StepMetadata.TotalSteps), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		record.TaskID,
		record.WorkflowID,
		record.Agent,
		string(record.Type),
		step,
		totalSteps,
		string(record.Priority),
		nullableJSON(record.Payload),
		string(record.Status),
		record.StartTime,
		nullableTime(record.EndTime),
		nullableJSON(record.Result),
		record.Error,
	)
	if err != nil {
		return false, persistence.NewStatusError("CreateStatus", record.TaskID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewStatusError("CreateStatus", record.TaskID, err)
	}

	return rows == 1, nil
}

func (r *StatusRepository) GetByID(ctx context.Context, taskID string) (*models.StatusRecord, error) {
	query := `SELECT ` + statusColumns + ` FROM task_status WHERE task_id = $1`

	record, err := scanStatus(r.db.QueryRowContext(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = persistence.ErrStatusNotFound
		}

		return nil, persistence.NewStatusError("Status", taskID, err)
	}

	return record, nil
}

// ApplyUpdate only touches rows whose current status may transition to the
// requested one. When no row changed it reads the row back to tell a rejected
// transition from a missing record.
func (r *StatusRepository) ApplyUpdate(ctx context.Context, update models.StatusUpdate) (*models.StatusRecord, bool, error) {
	from := allowedFrom(update.Status)
	if len(from) == 0 {
		record, err := r.GetByID(ctx, update.TaskID)

		return record, false, err
	}

	target, _ := update.Apply(models.StatusRecord{Status: from[0]})

	query := `
		UPDATE task_status
		SET status = $2, end_time = $3, result = $4, error = $5
		WHERE task_id = $1 AND status = ANY($6)
		RETURNING ` + statusColumns

	fromValues := make([]string, len(from))
	for i, status := range from {
		fromValues[i] = string(status)
	}

	record, err := scanStatus(r.db.QueryRowContext(ctx, query,
		update.TaskID,
		string(target.Status),
		nullableTime(target.EndTime),
		nullableJSON(target.Result),
		target.Error,
		pq.Array(fromValues),
	))

	switch {
	case err == nil:
		return record, true, nil
	case errors.Is(err, sql.ErrNoRows):
		current, err := r.GetByID(ctx, update.TaskID)
		if err != nil {
			return nil, false, persistence.NewStatusError("ApplyUpdate", update.TaskID, err)
		}

		return current, false, nil
	default:
		return nil, false, persistence.NewStatusError("ApplyUpdate", update.TaskID, err)
	}
}

func (r *StatusRepository) GetByWorkflow(ctx context.Context, workflowID string) ([]*models.StatusRecord, error) {
	query := `
		SELECT ` + statusColumns + `
		FROM task_status
		WHERE workflow_id = $1
		ORDER BY start_time, step NULLS FIRST, task_id
	`

	rows, err := r.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, persistence.NewWorkflowError("StatusesByWorkflow", workflowID, err)
	}

	defer func(ctx context.Context, r *StatusRepository) {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}(ctx, r)

	records := make([]*models.StatusRecord, 0)

	for rows.Next() {
		record, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan status: %w", err)
		}

		records = append(records, record)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating statuses: %w", err)
	}

	persistence.SortRecords(records)

	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStatus(row scanner) (*models.StatusRecord, error) {
	var (
		record                     models.StatusRecord
		taskType, status, priority string
		step, totalSteps           sql.NullInt64
		payload, result            []byte
		endTime                    sql.NullTime
	)

	err := row.Scan(
		&record.TaskID,
		&record.WorkflowID,
		&record.Agent,
		&taskType,
		&step,
		&totalSteps,
		&priority,
		&payload,
		&status,
		&record.StartTime,
		&endTime,
		&result,
		&record.Error,
	)
	if err != nil {
		return nil, err
	}

	record.Type = models.TaskType(taskType)
	record.Status = models.Status(status)
	record.Priority = models.Priority(priority)
	record.StartTime = record.StartTime.UTC()

	if step.Valid && totalSteps.Valid {
		record.StepMetadata = &models.StepMetadata{Step: int(step.Int64), TotalSteps: int(totalSteps.Int64)}
	}

	if len(payload) > 0 {
		record.Payload = json.RawMessage(payload)
	}

	if len(result) > 0 {
		record.Result = json.RawMessage(result)
	}

	if endTime.Valid {
		t := endTime.Time.UTC()
		record.EndTime = &t
	}

	return &record, nil
}

// allowedFrom lists the states that may move to status.
func allowedFrom(status models.Status) []models.Status {
	from := make([]models.Status, 0, 2)

	for _, candidate := range []models.Status{models.StatusPending, models.StatusInProgress, models.StatusCompleted, models.StatusFailed} {
		if models.CanTransition(candidate, status) {
			from = append(from, candidate)
		}
	}

	return from
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	return string(raw)
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}
