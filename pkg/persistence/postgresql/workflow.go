package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
)

// WorkflowRepository handles workflow and step claim database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

func (p *Persistence) SaveWorkflow(ctx context.Context, workflow *models.WorkflowRecord) error {
	return p.workflowRepo.Save(ctx, workflow)
}

func (p *Persistence) Workflow(ctx context.Context, workflowID string) (*models.WorkflowRecord, error) {
	return p.workflowRepo.GetByID(ctx, workflowID)
}

func (p *Persistence) CompleteWorkflow(ctx context.Context, workflowID string, completedAt time.Time) (bool, error) {
	return p.workflowRepo.Complete(ctx, workflowID, completedAt)
}

func (p *Persistence) ClaimStep(ctx context.Context, workflowID string, step int) (bool, error) {
	return p.workflowRepo.ClaimStep(ctx, workflowID, step)
}

func (p *Persistence) ReleaseStep(ctx context.Context, workflowID string, step int) error {
	return p.workflowRepo.ReleaseStep(ctx, workflowID, step)
}

// Save inserts the workflow when absent.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.WorkflowRecord) error {
	query := `
		INSERT INTO workflows (id, status, created_at, completed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		workflow.ID,
		string(workflow.Status),
		workflow.CreatedAt,
		nullableTime(workflow.CompletedAt),
	)
	if err != nil {
		return persistence.NewWorkflowError("SaveWorkflow", workflow.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) GetByID(ctx context.Context, workflowID string) (*models.WorkflowRecord, error) {
	query := `
		SELECT
			id
		  , status
		  , created_at
		  , completed_at
		FROM workflows
		WHERE id = $1
	`

	var (
		workflow    models.WorkflowRecord
		status      string
		completedAt sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, query, workflowID).Scan(&workflow.ID, &status, &workflow.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = persistence.ErrWorkflowNotFound
		}

		return nil, persistence.NewWorkflowError("Workflow", workflowID, err)
	}

	workflow.Status = models.WorkflowStatus(status)
	workflow.CreatedAt = workflow.CreatedAt.UTC()

	if completedAt.Valid {
		t := completedAt.Time.UTC()
		workflow.CompletedAt = &t
	}

	return &workflow, nil
}

// Complete marks the workflow COMPLETED, inserting it when it was never
// saved. Only the call that flips the status reports true.
func (r *WorkflowRepository) Complete(ctx context.Context, workflowID string, completedAt time.Time) (bool, error) {
	query := `
		INSERT INTO workflows (id, status, created_at, completed_at)
		VALUES ($1, 'COMPLETED', $2, $2)
		ON CONFLICT (id) DO UPDATE SET
			status = 'COMPLETED',
			completed_at = EXCLUDED.completed_at
		WHERE workflows.status <> 'COMPLETED'
	`

	result, err := r.db.ExecContext(ctx, query, workflowID, completedAt)
	if err != nil {
		return false, persistence.NewWorkflowError("CompleteWorkflow", workflowID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewWorkflowError("CompleteWorkflow", workflowID, err)
	}

	return rows == 1, nil
}

func (r *WorkflowRepository) ClaimStep(ctx context.Context, workflowID string, step int) (bool, error) {
	query := `
		INSERT INTO workflow_step_claims (workflow_id, step)
		VALUES ($1, $2)
		ON CONFLICT (workflow_id, step) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query, workflowID, step)
	if err != nil {
		return false, persistence.NewWorkflowError("ClaimStep", workflowID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewWorkflowError("ClaimStep", workflowID, err)
	}

	return rows == 1, nil
}

func (r *WorkflowRepository) ReleaseStep(ctx context.Context, workflowID string, step int) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM workflow_step_claims WHERE workflow_id = $1 AND step = $2", workflowID, step)
	if err != nil {
		return persistence.NewWorkflowError("ReleaseStep", workflowID, err)
	}

	return nil
}
