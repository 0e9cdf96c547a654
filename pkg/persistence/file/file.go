// Package file provides a file-based status store for development and tests.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
)

var errInvalidID = errors.New("invalid identifier")

// Persistence implements persistence.StatusStore on the file system. A mutex
// serializes every read-check-write, so it is safe for one process only.
type Persistence struct {
	root string
	mu   sync.Mutex
}

// NewPersistence creates a store rooted at root, accepting a file:// prefix.
func NewPersistence(root string) *Persistence {
	return &Persistence{root: strings.Replace(root, "file://", "", 1)}
}

func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists or can be created.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(fp.root, 0750); err != nil {
		return fmt.Errorf("file store root %s is not usable: %w", fp.root, err)
	}

	return nil
}

func (fp *Persistence) CreateStatus(_ context.Context, record *models.StatusRecord) (bool, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	filePath, err := fp.path("status", record.TaskID)
	if err != nil {
		return false, persistence.NewStatusError("CreateStatus", record.TaskID, err)
	}

	if _, err := os.Stat(filePath); err == nil {
		return false, nil
	}

	if err := writeJSON(filePath, record); err != nil {
		return false, persistence.NewStatusError("CreateStatus", record.TaskID, err)
	}

	return true, nil
}

func (fp *Persistence) Status(_ context.Context, taskID string) (*models.StatusRecord, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return fp.readStatus("Status", taskID)
}

func (fp *Persistence) ApplyUpdate(_ context.Context, update models.StatusUpdate) (*models.StatusRecord, bool, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	record, err := fp.readStatus("ApplyUpdate", update.TaskID)
	if err != nil {
		return nil, false, err
	}

	updated, ok := update.Apply(*record)
	if !ok {
		return record, false, nil
	}

	filePath, _ := fp.path("status", update.TaskID)
	if err := writeJSON(filePath, &updated); err != nil {
		return nil, false, persistence.NewStatusError("ApplyUpdate", update.TaskID, err)
	}

	return &updated, true, nil
}

func (fp *Persistence) StatusesByWorkflow(_ context.Context, workflowID string) ([]*models.StatusRecord, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	records := make([]*models.StatusRecord, 0)

	jsonFiles, err := fs.Glob(os.DirFS(filepath.Join(fp.root, "status")), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list status files: %w", err)
	}

	for _, file := range jsonFiles {
		record, err := fp.readStatus("StatusesByWorkflow", strings.TrimSuffix(file, ".json"))
		if err != nil {
			if persistence.IsStatusNotFound(err) {
				continue
			}

			return nil, err
		}

		if record.WorkflowID == workflowID {
			records = append(records, record)
		}
	}

	persistence.SortRecords(records)

	return records, nil
}

func (fp *Persistence) SaveWorkflow(_ context.Context, workflow *models.WorkflowRecord) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	filePath, err := fp.path("workflows", workflow.ID)
	if err != nil {
		return persistence.NewWorkflowError("SaveWorkflow", workflow.ID, err)
	}

	if _, err := os.Stat(filePath); err == nil {
		return nil
	}

	if err := writeJSON(filePath, workflow); err != nil {
		return persistence.NewWorkflowError("SaveWorkflow", workflow.ID, err)
	}

	return nil
}

func (fp *Persistence) Workflow(_ context.Context, workflowID string) (*models.WorkflowRecord, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return fp.readWorkflow("Workflow", workflowID)
}

func (fp *Persistence) CompleteWorkflow(_ context.Context, workflowID string, completedAt time.Time) (bool, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	workflow, err := fp.readWorkflow("CompleteWorkflow", workflowID)
	if err != nil {
		if !persistence.IsWorkflowNotFound(err) {
			return false, err
		}

		workflow = &models.WorkflowRecord{ID: workflowID, CreatedAt: completedAt}
	}

	if workflow.Status == models.WorkflowStatusCompleted {
		return false, nil
	}

	workflow.Status = models.WorkflowStatusCompleted
	workflow.CompletedAt = &completedAt

	filePath, err := fp.path("workflows", workflowID)
	if err != nil {
		return false, persistence.NewWorkflowError("CompleteWorkflow", workflowID, err)
	}

	if err := writeJSON(filePath, workflow); err != nil {
		return false, persistence.NewWorkflowError("CompleteWorkflow", workflowID, err)
	}

	return true, nil
}

// ClaimStep creates the claim file exclusively; an existing file means the
// step was already claimed.
func (fp *Persistence) ClaimStep(_ context.Context, workflowID string, step int) (bool, error) {
	dir, err := fp.claimDir(workflowID)
	if err != nil {
		return false, persistence.NewWorkflowError("ClaimStep", workflowID, err)
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return false, fmt.Errorf("failed to create claims directory: %w", err)
	}

	claim, err := os.OpenFile(filepath.Join(dir, strconv.Itoa(step)), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}

		return false, persistence.NewWorkflowError("ClaimStep", workflowID, err)
	}

	return true, claim.Close()
}

func (fp *Persistence) ReleaseStep(_ context.Context, workflowID string, step int) error {
	dir, err := fp.claimDir(workflowID)
	if err != nil {
		return persistence.NewWorkflowError("ReleaseStep", workflowID, err)
	}

	err = os.Remove(filepath.Join(dir, strconv.Itoa(step)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return persistence.NewWorkflowError("ReleaseStep", workflowID, err)
	}

	return nil
}

func validID(id string) error {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", errInvalidID, id)
	}

	return nil
}

func (fp *Persistence) path(kind, id string) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}

	return filepath.Join(fp.root, kind, id+".json"), nil
}

func (fp *Persistence) claimDir(workflowID string) (string, error) {
	if err := validID(workflowID); err != nil {
		return "", err
	}

	return filepath.Join(fp.root, "claims", workflowID), nil
}

func (fp *Persistence) readStatus(op, taskID string) (*models.StatusRecord, error) {
	filePath, err := fp.path("status", taskID)
	if err != nil {
		return nil, persistence.NewStatusError(op, taskID, err)
	}

	var record models.StatusRecord
	if err := readJSON(filePath, &record); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewStatusError(op, taskID, persistence.ErrStatusNotFound)
		}

		return nil, persistence.NewStatusError(op, taskID, err)
	}

	return &record, nil
}

func (fp *Persistence) readWorkflow(op, workflowID string) (*models.WorkflowRecord, error) {
	filePath, err := fp.path("workflows", workflowID)
	if err != nil {
		return nil, persistence.NewWorkflowError(op, workflowID, err)
	}

	var workflow models.WorkflowRecord
	if err := readJSON(filePath, &workflow); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewWorkflowError(op, workflowID, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError(op, workflowID, err)
	}

	return &workflow, nil
}

func readJSON(filePath string, target any) error {
	body, err := os.ReadFile(filepath.Clean(filePath))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filePath, err)
	}

	return nil
}

// writeJSON writes through a temporary file and a rename so readers never
// observe a partial record.
func writeJSON(filePath string, value any) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filePath, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return err
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return err
	}

	return os.Rename(tmp.Name(), filePath)
}
