package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dukex/conductor/pkg/models"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultConcurrency = 8
)

// Notification is the body POSTed to every target.
type Notification struct {
	TaskID     string          `json:"taskId"`
	WorkflowID string          `json:"workflowId"`
	Agent      string          `json:"agent"`
	Status     models.Status   `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

func NewNotification(record *models.StatusRecord) Notification {
	timestamp := record.StartTime
	if record.EndTime != nil {
		timestamp = *record.EndTime
	}

	return Notification{
		TaskID:     record.TaskID,
		WorkflowID: record.WorkflowID,
		Agent:      record.Agent,
		Status:     record.Status,
		Result:     record.Result,
		Error:      record.Error,
		Timestamp:  timestamp,
	}
}

// Notifier is what the completion listener calls after a terminal update.
type Notifier interface {
	Notify(ctx context.Context, record *models.StatusRecord)
}

type Option func(*HTTPNotifier)

func WithTimeout(timeout time.Duration) Option {
	return func(n *HTTPNotifier) {
		if timeout > 0 {
			n.timeout = timeout
		}
	}
}

func WithConcurrency(limit int) Option {
	return func(n *HTTPNotifier) {
		if limit > 0 {
			n.concurrency = limit
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(n *HTTPNotifier) {
		n.client = client
	}
}

// HTTPNotifier POSTs notifications to every registered target. Delivery is
// best-effort: failures are logged and a target that keeps failing is
// skipped while its breaker is open.
type HTTPNotifier struct {
	registry    *Registry
	client      *http.Client
	logger      *slog.Logger
	timeout     time.Duration
	concurrency int

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewHTTPNotifier(registry *Registry, logger *slog.Logger, opts ...Option) *HTTPNotifier {
	n := &HTTPNotifier{
		registry:    registry,
		client:      &http.Client{},
		logger:      logger.With("module", "notify"),
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

func (n *HTTPNotifier) Registry() *Registry {
	return n.registry
}

// Notify returns once every target was tried.
func (n *HTTPNotifier) Notify(ctx context.Context, record *models.StatusRecord) {
	targets := n.registry.Targets()
	if len(targets) == 0 {
		return
	}

	body, err := json.Marshal(NewNotification(record))
	if err != nil {
		n.logger.ErrorContext(ctx, "Failed to encode notification", "task_id", record.TaskID, "error", err)

		return
	}

	var group errgroup.Group

	group.SetLimit(n.concurrency)

	for _, target := range targets {
		group.Go(func() error {
			_, err := n.breaker(target).Execute(func() (any, error) {
				return nil, n.post(ctx, target, body)
			})
			if err != nil {
				n.logger.WarnContext(ctx, "Failed to notify target",
					"target", target,
					"task_id", record.TaskID,
					"workflow_id", record.WorkflowID,
					"error", err,
				)
			}

			return nil
		})
	}

	_ = group.Wait()
}

func (n *HTTPNotifier) post(ctx context.Context, target string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")

	response, err := n.client.Do(request)
	if err != nil {
		return err
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("target answered %d", response.StatusCode)
	}

	return nil
}

func (n *HTTPNotifier) breaker(target string) *gobreaker.CircuitBreaker {
	n.mu.Lock()
	defer n.mu.Unlock()

	cb, ok := n.breakers[target]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        target,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		n.breakers[target] = cb
	}

	return cb
}
