package web

import (
	"errors"
	"log/slog"

	"github.com/dukex/conductor/pkg/dispatch"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/otelhelper"
	"github.com/dukex/conductor/pkg/signature"
	"github.com/gofiber/fiber/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// WebhookSecrets holds the signing secret of each source. Sources without
// their own secret use Shared.
type WebhookSecrets struct {
	Shared    string
	PerSource map[string]string
}

func (s WebhookSecrets) For(source string) []byte {
	if secret, ok := s.PerSource[source]; ok && secret != "" {
		return []byte(secret)
	}

	return []byte(s.Shared)
}

type WebhookHandlers struct {
	dispatcher *dispatch.Dispatcher
	sources    WebhookSources
	secrets    WebhookSecrets
	logger     *slog.Logger
	tracer     trace.Tracer
}

func NewWebhookHandlers(
	dispatcher *dispatch.Dispatcher,
	sources WebhookSources,
	secrets WebhookSecrets,
	logger *slog.Logger,
	tracer trace.Tracer,
) *WebhookHandlers {
	if tracer == nil {
		tracer = otelhelper.NoopTracer()
	}

	return &WebhookHandlers{
		dispatcher: dispatcher,
		sources:    sources,
		secrets:    secrets,
		logger:     logger.With("module", "webhooks"),
		tracer:     tracer,
	}
}

func (h *WebhookHandlers) Sources() WebhookSources {
	return h.sources
}

// Receive verifies the signature of the raw body before anything reads it,
// then validates and translates the event and dispatches the resulting items
// in one workflow.
func (h *WebhookHandlers) Receive(c fiber.Ctx) error {
	name := c.Params("source")

	source, ok := h.sources[name]
	if !ok {
		return notFound(c, "Unknown webhook source: "+name)
	}

	body := append([]byte(nil), c.Body()...)

	ctx, span := otelhelper.StartSpan(c.Context(), h.tracer, "web.webhook", attribute.String(otelhelper.SourceKey, name))
	defer span.End()

	logger := h.logger.With("source", name)

	if err := signature.Verify(h.secrets.For(name), body, c.Get(signature.Header)); err != nil {
		otelhelper.SetError(span, err)

		if errors.Is(err, signature.ErrMissingSecret) {
			logger.ErrorContext(ctx, "No webhook secret configured")

			return handleError(c, err)
		}

		logger.WarnContext(ctx, "Rejected webhook with invalid signature", "remote_addr", c.IP())

		return unauthorized(c, "Signature does not match the request body")
	}

	event := source.Event(func(key string) string { return c.Get(key) }, body)

	if schema := source.Schema(event); schema != nil {
		if err := schema.ValidateJSON(body); err != nil {
			return badRequest(c, err.Error())
		}
	}

	items, err := source.Translate(event, body)
	if err != nil {
		return badRequest(c, err.Error())
	}

	response := WebhookResponse{Received: true, Event: event, TaskIDs: make([]string, 0, len(items))}

	if len(items) == 0 {
		logger.InfoContext(ctx, "Webhook event produced no work", "event", event)

		return c.JSON(response)
	}

	response.WorkflowID = h.dispatcher.NewWorkflowID()

	for i := range items {
		items[i] = items[i].WithWorkflow(response.WorkflowID)

		if err := models.ValidatePayload(items[i].Payload); err != nil {
			return badRequest(c, err.Error())
		}
	}

	var errs []error

	for _, item := range items {
		agent, _ := models.DefaultAgent(item.Type)

		dispatched, err := h.dispatcher.Dispatch(ctx, agent, item)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to dispatch webhook item", "event", event, "type", item.Type, "error", err)
			errs = append(errs, err)

			continue
		}

		response.TaskIDs = append(response.TaskIDs, dispatched.ID)
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		otelhelper.SetError(span, err)

		return handleError(c, err)
	}

	logger.InfoContext(ctx, "Webhook dispatched", "event", event, "workflow_id", response.WorkflowID, "items", len(response.TaskIDs))

	return c.JSON(response)
}
