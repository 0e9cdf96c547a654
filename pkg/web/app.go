package web

import (
	"github.com/dukex/conductor/pkg/models"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp mounts the API routes and, when webhooks is not nil, the webhook
// route.
func NewApp(api *APIHandlers, webhooks *WebhookHandlers) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Conductor")
	})

	app.Get("/health", api.HealthCheck)
	app.Get("/availability", api.Availability)

	sources := WebhookSources{}
	if webhooks != nil {
		sources = webhooks.Sources()
	}

	app.Get("/input_schema", inputSchema(sources))

	a := app.Group("/api")
	a.Post("/milestones", api.CreateMilestone)
	a.Post("/social/posts", api.CreateSocialPost)
	a.Post("/projects/:projectId/interact", api.Interact)
	a.Get("/workflows/:workflowId", api.GetWorkflow)
	a.Get("/tasks/:taskId", api.GetTask)
	a.Post("/:domain/analyze", api.Analyze)

	if api.registry != nil {
		n := a.Group("/notifications/targets")
		n.Get("/", api.GetNotificationTargets)
		n.Post("/", api.AddNotificationTarget)
		n.Delete("/", api.RemoveNotificationTarget)
	}

	if webhooks != nil {
		app.Post("/webhooks/:source", webhooks.Receive)
	}

	return app
}

func inputSchema(sources WebhookSources) fiber.Handler {
	payloads := make(map[models.TaskType]*models.JSONSchema)

	for _, taskType := range models.TaskTypes() {
		schema, err := models.PayloadSchema(taskType)
		if err == nil {
			payloads[taskType] = schema
		}
	}

	response := InputSchemaResponse{
		Payloads: payloads,
		Requests: requestSchemas,
		Webhooks: sources.Schemas(),
	}

	return func(c fiber.Ctx) error {
		return c.JSON(response)
	}
}

var priorityProperty = &models.Property{Type: "string", Enum: []any{"HIGH", "MEDIUM", "LOW"}}

var requestSchemas = map[string]*models.JSONSchema{
	"analyze": {
		Type:     "object",
		Title:    "POST /api/:domain/analyze",
		Required: []string{"target", "correlationKey"},
		Properties: map[string]*models.Property{
			"target":         {Type: "string", Description: "Repository URL, or the search query for leads"},
			"correlationKey": {Type: "string", Description: "Project key the results are grouped under"},
			"userId":         {Type: "string"},
			"priority":       priorityProperty,
		},
	},
	"milestone": {
		Type:     "object",
		Title:    "POST /api/milestones",
		Required: []string{"projectId", "title", "description", "userEmail", "userName"},
		Properties: map[string]*models.Property{
			"projectId":   {Type: "string"},
			"title":       {Type: "string"},
			"description": {Type: "string"},
			"dueDate":     {Type: "string"},
			"userEmail":   {Type: "string", Format: "email"},
			"userName":    {Type: "string"},
			"priority":    priorityProperty,
		},
	},
	"socialPost": {
		Type:     "object",
		Title:    "POST /api/social/posts",
		Required: []string{"projectId", "platform"},
		Properties: map[string]*models.Property{
			"projectId": {Type: "string"},
			"platform":  {Type: "string", Enum: []any{"twitter", "linkedin", "telegram"}},
			"text":      {Type: "string"},
			"character": {Type: "object"},
			"priority":  priorityProperty,
		},
	},
	"interact": {
		Type:     "object",
		Title:    "POST /api/projects/:projectId/interact",
		Required: []string{"prompt"},
		Properties: map[string]*models.Property{
			"prompt": {Type: "string"},
		},
	},
	"notificationTarget": {
		Type:     "object",
		Title:    "POST /api/notifications/targets",
		Required: []string{"url"},
		Properties: map[string]*models.Property{
			"url": {Type: "string", Format: "uri"},
		},
	},
}
