package router

import (
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/juhinebhnani4/ldip/database"
	"github.com/juhinebhnani4/ldip/external"
	"github.com/juhinebhnani4/ldip/handlers"
	document_handlers "github.com/juhinebhnani4/ldip/handlers/document"
	job_handlers "github.com/juhinebhnani4/ldip/handlers/job"
	"github.com/juhinebhnani4/ldip/model"
	"github.com/juhinebhnani4/ldip/services"
	"github.com/juhinebhnani4/ldip/utils/middleware"
)

// Dependencies bundles the services the router wires into handlers, built
// once at startup by app.SetupAndRunServer and passed down so the route
// table stays a pure wiring function.
type Dependencies struct {
	Store        *database.GORMStore
	Jobs         *services.JobStore
	Documents    *services.DocumentStore
	Blob         external.Blob
	PageCounter  *services.PDFPageCounter
	Queue        *services.TaskQueue
	Broadcaster  external.Broadcaster
	Orchestrator *services.PipelineOrchestrator
	Tracker      *services.PartialProgressTracker
	Sweepers     *services.RecoverySweepers
	RateLimiter  *services.RateLimiter
	Cache        *services.QueryCache
}

// SetupRoutes wires the health, job and recovery endpoints onto the Fiber
// app.
func SetupRoutes(app *fiber.App, deps Dependencies) {
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000,http://localhost:3001"
	}

	middleware.SetupSecurity(app, middleware.SecurityConfig{
		AllowedOrigins:    allowedOrigins,
		RateLimitRequests: 30,
		RateLimitWindow:   time.Minute,
	})

	healthTier := middleware.NewTieredRateLimit(deps.RateLimiter, middleware.RateLimitConfig{Tier: model.TierHealth})
	app.Get("/ping", healthTier, func(c *fiber.Ctx) error { return handlers.HandleCheckHealth(c, deps.Store) })
	app.Get("/health/detailed", healthTier, func(c *fiber.Ctx) error { return handlers.HandleDetailedHealth(c, deps.Store) })

	jobHandler := job_handlers.NewJobHandler(deps.Jobs, deps.Orchestrator, deps.Tracker, deps.Sweepers, deps.RateLimiter, deps.Cache, deps.Broadcaster)
	documentHandler := document_handlers.NewDocumentHandler(deps.Documents, deps.Blob, deps.PageCounter, deps.Queue)

	readonlyTier := middleware.NewTieredRateLimit(deps.RateLimiter, middleware.RateLimitConfig{Tier: model.TierReadonly})
	criticalTier := middleware.NewTieredRateLimit(deps.RateLimiter, middleware.RateLimitConfig{Tier: model.TierCritical})

	api := app.Group("/api/v1")

	jobs := api.Group("/jobs")
	jobs.Get("/", readonlyTier, jobHandler.ListJobs)
	jobs.Get("/stats", readonlyTier, jobHandler.QueueStats)
	jobs.Get("/recovery/stats", readonlyTier, jobHandler.RecoveryStats)
	jobs.Post("/recovery/run", criticalTier, jobHandler.RunRecoverySweep)
	jobs.Post("/recovery/:id", criticalTier, jobHandler.RunRecoveryForJob)
	jobs.Get("/:id", readonlyTier, jobHandler.GetJob)
	jobs.Post("/:id/retry", criticalTier, jobHandler.RetryJob)
	jobs.Post("/:id/skip", criticalTier, jobHandler.SkipJob)
	jobs.Post("/:id/cancel", criticalTier, jobHandler.CancelJob)
	jobs.Get("/:id/stream", readonlyTier, jobHandler.StreamJobProgress)

	documents := api.Group("/documents")
	documents.Get("/", readonlyTier, documentHandler.ListDocuments)
	documents.Post("/", criticalTier, documentHandler.UploadDocument)
	documents.Get("/:id", readonlyTier, documentHandler.GetDocument)
}
