package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/juhinebhnani4/ldip/database"
)

// HandleCheckHealth is the liveness probe: it never touches the database,
// so it stays green while Postgres or Redis is unreachable.
func HandleCheckHealth(c *fiber.Ctx, store *database.GORMStore) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// HandleDetailedHealth is the readiness probe: it reports the database's
// own health check alongside the liveness status.
func HandleDetailedHealth(c *fiber.Ctx, store *database.GORMStore) error {
	dbHealthy := true
	dbErr := ""
	if err := store.HealthCheck(); err != nil {
		dbHealthy = false
		dbErr = err.Error()
	}

	status := "ok"
	code := fiber.StatusOK
	if !dbHealthy {
		status = "degraded"
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status": status,
		"database": fiber.Map{
			"healthy": dbHealthy,
			"error":   dbErr,
		},
	})
}
