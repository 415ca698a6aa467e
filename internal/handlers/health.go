package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

type healthChecker interface {
	Health(ctx context.Context) error
}

// Health returns a liveness handler checking the database and the
// resolution cache.
func Health(db, cache healthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		checks := gin.H{}

		if err := db.Health(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			checks["database"] = err.Error()
		} else {
			checks["database"] = "ok"
		}
		if err := cache.Health(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			checks["cache"] = err.Error()
		} else {
			checks["cache"] = "ok"
		}

		c.JSON(status, gin.H{"status": statusWord(status), "checks": checks})
	}
}

func statusWord(status int) string {
	if status == http.StatusOK {
		return "healthy"
	}
	return "degraded"
}
