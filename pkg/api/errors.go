package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/beamlens/beamlens/pkg/breaker"
	"github.com/beamlens/beamlens/pkg/coordinator"
	"github.com/beamlens/beamlens/pkg/sched"
	"github.com/beamlens/beamlens/pkg/supervisor"
)

// abortWithError maps component errors onto HTTP status codes and writes
// the uniform {"error": ...} envelope.
func abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, supervisor.ErrNoAlerts):
		c.JSON(http.StatusConflict, gin.H{"error": "no pending alerts"})
	case errors.Is(err, supervisor.ErrUnknownWatcher), errors.Is(err, sched.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, sched.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, coordinator.ErrDeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "investigation deadline exceeded"})
	case errors.Is(err, coordinator.ErrCancelled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "investigation cancelled"})
	case errors.Is(err, breaker.ErrCircuitOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "llm circuit breaker is open"})
	default:
		slog.Error("Unexpected API error", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
