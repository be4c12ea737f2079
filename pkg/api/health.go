package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/version"
)

// handleHealth serves GET /health. The store self-test decides between
// healthy and unhealthy; the endpoint never errors so probes always get a
// JSON body.
func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	if _, err := s.store.Client().Health(c.Request.Context()); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"service":   version.AppName,
		"timestamp": models.Now().Format(time.RFC3339Nano),
		"version":   version.Full(),
	})
}
