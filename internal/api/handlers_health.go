// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/power-topology/backend/internal/session"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version  string
	diagram  Diagram
	images   ImageSource
	sessions *session.Manager
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, d Diagram, images ImageSource, sessions *session.Manager) HealthHandler {
	return &HealthHandlerImpl{
		version:  version,
		diagram:  d,
		images:   images,
		sessions: sessions,
	}
}

// HandleHealth returns server health status. A stopped diagram loop reports 503.
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	stats, err := h.diagram.Stats(c.Request().Context())
	if err != nil {
		return NewServiceUnavailableError("diagram unavailable: " + err.Error())
	}

	body := map[string]interface{}{
		"status":  "ok",
		"version": h.version,
		"diagram": stats,
		"images":  h.images.Stats(),
	}
	if h.sessions != nil {
		body["viewers"] = h.sessions.Count()
	}
	return c.JSON(http.StatusOK, body)
}
