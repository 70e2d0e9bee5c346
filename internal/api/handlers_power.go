// handlers_power.go - Power authority handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// PowerHandlerImpl implements PowerHandler
type PowerHandlerImpl struct {
	status  PowerStatus
	diagram Diagram
}

// NewPowerHandler creates a new power handler
func NewPowerHandler(status PowerStatus, d Diagram) PowerHandler {
	return &PowerHandlerImpl{status: status, diagram: d}
}

// HandleGetPower returns the mains switch and every asset's power state.
func (h *PowerHandlerImpl) HandleGetPower(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"mains":  h.status.Mains(),
		"assets": h.status.Snapshot(),
	})
}

// HandleSetMains switches the wall supply. Changes reach viewers as events.
func (h *PowerHandlerImpl) HandleSetMains(c echo.Context) error {
	var req struct {
		On *bool `json:"on"`
	}
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if req.On == nil {
		return NewValidationError("on")
	}
	if err := h.diagram.SetMains(c.Request().Context(), *req.On); err != nil {
		return err
	}
	return h.HandleGetPower(c)
}
