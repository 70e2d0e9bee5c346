// handlers_diagram.go - Diagram and asset interaction handlers
package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/power-topology/backend/internal/models"
	"github.com/power-topology/backend/internal/session"
	"github.com/vmihailenco/msgpack/v5"
)

// DiagramHandlerImpl implements DiagramHandler and AssetHandler
type DiagramHandlerImpl struct {
	diagram  Diagram
	sessions *session.Manager
}

// NewDiagramHandler creates a handler over the diagram controller. sessions
// may be nil when no websocket viewers can hold gestures.
func NewDiagramHandler(d Diagram, sessions *session.Manager) *DiagramHandlerImpl {
	return &DiagramHandlerImpl{diagram: d, sessions: sessions}
}

// HandleGetDiagram returns every drawable with its anchors and the connections.
func (h *DiagramHandlerImpl) HandleGetDiagram(c echo.Context) error {
	snap, err := h.diagram.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

// HandleGetDiagramMsgpack returns the diagram snapshot encoded as MessagePack.
func (h *DiagramHandlerImpl) HandleGetDiagramMsgpack(c echo.Context) error {
	snap, err := h.diagram.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}

	data, err := msgpack.Marshal(snap)
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleGetConnections returns only the connector list.
func (h *DiagramHandlerImpl) HandleGetConnections(c echo.Context) error {
	conns, err := h.diagram.Connections(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conns)
}

// HandleGetAsset returns one asset's drawable and anchors.
func (h *DiagramHandlerImpl) HandleGetAsset(c echo.Context) error {
	view, err := h.diagram.Asset(c.Request().Context(), assetID(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// HandleGetAnchors returns anchor points. center=false yields the origin
// fallback every asset reports before its images resolve.
func (h *DiagramHandlerImpl) HandleGetAnchors(c echo.Context) error {
	center := true
	if raw := c.QueryParam("center"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return NewValidationError("center")
		}
		center = v
	}

	anchors, err := h.diagram.Anchors(c.Request().Context(), assetID(c), center)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":      assetID(c),
		"center":  center,
		"anchors": anchors,
	})
}

type dragRequest struct {
	DX *float64 `json:"dx"`
	DY *float64 `json:"dy"`
}

func (r dragRequest) delta() (models.Point, error) {
	if r.DX == nil && r.DY == nil {
		return models.Point{}, NewValidationError("dx")
	}
	var p models.Point
	if r.DX != nil {
		p.X = *r.DX
	}
	if r.DY != nil {
		p.Y = *r.DY
	}
	return p, nil
}

// HandleDrag applies one drag delta. The position is persisted once, when
// the gesture ends.
func (h *DiagramHandlerImpl) HandleDrag(c echo.Context) error {
	var req dragRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	delta, err := req.delta()
	if err != nil {
		return err
	}

	id := assetID(c)
	if err := h.checkGesture(id); err != nil {
		return err
	}
	if err := h.diagram.Drag(c.Request().Context(), id, delta); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

// HandleEndDrag finishes the gesture started by HandleDrag.
func (h *DiagramHandlerImpl) HandleEndDrag(c echo.Context) error {
	id := assetID(c)
	if err := h.checkGesture(id); err != nil {
		return err
	}
	if err := h.diagram.EndDrag(c.Request().Context(), id); err != nil {
		return err
	}
	return h.HandleGetAsset(c)
}

// HandleClick requests a power toggle. The outcome arrives later as an
// asset:power or asset:rejected event.
func (h *DiagramHandlerImpl) HandleClick(c echo.Context) error {
	if err := h.diagram.Click(c.Request().Context(), assetID(c)); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}

// HandleSelect sets or clears the selection highlight.
func (h *DiagramHandlerImpl) HandleSelect(c echo.Context) error {
	var req struct {
		Selected *bool `json:"selected"`
	}
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if req.Selected == nil {
		return NewValidationError("selected")
	}
	if err := h.diagram.Select(c.Request().Context(), assetID(c), *req.Selected); err != nil {
		return err
	}
	return h.HandleGetAsset(c)
}

// checkGesture refuses HTTP drags on an asset a websocket viewer is dragging.
func (h *DiagramHandlerImpl) checkGesture(id models.AssetID) error {
	if h.sessions == nil {
		return nil
	}
	if holder, held := h.sessions.Holder(id); held {
		return fmt.Errorf("%s held by viewer %s: %w", id, holder[:min(8, len(holder))], session.ErrGestureHeld)
	}
	return nil
}

func assetID(c echo.Context) models.AssetID {
	return models.AssetID(c.Param("id"))
}
