// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/power-topology/backend/internal/asset"
	"github.com/power-topology/backend/internal/diagram"
	"github.com/power-topology/backend/internal/imagecache"
	"github.com/power-topology/backend/internal/models"
	"github.com/power-topology/backend/internal/power"
)

// DiagramHandler serves the whole-diagram read models
type DiagramHandler interface {
	HandleGetDiagram(c echo.Context) error
	HandleGetDiagramMsgpack(c echo.Context) error
	HandleGetConnections(c echo.Context) error
}

// AssetHandler handles per-asset reads and interactions
type AssetHandler interface {
	HandleGetAsset(c echo.Context) error
	HandleGetAnchors(c echo.Context) error
	HandleDrag(c echo.Context) error
	HandleEndDrag(c echo.Context) error
	HandleClick(c echo.Context) error
	HandleSelect(c echo.Context) error
}

// PowerHandler exposes the power authority state
type PowerHandler interface {
	HandleGetPower(c echo.Context) error
	HandleSetMains(c echo.Context) error
}

// ResourceHandler handles image resource operations
type ResourceHandler interface {
	HandleListResources(c echo.Context) error
	HandleUploadResource(c echo.Context) error
	HandleDeleteResource(c echo.Context) error
	HandlePreviewResource(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// Diagram is the controller surface used by the handlers.
// This allows mocking in tests
type Diagram interface {
	Snapshot(ctx context.Context) (diagram.Snapshot, error)
	Connections(ctx context.Context) ([]models.Connection, error)
	Asset(ctx context.Context, id models.AssetID) (diagram.AssetView, error)
	Anchors(ctx context.Context, id models.AssetID, center bool) ([]asset.Anchor, error)
	Drag(ctx context.Context, id models.AssetID, delta models.Point) error
	EndDrag(ctx context.Context, id models.AssetID) error
	Click(ctx context.Context, id models.AssetID) error
	Select(ctx context.Context, id models.AssetID, selected bool) error
	SetMains(ctx context.Context, on bool) error
	Stats(ctx context.Context) (diagram.Stats, error)
	Subscribe(buffer int) (<-chan diagram.Event, func())
}

// PowerStatus reports the authority's view of every asset.
type PowerStatus interface {
	Snapshot() []power.State
	Mains() bool
}

// ImageSource loads and caches decoded image resources.
type ImageSource interface {
	Load(ctx context.Context, ref string) (*imagecache.Handle, error)
	Invalidate(ref string)
	Stats() imagecache.Stats
}

var (
	_ Diagram     = (*diagram.Controller)(nil)
	_ PowerStatus = (*power.Engine)(nil)
	_ ImageSource = (*imagecache.Loader)(nil)
)
