// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/power-topology/backend/internal/session"
	"github.com/power-topology/backend/internal/storage"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Diagram   Diagram
	Power     PowerStatus
	Images    ImageSource
	Resources *storage.ResourceStore
	Sessions  *session.Manager
	Logger    *slog.Logger
	Version   string

	ResourceOptions  ResourceOptions
	WSMaxMessageSize int64
}

// Handlers holds all handler instances
type Handlers struct {
	Health    HealthHandler
	Diagram   DiagramHandler
	Asset     AssetHandler
	Power     PowerHandler
	Resource  ResourceHandler
	WebSocket *WebSocketHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	diagramHandler := NewDiagramHandler(deps.Diagram, deps.Sessions)
	return &Handlers{
		Health:    NewHealthHandler(deps.Version, deps.Diagram, deps.Images, deps.Sessions),
		Diagram:   diagramHandler,
		Asset:     diagramHandler,
		Power:     NewPowerHandler(deps.Power, deps.Diagram),
		Resource:  NewResourceHandler(deps.Resources, deps.Images, deps.ResourceOptions, deps.Logger),
		WebSocket: NewWebSocketHandler(deps.Diagram, deps.Sessions, deps.WSMaxMessageSize, deps.Logger),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	apiGroup := e.Group("/api")

	// Health check
	apiGroup.GET("/health", handlers.Health.HandleHealth)

	// Diagram read models
	apiGroup.GET("/diagram", handlers.Diagram.HandleGetDiagram)
	apiGroup.GET("/diagram/msgpack", handlers.Diagram.HandleGetDiagramMsgpack)
	apiGroup.GET("/diagram/connections", handlers.Diagram.HandleGetConnections)

	// Asset interaction
	assetGroup := apiGroup.Group("/assets")
	assetGroup.GET("/:id", handlers.Asset.HandleGetAsset)
	assetGroup.GET("/:id/anchors", handlers.Asset.HandleGetAnchors)
	assetGroup.POST("/:id/drag", handlers.Asset.HandleDrag)
	assetGroup.POST("/:id/drag/end", handlers.Asset.HandleEndDrag)
	assetGroup.POST("/:id/click", handlers.Asset.HandleClick)
	assetGroup.POST("/:id/select", handlers.Asset.HandleSelect)

	// Power authority
	apiGroup.GET("/power", handlers.Power.HandleGetPower)
	apiGroup.POST("/power/mains", handlers.Power.HandleSetMains)

	// Image resources
	resourceGroup := apiGroup.Group("/resources")
	resourceGroup.GET("", handlers.Resource.HandleListResources)
	resourceGroup.POST("", handlers.Resource.HandleUploadResource)
	resourceGroup.DELETE("/:name", handlers.Resource.HandleDeleteResource)
	resourceGroup.GET("/:name/preview", handlers.Resource.HandlePreviewResource)
}

// RegisterWebSocketRoutes registers WebSocket routes
func RegisterWebSocketRoutes(e *echo.Echo, handlers *Handlers) {
	e.GET("/api/ws", handlers.WebSocket.HandleWebSocket)
}

// MiddlewareOptions configures SetupMiddleware
type MiddlewareOptions struct {
	Logger         *slog.Logger
	Verbose        bool
	RequestLogging bool
	RequestTimeout time.Duration
	BodyLimit      string
	EnableCORS     bool
	AllowOrigins   []string
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, opts MiddlewareOptions) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpLog := logger.With("component", "http")

	// Use custom error handler
	e.HTTPErrorHandler = ErrorHandler(logger, opts.Verbose)

	// Request logging
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			if !opts.RequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return path == "/api/health" || strings.HasSuffix(path, "/drag")
		},
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				httpLog.Warn("request", append(attrs, "error", v.Error)...)
				return nil
			}
			httpLog.Info("request", attrs...)
			return nil
		},
	}))

	// Add recovery
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))

	if opts.RequestTimeout > 0 {
		e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
			Timeout: opts.RequestTimeout,
			Skipper: func(c echo.Context) bool {
				// The timeout writer cannot be hijacked.
				return strings.HasPrefix(c.Request().URL.Path, "/api/ws")
			},
			ErrorMessage: "Request timeout",
		}))
	}

	if opts.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opts.BodyLimit))
	}

	if opts.EnableCORS {
		origins := opts.AllowOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}
}
