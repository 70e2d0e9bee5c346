// handlers_resources.go - Image resource handlers
package api

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image/png"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/power-topology/backend/internal/imagecache"
	"github.com/power-topology/backend/internal/storage"
)

// ResourceOptions carries the configuration switches for resource handling
type ResourceOptions struct {
	AllowUpload     bool
	AllowDeletion   bool
	MaxPreviewScale float64
	// AllowedTypes narrows uploads to these extensions. Empty allows every
	// type the store accepts.
	AllowedTypes []string
}

func (o ResourceOptions) allows(name string) bool {
	if len(o.AllowedTypes) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, t := range o.AllowedTypes {
		if strings.ToLower(strings.TrimSpace(t)) == ext {
			return true
		}
	}
	return false
}

// ResourceHandlerImpl implements ResourceHandler
type ResourceHandlerImpl struct {
	store  *storage.ResourceStore
	images ImageSource
	opts   ResourceOptions
	logger *slog.Logger
}

// NewResourceHandler creates a new resource handler
func NewResourceHandler(store *storage.ResourceStore, images ImageSource, opts ResourceOptions, logger *slog.Logger) ResourceHandler {
	if opts.MaxPreviewScale <= 0 {
		opts.MaxPreviewScale = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceHandlerImpl{
		store:  store,
		images: images,
		opts:   opts,
		logger: logger.With("component", "resources"),
	}
}

// HandleListResources returns every stored resource.
func (h *ResourceHandlerImpl) HandleListResources(c echo.Context) error {
	return c.JSON(http.StatusOK, h.store.List())
}

// HandleUploadResource accepts an image as base64 JSON and saves it.
// The cached decode is dropped so a replaced image is fetched again.
func (h *ResourceHandlerImpl) HandleUploadResource(c echo.Context) error {
	if !h.opts.AllowUpload {
		return NewForbiddenError("resource upload is disabled")
	}

	var req struct {
		Name string `json:"name"`
		Data string `json:"data"` // Base64-encoded file content
	}
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if req.Name == "" {
		return NewValidationError("name")
	}
	if req.Data == "" {
		return NewValidationError("data")
	}
	if !h.opts.allows(req.Name) {
		return NewBadRequestError("resource type not allowed: "+filepath.Ext(req.Name), nil)
	}

	decoded, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return NewBadRequestError("invalid base64 data", err)
	}

	info, err := h.store.Save(req.Name, bytes.NewReader(decoded))
	if err != nil {
		return err
	}
	h.images.Invalidate(info.Name)
	h.logger.Info("resource saved", "name", info.Name, "size", info.Size)
	return c.JSON(http.StatusCreated, info)
}

// HandleDeleteResource removes a resource.
func (h *ResourceHandlerImpl) HandleDeleteResource(c echo.Context) error {
	if !h.opts.AllowDeletion {
		return NewForbiddenError("resource deletion is disabled")
	}
	name := c.Param("name")
	if err := h.store.Delete(name); err != nil {
		return err
	}
	h.images.Invalidate(name)
	return c.NoContent(http.StatusNoContent)
}

// HandlePreviewResource renders a resource to PNG at ?scale= (default 1).
func (h *ResourceHandlerImpl) HandlePreviewResource(c echo.Context) error {
	scale := 1.0
	if raw := c.QueryParam("scale"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 || v > h.opts.MaxPreviewScale {
			return NewValidationError("scale")
		}
		scale = v
	}

	name := c.Param("name")
	if _, err := h.store.Get(name); err != nil {
		return err
	}

	handle, err := h.images.Load(c.Request().Context(), name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		return NewBadRequestError("cannot decode resource", err)
	}
	img, err := imagecache.Rasterize(handle, scale)
	if err != nil {
		return NewBadRequestError("cannot render resource", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return NewInternalError("failed to encode png", err)
	}
	c.Response().Header().Set("Cache-Control", "no-cache")
	return c.Blob(http.StatusOK, "image/png", buf.Bytes())
}
