// handle.go - Decoded image handles
package imagecache

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/srwiley/oksvg"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// FormatSVG is the format name reported for vector images.
const FormatSVG = "svg"

// Handle is a resolved, drawable image. Handles are shared between every asset
// that references the same resource and must never be mutated after creation.
type Handle struct {
	ref    string
	format string
	width  float64
	height float64
	data   []byte
}

// Ref returns the resource reference the handle was loaded from.
func (h *Handle) Ref() string { return h.ref }

// Format returns the decoder name ("svg", "png", "jpeg", ...).
func (h *Handle) Format() string { return h.format }

// Width returns the intrinsic pixel width.
func (h *Handle) Width() float64 { return h.width }

// Height returns the intrinsic pixel height.
func (h *Handle) Height() float64 { return h.height }

// decode inspects raw resource bytes and builds a handle. Only dimensions are
// decoded eagerly; pixels are produced on demand by Rasterize.
func decode(ref string, data []byte) (*Handle, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty resource")
	}

	if isSVG(ref, data) {
		icon, err := oksvg.ReadIconStream(bytes.NewReader(data), oksvg.WarnErrorMode)
		if err != nil {
			return nil, fmt.Errorf("parsing svg: %w", err)
		}
		if icon.ViewBox.W <= 0 || icon.ViewBox.H <= 0 {
			return nil, fmt.Errorf("svg has no usable viewBox")
		}
		return &Handle{
			ref:    ref,
			format: FormatSVG,
			width:  icon.ViewBox.W,
			height: icon.ViewBox.H,
			data:   data,
		}, nil
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image config: %w", err)
	}

	return &Handle{
		ref:    ref,
		format: format,
		width:  float64(cfg.Width),
		height: float64(cfg.Height),
		data:   data,
	}, nil
}

func isSVG(ref string, data []byte) bool {
	if strings.EqualFold(filepath.Ext(ref), ".svg") {
		return true
	}
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.Contains(head, []byte("<svg"))
}
