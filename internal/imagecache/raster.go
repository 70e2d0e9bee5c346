package imagecache

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	"golang.org/x/image/draw"
)

// MaxRasterSide caps preview dimensions so a bad scale cannot allocate gigabytes.
const MaxRasterSide = 4096

// Rasterize renders h at the given scale. Vector handles are drawn with
// rasterx; raster handles are resampled with Catmull-Rom.
func Rasterize(h *Handle, scale float64) (*image.RGBA, error) {
	if h == nil {
		return nil, fmt.Errorf("nil handle")
	}
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("invalid scale %v", scale)
	}

	w := pixels(h.width * scale)
	ht := pixels(h.height * scale)
	if w <= 0 || ht <= 0 {
		return nil, fmt.Errorf("image %q has no area at scale %v", h.ref, scale)
	}
	if w > MaxRasterSide || ht > MaxRasterSide {
		return nil, fmt.Errorf("image %q too large at scale %v (%dx%d)", h.ref, scale, w, ht)
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, ht))

	if h.format == FormatSVG {
		icon, err := oksvg.ReadIconStream(bytes.NewReader(h.data), oksvg.WarnErrorMode)
		if err != nil {
			return nil, fmt.Errorf("parsing svg: %w", err)
		}
		icon.SetTarget(0, 0, float64(w), float64(ht))
		scanner := rasterx.NewScannerGV(w, ht, dst, dst.Bounds())
		icon.Draw(rasterx.NewDasher(w, ht, scanner), 1.0)
		return dst, nil
	}

	src, _, err := image.Decode(bytes.NewReader(h.data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst, nil
}

// pixels rounds a scaled dimension up, ignoring float noise below a millionth of a pixel.
func pixels(v float64) int {
	return int(math.Ceil(v - 1e-6))
}
