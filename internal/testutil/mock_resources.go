// mock_resources.go - In-memory image resources for testing
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"
	"sync"
)

// SVG returns a minimal SVG document whose viewBox is w×h.
func SVG(w, h int) []byte {
	return []byte(fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d" width="%d" height="%d">`+
			`<rect x="0" y="0" width="%d" height="%d" fill="#d04020"/></svg>`,
		w, h, w, h, w, h))
}

// PNG returns an opaque w×h PNG.
func PNG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 32, G: 96, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// ImageFetcher serves image resources from memory and counts fetches per reference.
// It satisfies imagecache.Fetcher.
type ImageFetcher struct {
	mu        sync.Mutex
	resources map[string][]byte
	failures  map[string]error
	counts    map[string]int
	gate      chan struct{}

	anyW, anyH int
}

// NewImageFetcher creates an empty fetcher.
func NewImageFetcher() *ImageFetcher {
	return &ImageFetcher{
		resources: make(map[string][]byte),
		failures:  make(map[string]error),
		counts:    make(map[string]int),
	}
}

// Add registers a resource.
func (f *ImageFetcher) Add(ref string, data []byte) *ImageFetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[ref] = data
	return f
}

// Fail makes every fetch of ref return err.
func (f *ImageFetcher) Fail(ref string, err error) *ImageFetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[ref] = err
	return f
}

// ServeAnySVG answers unknown ".svg" references with a w×h document.
func (f *ImageFetcher) ServeAnySVG(w, h int) *ImageFetcher {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anyW, f.anyH = w, h
	return f
}

// Hold blocks every subsequent fetch until Release is called.
func (f *ImageFetcher) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate == nil {
		f.gate = make(chan struct{})
	}
}

// Release unblocks held fetches.
func (f *ImageFetcher) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// Count returns how many times ref was fetched.
func (f *ImageFetcher) Count(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[ref]
}

// Total returns the number of fetches across all references.
func (f *ImageFetcher) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.counts {
		total += n
	}
	return total
}

// Fetch implements imagecache.Fetcher.
func (f *ImageFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	f.counts[ref]++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.failures[ref]; ok {
		return nil, err
	}
	if data, ok := f.resources[ref]; ok {
		return data, nil
	}
	if f.anyW > 0 && strings.HasSuffix(ref, ".svg") {
		return SVG(f.anyW, f.anyH), nil
	}
	return nil, fmt.Errorf("resource %s: %w", ref, os.ErrNotExist)
}
