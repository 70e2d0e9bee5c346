// resources.go - Directory-backed image resource store
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/power-topology/backend/internal/models"
)

// MaxResourceSize bounds a single image resource.
const MaxResourceSize = 8 << 20

// ErrInvalidResource is wrapped by every name, type or size rejection.
var ErrInvalidResource = errors.New("invalid resource")

var allowedExtensions = map[string]string{
	".svg":  "svg",
	".png":  "png",
	".jpg":  "jpeg",
	".jpeg": "jpeg",
	".gif":  "gif",
	".bmp":  "bmp",
	".tif":  "tiff",
	".tiff": "tiff",
	".webp": "webp",
}

// ResourceStore keeps image resources as plain files named by their reference.
// It satisfies imagecache.Fetcher.
type ResourceStore struct {
	mu        sync.RWMutex
	dir       string
	resources map[string]*models.ResourceInfo
}

// NewResourceStore opens (creating if needed) a resource directory and
// indexes the files already in it.
func NewResourceStore(dir string) (*ResourceStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating resource directory: %w", err)
	}

	s := &ResourceStore{
		dir:       dir,
		resources: make(map[string]*models.ResourceInfo),
	}
	if err := s.Rescan(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the directory backing the store.
func (s *ResourceStore) Dir() string { return s.dir }

// Rescan rebuilds the index from the directory contents.
func (s *ResourceStore) Rescan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("reading resource directory: %w", err)
	}

	index := make(map[string]*models.ResourceInfo, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		format, err := validateName(e.Name())
		if err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		index[e.Name()] = &models.ResourceInfo{
			ID:        uuid.NewString(),
			Name:      e.Name(),
			Size:      fi.Size(),
			Format:    format,
			UpdatedAt: fi.ModTime(),
		}
	}

	s.mu.Lock()
	s.resources = index
	s.mu.Unlock()
	return nil
}

// validateName accepts bare file names with a known image extension.
func validateName(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: bad name %q", ErrInvalidResource, name)
	}
	format, ok := allowedExtensions[strings.ToLower(filepath.Ext(name))]
	if !ok {
		return "", fmt.Errorf("%w: unsupported type %q", ErrInvalidResource, filepath.Ext(name))
	}
	return format, nil
}

// Save writes a resource, replacing any previous version atomically.
func (s *ResourceStore) Save(name string, r io.Reader) (*models.ResourceInfo, error) {
	format, err := validateName(name)
	if err != nil {
		return nil, err
	}

	tmp := filepath.Join(s.dir, "."+uuid.NewString()+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}

	size, err := io.Copy(f, io.LimitReader(r, MaxResourceSize+1))
	f.Close()
	if err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("writing file: %w", err)
	}
	if size > MaxResourceSize {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidResource, name, MaxResourceSize)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("storing file: %w", err)
	}

	info := &models.ResourceInfo{
		ID:        uuid.NewString(),
		Name:      name,
		Size:      size,
		Format:    format,
		UpdatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[name] = info
	return info, nil
}

// Get retrieves resource metadata by name.
func (s *ResourceStore) Get(name string) (*models.ResourceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.resources[name]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", name, os.ErrNotExist)
	}
	return info, nil
}

// List returns every resource sorted by name.
func (s *ResourceStore) List() []*models.ResourceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*models.ResourceInfo, 0, len(s.resources))
	for _, info := range s.resources {
		list = append(list, info)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Delete removes a resource.
func (s *ResourceStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resources[name]; !ok {
		return fmt.Errorf("resource %s: %w", name, os.ErrNotExist)
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting file: %w", err)
	}
	delete(s.resources, name)
	return nil
}

// Fetch reads the bytes of a resource. Missing resources wrap os.ErrNotExist.
func (s *ResourceStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := validateName(ref); err != nil {
		return nil, fmt.Errorf("resource %s: %w", ref, os.ErrNotExist)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, ref))
	if err != nil {
		return nil, fmt.Errorf("reading resource %s: %w", ref, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return data, nil
}
