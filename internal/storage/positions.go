// positions.go - Persisted asset positions
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/power-topology/backend/internal/models"
)

// PositionRecord is one saved placement.
type PositionRecord struct {
	Diagram   string         `json:"diagram"`
	ID        models.AssetID `json:"id"`
	Position  models.Point   `json:"position"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// PositionStore persists where an operator placed each asset.
type PositionStore interface {
	SavePosition(ctx context.Context, diagram string, id models.AssetID, p models.Point) error
	LoadPositions(ctx context.Context, diagram string) (map[models.AssetID]models.Point, error)
	DeletePosition(ctx context.Context, diagram string, id models.AssetID) error
	History(ctx context.Context, diagram string, id models.AssetID, limit int) ([]PositionRecord, error)
	Close() error
}

// MemoryStore is a PositionStore that lives only as long as the process.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]map[models.AssetID]models.Point
	history   []PositionRecord
}

var _ PositionStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]map[models.AssetID]models.Point)}
}

func (m *MemoryStore) SavePosition(ctx context.Context, diagram string, id models.AssetID, p models.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.positions[diagram] == nil {
		m.positions[diagram] = make(map[models.AssetID]models.Point)
	}
	m.positions[diagram][id] = p
	m.history = append(m.history, PositionRecord{Diagram: diagram, ID: id, Position: p, UpdatedAt: time.Now()})
	return nil
}

func (m *MemoryStore) LoadPositions(ctx context.Context, diagram string) (map[models.AssetID]models.Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[models.AssetID]models.Point, len(m.positions[diagram]))
	for id, p := range m.positions[diagram] {
		out[id] = p
	}
	return out, nil
}

func (m *MemoryStore) DeletePosition(ctx context.Context, diagram string, id models.AssetID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions[diagram], id)
	return nil
}

// History returns the newest saves of one asset first.
func (m *MemoryStore) History(ctx context.Context, diagram string, id models.AssetID, limit int) ([]PositionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PositionRecord
	for i := len(m.history) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		r := m.history[i]
		if r.Diagram == diagram && r.ID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

// Saves returns the total number of SavePosition calls, for tests and stats.
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history)
}

func (m *MemoryStore) Close() error { return nil }
