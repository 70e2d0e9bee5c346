package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/power-topology/backend/internal/models"
)

// MaxSessions limits concurrent viewers.
const MaxSessions = 32

// SessionIdleAfter marks a session idle when nothing was heard from it.
const SessionIdleAfter = 30 * time.Second

// SessionMaxAge is how long an idle session is kept before it is closed.
const SessionMaxAge = 5 * time.Minute

var (
	ErrTooManySessions = errors.New("too many viewer sessions")
	ErrUnknownSession  = errors.New("unknown viewer session")
	// ErrGestureHeld is returned when another viewer is already dragging the asset.
	ErrGestureHeld = errors.New("asset is being dragged by another viewer")
)

// Manager tracks connected viewers and which assets each is dragging, so two
// viewers never interleave deltas on one asset.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	owners   map[models.AssetID]string
	max      int
	logger   *slog.Logger
}

type sessionState struct {
	session *models.ViewerSession
	drags   map[models.AssetID]struct{}
	closeFn func()
}

// NewManager creates a manager allowing up to max sessions (MaxSessions when zero).
func NewManager(max int, logger *slog.Logger) *Manager {
	if max <= 0 {
		max = MaxSessions
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*sessionState),
		owners:   make(map[models.AssetID]string),
		max:      max,
		logger:   logger.With("component", "session"),
	}
}

// Open registers a viewer. closeFn is called when the session is evicted.
func (m *Manager) Open(remoteAddr string, closeFn func()) (*models.ViewerSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.max {
		return nil, fmt.Errorf("%w (max %d)", ErrTooManySessions, m.max)
	}

	s := models.NewViewerSession(uuid.New().String(), remoteAddr)
	m.sessions[s.ID] = &sessionState{
		session: s,
		drags:   make(map[models.AssetID]struct{}),
		closeFn: closeFn,
	}
	m.logger.Info("viewer connected", "session", s.ID[:8], "remote", remoteAddr, "viewers", len(m.sessions))
	return copySession(s), nil
}

// Close removes a session and returns the assets it was still dragging, so
// the caller can end those gestures.
func (m *Manager) Close(id string) []models.AssetID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(id)
}

func (m *Manager) closeLocked(id string) []models.AssetID {
	st, ok := m.sessions[id]
	if !ok {
		return nil
	}
	orphaned := make([]models.AssetID, 0, len(st.drags))
	for assetID := range st.drags {
		delete(m.owners, assetID)
		orphaned = append(orphaned, assetID)
	}
	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i] < orphaned[j] })
	delete(m.sessions, id)
	m.logger.Info("viewer disconnected", "session", id[:min(8, len(id))], "orphaned_drags", len(orphaned))
	return orphaned
}

// Touch records activity from a session.
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[id]
	if !ok {
		return false
	}
	st.session.LastSeen = time.Now()
	st.session.Status = models.SessionStatusActive
	return true
}

// Claim gives the session ownership of an asset's drag gesture. Claiming an
// asset already owned by the same session is a no-op.
func (m *Manager) Claim(id string, assetID models.AssetID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	if owner, held := m.owners[assetID]; held && owner != id {
		return fmt.Errorf("%s: %w", assetID, ErrGestureHeld)
	}
	m.owners[assetID] = id
	st.drags[assetID] = struct{}{}
	return nil
}

// Release ends the session's ownership of an asset's gesture.
func (m *Manager) Release(id string, assetID models.AssetID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owners[assetID] != id {
		return
	}
	delete(m.owners, assetID)
	if st, ok := m.sessions[id]; ok {
		delete(st.drags, assetID)
	}
}

// Holder reports which session, if any, owns an asset's gesture.
func (m *Manager) Holder(assetID models.AssetID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.owners[assetID]
	return id, ok
}

// Get returns a copy of a session.
func (m *Manager) Get(id string) (*models.ViewerSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return m.snapshot(st), true
}

// List returns every session, oldest first.
func (m *Manager) List() []*models.ViewerSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*models.ViewerSession, 0, len(m.sessions))
	for _, st := range m.sessions {
		list = append(list, m.snapshot(st))
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ConnectedAt.Before(list[j].ConnectedAt)
	})
	return list
}

// Count returns the number of sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupIdle marks quiet sessions idle and closes those idle longer than
// maxAge. It returns the gestures orphaned by closed sessions.
func (m *Manager) CleanupIdle(now time.Time, maxAge time.Duration) []models.AssetID {
	var closers []func()
	var orphaned []models.AssetID

	m.mu.Lock()
	for id, st := range m.sessions {
		quiet := now.Sub(st.session.LastSeen)
		switch {
		case quiet > maxAge:
			if st.closeFn != nil {
				closers = append(closers, st.closeFn)
			}
			orphaned = append(orphaned, m.closeLocked(id)...)
		case quiet > SessionIdleAfter:
			st.session.Status = models.SessionStatusIdle
		}
	}
	m.mu.Unlock()

	// Close outside the lock: closeFn typically tears down a connection
	// whose reader calls back into Close.
	for _, fn := range closers {
		fn()
	}
	return orphaned
}

func (m *Manager) snapshot(st *sessionState) *models.ViewerSession {
	s := copySession(st.session)
	for assetID := range st.drags {
		s.Dragging = append(s.Dragging, assetID)
	}
	sort.Slice(s.Dragging, func(i, j int) bool { return s.Dragging[i] < s.Dragging[j] })
	return s
}

func copySession(s *models.ViewerSession) *models.ViewerSession {
	c := *s
	c.Dragging = nil
	return &c
}
