package models

import "time"

// SessionStatus represents the status of a viewer session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusIdle   SessionStatus = "idle"
	SessionStatusClosed SessionStatus = "closed"
)

// ViewerSession is one connected viewer (usually a browser tab on the websocket).
type ViewerSession struct {
	ID          string        `json:"id"`
	RemoteAddr  string        `json:"remoteAddr,omitempty"`
	Status      SessionStatus `json:"status"`
	ConnectedAt time.Time     `json:"connectedAt"`
	LastSeen    time.Time     `json:"lastSeen"`
	Dragging    []AssetID     `json:"dragging,omitempty"`
}

// NewViewerSession creates an active session.
func NewViewerSession(id, remoteAddr string) *ViewerSession {
	now := time.Now()
	return &ViewerSession{
		ID:          id,
		RemoteAddr:  remoteAddr,
		Status:      SessionStatusActive,
		ConnectedAt: now,
		LastSeen:    now,
	}
}
