package models

import "time"

// ResourceInfo describes an image resource held by the resource store.
type ResourceInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Format    string    `json:"format"`
	UpdatedAt time.Time `json:"updatedAt"`
}
