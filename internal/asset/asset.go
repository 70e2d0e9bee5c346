// Package asset implements the visual component model shared by every asset
// drawn on the topology diagram.
//
// A Component is a small state machine:
//
//	Unmounted -> Loading -> Ready <-> Dragging
//	                    \-> Failed
//	(any) -> Destroyed
//
// Components are not safe for concurrent use. The diagram loop owns them and
// serializes every call, including the delivery of image resolutions.
package asset

import (
	"context"
	"errors"
	"fmt"

	"github.com/power-topology/backend/internal/imagecache"
	"github.com/power-topology/backend/internal/models"
)

var (
	// ErrAlreadyMounted is returned by a second Mount on the same instance.
	ErrAlreadyMounted = errors.New("asset already mounted")
	// ErrNotMounted is returned when interacting with an asset before Mount.
	ErrNotMounted = errors.New("asset not mounted")
	// ErrDestroyed is returned when interacting with a destroyed asset.
	ErrDestroyed = errors.New("asset destroyed")
	// ErrStaleCallback marks an image resolution that arrived for a destroyed
	// instance or a superseded load. It is dropped, never surfaced to users.
	ErrStaleCallback = errors.New("stale image resolution discarded")
)

// StateChangeRejectedError is published when the power authority refuses a
// click-initiated power change. The local power state is left untouched.
type StateChangeRejectedError struct {
	ID      models.AssetID
	Desired bool
	Reason  string
}

func (e *StateChangeRejectedError) Error() string {
	return fmt.Sprintf("power change of %s to %s rejected: %s", e.ID, onOff(e.Desired), e.Reason)
}

func onOff(powered bool) string {
	if powered {
		return "on"
	}
	return "off"
}

// Resolver starts the resolution of an image set. *imagecache.Loader implements it.
type Resolver interface {
	Resolve(ctx context.Context, set models.ImageSet) *imagecache.Pending
}

// Asset is the capability set every diagram asset exposes.
type Asset interface {
	ID() models.AssetID
	Kind() models.Kind
	Phase() Phase
	Position() models.Point
	Powered() bool
	Selected() bool

	// Mount requests the variant's images. The caller awaits the returned
	// pending result and hands it back through Resolve.
	Mount(ctx context.Context, r Resolver, position models.Point, powered bool) (*imagecache.Pending, error)
	Resolve(p *imagecache.Pending) error

	Render() Drawable
	AnchorPoints(center bool) []Anchor

	HandleDrag(delta models.Point) error
	EndDrag() error
	MoveTo(position models.Point) error
	HandleClick() error

	UpdatePowerState(powered bool) error
	ConfirmPowerState(actual bool) error
	RejectPowerState(reason string) error
	SetSelected(selected bool) error

	Destroy()
}

// Drawable is the render description of an asset. An empty Layers slice means
// "draw nothing".
type Drawable struct {
	ID       models.AssetID `json:"id" msgpack:"id"`
	Kind     models.Kind    `json:"kind" msgpack:"kind"`
	Phase    Phase          `json:"phase" msgpack:"phase"`
	Position models.Point   `json:"position" msgpack:"position"`
	Scale    float64        `json:"scale" msgpack:"scale"`
	Width    float64        `json:"width" msgpack:"width"`
	Height   float64        `json:"height" msgpack:"height"`
	Powered  bool           `json:"powered" msgpack:"powered"`
	Selected bool           `json:"selected" msgpack:"selected"`
	Pending  bool           `json:"pending" msgpack:"pending"`
	Degraded bool           `json:"degraded" msgpack:"degraded"`
	Layers   []Layer        `json:"layers" msgpack:"layers"`
}

// Layer is one image drawn at the asset's position, scaled by Drawable.Scale.
type Layer struct {
	Role   string  `json:"role" msgpack:"role"`
	Ref    string  `json:"ref" msgpack:"ref"`
	Width  float64 `json:"width" msgpack:"width"`
	Height float64 `json:"height" msgpack:"height"`
}
