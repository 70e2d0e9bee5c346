package models

// AssetSpec describes one asset as declared by a topology file.
type AssetSpec struct {
	ID        AssetID   `json:"id"`
	Kind      Kind      `json:"kind"`
	Name      string    `json:"name,omitempty"`
	Location  Point     `json:"location"`
	Powered   bool      `json:"powered"`
	PoweredBy []AssetID `json:"poweredBy,omitempty"`
}

// Topology is the full set of assets and their power feeds.
type Topology struct {
	Name   string      `json:"name"`
	Assets []AssetSpec `json:"assets"`
}

// Connection is a power feed from one asset's output anchor to another's input anchor.
type Connection struct {
	From       AssetID `json:"from" msgpack:"from"`
	To         AssetID `json:"to" msgpack:"to"`
	FromAnchor string  `json:"fromAnchor" msgpack:"fromAnchor"`
	ToAnchor   string  `json:"toAnchor" msgpack:"toAnchor"`
	Start      Point   `json:"start" msgpack:"start"`
	End        Point   `json:"end" msgpack:"end"`
	// Degraded is set while either endpoint still uses origin-fallback anchors.
	Degraded bool `json:"degraded" msgpack:"degraded"`
}

// Connections derives the power feeds declared by the topology, parents first.
func (t *Topology) Connections() []Connection {
	var conns []Connection
	for _, a := range t.Assets {
		for _, parent := range a.PoweredBy {
			conns = append(conns, Connection{From: parent, To: a.ID})
		}
	}
	return conns
}

// Find returns the spec for an asset id.
func (t *Topology) Find(id AssetID) (AssetSpec, bool) {
	for _, a := range t.Assets {
		if a.ID == id {
			return a, true
		}
	}
	return AssetSpec{}, false
}
