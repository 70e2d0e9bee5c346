// parser.go - Topology file parsers and the parser registry
package topology

import (
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/power-topology/backend/internal/models"
	"gopkg.in/yaml.v3"
)

// Parser reads one topology file format.
type Parser interface {
	Name() string
	Extensions() []string
	Parse(r io.Reader) (*models.Topology, error)
}

// ParseLocation parses the "x, y" form used by topology files.
func ParseLocation(s string) (models.Point, error) {
	if strings.TrimSpace(s) == "" {
		return models.Point{}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return models.Point{}, fmt.Errorf("invalid location %q: want \"x, y\"", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return models.Point{}, fmt.Errorf("invalid location %q: %w", s, err)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return models.Point{}, fmt.Errorf("invalid location %q: %w", s, err)
	}
	p := models.Point{X: x, Y: y}
	if !finite(p) {
		return models.Point{}, fmt.Errorf("invalid location %q: coordinates must be finite", s)
	}
	return p, nil
}

func finite(p models.Point) bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) && !math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

// topologyXML is the raw XML document.
type topologyXML struct {
	XMLName xml.Name   `xml:"Topology"`
	Name    string     `xml:"name,attr"`
	Version string     `xml:"version,attr"`
	Assets  []assetXML `xml:"Asset"`
}

type assetXML struct {
	Key       string   `xml:"key,attr"`
	Type      string   `xml:"type,attr"`
	Name      string   `xml:"Name"`
	Location  string   `xml:"Location"`
	Powered   *bool    `xml:"Powered"`
	PoweredBy []string `xml:"PoweredBy"`
}

// XMLParser reads <Topology><Asset key="" type=""> documents.
type XMLParser struct{}

func (XMLParser) Name() string         { return "xml" }
func (XMLParser) Extensions() []string { return []string{".xml"} }

func (XMLParser) Parse(r io.Reader) (*models.Topology, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var raw topologyXML
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing topology xml: %w", err)
	}

	topo := &models.Topology{Name: raw.Name, Assets: make([]models.AssetSpec, 0, len(raw.Assets))}
	for _, a := range raw.Assets {
		spec, err := buildSpec(a.Key, a.Type, a.Name, a.Location, a.Powered, a.PoweredBy)
		if err != nil {
			return nil, err
		}
		topo.Assets = append(topo.Assets, spec)
	}
	return topo, nil
}

type topologyYAML struct {
	Name   string      `yaml:"name"`
	Assets []assetYAML `yaml:"assets"`
}

type assetYAML struct {
	Key       string   `yaml:"key"`
	Kind      string   `yaml:"kind"`
	Name      string   `yaml:"name"`
	Location  string   `yaml:"location"`
	Powered   *bool    `yaml:"powered"`
	PoweredBy []string `yaml:"powered_by"`
}

// YAMLParser reads the YAML form of a topology.
type YAMLParser struct{}

func (YAMLParser) Name() string         { return "yaml" }
func (YAMLParser) Extensions() []string { return []string{".yaml", ".yml"} }

func (YAMLParser) Parse(r io.Reader) (*models.Topology, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var raw topologyYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing topology yaml: %w", err)
	}

	topo := &models.Topology{Name: raw.Name, Assets: make([]models.AssetSpec, 0, len(raw.Assets))}
	for _, a := range raw.Assets {
		spec, err := buildSpec(a.Key, a.Kind, a.Name, a.Location, a.Powered, a.PoweredBy)
		if err != nil {
			return nil, err
		}
		topo.Assets = append(topo.Assets, spec)
	}
	return topo, nil
}

// buildSpec converts the fields shared by every format. Assets are powered
// unless the file says otherwise.
func buildSpec(key, kind, name, location string, powered *bool, poweredBy []string) (models.AssetSpec, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return models.AssetSpec{}, fmt.Errorf("asset %q: %w", key, err)
	}
	spec := models.AssetSpec{
		ID:       models.AssetID(strings.TrimSpace(key)),
		Kind:     models.Kind(strings.ToLower(strings.TrimSpace(kind))),
		Name:     name,
		Location: loc,
		Powered:  powered == nil || *powered,
	}
	for _, p := range poweredBy {
		if p = strings.TrimSpace(p); p != "" {
			spec.PoweredBy = append(spec.PoweredBy, models.AssetID(p))
		}
	}
	return spec, nil
}

// Registry picks a parser by file extension.
type Registry struct {
	parsers []Parser
}

var globalRegistry = NewRegistry()

// NewRegistry creates a registry with the built-in parsers.
func NewRegistry() *Registry {
	return &Registry{parsers: []Parser{XMLParser{}, YAMLParser{}}}
}

// GetGlobalRegistry returns the shared registry.
func GetGlobalRegistry() *Registry {
	return globalRegistry
}

// Register adds a parser. Later parsers win for shared extensions.
func (r *Registry) Register(p Parser) {
	r.parsers = append([]Parser{p}, r.parsers...)
}

// FindParser returns the parser for a file path.
func (r *Registry) FindParser(path string) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, p := range r.parsers {
		for _, e := range p.Extensions() {
			if e == ext {
				return p, nil
			}
		}
	}
	return nil, fmt.Errorf("no topology parser for file: %s", path)
}

// ParseFile parses and validates a topology file.
func (r *Registry) ParseFile(path string) (*models.Topology, error) {
	p, err := r.FindParser(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	topo, err := p.Parse(f)
	if err != nil {
		return nil, err
	}
	if topo.Name == "" {
		topo.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := Validate(topo); err != nil {
		return nil, err
	}
	return topo, nil
}

// ParseFile parses a file with the global registry.
func ParseFile(path string) (*models.Topology, error) {
	return globalRegistry.ParseFile(path)
}

// Validate checks identifiers, kinds and feed references. Power loops are
// detected by the power engine when the topology is loaded.
func Validate(topo *models.Topology) error {
	seen := make(map[models.AssetID]bool, len(topo.Assets))
	for _, a := range topo.Assets {
		if a.ID == "" {
			return fmt.Errorf("asset without key")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate asset key %q", a.ID)
		}
		if !a.Kind.Valid() {
			return fmt.Errorf("asset %q: unknown kind %q", a.ID, a.Kind)
		}
		if !finite(a.Location) {
			return fmt.Errorf("asset %q: location must be finite", a.ID)
		}
		seen[a.ID] = true
	}
	for _, a := range topo.Assets {
		for _, p := range a.PoweredBy {
			if p == a.ID {
				return fmt.Errorf("asset %q powers itself", a.ID)
			}
			if !seen[p] {
				return fmt.Errorf("asset %q powered by unknown asset %q", a.ID, p)
			}
		}
	}
	return nil
}
