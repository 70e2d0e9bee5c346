// Package config provides XML-based configuration management.
package config

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"PowerTopology"`

	// Server configuration
	Server ServerConfig `xml:"Server"`

	// Storage configuration
	Storage StorageConfig `xml:"Storage"`

	// Rendering configuration
	Rendering RenderingConfig `xml:"Rendering"`

	// Processing configuration
	Processing ProcessingConfig `xml:"Processing"`

	// Security configuration
	Security SecurityConfig `xml:"Security"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `xml:"Port"`
	BindAddress  string `xml:"BindAddress"`
	EnableCORS   bool   `xml:"EnableCORS"`
	AllowOrigins string `xml:"AllowOrigins"`
	ReadTimeout  int    `xml:"ReadTimeoutSeconds"`
	WriteTimeout int    `xml:"WriteTimeoutSeconds"`
	IdleTimeout  int    `xml:"IdleTimeoutSeconds"`
	BodyLimit    string `xml:"BodyLimit"`
}

// StorageConfig contains file storage settings
type StorageConfig struct {
	DataDirectory      string `xml:"DataDirectory"`
	ResourcesDirectory string `xml:"ResourcesDirectory"`
	TopologyFile       string `xml:"TopologyFile"`
	PositionsDatabase  string `xml:"PositionsDatabase"`
	EnablePersistence  bool   `xml:"EnablePersistence"`
	WatchTopology      bool   `xml:"WatchTopology"`
}

// RenderingConfig contains image and redraw settings
type RenderingConfig struct {
	FrameRate               float64 `xml:"FrameRate"`
	ImageFetchTimeoutMillis int     `xml:"ImageFetchTimeoutMillis"`
	MaxPreviewScale         float64 `xml:"MaxPreviewScale"`
}

// ProcessingConfig contains controller and session settings
type ProcessingConfig struct {
	PowerRequestTimeoutMillis int `xml:"PowerRequestTimeoutMillis"`
	InboxSize                 int `xml:"InboxSize"`
	MaxViewers                int `xml:"MaxViewers"`
	SessionTimeoutMinutes     int `xml:"SessionTimeoutMinutes"`
	CleanupIntervalMinutes    int `xml:"CleanupIntervalMinutes"`
	TopologyDebounceMillis    int `xml:"TopologyDebounceMillis"`
}

// SecurityConfig contains security settings
type SecurityConfig struct {
	AllowResourceUpload   bool   `xml:"AllowResourceUpload"`
	AllowResourceDeletion bool   `xml:"AllowResourceDeletion"`
	AllowedResourceTypes  string `xml:"AllowedResourceTypes"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel                string  `xml:"LogLevel"`
	LogFormat               string  `xml:"LogFormat"`
	EnableRequestLogging    bool    `xml:"EnableRequestLogging"`
	MainsVoltage            float64 `xml:"MainsVoltage"`
	MinVoltage              float64 `xml:"MinVoltage"`
	WebSocketMaxMessageSize int     `xml:"WebSocketMaxMessageSizeKB"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8089,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
			BodyLimit:    "16M",
		},
		Storage: StorageConfig{
			DataDirectory:      "./data",
			ResourcesDirectory: "./data/resources",
			TopologyFile:       "./data/topology.xml",
			PositionsDatabase:  "./data/positions.duckdb",
			EnablePersistence:  true,
			WatchTopology:      true,
		},
		Rendering: RenderingConfig{
			FrameRate:               60,
			ImageFetchTimeoutMillis: 10000,
			MaxPreviewScale:         8,
		},
		Processing: ProcessingConfig{
			PowerRequestTimeoutMillis: 5000,
			InboxSize:                 256,
			MaxViewers:                32,
			SessionTimeoutMinutes:     5,
			CleanupIntervalMinutes:    1,
			TopologyDebounceMillis:    500,
		},
		Security: SecurityConfig{
			AllowResourceUpload:   true,
			AllowResourceDeletion: true,
			AllowedResourceTypes:  ".svg,.png,.jpg,.jpeg,.gif,.bmp,.tif,.tiff,.webp",
		},
		Advanced: AdvancedConfig{
			LogLevel:                "info",
			LogFormat:               "text",
			EnableRequestLogging:    true,
			MainsVoltage:            120,
			MinVoltage:              90,
			WebSocketMaxMessageSize: 1024,
		},
	}
}

// LoadConfig loads configuration from XML file, creating it with defaults on
// first run. Missing elements keep their default values.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := xml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	header := []byte(xml.Header + "\n<!-- Power Topology Diagram Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate rejects settings the service cannot run with.
func (c *AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Rendering.FrameRate <= 0 {
		return fmt.Errorf("frame rate must be positive, got %v", c.Rendering.FrameRate)
	}
	if c.Advanced.MinVoltage >= c.Advanced.MainsVoltage {
		return fmt.Errorf("min voltage %v must be below mains voltage %v", c.Advanced.MinVoltage, c.Advanced.MainsVoltage)
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	// PORT override
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// DATA_DIR moves every default location under the new directory
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
		c.Storage.ResourcesDirectory = filepath.Join(dataDir, "resources")
		c.Storage.PositionsDatabase = filepath.Join(dataDir, "positions.duckdb")
	}

	if topo := os.Getenv("TOPOLOGY_FILE"); topo != "" {
		c.Storage.TopologyFile = topo
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Advanced.LogLevel = level
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	for _, p := range []*string{
		&c.Storage.DataDirectory,
		&c.Storage.ResourcesDirectory,
		&c.Storage.TopologyFile,
		&c.Storage.PositionsDatabase,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// ImageFetchTimeout returns the per-image fetch timeout.
func (c *AppConfig) ImageFetchTimeout() time.Duration {
	return time.Duration(c.Rendering.ImageFetchTimeoutMillis) * time.Millisecond
}

// PowerRequestTimeout returns the timeout for one power authority call.
func (c *AppConfig) PowerRequestTimeout() time.Duration {
	return time.Duration(c.Processing.PowerRequestTimeoutMillis) * time.Millisecond
}

// TopologyDebounce returns the quiet period before a changed topology is reloaded.
func (c *AppConfig) TopologyDebounce() time.Duration {
	return time.Duration(c.Processing.TopologyDebounceMillis) * time.Millisecond
}

// SlogLevel maps LogLevel to a slog level. Unknown values mean info.
func (c *AppConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Advanced.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.ResourcesDirectory,
		filepath.Dir(c.Storage.PositionsDatabase),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Origins returns the configured CORS origins.
func (c *AppConfig) Origins() []string {
	return splitList(c.Server.AllowOrigins)
}

// ResourceTypes returns the extensions uploads are limited to.
func (c *AppConfig) ResourceTypes() []string {
	return splitList(c.Security.AllowedResourceTypes)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
