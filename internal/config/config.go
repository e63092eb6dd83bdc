// Package config handles configuration loading for the OME-View server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Data     DataConfig     `yaml:"data" toml:"data"`
	Cache    CacheConfig    `yaml:"cache" toml:"cache"`
	Render   RenderConfig   `yaml:"render" toml:"render"`
	Loader   LoaderConfig   `yaml:"loader" toml:"loader"`
	Viewport ViewportConfig `yaml:"viewport" toml:"viewport"`
	Views    ViewsConfig    `yaml:"views" toml:"views"`
	Sessions SessionsConfig `yaml:"sessions" toml:"sessions"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port" toml:"port"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
	Title       string   `yaml:"title" toml:"title"`
}

// DocumentConfig names the backend that opens a document and its path.
type DocumentConfig struct {
	Backend string `yaml:"backend" toml:"backend" json:"backend"`
	Path    string `yaml:"path" toml:"path" json:"path"`
}

// DataConfig lists the documents the server can open.
type DataConfig struct {
	Documents       map[string]DocumentConfig `yaml:"documents" toml:"documents"`
	DefaultDocument string                    `yaml:"default_document" toml:"default_document"`

	order []string
}

// UnmarshalYAML keeps the order in which documents are listed.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain DataConfig
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*d = DataConfig(p)
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "documents" {
			continue
		}
		docs := node.Content[i+1]
		for j := 0; j+1 < len(docs.Content); j += 2 {
			d.order = append(d.order, docs.Content[j].Value)
		}
	}
	return nil
}

// DocumentIDs returns the configured document ids, in file order when known.
func (d DataConfig) DocumentIDs() []string {
	if len(d.order) == len(d.Documents) {
		return append([]string(nil), d.order...)
	}
	ids := make([]string, 0, len(d.Documents))
	for id := range d.Documents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TileSizeMB     int `yaml:"tile_size_mb" toml:"tile_size_mb"`
	TileTTLMinutes int `yaml:"tile_ttl_minutes" toml:"tile_ttl_minutes"`
	QueryCacheSize int `yaml:"query_cache_size" toml:"query_cache_size"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	RefreshHz       int    `yaml:"refresh_hz" toml:"refresh_hz"`
	DefaultColormap string `yaml:"default_colormap" toml:"default_colormap"`
	ScreenWidth     int    `yaml:"screen_width" toml:"screen_width"`
	ScreenHeight    int    `yaml:"screen_height" toml:"screen_height"`
}

// LoaderConfig tunes frame loading.
type LoaderConfig struct {
	MaxTiles         int `yaml:"max_tiles" toml:"max_tiles"`
	FetchParallelism int `yaml:"fetch_parallelism" toml:"fetch_parallelism"`
}

// ViewportConfig tunes navigation.
type ViewportConfig struct {
	MaxScale   float64 `yaml:"max_scale" toml:"max_scale"`
	ZoomRate   float64 `yaml:"zoom_rate" toml:"zoom_rate"`
	MinOverlap float64 `yaml:"min_overlap" toml:"min_overlap"`
	Resize     string  `yaml:"resize" toml:"resize"`
}

// ViewsConfig contains saved view storage settings.
type ViewsConfig struct {
	SQLitePath    string `yaml:"sqlite_path" toml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
}

// SessionsConfig contains session lifetime settings.
type SessionsConfig struct {
	IdleTTLMinutes int `yaml:"idle_ttl_minutes" toml:"idle_ttl_minutes"`
}

// Load reads configuration from a YAML file, or TOML when path ends in .toml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "OME-View",
		},
		Data: DataConfig{
			Documents: map[string]DocumentConfig{
				"demo": {Backend: "synthetic", Path: "width=4096&height=3072&bits=12&channels=2&z=3&t=2"},
			},
			DefaultDocument: "demo",
			order:           []string{"demo"},
		},
		Cache: CacheConfig{
			TileSizeMB:     512,
			TileTTLMinutes: 10,
			QueryCacheSize: 1024,
		},
		Render: RenderConfig{
			RefreshHz:       60,
			DefaultColormap: "gray",
			ScreenWidth:     1280,
			ScreenHeight:    800,
		},
		Loader: LoaderConfig{
			MaxTiles:         200,
			FetchParallelism: 5,
		},
		Viewport: ViewportConfig{
			MaxScale:   10,
			ZoomRate:   1.1,
			MinOverlap: 8,
			Resize:     "keep_scale",
		},
		Views: ViewsConfig{
			SQLitePath:    "./data/views.db",
			RetentionDays: 90,
		},
		Sessions: SessionsConfig{
			IdleTTLMinutes: 30,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Data.Documents) == 0 {
		cfg.Data = defaults.Data
	}
	if _, ok := cfg.Data.Documents[cfg.Data.DefaultDocument]; !ok {
		cfg.Data.DefaultDocument = cfg.Data.DocumentIDs()[0]
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Render.RefreshHz == 0 {
		cfg.Render.RefreshHz = defaults.Render.RefreshHz
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Render.ScreenWidth == 0 {
		cfg.Render.ScreenWidth = defaults.Render.ScreenWidth
	}
	if cfg.Render.ScreenHeight == 0 {
		cfg.Render.ScreenHeight = defaults.Render.ScreenHeight
	}
	if cfg.Loader.MaxTiles == 0 {
		cfg.Loader.MaxTiles = defaults.Loader.MaxTiles
	}
	if cfg.Loader.FetchParallelism == 0 {
		cfg.Loader.FetchParallelism = defaults.Loader.FetchParallelism
	}
	if cfg.Viewport.MaxScale == 0 {
		cfg.Viewport.MaxScale = defaults.Viewport.MaxScale
	}
	if cfg.Viewport.ZoomRate == 0 {
		cfg.Viewport.ZoomRate = defaults.Viewport.ZoomRate
	}
	if cfg.Viewport.MinOverlap == 0 {
		cfg.Viewport.MinOverlap = defaults.Viewport.MinOverlap
	}
	if cfg.Viewport.Resize == "" {
		cfg.Viewport.Resize = defaults.Viewport.Resize
	}
	if cfg.Views.SQLitePath == "" {
		cfg.Views.SQLitePath = defaults.Views.SQLitePath
	}
	if cfg.Views.RetentionDays == 0 {
		cfg.Views.RetentionDays = defaults.Views.RetentionDays
	}
	if cfg.Sessions.IdleTTLMinutes == 0 {
		cfg.Sessions.IdleTTLMinutes = defaults.Sessions.IdleTTLMinutes
	}
}
