package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// GitConfig controls the directory-sync repository.
type GitConfig struct {
	// Remote is the public repository URL, used to build search links.
	Remote string `yaml:"remote"`
	// AuthorizedRemote is the push/fetch URL carrying credentials. Falls
	// back to Remote when empty.
	AuthorizedRemote string `yaml:"authorized_remote"`
	Branch           string `yaml:"branch"`
	// SearchURL prefixes node ids in the backlink line of node files.
	SearchURL string `yaml:"search_url"`
	Enabled   bool   `yaml:"enabled"`
	// SortSiblings sorts child links by id in directory output instead of
	// insertion order.
	SortSiblings bool `yaml:"sort_siblings"`
	// SyncInterval is the period of the background directory-sync loop.
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// RealtimeConfig controls the push channel.
type RealtimeConfig struct {
	Endpoint string `yaml:"endpoint"`
	Enabled  bool   `yaml:"enabled"`
}

// EditorConfig controls rendering and parsing of the outline buffer.
type EditorConfig struct {
	// NestLevelSpaces is the indent width per outline level.
	NestLevelSpaces int `yaml:"nest_level_spaces"`
	// ConflictMarker delimits conflicting content arms inside a node.
	ConflictMarker string `yaml:"conflict_marker"`
	// LongIDs renders full node ids in line tags instead of short ids.
	LongIDs bool `yaml:"long_ids"`
	// ShortIDBytes is the short-id counter width.
	ShortIDBytes int `yaml:"short_id_bytes"`
	// DebounceInterval delays the sync cycle after a buffer change.
	DebounceInterval time.Duration `yaml:"debounce_interval"`
	// ThrottleInterval is the minimum gap between sync cycles.
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
}

// Config is the full configuration, loaded from YAML with defaults applied.
type Config struct {
	DataDir    string         `yaml:"data_dir"`
	Encryption bool           `yaml:"encryption"`
	Git        GitConfig      `yaml:"git"`
	Realtime   RealtimeConfig `yaml:"realtime"`
	Editor     EditorConfig   `yaml:"editor"`
	// PreviewPort is where the preview RPC listener accepts connections.
	PreviewPort int `yaml:"preview_port"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserConfigDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir: filepath.Join(home, "canopy"),
		Git: GitConfig{
			Branch:       "main",
			Enabled:      true,
			SyncInterval: 15 * time.Second,
		},
		Realtime: RealtimeConfig{},
		Editor: EditorConfig{
			NestLevelSpaces:  4,
			ConflictMarker:   "<CONFLICT>",
			ShortIDBytes:     2,
			DebounceInterval: 100 * time.Millisecond,
			ThrottleInterval: 100 * time.Millisecond,
		},
		PreviewPort: 1200,
		MetricsAddr: "127.0.0.1:9091",
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// ResolvedSearchURL returns the configured search prefix, derived from the
// public remote when unset.
func (g GitConfig) ResolvedSearchURL() string {
	if g.SearchURL != "" {
		return g.SearchURL
	}
	if g.Remote != "" {
		return g.Remote + "/search?q="
	}
	return ""
}

// PushRemote is the URL used for fetch and push.
func (g GitConfig) PushRemote() string {
	if g.AuthorizedRemote != "" {
		return g.AuthorizedRemote
	}
	return g.Remote
}

// Derived directory layout under DataDir.

// DBDir holds the key/value store.
func (c *Config) DBDir() string { return filepath.Join(c.DataDir, "db") }

// FileDir holds the per-view buffer files the editor opens.
func (c *Config) FileDir() string { return filepath.Join(c.DataDir, "files") }

// GitDir is the git working directory with one markdown file per node.
func (c *Config) GitDir() string { return filepath.Join(c.DataDir, "git") }

// EncryptionKeyFile stores the fernet key when encryption is on.
func (c *Config) EncryptionKeyFile() string {
	return filepath.Join(c.DataDir, "encryption.key")
}

// EnsureDirs creates the data directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.DBDir(), c.FileDir(), c.GitDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
