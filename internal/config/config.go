// Package config provides configuration management for the graffiti
// server.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the graffiti server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Network NetworkConfig `yaml:"network"`
}

// ServerConfig contains the HTTP surface settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// Origin is the public HTTP(S) origin this store is reachable at;
	// it becomes the source of every object hosted here.
	Origin string `yaml:"origin"`
	// CacheMaxAge is the max-age advertised on discovery responses,
	// in seconds.
	CacheMaxAge int `yaml:"cache_max_age"`
	// ActorHeader names the header a fronting proxy places the
	// verified actor URI in.
	ActorHeader string `yaml:"actor_header"`
}

// StorageConfig contains storage-related settings.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// NetworkConfig contains peer discovery settings.
type NetworkConfig struct {
	Enable    bool     `yaml:"enable"`
	Listen    []string `yaml:"listen"`
	Bootstrap []string `yaml:"bootstrap"`
	// Channels this node announces on the DHT and relays change
	// notices for. Plaintext channel strings, never sent on the wire.
	Channels []string `yaml:"channels"`
	// AnnounceInterval is how often provided channel keys are
	// re-announced on the DHT, e.g. "1h".
	AnnounceInterval string `yaml:"announce_interval"`
}

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataPath := filepath.Join(homeDir, ".graffiti", "data")

	return &Config{
		Server: ServerConfig{
			Listen:      ":7780",
			Origin:      "http://localhost:7780",
			CacheMaxAge: 60,
			ActorHeader: "Actor",
		},
		Storage: StorageConfig{
			Path: dataPath,
		},
		Network: NetworkConfig{
			Enable: true,
			Listen: []string{
				"/ip4/0.0.0.0/tcp/4002",
				"/ip4/0.0.0.0/tcp/4003/ws",
			},
			Bootstrap:        []string{},
			Channels:         []string{},
			AnnounceInterval: "1h",
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".graffiti", "config.yaml")
}

// Load loads the configuration from a file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return Default(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
