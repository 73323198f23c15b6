// Package config loads broadsheet's settings from a TOML or YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for a config file when none is given.
const DefaultPath = "./config/config.yaml"

// FeedSource is one configured subscription.
type FeedSource struct {
	URL      string `yaml:"url" toml:"url"`
	Category string `yaml:"category,omitempty" toml:"category,omitempty"`
}

type Config struct {
	Database struct {
		Path string `yaml:"path" toml:"path"`
	} `yaml:"database" toml:"database"`

	LogLevel string `yaml:"log_level" toml:"log_level"`

	Refresh struct {
		Workers      int           `yaml:"workers" toml:"workers"`
		FetchTimeout time.Duration `yaml:"fetch_timeout" toml:"fetch_timeout"`
		BackoffBase  time.Duration `yaml:"backoff_base" toml:"backoff_base"`
		BackoffMax   time.Duration `yaml:"backoff_max" toml:"backoff_max"`
		UserAgent    string        `yaml:"user_agent" toml:"user_agent"`
	} `yaml:"refresh" toml:"refresh"`

	View struct {
		FreshPerCategory int `yaml:"fresh_per_category" toml:"fresh_per_category"`
	} `yaml:"view" toml:"view"`

	Retention struct {
		Days            int  `yaml:"days" toml:"days"`
		StartupCleanup  bool `yaml:"startup_cleanup" toml:"startup_cleanup"`
		ProtectArchived bool `yaml:"protect_archived" toml:"protect_archived"`
	} `yaml:"retention" toml:"retention"`

	Feeds struct {
		// URLs are subscribed without a category.
		URLs    []string     `yaml:"urls,omitempty" toml:"urls,omitempty"`
		Sources []FeedSource `yaml:"sources,omitempty" toml:"sources,omitempty"`
	} `yaml:"feeds" toml:"feeds"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Database.Path = "./broadsheet.db"
	cfg.LogLevel = "info"
	cfg.Refresh.Workers = 4
	cfg.Refresh.FetchTimeout = 30 * time.Second
	cfg.Refresh.BackoffBase = 5 * time.Minute
	cfg.Refresh.BackoffMax = 24 * time.Hour
	cfg.Refresh.UserAgent = "broadsheet/1.0"
	cfg.Retention.Days = 30
	return cfg
}

// Load reads the file at path over the defaults. The format follows the
// extension: .toml, or .yaml/.yml. Keys the config does not know are
// returned alongside the config rather than failing the load.
func Load(path string) (*Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	var unknown []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		unknown, err = decodeTOML(data, cfg)
	case ".yaml", ".yml":
		unknown, err = decodeYAML(data, cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, unknown, nil
}

func decodeTOML(data []byte, cfg *Config) ([]string, error) {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, err
	}
	var unknown []string
	for _, key := range md.Undecoded() {
		unknown = append(unknown, key.String())
	}
	return unknown, nil
}

func decodeYAML(data []byte, cfg *Config) ([]string, error) {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// A strict pass over a scratch copy finds the keys the lenient one ignored.
	strict := yaml.NewDecoder(bytes.NewReader(data))
	strict.KnownFields(true)
	var scratch Config
	err := strict.Decode(&scratch)
	var typeErr *yaml.TypeError
	switch {
	case err == nil:
		return nil, nil
	case errors.As(err, &typeErr):
		return typeErr.Errors, nil
	case errors.Is(err, io.EOF):
		return nil, nil
	}
	return nil, err
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path must be set")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch {
	case c.Refresh.Workers < 0:
		return fmt.Errorf("refresh.workers must not be negative, got %d", c.Refresh.Workers)
	case c.Refresh.FetchTimeout < 0:
		return fmt.Errorf("refresh.fetch_timeout must not be negative, got %s", c.Refresh.FetchTimeout)
	case c.Refresh.BackoffBase < 0:
		return fmt.Errorf("refresh.backoff_base must not be negative, got %s", c.Refresh.BackoffBase)
	case c.Refresh.BackoffMax < 0:
		return fmt.Errorf("refresh.backoff_max must not be negative, got %s", c.Refresh.BackoffMax)
	case c.View.FreshPerCategory < 0:
		return fmt.Errorf("view.fresh_per_category must not be negative, got %d", c.View.FreshPerCategory)
	case c.Retention.Days < 0:
		return fmt.Errorf("retention.days must not be negative, got %d", c.Retention.Days)
	}
	return nil
}

// Sources lists the configured subscriptions in file order: feeds.urls
// first, then feeds.sources.
func (c *Config) Sources() []FeedSource {
	out := make([]FeedSource, 0, len(c.Feeds.URLs)+len(c.Feeds.Sources))
	for _, u := range c.Feeds.URLs {
		out = append(out, FeedSource{URL: u})
	}
	return append(out, c.Feeds.Sources...)
}

// Marshal renders cfg in the format implied by path's extension.
func Marshal(cfg *Config, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	}
	return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
}
