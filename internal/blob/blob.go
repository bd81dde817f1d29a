// Package blob stores materialized media bytes.
//
// Backends register themselves by name from an init func; callers select one
// with Open. The archive database only records blob keys and digests.
package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrNotFound is returned by Get when no blob exists for the key.
var ErrNotFound = errors.New("blob not found")

// DefaultBackend is used when Config.Backend is empty.
const DefaultBackend = "badger"

// Store holds blobs keyed by an opaque string.
//
// Put is idempotent: writing the same key twice leaves one blob.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// Config selects and configures a backend. Fields a backend does not use are
// ignored.
type Config struct {
	Backend string `yaml:"backend" json:"backend"`

	// Path is the badger data directory.
	Path string `yaml:"path" json:"path"`

	Bucket    string `yaml:"bucket" json:"bucket"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	Region    string `yaml:"region" json:"region"`
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	PathStyle bool   `yaml:"path_style" json:"path_style" split_words:"true"`
	AccessKey string `yaml:"access_key" json:"-" split_words:"true"`
	SecretKey string `yaml:"secret_key" json:"-" split_words:"true"`
}

// Loader creates a Store from config.
type Loader func(ctx context.Context, cfg Config, log *slog.Logger) (Store, error)

// Plugin is a named backend.
type Plugin struct {
	Name   string
	Loader Loader
}

var (
	mu      sync.RWMutex
	plugins = map[string]Plugin{}
)

// Register adds a backend. Registering a name twice panics.
func Register(p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := plugins[p.Name]; dup {
		panic("blob: duplicate backend " + p.Name)
	}
	plugins[p.Name] = p
}

// Names returns the registered backend names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(plugins))
	for name := range plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns the loader for the named backend.
func Select(name string) (Loader, error) {
	mu.RLock()
	p, ok := plugins[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown blob backend %q; valid: %v", name, Names())
	}
	return p.Loader, nil
}

// Open selects the configured backend and opens it.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (Store, error) {
	if cfg.Backend == "" {
		cfg.Backend = DefaultBackend
	}
	if log == nil {
		log = slog.Default()
	}
	load, err := Select(cfg.Backend)
	if err != nil {
		return nil, err
	}
	s, err := load(ctx, cfg, log.With("component", "blob", "backend", cfg.Backend))
	if err != nil {
		return nil, fmt.Errorf("open blob backend %s: %w", cfg.Backend, err)
	}
	return s, nil
}
