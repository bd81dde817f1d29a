// Package config loads archiver settings from a YAML file, a .env file and
// the environment, and validates them against an embedded CUE schema.
package config

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/roach88/mxarchive/internal/blob"
)

// EnvPrefix prefixes every environment override, e.g. MXARCHIVE_DATABASE.
const EnvPrefix = "mxarchive"

//go:embed schema.cue
var schemaCUE []byte

type ctxKey string

const configContextKey ctxKey = "mxarchive.config"

// WithContext returns a context carrying cfg.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

// FromContext returns the config stored by WithContext, or nil.
func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// Config holds all archiver settings.
type Config struct {
	Homeserver string `yaml:"homeserver" json:"homeserver" envconfig:"HOMESERVER"`
	User       string `yaml:"user" json:"user" envconfig:"USER"`
	Password   string `yaml:"password" json:"-" envconfig:"PASSWORD"`
	Token      string `yaml:"token" json:"-" envconfig:"TOKEN"`
	DeviceName string `yaml:"device_name" json:"device_name" envconfig:"DEVICE_NAME"`

	// Database is the SQLite archive path.
	Database string `yaml:"database" json:"database" envconfig:"DATABASE"`

	Concurrency          int  `yaml:"concurrency" json:"concurrency" envconfig:"CONCURRENCY"`
	PageSize             int  `yaml:"page_size" json:"page_size" envconfig:"PAGE_SIZE"`
	MaxPagesPerRun       int  `yaml:"max_pages_per_run" json:"max_pages_per_run" envconfig:"MAX_PAGES_PER_RUN"`
	CorrespondentDevices bool `yaml:"correspondent_devices" json:"correspondent_devices" envconfig:"CORRESPONDENT_DEVICES"`

	Rooms  RoomsConfig  `yaml:"rooms" json:"rooms" envconfig:"ROOMS"`
	Media  MediaConfig  `yaml:"media" json:"media" envconfig:"MEDIA"`
	Blob   blob.Config  `yaml:"blob" json:"blob" envconfig:"BLOB"`
	Lease  LeaseConfig  `yaml:"lease" json:"lease" envconfig:"LEASE"`
	Daemon DaemonConfig `yaml:"daemon" json:"daemon" envconfig:"DAEMON"`
	Log    LogConfig    `yaml:"log" json:"log" envconfig:"LOG"`
}

// RoomsConfig narrows which joined rooms are archived. An empty include list
// means every joined room.
type RoomsConfig struct {
	Include []string `yaml:"include" json:"include" envconfig:"INCLUDE"`
	Exclude []string `yaml:"exclude" json:"exclude" envconfig:"EXCLUDE"`
}

// MediaConfig controls attachment download.
type MediaConfig struct {
	Skip    bool  `yaml:"skip" json:"skip" envconfig:"SKIP"`
	MaxSize int64 `yaml:"max_size" json:"max_size" envconfig:"MAX_SIZE"`
}

// LeaseConfig selects how rooms are leased to workers.
type LeaseConfig struct {
	Backend  string        `yaml:"backend" json:"backend" envconfig:"BACKEND"`
	RedisURL string        `yaml:"redis_url" json:"redis_url" envconfig:"REDIS_URL"`
	TTL      time.Duration `yaml:"ttl" json:"ttl" envconfig:"TTL"`
}

// DaemonConfig controls repeated passes.
type DaemonConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval" envconfig:"INTERVAL"`
	Listen   string        `yaml:"listen" json:"listen" envconfig:"LISTEN"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" json:"format" envconfig:"FORMAT"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Homeserver:  "https://matrix.org",
		DeviceName:  "Matrix Archiver",
		Database:    "archive.sqlite",
		Concurrency: 4,
		PageSize:    100,
		Media:       MediaConfig{MaxSize: 100 << 20},
		Blob:        blob.Config{Backend: blob.DefaultBackend},
		Lease:       LeaseConfig{Backend: "local", TTL: 5 * time.Minute},
		Daemon:      DaemonConfig{Interval: time.Hour, Listen: ":9464"},
		Log:         LogConfig{Level: "info", Format: "text"},
	}
}

// legacyEnv holds the variables the original archive script read.
type legacyEnv struct {
	Host     string   `envconfig:"MATRIX_HOST"`
	User     string   `envconfig:"MATRIX_USER"`
	Password string   `envconfig:"MATRIX_PASSWORD"`
	Token    string   `envconfig:"MATRIX_TOKEN"`
	Include  []string `envconfig:"MATRIX_ROOM_IDS"`
	Exclude  []string `envconfig:"EXCLUDED_MATRIX_ROOM_IDS"`
}

// Load builds the config. Sources, later winning: defaults, the YAML file
// at path (if non-empty), a .env file in the working directory, MATRIX_*
// variables, then MXARCHIVE_* variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.finalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var legacy legacyEnv
	if err := envconfig.Process("", &legacy); err != nil {
		return fmt.Errorf("process MATRIX_* environment: %w", err)
	}
	if legacy.Host != "" {
		cfg.Homeserver = legacy.Host
	}
	if legacy.User != "" {
		cfg.User = legacy.User
	}
	if legacy.Password != "" {
		cfg.Password = legacy.Password
	}
	if legacy.Token != "" {
		cfg.Token = legacy.Token
	}
	if len(legacy.Include) > 0 {
		cfg.Rooms.Include = legacy.Include
	}
	if len(legacy.Exclude) > 0 {
		cfg.Rooms.Exclude = legacy.Exclude
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("process environment: %w", err)
	}
	return nil
}

// finalize fills settings derived from others.
func (c *Config) finalize() {
	c.Homeserver = strings.TrimRight(c.Homeserver, "/")
	c.Rooms.Include = trimList(c.Rooms.Include)
	c.Rooms.Exclude = trimList(c.Rooms.Exclude)
	if c.Blob.Backend == "" {
		c.Blob.Backend = blob.DefaultBackend
	}
	if c.Blob.Backend == "badger" && c.Blob.Path == "" {
		c.Blob.Path = c.Database + ".media"
	}
}

func trimList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the config against the embedded CUE schema.
func (c *Config) Validate() error {
	cctx := cuecontext.New()
	schema := cctx.CompileBytes(schemaCUE).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := schema.Unify(cctx.Encode(c))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Details: cueerrors.Details(err, nil)}
	}
	return nil
}

// RequireCredentials reports an error unless a user and a password or token
// are set. Commands that talk to the homeserver call it.
func (c *Config) RequireCredentials() error {
	if c.User == "" {
		return errors.New("config: user is required (MXARCHIVE_USER or MATRIX_USER)")
	}
	if c.Password == "" && c.Token == "" {
		return errors.New("config: password or token is required")
	}
	return nil
}

// ValidationError lists schema violations.
type ValidationError struct {
	Details string
}

func (e *ValidationError) Error() string {
	return "invalid config:\n" + strings.TrimSpace(e.Details)
}

// Marshal renders the config as YAML with secrets removed.
func (c *Config) Marshal() ([]byte, error) {
	redacted := *c
	redacted.Password = redact(c.Password)
	redacted.Token = redact(c.Token)
	redacted.Blob.AccessKey = redact(c.Blob.AccessKey)
	redacted.Blob.SecretKey = redact(c.Blob.SecretKey)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&redacted); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
