package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/blobsync/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".blobsync", "config.json")
	DefaultRootDir    = filepath.Join(home, "BlobSync")
)

const (
	DefaultRegion           = "auto"
	DefaultDebounce         = time.Second
	DefaultConcurrency      = 16
	MaxConcurrency          = 64
	DefaultFullSyncInterval = 5 * time.Minute
	DefaultOpTimeout        = 60 * time.Second
	DefaultMaxRetries       = 3
)

// Conflict policies
const (
	ConflictLocalWins      = "local-wins"
	ConflictPreserveRemote = "preserve-remote"
	ConflictRemoteWins     = "remote-wins"
)

// Remote-only policies
const (
	RemoteOnlyDownload        = "download"
	RemoteOnlyDelete          = "delete"
	RemoteOnlyHonorTombstones = "honor-tombstones"
)

var (
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidPolicy = errors.New("invalid policy")
)

// Duration is a time.Duration that reads "1s" style strings as well as
// nanosecond integers from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

type Config struct {
	Endpoint         string   `json:"endpoint"`
	AccessKeyID      string   `json:"access_key_id"`
	SecretAccessKey  string   `json:"secret_access_key"`
	Bucket           string   `json:"bucket"`
	Region           string   `json:"region,omitempty"`
	RootDir          string   `json:"root_dir"`
	ConflictPolicy   string   `json:"conflict_policy,omitempty"`
	RemoteOnlyPolicy string   `json:"remote_only_policy,omitempty"`
	Debounce         Duration `json:"debounce,omitempty"`
	LeadingEdge      *bool    `json:"leading_edge,omitempty"`
	Concurrency      int      `json:"concurrency,omitempty"`
	FullSyncInterval Duration `json:"full_sync_interval,omitempty"`
	OpTimeout        Duration `json:"op_timeout,omitempty"`
	MaxRetries       *int     `json:"max_retries,omitempty"`
	Path             string   `json:"-"`
}

// Validate checks required fields, fills defaults and normalizes paths. It is
// run once, when the client is constructed.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"endpoint", c.Endpoint},
		{"access_key_id", c.AccessKeyID},
		{"secret_access_key", c.SecretAccessKey},
		{"bucket", c.Bucket},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, field.name)
		}
	}

	if c.RootDir == "" {
		c.RootDir = DefaultRootDir
	}
	rootDir, err := utils.ResolvePath(c.RootDir)
	if err != nil {
		return fmt.Errorf("root dir: %w", err)
	}
	c.RootDir = rootDir

	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}

	if c.Region == "" {
		c.Region = DefaultRegion
	}

	if c.ConflictPolicy == "" {
		c.ConflictPolicy = ConflictLocalWins
	}
	switch c.ConflictPolicy {
	case ConflictLocalWins, ConflictPreserveRemote, ConflictRemoteWins:
	default:
		return fmt.Errorf("%w: conflict_policy %q", ErrInvalidPolicy, c.ConflictPolicy)
	}

	if c.RemoteOnlyPolicy == "" {
		c.RemoteOnlyPolicy = RemoteOnlyDownload
	}
	switch c.RemoteOnlyPolicy {
	case RemoteOnlyDownload, RemoteOnlyDelete, RemoteOnlyHonorTombstones:
	default:
		return fmt.Errorf("%w: remote_only_policy %q", ErrInvalidPolicy, c.RemoteOnlyPolicy)
	}

	if c.Debounce <= 0 {
		c.Debounce = Duration(DefaultDebounce)
	}
	if c.LeadingEdge == nil {
		leading := true
		c.LeadingEdge = &leading
	}

	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	c.Concurrency = min(c.Concurrency, MaxConcurrency)

	// zero disables the periodic sync
	if c.FullSyncInterval < 0 {
		c.FullSyncInterval = Duration(DefaultFullSyncInterval)
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = Duration(DefaultOpTimeout)
	}
	// zero turns retries off
	retries := DefaultMaxRetries
	if c.MaxRetries != nil {
		retries = max(*c.MaxRetries, 0)
	}
	c.MaxRetries = &retries

	return nil
}

// Retries is how many times a failed commit is re-planned and a failed S3
// request is retried.
func (c *Config) Retries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// IsLeadingEdge reports the scheduler mode, defaulting to leading-edge.
func (c *Config) IsLeadingEdge() bool {
	return c.LeadingEdge == nil || *c.LeadingEdge
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{endpoint=%s bucket=%s access_key_id=%s secret_access_key=%s root_dir=%s}",
		c.Endpoint, c.Bucket, utils.MaskSecret(c.AccessKeyID), utils.MaskSecret(c.SecretAccessKey), c.RootDir)
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// holds credentials
	return os.WriteFile(path, data, 0o600)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Path = path

	return &cfg, nil
}
