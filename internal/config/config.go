// Package config handles configuration loading and validation for filevault.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/filevault/filevault/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvDSN        = "FILEVAULT_DSN"
	EnvSigningKey = "FILEVAULT_SIGNING_KEY"
	EnvMasterKey  = "FILEVAULT_MASTER_KEY"
	EnvAdminToken = "FILEVAULT_ADMIN_TOKEN"
	EnvS3Access   = "FILEVAULT_S3_ACCESS_KEY"
	EnvS3Secret   = "FILEVAULT_S3_SECRET_KEY"
)

// Duration is a time.Duration read from YAML as "90s", "24h" or seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("duration must be a string like 30s or a number of seconds")
	}
	if secs, err := strconv.ParseInt(str, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(str)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", str, err)
	}
	*d = Duration(v)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string     `yaml:"level"`  // zerolog level name (default: info)
	Format string     `yaml:"format"` // "console" or "json" (default: console)
	Ship   ShipConfig `yaml:"ship"`
}

// ShipConfig forwards logs to a Loki-compatible endpoint. Disabled when URL
// is empty.
type ShipConfig struct {
	URL           string            `yaml:"url"`
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval Duration          `yaml:"flush_interval"`
}

// DatabaseConfig selects the metadata store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "memory" or "postgres"
	DSN    string `yaml:"dsn"`
}

// S3Config holds S3 blob store settings.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // custom endpoint, e.g. MinIO
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// BlobConfig selects the object store.
type BlobConfig struct {
	Driver     string   `yaml:"driver"`      // "disk", "s3" or "memory"
	Dir        string   `yaml:"dir"`         // disk driver root (default: <data_dir>/blobs)
	BaseURL    string   `yaml:"base_url"`    // server URL that download links start with
	SigningKey string   `yaml:"signing_key"` // signs disk download URLs; generated if empty
	MasterKey  string   `yaml:"master_key"`  // 64 hex chars; generated if empty
	S3         S3Config `yaml:"s3"`
}

// UploadConfig tunes chunked uploads.
type UploadConfig struct {
	ChunkSize    bytesize.Size `yaml:"chunk_size"`
	MaxFileSize  bytesize.Size `yaml:"max_file_size"`
	SessionTTL   Duration      `yaml:"session_ttl"`
	MergeTimeout Duration      `yaml:"merge_timeout"`
}

// ShareConfig tunes public share links.
type ShareConfig struct {
	SignedURLTTL  Duration `yaml:"signed_url_ttl"`
	CodeAttempts  int      `yaml:"code_attempts"`
	PublicBaseURL string   `yaml:"public_base_url"`
}

// GCConfig controls background reclamation.
type GCConfig struct {
	Interval           Duration `yaml:"interval"`
	TombstoneRetention Duration `yaml:"tombstone_retention"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the server configuration.
type Config struct {
	Listen            string         `yaml:"listen"`
	DataDir           string         `yaml:"data_dir"`    // default: /var/lib/filevault
	AdminToken        string         `yaml:"admin_token"` // bearer token for /v1 (optional, but recommended)
	Log               LogConfig      `yaml:"log"`
	Metrics           MetricsConfig  `yaml:"metrics"`
	Database          DatabaseConfig `yaml:"database"`
	Blob              BlobConfig     `yaml:"blob"`
	Upload            UploadConfig   `yaml:"upload"`
	Share             ShareConfig    `yaml:"share"`
	GC                GCConfig       `yaml:"gc"`
	DefaultVaultQuota bytesize.Size  `yaml:"default_vault_quota"` // 0 = unlimited
}

// Default returns a configuration suitable for a local single-node run.
func Default() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file, applies defaults and then
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/filevault"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
		if c.Database.DSN != "" {
			c.Database.Driver = "postgres"
		}
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = "disk"
	}
	if c.Blob.Dir == "" {
		c.Blob.Dir = filepath.Join(c.DataDir, "blobs")
	}
	c.Blob.Dir = expandHome(c.Blob.Dir)
	if c.Blob.BaseURL == "" {
		c.Blob.BaseURL = "http://localhost" + c.Listen
	}
	if c.Upload.ChunkSize == 0 {
		c.Upload.ChunkSize = bytesize.Size(10 * bytesize.MB)
	}
	if c.Upload.MaxFileSize == 0 {
		c.Upload.MaxFileSize = bytesize.Size(5 * bytesize.GB)
	}
	if c.Upload.SessionTTL == 0 {
		c.Upload.SessionTTL = Duration(24 * time.Hour)
	}
	if c.Upload.MergeTimeout == 0 {
		c.Upload.MergeTimeout = Duration(15 * time.Minute)
	}
	if c.Share.SignedURLTTL == 0 {
		c.Share.SignedURLTTL = Duration(15 * time.Minute)
	}
	if c.Share.CodeAttempts == 0 {
		c.Share.CodeAttempts = 5
	}
	if c.Share.PublicBaseURL == "" {
		c.Share.PublicBaseURL = "http://localhost" + c.Listen
	}
	if c.GC.Interval == 0 {
		c.GC.Interval = Duration(10 * time.Minute)
	}
	if c.GC.TombstoneRetention == 0 {
		c.GC.TombstoneRetention = Duration(30 * 24 * time.Hour)
	}
	c.applyEnv()
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDSN); v != "" {
		c.Database.DSN = v
		c.Database.Driver = "postgres"
	}
	if v := os.Getenv(EnvSigningKey); v != "" {
		c.Blob.SigningKey = v
	}
	if v := os.Getenv(EnvMasterKey); v != "" {
		c.Blob.MasterKey = v
	}
	if v := os.Getenv(EnvAdminToken); v != "" {
		c.AdminToken = v
	}
	if v := os.Getenv(EnvS3Access); v != "" {
		c.Blob.S3.AccessKey = v
	}
	if v := os.Getenv(EnvS3Secret); v != "" {
		c.Blob.S3.SecretKey = v
	}
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, p[2:])
		}
	}
	return p
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json")
	}
	if u := c.Log.Ship.URL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("log.ship.url must be an http(s) URL")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	switch c.Blob.Driver {
	case "disk", "memory":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unknown blob.driver %q", c.Blob.Driver)
	}
	if c.Blob.MasterKey != "" {
		if _, err := decodeKey(c.Blob.MasterKey); err != nil {
			return fmt.Errorf("blob.master_key: %w", err)
		}
	}
	if c.Upload.ChunkSize <= 0 {
		return fmt.Errorf("upload.chunk_size must be positive")
	}
	if c.Upload.MaxFileSize < c.Upload.ChunkSize {
		return fmt.Errorf("upload.max_file_size must be at least upload.chunk_size")
	}
	if c.Upload.SessionTTL <= 0 || c.Upload.MergeTimeout <= 0 {
		return fmt.Errorf("upload.session_ttl and upload.merge_timeout must be positive")
	}
	if c.Share.SignedURLTTL <= 0 {
		return fmt.Errorf("share.signed_url_ttl must be positive")
	}
	if c.Share.CodeAttempts < 1 {
		return fmt.Errorf("share.code_attempts must be at least 1")
	}
	if c.GC.Interval <= 0 {
		return fmt.Errorf("gc.interval must be positive")
	}
	if c.DefaultVaultQuota < 0 {
		return fmt.Errorf("default_vault_quota must not be negative")
	}
	return nil
}

// decodeKey parses a 32-byte key written as 64 hex characters.
func decodeKey(s string) ([32]byte, error) {
	var key [32]byte
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("decode key: %w", err)
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("key must be %d bytes, got %d", len(key), len(b))
	}
	copy(key[:], b)
	return key, nil
}
