// Package config provides configuration for the lens CLI and server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arkilian/lens/internal/db"
)

// Mode selects which parts of the server run.
type Mode string

const (
	ModeAll     Mode = "all"
	ModeAPI     Mode = "api"
	ModeIndexer Mode = "indexer"
)

// Config holds the configuration for every Lens component.
type Config struct {
	// Mode specifies which services to run: all, api, indexer
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for the default database and archive storage
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Database configuration
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Indexer daemon configuration
	Indexer IndexerConfig `json:"indexer" yaml:"indexer"`

	// Catalog cache configuration
	Catalog CatalogConfig `json:"catalog" yaml:"catalog"`

	// Retry configuration for catalogue transactions
	Retry RetryConfig `json:"retry" yaml:"retry"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// Storage configuration for archives
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// DatabaseConfig selects the relational backend.
type DatabaseConfig struct {
	// Driver is one of sqlite3, postgres, pgx, mysql
	Driver string `json:"driver" yaml:"driver"`

	// DSN is the driver-specific data source name; for sqlite3 a file path
	DSN string `json:"dsn" yaml:"dsn"`

	// TablePrefix is prepended to every table name
	TablePrefix string `json:"table_prefix" yaml:"table_prefix"`
}

// IndexerConfig holds indexing daemon configuration.
type IndexerConfig struct {
	// BatchSize is the number of events and rollup rows per sink per cycle
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// BusyInterval is the pause after a cycle that did work
	BusyInterval time.Duration `json:"busy_interval" yaml:"busy_interval"`

	// IdleInterval is the pause after a cycle with nothing to do
	IdleInterval time.Duration `json:"idle_interval" yaml:"idle_interval"`
}

// CatalogConfig holds catalogue cache configuration.
type CatalogConfig struct {
	// CacheTTL bounds how long sinks, indexes and groups are cached
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

// RetryConfig holds optimistic transaction retry configuration.
type RetryConfig struct {
	// MaxAttempts caps the retry loop; 0 retries until the context ends
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// Backoff is the base delay between attempts
	Backoff time.Duration `json:"backoff" yaml:"backoff"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// StorageConfig holds archive storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Prefix is prepended to every archive key
	Prefix string `json:"prefix" yaml:"prefix"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/lens",
		Database: DatabaseConfig{
			Driver:      "sqlite3",
			TablePrefix: db.DefaultTablePrefix,
		},
		Indexer: IndexerConfig{
			BatchSize:    50,
			BusyInterval: 2 * time.Second,
			IdleInterval: 10 * time.Second,
		},
		Catalog: CatalogConfig{
			CacheTTL: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 0,
			Backoff:     10 * time.Millisecond,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Storage: StorageConfig{
			Type: "local",
		},
	}
}

// Resolve fills paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/lens"
	}
	if c.Database.DSN == "" && isSQLite(c.Database.Driver) {
		c.Database.DSN = filepath.Join(c.DataDir, "lens.db")
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "archives")
	}
}

func isSQLite(driver string) bool {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return true
	}
	return false
}

// DBOptions returns the backend options described by the configuration.
func (c *Config) DBOptions() db.Options {
	return db.Options{
		TablePrefix: c.Database.TablePrefix,
		Retry: db.RetryPolicy{
			MaxAttempts: c.Retry.MaxAttempts,
			Backoff:     c.Retry.Backoff,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeAPI, ModeIndexer:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, api, or indexer)", c.Mode)
	}

	if _, err := db.DialectFor(c.Database.Driver); err != nil {
		return fmt.Errorf("invalid database.driver: %w", err)
	}

	if !isSQLite(c.Database.Driver) && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
	}

	if c.Database.TablePrefix == "" {
		return fmt.Errorf("database.table_prefix is required")
	}

	if c.Indexer.BatchSize <= 0 {
		return fmt.Errorf("indexer.batch_size must be positive, got %d", c.Indexer.BatchSize)
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative, got %d", c.Retry.MaxAttempts)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	return nil
}

// ShouldRunAPI returns true if the HTTP and gRPC servers should run.
func (c *Config) ShouldRunAPI() bool {
	return c.Mode == ModeAll || c.Mode == ModeAPI
}

// ShouldRunIndexer returns true if the indexing daemon should run.
func (c *Config) ShouldRunIndexer() bool {
	return c.Mode == ModeAll || c.Mode == ModeIndexer
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the LENS_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LENS_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("LENS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Database configuration
	if v := os.Getenv("LENS_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("LENS_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("LENS_DATABASE_TABLE_PREFIX"); v != "" {
		cfg.Database.TablePrefix = v
	}

	// Indexer configuration
	if v := os.Getenv("LENS_INDEXER_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Indexer.BatchSize)
	}
	if v := os.Getenv("LENS_INDEXER_BUSY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Indexer.BusyInterval = d
		}
	}
	if v := os.Getenv("LENS_INDEXER_IDLE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Indexer.IdleInterval = d
		}
	}

	// Catalogue cache and retry configuration
	if v := os.Getenv("LENS_CATALOG_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Catalog.CacheTTL = d
		}
	}
	if v := os.Getenv("LENS_RETRY_MAX_ATTEMPTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Retry.MaxAttempts)
	}
	if v := os.Getenv("LENS_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.Backoff = d
		}
	}

	// HTTP and gRPC configuration
	if v := os.Getenv("LENS_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("LENS_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("LENS_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Storage configuration
	if v := os.Getenv("LENS_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("LENS_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("LENS_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("LENS_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("LENS_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("LENS_S3_PREFIX"); v != "" {
		cfg.Storage.S3.Prefix = v
	}
}

// Load builds the effective configuration: defaults, then the file at path
// when it is not empty, then LENS_ environment variables. Paths are resolved
// and the result validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	LoadFromEnv(cfg)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnsureDirectories creates the directories used by local backends.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}
	if isSQLite(c.Database.Driver) && c.Database.DSN != "" && !strings.HasPrefix(c.Database.DSN, "file:") {
		dirs = append(dirs, filepath.Dir(c.Database.DSN))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
