package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.Database.DSN != filepath.Join("./data/lens", "lens.db") {
		t.Errorf("sqlite dsn not derived from data_dir: %s", cfg.Database.DSN)
	}
	if cfg.Indexer.BatchSize != 50 || cfg.Indexer.BusyInterval != 2*time.Second || cfg.Indexer.IdleInterval != 10*time.Second {
		t.Errorf("unexpected indexer defaults: %+v", cfg.Indexer)
	}
	if cfg.Catalog.CacheTTL != 30*time.Second {
		t.Errorf("unexpected cache ttl: %v", cfg.Catalog.CacheTTL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad mode", func(c *Config) { c.Mode = "everything" }, "invalid mode"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres"; c.Database.DSN = "" }, "database.dsn"},
		{"empty prefix", func(c *Config) { c.Database.TablePrefix = "" }, "table_prefix"},
		{"zero batch", func(c *Config) { c.Indexer.BatchSize = 0 }, "batch_size"},
		{"negative attempts", func(c *Config) { c.Retry.MaxAttempts = -1 }, "max_attempts"},
		{"bad storage", func(c *Config) { c.Storage.Type = "ftp" }, "storage type"},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3" }, "s3.bucket"},
		{"pgx with dsn", func(c *Config) { c.Database.Driver = "pgx"; c.Database.DSN = "postgres://localhost/lens" }, ""},
		{"mysql with dsn", func(c *Config) { c.Database.Driver = "mysql"; c.Database.DSN = "u:p@/lens" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lens.yaml")
	content := `
mode: indexer
database:
  driver: postgres
  dsn: postgres://localhost/lens
indexer:
  batch_size: 10
  idle_interval: 1m
storage:
  type: s3
  s3:
    bucket: archives
    region: eu-west-1
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Mode != ModeIndexer || cfg.Database.Driver != "postgres" || cfg.Indexer.BatchSize != 10 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Indexer.IdleInterval != time.Minute {
		t.Errorf("idle interval: got %v", cfg.Indexer.IdleInterval)
	}
	if cfg.Indexer.BusyInterval != 2*time.Second {
		t.Errorf("unset fields should keep defaults, busy interval: %v", cfg.Indexer.BusyInterval)
	}
	if cfg.Storage.S3.Bucket != "archives" {
		t.Errorf("bucket: got %q", cfg.Storage.S3.Bucket)
	}
	if !cfg.ShouldRunIndexer() || cfg.ShouldRunAPI() {
		t.Error("indexer mode should only run the daemon")
	}
}

func TestLoadFromFile_JSONAndUnsupported(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "lens.json")
	if err := os.WriteFile(jsonPath, []byte(`{"http":{"addr":":9999"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFromFile(jsonPath)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.HTTP.Addr != ":9999" {
		t.Errorf("http addr: got %q", cfg.HTTP.Addr)
	}

	tomlPath := filepath.Join(dir, "lens.toml")
	if err := os.WriteFile(tomlPath, []byte(""), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(tomlPath); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lens.yaml")
	if err := os.WriteFile(path, []byte("indexer:\n  batch_size: 10\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LENS_INDEXER_BATCH_SIZE", "25")
	t.Setenv("LENS_DATA_DIR", dir)
	t.Setenv("LENS_CATALOG_CACHE_TTL", "5s")
	t.Setenv("LENS_GRPC_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Indexer.BatchSize != 25 {
		t.Errorf("batch size: got %d, want 25", cfg.Indexer.BatchSize)
	}
	if cfg.Catalog.CacheTTL != 5*time.Second {
		t.Errorf("cache ttl: got %v", cfg.Catalog.CacheTTL)
	}
	if cfg.GRPC.Enabled {
		t.Error("grpc should be disabled")
	}
	if cfg.Database.DSN != filepath.Join(dir, "lens.db") {
		t.Errorf("dsn: got %s", cfg.Database.DSN)
	}
	if cfg.Storage.Path != filepath.Join(dir, "archives") {
		t.Errorf("storage path: got %s", cfg.Storage.Path)
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Resolve()
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, p := range []string{dir, cfg.Storage.Path} {
		if fi, err := os.Stat(p); err != nil || !fi.IsDir() {
			t.Errorf("expected directory %s", p)
		}
	}
}
