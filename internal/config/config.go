// Package config handles loading and parsing of bleepfs configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for bleepfs.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metadata   MetadataConfig   `yaml:"metadata"`
	Storage    StorageConfig    `yaml:"storage"`
	Versioning VersioningConfig `yaml:"versioning"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxFileSize is the largest accepted upload in bytes.
	MaxFileSize int64 `yaml:"max_file_size"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetadataConfig holds metadata store settings.
type MetadataConfig struct {
	// Engine is the metadata backend engine ("sqlite", "memory" or "dynamodb").
	Engine   string         `yaml:"engine"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

// DynamoDBConfig holds settings for the DynamoDB metadata store. The table
// needs a string partition key "pk" and a string sort key "sk".
type DynamoDBConfig struct {
	Table       string `yaml:"table"`
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// StorageConfig holds page storage backend settings.
type StorageConfig struct {
	// Backend is the page store type ("local", "sqlite", "memory", "aws", "gcp", "azure").
	Backend string `yaml:"backend"`
	// PageSize is the size in bytes of the pages an upload is split into.
	PageSize int `yaml:"page_size"`
	// Compression enables zstd compression of page bytes.
	Compression bool         `yaml:"compression"`
	Local       LocalConfig  `yaml:"local"`
	SQLite      SQLiteConfig `yaml:"sqlite"`
	AWS         AWSConfig    `yaml:"aws"`
	GCP         GCPConfig    `yaml:"gcp"`
	Azure       AzureConfig  `yaml:"azure"`
}

// LocalConfig holds local filesystem storage backend settings.
type LocalConfig struct {
	// RootDir is the base directory for page files.
	RootDir string `yaml:"root_dir"`
}

// AWSConfig holds settings for the S3 page store.
type AWSConfig struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	// Prefix is the optional key prefix for all pages in the upstream bucket.
	Prefix          string `yaml:"prefix"`
	EndpointURL     string `yaml:"endpoint_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCPConfig holds settings for the Cloud Storage page store.
type GCPConfig struct {
	Bucket  string `yaml:"bucket"`
	Project string `yaml:"project"`
	Prefix  string `yaml:"prefix"`
}

// AzureConfig holds settings for the Azure Blob page store.
type AzureConfig struct {
	Container string `yaml:"container"`
	// Account is used to construct https://{account}.blob.core.windows.net
	// when AccountURL is empty.
	Account            string `yaml:"account"`
	AccountURL         string `yaml:"account_url"`
	Prefix             string `yaml:"prefix"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// VersioningConfig holds revisioning settings.
type VersioningConfig struct {
	// Active turns the versioning feature on for this store.
	Active bool `yaml:"active"`
	// AllowChangesToRevisions permits writes to historical revisions.
	AllowChangesToRevisions bool `yaml:"allow_changes_to_revisions"`
	// Default is seeded as the default versioning policy on first start.
	Default VersioningPolicy `yaml:"default"`
	// Collections holds per-collection policies keyed by the first path
	// segment of a file name.
	Collections map[string]VersioningPolicy `yaml:"collections"`
}

// VersioningPolicy is the YAML form of a versioning configuration.
type VersioningPolicy struct {
	Exclude               bool `yaml:"exclude"`
	ExcludeUnlessExplicit bool `yaml:"exclude_unless_explicit"`
	// MaxRevisions is the retention window; zero or negative keeps every revision.
	MaxRevisions int `yaml:"max_revisions"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies defaults for unset values.
// If the primary path fails, it falls back to bleepfs.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "bleepfs.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "bleepfs.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	switch c.Metadata.Engine {
	case "sqlite", "memory":
	case "dynamodb":
		if c.Metadata.DynamoDB.Table == "" {
			return fmt.Errorf("metadata.dynamodb.table is required")
		}
	default:
		return fmt.Errorf("unknown metadata engine %q", c.Metadata.Engine)
	}
	switch c.Storage.Backend {
	case "local", "sqlite", "memory", "aws", "gcp", "azure":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.PageSize < 0 {
		return fmt.Errorf("storage.page_size must be positive, got %d", c.Storage.PageSize)
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9100,
			ShutdownTimeout: 30,
			MaxFileSize:     5 << 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metadata: MetadataConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/metadata.db",
			},
		},
		Storage: StorageConfig{
			Backend:  "local",
			PageSize: 64 * 1024,
			Local: LocalConfig{
				RootDir: "./data/pages",
			},
		},
		Versioning: VersioningConfig{
			Active: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9100
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.MaxFileSize == 0 {
		cfg.Server.MaxFileSize = 5 << 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metadata.Engine == "" {
		cfg.Metadata.Engine = "sqlite"
	}
	if cfg.Metadata.SQLite.Path == "" {
		cfg.Metadata.SQLite.Path = "./data/metadata.db"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.PageSize == 0 {
		cfg.Storage.PageSize = 64 * 1024
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = "./data/pages"
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "./data/pages.db"
	}
	if cfg.Storage.AWS.Region == "" {
		cfg.Storage.AWS.Region = "us-east-1"
	}
}
