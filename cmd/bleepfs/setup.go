package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bleepstore/bleepfs/internal/config"
	"github.com/bleepstore/bleepfs/internal/engine"
	"github.com/bleepstore/bleepfs/internal/metadata"
	"github.com/bleepstore/bleepfs/internal/storage"
)

// openMetadataStore builds the metadata store selected by cfg.
func openMetadataStore(ctx context.Context, cfg config.MetadataConfig) (metadata.MetadataStore, error) {
	switch cfg.Engine {
	case "memory":
		slog.Warn("Using in-memory metadata store; files will not survive a restart")
		return metadata.NewMemoryStore(), nil
	case "dynamodb":
		store, err := metadata.NewDynamoDBStore(ctx, &cfg.DynamoDB)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata store initialized", "engine", "dynamodb", "table", cfg.DynamoDB.Table)
		return store, nil
	default:
		dbPath := cfg.SQLite.Path
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating metadata directory: %w", err)
		}
		store, err := metadata.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, err
		}
		slog.Info("Metadata store initialized", "engine", "sqlite", "path", dbPath)
		return store, nil
	}
}

// openPageStore builds the page store selected by cfg, wrapped in zstd
// compression when enabled. The returned closer releases backend resources
// and may be nil.
func openPageStore(ctx context.Context, cfg config.StorageConfig) (storage.PageStore, io.Closer, error) {
	var (
		store  storage.PageStore
		closer io.Closer
	)

	switch cfg.Backend {
	case "memory":
		store = storage.NewMemoryBackend(0)
		slog.Info("Storage backend initialized", "backend", "memory")
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating page database directory: %w", err)
		}
		b, err := storage.NewSQLiteBackend(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		store, closer = b, b
		slog.Info("Storage backend initialized", "backend", "sqlite", "path", cfg.SQLite.Path)
	case "aws":
		a := cfg.AWS
		if a.Bucket == "" {
			return nil, nil, fmt.Errorf("storage.aws.bucket is required when backend is 'aws'")
		}
		b, err := storage.NewAWSGatewayBackend(ctx, a.Bucket, a.Region, a.Prefix, a.EndpointURL, a.UsePathStyle, a.AccessKeyID, a.SecretAccessKey)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing AWS storage backend: %w", err)
		}
		store = b
		slog.Info("Storage backend initialized", "backend", "aws", "bucket", a.Bucket, "region", a.Region, "prefix", a.Prefix)
	case "gcp":
		g := cfg.GCP
		if g.Bucket == "" {
			return nil, nil, fmt.Errorf("storage.gcp.bucket is required when backend is 'gcp'")
		}
		b, err := storage.NewGCPGatewayBackend(ctx, g.Bucket, g.Project, g.Prefix)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing GCP storage backend: %w", err)
		}
		store = b
		slog.Info("Storage backend initialized", "backend", "gcp", "bucket", g.Bucket, "project", g.Project, "prefix", g.Prefix)
	case "azure":
		az := cfg.Azure
		if az.Container == "" {
			return nil, nil, fmt.Errorf("storage.azure.container is required when backend is 'azure'")
		}
		accountURL := az.AccountURL
		if accountURL == "" && az.ConnectionString == "" {
			if az.Account == "" {
				return nil, nil, fmt.Errorf("storage.azure.account or storage.azure.account_url is required when backend is 'azure'")
			}
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", az.Account)
		}
		b, err := storage.NewAzureGatewayBackend(ctx, az.Container, accountURL, az.Prefix, az.ConnectionString, az.UseManagedIdentity)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing Azure storage backend: %w", err)
		}
		store = b
		slog.Info("Storage backend initialized", "backend", "azure", "container", az.Container, "account", accountURL, "prefix", az.Prefix)
	default:
		root := cfg.Local.RootDir
		b, err := storage.NewLocalBackend(root)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing storage backend: %w", err)
		}
		// Crash-only recovery: clean orphan temp files from incomplete writes.
		if err := b.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
		store = b
		slog.Info("Storage backend initialized", "backend", "local", "root", root)
	}

	if cfg.Compression {
		store = storage.NewCompressedStore(store)
		slog.Info("Page compression enabled", "codec", "zstd")
	}
	return store, closer, nil
}

// seedVersioning stores the configured policies that are not stored yet.
// Policies changed at runtime through the API are never overwritten, so this
// is safe to run on every start.
func seedVersioning(ctx context.Context, eng *engine.Engine, cfg config.VersioningConfig) error {
	seed := func(collection string, p config.VersioningPolicy) error {
		existing, err := eng.VersioningConfiguration(ctx, collection)
		if err != nil {
			return fmt.Errorf("reading versioning configuration %q: %w", collection, err)
		}
		if existing != nil {
			return nil
		}
		vc := metadata.VersioningConfiguration{
			Exclude:               p.Exclude,
			ExcludeUnlessExplicit: p.ExcludeUnlessExplicit,
			MaxRevisions:          p.MaxRevisions,
		}
		if err := eng.SetVersioningConfiguration(ctx, collection, vc); err != nil {
			return fmt.Errorf("seeding versioning configuration %q: %w", collection, err)
		}
		slog.Info("Seeded versioning configuration", "collection", collection, "max_revisions", p.MaxRevisions)
		return nil
	}

	if err := seed("", cfg.Default); err != nil {
		return err
	}
	names := make([]string, 0, len(cfg.Collections))
	for name := range cfg.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := seed(name, cfg.Collections[name]); err != nil {
			return err
		}
	}
	return nil
}
