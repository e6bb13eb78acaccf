// Package factory assembles the storage router from configuration.
package factory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/annales/annales/internal/config"
	"github.com/annales/annales/internal/storage"
	"github.com/annales/annales/internal/storage/dbblob"
	"github.com/annales/annales/internal/storage/local"
	"github.com/annales/annales/internal/storage/s3"
)

// NewRouter builds the active backend for cfg.StorageBackend and wires
// lazy builders for the remaining providers, so documents stored under a
// previous backend configuration can still be read.
func NewRouter(ctx context.Context, cfg *config.Config, db *sql.DB) (*storage.Router, error) {
	builders := map[string]storage.BuilderFunc{
		storage.ProviderLocal: func(ctx context.Context) (storage.Backend, error) {
			return newLocal(cfg)
		},
		storage.ProviderBlobChunked: func(ctx context.Context) (storage.Backend, error) {
			return dbblob.New(db, cfg.BlobChunkSize)
		},
	}
	if cfg.HasS3Config() {
		builders[storage.ProviderObjectStorage] = func(ctx context.Context) (storage.Backend, error) {
			return newS3(ctx, cfg)
		}
	}

	var active storage.Backend
	var err error
	switch cfg.StorageBackend {
	case config.BackendLocal:
		active, err = newLocal(cfg)
	case config.BackendObjectStorage:
		active, err = newS3(ctx, cfg)
	case config.BackendBlobChunked:
		active, err = dbblob.New(db, cfg.BlobChunkSize)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize %s backend: %w", cfg.StorageBackend, err)
	}

	delete(builders, active.Provider())
	return storage.NewRouter(active, builders), nil
}

func newLocal(cfg *config.Config) (storage.Backend, error) {
	return local.New(local.Config{
		RootPath:   cfg.LocalStoragePath,
		CreateDirs: true,
	})
}

func newS3(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	endpoint := cfg.S3Endpoint
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		if cfg.S3UseSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return s3.New(ctx, s3.Config{
		Endpoint:       endpoint,
		Bucket:         cfg.S3Bucket,
		AccessKey:      cfg.S3AccessKey,
		SecretKey:      cfg.S3SecretKey,
		Region:         cfg.S3Region,
		ForcePathStyle: cfg.S3ForcePathStyle,
		KeyPrefix:      cfg.S3KeyPrefix,
	})
}
