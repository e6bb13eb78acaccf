// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Storage backend selectors. The value doubles as the provider tag
// stamped on file records.
const (
	BackendLocal         = "local"
	BackendObjectStorage = "object-storage"
	BackendBlobChunked   = "blob-chunked"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// Storage backend selection ("local", "object-storage" or "blob-chunked")
	StorageBackend   string
	LocalStoragePath string

	// Object storage
	S3Endpoint       string
	S3Bucket         string
	S3AccessKey      string
	S3SecretKey      string
	S3Region         string
	S3UseSSL         bool
	S3ForcePathStyle bool
	S3KeyPrefix      string

	// Database blob storage
	BlobChunkSize int64

	// Uploads
	MaxUploadSize int64

	// Cleanup sweep
	CleanupOnStart  bool
	CleanupSchedule string

	// Auth. An empty AuthSecret leaves the API open.
	AuthSecret        string
	AdminPasswordHash string

	// HTTP
	AllowedOrigins []string
	PublicBaseURL  string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        envOr("LISTEN_ADDR", ":"+envOr("PORT", "8080")),
		MetricsAddr:       envOr("METRICS_ADDR", ":9091"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "console"),
		DatabaseURL:       envOr("DATABASE_URL", ""),
		StorageBackend:    envOr("STORAGE_BACKEND", BackendLocal),
		LocalStoragePath:  envOr("LOCAL_STORAGE_PATH", "./data/pdfs"),
		S3Endpoint:        envOr("S3_ENDPOINT", ""),
		S3Bucket:          envOr("S3_BUCKET", ""),
		S3AccessKey:       envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:       envOr("S3_SECRET_KEY", ""),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		S3UseSSL:          envBool("S3_USE_SSL", true),
		S3ForcePathStyle:  envBool("S3_FORCE_PATH_STYLE", false),
		S3KeyPrefix:       envOr("S3_KEY_PREFIX", "annales/"),
		BlobChunkSize:     envInt64("BLOB_CHUNK_SIZE", 1024*1024),
		MaxUploadSize:     envInt64("MAX_UPLOAD_SIZE", 50*1024*1024), // 50MB default
		CleanupOnStart:    envBool("CLEANUP_ON_START", true),
		CleanupSchedule:   envOr("CLEANUP_SCHEDULE", "@every 1h"),
		AuthSecret:        envOr("AUTH_SECRET", ""),
		AdminPasswordHash: envOr("ADMIN_PASSWORD_HASH", ""),
		AllowedOrigins:    splitCSV(envOr("ALLOWED_ORIGINS", "*")),
		PublicBaseURL:     strings.TrimSuffix(envOr("PUBLIC_BASE_URL", ""), "/"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	switch cfg.StorageBackend {
	case BackendLocal, BackendObjectStorage, BackendBlobChunked:
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q (want local, object-storage or blob-chunked)", cfg.StorageBackend)
	}

	if cfg.StorageBackend == BackendObjectStorage && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=object-storage")
	}
	if cfg.BlobChunkSize <= 0 {
		return nil, fmt.Errorf("BLOB_CHUNK_SIZE must be positive")
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	if cfg.AuthSecret != "" && cfg.AdminPasswordHash == "" {
		return nil, fmt.Errorf("ADMIN_PASSWORD_HASH is required when AUTH_SECRET is set")
	}

	return cfg, nil
}

// HasS3Config reports whether enough object storage settings are present
// to instantiate that backend (used for read-side routing of records
// written by an earlier deployment).
func (c *Config) HasS3Config() bool {
	return c.S3Bucket != ""
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
