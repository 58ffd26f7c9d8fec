// Package archive writes audit exports to durable storage.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Sink stores one named object and returns where it was written.
type Sink interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Close() error
}

// Sink types.
const (
	SinkFile = "file"
	SinkS3   = "s3"
	SinkGCS  = "gcs"
)

// New creates a sink based on configuration.
func New(ctx context.Context, cfg domain.ArchiveConfig) (Sink, error) {
	switch cfg.Sink {
	case SinkFile, "":
		dir := cfg.Directory
		if dir == "" {
			dir = "exports"
		}
		return NewFileSink(dir)
	case SinkS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for s3 sink")
		}
		return NewS3Sink(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Prefix:   cfg.Prefix,
		})
	case SinkGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive bucket is required for gcs sink")
		}
		return NewGCSSink(ctx, cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unsupported archive sink: %s", cfg.Sink)
	}
}

// validKey rejects keys that could escape the sink root.
func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid archive key: %q", key)
	}
	return nil
}

// FileSink writes objects under a local directory.
type FileSink struct {
	baseDir string
}

// NewFileSink creates the directory if needed.
func NewFileSink(baseDir string) (*FileSink, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileSink{baseDir: baseDir}, nil
}

// Put writes data to baseDir/key atomically via a temp file rename.
func (s *FileSink) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}

	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", fmt.Errorf("failed to write archive: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize archive: %w", err)
	}
	return path, nil
}

func (s *FileSink) Close() error {
	return nil
}
