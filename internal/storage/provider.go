// Package storage selects the BlobStore back end that receives finalized
// fetch output.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-fetch/internal/fetch"
	"github.com/JakeFAU/resilient-fetch/internal/storage/gcs"
	"github.com/JakeFAU/resilient-fetch/internal/storage/local"
	"github.com/JakeFAU/resilient-fetch/internal/storage/memory"
	"github.com/JakeFAU/resilient-fetch/internal/storage/s3"
)

// Back end names accepted by Open.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendGCS    = "gcs"
	BackendS3     = "s3"
)

// Config selects and configures a back end.
type Config struct {
	Backend   string
	BaseDir   string
	GCSBucket string
	S3        s3.Config
}

// Open builds the configured BlobStore. The returned closer is never nil.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (fetch.BlobStore, io.Closer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendLocal:
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, nopCloser{}, fmt.Errorf("local storage: %w", err)
		}
		logger.Info("using local storage backend", zap.String("base_dir", store.BaseDir()))
		return store, nopCloser{}, nil
	case BackendMemory:
		logger.Info("using in-memory storage backend")
		return memory.NewBlobStore(), nopCloser{}, nil
	case BackendGCS:
		store, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, nopCloser{}, fmt.Errorf("gcs storage: %w", err)
		}
		logger.Info("using GCS storage backend", zap.String("bucket", cfg.GCSBucket))
		return store, store, nil
	case BackendS3:
		store, err := s3.New(ctx, cfg.S3)
		if err != nil {
			return nil, nopCloser{}, fmt.Errorf("s3 storage: %w", err)
		}
		logger.Info("using S3 storage backend", zap.String("bucket", cfg.S3.Bucket), zap.String("region", cfg.S3.Region))
		return store, nopCloser{}, nil
	default:
		return nil, nopCloser{}, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
