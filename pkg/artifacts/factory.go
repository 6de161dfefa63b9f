package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// Type names an artifact backend.
type Type string

const (
	TypeNone Type = ""
	TypeFS   Type = "fs"
	TypeS3   Type = "s3"
	TypeGCS  Type = "gcs"
)

// GCSConfig selects the bucket. Only builds tagged gcp can use it.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// Config selects and configures the artifact backend.
type Config struct {
	Type    Type
	DataDir string
	S3      S3Config
	GCS     GCSConfig
}

// New builds the configured store. TypeNone disables archiving and returns
// a nil store.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case TypeNone:
		return nil, nil
	case TypeFS:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "artifacts"))
	case TypeS3:
		if cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
		}
		if cfg.S3.Region == "" {
			cfg.S3.Region = "us-east-1"
		}
		return NewS3Store(ctx, cfg.S3)
	case TypeGCS:
		if cfg.GCS.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Type)
	}
}
