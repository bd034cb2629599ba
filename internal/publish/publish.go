// Package publish copies the outputs of a run to a local directory or an S3
// bucket.
package publish

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"stereodsm/internal/config"
	"stereodsm/internal/errs"
)

// ObjectStore writes and lists objects under a bucket or root directory.
type ObjectStore interface {
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
	WriteObject(ctx context.Context, bucket, key string, data []byte) error
}

// Target is a parsed publish destination.
type Target struct {
	S3     bool
	Bucket string // bucket name, or root directory for local targets
	Prefix string
}

// ParseTarget accepts s3://bucket/prefix or a local directory.
func ParseTarget(target string) (Target, error) {
	if target == "" {
		return Target{}, errs.Invalid("empty publish target")
	}
	trimmed := strings.TrimPrefix(target, "s3://")
	if trimmed == target {
		return Target{Bucket: target}, nil
	}
	bucket, prefix, _ := strings.Cut(trimmed, "/")
	if bucket == "" {
		return Target{}, errs.Invalid("publish target %q has no bucket", target)
	}
	return Target{S3: true, Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

func (t Target) String() string {
	if t.S3 {
		return "s3://" + path.Join(t.Bucket, t.Prefix)
	}
	return filepath.Join(t.Bucket, t.Prefix)
}

// Open returns the store serving target.
func Open(cfg config.Publish, target Target) (ObjectStore, error) {
	if !target.S3 {
		return LocalFS{}, nil
	}
	return NewS3Store(cfg.Region, cfg.Endpoint)
}

// PublishDir uploads every regular file below dir to target, keeping the
// relative layout. It returns the keys written, sorted.
func PublishDir(ctx context.Context, store ObjectStore, target Target, dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(files)

	keys := make([]string, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return keys, err
		}
		rel, err := filepath.Rel(dir, f)
		if err != nil {
			return keys, err
		}
		data, err := os.ReadFile(f)
		if err != nil {
			return keys, err
		}
		key := path.Join(target.Prefix, filepath.ToSlash(rel))
		if err := store.WriteObject(ctx, target.Bucket, key, data); err != nil {
			return keys, fmt.Errorf("publish %s to %s: %w", rel, target, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}
