package publish

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// LocalFS stores objects as files, the bucket being the root directory.
type LocalFS struct{}

func (LocalFS) ListObjects(ctx context.Context, root, prefix string) ([]string, error) {
	result := []string{}
	rootOnly := filepath.Clean(root)
	err := filepath.Walk(filepath.Join(root, prefix), func(found string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			result = append(result, filepath.ToSlash(strings.TrimPrefix(found, rootOnly+string(filepath.Separator))))
		}
		return nil
	})
	return result, err
}

func (LocalFS) WriteObject(ctx context.Context, root, key string, data []byte) error {
	full := filepath.Join(root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}
