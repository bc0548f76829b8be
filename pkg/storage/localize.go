package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Localize materializes a stored object as a local file path, which the
// embedded engine needs to read Parquet. Local storage hands back its own
// path; remote backends download to a temp file removed by cleanup.
func Localize(ctx context.Context, store ObjectStorage, path string) (localPath string, cleanup func(), err error) {
	if ls, ok := store.(*LocalStorage); ok {
		return ls.AbsPath(path), func() {}, nil
	}

	r, err := store.Get(ctx, path)
	if err != nil {
		return "", nil, err
	}
	defer r.Close()

	tmp, err := os.CreateTemp("", "statflow-*"+filepath.Ext(path))
	if err != nil {
		return "", nil, fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("downloading %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, err
	}
	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}
