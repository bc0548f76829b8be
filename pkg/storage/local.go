package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStorage stores objects on the local filesystem under a base directory.
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates a filesystem-backed store rooted at baseDir.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &LocalStorage{baseDir: baseDir}, nil
}

// AbsPath returns the filesystem path of an object. The embedded analytical
// engine needs real file paths, so local storage exposes them directly.
func (s *LocalStorage) AbsPath(path string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(path))
}

func (s *LocalStorage) Put(ctx context.Context, path string, data io.Reader) error {
	dst := s.AbsPath(path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating parent dir for %s: %w", path, err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, data); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func (s *LocalStorage) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(s.AbsPath(path))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, nil
}

func (s *LocalStorage) Delete(ctx context.Context, path string) error {
	if err := os.Remove(s.AbsPath(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

func (s *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(s.AbsPath(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *LocalStorage) ExistsPrefix(ctx context.Context, prefix string) (bool, error) {
	info, err := os.Stat(s.AbsPath(prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return true, nil
	}
	entries, err := os.ReadDir(s.AbsPath(prefix))
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

func (s *LocalStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	root := s.AbsPath(prefix)
	var objects []ObjectInfo
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{
			Path:         filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}
	return objects, nil
}

func (s *LocalStorage) Copy(ctx context.Context, src, dst string) error {
	in, err := s.Get(ctx, src)
	if err != nil {
		return err
	}
	defer in.Close()
	return s.Put(ctx, dst, in)
}

func (s *LocalStorage) DeletePrefix(ctx context.Context, prefix string) error {
	if err := os.RemoveAll(s.AbsPath(prefix)); err != nil {
		return fmt.Errorf("deleting prefix %s: %w", prefix, err)
	}
	return nil
}

func (s *LocalStorage) Scheme() string {
	return "file"
}
