package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "tradeguard/internal/errors"
)

// FileStore keeps state documents as files under a base directory.
type FileStore struct {
	baseDir string
	now     func() time.Time
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		return nil, apperrors.NewValidationError("state_dir", baseDir, "must not be empty")
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, apperrors.NewPersistenceError("init", baseDir, err)
	}
	return &FileStore{baseDir: baseDir, now: time.Now}, nil
}

// path resolves key under the base directory, refusing escapes.
func (s *FileStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", apperrors.NewValidationError("key", key, "must be a relative path inside the state directory")
	}
	return filepath.Join(s.baseDir, clean), nil
}

// Save writes data atomically.
func (s *FileStore) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewPersistenceError("save", key, err)
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return apperrors.NewPersistenceError("save", key, err)
	}
	if err := writeFileAtomic(p, data, 0o600); err != nil {
		return apperrors.NewPersistenceError("save", key, err)
	}
	return nil
}

// Load reads the document stored under key.
func (s *FileStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewPersistenceError("load", key, err)
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.ErrStateNotFound
		}
		return nil, apperrors.NewPersistenceError("load", key, err)
	}
	return data, nil
}

// Backup copies the current document next to it with a timestamp suffix.
func (s *FileStore) Backup(ctx context.Context, key string) error {
	data, err := s.Load(ctx, key)
	if err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	backup := fmt.Sprintf("%s.%s.bak", p, s.now().UTC().Format("20060102T150405.000000000"))
	if err := writeFileAtomic(backup, data, 0o600); err != nil {
		return apperrors.NewPersistenceError("backup", key, err)
	}
	return nil
}

// writeFileAtomic writes data to path atomically (tmp file + fsync + rename).
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	// best-effort fsync of the parent dir
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
