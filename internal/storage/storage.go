package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned by Read for missing objects
var ErrNotFound = errors.New("object not found")

// Storage persists captured frames and their sidecars
type Storage interface {
	// Write writes data to a path, creating parents as needed
	Write(ctx context.Context, path string, data []byte) error

	// Read reads data from a path
	Read(ctx context.Context, path string) ([]byte, error)

	// Delete deletes a file; deleting a missing file is not an error
	Delete(ctx context.Context, path string) error

	// Exists checks if a file exists
	Exists(ctx context.Context, path string) (bool, error)

	// List lists file names directly under dir, sorted
	List(ctx context.Context, dir string) ([]string, error)

	// Close releases the backend
	Close() error
}

// Clean normalizes a relative object path and rejects ones escaping the root
func Clean(p string) (string, error) {
	cleaned := path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid path %q", p)
	}
	return cleaned, nil
}

// LocalStorage implements Storage using local filesystem
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{
		baseDir: baseDir,
	}, nil
}

func (s *LocalStorage) fullPath(p string) (string, error) {
	cleaned, err := Clean(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(cleaned)), nil
}

// Write writes data to a file
func (s *LocalStorage) Write(_ context.Context, p string, data []byte) error {
	fullPath, err := s.fullPath(p)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write to a temp file first so readers never see a partial frame
	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// Read reads data from a file
func (s *LocalStorage) Read(_ context.Context, p string) ([]byte, error) {
	fullPath, err := s.fullPath(p)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return data, nil
}

// Delete deletes a file
func (s *LocalStorage) Delete(_ context.Context, p string) error {
	fullPath, err := s.fullPath(p)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

// Exists checks if a file exists
func (s *LocalStorage) Exists(_ context.Context, p string) (bool, error) {
	fullPath, err := s.fullPath(p)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}

	return true, nil
}

// List lists files in a directory. A missing directory lists as empty.
func (s *LocalStorage) List(_ context.Context, dir string) ([]string, error) {
	fullPath, err := s.fullPath(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && !strings.HasSuffix(entry.Name(), ".tmp") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	return files, nil
}

// Close is a no-op for the local filesystem
func (s *LocalStorage) Close() error {
	return nil
}

// BaseDir returns the root directory
func (s *LocalStorage) BaseDir() string {
	return s.baseDir
}
