// Package local files error screenshots under a directory on disk.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config names the screenshot directory.
type Config struct {
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore implements crawler.BlobStore on the local filesystem. Files are
// written to a temporary name and renamed, so readers never see a partial PNG.
type BlobStore struct {
	root string
}

// New prepares BaseDir, creating it when missing.
func New(cfg Config) (*BlobStore, error) {
	root := strings.TrimSpace(cfg.BaseDir)
	if root == "" {
		return nil, errors.New("screenshot directory is required")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve screenshot directory: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create screenshot directory: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat screenshot directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	return &BlobStore{root: root}, nil
}

// PutObject writes data at root/p and returns a file:// URI.
func (s *BlobStore) PutObject(_ context.Context, p string, _ string, data []byte) (string, error) {
	dst, err := s.resolve(p)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return "", fmt.Errorf("stage screenshot: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return "", fmt.Errorf("chmod screenshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("publish screenshot: %w", err)
	}
	return "file://" + dst, nil
}

// resolve maps p under root and rejects paths that escape it.
func (s *BlobStore) resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("path is required")
	}
	rel, err := filepath.Rel(s.root, filepath.Join(s.root, filepath.FromSlash(p)))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %s", p, s.root)
	}
	return filepath.Join(s.root, rel), nil
}
