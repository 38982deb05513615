package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// LocalStore writes evidence images under a directory tree. Meant for
// development and single-node deployments without an object store.
type LocalStore struct {
	baseDir string
	folder  string
	log     zerolog.Logger
}

func NewLocalStore(baseDir, folder string, log zerolog.Logger) (*LocalStore, error) {
	root := filepath.Join(baseDir, folder)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence directory %s: %w", root, err)
	}
	return &LocalStore{baseDir: baseDir, folder: folder, log: log}, nil
}

func (l *LocalStore) root() string {
	return filepath.Join(l.baseDir, l.folder)
}

func (l *LocalStore) Save(_ context.Context, data []byte, name, platePrefix string) (string, string, error) {
	relativePath := objectFileName(platePrefix, name, time.Now())
	fullPath := filepath.Join(l.root(), filepath.FromSlash(relativePath))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", "", fmt.Errorf("create date directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", "", fmt.Errorf("write image %s: %w", fullPath, err)
	}

	publicURL := fmt.Sprintf("/%s/%s", l.folder, relativePath)
	l.log.Info().Str("path", relativePath).Int("bytes", len(data)).Msg("evidence image saved locally")
	return relativePath, publicURL, nil
}

func (l *LocalStore) URL(_ context.Context, relativePath string, _ time.Duration) (string, error) {
	return fmt.Sprintf("/%s/%s", l.folder, relativePath), nil
}

func (l *LocalStore) Delete(_ context.Context, relativePath string) (bool, error) {
	fullPath := filepath.Join(l.root(), filepath.FromSlash(relativePath))
	err := os.Remove(fullPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete image %s: %w", fullPath, err)
	}
	l.log.Info().Str("path", relativePath).Msg("evidence image deleted locally")
	return true, nil
}

func (l *LocalStore) HealthCheck(context.Context) Health {
	info, err := os.Stat(l.root())
	if err != nil || !info.IsDir() {
		return Health{Type: "local", Status: "unhealthy", Bucket: l.folder}
	}
	return Health{Type: "local", Status: "healthy", Bucket: l.folder}
}

var _ Store = (*LocalStore)(nil)
