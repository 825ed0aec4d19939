// Package artifact resolves the model file to a local path, wherever it is stored.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/example/lesion-check/internal/config"
)

// Source yields a filesystem path to the model artifact.
type Source interface {
	Fetch(ctx context.Context) (string, error)
	String() string
}

// NewSource builds the Source selected by cfg.Source.
func NewSource(cfg config.ModelConfig, logger *zap.Logger) (Source, error) {
	switch cfg.Source {
	case config.SourceLocal:
		return &LocalSource{Path: cfg.Path}, nil
	case config.SourceBundled:
		return &BundledSource{Name: cfg.Path}, nil
	case config.SourceURL:
		return &URLSource{
			URL:      cfg.URL,
			CacheDir: cfg.CacheDir,
			Attempts: cfg.DownloadAttempts,
			Backoff:  cfg.DownloadBackoff,
			logger:   logger.Named("artifact.url"),
		}, nil
	case config.SourceS3:
		return &S3Source{
			Bucket:      cfg.S3.Bucket,
			Key:         cfg.S3.Key,
			Region:      cfg.S3.Region,
			Endpoint:    cfg.S3.Endpoint,
			AccessKey:   cfg.S3.AccessKey,
			SecretKey:   cfg.S3.SecretKey,
			CacheDir:    cfg.CacheDir,
			MaxAttempts: int(cfg.DownloadAttempts),
			logger:      logger.Named("artifact.s3"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown model source %q", cfg.Source)
	}
}

// LocalSource is a model file already present on disk.
type LocalSource struct {
	Path string
}

func (s *LocalSource) Fetch(ctx context.Context) (string, error) {
	return checkFile(s.Path)
}

func (s *LocalSource) String() string { return "local:" + s.Path }

// BundledSource is a model shipped next to the executable, as in serverless bundles.
type BundledSource struct {
	Name string

	executable func() (string, error)
}

func (s *BundledSource) Fetch(ctx context.Context) (string, error) {
	if filepath.IsAbs(s.Name) {
		return checkFile(s.Name)
	}
	exe := s.executable
	if exe == nil {
		exe = os.Executable
	}
	bin, err := exe()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(bin); err == nil {
		bin = resolved
	}
	return checkFile(filepath.Join(filepath.Dir(bin), s.Name))
}

func (s *BundledSource) String() string { return "bundled:" + s.Name }

func checkFile(p string) (string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("model artifact %s: %w", p, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("model artifact %s is a directory", p)
	}
	return p, nil
}

// cachedFile reports whether a non-empty artifact already sits at p.
func cachedFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir() && info.Size() > 0
}

// cacheName derives the cached filename from a URL or object key path.
func cacheName(p string) (string, error) {
	name := path.Base(p)
	if name == "" || name == "." || name == "/" {
		return "", errors.New("cannot derive a file name from " + p)
	}
	return name, nil
}

func defaultBackoff(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return d
}
