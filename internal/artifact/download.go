package artifact

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	getter "github.com/hashicorp/go-getter"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// URLSource downloads the model once into CacheDir and reuses it afterwards. Any
// URL go-getter understands works, including a "?checksum=sha256:..." suffix.
type URLSource struct {
	URL      string
	CacheDir string
	Attempts uint64
	Backoff  time.Duration

	logger *zap.Logger
}

func (s *URLSource) String() string { return "url:" + s.URL }

func (s *URLSource) Fetch(ctx context.Context) (string, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return "", fmt.Errorf("parse model url: %w", err)
	}
	name, err := cacheName(u.Path)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(s.CacheDir, name)

	logger := s.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cachedFile(dst) {
		logger.Info("using cached model artifact", zap.String("path", dst))
		return dst, nil
	}
	if err := os.MkdirAll(s.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create model cache dir: %w", err)
	}

	partial := dst + ".partial"
	attempts := s.Attempts
	if attempts == 0 {
		attempts = 1
	}
	backoff := retry.WithMaxRetries(attempts-1, retry.NewExponential(defaultBackoff(s.Backoff)))

	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		_ = os.Remove(partial)
		client := &getter.Client{
			Ctx:  ctx,
			Src:  s.URL,
			Dst:  partial,
			Mode: getter.ClientModeFile,
			// Model files are never unpacked.
			Decompressors: map[string]getter.Decompressor{},
		}
		if err := client.Get(); err != nil {
			logger.Warn("model download failed", zap.Error(err), zap.Int("attempt", attempt))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("download model from %s: %w", s.URL, err)
	}

	if err := os.Rename(partial, dst); err != nil {
		return "", fmt.Errorf("store downloaded model: %w", err)
	}
	logger.Info("downloaded model artifact", zap.String("url", s.URL), zap.String("path", dst))
	return dst, nil
}
