package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3Source downloads the model object into CacheDir. Endpoint and static keys
// allow MinIO or other S3 compatible stores.
type S3Source struct {
	Bucket    string
	Key       string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	CacheDir  string
	// MaxAttempts bounds the SDK's own retries per request; zero keeps its default.
	MaxAttempts int

	logger *zap.Logger
}

func (s *S3Source) String() string { return fmt.Sprintf("s3://%s/%s", s.Bucket, s.Key) }

func (s *S3Source) Fetch(ctx context.Context) (string, error) {
	name, err := cacheName(s.Key)
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

	client, err := s.client(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.CacheDir, 0o755); err != nil {
		return "", fmt.Errorf("create model cache dir: %w", err)
	}

	partial := dst + ".partial"
	f, err := os.Create(partial)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", partial, err)
	}

	n, err := manager.NewDownloader(client).Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("download %s: %w", s, err)
	}
	if err := os.Rename(partial, dst); err != nil {
		return "", fmt.Errorf("store downloaded model: %w", err)
	}

	logger.Info("downloaded model artifact", zap.String("object", s.String()), zap.Int64("bytes", n))
	return dst, nil
}

func (s *S3Source) client(ctx context.Context) (*s3.Client, error) {
	if s.AccessKey != "" {
		return s3.NewFromConfig(aws.Config{Region: s.Region}, func(o *s3.Options) {
			s.applyOptions(o)
			o.Credentials = credentials.NewStaticCredentialsProvider(s.AccessKey, s.SecretKey, "")
		}), nil
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, s.applyOptions), nil
}

func (s *S3Source) applyOptions(o *s3.Options) {
	if s.Endpoint != "" {
		o.BaseEndpoint = aws.String(s.Endpoint)
		o.UsePathStyle = true
	}
	if s.MaxAttempts > 0 {
		o.RetryMaxAttempts = s.MaxAttempts
	}
}
