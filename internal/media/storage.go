package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const deleteSourceRetries = 3

// StorageConfig configures the object-storage client.
type StorageConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	DownloadTimeout time.Duration
	UploadRetries   int
}

// Storage handles all object-store traffic for the pipeline: presigned
// source access, streamed downloads, policy-tagged uploads, source deletion.
type Storage struct {
	client        *s3.Client
	presigner     *s3.PresignClient
	httpClient    *http.Client
	bucket        string
	uploadRetries int
	logger        *zap.Logger
}

// NewStorage builds the S3 client, honoring a custom endpoint for
// S3-compatible stores.
func NewStorage(ctx context.Context, cfg StorageConfig, logger *zap.Logger) (*Storage, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: cfg.PathStyle,
					SigningRegion:     cfg.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	})
	timeout := cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	retries := cfg.UploadRetries
	if retries <= 0 {
		retries = 4
	}
	return &Storage{
		client:        client,
		presigner:     s3.NewPresignClient(client),
		httpClient:    &http.Client{Timeout: timeout},
		bucket:        cfg.Bucket,
		uploadRetries: retries,
		logger:        logger,
	}, nil
}

// PresignGet returns a time-limited URL for the source object.
func (s *Storage) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	out, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return out.URL, nil
}

// Download streams url into dest. It writes to a .part file and renames on
// success so a crashed download never leaves a plausible-looking file, and
// it fails when the byte count does not match a provided Content-Length.
func (s *Storage) Download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("download source: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("create part file: %w", err)
	}
	written, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		_ = os.Remove(part)
		return fmt.Errorf("stream source: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(part)
		return fmt.Errorf("flush part file: %w", closeErr)
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		_ = os.Remove(part)
		return fmt.Errorf("short download: got %d bytes, want %d", written, resp.ContentLength)
	}
	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("finalize download: %w", err)
	}
	return nil
}

// UploadTree uploads every file under root to keyPrefix, preserving relative
// paths. Each upload is retried with exponential backoff before the tree (and
// therefore the job) is failed.
func (s *Storage) UploadTree(ctx context.Context, root, keyPrefix string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := keyPrefix + "/" + filepath.ToSlash(rel)
		return s.uploadFile(ctx, path, key)
	})
}

func (s *Storage) uploadFile(ctx context.Context, path, key string) error {
	contentType, cacheControl := artifactPolicy(path)
	var lastErr error
	for attempt := 1; attempt <= s.uploadRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-2)) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open artifact %s: %w", path, err)
		}
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:       aws.String(s.bucket),
			Key:          aws.String(key),
			Body:         f,
			ContentType:  aws.String(contentType),
			CacheControl: aws.String(cacheControl),
		})
		f.Close()
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn("artifact upload failed", zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
	}
	return fmt.Errorf("upload %s: %w", key, lastErr)
}

// DeleteSource removes the original source object with bounded retries. It
// never returns an error: a stubborn object is left for the cleanup job and
// must not revert a completed transcode.
func (s *Storage) DeleteSource(ctx context.Context, bucket, key string) {
	for attempt := 1; attempt <= deleteSourceRetries; attempt++ {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			return
		}
		s.logger.Warn("source delete failed", zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	s.logger.Error("source left behind for cleanup job", zap.String("bucket", bucket), zap.String("key", key))
}

// artifactPolicy returns the Content-Type and Cache-Control for an output
// artifact: manifests are never cached (they change on re-transcode),
// segments are immutable, thumbnails sit in between.
func artifactPolicy(path string) (contentType, cacheControl string) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl", "no-cache"
	case ".ts":
		return "video/MP2T", "public, max-age=31536000, immutable"
	case ".jpg", ".jpeg":
		return "image/jpeg", "public, max-age=86400"
	case ".png":
		return "image/png", "public, max-age=86400"
	default:
		return "application/octet-stream", "no-cache"
	}
}
