package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tabular-platform/internal/config"
)

// DefaultPartSize bounds transfer chunks; the provider default of 100MB is
// too big for slow links.
const DefaultPartSize = int64(10 * 1024 * 1024)

// Client is the object-store collaborator: bucket-scoped download, upload,
// delete, and a best-effort delete that never fails loudly.
type Client struct {
	s3         *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	opTimeout  time.Duration
	log        *slog.Logger
}

// New builds a client from config, honoring a custom endpoint for
// MinIO-style stores.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*Client, error) {
	if cfg.ArtifactBucket == "" {
		return nil, fmt.Errorf("artifact bucket is not configured")
	}
	if log == nil {
		log = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtifactS3Region),
	}
	if cfg.ArtifactS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArtifactS3Endpoint,
					HostnameImmutable: cfg.ArtifactS3PathStyle,
					SigningRegion:     cfg.ArtifactS3Region,
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
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	})

	partSize := cfg.ArtifactPartSize
	if partSize <= 0 || partSize > DefaultPartSize {
		partSize = DefaultPartSize
	}
	opTimeout := cfg.ReapKeyTimeout
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}

	return &Client{
		s3: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSize
		}),
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = partSize
		}),
		bucket:    cfg.ArtifactBucket,
		opTimeout: opTimeout,
		log:       log,
	}, nil
}

// Download fetches key into destPath and returns the local path. An empty
// destPath writes to a temp file keeping the key's extension.
func (c *Client) Download(ctx context.Context, key, destPath string) (string, error) {
	if destPath == "" {
		f, err := os.CreateTemp("", "artifact-*"+filepath.Ext(key))
		if err != nil {
			return "", fmt.Errorf("create temp file: %w", err)
		}
		destPath = f.Name()
		f.Close()
	}
	f, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", destPath, err)
	}
	defer f.Close()

	_, err = c.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("download %s: %w", key, err)
	}
	c.log.Info("downloaded artifact", "key", key, "path", destPath)
	return destPath, nil
}

// Upload stores the local file under key using bounded-size parts.
func (c *Client) Upload(ctx context.Context, srcPath, key string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer f.Close()

	_, err = c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	c.log.Info("uploaded artifact", "key", key, "path", srcPath)
	return nil
}

// Delete removes key from the bucket. Deleting an absent key is not an
// error.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// TryDelete deletes key under a bounded deadline and never fails loudly: a
// hung or refused delete is logged and reported as false so callers can
// keep going. Empty keys are a no-op.
func (c *Client) TryDelete(ctx context.Context, key string) bool {
	if key == "" {
		return true
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	c.log.Info("attempting remote delete", "key", key)
	if err := c.Delete(opCtx, key); err != nil {
		c.log.Error("remote delete failed", "key", key, "error", err)
		return false
	}
	return true
}
