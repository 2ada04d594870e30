// Package offsite replicates committed backup archives to S3-compatible object storage.
package offsite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/repokeeper/pkg/backup"
	"github.com/dukex/repokeeper/pkg/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrIncompleteConfig = errors.New("offsite storage requires endpoint, bucket and credentials")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	Prefix    string
	UseSSL    bool
}

// ConfigFromEnv reads REPOKEEPER_S3_* variables. Enabled is false when no endpoint is set.
func ConfigFromEnv() (Config, bool) {
	cfg := Config{
		Endpoint:  os.Getenv("REPOKEEPER_S3_ENDPOINT"),
		AccessKey: os.Getenv("REPOKEEPER_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("REPOKEEPER_S3_SECRET_KEY"),
		Bucket:    os.Getenv("REPOKEEPER_S3_BUCKET"),
		Region:    os.Getenv("REPOKEEPER_S3_REGION"),
		Prefix:    os.Getenv("REPOKEEPER_S3_PREFIX"),
	}

	cfg.UseSSL, _ = strconv.ParseBool(os.Getenv("REPOKEEPER_S3_USE_SSL"))

	return cfg, cfg.Endpoint != ""
}

func (c Config) Validate() error {
	if c.Endpoint == "" || c.Bucket == "" || c.AccessKey == "" || c.SecretKey == "" {
		return ErrIncompleteConfig
	}

	return nil
}

// Store implements backup.Replicator on top of a MinIO client.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
	logger *slog.Logger
}

var _ backup.Replicator = (*Store)(nil)

// NewStore connects to the endpoint and creates the bucket when missing.
func NewStore(ctx context.Context, logger *slog.Logger, cfg Config) (*Store, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	err = ensureBucket(ctx, client, cfg.Bucket, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure bucket %s: %w", cfg.Bucket, err)
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.With("module", "offsite"),
	}, nil
}

func (s *Store) key(record *models.BackupRecord) string {
	name := record.ID + backup.ArchiveExtension
	if s.prefix == "" {
		return name
	}

	return path.Join(s.prefix, name)
}

func (s *Store) Upload(ctx context.Context, record *models.BackupRecord, archivePath string) (string, error) {
	key := s.key(record)

	info, err := s.client.FPutObject(ctx, s.bucket, key, archivePath, minio.PutObjectOptions{
		ContentType: "application/zstd",
		UserMetadata: map[string]string{
			"checksum": record.Checksum,
			"source":   record.SourcePath,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	s.logger.InfoContext(ctx, "archive replicated", "backup_id", record.ID, "bucket", s.bucket, "key", key, "size", info.Size)

	return key, nil
}

func (s *Store) Download(ctx context.Context, key string, w io.Writer) error {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer object.Close()

	_, err = io.Copy(w, object)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", key, err)
	}

	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}

	return nil
}

// Exists reports whether key is present in the bucket.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}

	return false, err
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}

	if exists {
		return nil
	}

	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
