// Package archive keeps a copy of failed queue items an operator discards.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/models"
)

// Uploader stores an archived object and returns where it went.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Record is the JSON document written for a discarded item.
type Record struct {
	Item        models.QueueItem `json:"item"`
	DiscardedAt time.Time        `json:"discarded_at"`
	DiscardedBy string           `json:"discarded_by,omitempty"`
}

// Archiver writes discard records through an Uploader.
type Archiver struct {
	uploader Uploader
	now      func() time.Time
}

func New(u Uploader) *Archiver {
	return &Archiver{uploader: u, now: time.Now}
}

// NewFromConfig archives to S3 when ARCHIVE_S3_BUCKET is set and to
// ARCHIVE_DIR otherwise.
func NewFromConfig(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return New(&S3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}), nil
	}
	dir := cfg.ArchiveDir
	if dir == "" {
		dir = "./data/archive"
	}
	return New(&LocalUploader{BaseDir: dir}), nil
}

// Archive stores item and returns the location of the record.
func (a *Archiver) Archive(ctx context.Context, item models.QueueItem, discardedBy string) (string, error) {
	if a == nil || a.uploader == nil {
		return "", errors.New("archive: no uploader configured")
	}
	rec := Record{Item: item, DiscardedAt: a.now().UTC(), DiscardedBy: discardedBy}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal archive record: %w", err)
	}
	loc, err := a.uploader.Upload(ctx, Key(item), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("archive item %s: %w", item.ID, err)
	}
	return loc, nil
}

// Key is the object key of an item's archive record: tenant/table/seq-id.json.
func Key(item models.QueueItem) string {
	return sanitizeKey(fmt.Sprintf("%s/%s/%020d-%s.json", item.TenantID, item.TableName, item.Seq, item.ID))
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

// LocalUploader writes objects under BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, filepath.FromSlash(sanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Uploader puts objects into a bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func NewS3Uploader(client *s3.Client, bucket string) *S3Uploader {
	return &S3Uploader{client: client, bucket: bucket}
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}
