package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"unsubscribe-engine/internal/config"
	"unsubscribe-engine/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Exporter delivers rendered audit exports to local disk or S3.
type Exporter struct {
	local uploader
	s3    uploader
}

// New constructs the exporter. S3 delivery is available only when
// EXPORT_S3_BUCKET is configured.
func New(ctx context.Context, cfg config.Config) (*Exporter, error) {
	baseDir := cfg.ExportDir
	if baseDir == "" {
		baseDir = "./exports"
	}

	var s3Upload uploader
	if cfg.ExportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ExportS3Bucket}
	}

	return &Exporter{
		local: &localUploader{baseDir: baseDir},
		s3:    s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

// Export renders the records as CSV and delivers them to the chosen
// destination ("local", "s3", or "" for the default). Returns where the
// file landed, either a filesystem path or an s3:// URL.
func (e *Exporter) Export(ctx context.Context, records []models.AuditRecord, destination string) (string, error) {
	buf := &bytes.Buffer{}
	if err := WriteCSV(buf, records); err != nil {
		return "", fmt.Errorf("render csv: %w", err)
	}

	up, err := e.pickUploader(destination)
	if err != nil {
		return "", err
	}
	location, err := up.Upload(ctx, ExportKey(time.Now().UTC()), buf.Bytes(), "text/csv")
	if err != nil {
		return "", fmt.Errorf("upload export: %w", err)
	}
	return location, nil
}

// ExportKey names an export object for the given time.
func ExportKey(ts time.Time) string {
	return fmt.Sprintf("audit/export-%s.csv", ts.Format("20060102-150405"))
}

func (e *Exporter) pickUploader(destination string) (uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if e.s3 != nil {
			return e.s3, nil
		}
		return nil, errors.New("destination s3 requested but EXPORT_S3_BUCKET is not configured")
	case "local", "":
		if e.local != nil {
			return e.local, nil
		}
	}
	if e.local != nil {
		return e.local, nil
	}
	return nil, errors.New("no export destination configured")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
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
