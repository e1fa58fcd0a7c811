package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"document-job-queue/internal/config"
)

// ErrObjectNotFound is returned when a referenced file does not exist. The text is matched by Classify.
var ErrObjectNotFound = errors.New("file_not_found")

// ObjectStore holds uploaded documents and rendered reports.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, string, error)
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// NewObjectStore picks S3 when a bucket is configured and the local filesystem otherwise.
func NewObjectStore(ctx context.Context, cfg config.Storage) (ObjectStore, error) {
	if cfg.Bucket == "" {
		dir := cfg.LocalDir
		if dir == "" {
			dir = "./data"
		}
		return &LocalObjects{BaseDir: dir, MaxBytes: cfg.MaxBytes}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Objects{client: client, bucket: cfg.Bucket, maxBytes: cfg.MaxBytes}, nil
}

func newS3Client(ctx context.Context, cfg config.Storage) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// S3Objects stores objects in one bucket.
type S3Objects struct {
	client   *s3.Client
	bucket   string
	maxBytes int64
}

func (s *S3Objects) Get(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(sanitizeKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, "", fmt.Errorf("%w: s3://%s/%s", ErrObjectNotFound, s.bucket, key)
		}
		return nil, "", fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	body, err := readLimited(out.Body, s.maxBytes)
	if err != nil {
		return nil, "", err
	}
	return body, aws.ToString(out.ContentType), nil
}

func (s *S3Objects) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
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

// LocalObjects stores objects under BaseDir. Used for development and tests.
type LocalObjects struct {
	BaseDir  string
	MaxBytes int64
}

func (l *LocalObjects) Get(_ context.Context, key string) ([]byte, string, error) {
	f, err := os.Open(filepath.Join(l.BaseDir, sanitizeKey(key)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, "", fmt.Errorf("open object: %w", err)
	}
	defer f.Close()
	body, err := readLimited(f, l.MaxBytes)
	if err != nil {
		return nil, "", err
	}
	return body, contentTypeFor(key), nil
}

func (l *LocalObjects) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("object too large (>%d bytes)", limit)
	}
	return body, nil
}

// sanitizeKey keeps keys relative so they cannot escape the bucket prefix or base dir.
func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

func contentTypeFor(key string) string {
	switch strings.ToLower(filepath.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".bmp":
		return "image/bmp"
	case ".pdf":
		return "application/pdf"
	case ".html":
		return "text/html"
	}
	return "application/octet-stream"
}
