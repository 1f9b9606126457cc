// Package artifacts serves artifacts that executors uploaded to an S3
// compatible blob store. Objects live at runs/<run id>/<path>.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"tangled.sh/tangled.sh/conveyor/conveyor/config"
	"tangled.sh/tangled.sh/conveyor/conveyor/models"
)

var ErrInvalidPath = errors.New("invalid artifact path")

type Info struct {
	Size        int64
	ContentType string
	ModTime     time.Time
}

type Store struct {
	client *minio.Client
	bucket string
	region string
}

func New(cfg config.Artifacts) (*Store, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("endpoint is required")
	}
	if strings.Contains(cfg.Endpoint, "://") {
		return nil, fmt.Errorf("endpoint must not include scheme: %q", cfg.Endpoint)
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, err
	}

	return &Store{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
}

// Open streams an artifact of a run. The caller closes the reader.
func (s *Store) Open(ctx context.Context, runId, artifact string) (io.ReadCloser, Info, error) {
	key, err := ObjectKey(runId, artifact)
	if err != nil {
		return nil, Info{}, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, Info{}, err
	}

	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, Info{}, &models.NotFoundError{Kind: "artifact", Id: artifact}
		}
		return nil, Info{}, err
	}

	return obj, Info{Size: stat.Size, ContentType: stat.ContentType, ModTime: stat.LastModified}, nil
}

// ObjectKey maps a declared artifact path onto its object key.
func ObjectKey(runId, artifact string) (string, error) {
	if runId == "" || strings.Contains(runId, "/") {
		return "", fmt.Errorf("%w: run id %q", ErrInvalidPath, runId)
	}

	clean := path.Clean("/" + strings.TrimSpace(artifact))
	if clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, artifact)
	}

	return path.Join("runs", runId, clean), nil
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
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
