package results

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/packlab-io/packlab-go/internal/domain"
	platformstore "github.com/packlab-io/packlab-go/internal/platform/objectstore"
)

const (
	metaActualCost = "actual-cost-micros"
	metaSHA256     = "result-sha256"
)

type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(cfg platformstore.Config) (*MinioStore, error) {
	client, err := platformstore.NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	return &MinioStore{client: client, bucket: cfg.BucketResults}, nil
}

func NewMinioStoreWithClient(client *minio.Client, bucket string) (*MinioStore, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, body io.Reader, size int64, meta Meta) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("results store not initialized")
	}
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	userMeta := map[string]string{
		metaSHA256: meta.SHA256,
	}
	if meta.CostKnown {
		userMeta[metaActualCost] = strconv.FormatInt(int64(meta.ActualCost), 10)
	}
	opts := minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: userMeta,
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, body, size, opts)
	return err
}

func (s *MinioStore) Stat(ctx context.Context, key string) (Meta, bool, error) {
	if s == nil || s.client == nil {
		return Meta{}, false, fmt.Errorf("results store not initialized")
	}
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.StatusCode == http.StatusNotFound {
			return Meta{}, false, nil
		}
		return Meta{}, false, err
	}
	meta := Meta{
		SHA256:      lookupUserMeta(info.UserMetadata, metaSHA256),
		Size:        info.Size,
		ContentType: info.ContentType,
	}
	if raw := lookupUserMeta(info.UserMetadata, metaActualCost); raw != "" {
		cost, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Meta{}, false, fmt.Errorf("parse %s metadata: %w", metaActualCost, err)
		}
		meta.ActualCost = domain.Micros(cost)
		meta.CostKnown = true
	}
	return meta, true, nil
}

func (s *MinioStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return "", fmt.Errorf("results store not initialized")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, nil)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// lookupUserMeta tolerates the header canonicalization S3 gateways apply to
// user metadata keys.
func lookupUserMeta(meta minio.StringMap, key string) string {
	if v, ok := meta[key]; ok {
		return v
	}
	if v, ok := meta[http.CanonicalHeaderKey(key)]; ok {
		return v
	}
	for k, v := range meta {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
