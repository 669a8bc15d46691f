// Package storage archives raw provider payloads in object storage so a
// ranking record can be re-parsed or audited later.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hsn0918/serptrack/internal/logger"
)

// RawArchive 将原始响应体按记录 ID 写入对象存储。
type RawArchive struct {
	client *minio.Client
	bucket string
	log    *slog.Logger
}

// NewRawArchive 连接 MinIO 并确保桶存在。
func NewRawArchive(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*RawArchive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: connect: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("minio: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio: create bucket: %w", err)
		}
	}

	return &RawArchive{
		client: client,
		bucket: bucket,
		log:    logger.Get().With("component", "raw_archive"),
	}, nil
}

// ArchiveRaw stores one payload under raw/<date>/<record-id>.json and
// returns the object key.
func (a *RawArchive) ArchiveRaw(ctx context.Context, recordID string, payload []byte) (string, error) {
	key := fmt.Sprintf("raw/%s/%s.json", time.Now().UTC().Format("2006-01-02"), recordID)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("minio: put object: %w", err)
	}
	a.log.Debug("raw payload archived", "key", key, "bytes", len(payload))
	return key, nil
}

// Fetch retrieves an archived payload by its object key.
func (a *RawArchive) Fetch(ctx context.Context, key string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio: get object: %w", err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, fmt.Errorf("minio: read object: %w", err)
	}
	return buf.Bytes(), nil
}
