// Package s3 archives scan reports to S3-compatible object storage.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/yourorg/wpsentinel-worker/internal/model"
)

type Client struct {
	mc     *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey string, useSSL bool, bucket string) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &Client{mc: mc, bucket: bucket}, nil
}

// ReportKey is the object key a job's report is stored under.
func ReportKey(jobID string) string {
	return fmt.Sprintf("reports/%s.json", jobID)
}

func (c *Client) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// ArchiveReport uploads r as JSON and returns the object key.
func (c *Client) ArchiveReport(ctx context.Context, r model.ScanReport) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	key := ReportKey(r.JobID)
	if err := c.Upload(ctx, key, b, "application/json"); err != nil {
		return "", fmt.Errorf("upload report %s: %w", key, err)
	}
	return key, nil
}
