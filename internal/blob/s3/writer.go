package s3blob

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/marcusleung/fundingbot/internal/domain"
)

// multipartThreshold is the object size above which uploads switch to the
// multipart manager.
const multipartThreshold = 8 * 1024 * 1024

// minPartSize is the minimum allowed S3 multipart part size (5 MiB).
const minPartSize int64 = 5 * 1024 * 1024

// Writer implements domain.BlobWriter using an S3-compatible backend.
type Writer struct {
	client *s3.Client
	bucket string
}

// NewWriter creates a Writer that uploads objects to the client's bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{
		client: c.S3(),
		bucket: c.Bucket(),
	}
}

// Write uploads data under the given key. Large payloads go through the
// multipart upload manager.
func (w *Writer) Write(ctx context.Context, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}

	if len(data) > multipartThreshold {
		uploader := manager.NewUploader(w.client, func(u *manager.Uploader) {
			u.PartSize = minPartSize
		})
		if _, err := uploader.Upload(ctx, input); err != nil {
			return fmt.Errorf("s3blob: multipart upload %s: %w", key, err)
		}
		return nil
	}

	if _, err := w.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BlobWriter = (*Writer)(nil)
