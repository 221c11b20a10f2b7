package s3blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/proposalbond/internal/domain"
)

// minPartSize is the minimum allowed part size for S3 multipart uploads (5 MiB).
const minPartSize int64 = 5 * 1024 * 1024

// Writer implements domain.BlobWriter. Every key is placed under a fixed
// prefix so several deployments can share one bucket.
type Writer struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewWriter creates a Writer for the client's bucket. An empty prefix writes
// keys at the bucket root.
func NewWriter(c *Client, prefix string) *Writer {
	return &Writer{
		client: c.api,
		bucket: c.bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Key returns the object key that p is stored under.
func (w *Writer) Key(p string) string {
	p = strings.TrimPrefix(p, "/")
	if w.prefix == "" {
		return p
	}
	return path.Join(w.prefix, p)
}

// Put uploads data as a single PutObject request.
func (w *Writer) Put(ctx context.Context, p string, data io.Reader, contentType string) error {
	key := w.Key(p)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	}

	if _, err := w.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", key, err)
	}
	return nil
}

// PutMultipart uploads data through the multipart upload manager. Part sizes
// below the S3 minimum (5 MiB) are clamped to it.
func (w *Writer) PutMultipart(ctx context.Context, p string, data io.Reader, partSize int64) error {
	if partSize < minPartSize {
		partSize = minPartSize
	}
	key := w.Key(p)

	uploader := manager.NewUploader(w.client, func(u *manager.Uploader) {
		u.PartSize = partSize
	})

	input := &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
		Body:   data,
	}

	if _, err := uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", key, err)
	}
	return nil
}

var _ domain.BlobWriter = (*Writer)(nil)
