package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/votemarket/internal/domain"
)

// minPartSize is the minimum allowed part size for S3 multipart uploads (5 MiB).
const minPartSize int64 = 5 * 1024 * 1024

// Writer implements domain.BlobWriter. Uploads go through the transfer
// manager, which issues a single PutObject for small bodies and switches to
// multipart for archives larger than one part.
type Writer struct {
	bucket   string
	uploader *manager.Uploader
}

// NewWriter creates a Writer for the client's bucket. partSize below the S3
// minimum is raised to 5 MiB.
func NewWriter(c *Client, partSize int64) *Writer {
	if partSize < minPartSize {
		partSize = minPartSize
	}
	return &Writer{
		bucket: c.Bucket(),
		uploader: manager.NewUploader(c.S3(), func(u *manager.Uploader) {
			u.PartSize = partSize
		}),
	}
}

// Put uploads data to path.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	_, err := w.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: put object %s: %w", path, err)
	}
	return nil
}

var _ domain.BlobWriter = (*Writer)(nil)
