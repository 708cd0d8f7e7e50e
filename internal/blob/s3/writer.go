package s3blob

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// minPartSize is the smallest multipart part S3 accepts.
const minPartSize int64 = 5 << 20

// Writer implements domain.BlobWriter. Archive objects are write-once:
// Put refuses to overwrite an existing key.
type Writer struct{ *Client }

// NewWriter writes to c's bucket.
func NewWriter(c *Client) *Writer { return &Writer{c} }

var _ domain.BlobWriter = (*Writer)(nil)

// Put uploads data in one request. An existing key yields
// domain.ErrAlreadyExists.
func (w *Writer) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	_, err := w.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if statusIs(err, http.StatusPreconditionFailed) {
			return fmt.Errorf("s3blob: put %s: %w", key, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("s3blob: put %s: %w", key, err)
	}
	return nil
}

// PutMultipart uploads data in parts of at least partSize bytes.
func (w *Writer) PutMultipart(ctx context.Context, key string, data io.Reader, contentType string, partSize int64) error {
	uploader := manager.NewUploader(w.api, func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
	})
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", key, err)
	}
	return nil
}
