package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// Put uploads data in one request, or in parts once it outgrows the
// multipart threshold.
func (c *Client) Put(ctx context.Context, path string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(c.key(path)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}

	var err error
	if len(data) > multipartThreshold {
		_, err = c.uploader.Upload(ctx, input)
	} else {
		_, err = c.api.PutObject(ctx, input)
	}
	if err != nil {
		return fmt.Errorf("s3blob: put %s (%d bytes): %w", path, len(data), err)
	}
	return nil
}

// Get opens the object at path. Missing objects yield domain.ErrNotFound.
func (c *Client) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(path)),
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("s3blob: get %s: %w", path, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("s3blob: get %s: %w", path, err)
	}
	return out.Body, nil
}

// List returns every object under prefix with paths relative to the
// client's key prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	pages := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.key(prefix)),
	})

	var infos []domain.BlobInfo
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			infos = append(infos, c.info(obj))
		}
	}
	return infos, nil
}

// Exists reports whether an object is stored at path.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(path)),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("s3blob: head %s: %w", path, err)
	}
	return true, nil
}

func (c *Client) info(obj types.Object) domain.BlobInfo {
	info := domain.BlobInfo{
		Path: strings.TrimPrefix(aws.ToString(obj.Key), c.prefix),
		Size: aws.ToInt64(obj.Size),
	}
	if obj.LastModified != nil {
		info.LastModified = *obj.LastModified
	}
	return info
}

// isNotFound matches NoSuchKey from GetObject and the bare 404 HeadObject
// and several S3-compatible providers answer with.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

var _ domain.BlobStore = (*Client)(nil)
