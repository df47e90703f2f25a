package filegateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Backend implements Backend against an S3 bucket, sharing the same SDK
// client shape as internal/worker's WorkspaceSyncClient. Directories are
// modeled as zero-byte keys ending in "/", the common S3 convention.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backend builds an S3Backend scoped to bucket/prefix.
func NewS3Backend(client *s3.Client, bucket, prefix string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (b *S3Backend) key(path string) string {
	clean := strings.TrimPrefix(path, "/")
	if b.prefix == "" {
		return clean
	}
	return b.prefix + "/" + clean
}

func (b *S3Backend) ListTree(ctx context.Context, path string) ([]FileEntry, error) {
	prefix := b.key(path)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var out []FileEntry
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), b.prefix+"/")
			if rel == "" || strings.HasSuffix(rel, "/") {
				continue
			}
			out = append(out, FileEntry{
				Path:    "/" + rel,
				IsDir:   false,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

func (b *S3Backend) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(b.key(path))})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	return out.Body, nil
}

func (b *S3Backend) ReadFile(ctx context.Context, path string, offset, limit int64) (*ReadFileResult, error) {
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(b.key(path))})
	if err != nil {
		return nil, fmt.Errorf("head object %s: %w", path, err)
	}
	size := aws.ToInt64(head.ContentLength)
	if offset < 0 {
		offset = 0
	}
	if offset >= size {
		return &ReadFileResult{Data: nil, NextOffset: size, Truncated: false}, nil
	}

	end := size - 1
	if limit > 0 && offset+limit-1 < end {
		end = offset + limit - 1
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket), Key: aws.String(b.key(path)),
		Range: aws.String(fmt.Sprintf("bytes=%d-%d", offset, end)),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", path, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", path, err)
	}
	nextOffset := end + 1
	return &ReadFileResult{Data: data, NextOffset: nextOffset, Truncated: nextOffset < size}, nil
}

func (b *S3Backend) WriteFile(ctx context.Context, path string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket), Key: aws.String(b.key(path)), Body: bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", path, err)
	}
	return nil
}

func (b *S3Backend) Rename(ctx context.Context, oldPath, newPath string) error {
	source := b.bucket + "/" + b.key(oldPath)
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket: aws.String(b.bucket), Key: aws.String(b.key(newPath)), CopySource: aws.String(source),
	})
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", oldPath, newPath, err)
	}
	return b.Delete(ctx, oldPath)
}

func (b *S3Backend) Delete(ctx context.Context, path string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(b.key(path))})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", path, err)
	}
	return nil
}

func (b *S3Backend) Mkdir(ctx context.Context, path string) error {
	key := b.key(path)
	if !strings.HasSuffix(key, "/") {
		key += "/"
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket), Key: aws.String(key), Body: bytes.NewReader(nil),
	})
	if err != nil {
		return fmt.Errorf("create directory marker %s: %w", path, err)
	}
	return nil
}

var _ Backend = (*S3Backend)(nil)
