package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/agentctl/runctl/internal/domain"
)

// WorkspaceSyncClient is the outbound port spec.md 4.E names for
// syncSessionWorkspace: snapshot a worker's /workspace into object storage.
type WorkspaceSyncClient interface {
	// SyncWorkspace uploads the tar stream read produces to
	// s3Prefix/<reason>-<timestamp>.tar as is. spec.Include and spec.Exclude
	// are not applied by this client, and Manager.SyncSessionWorkspace
	// passes the container's whole /workspace export without filtering.
	SyncWorkspace(ctx context.Context, spec domain.SyncSpec, s3Prefix string, read io.Reader) error
}

// S3SyncClient implements WorkspaceSyncClient against an S3-compatible bucket.
type S3SyncClient struct {
	client *s3.Client
	bucket string
}

// S3SyncConfig configures the S3 client and target bucket.
type S3SyncConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for S3-compatible stores
}

// NewS3SyncClient builds an S3SyncClient from ambient AWS credentials (env,
// shared config, or instance profile), following the teacher's no-library
// pattern for outbound clients: a thin typed wrapper over the SDK.
func NewS3SyncClient(ctx context.Context, cfg S3SyncConfig) (*S3SyncClient, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3SyncClient{client: client, bucket: cfg.Bucket}, nil
}

// SyncWorkspace uploads the object named by spec.Reason and the current
// time under s3Prefix.
func (c *S3SyncClient) SyncWorkspace(ctx context.Context, spec domain.SyncSpec, s3Prefix string, read io.Reader) error {
	key := objectKey(s3Prefix, spec.Reason, time.Now())

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, read); err != nil {
		return fmt.Errorf("buffer workspace archive for %s: %w", spec.SessionID, err)
	}

	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("put workspace archive %s: %w", key, err)
	}
	return nil
}

func objectKey(prefix, reason string, ts time.Time) string {
	return path.Join(prefix, fmt.Sprintf("%s-%d.tar", reason, ts.Unix()))
}
