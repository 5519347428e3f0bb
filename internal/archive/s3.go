package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/arachne-ai/arachne/internal/platform/config"
	"github.com/arachne-ai/arachne/internal/workflow/domain/model"
)

// S3Sink writes one JSON object per finished execution, keyed by
// completion date so lifecycle rules can expire whole days.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Client builds the S3 client from archive configuration. A custom
// endpoint switches to path-style addressing with static credentials from
// the environment, which is how S3-compatible stores like MinIO are
// addressed.
func NewS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				os.Getenv("ARCHIVE_S3_ACCESS_KEY"),
				os.Getenv("ARCHIVE_S3_SECRET_KEY"),
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3Sink creates the cold-storage sink.
func NewS3Sink(client *s3.Client, cfg config.ArchiveConfig) *S3Sink {
	prefix := cfg.S3Prefix
	if prefix == "" {
		prefix = "executions"
	}
	return &S3Sink{client: client, bucket: cfg.S3Bucket, prefix: prefix}
}

// Name identifies the sink in logs and metrics.
func (s *S3Sink) Name() string { return "s3" }

// Write uploads the snapshot.
func (s *S3Sink) Write(ctx context.Context, snap *model.ExecutionSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	key := s.objectKey(snap)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func (s *S3Sink) objectKey(snap *model.ExecutionSnapshot) string {
	day := snap.CompletedAt.UTC().Format("2006/01/02")
	return path.Join(s.prefix, day, snap.ExecutionID+".json")
}
