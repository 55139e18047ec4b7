package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"tailscale.com/tstime"
)

// s3Putter is the part of *s3.Client used here.
type s3Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Destination uploads snapshots to an S3-compatible bucket. A key ending
// in "/" is a prefix: every snapshot gets its own timestamped object under
// it. Any other key is overwritten on each snapshot.
type S3Destination struct {
	client s3Putter
	bucket string
	key    string
	clock  tstime.Clock
}

// NewS3Destination loads the default AWS credential chain. A non-empty
// endpoint selects path-style addressing for MinIO and similar stores.
func NewS3Destination(ctx context.Context, bucket, key, region, endpoint string) (*S3Destination, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Destination{client: client, bucket: bucket, key: key, clock: tstime.StdClock{}}, nil
}

// Name identifies the destination in logs.
func (d *S3Destination) Name() string {
	return "s3://" + d.bucket + "/" + d.key
}

// objectKey resolves the key for a snapshot taken at now.
func (d *S3Destination) objectKey(now time.Time) string {
	if !strings.HasSuffix(d.key, "/") {
		return d.key
	}
	return d.key + "event-state-" + now.UTC().Format("20060102T150405Z") + ".jsonl"
}

// Write uploads data.
func (d *S3Destination) Write(ctx context.Context, data []byte) error {
	key := d.objectKey(d.clock.Now())
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", d.bucket, key, err)
	}
	return nil
}
