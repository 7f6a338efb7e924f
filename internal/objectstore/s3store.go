package objectstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the slice of the S3 client the store actually calls, so tests can
// supply a fake without standing up a real client.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store uploads finished downloads to a single bucket. The per-attempt
// credential refresh described in spec §4.2 step 6 lives one layer up, in
// internal/fetcher's retry loop — the aws-sdk-go-v2 client already manages
// its own request signing, so this store stays a thin Put.
type S3Store struct {
	client s3API
	bucket string
}

// NewS3Store builds a store around an already-configured S3 client.
func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// NewS3FromConfig loads AWS credentials/region the standard aws-sdk-go-v2
// way (env vars, shared config, IMDS) and builds an S3Store against bucket.
// endpoint overrides the default S3 endpoint (e.g. for an S3-compatible
// on-prem target) and forces path-style addressing, which such endpoints
// usually require. Shared by every command that writes to the mirror's
// object store, so each doesn't hand-roll its own client setup.
func NewS3FromConfig(ctx context.Context, bucket, endpoint, region string) (*S3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = endpoint != ""
	})
	return NewS3Store(client, bucket), nil
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return nil
}
