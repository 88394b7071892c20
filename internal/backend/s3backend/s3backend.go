// Package s3backend implements the Backend contract on top of an
// S3-compatible object store, using the hex-encoded ObjectId as the object
// key within a configured bucket/region. It carries the known-provider
// table (MinIO, Wasabi, Backblaze, and others) so non-AWS S3-compatible
// endpoints can be targeted without bespoke per-provider plumbing.
package s3backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	zbackend "github.com/SecurityWorks/zerostash/internal/backend"
	"github.com/SecurityWorks/zerostash/internal/config"
	"github.com/SecurityWorks/zerostash/internal/objectid"
)

// Backend stores each object as a key equal to its hex-encoded ObjectId
// inside the configured bucket.
type Backend struct {
	client *s3.Client
	bucket string
}

// New builds an S3-backed Backend from cfg, resolving provider defaults
// (endpoint, region, path-style addressing) for non-AWS providers via the
// known-provider table.
func New(ctx context.Context, cfg config.BackendConfig) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region := cfg.Region
	endpoint := cfg.Endpoint
	usePathStyle := cfg.UsePathStyle
	if cfg.Provider != "" {
		resolvedEndpoint, resolvedRegion, err := ValidateProviderConfig(endpoint, cfg.Provider, region)
		if err != nil {
			return nil, fmt.Errorf("s3backend: resolve provider %s: %w", cfg.Provider, err)
		}
		endpoint, region = resolvedEndpoint, resolvedRegion
		usePathStyle = usePathStyle || RequiresPathStyleAddressing(cfg.Provider)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("s3backend: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = usePathStyle
	})

	return &Backend{client: client, bucket: cfg.Bucket}, nil
}

func (b *Backend) key(id objectid.ID) string { return id.String() }

// Write uploads the object body under its hex-encoded id.
func (b *Backend) Write(ctx context.Context, id objectid.ID, body []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("s3backend: put %s: %w", id, err)
	}
	return nil
}

// Read downloads and returns the object body.
func (b *Backend) Read(ctx context.Context, id objectid.ID) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(id)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return nil, fmt.Errorf("s3backend: read %s: %w", id, zbackend.ErrNotFound)
		}
		return nil, fmt.Errorf("s3backend: get %s: %w", id, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3backend: read body %s: %w", id, err)
	}
	return data, nil
}

// Sync is a no-op for S3: PutObject already confirms durable acceptance by
// the service before returning.
func (b *Backend) Sync(ctx context.Context) error {
	return nil
}

var _ zbackend.Backend = (*Backend)(nil)
