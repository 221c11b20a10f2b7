// Package s3blob archives ledger snapshots in S3 or an S3-compatible store
// such as MinIO or R2.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig locates the snapshot bucket.
type ClientConfig struct {
	Endpoint string // empty for AWS itself
	Region   string
	Bucket   string

	// Static credentials. With no AccessKey the default AWS chain
	// (environment, shared config, instance role) is used.
	AccessKey string
	SecretKey string

	UseSSL         bool // scheme for an Endpoint given without one
	ForcePathStyle bool
}

func (cfg ClientConfig) validate() error {
	var errs []error
	if cfg.Bucket == "" {
		errs = append(errs, errors.New("bucket is required"))
	}
	if cfg.Region == "" {
		errs = append(errs, errors.New("region is required"))
	}
	if (cfg.AccessKey == "") != (cfg.SecretKey == "") {
		errs = append(errs, errors.New("access key and secret key must be set together"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("s3blob: %w", err)
	}
	return nil
}

// loadOptions returns the AWS config options for cfg.
func (cfg ClientConfig) loadOptions() []func(*config.LoadOptions) error {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	return opts
}

// apply points the S3 client at a custom endpoint when one is configured.
func (cfg ClientConfig) apply(o *s3.Options) {
	if cfg.Endpoint != "" {
		o.BaseEndpoint = aws.String(normaliseEndpoint(cfg.Endpoint, cfg.UseSSL))
	}
	o.UsePathStyle = cfg.ForcePathStyle
}

// Client is an S3 client bound to the snapshot bucket.
type Client struct {
	api    *s3.Client
	bucket string
}

// New validates cfg and builds a Client. No request is sent; use Health to
// check the bucket is reachable.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, cfg.loadOptions()...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}
	return &Client{
		api:    s3.NewFromConfig(awsCfg, cfg.apply),
		bucket: cfg.Bucket,
	}, nil
}

// Health checks that the snapshot bucket exists and the credentials can
// reach it.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("s3blob: bucket %s unreachable: %w", c.bucket, err)
	}
	return nil
}

func normaliseEndpoint(endpoint string, useSSL bool) string {
	if u, err := url.Parse(endpoint); err == nil && u.Scheme != "" {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
