package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Options configures the optional media mirror. One bucket serves
// every tenant; objects are prefixed with the local media path, which
// already carries tenant_<id>/.
type S3Options struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PathStyle     bool
	PublicURL     string
	RetentionDays int
}

// S3Mirror copies stored media to an S3-compatible bucket.
type S3Mirror struct {
	client *s3.Client
	opts   S3Options
}

// NewS3Mirror builds the mirror client. Returns nil when the bucket is
// not configured; callers treat a nil mirror as disabled.
func NewS3Mirror(opts S3Options) (*S3Mirror, error) {
	if opts.Bucket == "" {
		return nil, nil
	}
	if opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, fmt.Errorf("s3 mirror: bucket %s configured without credentials", opts.Bucket)
	}

	// A common misconfiguration puts the bucket into the endpoint host.
	if opts.Endpoint != "" && strings.Contains(opts.Endpoint, opts.Bucket+".") {
		cleaned := strings.Replace(opts.Endpoint, opts.Bucket+".", "", 1)
		log.Warn().Str("endpoint", opts.Endpoint).Str("cleaned", cleaned).Msg("Removed bucket name from S3 endpoint")
		opts.Endpoint = cleaned
	}
	// Dotted bucket names break virtual-host TLS; force path style.
	if strings.Contains(opts.Bucket, ".") {
		opts.PathStyle = true
	}

	cfg := aws.Config{
		Region:      opts.Region,
		Credentials: credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
	}
	if opts.Endpoint != "" {
		endpoint := opts.Endpoint
		cfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				if service == s3.ServiceID {
					return aws.Endpoint{URL: endpoint, HostnameImmutable: opts.PathStyle}, nil
				}
				return aws.Endpoint{}, &aws.EndpointNotFoundError{}
			})
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.PathStyle
	})
	log.Info().Str("bucket", opts.Bucket).Str("region", opts.Region).Str("endpoint", opts.Endpoint).Msg("S3 media mirror enabled")
	return &S3Mirror{client: client, opts: opts}, nil
}

// Put uploads one media object under the local relative path. Failures
// are logged, never propagated: the local copy is authoritative.
func (m *S3Mirror) Put(ctx context.Context, key string, data []byte, mimeType string) {
	if m == nil {
		return
	}
	contentType := mimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	input := &s3.PutObjectInput{
		Bucket:       aws.String(m.opts.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if m.opts.RetentionDays > 0 {
		expires := time.Now().Add(time.Duration(m.opts.RetentionDays) * 24 * time.Hour)
		input.Expires = &expires
	}
	if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/") || mimeType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := m.client.PutObject(ctx, input); err != nil {
		log.Error().Err(err).Str("key", key).Str("bucket", m.opts.Bucket).Msg("S3 mirror upload failed")
		return
	}
	log.Debug().Str("key", key).Int("size", len(data)).Msg("Media mirrored to S3")
}

// PublicURL renders the download URL for a mirrored object.
func (m *S3Mirror) PublicURL(key string) string {
	if m == nil {
		return ""
	}
	if m.opts.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(m.opts.PublicURL, "/"), m.opts.Bucket, key)
	}
	if m.opts.Endpoint == "" || strings.Contains(m.opts.Endpoint, "amazonaws.com") {
		if m.opts.PathStyle {
			return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", m.opts.Region, m.opts.Bucket, key)
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", m.opts.Bucket, m.opts.Region, key)
	}
	if m.opts.PathStyle {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(m.opts.Endpoint, "/"), m.opts.Bucket, key)
	}
	host := strings.TrimPrefix(strings.TrimPrefix(m.opts.Endpoint, "https://"), "http://")
	return fmt.Sprintf("https://%s.%s/%s", m.opts.Bucket, host, key)
}
