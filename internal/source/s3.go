package source

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures the S3 fetcher. Credentials come from the default
// AWS chain (environment, shared config, instance role).
type S3Config struct {
	Region    string
	Endpoint  string // optional, for MinIO and other S3-compatible stores
	PathStyle bool
	MaxBytes  int64
}

// S3 reads raw files from S3-compatible object storage.
type S3 struct {
	client   *s3.Client
	maxBytes int64
}

// NewS3 builds an S3 fetcher.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3FromConfig(awsCfg, cfg), nil
}

// NewS3FromConfig builds an S3 fetcher from an already loaded AWS config.
func NewS3FromConfig(awsCfg aws.Config, cfg S3Config, optFns ...func(*s3.Options)) *S3 {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		for _, fn := range optFns {
			fn(o)
		}
	})
	max := cfg.MaxBytes
	if max <= 0 {
		max = DefaultMaxBytes
	}
	return &S3{client: client, maxBytes: max}
}

// ParseURI splits s3://bucket/key.
func ParseURI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 uri %q", uri)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// Fetch downloads one object.
func (s *S3) Fetch(ctx context.Context, uri string) (File, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return File{}, err
	}
	if key == "" {
		return File{}, fmt.Errorf("fetch %s: no object key", uri)
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return File{}, fmt.Errorf("fetch %s: %w", uri, err)
	}
	if head.ContentLength != nil && *head.ContentLength > s.maxBytes {
		return File{}, fmt.Errorf("fetch %s: %w: %d bytes exceeds %d", uri, ErrTooLarge, *head.ContentLength, s.maxBytes)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return File{}, fmt.Errorf("fetch %s: %w", uri, err)
	}
	defer out.Body.Close()

	data, err := readLimited(out.Body, s.maxBytes)
	if err != nil {
		return File{}, fmt.Errorf("fetch %s: %w", uri, err)
	}
	return File{
		URI:  uri,
		Name: path.Base(key),
		Data: data,
		ETag: strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

// List returns the object URIs under a prefix, sorted. A URI naming a
// single object lists just that object.
func (s *S3) List(ctx context.Context, uri string) ([]string, error) {
	bucket, prefix, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	var (
		out   []string
		token *string
	)
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", uri, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			out = append(out, "s3://"+bucket+"/"+key)
		}
		if aws.ToBool(page.IsTruncated) && page.NextContinuationToken != nil {
			token = page.NextContinuationToken
			continue
		}
		break
	}
	sort.Strings(out)
	return out, nil
}
