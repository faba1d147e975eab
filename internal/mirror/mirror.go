// Package mirror copies finalized archives to an S3-compatible bucket so a
// second copy outlives the archive host.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"patchvault/internal/fault"
)

type Config struct {
	Endpoint       string
	Bucket         string
	Prefix         string
	Region         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	DisableTLS     bool
}

// Enabled reports whether a bucket is configured.
func (c Config) Enabled() bool { return strings.TrimSpace(c.Bucket) != "" }

// putter is the slice of the S3 API the mirror uses.
type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3 struct {
	api    putter
	bucket string
	prefix string
}

// NewS3 builds a client with static credentials. An empty endpoint uses the
// AWS default resolver; otherwise the endpoint is used as-is, which is how
// SeaweedFS or MinIO deployments are reached.
func NewS3(ctx context.Context, cfg Config) (*S3, error) {
	if !cfg.Enabled() {
		return nil, errors.New("mirror bucket is empty")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 10 * time.Minute}),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		if cfg.AccessKey == "" || cfg.SecretKey == "" {
			return nil, errors.New("mirror access key and secret key must be set together")
		}
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		scheme := "https"
		if cfg.DisableTLS {
			scheme = "http"
		}
		endpoint = scheme + "://" + endpoint
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &S3{api: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Key is the object key for an archive.
func (m *S3) Key(version string) string {
	return m.prefix + version + ".zip"
}

// Upload puts the archive at path under Key(version) with a SHA-256 checksum
// the server verifies on receipt.
func (m *S3) Upload(ctx context.Context, version, path string) error {
	const op = "mirror upload"

	f, err := os.Open(path)
	if err != nil {
		return fault.Storage(op, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return fault.Storage(op, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fault.Storage(op, err)
	}
	sum := h.Sum(nil)

	key := m.Key(version)
	_, err = m.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(m.bucket),
		Key:               aws.String(key),
		Body:              f,
		ContentLength:     aws.Int64(size),
		ContentType:       aws.String("application/zip"),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(base64.StdEncoding.EncodeToString(sum)),
		Metadata: map[string]string{
			"sha256":  hex.EncodeToString(sum),
			"version": version,
			"source":  filepath.Base(path),
		},
	})
	if err != nil {
		return fault.Transport(op, fmt.Errorf("put s3://%s/%s: %w", m.bucket, key, err))
	}
	return nil
}
