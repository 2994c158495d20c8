package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
)

const (
	defaultOpTimeout  = 60 * time.Second
	defaultMaxRetries = 3
)

// S3Config describes an S3 compatible bucket (AWS, R2, MinIO).
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	MaxRetries      int
	OpTimeout       time.Duration
}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type S3Store struct {
	client    s3API
	bucket    string
	opTimeout time.Duration
}

func NewS3Store(ctx context.Context, cfg *S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	// negative means unset; zero sends each request once
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   64,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
		config.WithRetryer(func() aws.Retryer {
			// +1: MaxAttempts counts the first try
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = maxRetries + 1
			})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Store(client, cfg.Bucket, cfg.OpTimeout), nil
}

func newS3Store(client s3API, bucket string, opTimeout time.Duration) *S3Store {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &S3Store{
		client:    client,
		bucket:    bucket,
		opTimeout: opTimeout,
	}
}

func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, newError("get", key, classify(err), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError("get", key, classify(err), err)
	}

	slog.Debug("blob get", "key", key, "size", humanize.Bytes(uint64(len(body))))
	return &Object{
		Key:  key,
		Body: body,
		ETag: trimETag(resp.ETag),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte) (string, error) {
	return s.put(ctx, "put", &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, body)
}

func (s *S3Store) PutIf(ctx context.Context, key string, body []byte, ifMatch string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}
	if ifMatch == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(quoteETag(ifMatch))
	}
	return s.put(ctx, "put_if", input, body)
}

func (s *S3Store) put(ctx context.Context, op string, input *s3.PutObjectInput, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	input.Body = bytes.NewReader(body)
	input.ContentLength = aws.Int64(int64(len(body)))

	resp, err := s.client.PutObject(ctx, input)
	if err != nil {
		return "", newError(op, aws.ToString(input.Key), classify(err), err)
	}

	slog.Debug("blob put", "key", aws.ToString(input.Key), "size", humanize.Bytes(uint64(len(body))))
	return trimETag(resp.ETag), nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		kind := classify(err)
		// already gone
		if kind == ErrNotFound {
			return nil
		}
		return newError("delete", key, kind, err)
	}
	return nil
}

func trimETag(etag *string) string {
	return strings.ReplaceAll(aws.ToString(etag), "\"", "")
}

func quoteETag(etag string) string {
	if strings.HasPrefix(etag, "\"") {
		return etag
	}
	return "\"" + etag + "\""
}

var _ Store = (*S3Store)(nil)
