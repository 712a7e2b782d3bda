package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsretry "github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/soundprediction/go-docgraph/pkg/retry"
	"github.com/soundprediction/go-docgraph/pkg/types"
)

// S3API is the subset of the S3 client used by S3Loader.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds connection settings for S3-compatible storage.
type S3Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewS3Client builds a client from the default AWS chain, overridden by any
// explicit settings. A custom endpoint switches to path-style addressing.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.Endpoint))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	}), nil
}

// S3Loader reads documents from a bucket. SourceIDs have the form
// s3://bucket/key.
type S3Loader struct {
	Client       S3API
	Bucket       string
	Prefix       string
	Extensions   []string
	FetchTimeout time.Duration
	Retry        retry.Config
	Logger       *slog.Logger
}

// Load implements Loader. location is either s3://bucket/prefix or a prefix
// within the configured bucket; empty uses the configured prefix.
func (l *S3Loader) Load(ctx context.Context, location string, opts LoadOptions) iter.Seq2[*types.Document, error] {
	return func(yield func(*types.Document, error) bool) {
		logger := l.Logger
		if logger == nil {
			logger = slog.Default()
		}

		bucket, prefix := l.target(location)
		if bucket == "" {
			yield(nil, fmt.Errorf("%w: no bucket configured", types.ErrSourceUnavailable))
			return
		}

		pages := s3.NewListObjectsV2Paginator(l.Client, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		})
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return
				}
				yield(nil, fmt.Errorf("%w: failed to list s3://%s/%s: %w", types.ErrSourceUnavailable, bucket, prefix, err))
				return
			}
			logger.Debug("listed object page", "bucket", bucket, "prefix", prefix, "objects", len(page.Contents))

			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				if key == "" || strings.HasSuffix(key, "/") || !matchExtension(key, l.Extensions) {
					continue
				}
				sourceID := "s3://" + bucket + "/" + key
				modified := aws.ToTime(obj.LastModified)
				if opts.skip(sourceID, modified) {
					continue
				}
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				doc, err := l.fetch(ctx, logger, sourceID, bucket, key, modified)
				if !yield(doc, err) {
					return
				}
			}
		}
	}
}

func (l *S3Loader) target(location string) (bucket, prefix string) {
	if rest, ok := strings.CutPrefix(location, "s3://"); ok {
		bucket, prefix, _ = strings.Cut(rest, "/")
		return bucket, prefix
	}
	if location != "" {
		return l.Bucket, location
	}
	return l.Bucket, l.Prefix
}

// transientS3 reports S3 errors the SDK classifies as retryable, such as
// throttling, 5xx responses and dropped connections.
var transientS3 = awsretry.IsErrorRetryables(awsretry.DefaultRetryables)

func (l *S3Loader) fetch(ctx context.Context, logger *slog.Logger, sourceID, bucket, key string, modified time.Time) (*types.Document, error) {
	retryable := func(err error) bool {
		return transientS3.IsErrorRetryable(err) == aws.TrueTernary
	}
	data, err := fetchWithRetry(ctx, l.Retry, logger, sourceID, retryable, func(ctx context.Context) ([]byte, error) {
		data, lastModified, err := l.getOnce(ctx, bucket, key)
		if err == nil && !lastModified.IsZero() {
			modified = lastModified
		}
		return data, err
	})
	if err != nil {
		return nil, err
	}
	return decode(sourceID, sourceID, data, modified)
}

// getOnce downloads one object within FetchTimeout.
func (l *S3Loader) getOnce(ctx context.Context, bucket, key string) ([]byte, time.Time, error) {
	ctx, cancel := withTimeout(ctx, l.FetchTimeout)
	defer cancel()

	out, err := l.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: failed to get object: %w", types.ErrDocumentRead, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, out.Body); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: failed to read object: %w", types.ErrDocumentRead, err)
	}
	return buf.Bytes(), aws.ToTime(out.LastModified), nil
}
