package changes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/retry"
)

// Store lists and fetches change batches in capture order.
type Store interface {
	// List returns refs for every batch captured at or after the given
	// time, sorted ascending by object key.
	List(ctx context.Context, after time.Time) ([]BatchRef, error)
	// Fetch retrieves and decodes one batch.
	Fetch(ctx context.Context, ref BatchRef) (*Batch, error)
}

// S3API is the slice of the object store client the Store needs.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store reads change batch objects from a bucket prefix. It also
// writes them, which is the capture function's side of the contract.
type S3Store struct {
	api    S3API
	bucket string
	prefix string
	retry  retry.Policy
	logger *zap.Logger
}

var _ Store = (*S3Store)(nil)

type storeOptions struct {
	api    S3API
	awsCfg *aws.Config
	prefix string
	retry  *retry.Policy
	logger *zap.Logger
}

// StoreOption configures an S3Store.
type StoreOption func(*storeOptions)

// WithAPI substitutes the object store client; used by tests.
func WithAPI(api S3API) StoreOption {
	return func(o *storeOptions) { o.api = api }
}

// WithAWSConfig supplies a pre-loaded AWS config.
func WithAWSConfig(cfg aws.Config) StoreOption {
	return func(o *storeOptions) {
		cfgCopy := cfg
		o.awsCfg = &cfgCopy
	}
}

// WithPrefix overrides the change object prefix.
func WithPrefix(prefix string) StoreOption {
	return func(o *storeOptions) { o.prefix = prefix }
}

// WithRetryPolicy overrides the backoff schedule for store calls.
func WithRetryPolicy(p retry.Policy) StoreOption {
	return func(o *storeOptions) { o.retry = &p }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) StoreOption {
	return func(o *storeOptions) { o.logger = logger }
}

// NewS3Store builds a change batch store over the given bucket.
func NewS3Store(ctx context.Context, bucket string, options ...StoreOption) (*S3Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("changes: bucket is empty")
	}

	opts := &storeOptions{prefix: DefaultPrefix}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}

	store := &S3Store{
		bucket: bucket,
		prefix: opts.prefix,
		retry:  retry.ForS3(),
		logger: zap.NewNop(),
	}
	if opts.retry != nil {
		store.retry = *opts.retry
	}
	if opts.logger != nil {
		store.logger = opts.logger
	}

	if opts.api != nil {
		store.api = opts.api
		return store, nil
	}

	var cfg aws.Config
	if opts.awsCfg != nil {
		cfg = *opts.awsCfg
	} else {
		loaded, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	store.api = s3.NewFromConfig(cfg)
	return store, nil
}

func (s *S3Store) List(ctx context.Context, after time.Time) ([]BatchRef, error) {
	if s == nil || s.api == nil {
		return nil, errors.New("changes: store is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var refs []BatchRef
	var token *string
	for {
		var out *s3.ListObjectsV2Output
		err := s.retry.Do(ctx, "s3.ListObjectsV2", retry.S3Classifier, func(ctx context.Context) error {
			var callErr error
			out, callErr = s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.bucket),
				Prefix:            aws.String(s.prefix),
				ContinuationToken: token,
			})
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("listing change batches in s3://%s/%s: %w", s.bucket, s.prefix, err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			capturedAt, err := ParseBatchTime(key)
			if err != nil {
				s.logger.Warn("skipping object with unparseable batch name", zap.String("key", key))
				continue
			}
			if capturedAt.Before(after) {
				continue
			}
			refs = append(refs, BatchRef{Key: key, CapturedAt: capturedAt})
		}

		if out.NextContinuationToken == nil || !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
	return refs, nil
}

func (s *S3Store) Fetch(ctx context.Context, ref BatchRef) (*Batch, error) {
	if s == nil || s.api == nil {
		return nil, errors.New("changes: store is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var body []byte
	err := s.retry.Do(ctx, "s3.GetObject", retry.S3Classifier, func(ctx context.Context) error {
		out, callErr := s.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(ref.Key),
		})
		if callErr != nil {
			return callErr
		}
		defer out.Body.Close()
		body, callErr = io.ReadAll(out.Body)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetching change batch %s: %w", ref.Key, err)
	}

	batch, err := DecodeBatch(ref.Key, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	s.logger.Debug("fetched change batch",
		zap.String("key", ref.Key),
		zap.Int("records", len(batch.Records)))
	return batch, nil
}

// Write stores one batch object and returns its key. Records must be in
// source emission order; the discriminator keeps concurrent writers
// from colliding within a second.
func (s *S3Store) Write(ctx context.Context, capturedAt time.Time, discriminator string, records []Record) (string, error) {
	if s == nil || s.api == nil {
		return "", errors.New("changes: store is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(records) == 0 {
		return "", errors.New("changes: refusing to write an empty batch")
	}

	body, err := EncodeBatch(records)
	if err != nil {
		return "", fmt.Errorf("encoding change batch: %w", err)
	}

	key := BatchKey(s.prefix, capturedAt, discriminator)
	err = s.retry.Do(ctx, "s3.PutObject", retry.S3Classifier, func(ctx context.Context) error {
		_, callErr := s.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("writing change batch %s: %w", key, err)
	}

	s.logger.Info("wrote change batch",
		zap.String("key", key),
		zap.Int("records", len(records)))
	return key, nil
}
