// Package applier merges change batches into a target table with
// idempotent last-writer-wins semantics. Every write is a single
// conditional operation comparing the record's version marker against
// shadow attributes on the target item, so re-applying a batch, or
// applying stale records after newer ones, is a no-op.
package applier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/changes"
	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/retry"
)

// Shadow attributes carrying the last-applied version marker on every
// target item. Items restored from a full snapshot lack them, which the
// conditional expression reads as "older than any change record".
const (
	attrMarkerAt  = "_dr_at"
	attrMarkerSeq = "_dr_seq"
)

const markerCondition = "attribute_not_exists(#mat) OR #mat < :at OR (#mat = :at AND #mseq < :seq)"

// Deletes additionally require the item to exist. A condition on an
// absent item is evaluated against the empty item, where
// attribute_not_exists(#mat) holds and the delete would succeed as a
// counted no-op; attribute_exists on a key attribute turns that case
// into a ConditionalCheckFailedException, which is the idempotent skip.
const deleteCondition = "attribute_exists(#pk) AND (" + markerCondition + ")"

// DynamoAPI is the slice of the table client the applier needs.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// RecordFailure is one record that exhausted its retries.
type RecordFailure struct {
	Record changes.Record
	Err    error
}

// Result summarizes one batch application.
type Result struct {
	Applied           int
	SkippedIdempotent int
	Failed            []RecordFailure
}

// Ok reports whether the batch was processed without record failures.
func (r *Result) Ok() bool { return r != nil && len(r.Failed) == 0 }

// Applier applies change batches to one target table.
type Applier struct {
	api         DynamoAPI
	table       string
	concurrency int
	retry       retry.Policy
	logger      *zap.Logger
}

type applierOptions struct {
	api         DynamoAPI
	awsCfg      *aws.Config
	concurrency int
	retry       *retry.Policy
	logger      *zap.Logger
}

// Option configures an Applier.
type Option func(*applierOptions)

// WithAPI substitutes the table client; used by tests.
func WithAPI(api DynamoAPI) Option {
	return func(o *applierOptions) { o.api = api }
}

// WithAWSConfig supplies a pre-loaded AWS config.
func WithAWSConfig(cfg aws.Config) Option {
	return func(o *applierOptions) {
		cfgCopy := cfg
		o.awsCfg = &cfgCopy
	}
}

// WithConcurrency bounds the worker pool for key-disjoint records.
func WithConcurrency(n int) Option {
	return func(o *applierOptions) { o.concurrency = n }
}

// WithRetryPolicy overrides the backoff schedule for table writes.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *applierOptions) { o.retry = &p }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *applierOptions) { o.logger = logger }
}

// New builds an applier for the named target table.
func New(ctx context.Context, table string, options ...Option) (*Applier, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, errors.New("applier: target table is empty")
	}

	opts := &applierOptions{concurrency: 4}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	if opts.concurrency < 1 {
		opts.concurrency = 1
	}

	a := &Applier{
		table:       table,
		concurrency: opts.concurrency,
		retry:       retry.ForDynamoDB(),
		logger:      zap.NewNop(),
	}
	if opts.retry != nil {
		a.retry = *opts.retry
	}
	if opts.logger != nil {
		a.logger = opts.logger
	}

	if opts.api != nil {
		a.api = opts.api
		return a, nil
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
	a.api = dynamodb.NewFromConfig(cfg)
	return a, nil
}

type outcome struct {
	applied bool
	skipped bool
	err     error
}

// Apply merges one batch into the target table. Records touching
// different keys run in parallel up to the configured concurrency; two
// records sharing a key are serialized in batch order. A record that
// exhausts retries is isolated in Result.Failed; the rest of the batch
// still applies. A malformed batch returns an error before any write.
// Cancelling ctx aborts the remaining records and returns the context
// error as the batch error; already-written records re-apply as no-ops
// on a rerun.
func (a *Applier) Apply(ctx context.Context, batch *changes.Batch) (*Result, error) {
	if a == nil || a.api == nil {
		return nil, errors.New("applier: applier is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	outcomes := make([]outcome, len(batch.Records))
	queues := partitionByKey(batch.Records)

	work := make(chan []indexedRecord)
	var wg sync.WaitGroup
	for range a.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for queue := range work {
				for _, ir := range queue {
					outcomes[ir.index] = a.applyRecord(ctx, ir.record)
				}
			}
		}()
	}
	for _, queue := range queues {
		work <- queue
	}
	close(work)
	wg.Wait()

	result := &Result{}
	for i, out := range outcomes {
		switch {
		case out.err != nil:
			if errors.Is(out.err, context.Canceled) || errors.Is(out.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("batch %s interrupted: %w", batch.Key, out.err)
			}
			result.Failed = append(result.Failed, RecordFailure{Record: batch.Records[i], Err: out.err})
		case out.skipped:
			result.SkippedIdempotent++
		case out.applied:
			result.Applied++
		}
	}

	a.logger.Info("applied change batch",
		zap.String("batch", batch.Key),
		zap.String("table", a.table),
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.SkippedIdempotent),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

func (a *Applier) applyRecord(ctx context.Context, rec changes.Record) outcome {
	if err := ctx.Err(); err != nil {
		return outcome{err: err}
	}
	marker := rec.Marker()
	values := map[string]types.AttributeValue{
		":at":  &types.AttributeValueMemberN{Value: changes.FormatEpoch(marker.At)},
		":seq": &types.AttributeValueMemberS{Value: changes.PadSequence(marker.Sequence)},
	}
	names := map[string]string{
		"#mat":  attrMarkerAt,
		"#mseq": attrMarkerSeq,
	}

	var err error
	switch rec.EventName {
	case changes.EventInsert, changes.EventModify:
		var item map[string]types.AttributeValue
		item, err = changes.ToAttributeValueMap(rec.NewImage)
		if err != nil {
			return outcome{err: err}
		}
		item[attrMarkerAt] = values[":at"]
		item[attrMarkerSeq] = values[":seq"]

		err = a.retry.Do(ctx, "dynamodb.PutItem", retry.DynamoDBClassifier, func(ctx context.Context) error {
			_, callErr := a.api.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:                 aws.String(a.table),
				Item:                      item,
				ConditionExpression:       aws.String(markerCondition),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			})
			return callErr
		})
	case changes.EventRemove:
		var key map[string]types.AttributeValue
		key, err = changes.ToAttributeValueMap(rec.Keys)
		if err != nil {
			return outcome{err: err}
		}

		names["#pk"] = keyAttributeName(rec.Keys)
		err = a.retry.Do(ctx, "dynamodb.DeleteItem", retry.DynamoDBClassifier, func(ctx context.Context) error {
			_, callErr := a.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:                 aws.String(a.table),
				Key:                       key,
				ConditionExpression:       aws.String(deleteCondition),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: values,
			})
			return callErr
		})
	default:
		err = fmt.Errorf("unknown event name %q", rec.EventName)
	}

	if err == nil {
		return outcome{applied: true}
	}
	if isConditionalCheckFailed(err) {
		// Another write already advanced the marker, or a delete found
		// nothing to delete. Both mean the record is already reflected.
		return outcome{skipped: true}
	}
	a.logger.Error("record application failed",
		zap.String("event", string(rec.EventName)),
		zap.String("sequence", rec.SequenceNumber),
		zap.Error(err))
	return outcome{err: err}
}

// keyAttributeName picks the attribute the attribute_exists guard on
// deletes is bound to. Any key attribute works; the first in name order
// keeps the expression deterministic.
func keyAttributeName(keys map[string]events.DynamoDBAttributeValue) string {
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0]
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var api smithy.APIError
	return errors.As(err, &api) && api.ErrorCode() == "ConditionalCheckFailedException"
}

type indexedRecord struct {
	index  int
	record changes.Record
}

// partitionByKey groups records into per-key queues preserving batch
// order within each queue. Queue order follows first appearance so the
// common single-key batch degenerates to sequential application.
func partitionByKey(records []changes.Record) [][]indexedRecord {
	byKey := make(map[string][]indexedRecord)
	var order []string
	for i, rec := range records {
		k := keyString(rec.Keys)
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], indexedRecord{index: i, record: rec})
	}

	queues := make([][]indexedRecord, 0, len(order))
	for _, k := range order {
		queues = append(queues, byKey[k])
	}
	return queues
}

// keyString canonicalizes a primary key map so that records touching
// the same item land in the same queue.
func keyString(keys map[string]events.DynamoDBAttributeValue) string {
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		av := keys[name]
		b.WriteString(name)
		b.WriteByte('=')
		switch av.DataType() {
		case events.DataTypeString:
			b.WriteString("S:")
			b.WriteString(av.String())
		case events.DataTypeNumber:
			b.WriteString("N:")
			b.WriteString(av.Number())
		case events.DataTypeBinary:
			b.WriteString("B:")
			b.Write(av.Binary())
		}
		b.WriteByte(';')
	}
	return b.String()
}
