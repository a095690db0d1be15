// Package checkpoint persists recovery progress. The checkpoint is the
// sole source of truth for resuming an interrupted recovery; it is
// written after every applied batch and mutated only by the recovery
// manager, under an at-most-one-active-recovery-per-table discipline.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/retry"
)

// Status is the recovery state machine position.
type Status string

const (
	StatusNotStarted          Status = "NOT_STARTED"
	StatusRestoringSnapshot   Status = "RESTORING_SNAPSHOT"
	StatusReplayingIncrements Status = "REPLAYING_INCREMENTS"
	StatusVerifying           Status = "VERIFYING"
	StatusComplete            Status = "COMPLETE"
	StatusFailed              Status = "FAILED"
)

// Terminal reports whether no further transitions are expected. Failed
// is terminal for a run but a later invocation may resume past it.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Checkpoint is the durable recovery progress record, keyed by the
// target table and region it is recovering into.
type Checkpoint struct {
	PK string `dynamodbav:"PK"`
	SK string `dynamodbav:"SK"`

	TableName           string    `dynamodbav:"TableName"`
	Region              string    `dynamodbav:"Region"`
	RunID               string    `dynamodbav:"RunID"`
	Status              Status    `dynamodbav:"Status"`
	SnapshotID          string    `dynamodbav:"SnapshotID,omitempty"`
	SnapshotRestored    bool      `dynamodbav:"SnapshotRestored"`
	CutPoint            time.Time `dynamodbav:"CutPoint,unixtime"`
	LastAppliedBatchID  string    `dynamodbav:"LastAppliedBatchID,omitempty"`
	LastAppliedSequence string    `dynamodbav:"LastAppliedSequence,omitempty"`
	AppliedCount        int64     `dynamodbav:"AppliedCount"`
	ObservedCount       int64     `dynamodbav:"ObservedCount"`
	FailureReason       string    `dynamodbav:"FailureReason,omitempty"`
	UpdatedAt           time.Time `dynamodbav:"UpdatedAt,unixtime"`
}

// SetKeys derives the composite key from the checkpoint identity.
func (c *Checkpoint) SetKeys() {
	c.PK = "TABLE#" + c.TableName
	c.SK = "REGION#" + c.Region
}

// DynamoAPI is the slice of the table client the store needs.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Store reads and writes checkpoints in a well-known table.
type Store struct {
	api    DynamoAPI
	table  string
	retry  retry.Policy
	logger *zap.Logger
	now    func() time.Time
}

type storeOptions struct {
	api    DynamoAPI
	awsCfg *aws.Config
	logger *zap.Logger
}

// StoreOption configures a Store.
type StoreOption func(*storeOptions)

// WithAPI substitutes the table client; used by tests.
func WithAPI(api DynamoAPI) StoreOption {
	return func(o *storeOptions) { o.api = api }
}

// WithAWSConfig supplies a pre-loaded AWS config.
func WithAWSConfig(cfg aws.Config) StoreOption {
	return func(o *storeOptions) {
		cfgCopy := cfg
		o.awsCfg = &cfgCopy
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) StoreOption {
	return func(o *storeOptions) { o.logger = logger }
}

// NewStore builds a checkpoint store over the named table.
func NewStore(ctx context.Context, table string, options ...StoreOption) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, errors.New("checkpoint: table is empty")
	}

	opts := &storeOptions{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}

	store := &Store{
		table:  table,
		retry:  retry.ForDynamoDB(),
		logger: zap.NewNop(),
		now:    time.Now,
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
	store.api = dynamodb.NewFromConfig(cfg)
	return store, nil
}

// Load returns the checkpoint for (tableName, region), or nil when no
// recovery has ever been recorded for that pair.
func (s *Store) Load(ctx context.Context, tableName, region string) (*Checkpoint, error) {
	if s == nil || s.api == nil {
		return nil, errors.New("checkpoint: store is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	probe := Checkpoint{TableName: tableName, Region: region}
	probe.SetKeys()
	key, err := attributevalue.MarshalMap(struct {
		PK string `dynamodbav:"PK"`
		SK string `dynamodbav:"SK"`
	}{PK: probe.PK, SK: probe.SK})
	if err != nil {
		return nil, fmt.Errorf("marshaling checkpoint key: %w", err)
	}

	var out *dynamodb.GetItemOutput
	err = s.retry.Do(ctx, "dynamodb.GetItem", retry.DynamoDBClassifier, func(ctx context.Context) error {
		var callErr error
		out, callErr = s.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.table),
			Key:            key,
			ConsistentRead: aws.Bool(true),
		})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for %s/%s: %w", tableName, region, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var cp Checkpoint
	if err := attributevalue.UnmarshalMap(out.Item, &cp); err != nil {
		return nil, fmt.Errorf("unmarshaling checkpoint for %s/%s: %w", tableName, region, err)
	}
	return &cp, nil
}

// Save writes the checkpoint durably. The caller must have finished the
// work the checkpoint claims before calling; a crash after Save must be
// safe to resume from.
func (s *Store) Save(ctx context.Context, cp *Checkpoint) error {
	if s == nil || s.api == nil {
		return errors.New("checkpoint: store is nil")
	}
	if cp == nil {
		return errors.New("checkpoint: checkpoint is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cp.SetKeys()
	cp.UpdatedAt = s.now().UTC()
	item, err := attributevalue.MarshalMap(cp)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	err = s.retry.Do(ctx, "dynamodb.PutItem", retry.DynamoDBClassifier, func(ctx context.Context) error {
		_, callErr := s.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      item,
		})
		return callErr
	})
	if err != nil {
		return fmt.Errorf("saving checkpoint for %s/%s: %w", cp.TableName, cp.Region, err)
	}

	s.logger.Debug("checkpoint saved",
		zap.String("table", cp.TableName),
		zap.String("region", cp.Region),
		zap.String("status", string(cp.Status)),
		zap.String("last_batch", cp.LastAppliedBatchID),
		zap.Int64("applied", cp.AppliedCount))
	return nil
}
