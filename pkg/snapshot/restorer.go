package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/retry"
)

// StatusInfo is the result of polling a restore: the mapped status plus
// the service's failure detail when the restore failed.
type StatusInfo struct {
	Status Status
	Detail string
}

// Restorer materializes a full backup into a target table. The actual
// data movement is driven by the table service; callers poll Status.
type Restorer interface {
	RequestRestore(ctx context.Context, manifest *Manifest, targetTable string) (string, error)
	Status(ctx context.Context, importARN string) (StatusInfo, error)
}

// ImportAPI is the slice of the target-region table client the restorer needs.
type ImportAPI interface {
	ImportTable(ctx context.Context, params *dynamodb.ImportTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ImportTableOutput, error)
	DescribeImport(ctx context.Context, params *dynamodb.DescribeImportInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeImportOutput, error)
}

// SchemaAPI describes the source table so the import can recreate its
// key schema in the target region.
type SchemaAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// ImportRestorer restores exports through the table import service.
type ImportRestorer struct {
	source SchemaAPI
	target ImportAPI
	retry  retry.Policy
	logger *zap.Logger
}

var _ Restorer = (*ImportRestorer)(nil)

// NewImportRestorer builds a restorer spanning the source and target regions.
func NewImportRestorer(source SchemaAPI, target ImportAPI, logger *zap.Logger) (*ImportRestorer, error) {
	if source == nil || target == nil {
		return nil, errors.New("snapshot: source and target table clients are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImportRestorer{
		source: source,
		target: target,
		retry:  retry.ForImportExport(),
		logger: logger,
	}, nil
}

// RequestRestore starts importing the manifest's export data into the
// target table and returns the import identifier.
func (r *ImportRestorer) RequestRestore(ctx context.Context, manifest *Manifest, targetTable string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if manifest == nil {
		return "", errors.New("snapshot: manifest is nil")
	}
	targetTable = strings.TrimSpace(targetTable)
	if targetTable == "" {
		return "", errors.New("snapshot: target table is empty")
	}

	desc, err := r.source.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(manifest.TableName),
	})
	if err != nil {
		return "", fmt.Errorf("describing source table %s: %w", manifest.TableName, err)
	}

	exportID, err := exportIDFromARN(manifest.ExportARN)
	if err != nil {
		return "", err
	}
	// The export service nests its data under the requested prefix.
	dataPrefix := fmt.Sprintf("%sAWSDynamoDB/%s/data/", manifest.Prefix, exportID)

	var out *dynamodb.ImportTableOutput
	err = r.retry.Do(ctx, "dynamodb.ImportTable", retry.ImportExportClassifier, func(ctx context.Context) error {
		var callErr error
		out, callErr = r.target.ImportTable(ctx, &dynamodb.ImportTableInput{
			S3BucketSource: &types.S3BucketSource{
				S3Bucket:    aws.String(manifest.Bucket),
				S3KeyPrefix: aws.String(dataPrefix),
			},
			InputFormat:          types.InputFormatDynamodbJson,
			InputCompressionType: types.InputCompressionTypeGzip,
			TableCreationParameters: &types.TableCreationParameters{
				TableName:            aws.String(targetTable),
				AttributeDefinitions: desc.Table.AttributeDefinitions,
				KeySchema:            desc.Table.KeySchema,
				BillingMode:          types.BillingModePayPerRequest,
			},
		})
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("starting import into %s: %w", targetTable, err)
	}

	importARN := aws.ToString(out.ImportTableDescription.ImportArn)
	r.logger.Info("snapshot restore started",
		zap.String("snapshot_id", manifest.SnapshotID),
		zap.String("target_table", targetTable),
		zap.String("import_arn", importARN))
	return importARN, nil
}

// Status maps the import's current state. A failed import carries the
// service's failure code and message in Detail.
func (r *ImportRestorer) Status(ctx context.Context, importARN string) (StatusInfo, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	importARN = strings.TrimSpace(importARN)
	if importARN == "" {
		return StatusInfo{}, errors.New("snapshot: import arn is empty")
	}

	var out *dynamodb.DescribeImportOutput
	err := r.retry.Do(ctx, "dynamodb.DescribeImport", retry.ImportExportClassifier, func(ctx context.Context) error {
		var callErr error
		out, callErr = r.target.DescribeImport(ctx, &dynamodb.DescribeImportInput{
			ImportArn: aws.String(importARN),
		})
		return callErr
	})
	if err != nil {
		return StatusInfo{}, fmt.Errorf("describing import %s: %w", importARN, err)
	}

	desc := out.ImportTableDescription
	switch desc.ImportStatus {
	case types.ImportStatusCompleted:
		return StatusInfo{Status: StatusComplete}, nil
	case types.ImportStatusFailed, types.ImportStatusCancelled, types.ImportStatusCancelling:
		detail := fmt.Sprintf("%s: %s", aws.ToString(desc.FailureCode), aws.ToString(desc.FailureMessage))
		return StatusInfo{Status: StatusFailed, Detail: detail}, nil
	default:
		return StatusInfo{Status: StatusPending}, nil
	}
}

func exportIDFromARN(arn string) (string, error) {
	arn = strings.TrimSpace(arn)
	idx := strings.LastIndex(arn, "/")
	if idx < 0 || idx == len(arn)-1 {
		return "", fmt.Errorf("malformed export arn %q", arn)
	}
	return arn[idx+1:], nil
}
