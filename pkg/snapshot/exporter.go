package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/retry"
)

// ExportAPI is the slice of the source-region table client the exporter needs.
type ExportAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	ExportTableToPointInTime(ctx context.Context, params *dynamodb.ExportTableToPointInTimeInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ExportTableToPointInTimeOutput, error)
	DescribeExport(ctx context.Context, params *dynamodb.DescribeExportInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeExportOutput, error)
}

// Exporter requests full table exports and maintains their manifests.
type Exporter struct {
	api       ExportAPI
	manifests *ManifestStore
	bucket    string
	retry     retry.Policy
	logger    *zap.Logger
	now       func() time.Time
}

// NewExporter builds an exporter writing into the backup bucket.
func NewExporter(api ExportAPI, manifests *ManifestStore, bucket string, logger *zap.Logger) (*Exporter, error) {
	if api == nil {
		return nil, errors.New("snapshot: export api is nil")
	}
	if manifests == nil {
		return nil, errors.New("snapshot: manifest store is nil")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("snapshot: bucket is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		api:       api,
		manifests: manifests,
		bucket:    bucket,
		retry:     retry.ForImportExport(),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Start requests a point-in-time export of the table and writes its
// manifest. The export runs asynchronously; poll with Refresh.
func (e *Exporter) Start(ctx context.Context, table string) (*Manifest, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, errors.New("snapshot: table is empty")
	}

	desc, err := e.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	})
	if err != nil {
		return nil, fmt.Errorf("describing table %s: %w", table, err)
	}

	timestamp := e.now().UTC().Format("20060102_150405")
	snapshotID := "full_backup_" + timestamp
	prefix := fmt.Sprintf("full-backups/%s/%s/", table, timestamp)

	var out *dynamodb.ExportTableToPointInTimeOutput
	err = e.retry.Do(ctx, "dynamodb.ExportTableToPointInTime", retry.ImportExportClassifier, func(ctx context.Context) error {
		var callErr error
		out, callErr = e.api.ExportTableToPointInTime(ctx, &dynamodb.ExportTableToPointInTimeInput{
			TableArn:     desc.Table.TableArn,
			S3Bucket:     aws.String(e.bucket),
			S3Prefix:     aws.String(prefix),
			ExportFormat: types.ExportFormatDynamodbJson,
		})
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("starting export of %s: %w", table, err)
	}

	manifest := &Manifest{
		SnapshotID: snapshotID,
		TableName:  table,
		ExportARN:  aws.ToString(out.ExportDescription.ExportArn),
		Bucket:     e.bucket,
		Prefix:     prefix,
		S3Path:     fmt.Sprintf("s3://%s/%s", e.bucket, prefix),
		Status:     StatusPending,
	}
	if out.ExportDescription.ExportTime != nil {
		manifest.CutPoint = out.ExportDescription.ExportTime.UTC()
	}

	if err := e.manifests.Put(ctx, manifest); err != nil {
		return nil, fmt.Errorf("writing manifest for %s: %w", snapshotID, err)
	}

	e.logger.Info("full backup started",
		zap.String("table", table),
		zap.String("snapshot_id", snapshotID),
		zap.String("export_arn", manifest.ExportARN))
	return manifest, nil
}

// Refresh queries the export's current status and rewrites the manifest
// when it reaches a terminal state.
func (e *Exporter) Refresh(ctx context.Context, manifest *Manifest) (Status, error) {
	if manifest == nil {
		return StatusFailed, errors.New("snapshot: manifest is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if manifest.Status != StatusPending {
		return manifest.Status, nil
	}

	var out *dynamodb.DescribeExportOutput
	err := e.retry.Do(ctx, "dynamodb.DescribeExport", retry.ImportExportClassifier, func(ctx context.Context) error {
		var callErr error
		out, callErr = e.api.DescribeExport(ctx, &dynamodb.DescribeExportInput{
			ExportArn: aws.String(manifest.ExportARN),
		})
		return callErr
	})
	if err != nil {
		return manifest.Status, fmt.Errorf("describing export %s: %w", manifest.ExportARN, err)
	}

	next := manifest.Status
	switch out.ExportDescription.ExportStatus {
	case types.ExportStatusCompleted:
		next = StatusComplete
	case types.ExportStatusFailed:
		next = StatusFailed
	}
	if out.ExportDescription.ExportTime != nil {
		manifest.CutPoint = out.ExportDescription.ExportTime.UTC()
	}

	if next != manifest.Status {
		manifest.Status = next
		if err := e.manifests.Put(ctx, manifest); err != nil {
			return next, fmt.Errorf("updating manifest %s: %w", manifest.SnapshotID, err)
		}
	}
	return next, nil
}

// Latest returns the most recent complete snapshot of the table taken
// at or before notAfter (zero means no upper bound). Pending manifests
// are refreshed first so a finished export is not passed over just
// because nobody polled it.
func (e *Exporter) Latest(ctx context.Context, table string, notAfter time.Time) (*Manifest, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	manifests, err := e.manifests.List(ctx, table)
	if err != nil {
		return nil, err
	}

	for _, manifest := range manifests {
		if manifest.Status == StatusPending {
			if _, err := e.Refresh(ctx, manifest); err != nil {
				e.logger.Warn("could not refresh pending manifest",
					zap.String("snapshot_id", manifest.SnapshotID), zap.Error(err))
			}
		}
		if manifest.Status != StatusComplete {
			continue
		}
		if !notAfter.IsZero() && manifest.CutPoint.After(notAfter) {
			continue
		}
		return manifest, nil
	}
	return nil, fmt.Errorf("no complete full backup found for table %s", table)
}
