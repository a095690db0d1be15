// Command stream-capture is the Lambda function on the source table's
// change feed. Each invocation batches the delivered stream records
// into one timestamp-named change object in the backup bucket, in
// emission order, for later replay by dr-manager.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/changes"
)

type handler struct {
	store  *changes.S3Store
	logger *zap.Logger
	now    func() time.Time
}

func newHandler(ctx context.Context) (*handler, error) {
	bucket := strings.TrimSpace(os.Getenv("BACKUP_BUCKET"))
	if bucket == "" {
		return nil, errors.New("stream-capture: BACKUP_BUCKET is not set")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	opts := []changes.StoreOption{
		changes.WithAPI(s3.NewFromConfig(cfg)),
		changes.WithLogger(logger),
	}
	if prefix := strings.TrimSpace(os.Getenv("CHANGE_PREFIX")); prefix != "" {
		opts = append(opts, changes.WithPrefix(prefix))
	}

	store, err := changes.NewS3Store(ctx, bucket, opts...)
	if err != nil {
		return nil, err
	}
	return &handler{store: store, logger: logger, now: time.Now}, nil
}

func (h *handler) handle(ctx context.Context, event events.DynamoDBEvent) error {
	if len(event.Records) == 0 {
		return nil
	}

	records := make([]changes.Record, 0, len(event.Records))
	for _, streamRecord := range event.Records {
		records = append(records, convertRecord(streamRecord))
	}

	key, err := h.store.Write(ctx, h.now().UTC(), records[0].SequenceNumber, records)
	if err != nil {
		h.logger.Error("change batch write failed",
			zap.Int("records", len(records)), zap.Error(err))
		// Returning the error makes the stream redeliver the batch;
		// replay tolerates the resulting duplicates.
		return err
	}

	h.logger.Info("captured change batch",
		zap.String("key", key), zap.Int("records", len(records)))
	return nil
}

func convertRecord(streamRecord events.DynamoDBEventRecord) changes.Record {
	change := streamRecord.Change
	rec := changes.Record{
		EventID:        streamRecord.EventID,
		EventName:      changes.EventName(streamRecord.EventName),
		Keys:           change.Keys,
		NewImage:       change.NewImage,
		OldImage:       change.OldImage,
		SequenceNumber: change.SequenceNumber,
	}
	captured := change.ApproximateCreationDateTime.Time
	rec.ApproximateCreationDateTime = float64(captured.UnixMilli()) / 1000
	return rec
}

func main() {
	h, err := newHandler(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "stream-capture: %v\n", err)
		os.Exit(2)
	}
	lambda.Start(h.handle)
}
