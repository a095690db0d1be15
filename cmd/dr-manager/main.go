// Command dr-manager runs a cross-region disaster recovery: it restores
// the most recent full backup of the source table into the target
// region, replays every change batch captured after the cut point, and
// verifies the result. Exit codes: 0 recovery complete, 1 recovery
// failed, 2 configuration error.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/applier"
	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/changes"
	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/checkpoint"
	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/notify"
	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/recovery"
	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/snapshot"
)

const recoveryPointLayout = "20060102_150405"

func main() {
	os.Exit(run())
}

func run() int {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "dr-manager: %v\n", err)
		return 2
	}

	logger, err := buildLogger(opts.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dr-manager: %v\n", err)
		return 2
	}
	defer logger.Sync() //nolint:errcheck // stdout sync failure is not actionable

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, err := execute(ctx, opts, logger)
	if err != nil {
		reportFailure(outcome, err)
		return 1
	}

	fmt.Printf("dr-manager: recovery complete: table=%s region=%s snapshot=%s applied=%d observed=%d\n",
		opts.TargetTable, opts.TargetRegion, outcome.SnapshotID, outcome.AppliedCount, outcome.ObservedCount)
	return 0
}

func execute(ctx context.Context, opts *options, logger *zap.Logger) (*recovery.Outcome, error) {
	sourceCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.SourceRegion))
	if err != nil {
		return nil, fmt.Errorf("loading source region config: %w", err)
	}
	targetCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.TargetRegion))
	if err != nil {
		return nil, fmt.Errorf("loading target region config: %w", err)
	}
	backupCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.BackupRegion))
	if err != nil {
		return nil, fmt.Errorf("loading backup region config: %w", err)
	}

	sourceDDB := dynamodb.NewFromConfig(sourceCfg)
	targetDDB := dynamodb.NewFromConfig(targetCfg)
	backupS3 := s3.NewFromConfig(backupCfg)

	store, err := changes.NewS3Store(ctx, opts.BackupBucket,
		changes.WithAPI(backupS3),
		changes.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	manifests, err := snapshot.NewManifestStore(backupS3, opts.BackupBucket, logger)
	if err != nil {
		return nil, err
	}
	exporter, err := snapshot.NewExporter(sourceDDB, manifests, opts.BackupBucket, logger)
	if err != nil {
		return nil, err
	}
	restorer, err := snapshot.NewImportRestorer(sourceDDB, targetDDB, logger)
	if err != nil {
		return nil, err
	}

	batchApplier, err := applier.New(ctx, opts.TargetTable,
		applier.WithAPI(targetDDB),
		applier.WithConcurrency(opts.Concurrency),
		applier.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	checkpoints, err := checkpoint.NewStore(ctx, opts.CheckpointTable,
		checkpoint.WithAPI(targetDDB),
		checkpoint.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	counter, err := recovery.NewTableCounter(targetDDB, opts.TargetTable)
	if err != nil {
		return nil, err
	}

	notifier, err := notify.FromEnv(ctx)
	if err != nil {
		logger.Warn("notification setup failed, continuing without", zap.Error(err))
	}

	manager, err := recovery.New(recovery.Config{
		SourceTable:    opts.SourceTable,
		TargetTable:    opts.TargetTable,
		TargetRegion:   opts.TargetRegion,
		RecoveryPoint:  opts.RecoveryPoint,
		SnapshotID:     opts.SnapshotID,
		CutPointSlack:  opts.CutPointSlack,
		PollInterval:   opts.PollInterval,
		MaxRestoreWait: opts.MaxRestoreWait,
		ExpectedCount:  opts.ExpectedCount,
		Logger:         logger,
	}, recovery.Deps{
		Snapshots:   snapshotCatalog{exporter, manifests},
		Restorer:    restorer,
		Changes:     store,
		Applier:     batchApplier,
		Checkpoints: checkpoints,
		Counter:     counter,
		Notifier:    notifier,
	})
	if err != nil {
		return nil, err
	}

	return manager.Run(ctx)
}

// snapshotCatalog pairs the exporter's latest-backup search with direct
// manifest lookup for pinned snapshots.
type snapshotCatalog struct {
	*snapshot.Exporter
	*snapshot.ManifestStore
}

func reportFailure(outcome *recovery.Outcome, err error) {
	fmt.Fprintf(os.Stderr, "dr-manager: FAIL: %v\n", err)

	var batchErr *recovery.BatchFailedError
	if errors.As(err, &batchErr) {
		fmt.Fprintf(os.Stderr, "dr-manager: failed batch: %s\n", batchErr.BatchKey)
		for _, failure := range batchErr.Failures {
			fmt.Fprintf(os.Stderr, "dr-manager:   record %s %s: %v\n",
				failure.Record.EventName, failure.Record.SequenceNumber, failure.Err)
		}
	}
	if outcome != nil && outcome.RunID != "" {
		fmt.Fprintf(os.Stderr, "dr-manager: run %s halted in %s; re-run to resume\n",
			outcome.RunID, outcome.Status)
	}
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func parseRecoveryPoint(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(recoveryPointLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("recovery point must be YYYYMMDD_HHMMSS: %w", err)
	}
	return t, nil
}
