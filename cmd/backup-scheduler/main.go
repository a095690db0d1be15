// Command backup-scheduler requests a full point-in-time export of a
// table into the backup bucket and writes its manifest. It is the thin
// trigger behind a periodic schedule; the export itself runs inside the
// table service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/snapshot"
)

func main() {
	os.Exit(run())
}

func run() int {
	var tableName, sourceRegion, backupBucket, backupRegion string
	var wait bool
	var pollInterval, maxWait time.Duration

	flag.StringVar(&tableName, "table-name", "", "table to back up")
	flag.StringVar(&sourceRegion, "source-region", "us-east-1", "source region")
	flag.StringVar(&backupBucket, "backup-bucket", "", "backup bucket name")
	flag.StringVar(&backupRegion, "backup-region", "us-west-2", "backup bucket region")
	flag.BoolVar(&wait, "wait", false, "poll until the export reaches a terminal state")
	flag.DurationVar(&pollInterval, "poll-interval", 30*time.Second, "export status poll interval")
	flag.DurationVar(&maxWait, "max-wait", time.Hour, "maximum time to wait with -wait")
	flag.Parse()

	if tableName == "" || backupBucket == "" {
		fmt.Fprintln(os.Stderr, "backup-scheduler: -table-name and -backup-bucket are required")
		return 2
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup-scheduler: %v\n", err)
		return 2
	}
	defer logger.Sync() //nolint:errcheck // stdout sync failure is not actionable

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sourceCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(sourceRegion))
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup-scheduler: FAIL: %v\n", err)
		return 2
	}
	backupCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(backupRegion))
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup-scheduler: FAIL: %v\n", err)
		return 2
	}

	manifests, err := snapshot.NewManifestStore(s3.NewFromConfig(backupCfg), backupBucket, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup-scheduler: FAIL: %v\n", err)
		return 2
	}
	exporter, err := snapshot.NewExporter(dynamodb.NewFromConfig(sourceCfg), manifests, backupBucket, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup-scheduler: FAIL: %v\n", err)
		return 2
	}

	manifest, err := exporter.Start(ctx, tableName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup-scheduler: FAIL: %v\n", err)
		return 1
	}
	fmt.Printf("backup-scheduler: export started: snapshot=%s arn=%s path=%s\n",
		manifest.SnapshotID, manifest.ExportARN, manifest.S3Path)

	if !wait {
		return 0
	}

	deadline := time.Now().Add(maxWait)
	for {
		status, err := exporter.Refresh(ctx, manifest)
		if err != nil {
			fmt.Fprintf(os.Stderr, "backup-scheduler: FAIL: %v\n", err)
			return 1
		}
		switch status {
		case snapshot.StatusComplete:
			fmt.Printf("backup-scheduler: export complete: %s\n", manifest.SnapshotID)
			return 0
		case snapshot.StatusFailed:
			fmt.Fprintf(os.Stderr, "backup-scheduler: FAIL: export %s failed\n", manifest.SnapshotID)
			return 1
		}
		if time.Now().After(deadline) {
			fmt.Fprintf(os.Stderr, "backup-scheduler: FAIL: export %s did not finish within %s\n",
				manifest.SnapshotID, maxWait)
			return 1
		}
		select {
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "backup-scheduler: interrupted; export %s continues in the background\n",
				manifest.SnapshotID)
			return 1
		case <-time.After(pollInterval):
		}
	}
}
