package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// options is the merged CLI configuration: defaults, then the optional
// YAML config file, then explicitly set flags, in increasing priority.
type options struct {
	SourceTable     string        `yaml:"source_table"`
	TargetTable     string        `yaml:"target_table"`
	SourceRegion    string        `yaml:"source_region"`
	TargetRegion    string        `yaml:"target_region"`
	BackupBucket    string        `yaml:"backup_bucket"`
	BackupRegion    string        `yaml:"backup_region"`
	CheckpointTable string        `yaml:"checkpoint_table"`
	SnapshotID      string        `yaml:"snapshot_id"`
	ExpectedCount   int64         `yaml:"expected_count"`
	Concurrency     int           `yaml:"concurrency"`
	CutPointSlack   time.Duration `yaml:"cut_point_slack"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxRestoreWait  time.Duration `yaml:"max_restore_wait"`
	Verbose         bool          `yaml:"verbose"`

	RecoveryPoint time.Time `yaml:"-"`
}

func defaultOptions() *options {
	return &options{
		SourceRegion:    "us-east-1",
		TargetRegion:    "us-west-2",
		CheckpointTable: "dr-recovery-checkpoints",
		ExpectedCount:   -1,
		Concurrency:     4,
		CutPointSlack:   time.Minute,
		PollInterval:    30 * time.Second,
		MaxRestoreWait:  time.Hour,
	}
}

func bindFlags(fs *flag.FlagSet, opts *options, configPath, recoveryPoint *string) {
	fs.StringVar(configPath, "config", "", "optional YAML config file")
	fs.StringVar(&opts.SourceTable, "source-table", opts.SourceTable, "source table name")
	fs.StringVar(&opts.TargetTable, "target-table", opts.TargetTable, "target table name")
	fs.StringVar(&opts.SourceRegion, "source-region", opts.SourceRegion, "source region")
	fs.StringVar(&opts.TargetRegion, "target-region", opts.TargetRegion, "target region")
	fs.StringVar(&opts.BackupBucket, "backup-bucket", opts.BackupBucket, "backup bucket name")
	fs.StringVar(&opts.BackupRegion, "backup-region", opts.BackupRegion, "backup bucket region (defaults to target region)")
	fs.StringVar(&opts.CheckpointTable, "checkpoint-table", opts.CheckpointTable, "checkpoint table name in the target region")
	fs.StringVar(&opts.SnapshotID, "snapshot-id", opts.SnapshotID, "pin a specific full backup instead of the latest")
	fs.StringVar(recoveryPoint, "recovery-point", "", "recover to this point (YYYYMMDD_HHMMSS UTC, default latest)")
	fs.Int64Var(&opts.ExpectedCount, "expected-count", opts.ExpectedCount, "expected item count for verification (-1 to skip)")
	fs.IntVar(&opts.Concurrency, "concurrency", opts.Concurrency, "parallel writers per batch for key-disjoint records")
	fs.DurationVar(&opts.CutPointSlack, "cut-point-slack", opts.CutPointSlack, "replay window overlap before the cut point")
	fs.DurationVar(&opts.PollInterval, "poll-interval", opts.PollInterval, "restore status poll interval")
	fs.DurationVar(&opts.MaxRestoreWait, "max-restore-wait", opts.MaxRestoreWait, "maximum time to wait for the snapshot restore")
	fs.BoolVar(&opts.Verbose, "v", opts.Verbose, "verbose logging")
}

func parseOptions(args []string) (*options, error) {
	// First pass only locates -config; its output is discarded.
	probe := defaultOptions()
	var configPath, recoveryPoint string
	first := flag.NewFlagSet("dr-manager", flag.ContinueOnError)
	first.SetOutput(io.Discard)
	bindFlags(first, probe, &configPath, &recoveryPoint)
	if err := first.Parse(args); err != nil {
		return nil, err
	}

	// Second pass: file values become the flag defaults, so flags given
	// on the command line override the file.
	opts := defaultOptions()
	if configPath != "" {
		if err := loadConfigFile(configPath, opts); err != nil {
			return nil, err
		}
	}
	fs := flag.NewFlagSet("dr-manager", flag.ContinueOnError)
	bindFlags(fs, opts, &configPath, &recoveryPoint)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	point, err := parseRecoveryPoint(recoveryPoint)
	if err != nil {
		return nil, err
	}
	opts.RecoveryPoint = point

	if opts.BackupRegion == "" {
		opts.BackupRegion = opts.TargetRegion
	}

	switch {
	case opts.SourceTable == "":
		return nil, errors.New("-source-table is required")
	case opts.TargetTable == "":
		return nil, errors.New("-target-table is required")
	case opts.BackupBucket == "":
		return nil, errors.New("-backup-bucket is required")
	}
	return opts, nil
}

func loadConfigFile(path string, opts *options) error {
	raw, err := os.ReadFile(path) //nolint:gosec // path is operator supplied
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, opts); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}
