// Package recovery orchestrates a cross-region disaster recovery: a
// full-snapshot restore into the target table followed by strictly
// ordered replay of every change batch captured after the snapshot's
// cut point, with a durable checkpoint making every step resumable.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/applier"
	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/changes"
	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/checkpoint"
	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/notify"
	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/snapshot"
)

// BatchApplier applies one change batch to the target table.
type BatchApplier interface {
	Apply(ctx context.Context, batch *changes.Batch) (*applier.Result, error)
}

// SnapshotCatalog locates full backups of the source table.
type SnapshotCatalog interface {
	Latest(ctx context.Context, table string, notAfter time.Time) (*snapshot.Manifest, error)
	Get(ctx context.Context, table, snapshotID string) (*snapshot.Manifest, error)
}

// CheckpointStore persists recovery progress.
type CheckpointStore interface {
	Load(ctx context.Context, tableName, region string) (*checkpoint.Checkpoint, error)
	Save(ctx context.Context, cp *checkpoint.Checkpoint) error
}

// Config parameterizes one recovery.
type Config struct {
	SourceTable  string
	TargetTable  string
	TargetRegion string

	// RecoveryPoint bounds snapshot selection; zero means latest.
	RecoveryPoint time.Time
	// SnapshotID pins a specific snapshot instead of the latest.
	SnapshotID string

	// CutPointSlack widens the replay window backwards from the cut
	// point. The replayed overlap is absorbed by idempotent application;
	// a gap would not be.
	CutPointSlack time.Duration
	PollInterval  time.Duration
	MaxRestoreWait time.Duration

	// ExpectedCount is the externally supplied verification digest.
	// Zero is a real expectation of an empty table and fails
	// verification when the target holds items. Callers with no
	// expectation must pass a negative value (the CLI defaults to -1)
	// to skip the comparison; the observed count is still recorded.
	ExpectedCount int64

	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.CutPointSlack <= 0 {
		c.CutPointSlack = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.MaxRestoreWait <= 0 {
		c.MaxRestoreWait = time.Hour
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SourceTable) == "" {
		return errors.New("recovery: source table is empty")
	}
	if strings.TrimSpace(c.TargetTable) == "" {
		return errors.New("recovery: target table is empty")
	}
	if strings.TrimSpace(c.TargetRegion) == "" {
		return errors.New("recovery: target region is empty")
	}
	return nil
}

// Deps are the collaborators the manager sequences.
type Deps struct {
	Snapshots   SnapshotCatalog
	Restorer    snapshot.Restorer
	Changes     changes.Store
	Applier     BatchApplier
	Checkpoints CheckpointStore
	Counter     Counter
	// Notifier is optional; nil disables terminal-state notification.
	Notifier notify.Notifier
}

func (d Deps) validate() error {
	switch {
	case d.Snapshots == nil:
		return errors.New("recovery: snapshot catalog is required")
	case d.Restorer == nil:
		return errors.New("recovery: restorer is required")
	case d.Changes == nil:
		return errors.New("recovery: change store is required")
	case d.Applier == nil:
		return errors.New("recovery: applier is required")
	case d.Checkpoints == nil:
		return errors.New("recovery: checkpoint store is required")
	case d.Counter == nil:
		return errors.New("recovery: counter is required")
	}
	return nil
}

// Outcome summarizes a finished (or halted) recovery run.
type Outcome struct {
	Status        checkpoint.Status
	RunID         string
	SnapshotID    string
	AppliedCount  int64
	ObservedCount int64
	FailedBatch   string
	Failures      []applier.RecordFailure
}

// Manager drives the recovery state machine. At most one Manager may
// run against a given (table, region) checkpoint at a time; that is an
// operational invariant, not enforced here.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a recovery manager.
func New(cfg Config, deps Deps) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:    cfg,
		deps:   deps,
		logger: cfg.Logger,
		sleep:  sleepContext,
	}, nil
}

// Run executes the recovery to a terminal state, resuming from the
// persisted checkpoint when one exists. A checkpoint already Complete
// is a no-op success. Cancellation returns the context error without
// marking the run failed; the checkpoint keeps the last fully applied
// batch, and an interrupted batch re-applies idempotently on resume.
func (m *Manager) Run(ctx context.Context) (*Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	cp, err := m.deps.Checkpoints.Load(ctx, m.cfg.TargetTable, m.cfg.TargetRegion)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		cp = &checkpoint.Checkpoint{
			TableName: m.cfg.TargetTable,
			Region:    m.cfg.TargetRegion,
			RunID:     ulid.Make().String(),
			Status:    checkpoint.StatusNotStarted,
		}
	}

	if cp.Status == checkpoint.StatusComplete {
		m.logger.Info("recovery already complete",
			zap.String("table", cp.TableName),
			zap.String("run_id", cp.RunID))
		return m.outcome(cp), nil
	}
	if cp.Status == checkpoint.StatusFailed {
		m.logger.Info("resuming failed recovery",
			zap.String("table", cp.TableName),
			zap.String("last_batch", cp.LastAppliedBatchID),
			zap.String("reason", cp.FailureReason))
		cp.FailureReason = ""
	}

	if !cp.SnapshotRestored {
		if err := m.restore(ctx, cp); err != nil {
			return m.outcome(cp), err
		}
	}

	failedBatch, failures, err := m.replay(ctx, cp)
	if err != nil {
		out := m.outcome(cp)
		out.FailedBatch = failedBatch
		out.Failures = failures
		return out, err
	}

	if err := m.verify(ctx, cp); err != nil {
		return m.outcome(cp), err
	}

	cp.Status = checkpoint.StatusComplete
	if err := m.deps.Checkpoints.Save(ctx, cp); err != nil {
		return m.outcome(cp), err
	}
	m.notifyTerminal(ctx, cp, "")

	m.logger.Info("recovery complete",
		zap.String("table", cp.TableName),
		zap.String("run_id", cp.RunID),
		zap.Int64("applied", cp.AppliedCount),
		zap.Int64("observed", cp.ObservedCount))
	return m.outcome(cp), nil
}

func (m *Manager) restore(ctx context.Context, cp *checkpoint.Checkpoint) error {
	cp.Status = checkpoint.StatusRestoringSnapshot
	if err := m.deps.Checkpoints.Save(ctx, cp); err != nil {
		return err
	}

	var manifest *snapshot.Manifest
	var err error
	if m.cfg.SnapshotID != "" {
		manifest, err = m.deps.Snapshots.Get(ctx, m.cfg.SourceTable, m.cfg.SnapshotID)
	} else {
		manifest, err = m.deps.Snapshots.Latest(ctx, m.cfg.SourceTable, m.cfg.RecoveryPoint)
	}
	if err != nil {
		return m.fail(ctx, cp, fmt.Sprintf("locating full backup: %v", err), err)
	}

	cp.SnapshotID = manifest.SnapshotID
	cp.CutPoint = manifest.CutPoint
	if err := m.deps.Checkpoints.Save(ctx, cp); err != nil {
		return err
	}

	m.logger.Info("restoring full backup",
		zap.String("snapshot_id", manifest.SnapshotID),
		zap.Time("cut_point", manifest.CutPoint),
		zap.String("target_table", m.cfg.TargetTable))

	importARN, err := m.deps.Restorer.RequestRestore(ctx, manifest, m.cfg.TargetTable)
	if err != nil {
		return m.fail(ctx, cp, fmt.Sprintf("starting restore: %v", err), err)
	}

	deadline := time.Now().Add(m.cfg.MaxRestoreWait)
	for {
		info, err := m.deps.Restorer.Status(ctx, importARN)
		if err != nil {
			return m.fail(ctx, cp, fmt.Sprintf("polling restore: %v", err), err)
		}
		switch info.Status {
		case snapshot.StatusComplete:
			cp.SnapshotRestored = true
			cp.Status = checkpoint.StatusReplayingIncrements
			return m.deps.Checkpoints.Save(ctx, cp)
		case snapshot.StatusFailed:
			snapErr := &SnapshotError{SnapshotID: manifest.SnapshotID, Detail: info.Detail}
			return m.fail(ctx, cp, snapErr.Error(), snapErr)
		}

		if time.Now().After(deadline) {
			snapErr := &SnapshotError{
				SnapshotID: manifest.SnapshotID,
				Detail:     fmt.Sprintf("restore did not finish within %s", m.cfg.MaxRestoreWait),
			}
			return m.fail(ctx, cp, snapErr.Error(), snapErr)
		}
		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// replay applies every discovered batch after the cut point, strictly
// in key order, checkpointing after each one. Order matters: a later
// change for a key must be allowed to supersede an earlier one, and the
// marker comparison only yields that when batches arrive oldest first.
func (m *Manager) replay(ctx context.Context, cp *checkpoint.Checkpoint) (string, []applier.RecordFailure, error) {
	cp.Status = checkpoint.StatusReplayingIncrements
	if err := m.deps.Checkpoints.Save(ctx, cp); err != nil {
		return "", nil, err
	}

	after := cp.CutPoint.Add(-m.cfg.CutPointSlack)
	refs, err := m.deps.Changes.List(ctx, after)
	if err != nil {
		return "", nil, m.fail(ctx, cp, fmt.Sprintf("discovering change batches: %v", err), err)
	}

	applied := 0
	for _, ref := range refs {
		// Already reflected by a previous run.
		if cp.LastAppliedBatchID != "" && ref.Key <= cp.LastAppliedBatchID {
			continue
		}
		if err := ctx.Err(); err != nil {
			m.logger.Warn("recovery cancelled between batches",
				zap.String("last_batch", cp.LastAppliedBatchID))
			return "", nil, err
		}

		batch, err := m.deps.Changes.Fetch(ctx, ref)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				m.logger.Warn("recovery cancelled mid-batch",
					zap.String("batch", ref.Key),
					zap.String("last_batch", cp.LastAppliedBatchID))
				return "", nil, ctxErr
			}
			return ref.Key, nil, m.fail(ctx, cp, fmt.Sprintf("fetching batch %s: %v", ref.Key, err), err)
		}

		result, err := m.deps.Applier.Apply(ctx, batch)
		if err != nil {
			// An operator interrupt is not a failed recovery. The
			// checkpoint keeps the last fully applied batch; the
			// interrupted one re-applies idempotently on resume.
			if ctxErr := ctx.Err(); ctxErr != nil {
				m.logger.Warn("recovery cancelled mid-batch",
					zap.String("batch", ref.Key),
					zap.String("last_batch", cp.LastAppliedBatchID))
				return "", nil, ctxErr
			}
			return ref.Key, nil, m.fail(ctx, cp, fmt.Sprintf("applying batch %s: %v", ref.Key, err), err)
		}
		if !result.Ok() {
			batchErr := &BatchFailedError{BatchKey: ref.Key, Failures: result.Failed}
			return ref.Key, result.Failed, m.fail(ctx, cp, batchErr.Error(), batchErr)
		}

		cp.LastAppliedBatchID = ref.Key
		if n := len(batch.Records); n > 0 {
			cp.LastAppliedSequence = batch.Records[n-1].SequenceNumber
		}
		cp.AppliedCount += int64(result.Applied)
		if err := m.deps.Checkpoints.Save(ctx, cp); err != nil {
			return ref.Key, nil, err
		}
		applied++
	}

	m.logger.Info("incremental replay finished",
		zap.Int("batches", applied),
		zap.Int64("records_applied", cp.AppliedCount))
	return "", nil, nil
}

func (m *Manager) verify(ctx context.Context, cp *checkpoint.Checkpoint) error {
	cp.Status = checkpoint.StatusVerifying
	if err := m.deps.Checkpoints.Save(ctx, cp); err != nil {
		return err
	}

	observed, err := m.deps.Counter.Count(ctx)
	if err != nil {
		return m.fail(ctx, cp, fmt.Sprintf("counting target table: %v", err), err)
	}
	cp.ObservedCount = observed

	if m.cfg.ExpectedCount >= 0 && observed != m.cfg.ExpectedCount {
		mismatch := &VerifyMismatchError{Expected: m.cfg.ExpectedCount, Observed: observed}
		return m.fail(ctx, cp, mismatch.Error(), mismatch)
	}
	return nil
}

// fail moves the checkpoint to Failed with the given reason and returns
// cause. The checkpoint keeps its replay progress so the next
// invocation resumes instead of starting over.
func (m *Manager) fail(ctx context.Context, cp *checkpoint.Checkpoint, reason string, cause error) error {
	cp.Status = checkpoint.StatusFailed
	cp.FailureReason = reason
	if err := m.deps.Checkpoints.Save(ctx, cp); err != nil {
		m.logger.Error("could not persist failed checkpoint", zap.Error(err))
	}
	m.notifyTerminal(ctx, cp, reason)

	m.logger.Error("recovery failed",
		zap.String("table", cp.TableName),
		zap.String("run_id", cp.RunID),
		zap.String("reason", reason))
	return cause
}

func (m *Manager) notifyTerminal(ctx context.Context, cp *checkpoint.Checkpoint, detail string) {
	if m.deps.Notifier == nil {
		return
	}
	err := m.deps.Notifier.Publish(ctx, notify.Event{
		TableName:    cp.TableName,
		Region:       cp.Region,
		RunID:        cp.RunID,
		Status:       string(cp.Status),
		AppliedCount: cp.AppliedCount,
		Detail:       detail,
	})
	if err != nil {
		m.logger.Warn("recovery notification failed", zap.Error(err))
	}
}

func (m *Manager) outcome(cp *checkpoint.Checkpoint) *Outcome {
	return &Outcome{
		Status:        cp.Status,
		RunID:         cp.RunID,
		SnapshotID:    cp.SnapshotID,
		AppliedCount:  cp.AppliedCount,
		ObservedCount: cp.ObservedCount,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
