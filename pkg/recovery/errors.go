package recovery

import (
	"fmt"

	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/applier"
)

// SnapshotError means the full-backup restore phase failed. It is fatal
// to the whole recovery.
type SnapshotError struct {
	SnapshotID string
	Detail     string
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot restore %s failed: %s", e.SnapshotID, e.Detail)
}

// BatchFailedError names the exact batch whose records could not be
// applied. Replay halts at this batch; nothing after it was started.
type BatchFailedError struct {
	BatchKey string
	Failures []applier.RecordFailure
}

func (e *BatchFailedError) Error() string {
	return fmt.Sprintf("change batch %s: %d record(s) failed to apply", e.BatchKey, len(e.Failures))
}

// VerifyMismatchError reports a post-replay consistency check failure.
type VerifyMismatchError struct {
	Expected int64
	Observed int64
}

func (e *VerifyMismatchError) Error() string {
	return fmt.Sprintf("verification failed: expected %d items, observed %d", e.Expected, e.Observed)
}
