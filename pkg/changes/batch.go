package changes

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"time"
)

// DefaultPrefix is where the capture function writes change batch objects.
const DefaultPrefix = "ddb-changes/"

// batchTimeLayout is the timestamp embedded in batch object names.
// Names built from it sort lexicographically in capture order.
const batchTimeLayout = "20060102_150405"

var batchNamePattern = regexp.MustCompile(`ddb_changes_(\d{8}_\d{6})`)

// BatchRef identifies one change batch object without its contents.
type BatchRef struct {
	Key        string
	CapturedAt time.Time
}

// Batch is an ordered group of change records captured together.
type Batch struct {
	Key     string
	Records []Record
}

// Validate checks every record in the batch. A malformed record makes
// the whole batch unusable; nothing should be applied from it.
func (b *Batch) Validate() error {
	if b == nil {
		return fmt.Errorf("batch is nil")
	}
	for i, rec := range b.Records {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("batch %s: record %d: %w", b.Key, i, err)
		}
	}
	return nil
}

// BatchKey builds the object key for a batch captured at t. The
// discriminator keeps keys unique when two batches share a second;
// the capture function passes the first record's sequence number.
func BatchKey(prefix string, t time.Time, discriminator string) string {
	return fmt.Sprintf("%sddb_changes_%s_%s.json", prefix, t.UTC().Format(batchTimeLayout), discriminator)
}

// ParseBatchTime extracts the capture timestamp from a batch object key.
func ParseBatchTime(key string) (time.Time, error) {
	m := batchNamePattern.FindStringSubmatch(key)
	if m == nil {
		return time.Time{}, fmt.Errorf("object key %q is not a change batch name", key)
	}
	t, err := time.ParseInLocation(batchTimeLayout, m[1], time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("object key %q: %w", key, err)
	}
	return t, nil
}

// DecodeBatch reads a batch object body: a JSON array of change records.
func DecodeBatch(key string, r io.Reader) (*Batch, error) {
	var records []Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("batch %s: malformed body: %w", key, err)
	}
	batch := &Batch{Key: key, Records: records}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return batch, nil
}

// EncodeBatch renders records as a batch object body.
func EncodeBatch(records []Record) ([]byte, error) {
	return json.Marshal(records)
}
