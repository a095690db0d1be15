// Package changes models captured table mutations: the change record
// wire format, version markers used for last-writer-wins ordering, and
// the object store holding timestamp-named change batches.
package changes

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
)

// EventName identifies the kind of captured mutation.
type EventName string

const (
	EventInsert EventName = "INSERT"
	EventModify EventName = "MODIFY"
	EventRemove EventName = "REMOVE"
)

// Record is one captured mutation from the source table's change feed.
// Images are kept in their DynamoDB JSON form; conversion to SDK types
// happens at the write boundary.
type Record struct {
	EventID                     string                                      `json:"eventID,omitempty"`
	EventName                   EventName                                   `json:"eventName"`
	Keys                        map[string]events.DynamoDBAttributeValue    `json:"keys"`
	NewImage                    map[string]events.DynamoDBAttributeValue    `json:"newImage,omitempty"`
	OldImage                    map[string]events.DynamoDBAttributeValue    `json:"oldImage,omitempty"`
	SequenceNumber              string                                      `json:"sequenceNumber"`
	ApproximateCreationDateTime float64                                     `json:"approximateCreationDateTime"`
}

// CapturedAt converts the record's epoch-seconds capture time.
func (r Record) CapturedAt() time.Time {
	sec := int64(r.ApproximateCreationDateTime)
	nsec := int64((r.ApproximateCreationDateTime - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// Marker returns the record's version marker.
func (r Record) Marker() Marker {
	return Marker{At: r.ApproximateCreationDateTime, Sequence: r.SequenceNumber}
}

// Validate checks the structural invariants of a record.
func (r Record) Validate() error {
	switch r.EventName {
	case EventInsert, EventModify:
		if len(r.NewImage) == 0 {
			return fmt.Errorf("%s record %q has no new image", r.EventName, r.SequenceNumber)
		}
	case EventRemove:
		if len(r.NewImage) != 0 {
			return fmt.Errorf("REMOVE record %q carries a new image", r.SequenceNumber)
		}
	default:
		return fmt.Errorf("unknown event name %q", r.EventName)
	}
	if len(r.Keys) == 0 {
		return fmt.Errorf("%s record %q has no keys", r.EventName, r.SequenceNumber)
	}
	if strings.TrimSpace(r.SequenceNumber) == "" {
		return fmt.Errorf("%s record has no sequence number", r.EventName)
	}
	return nil
}

// Marker orders mutations of a key: capture time first, sequence number
// as the tie break. Sequence numbers are monotonic within a source
// partition, so equal capture times for the same key resolve correctly.
type Marker struct {
	At       float64
	Sequence string
}

// Before reports whether m is strictly older than other.
func (m Marker) Before(other Marker) bool {
	if m.At != other.At {
		return m.At < other.At
	}
	return CompareSequence(m.Sequence, other.Sequence) < 0
}

// Equal reports marker identity. Equal markers are treated as
// already-applied by the applier.
func (m Marker) Equal(other Marker) bool {
	return m.At == other.At && CompareSequence(m.Sequence, other.Sequence) == 0
}

// sequenceWidth fits the largest sequence number the change feed emits.
const sequenceWidth = 42

// PadSequence left-pads a decimal sequence number to a fixed width so
// that lexicographic comparison matches numeric comparison. This is the
// form stored in the target item's shadow attribute, where the
// conditional write compares it as a string.
func PadSequence(seq string) string {
	seq = strings.TrimLeft(strings.TrimSpace(seq), "0")
	if seq == "" {
		seq = "0"
	}
	if len(seq) >= sequenceWidth {
		return seq
	}
	return strings.Repeat("0", sequenceWidth-len(seq)) + seq
}

// CompareSequence compares two decimal sequence numbers numerically.
func CompareSequence(a, b string) int {
	return strings.Compare(PadSequence(a), PadSequence(b))
}

// FormatEpoch renders an epoch-seconds value the way it is stored in
// the target item's numeric shadow attribute.
func FormatEpoch(at float64) string {
	return strconv.FormatFloat(at, 'f', -1, 64)
}
