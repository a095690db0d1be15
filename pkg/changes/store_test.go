package changes

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

// fakeS3 is an in-memory object store honoring prefix listing and
// continuation tokens.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for key := range f.objects {
		if params.Prefix == nil || len(*params.Prefix) == 0 || bytes.HasPrefix([]byte(key), []byte(*params.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start := 0
	if params.ContinuationToken != nil {
		for i, key := range keys {
			if key > *params.ContinuationToken {
				start = i
				break
			}
		}
	}

	pageSize := f.pageSize
	if pageSize <= 0 {
		pageSize = len(keys) + 1
	}
	end := start + pageSize
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, key := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(key)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end-1])
	}
	return out, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body, ok := f.objects[*params.Key]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: *params.Key}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*params.Key] = body
	return &s3.PutObjectOutput{}, nil
}

const validBatchBody = `[{"eventName":"INSERT","keys":{"id":{"S":"a"}},"newImage":{"id":{"S":"a"}},"sequenceNumber":"100","approximateCreationDateTime":1700000000}]`

func TestS3StoreList(t *testing.T) {
	fake := newFakeS3()
	fake.objects["ddb-changes/ddb_changes_20260101_000100_1.json"] = []byte(validBatchBody)
	fake.objects["ddb-changes/ddb_changes_20260101_000300_3.json"] = []byte(validBatchBody)
	fake.objects["ddb-changes/ddb_changes_20260101_000200_2.json"] = []byte(validBatchBody)
	fake.objects["ddb-changes/notes.txt"] = []byte("ignored")
	fake.objects["ddb-changes/other_20260101.json"] = []byte("unparseable name")

	store, err := NewS3Store(context.Background(), "backups", WithAPI(fake))
	require.NoError(t, err)

	after := time.Date(2026, 1, 1, 0, 2, 0, 0, time.UTC)
	refs, err := store.List(context.Background(), after)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	require.Equal(t, "ddb-changes/ddb_changes_20260101_000200_2.json", refs[0].Key)
	require.Equal(t, "ddb-changes/ddb_changes_20260101_000300_3.json", refs[1].Key)
	require.Equal(t, after, refs[0].CapturedAt)
}

func TestS3StoreListPaginates(t *testing.T) {
	fake := newFakeS3()
	fake.pageSize = 2
	for _, key := range []string{
		"ddb-changes/ddb_changes_20260101_000100_1.json",
		"ddb-changes/ddb_changes_20260101_000200_2.json",
		"ddb-changes/ddb_changes_20260101_000300_3.json",
		"ddb-changes/ddb_changes_20260101_000400_4.json",
		"ddb-changes/ddb_changes_20260101_000500_5.json",
	} {
		fake.objects[key] = []byte(validBatchBody)
	}

	store, err := NewS3Store(context.Background(), "backups", WithAPI(fake))
	require.NoError(t, err)

	refs, err := store.List(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, refs, 5)
}

func TestS3StoreFetch(t *testing.T) {
	fake := newFakeS3()
	key := "ddb-changes/ddb_changes_20260101_000100_100.json"
	fake.objects[key] = []byte(validBatchBody)

	store, err := NewS3Store(context.Background(), "backups", WithAPI(fake))
	require.NoError(t, err)

	batch, err := store.Fetch(context.Background(), BatchRef{Key: key})
	require.NoError(t, err)
	require.Equal(t, key, batch.Key)
	require.Len(t, batch.Records, 1)
	require.Equal(t, "100", batch.Records[0].SequenceNumber)
}

func TestS3StoreFetchMissingObject(t *testing.T) {
	store, err := NewS3Store(context.Background(), "backups", WithAPI(newFakeS3()))
	require.NoError(t, err)

	_, err = store.Fetch(context.Background(), BatchRef{Key: "ddb-changes/missing.json"})
	require.Error(t, err)
}

func TestS3StoreWriteRoundTrip(t *testing.T) {
	fake := newFakeS3()
	store, err := NewS3Store(context.Background(), "backups", WithAPI(fake))
	require.NoError(t, err)

	captured := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	records := []Record{{
		EventName:                   EventInsert,
		Keys:                        keyFor("a"),
		NewImage:                    keyFor("a"),
		SequenceNumber:              "100",
		ApproximateCreationDateTime: 1700000000,
	}}

	key, err := store.Write(context.Background(), captured, "100", records)
	require.NoError(t, err)
	require.Equal(t, "ddb-changes/ddb_changes_20260314_092653_100.json", key)

	batch, err := store.Fetch(context.Background(), BatchRef{Key: key})
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	require.Equal(t, records[0].SequenceNumber, batch.Records[0].SequenceNumber)
}

func TestS3StoreWriteRejectsEmptyBatch(t *testing.T) {
	store, err := NewS3Store(context.Background(), "backups", WithAPI(newFakeS3()))
	require.NoError(t, err)

	_, err = store.Write(context.Background(), time.Now(), "0", nil)
	require.Error(t, err)
}

func TestNewS3StoreValidatesBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), "  ", WithAPI(newFakeS3()))
	require.Error(t, err)
}
