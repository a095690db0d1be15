// Package snapshot covers the full-backup side of recovery: requesting
// point-in-time table exports, tracking their manifests in the backup
// bucket, and restoring an export into a target table via table import.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/changes"
	"github.com/bingbingliu18/ddb-cross-region-dr/pkg/retry"
)

// Status is the lifecycle of a snapshot (export or import side).
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusComplete Status = "COMPLETE"
	StatusFailed   Status = "FAILED"
)

// Manifest describes one full backup. It is written next to the export
// data so a recovery can discover backups without reaching the source
// region's control plane.
type Manifest struct {
	SnapshotID string    `json:"snapshot_id"`
	TableName  string    `json:"table_name"`
	ExportARN  string    `json:"export_arn"`
	CutPoint   time.Time `json:"cut_point"`
	Bucket     string    `json:"bucket"`
	Prefix     string    `json:"prefix"`
	S3Path     string    `json:"s3_path"`
	Status     Status    `json:"status"`
}

// manifestPrefix is where manifests live, keyed by source table.
const manifestPrefix = "backup-metadata/"

func manifestKey(table, snapshotID string) string {
	return fmt.Sprintf("%s%s/%s.json", manifestPrefix, table, snapshotID)
}

// ManifestStore persists manifests as objects in the backup bucket.
type ManifestStore struct {
	api    changes.S3API
	bucket string
	retry  retry.Policy
	logger *zap.Logger
}

// NewManifestStore builds a manifest store over the backup bucket.
func NewManifestStore(api changes.S3API, bucket string, logger *zap.Logger) (*ManifestStore, error) {
	if api == nil {
		return nil, errors.New("snapshot: s3 api is nil")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("snapshot: bucket is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ManifestStore{api: api, bucket: bucket, retry: retry.ForS3(), logger: logger}, nil
}

// Put writes (or overwrites) a manifest object.
func (m *ManifestStore) Put(ctx context.Context, manifest *Manifest) error {
	if manifest == nil {
		return errors.New("snapshot: manifest is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest %s: %w", manifest.SnapshotID, err)
	}

	key := manifestKey(manifest.TableName, manifest.SnapshotID)
	return m.retry.Do(ctx, "s3.PutObject", retry.S3Classifier, func(ctx context.Context) error {
		_, callErr := m.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(m.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		return callErr
	})
}

// Get loads one manifest by snapshot ID.
func (m *ManifestStore) Get(ctx context.Context, table, snapshotID string) (*Manifest, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return m.fetch(ctx, manifestKey(table, snapshotID))
}

// List returns every readable manifest for a table, newest cut point
// first. Malformed manifest objects are skipped with a warning, exactly
// because a half-written manifest must never block a recovery.
func (m *ManifestStore) List(ctx context.Context, table string) ([]*Manifest, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	prefix := manifestPrefix + table + "/"
	var keys []string
	var token *string
	for {
		var out *s3.ListObjectsV2Output
		err := m.retry.Do(ctx, "s3.ListObjectsV2", retry.S3Classifier, func(ctx context.Context) error {
			var callErr error
			out, callErr = m.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(m.bucket),
				Prefix:            aws.String(prefix),
				ContinuationToken: token,
			})
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("listing backup manifests for %s: %w", table, err)
		}
		for _, obj := range out.Contents {
			if key := aws.ToString(obj.Key); strings.HasSuffix(key, ".json") {
				keys = append(keys, key)
			}
		}
		if out.NextContinuationToken == nil || !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}

	manifests := make([]*Manifest, 0, len(keys))
	for _, key := range keys {
		manifest, err := m.fetch(ctx, key)
		if err != nil {
			m.logger.Warn("skipping unreadable backup manifest", zap.String("key", key), zap.Error(err))
			continue
		}
		manifests = append(manifests, manifest)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].CutPoint.After(manifests[j].CutPoint)
	})
	return manifests, nil
}

func (m *ManifestStore) fetch(ctx context.Context, key string) (*Manifest, error) {
	var body []byte
	err := m.retry.Do(ctx, "s3.GetObject", retry.S3Classifier, func(ctx context.Context) error {
		out, callErr := m.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(key),
		})
		if callErr != nil {
			return callErr
		}
		defer out.Body.Close()
		body, callErr = io.ReadAll(out.Body)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetching manifest %s: %w", key, err)
	}

	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("manifest %s: malformed body: %w", key, err)
	}
	if manifest.SnapshotID == "" || manifest.ExportARN == "" {
		return nil, fmt.Errorf("manifest %s: missing snapshot id or export arn", key)
	}
	return &manifest, nil
}
