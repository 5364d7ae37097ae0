package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"tickflow/logger"
)

// Only the newest snapshots are kept in the published metadata.
const maxSnapshots = 100

// DataFile describes one uploaded parquet object.
type DataFile struct {
	Key         string            `json:"path"`
	Size        int64             `json:"file_size_in_bytes"`
	RecordCount int64             `json:"record_count"`
	Partition   map[string]string `json:"partition"`
	WrittenAt   time.Time         `json:"written_at"`
}

type snapshot struct {
	SnapshotID  int64      `json:"snapshot-id"`
	TimestampMs int64      `json:"timestamp-ms"`
	Files       []DataFile `json:"data-files"`
}

// tableMetadata is an Iceberg-style table description so query engines can
// discover the archived files without listing the bucket.
type tableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []snapshot `json:"snapshots"`
}

// catalog collects uploaded files until the next metadata publish.
type catalog struct {
	mu        sync.Mutex
	tableUUID string
	location  string
	pending   []DataFile
	snapshots []snapshot
}

func newCatalog(bucket, prefix string) *catalog {
	loc := "s3://" + bucket
	if p := strings.Trim(prefix, "/"); p != "" {
		loc += "/" + p
	}
	return &catalog{tableUUID: uuid.NewString(), location: loc}
}

func (c *catalog) add(df DataFile) {
	c.mu.Lock()
	c.pending = append(c.pending, df)
	c.mu.Unlock()
}

// build returns the metadata including a new snapshot of the pending files.
// ok is false when nothing was uploaded since the last commit.
func (c *catalog) build(now time.Time) (meta tableMetadata, snap snapshot, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return tableMetadata{}, snapshot{}, false
	}
	snap = snapshot{
		SnapshotID:  now.UnixNano(),
		TimestampMs: now.UnixMilli(),
		Files:       append([]DataFile(nil), c.pending...),
	}
	snaps := append(append([]snapshot(nil), c.snapshots...), snap)
	if len(snaps) > maxSnapshots {
		snaps = snaps[len(snaps)-maxSnapshots:]
	}
	meta = tableMetadata{
		FormatVersion:     2,
		TableUUID:         c.tableUUID,
		Location:          c.location,
		CurrentSnapshotID: snap.SnapshotID,
		Snapshots:         snaps,
	}
	return meta, snap, true
}

// commit records snap as published and drops its files from pending.
func (c *catalog) commit(snap snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append([]DataFile(nil), c.pending[len(snap.Files):]...)
	c.snapshots = append(c.snapshots, snap)
	if len(c.snapshots) > maxSnapshots {
		c.snapshots = append([]snapshot(nil), c.snapshots[len(c.snapshots)-maxSnapshots:]...)
	}
}

func (w *Writer) metadataKey() string {
	if p := strings.Trim(w.cfg.Prefix, "/"); p != "" {
		return path.Join(p, "_metadata", "metadata.json")
	}
	return path.Join("_metadata", "metadata.json")
}

// publishMetadata uploads the table metadata when files were added since the
// previous publish. A failed upload keeps the files pending.
func (w *Writer) publishMetadata(ctx context.Context) {
	meta, snap, ok := w.catalog.build(w.now())
	if !ok {
		return
	}
	log := w.log.WithComponent("archive").WithFields(logger.Fields{"files": len(snap.Files)})

	body, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		log.WithError(err).Error("failed to encode archive metadata")
		return
	}
	key := w.metadataKey()
	if _, err := w.client.PutObject(context.WithoutCancel(ctx), &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}); err != nil {
		w.errors.Add(1)
		log.WithError(err).WithFields(logger.Fields{"s3_key": key}).Warn("failed to publish archive metadata")
		return
	}
	w.catalog.commit(snap)
	log.WithFields(logger.Fields{"s3_key": key, "snapshot_id": snap.SnapshotID}).Info("archive metadata published")
}
