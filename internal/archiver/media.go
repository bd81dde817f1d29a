package archiver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/mxarchive/internal/metrics"
	"github.com/roach88/mxarchive/internal/model"
)

const (
	// DefaultMaxMediaSize is the largest body materialized by default.
	DefaultMaxMediaSize int64 = 100 << 20

	defaultMediaBatch = 50
)

var errTooLarge = errors.New("media exceeds size limit")

// MediaOutcome counts one room's materialization pass.
type MediaOutcome struct {
	Materialized int
	Failed       int
	Bytes        int64
}

// MediaMaterializer fetches the bytes of referenced media and records them
// once per content ID.
type MediaMaterializer struct {
	proto   Protocol
	store   Storage
	blobs   BlobStore
	maxSize int64
	batch   int
	group   singleflight.Group
	log     *slog.Logger
}

// MediaOption configures a MediaMaterializer.
type MediaOption func(*MediaMaterializer)

// WithMaxMediaSize refuses bodies larger than n bytes. Zero disables the limit.
func WithMaxMediaSize(n int64) MediaOption {
	return func(m *MediaMaterializer) {
		m.maxSize = n
	}
}

// WithMediaBatch sets how many pending rows one retry pass reads.
func WithMediaBatch(n int) MediaOption {
	return func(m *MediaMaterializer) {
		if n > 0 {
			m.batch = n
		}
	}
}

// WithMediaLogger sets the logger.
func WithMediaLogger(l *slog.Logger) MediaOption {
	return func(m *MediaMaterializer) {
		m.log = l
	}
}

// NewMediaMaterializer creates a MediaMaterializer.
func NewMediaMaterializer(p Protocol, s Storage, blobs BlobStore, opts ...MediaOption) *MediaMaterializer {
	m := &MediaMaterializer{
		proto:   p,
		store:   s,
		blobs:   blobs,
		maxSize: DefaultMaxMediaSize,
		batch:   defaultMediaBatch,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Materialize ensures the bytes of a referenced content ID are stored.
//
// A content ID already materialized is never fetched again. Concurrent calls
// for one content ID share a single fetch. A failed fetch is recorded on the
// media row and returned as a MEDIA_UNAVAILABLE error; the row stays
// referenced and is retried by later runs.
func (m *MediaMaterializer) Materialize(ctx context.Context, contentID string) (model.MediaStatus, error) {
	obj, err := m.store.ReadMedia(ctx, contentID)
	if err != nil {
		return "", storageFailure("", "", "read media", err)
	}
	if obj.Status == model.MediaMaterialized {
		return model.MediaMaterialized, nil
	}

	v, err, shared := m.group.Do(contentID, func() (any, error) {
		return m.fetch(ctx, obj)
	})
	if shared {
		m.log.Debug("media fetch shared", "content_id", contentID)
	}
	if err != nil {
		return model.MediaReferenced, err
	}
	return v.(model.MediaStatus), nil
}

// RetryPending materializes every referenced media row linked to a room.
// Failures are counted, never returned; only a storage error reading the
// pending rows aborts the pass.
func (m *MediaMaterializer) RetryPending(ctx context.Context, roomID string) (MediaOutcome, error) {
	var out MediaOutcome

	pending, err := m.store.PendingMedia(ctx, roomID, m.batch)
	if err != nil {
		return out, storageFailure(roomID, "", "read pending media", err)
	}

	for _, obj := range pending {
		if ctx.Err() != nil {
			break
		}
		status, err := m.Materialize(ctx, obj.ContentID)
		switch {
		case err != nil:
			out.Failed++
			m.log.Warn("media not materialized",
				"room_id", roomID,
				"content_id", obj.ContentID,
				"attempts", obj.Attempts+1,
				"error", err,
			)
		case status == model.MediaMaterialized:
			out.Materialized++
			if rec, err := m.store.ReadMedia(ctx, obj.ContentID); err == nil {
				out.Bytes += rec.Size
			}
		}
	}
	return out, nil
}

// fetch runs phase 2 for one content ID.
func (m *MediaMaterializer) fetch(ctx context.Context, obj model.MediaObject) (model.MediaStatus, error) {
	data, contentType, err := m.download(ctx, obj.ContentID)
	if err == nil && obj.DeclaredSize > 0 && int64(len(data)) != obj.DeclaredSize {
		err = fmt.Errorf("size mismatch: declared %d, got %d", obj.DeclaredSize, len(data))
	}
	if err != nil {
		return m.fail(ctx, obj, err)
	}
	if contentType == "" {
		contentType = obj.DeclaredType
	}
	if obj.DeclaredType != "" && contentType != obj.DeclaredType {
		m.log.Debug("media type differs from declared",
			"content_id", obj.ContentID,
			"declared", obj.DeclaredType,
			"actual", contentType,
		)
	}

	sum := sha256.Sum256(data)
	key := BlobKey(obj.ContentID)
	if err := m.blobs.Put(ctx, key, data, contentType); err != nil {
		return m.fail(ctx, obj, fmt.Errorf("store blob: %w", err))
	}

	err = m.store.MarkMaterialized(context.WithoutCancel(ctx), model.Materialized{
		ContentID:   obj.ContentID,
		ContentType: contentType,
		Size:        int64(len(data)),
		SHA256:      hex.EncodeToString(sum[:]),
		BlobKey:     key,
	})
	if err != nil {
		return model.MediaReferenced, storageFailure(obj.RoomID, "", "mark materialized", err)
	}

	metrics.MediaFetches.WithLabelValues("ok").Inc()
	metrics.MediaBytes.Add(float64(len(data)))
	m.log.Debug("media materialized",
		"content_id", obj.ContentID,
		"bytes", len(data),
		"content_type", contentType,
	)
	return model.MediaMaterialized, nil
}

func (m *MediaMaterializer) download(ctx context.Context, contentID string) ([]byte, string, error) {
	media, err := m.proto.FetchMedia(ctx, contentID)
	if err != nil {
		return nil, "", err
	}
	defer media.Body.Close()

	r := io.Reader(media.Body)
	if m.maxSize > 0 {
		r = io.LimitReader(media.Body, m.maxSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if m.maxSize > 0 && int64(len(data)) > m.maxSize {
		return nil, "", fmt.Errorf("%w (%d bytes)", errTooLarge, m.maxSize)
	}
	return data, media.ContentType, nil
}

// fail records a phase 2 failure. The row stays referenced.
func (m *MediaMaterializer) fail(ctx context.Context, obj model.MediaObject, cause error) (model.MediaStatus, error) {
	metrics.MediaFetches.WithLabelValues("failed").Inc()
	if err := m.store.RecordMediaFailure(context.WithoutCancel(ctx), obj.ContentID, cause.Error()); err != nil {
		return model.MediaReferenced, storageFailure(obj.RoomID, "", "record media failure", err)
	}
	return model.MediaReferenced, &SyncError{
		Code: CodeMediaUnavailable,
		Room: obj.RoomID,
		Op:   "fetch " + obj.ContentID,
		Err:  cause,
	}
}

// BlobKey returns the blob store key for a content ID:
// mxc://server/id is stored under media/server/id.
func BlobKey(contentID string) string {
	return "media/" + strings.TrimPrefix(contentID, "mxc://")
}
