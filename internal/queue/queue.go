// Package queue holds submissions made while the device is offline and delivers
// them to the server when a flush runs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"reliefsync/internal/localstore"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	keyPrefix         = "pending:"
	defaultMediaField = "media"
)

var ErrInvalidRecord = errors.New("invalid queue record")

// Record is one queued submission. ID doubles as the remote document id so a
// repeated delivery lands on the same document.
type Record struct {
	ID         string                 `json:"id"`
	Collection string                 `json:"collection"`
	Data       map[string]interface{} `json:"data"`
	MediaPath  string                 `json:"mediaPath,omitempty"`
	MediaURL   string                 `json:"mediaUrl,omitempty"`
	MediaField string                 `json:"mediaField,omitempty"`
	QueuedAt   time.Time              `json:"queuedAt"`
	Attempts   int                    `json:"attempts"`
	LastError  string                 `json:"lastError,omitempty"`
}

// KV is the local persistence the queue writes to
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Count(ctx context.Context, prefix string) (int, error)
}

// Remote writes a document under a fixed id. A repeated write of an id that
// already exists must succeed without creating a second document.
type Remote interface {
	PutDocument(ctx context.Context, collection, id string, data map[string]interface{}) (bool, error)
}

// MediaUploader uploads a local file and returns its public URL
type MediaUploader interface {
	UploadMedia(ctx context.Context, path string) (string, error)
}

// Report summarizes one flush
type Report struct {
	Attempted int  `json:"attempted"`
	Delivered int  `json:"delivered"`
	Failed    int  `json:"failed"`
	Skipped   bool `json:"skipped,omitempty"`
}

// Notifier receives the summary of every flush that ran
type Notifier func(Report)

type Queue struct {
	kv       KV
	remote   Remote
	uploader MediaUploader
	notify   Notifier
	metrics  *Metrics
	log      *zap.Logger
	flushing atomic.Bool
	now      func() time.Time
}

func New(kv KV, remote Remote, log *zap.Logger) *Queue {
	return &Queue{
		kv:     kv,
		remote: remote,
		log:    log,
		now:    time.Now,
	}
}

func (q *Queue) SetUploader(u MediaUploader) {
	q.uploader = u
}

func (q *Queue) SetNotifier(n Notifier) {
	q.notify = n
}

func (q *Queue) SetMetrics(m *Metrics) {
	q.metrics = m
}

func recordKey(queuedAt time.Time, id string) string {
	return fmt.Sprintf("%s%020d-%s", keyPrefix, queuedAt.UnixNano(), id)
}

// Enqueue persists rec for later delivery and returns it with its id assigned.
// The caller has already validated the data.
func (q *Queue) Enqueue(ctx context.Context, rec Record) (Record, error) {
	if rec.Collection == "" {
		return Record{}, fmt.Errorf("%w: collection required", ErrInvalidRecord)
	}
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.Data == nil {
		rec.Data = map[string]interface{}{}
	}
	if rec.MediaPath != "" && rec.MediaField == "" {
		rec.MediaField = defaultMediaField
	}
	rec.QueuedAt = q.now().UTC()
	rec.Attempts = 0
	rec.LastError = ""

	if err := q.save(ctx, recordKey(rec.QueuedAt, rec.ID), rec); err != nil {
		return Record{}, err
	}
	if q.metrics != nil {
		q.metrics.Enqueued.Inc()
	}
	q.log.Info("Record queued",
		zap.String("id", rec.ID),
		zap.String("collection", rec.Collection),
		zap.Bool("media", rec.MediaPath != ""),
	)
	return rec, nil
}

// PendingCount returns the number of queued records
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.kv.Count(ctx, keyPrefix)
}

// Pending returns queued records oldest first
func (q *Queue) Pending(ctx context.Context) ([]Record, error) {
	keys, err := q.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		rec, err := q.load(ctx, key)
		if err != nil {
			if errors.Is(err, localstore.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Flush delivers every queued record in the order it was queued. Per-record
// failures are logged and counted and the record stays queued for the next
// flush. A flush started while another is running returns Skipped.
func (q *Queue) Flush(ctx context.Context) Report {
	if !q.flushing.CompareAndSwap(false, true) {
		q.log.Debug("Flush already running")
		return Report{Skipped: true}
	}
	defer q.flushing.Store(false)

	start := q.now()
	var report Report
	defer func() {
		if q.metrics != nil {
			q.metrics.FlushDuration.Observe(q.now().Sub(start).Seconds())
		}
		if q.notify != nil {
			q.notify(report)
		}
	}()

	keys, err := q.kv.Keys(ctx, keyPrefix)
	if err != nil {
		q.log.Error("Failed to list queued records", zap.Error(err))
		return report
	}

	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		rec, err := q.load(ctx, key)
		if errors.Is(err, localstore.ErrNotFound) {
			continue
		}
		report.Attempted++
		if err == nil {
			err = q.deliver(ctx, key, &rec)
		}
		if err != nil {
			report.Failed++
			if q.metrics != nil {
				q.metrics.Failed.Inc()
			}
			q.log.Warn("Failed to deliver queued record", zap.String("key", key), zap.Error(err))
			continue
		}
		report.Delivered++
		if q.metrics != nil {
			q.metrics.Delivered.Inc()
		}
	}

	if report.Attempted > 0 {
		q.log.Info("Flush finished",
			zap.Int("attempted", report.Attempted),
			zap.Int("delivered", report.Delivered),
			zap.Int("failed", report.Failed),
		)
	}
	return report
}

func (q *Queue) deliver(ctx context.Context, key string, rec *Record) error {
	if rec.MediaPath != "" && rec.MediaURL == "" {
		if q.uploader == nil {
			return q.fail(ctx, key, rec, errors.New("record has media but no uploader is configured"))
		}
		url, err := q.uploader.UploadMedia(ctx, rec.MediaPath)
		if err != nil {
			return q.fail(ctx, key, rec, fmt.Errorf("failed to upload media: %w", err))
		}
		rec.MediaURL = url
		AttachMedia(rec, url)
		// Keep the URL so a failed write below does not upload again
		if err := q.save(ctx, key, *rec); err != nil {
			q.log.Warn("Failed to record uploaded media", zap.String("key", key), zap.Error(err))
		}
	}

	created, err := q.remote.PutDocument(ctx, rec.Collection, rec.ID, rec.Data)
	if err != nil {
		return q.fail(ctx, key, rec, err)
	}
	if !created {
		q.log.Info("Queued record already delivered", zap.String("id", rec.ID))
	}

	if err := q.kv.Delete(ctx, key); err != nil {
		// The next flush re-puts the same id, which the server treats as existing
		q.log.Warn("Failed to remove delivered record", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (q *Queue) fail(ctx context.Context, key string, rec *Record, cause error) error {
	rec.Attempts++
	rec.LastError = cause.Error()
	if err := q.save(ctx, key, *rec); err != nil {
		q.log.Warn("Failed to record delivery attempt", zap.String("key", key), zap.Error(err))
	}
	return cause
}

// AttachMedia appends url to the record's media field unless it is already there
func AttachMedia(rec *Record, url string) {
	field := rec.MediaField
	if field == "" {
		field = defaultMediaField
	}
	if rec.Data == nil {
		rec.Data = map[string]interface{}{}
	}
	var list []interface{}
	switch v := rec.Data[field].(type) {
	case []interface{}:
		list = v
	case []string:
		for _, s := range v {
			list = append(list, s)
		}
	}
	for _, existing := range list {
		if existing == url {
			return
		}
	}
	rec.Data[field] = append(list, url)
}

func (q *Queue) save(ctx context.Context, key string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return q.kv.Put(ctx, key, raw)
}

func (q *Queue) load(ctx context.Context, key string) (Record, error) {
	raw, err := q.kv.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if rec.Data == nil {
		rec.Data = map[string]interface{}{}
	}
	return rec, nil
}
