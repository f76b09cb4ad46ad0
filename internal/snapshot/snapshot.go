// Package snapshot archives rendered HTML for offline inspection. Archived
// snapshots are write-only: nothing in the service reads them back.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crudivore/internal/metrics"
	"github.com/JakeFAU/crudivore/internal/prerender"
)

const contentType = "text/html; charset=utf-8"

// Archiver writes each successful render to a blob store.
type Archiver struct {
	store  prerender.BlobStore
	hasher prerender.Hasher
	clock  prerender.Clock
	prefix string
	logger *zap.Logger

	publisher prerender.Publisher
	topic     string
	index     Indexer
}

// Event describes one stored snapshot. It is indexed and published after
// the object write succeeds.
type Event struct {
	Target      string            `json:"target"`
	TargetHash  string            `json:"target_hash"`
	URI         string            `json:"uri"`
	Status      int               `json:"status"`
	Headers     map[string]string `json:"headers,omitempty"`
	ContentHash string            `json:"content_hash"`
	ArchivedAt  time.Time         `json:"archived_at"`
}

// Indexer records stored snapshots for later lookup.
type Indexer interface {
	Record(ctx context.Context, event Event) error
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithIndex records each stored snapshot in idx.
func WithIndex(idx Indexer) Option {
	return func(a *Archiver) { a.index = idx }
}

// WithPublisher announces each stored snapshot on topic.
func WithPublisher(pub prerender.Publisher, topic string) Option {
	return func(a *Archiver) {
		a.publisher = pub
		a.topic = topic
	}
}

// New creates an Archiver. Objects land under prefix/YYYY/MM/DD/.
func New(
	store prerender.BlobStore,
	hasher prerender.Hasher,
	clock prerender.Clock,
	prefix string,
	logger *zap.Logger,
	opts ...Option,
) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &Archiver{
		store:  store,
		hasher: hasher,
		clock:  clock,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Archive stores res.Body keyed by the target and content digests and
// returns the object URI. Index and notification failures are logged and do
// not fail the archive.
func (a *Archiver) Archive(ctx context.Context, req prerender.Request, res prerender.Result) (string, error) {
	event, err := a.archive(ctx, req, res)
	metrics.ObserveSnapshotWrite(err)
	if err != nil {
		a.logger.Warn("snapshot archive failed", zap.String("target", req.Target()), zap.Error(err))
		return "", err
	}
	a.logger.Debug("snapshot archived", zap.String("target", req.Target()), zap.String("uri", event.URI))
	a.record(ctx, event)
	a.notify(ctx, event)
	return event.URI, nil
}

func (a *Archiver) archive(ctx context.Context, req prerender.Request, res prerender.Result) (Event, error) {
	targetHash, err := a.hasher.Hash([]byte(req.Target()))
	if err != nil {
		return Event{}, fmt.Errorf("hash target: %w", err)
	}
	body := []byte(res.Body)
	bodyHash, err := a.hasher.Hash(body)
	if err != nil {
		return Event{}, fmt.Errorf("hash body: %w", err)
	}
	now := a.clock.Now()
	uri, err := a.store.PutObject(ctx, a.path(now, targetHash, bodyHash), contentType, bytes.NewReader(body))
	if err != nil {
		return Event{}, fmt.Errorf("put snapshot: %w", err)
	}
	return Event{
		Target:      req.Target(),
		TargetHash:  targetHash,
		URI:         uri,
		Status:      res.Status,
		Headers:     res.Headers,
		ContentHash: bodyHash,
		ArchivedAt:  now,
	}, nil
}

func (a *Archiver) record(ctx context.Context, event Event) {
	if a.index == nil {
		return
	}
	if err := a.index.Record(ctx, event); err != nil {
		a.logger.Warn("snapshot index failed", zap.String("uri", event.URI), zap.Error(err))
	}
}

func (a *Archiver) notify(ctx context.Context, event Event) {
	if a.publisher == nil || a.topic == "" {
		return
	}
	id, err := a.publisher.Publish(ctx, a.topic, event)
	if err != nil {
		a.logger.Warn("snapshot notification failed",
			zap.String("topic", a.topic),
			zap.String("uri", event.URI),
			zap.Error(err),
		)
		return
	}
	a.logger.Debug("snapshot notification published", zap.String("topic", a.topic), zap.String("message_id", id))
}

func (a *Archiver) path(now time.Time, targetHash, bodyHash string) string {
	day := now.Format("2006/01/02")
	name := fmt.Sprintf("%s/%s/%s.html", day, targetHash, bodyHash)
	if a.prefix == "" {
		return name
	}
	return a.prefix + "/" + name
}
