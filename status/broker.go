// Package status broadcasts document processing events: an initial
// snapshot per subscribed document, then at-least-once change events
// as ingestion advances.
package status

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/schema"
	"github.com/zoeflow/zoeflow/storage"
)

// Event types.
const (
	TypeStatus = "status"
	TypeError  = "error"
)

// subscriberBuffer is each subscriber's channel capacity. Overflow
// drops the oldest queued event; snapshots restore consistency.
const subscriberBuffer = 16

// Event is one frame on a subscription stream.
type Event struct {
	Type           string                `json:"type"`
	DocID          string                `json:"docId,omitempty"`
	Status         schema.Status         `json:"status,omitempty"`
	IsProcessing   bool                  `json:"isProcessing"`
	ProcessingStep schema.ProcessingStep `json:"processingStep,omitempty"`
	Progress       *schema.Progress      `json:"progress,omitempty"`
	ChunkCount     *int                  `json:"chunkCount,omitempty"`
	Error          string                `json:"error,omitempty"`
}

type subscriber struct {
	id      string
	docIDs  map[string]bool
	storeID string
	ch      chan Event
}

func (s *subscriber) matches(meta *schema.DocumentMetadata) bool {
	if len(s.docIDs) > 0 {
		return s.docIDs[meta.DocID]
	}
	return s.storeID != "" && s.storeID == meta.StoreID
}

// Broker fans document metadata changes out to subscribers. Publishers
// never block: a full subscriber loses its oldest queued event first.
type Broker struct {
	meta         *storage.MetadataStore
	isProcessing func(docID string) bool
	logger       *slog.Logger

	mu     sync.Mutex
	subs   map[string]*subscriber
	closed bool
}

// NewBroker wires the broker. isProcessing reports whether a live
// ingestion job exists for a document; nil means never.
func NewBroker(meta *storage.MetadataStore, isProcessing func(string) bool, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	if isProcessing == nil {
		isProcessing = func(string) bool { return false }
	}
	return &Broker{
		meta:         meta,
		isProcessing: isProcessing,
		logger:       logger,
		subs:         map[string]*subscriber{},
	}
}

// SetProcessingCheck replaces the live-job probe. Used at wiring time
// when the registry is constructed after the broker.
func (b *Broker) SetProcessingCheck(isProcessing func(string) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if isProcessing != nil {
		b.isProcessing = isProcessing
	}
}

// Subscribe addresses documents by id list or by store. The returned
// cancel function is idempotent; the channel closes on cancel, on ctx
// done, and on broker Close.
func (b *Broker) Subscribe(ctx context.Context, docIDs []string, storeID string) (<-chan Event, func(), error) {
	if len(docIDs) == 0 && storeID == "" {
		return nil, nil, errs.New(errs.KindValidation, "docIds or storeId is required")
	}

	sub := &subscriber{
		id:      uuid.NewString(),
		docIDs:  map[string]bool{},
		storeID: storeID,
		ch:      make(chan Event, subscriberBuffer),
	}
	for _, id := range docIDs {
		sub.docIDs[id] = true
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, errs.New(errs.KindConflict, "status broker is closed")
	}
	b.subs[sub.id] = sub
	b.snapshotLocked(sub, docIDs, storeID)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub.id]; ok {
				delete(b.subs, sub.id)
				close(sub.ch)
			}
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return sub.ch, cancel, nil
}

// snapshotLocked queues the current state of every addressed document.
func (b *Broker) snapshotLocked(sub *subscriber, docIDs []string, storeID string) {
	if len(docIDs) > 0 {
		for _, docID := range docIDs {
			meta, err := b.meta.Read(docID)
			if err != nil {
				push(sub.ch, Event{Type: TypeError, DocID: docID, Error: err.Error()})
				continue
			}
			push(sub.ch, b.event(&meta))
		}
		return
	}
	metas, err := b.meta.List(storeID)
	if err != nil {
		push(sub.ch, Event{Type: TypeError, Error: err.Error()})
		return
	}
	for i := range metas {
		push(sub.ch, b.event(&metas[i]))
	}
}

// Publish announces one document's current metadata to every matching
// subscriber.
func (b *Broker) Publish(meta *schema.DocumentMetadata) {
	if meta == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	event := b.event(meta)
	for _, sub := range b.subs {
		if sub.matches(meta) {
			push(sub.ch, event)
		}
	}
}

// Close terminates every subscription. Later publishes are dropped and
// later subscribes fail.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

func (b *Broker) event(meta *schema.DocumentMetadata) Event {
	return Event{
		Type:           TypeStatus,
		DocID:          meta.DocID,
		Status:         meta.Status,
		IsProcessing:   b.isProcessing(meta.DocID),
		ProcessingStep: meta.ProcessingStep,
		Progress:       meta.Progress,
		ChunkCount:     meta.ChunkCount,
		Error:          meta.Error,
	}
}

// push enqueues without blocking, evicting the oldest queued event
// when the buffer is full.
func push(ch chan Event, event Event) {
	for {
		select {
		case ch <- event:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
