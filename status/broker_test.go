package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoeflow/zoeflow/schema"
	"github.com/zoeflow/zoeflow/storage"
)

func newTestBroker(t *testing.T) (*Broker, *storage.MetadataStore) {
	t.Helper()
	paths := storage.NewPaths(t.TempDir())
	meta := storage.NewMetadataStore(paths, nil)
	broker := NewBroker(meta, nil, nil)
	t.Cleanup(broker.Close)
	return broker, meta
}

func seedDoc(t *testing.T, meta *storage.MetadataStore, docID, storeID string, status schema.Status) {
	t.Helper()
	require.NoError(t, meta.Write(schema.DocumentMetadata{
		DocID:      docID,
		StoreID:    storeID,
		SourceURI:  "file://" + docID,
		Version:    "1",
		Status:     status,
		UploadedAt: schema.NowMillis(),
	}))
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.True(t, ok, "channel closed early")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSubscribeRequiresAddressing(t *testing.T) {
	broker, _ := newTestBroker(t)
	_, _, err := broker.Subscribe(context.Background(), nil, "")
	require.Error(t, err)
}

func TestSubscribeSnapshotThenChange(t *testing.T) {
	broker, meta := newTestBroker(t)
	seedDoc(t, meta, "doc1", "store1", schema.StatusPending)

	ch, cancel, err := broker.Subscribe(context.Background(), []string{"doc1"}, "")
	require.NoError(t, err)
	defer cancel()

	snapshot := recvEvent(t, ch)
	assert.Equal(t, TypeStatus, snapshot.Type)
	assert.Equal(t, "doc1", snapshot.DocID)
	assert.Equal(t, schema.StatusPending, snapshot.Status)

	updated, err := meta.UpdateStatus("doc1", schema.StatusProcessing, func(m *schema.DocumentMetadata) {
		m.ProcessingStep = schema.StepChunking
		m.Progress = &schema.Progress{Current: 1, Total: 4, Step: "chunking"}
	})
	require.NoError(t, err)
	broker.Publish(&updated)

	change := recvEvent(t, ch)
	assert.Equal(t, schema.StatusProcessing, change.Status)
	assert.Equal(t, schema.StepChunking, change.ProcessingStep)
	require.NotNil(t, change.Progress)
	assert.Equal(t, 4, change.Progress.Total)
}

func TestSubscribeByStoreMatchesOnlyThatStore(t *testing.T) {
	broker, meta := newTestBroker(t)
	seedDoc(t, meta, "a", "store1", schema.StatusCompleted)
	seedDoc(t, meta, "b", "store2", schema.StatusPending)

	ch, cancel, err := broker.Subscribe(context.Background(), nil, "store1")
	require.NoError(t, err)
	defer cancel()

	snapshot := recvEvent(t, ch)
	assert.Equal(t, "a", snapshot.DocID)

	other, err := meta.Read("b")
	require.NoError(t, err)
	broker.Publish(&other)

	own, err := meta.UpdateStatus("a", schema.StatusProcessing, nil)
	require.NoError(t, err)
	broker.Publish(&own)

	event := recvEvent(t, ch)
	assert.Equal(t, "a", event.DocID)
	assert.Equal(t, schema.StatusProcessing, event.Status)
}

func TestSnapshotUnknownDocEmitsErrorEvent(t *testing.T) {
	broker, _ := newTestBroker(t)

	ch, cancel, err := broker.Subscribe(context.Background(), []string{"ghost"}, "")
	require.NoError(t, err)
	defer cancel()

	event := recvEvent(t, ch)
	assert.Equal(t, TypeError, event.Type)
	assert.Equal(t, "ghost", event.DocID)
	assert.NotEmpty(t, event.Error)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	broker, meta := newTestBroker(t)
	seedDoc(t, meta, "doc1", "store1", schema.StatusPending)

	ch, cancel, err := broker.Subscribe(context.Background(), []string{"doc1"}, "")
	require.NoError(t, err)
	defer cancel()

	record, err := meta.Read("doc1")
	require.NoError(t, err)

	// Flood well past the buffer without reading; publishers must not
	// block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*4; i++ {
			broker.Publish(&record)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	// The newest events are still readable.
	event := recvEvent(t, ch)
	assert.Equal(t, "doc1", event.DocID)
}

func TestCancelAndCloseSemantics(t *testing.T) {
	broker, meta := newTestBroker(t)
	seedDoc(t, meta, "doc1", "store1", schema.StatusPending)

	ch1, cancel1, err := broker.Subscribe(context.Background(), []string{"doc1"}, "")
	require.NoError(t, err)
	recvEvent(t, ch1)

	cancel1()
	cancel1() // idempotent
	_, open := <-ch1
	assert.False(t, open)

	ctx, ctxCancel := context.WithCancel(context.Background())
	ch2, cancel2, err := broker.Subscribe(ctx, []string{"doc1"}, "")
	require.NoError(t, err)
	defer cancel2()
	recvEvent(t, ch2)
	ctxCancel()
	select {
	case _, open := <-ch2:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed on ctx cancel")
	}

	broker.Close()
	_, _, err = broker.Subscribe(context.Background(), []string{"doc1"}, "")
	require.Error(t, err)
}

func TestIsProcessingFlag(t *testing.T) {
	paths := storage.NewPaths(t.TempDir())
	meta := storage.NewMetadataStore(paths, nil)
	live := map[string]bool{"doc1": true}
	broker := NewBroker(meta, func(docID string) bool { return live[docID] }, nil)
	defer broker.Close()

	seedDoc(t, meta, "doc1", "store1", schema.StatusProcessing)

	ch, cancel, err := broker.Subscribe(context.Background(), []string{"doc1"}, "")
	require.NoError(t, err)
	defer cancel()

	event := recvEvent(t, ch)
	assert.True(t, event.IsProcessing)

	live["doc1"] = false
	record, err := meta.Read("doc1")
	require.NoError(t, err)
	broker.Publish(&record)
	event = recvEvent(t, ch)
	assert.False(t, event.IsProcessing)
}
