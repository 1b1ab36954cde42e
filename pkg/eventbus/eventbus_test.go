package eventbus

import (
	"testing"
	"time"

	"github.com/beam-cloud/larc/pkg/audit"
	"github.com/stretchr/testify/require"
)

func TestPublish_RecordsInRecent(t *testing.T) {
	b := New(4)
	b.Publish(audit.Event{Kind: "ExtractionStarted", Timestamp: time.Now()})
	b.Publish(audit.Event{Kind: "ExtractionCompleted", Timestamp: time.Now()})

	recent := b.Recent()
	require.Len(t, recent, 2)
	require.Equal(t, "ExtractionStarted", recent[0].Kind)
}

func TestRecent_RingBufferEvictsOldest(t *testing.T) {
	b := New(2)
	b.Publish(audit.Event{Kind: "a"})
	b.Publish(audit.Event{Kind: "b"})
	b.Publish(audit.Event{Kind: "c"})

	recent := b.Recent()
	require.Len(t, recent, 2)
	require.Equal(t, "b", recent[0].Kind)
	require.Equal(t, "c", recent[1].Kind)
}

func TestSubscribe_ReceivesPublishedEvents(t *testing.T) {
	b := New(4)
	ch := b.Subscribe(4)

	b.Publish(audit.Event{Kind: "ExtractionStarted"})

	select {
	case ev := <-ch:
		require.Equal(t, "ExtractionStarted", ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to receive published event")
	}
}

func TestSubscribe_DropsOnFullChannelRatherThanBlocking(t *testing.T) {
	b := New(4)
	ch := b.Subscribe(1)

	b.Publish(audit.Event{Kind: "first"})
	require.NotPanics(t, func() {
		b.Publish(audit.Event{Kind: "second"}) // channel already full, must not block
	})

	ev := <-ch
	require.Equal(t, "first", ev.Kind)
}
