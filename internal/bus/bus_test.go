package bus

import (
	"testing"
	"time"

	"revaer.io/engine/internal/domain"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(4)
	id := domain.NewTorrentID()
	evt := domain.NewTorrentAddedEvent(id, "ubuntu.iso")
	b.Publish(evt)

	select {
	case got := <-sub.Events():
		if got.TorrentID() != id {
			t.Fatalf("TorrentID = %v, want %v", got.TorrentID(), id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(1)
	id := domain.NewTorrentID()

	for i := 0; i < 3; i++ {
		b.Publish(domain.CompletedEvent{})
		_ = id
	}
	if sub.Dropped() == 0 {
		t.Fatal("expected at least one dropped event once the buffer filled")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(1)
	sub.Unsubscribe()
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel after Unsubscribe")
	}
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(1)
	b.Close()
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel after bus Close")
	}
}
