package broadcaster

import (
	"testing"

	"tracel/internal/config"
)

func TestSubscribeAddsToOwnerSet(t *testing.T) {
	b := New(config.BroadcastConfig{BackpressureLimit: 4})
	sub := &Subscriber{ownerID: "owner-1", send: make(chan []byte, 4), closed: make(chan struct{})}

	b.mu.Lock()
	b.subs["owner-1"] = map[*Subscriber]struct{}{sub: {}}
	b.mu.Unlock()

	if got := b.Count("owner-1"); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}
}

func TestUnsubscribeRemovesAndClosesOwnerSet(t *testing.T) {
	b := New(config.BroadcastConfig{BackpressureLimit: 4})
	sub := &Subscriber{ownerID: "owner-2", send: make(chan []byte, 4), closed: make(chan struct{})}

	b.mu.Lock()
	b.subs["owner-2"] = map[*Subscriber]struct{}{sub: {}}
	b.mu.Unlock()

	b.Unsubscribe(sub)

	if got := b.Count("owner-2"); got != 0 {
		t.Fatalf("Count after Unsubscribe = %d, want 0", got)
	}
	select {
	case <-sub.closed:
	default:
		t.Error("expected Unsubscribe to close the subscriber's closed channel")
	}
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	b := New(config.BroadcastConfig{BackpressureLimit: 2})
	sub := &Subscriber{ownerID: "owner-3", send: make(chan []byte, 2), closed: make(chan struct{})}

	b.mu.Lock()
	b.subs["owner-3"] = map[*Subscriber]struct{}{sub: {}}
	b.mu.Unlock()

	b.Publish("owner-3", []byte("1"))
	b.Publish("owner-3", []byte("2"))
	b.Publish("owner-3", []byte("3")) // should drop "1", keep "2","3"

	first := <-sub.send
	second := <-sub.send
	if string(first) != "2" || string(second) != "3" {
		t.Fatalf("got %q, %q; want 2, 3 (oldest dropped)", first, second)
	}
}

func TestPublishToUnknownOwnerIsNoop(t *testing.T) {
	b := New(config.BroadcastConfig{BackpressureLimit: 2})
	b.Publish("nobody-subscribed", []byte("x")) // must not panic
}
