package eventbus

import "testing"

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()

	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	dispatch, unsub := b.Subscribe(4, "dispatch.")
	defer unsub()

	b.Publish(Event{Type: "dispatch.sent"})
	b.Publish(Event{Type: "queue.pruned"})

	if got := len(all); got != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(dispatch); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	if e := <-dispatch; e.Type != "dispatch.sent" || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if b.Dropped() != 1 {
		t.Fatalf("dropped=%d want 1", b.Dropped())
	}

	unsub()
	unsub()
	b.Publish(Event{Type: "c"})
}
