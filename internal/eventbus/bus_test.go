package eventbus

import "testing"

func TestPublishFanOut(t *testing.T) {
	t.Parallel()
	b := New[string]()
	a, c := b.Subscribe(2), b.Subscribe(2)

	b.Publish("x")
	for _, s := range []*Subscription[string]{a, c} {
		if got := <-s.C; got != "x" {
			t.Fatalf("got %q, want x", got)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New[int]()
	s := b.Subscribe(1)
	b.Publish(1)
	b.Publish(2)
	if s.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", s.Dropped())
	}
	if got := <-s.C; got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	t.Parallel()
	b := New[int]()
	s := b.Subscribe(1)
	s.Close()
	s.Close()
	b.Publish(1)
	if _, ok := <-s.C; ok {
		t.Fatal("closed subscription received an event")
	}

	b.Close()
	late := b.Subscribe(1)
	if _, ok := <-late.C; ok {
		t.Fatal("subscription after Close should start closed")
	}
}
