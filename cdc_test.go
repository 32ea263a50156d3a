package gapline

import (
	"testing"
)

func TestHubFanOut(t *testing.T) {
	h := NewHub(discardLogger())
	defer h.Close()

	a := h.Subscribe("res-a")
	b := h.Subscribe("res-b")
	a2 := h.Subscribe("res-a")

	h.Publish(BookingConfirmed{ID: "bk", ResourceID: "res-a", Span: Span{Start: 1, End: 2}})

	for _, sub := range []*Subscription{a, a2} {
		select {
		case ev := <-sub.Events:
			if ev.Resource() != "res-a" {
				t.Fatalf("resource = %s, want res-a", ev.Resource())
			}
		default:
			t.Fatal("subscriber on res-a got nothing")
		}
	}
	select {
	case ev := <-b.Events:
		t.Fatalf("subscriber on res-b got %#v", ev)
	default:
	}

	stats := h.Stats()
	if stats.Published != 2 || stats.Active != 3 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestHubDropsOnLaggingSubscriber(t *testing.T) {
	h := NewHub(discardLogger())
	defer h.Close()

	sub := h.Subscribe("r")
	for i := 0; i < subscriptionBuffer+10; i++ {
		h.Publish(HoldReleased{ID: "h", ResourceID: "r"})
	}

	stats := h.Stats()
	if stats.Dropped != 10 {
		t.Fatalf("dropped = %d, want 10", stats.Dropped)
	}
	if len(sub.Events) != subscriptionBuffer {
		t.Fatalf("buffered = %d, want %d", len(sub.Events), subscriptionBuffer)
	}
}

func TestSubscriptionClose(t *testing.T) {
	h := NewHub(discardLogger())
	defer h.Close()

	sub := h.Subscribe("r")
	sub.Close()
	sub.Close()

	if _, ok := <-sub.Events; ok {
		t.Fatal("channel still open after Close")
	}
	if got := h.Stats().Active; got != 0 {
		t.Fatalf("active = %d, want 0", got)
	}

	// a publish after detach must not panic or deliver
	h.Publish(ResourceDeleted{ID: "r"})
}

func TestHubClose(t *testing.T) {
	h := NewHub(discardLogger())
	sub := h.Subscribe("r")
	h.Close()

	if _, ok := <-sub.Events; ok {
		t.Fatal("channel still open after hub close")
	}
	// subscriptions opened after close come back already closed
	late := h.Subscribe("r")
	if _, ok := <-late.Events; ok {
		t.Fatal("late subscription channel open")
	}
	h.Publish(ResourceDeleted{ID: "r"})
	h.Close()
}
