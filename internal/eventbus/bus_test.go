package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TypeAlertAdmitted, Data: "k1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeAlertAdmitted || ev.Data != "k1" {
				t.Fatalf("subscriber %d got %+v", i, ev)
			}
			if ev.Time.IsZero() {
				t.Fatalf("subscriber %d: time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	// Fills the buffer, then overflows; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: TypeSessionState, Data: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	ev := <-ch
	if ev.Data != 0 {
		t.Fatalf("kept event = %v, want the first one", ev.Data)
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	// Publishing after close must not panic.
	b.Publish(Event{Type: TypeSessionTerminal, Data: "reason"})
}
