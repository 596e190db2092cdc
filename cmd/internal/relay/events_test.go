package relay

import "testing"

func TestChannel_EmitAfterCloseFails(t *testing.T) {
	t.Parallel()

	ch := NewChannel(4)
	if !ch.Emit(Event{Name: EventStatus, Data: StatusEvent{Message: "hi"}}) {
		t.Fatalf("emit on open channel failed")
	}

	ch.Close()
	ch.Close() // idempotent

	if ch.Emit(Event{Name: EventStatus}) {
		t.Fatalf("emit on closed channel must fail")
	}

	select {
	case <-ch.Done():
	default:
		t.Fatalf("Done not closed")
	}

	// The queued event is still drainable after close.
	select {
	case ev := <-ch.Send:
		if ev.Name != EventStatus {
			t.Fatalf("drained %q", ev.Name)
		}
	default:
		t.Fatalf("queued event lost on close")
	}
}

func TestChannel_EmitDropsOnBackpressure(t *testing.T) {
	t.Parallel()

	ch := NewChannel(16)
	sent := 0
	for i := 0; i < 64; i++ {
		if ch.Emit(Event{Name: EventStatus}) {
			sent++
		}
	}
	if sent != 16 {
		t.Fatalf("sent=%d want queue size 16", sent)
	}
}
