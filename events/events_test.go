package events

import (
	"testing"
	"time"
)

func TestSubscribeReceivesMatchingEvents(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(RoomJoined | RoomLeft)

	b.Log(RoomMessageReceived, LevelInfo, "should not be delivered")
	b.Log(RoomJoined, LevelInfo, "alice joined")

	e, err := sub.Poll(time.Second)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if e.Type != RoomJoined || e.Data != "alice joined" {
		t.Fatalf("got %+v", e)
	}
}

func TestPollTimesOutWithoutAnEvent(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(AllEvents)
	_, err := sub.Poll(10 * time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestUnsubscribeClosesSubscription(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(AllEvents)
	b.Unsubscribe(sub)
	_, err := sub.Poll(time.Second)
	if err != ErrClosed {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

func TestLogIsNonBlockingWhenSubscriberBufferIsFull(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(Diagnostic)
	for i := 0; i < BufferSize+10; i++ {
		b.Log(Diagnostic, LevelDebug, i) // must never block even once full
	}
	e, err := sub.Poll(time.Second)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if e.Data != 0 {
		t.Fatalf("got first buffered event %v, want 0 (oldest retained)", e.Data)
	}
}

func TestDiagnosticfFormatsMessage(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(Diagnostic)
	b.Diagnosticf(LevelWarning, "dropped %d frames from %s", 3, "bob")
	e, err := sub.Poll(time.Second)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if e.Level != LevelWarning || e.Data != "dropped 3 frames from bob" {
		t.Fatalf("got %+v", e)
	}
}
