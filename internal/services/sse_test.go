package services

import (
	"testing"
	"time"
)

func TestSSEHub_NewSSEHub(t *testing.T) {
	hub := NewSSEHub()
	if hub == nil {
		t.Fatal("NewSSEHub should not return nil")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("new hub should have 0 clients, got %d", hub.ClientCount())
	}
}

func TestSSEHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewSSEHub()

	hub.Subscribe("client1", nil)
	hub.Subscribe("client2", nil)
	if hub.ClientCount() != 2 {
		t.Fatalf("expected 2 clients, got %d", hub.ClientCount())
	}

	hub.Unsubscribe("client1")
	if hub.ClientCount() != 1 {
		t.Errorf("expected 1 client after unsubscribe, got %d", hub.ClientCount())
	}

	hub.Unsubscribe("nonexistent")
	if hub.ClientCount() != 1 {
		t.Errorf("unsubscribing nonexistent should not affect count, got %d", hub.ClientCount())
	}
}

func TestSSEHub_ResubscribeClosesOldChannel(t *testing.T) {
	hub := NewSSEHub()
	old := hub.Subscribe("client1", nil)
	hub.Subscribe("client1", nil)

	if _, ok := <-old; ok {
		t.Error("old channel should be closed")
	}
	if hub.ClientCount() != 1 {
		t.Errorf("expected 1 client, got %d", hub.ClientCount())
	}
}

func TestSSEHub_Publish(t *testing.T) {
	hub := NewSSEHub()
	ch := hub.Subscribe("client1", nil)

	score := 0.82
	hub.Publish(FeedbackEvent{FeedbackID: 1, EntityID: 10, Status: "processed", Sentiment: "positive", Score: &score})

	select {
	case received := <-ch:
		if received.FeedbackID != 1 {
			t.Errorf("FeedbackID = %d, expected 1", received.FeedbackID)
		}
		if received.Status != "processed" {
			t.Errorf("Status = %q, expected %q", received.Status, "processed")
		}
		if received.Score == nil || *received.Score != 0.82 {
			t.Error("Score should be 0.82")
		}
		if received.At.IsZero() {
			t.Error("At should be stamped on publish")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timed out waiting for event")
	}
}

func TestSSEHub_Filter(t *testing.T) {
	hub := NewSSEHub()
	ch := hub.Subscribe("owner", func(e FeedbackEvent) bool { return e.EntityID == 7 })

	hub.Publish(FeedbackEvent{FeedbackID: 1, EntityID: 8, Status: "processing"})
	hub.Publish(FeedbackEvent{FeedbackID: 2, EntityID: 7, Status: "processing"})

	select {
	case received := <-ch:
		if received.FeedbackID != 2 {
			t.Errorf("FeedbackID = %d, expected 2", received.FeedbackID)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for event")
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected event %+v", extra)
	default:
	}
}

func TestSSEHub_PublishMultipleClients(t *testing.T) {
	hub := NewSSEHub()

	ch1 := hub.Subscribe("client1", nil)
	ch2 := hub.Subscribe("client2", nil)

	hub.Publish(FeedbackEvent{FeedbackID: 1, Status: "new"})

	for i, ch := range []<-chan FeedbackEvent{ch1, ch2} {
		select {
		case received := <-ch:
			if received.FeedbackID != 1 {
				t.Errorf("client%d: FeedbackID = %d, expected 1", i+1, received.FeedbackID)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("client%d: timed out waiting for event", i+1)
		}
	}
}

func TestSSEHub_NonBlockingPublish(t *testing.T) {
	hub := NewSSEHub()
	hub.Subscribe("slow_client", nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.Publish(FeedbackEvent{FeedbackID: uint(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full client buffer")
	}
}
