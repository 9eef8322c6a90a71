package notify

import (
	"testing"

	"github.com/crosslock-exchange/crosslock/internal/session"
)

func TestPublishSubscribe(t *testing.T) {
	n := New(nil)

	ch, cancel := n.Subscribe("s1")
	defer cancel()

	n.Publish(Message{Kind: KindSessionUpdate, SessionID: "s1", Status: session.StatusExecuting})

	msg := <-ch
	if msg.Kind != KindSessionUpdate || msg.Status != session.StatusExecuting {
		t.Errorf("message = %+v", msg)
	}
	if msg.At.IsZero() {
		t.Error("At not stamped")
	}
}

func TestPublishIsSessionScoped(t *testing.T) {
	n := New(nil)

	ch1, cancel1 := n.Subscribe("s1")
	defer cancel1()
	ch2, cancel2 := n.Subscribe("s2")
	defer cancel2()

	n.Publish(Message{Kind: KindSwapCompleted, SessionID: "s1"})

	if len(ch2) != 0 {
		t.Error("message leaked to another session's subscriber")
	}
	if len(ch1) != 1 {
		t.Errorf("subscriber has %d messages, want 1", len(ch1))
	}
}

func TestSlowSubscriberLosesMessages(t *testing.T) {
	n := New(nil)

	ch, cancel := n.Subscribe("s1")
	defer cancel()

	// Overflow the buffer without draining; extra messages are
	// dropped, not blocked on.
	for i := 0; i < subscriberBuffer+10; i++ {
		n.Publish(Message{Kind: KindExecutionStep, SessionID: "s1"})
	}

	if len(ch) != subscriberBuffer {
		t.Errorf("buffered %d messages, want %d", len(ch), subscriberBuffer)
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	n := New(nil)

	_, cancel := n.Subscribe("s1")
	if n.SubscriberCount("s1") != 1 {
		t.Fatalf("count = %d", n.SubscriberCount("s1"))
	}

	cancel()
	cancel() // second cancel is a no-op

	if n.SubscriberCount("s1") != 0 {
		t.Errorf("count after cancel = %d", n.SubscriberCount("s1"))
	}

	// Publishing to a session with no subscribers is fine.
	n.Publish(Message{Kind: KindSessionUpdate, SessionID: "s1"})
}
