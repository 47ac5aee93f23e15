package events

import "testing"

func TestPublish_DeliversToSubscriber(t *testing.T) {
	b := NewBroadcaster()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	b.Publish(Event{Kind: Blocked, URL: "https://ads.example/x", Timestamp: 1})

	select {
	case ev := <-ch:
		if ev.Kind != Blocked || ev.URL != "https://ads.example/x" {
			t.Errorf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected event to be delivered")
	}
}

func TestPublish_NoSubscribersIsNoOp(t *testing.T) {
	b := NewBroadcaster()
	b.Publish(Event{Kind: Proxied, URL: "https://example.com"})
}

func TestPublish_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster()
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	for i := 0; i < 1000; i++ {
		b.Publish(Event{Kind: Proxied, URL: "https://example.com", Timestamp: int64(i)})
	}

	select {
	case <-ch:
	default:
		t.Error("expected at least one buffered event to be available")
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	ch, unsubscribe := b.Subscribe()
	unsubscribe()

	_, ok := <-ch
	if ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
}

func TestSubscribe_MultipleSubscribersEachReceive(t *testing.T) {
	b := NewBroadcaster()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	b.Publish(Event{Kind: Modified, URL: "https://example.com/page"})

	if ev := <-ch1; ev.Kind != Modified {
		t.Errorf("subscriber 1: unexpected event %+v", ev)
	}
	if ev := <-ch2; ev.Kind != Modified {
		t.Errorf("subscriber 2: unexpected event %+v", ev)
	}
}
