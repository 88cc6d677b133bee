package router

import (
	"sync"
	"testing"
	"time"
)

func TestNotifier_PublishNoSubscribers(t *testing.T) {
	n := NewNotifier(10)
	// Must neither panic nor block.
	n.Publish(Notification{Type: EventLogged, Sink: "orders"})
}

func TestNotifier_SubscribeReceivesNotification(t *testing.T) {
	n := NewNotifier(10)
	sub := n.Subscribe()

	n.Publish(Notification{Type: IndexDefined, Sink: "orders", UUID: "idx-1"})

	select {
	case got := <-sub.Ch:
		if got.Sink != "orders" || got.Type != IndexDefined || got.UUID != "idx-1" {
			t.Errorf("unexpected notification %+v", got)
		}
		if got.Timestamp == 0 {
			t.Error("expected timestamp to be filled")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive notification")
	}
}

func TestNotifier_SinkFilter(t *testing.T) {
	n := NewNotifier(10)
	sub := n.Subscribe("orders")

	n.Publish(Notification{Type: EventLogged, Sink: "ordersarchive"})
	n.Publish(Notification{Type: EventLogged, Sink: "orders"})

	select {
	case got := <-sub.Ch:
		if got.Sink != "orders" {
			t.Errorf("filter let through %q", got.Sink)
		}
	case <-time.After(time.Second):
		t.Fatal("matching notification not delivered")
	}
	select {
	case got := <-sub.Ch:
		t.Errorf("unexpected extra notification %+v", got)
	default:
	}
}

func TestNotifier_FullChannelDropsNotification(t *testing.T) {
	n := NewNotifier(1)
	sub := n.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			n.Publish(Notification{Type: EventLogged, Sink: "orders"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(sub.Ch) != 1 {
		t.Errorf("buffered %d notifications, want 1", len(sub.Ch))
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	n := NewNotifier(1)
	sub := n.Subscribe()
	n.Unsubscribe(sub)
	if _, ok := <-sub.Ch; ok {
		t.Error("expected closed channel")
	}
	// Second unsubscribe is a no-op.
	n.Unsubscribe(sub)
	n.Publish(Notification{Sink: "orders"})
}

func TestNotifier_ConcurrentSubscribers(t *testing.T) {
	n := NewNotifier(100)
	subs := make([]*Subscriber, 8)
	for i := range subs {
		subs[i] = n.Subscribe()
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				n.Publish(Notification{Type: EventLogged, Sink: "orders"})
			}
		}()
	}
	wg.Wait()

	for _, s := range subs {
		if len(s.Ch) != 40 {
			t.Errorf("subscriber %d got %d notifications, want 40", s.ID, len(s.Ch))
		}
	}
	if subs[0].ID == subs[1].ID {
		t.Error("subscriber ids must be unique")
	}
}

func TestNotificationType_String(t *testing.T) {
	if EventLogged.String() != "event_logged" || GroupDefined.String() != "group_defined" {
		t.Errorf("unexpected names %s %s", EventLogged, GroupDefined)
	}
}
