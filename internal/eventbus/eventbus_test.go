package eventbus

import "testing"

func TestSubscribeReceivesPublishedEvent(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	defer sub.Close()

	b.Publish(RosterEvent{})

	select {
	case ev := <-sub.Events():
		if _, ok := ev.(RosterEvent); !ok {
			t.Fatalf("expected RosterEvent, got %T", ev)
		}
	default:
		t.Fatal("expected an event to be delivered")
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := New()
	sub1 := b.Subscribe(1)
	sub2 := b.Subscribe(1)
	defer sub1.Close()
	defer sub2.Close()

	b.Publish(ChatroomEvent{ChatroomID: "room1"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case ev := <-sub.Events():
			c, ok := ev.(ChatroomEvent)
			if !ok || c.ChatroomID != "room1" {
				t.Fatalf("unexpected event: %#v", ev)
			}
		default:
			t.Fatal("expected every subscriber to receive the event")
		}
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New()
	slow := b.Subscribe(1) // buffer of 1, will be full after one undrained publish
	fast := b.Subscribe(4)
	defer slow.Close()
	defer fast.Close()

	b.Publish(RosterEvent{})
	b.Publish(RosterEvent{}) // slow's buffer is full; this one should be dropped for slow, not block fast

	count := 0
	for {
		select {
		case _, ok := <-fast.Events():
			if !ok {
				break
			}
			count++
			continue
		default:
		}
		break
	}
	if count == 0 {
		t.Fatal("expected the fast subscriber to receive at least one event despite the slow one")
	}
}

func TestCloseSubscriptionStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	sub.Close()

	b.Publish(RosterEvent{})

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed subscription's channel to be closed")
	}
}

func TestCloseBusClosesAllSubscriptions(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)
	b.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected subscription channel to be closed when the bus closes")
	}
}
