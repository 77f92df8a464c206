package bus

import (
	"context"
	"testing"
	"time"

	"github.com/tomyedwab/tangram/types"
)

func receive(t *testing.T, sub *Subscription) (Message, bool) {
	t.Helper()
	select {
	case msg, ok := <-sub.C:
		return msg, ok
	case <-time.After(50 * time.Millisecond):
		return Message{}, false
	}
}

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()

	first, _ := b.Subscribe("topic")
	second, _ := b.Subscribe("topic")

	if err := b.Publish(context.Background(), "topic", []byte("hello")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	for i, sub := range []*Subscription{first, second} {
		msg, ok := receive(t, sub)
		if !ok || string(msg.Payload) != "hello" {
			t.Errorf("subscriber %d did not receive the message", i)
		}
	}
}

func TestGroupDeliversToOneMember(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()

	members := make([]*Subscription, 3)
	for i := range members {
		sub, err := b.Subscribe("topic", InGroup("workers"))
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		members[i] = sub
	}

	const published = 6
	for i := 0; i < published; i++ {
		if err := b.Publish(context.Background(), "topic", []byte{byte(i)}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	total := 0
	for _, sub := range members {
		for {
			if _, ok := receive(t, sub); !ok {
				break
			}
			total++
		}
	}
	if total != published {
		t.Errorf("expected %d deliveries across the group, got %d", published, total)
	}
}

func TestGroupsAndBroadcastCoexist(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()

	plain, _ := b.Subscribe("topic")
	grouped, _ := b.Subscribe("topic", InGroup("g"))

	b.Publish(context.Background(), "topic", []byte("x"))

	if _, ok := receive(t, plain); !ok {
		t.Error("broadcast subscriber missed the message")
	}
	if _, ok := receive(t, grouped); !ok {
		t.Error("group member missed the message")
	}
}

func TestCloseDetachesSubscription(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()

	sub, _ := b.Subscribe("topic")
	sub.Close()
	sub.Close()

	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel")
	}
	if err := b.Publish(context.Background(), "topic", nil); err != nil {
		t.Errorf("Publish after close failed: %v", err)
	}
}

func TestStatusPayloadRoundTrip(t *testing.T) {
	b := NewMemory(nil)
	defer b.Close()

	sub, _ := b.Subscribe(StatusTopic("pcs_1"))
	PublishStatus(context.Background(), b, b.logger, "pcs_1", types.StatusStarted)

	msg, ok := receive(t, sub)
	if !ok {
		t.Fatal("no status message delivered")
	}
	var status StatusMessage
	if err := Decode(msg.Payload, &status); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if status.ID != "pcs_1" || status.Status != types.StatusStarted {
		t.Errorf("unexpected status message %+v", status)
	}
}
