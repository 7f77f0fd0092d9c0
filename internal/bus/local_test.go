package bus

import (
	"context"
	"testing"
)

func TestLocalBus_Fanout(t *testing.T) {
	b := NewLocalBus()

	var got []Change
	b.Subscribe(func(ch Change) { got = append(got, ch) })
	b.Subscribe(func(ch Change) { got = append(got, ch) })

	if err := b.Publish(context.Background(), Change{Table: "orders", Kind: KindWrite}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected delivery to both subscribers, got %d", len(got))
	}
	for _, ch := range got {
		if ch.Table != "orders" || ch.Kind != KindWrite {
			t.Errorf("unexpected change payload: %+v", ch)
		}
	}
}

func TestLocalBus_Unsubscribe(t *testing.T) {
	b := NewLocalBus()

	count := 0
	unsub := b.Subscribe(func(Change) { count++ })

	b.Publish(context.Background(), Change{Table: "session", Kind: KindWrite})
	unsub()
	b.Publish(context.Background(), Change{Table: "session", Kind: KindDelete})

	if count != 1 {
		t.Errorf("expected exactly one delivery before unsubscribe, got %d", count)
	}
}

func TestLocalBus_SubscriberMayPublish(t *testing.T) {
	b := NewLocalBus()

	relayed := false
	b.Subscribe(func(ch Change) {
		if ch.Table == "orders" {
			// Re-entrant publish must not deadlock.
			b.Publish(context.Background(), Change{Table: "investments", Kind: KindWrite})
		}
		if ch.Table == "investments" {
			relayed = true
		}
	})

	b.Publish(context.Background(), Change{Table: "orders", Kind: KindWrite})
	if !relayed {
		t.Error("re-entrant publish was not delivered")
	}
}
