package event_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/earshot/pkg/event"
)

func TestBus_FanOutInOrder(t *testing.T) {
	t.Parallel()

	var b event.Bus[int]
	var got []string
	b.Subscribe(func(v int) { got = append(got, "a") })
	b.Subscribe(func(v int) { got = append(got, "b") })

	b.Publish(1)

	if want := []string{"a", "b"}; !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	t.Parallel()

	var b event.Bus[string]
	calls := 0
	unsub := b.Subscribe(func(string) { calls++ })

	b.Publish("x")
	unsub()
	unsub() // idempotent
	b.Publish("y")

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if b.Len() != 0 {
		t.Fatalf("Len = %d, want 0", b.Len())
	}
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()

	var b event.Bus[int]
	var unsub func()
	calls := 0
	unsub = b.Subscribe(func(int) {
		calls++
		unsub()
	})
	other := 0
	b.Subscribe(func(int) { other++ })

	b.Publish(1)
	b.Publish(2)

	if calls != 1 {
		t.Errorf("self-removing subscriber calls = %d, want 1", calls)
	}
	if other != 2 {
		t.Errorf("other subscriber calls = %d, want 2", other)
	}
}

func TestBus_NilSubscriberIgnored(t *testing.T) {
	t.Parallel()

	var b event.Bus[int]
	unsub := b.Subscribe(nil)
	unsub()
	b.Publish(1)
	if b.Len() != 0 {
		t.Fatalf("Len = %d, want 0", b.Len())
	}
}

func TestBus_Clear(t *testing.T) {
	t.Parallel()

	var b event.Bus[int]
	calls := 0
	b.Subscribe(func(int) { calls++ })
	b.Clear()
	b.Publish(1)
	if calls != 0 {
		t.Fatalf("calls = %d after Clear, want 0", calls)
	}
}
