package visibility

import (
	"testing"

	"github.com/linkmirror/linkmirror/internal/coord"
)

func TestSubscribeDeliversImmediately(t *testing.T) {
	c := New(nil, nil)

	var got []bool
	c.Subscribe(func(visible bool) {
		got = append(got, visible)
	})

	if len(got) != 1 || got[0] != false {
		t.Fatalf("expected immediate delivery of current visibility, got %v", got)
	}
}

func TestTransitionsNotifySubscribers(t *testing.T) {
	c := New(nil, nil)

	var got []bool
	c.Subscribe(func(visible bool) {
		got = append(got, visible)
	})

	c.SetVisible(true)
	c.SetVisible(true) // no transition, no notification
	c.SetVisible(false)

	want := []bool{false, true, false}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	c := New(nil, nil)

	calls := 0
	unsubscribe := c.Subscribe(func(bool) { calls++ })
	unsubscribe()
	unsubscribe() // safe to call twice

	c.SetVisible(true)
	if calls != 1 {
		t.Fatalf("expected only the initial delivery, got %d calls", calls)
	}
}

func TestHubSignalsOnTransition(t *testing.T) {
	var published []coord.MessageType
	c := New(func(msg coord.Message) {
		published = append(published, msg.Type)
	}, nil)

	c.Initialize()
	c.Initialize() // idempotent
	c.Cleanup()
	c.Cleanup() // idempotent

	want := []coord.MessageType{coord.MessageForeground, coord.MessageBackground}
	if len(published) != len(want) {
		t.Fatalf("expected %v, got %v", want, published)
	}
	for i := range want {
		if published[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, published)
		}
	}
}

func TestHubSignalIndependentOfSubscribers(t *testing.T) {
	var published int
	c := New(func(coord.Message) { published++ }, nil)

	// No subscribers registered at all; the hub still hears about it.
	c.SetVisible(true)
	c.SetVisible(false)

	if published != 2 {
		t.Fatalf("expected 2 hub signals, got %d", published)
	}
}

func TestIsVisible(t *testing.T) {
	c := New(nil, nil)

	if c.IsVisible() {
		t.Fatal("expected initially hidden")
	}
	c.SetVisible(true)
	if !c.IsVisible() {
		t.Fatal("expected visible after SetVisible(true)")
	}
}
