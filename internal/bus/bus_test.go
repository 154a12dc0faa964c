package bus

import (
	"sync/atomic"
	"testing"
)

func TestSubscribeFiltersKinds(t *testing.T) {
	b := New()

	var toolCalls, all atomic.Int32
	b.Subscribe(func(Event) { toolCalls.Add(1) }, EventToolCall)
	b.Subscribe(func(Event) { all.Add(1) })

	b.Publish(Event{Kind: EventToolCall})
	b.Publish(Event{Kind: EventSwarmResult})

	if got := toolCalls.Load(); got != 1 {
		t.Errorf("filtered subscriber saw %d events, want 1", got)
	}
	if got := all.Load(); got != 2 {
		t.Errorf("unfiltered subscriber saw %d events, want 2", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()

	var n atomic.Int32
	token := b.Subscribe(func(Event) { n.Add(1) })

	b.Publish(Event{Kind: EventToolCall})
	b.Unsubscribe(token)
	b.Publish(Event{Kind: EventToolCall})

	if got := n.Load(); got != 1 {
		t.Errorf("saw %d events after unsubscribe, want 1", got)
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	b := New()

	var n atomic.Int32
	b.Subscribe(func(Event) { panic("boom") })
	b.Subscribe(func(Event) { n.Add(1) })

	b.Publish(Event{Kind: EventToolCall})

	if got := n.Load(); got != 1 {
		t.Errorf("second handler saw %d events, want 1", got)
	}
}
