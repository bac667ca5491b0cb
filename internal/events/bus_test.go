package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Source: SourceAgent, Kind: KindTurnStart})
}

func TestNilBusSubscriberCount(t *testing.T) {
	var b *Bus
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublishSingleSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	b.Publish(Event{
		Source: SourceAgent,
		Kind:   KindTurnStart,
		Data:   map[string]any{"request_id": "r_abc"},
	})

	select {
	case got := <-ch:
		if got.Source != SourceAgent || got.Kind != KindTurnStart {
			t.Errorf("got event %v", got)
		}
		if got.Timestamp.IsZero() {
			t.Error("Timestamp not filled in")
		}
		if id, _ := got.Data["request_id"].(string); id != "r_abc" {
			t.Errorf("request_id = %v, want %q", got.Data["request_id"], "r_abc")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := <-ch; got.Kind != "first" {
		t.Errorf("got kind %q, want %q", got.Kind, "first")
	}
	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got event %v", evt)
	default:
	}
}

func TestHandleIsSynchronousAndLossless(t *testing.T) {
	b := New()
	// A full subscriber must not affect handlers.
	full := b.Subscribe(0)
	defer b.Unsubscribe(full)

	var got []string
	remove := b.Handle(SourceConfig, func(e Event) {
		got = append(got, e.Kind)
	})

	for i := 0; i < 100; i++ {
		b.Publish(Event{Source: SourceConfig, Kind: KindServerEdited})
	}
	b.Publish(Event{Source: SourceAgent, Kind: KindTurnStart})

	if len(got) != 100 {
		t.Fatalf("handler saw %d events, want 100", len(got))
	}

	remove()
	b.Publish(Event{Source: SourceConfig, Kind: KindServerRemoved})
	if len(got) != 100 {
		t.Errorf("handler ran after removal")
	}
}

func TestHandleAllSources(t *testing.T) {
	b := New()
	var n int
	b.Handle("", func(Event) { n++ })

	b.Publish(Event{Source: SourceAgent})
	b.Publish(Event{Source: SourceSandbox})
	if n != 2 {
		t.Errorf("handler saw %d events, want 2", n)
	}
}

func TestHandlerMayPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Handle(SourceConfig, func(e Event) {
		b.Publish(Event{Source: SourceToolCache, Kind: KindServerCoolingDown})
	})
	b.Publish(Event{Source: SourceConfig, Kind: KindServerAdded})

	kinds := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			kinds[e.Kind] = true
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
	if !kinds[KindServerAdded] || !kinds[KindServerCoolingDown] {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
	// Must not panic.
	b.Unsubscribe(ch)
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch := b.Subscribe(4)
			b.Unsubscribe(ch)
		}()
		go func() {
			defer wg.Done()
			b.Publish(Event{Source: SourceDispatch, Kind: KindToolDone})
		}()
	}
	wg.Wait()
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}
