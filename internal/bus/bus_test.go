package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := NewWithConfig(2, 16)
	defer b.Close(context.Background())

	var mu sync.Mutex
	got := make(map[string]int)
	var wg sync.WaitGroup
	wg.Add(2)

	for _, name := range []string{"first", "second"} {
		name := name
		b.Subscribe(EventTypeStateChanged, func(ev Event) {
			mu.Lock()
			got[name]++
			mu.Unlock()
			wg.Done()
		})
	}
	b.Subscribe(EventTypeDeviceRemoved, func(ev Event) {
		t.Error("handler for unrelated event type invoked")
	})

	b.Publish(Event{Type: EventTypeStateChanged, Serial: "abc123"})

	waitGroupWithin(t, &wg, 2*time.Second)
	mu.Lock()
	defer mu.Unlock()
	if got["first"] != 1 || got["second"] != 1 {
		t.Fatalf("deliveries = %v, want one per subscriber", got)
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	b := NewWithConfig(1, 16)

	var mu sync.Mutex
	delivered := 0
	b.Subscribe(EventTypeStateChanged, func(ev Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventTypeStateChanged})
	}
	b.Close(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if delivered != 5 {
		t.Fatalf("delivered = %d, want 5", delivered)
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	b := NewWithConfig(1, 16)
	b.Subscribe(EventTypeStateChanged, func(ev Event) {
		t.Error("handler invoked after close")
	})
	b.Close(context.Background())

	b.Publish(Event{Type: EventTypeStateChanged})
	time.Sleep(50 * time.Millisecond)
}

func TestConcurrentPublishDuringClose(t *testing.T) {
	b := NewWithConfig(2, 4)
	b.Subscribe(EventTypeStateChanged, func(ev Event) {})

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				b.Publish(Event{Type: EventTypeStateChanged})
			}
		}()
	}

	close(start)
	b.Close(context.Background())
	wg.Wait()
}

func TestHandlerPanicDoesNotKillWorker(t *testing.T) {
	b := NewWithConfig(1, 16)
	defer b.Close(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	b.Subscribe(EventTypeStateChanged, func(ev Event) {
		panic("boom")
	})
	b.Subscribe(EventTypeStateChanged, func(ev Event) {
		wg.Done()
	})

	b.Publish(Event{Type: EventTypeStateChanged})
	waitGroupWithin(t, &wg, 2*time.Second)
}

func waitGroupWithin(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for deliveries")
	}
}
