package pubsub

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe(TopicDeviceSnapshot)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(TopicDeviceSnapshot, i)
	}
	for i := 0; i < 5; i++ {
		got := <-sub.C
		if got != i {
			t.Fatalf("message %d = %v", i, got)
		}
	}
}

func TestDropOldestCountsExactOverflow(t *testing.T) {
	const capacity = 4
	const n = 11
	b := NewBroker(map[Topic]TopicConfig{
		TopicDeviceSnapshot: {QueueSize: capacity, Policy: DropOldest},
	})
	sub := b.Subscribe(TopicDeviceSnapshot)
	defer sub.Close()

	for i := 0; i < n; i++ {
		b.Publish(TopicDeviceSnapshot, i)
	}

	stats := b.Stats()[TopicDeviceSnapshot]
	if stats.Dropped != n-capacity {
		t.Errorf("dropped = %d, want %d", stats.Dropped, n-capacity)
	}

	// Survivors are the newest `capacity` messages, in order.
	for i := n - capacity; i < n; i++ {
		got := <-sub.C
		if got != i {
			t.Fatalf("surviving message = %v, want %d", got, i)
		}
	}
}

func TestDropNewestKeepsFront(t *testing.T) {
	b := NewBroker(map[Topic]TopicConfig{
		TopicAlertWarning: {QueueSize: 2, Policy: DropNewest},
	})
	sub := b.Subscribe(TopicAlertWarning)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(TopicAlertWarning, i)
	}

	if got := <-sub.C; got != 0 {
		t.Errorf("first = %v, want 0", got)
	}
	if got := <-sub.C; got != 1 {
		t.Errorf("second = %v, want 1", got)
	}
	if stats := b.Stats()[TopicAlertWarning]; stats.Dropped != 3 {
		t.Errorf("dropped = %d, want 3", stats.Dropped)
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBroker(map[Topic]TopicConfig{
		TopicDeviceSnapshot: {QueueSize: 1, Policy: DropOldest},
	})
	slow := b.Subscribe(TopicDeviceSnapshot)
	fast := b.Subscribe(TopicDeviceSnapshot)
	defer slow.Close()
	defer fast.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(TopicDeviceSnapshot, i)
			// Drain only the fast subscriber.
			<-fast.C
		}
	}()
	<-done
}

func TestStatsShape(t *testing.T) {
	b := NewBroker(map[Topic]TopicConfig{
		TopicDeviceSnapshot: {QueueSize: 8, Policy: DropOldest},
	})
	s1 := b.Subscribe(TopicDeviceSnapshot)
	s2 := b.Subscribe(TopicDeviceSnapshot)
	defer s1.Close()
	defer s2.Close()

	b.Publish(TopicDeviceSnapshot, "x")

	st := b.Stats()[TopicDeviceSnapshot]
	if st.Subscribers != 2 || st.QueueSize != 8 || st.Policy != DropOldest {
		t.Errorf("stats = %+v", st)
	}
	total := 0
	for _, l := range st.QueueLengths {
		total += l
	}
	if total != 2 {
		t.Errorf("queued total = %d, want 2", total)
	}
}

func TestResetDropsReturnsPrior(t *testing.T) {
	b := NewBroker(map[Topic]TopicConfig{
		TopicDeviceSnapshot: {QueueSize: 1, Policy: DropNewest},
	})
	sub := b.Subscribe(TopicDeviceSnapshot)
	defer sub.Close()

	b.Publish(TopicDeviceSnapshot, 1)
	b.Publish(TopicDeviceSnapshot, 2)
	b.Publish(TopicDeviceSnapshot, 3)

	prior := b.ResetDrops()
	if prior[TopicDeviceSnapshot] != 2 {
		t.Errorf("prior = %d, want 2", prior[TopicDeviceSnapshot])
	}
	if b.Stats()[TopicDeviceSnapshot].Dropped != 0 {
		t.Error("drops not reset")
	}
}

func TestCloseDetachesSubscribers(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe(TopicDeviceSnapshot)

	b.Close()
	if _, open := <-sub.C; open {
		t.Error("channel still open after Close")
	}
	// Publishing after close must not panic.
	b.Publish(TopicDeviceSnapshot, "late")
}

func TestCloseUnblocksParkedPublisher(t *testing.T) {
	b := NewBroker(map[Topic]TopicConfig{
		TopicDeviceSnapshot: {QueueSize: 1, Policy: Block},
	})
	sub := b.Subscribe(TopicDeviceSnapshot)
	b.Publish(TopicDeviceSnapshot, 1) // fills the queue

	published := make(chan struct{})
	go func() {
		defer close(published)
		b.Publish(TopicDeviceSnapshot, 2) // parks on the full queue
	}()

	// Let the publisher park, then detach the subscriber under it.
	time.Sleep(20 * time.Millisecond)
	sub.Close()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher still parked after Close")
	}
	if got, open := <-sub.C; !open || got != 1 {
		t.Errorf("buffered message = %v open=%v, want 1 true", got, open)
	}
	if _, open := <-sub.C; open {
		t.Error("channel still open after the parked publish resolved")
	}
}

func TestCloseDuringPublishStorm(t *testing.T) {
	b := NewBroker(map[Topic]TopicConfig{
		TopicDeviceSnapshot: {QueueSize: 1, Policy: DropOldest},
	})
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.Publish(TopicDeviceSnapshot, i)
			}
		}()
	}
	for i := 0; i < 100; i++ {
		b.Subscribe(TopicDeviceSnapshot).Close()
	}
	wg.Wait()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe(TopicDeviceSnapshot)
	sub.Close()

	b.Publish(TopicDeviceSnapshot, 1)
	if _, open := <-sub.C; open {
		t.Error("received after unsubscribe")
	}
	if st := b.Stats()[TopicDeviceSnapshot]; st.Subscribers != 0 {
		t.Errorf("subscribers = %d", st.Subscribers)
	}
}
