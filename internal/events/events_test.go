package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func collect(ch <-chan Event, n int, t *testing.T) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestSubscribersSeeSameOrder(t *testing.T) {
	b := NewBroadcaster(32, nil)
	a, stopA := b.Subscribe("job-1", "")
	c, stopC := b.Subscribe("job-1", "")
	other, stopOther := b.Subscribe("job-2", "")
	defer stopA()
	defer stopC()
	defer stopOther()

	for i := 0; i < 10; i++ {
		b.Emit("job-1", FrameProgress, map[string]int{"n": i})
	}
	gotA := collect(a, 10, t)
	gotC := collect(c, 10, t)
	for i := range gotA {
		if gotA[i].ID != gotC[i].ID {
			t.Fatalf("order differs at %d", i)
		}
		var payload map[string]int
		if err := gotA[i].Decode(&payload); err != nil || payload["n"] != i {
			t.Fatalf("event %d carried %v (%v)", i, payload, err)
		}
	}
	select {
	case ev := <-other:
		t.Fatalf("job-2 subscriber received %v", ev)
	default:
	}
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	b := NewBroadcaster(2, nil)
	slow, stop := b.Subscribe("job", "")
	defer stop()
	for i := 0; i < 5; i++ {
		b.Emit("job", FrameProgress, nil)
	}
	got := collect(slow, 5, t)
	if len(got) != 2 {
		t.Fatalf("expected the buffered prefix then close, got %d events", len(got))
	}
	if _, ok := <-slow; ok {
		t.Fatalf("expected channel closed after eviction")
	}
}

func TestResubscribeReplaysSinceID(t *testing.T) {
	b := NewBroadcaster(8, nil)
	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, b.Emit("job", GroupStatusChanged, nil).ID)
	}
	ch, stop := b.Subscribe("job", ids[1])
	defer stop()
	got := collect(ch, 2, t)
	if got[0].ID != ids[2] || got[1].ID != ids[3] {
		t.Fatalf("unexpected replay %v", got)
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	b := NewBroadcaster(4, nil)
	ch, stop := b.Subscribe("", "")
	b.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	stop()
	b.Emit("job", JobDone, nil)
}

type memPubSub struct {
	mu   sync.Mutex
	subs []chan []byte
}

func (m *memPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		s <- payload
	}
	return nil
}

func (m *memPubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error) {
	ch := make(chan []byte, 16)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch, func() error { return nil }
}

func TestRelayCrossesInstancesWithoutEcho(t *testing.T) {
	ps := &memPubSub{}
	left := NewBroadcaster(8, nil)
	right := NewBroadcaster(8, nil)
	lr := NewRelay(ps, "events", left, nil)
	rr := NewRelay(ps, "events", right, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lr.Run(ctx)
	go rr.Run(ctx)
	for {
		ps.mu.Lock()
		n := len(ps.subs)
		ps.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	leftCh, stopL := left.Subscribe("job", "")
	rightCh, stopR := right.Subscribe("job", "")
	defer stopL()
	defer stopR()

	sent := left.Emit("job", ImageReady, map[string]string{"key": "out.jpg"})
	got := collect(rightCh, 1, t)
	if got[0].ID != sent.ID || got[0].Type != ImageReady {
		t.Fatalf("relay delivered %+v", got[0])
	}
	first := collect(leftCh, 1, t)
	if first[0].ID != sent.ID {
		t.Fatalf("unexpected local event %+v", first[0])
	}
	select {
	case ev := <-leftCh:
		t.Fatalf("origin instance received its own event again: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
