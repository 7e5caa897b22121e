// Package events fans pipeline progress out to stream subscribers.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"stackline/internal/logging"
)

// Type names an event kind on the wire.
type Type string

const (
	GroupingProgress   Type = "grouping_progress"
	Grouped            Type = "grouped"
	FrameProgress      Type = "frame_progress"
	GroupStatusChanged Type = "group_status_changed"
	GroupDone          Type = "group_done"
	GroupFailed        Type = "group_failed"
	ImageReady         Type = "image_ready"
	JobStatusChanged   Type = "job_status_changed"
	JobDone            Type = "job_done"
	Error              Type = "error"
)

const (
	defaultBuffer  = 64
	defaultHistory = 128
)

// Event is the envelope delivered to subscribers.
type Event struct {
	ID    string          `json:"id"`
	JobID string          `json:"jobId"`
	Type  Type            `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	At    time.Time       `json:"at"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Terminal reports whether no further events follow for the job.
func (e Event) Terminal() bool { return e.Type == JobDone }

type subscriber struct {
	jobID string
	ch    chan Event
}

// Broadcaster delivers events to subscribers in publish order. A subscriber
// whose buffer is full is evicted: its channel closes and it must resubscribe
// with the last event ID it saw.
type Broadcaster struct {
	log     *slog.Logger
	buffer  int
	history int

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	recent map[string][]Event
	hooks  []func(Event)
	closed bool
}

// NewBroadcaster returns a broadcaster with per-subscriber buffer size.
func NewBroadcaster(buffer int, logger *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broadcaster{
		log:     logging.Or(logger),
		buffer:  buffer,
		history: defaultHistory,
		subs:    make(map[uint64]*subscriber),
		recent:  make(map[string][]Event),
	}
}

// OnPublish registers fn for every locally published event.
func (b *Broadcaster) OnPublish(fn func(Event)) {
	b.mu.Lock()
	b.hooks = append(b.hooks, fn)
	b.mu.Unlock()
}

// Subscribe streams events for jobID, or for every job when jobID is empty.
// Events recorded after sinceID are replayed first. The returned function
// unsubscribes and is safe to call more than once.
func (b *Broadcaster) Subscribe(jobID, sinceID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []Event
	if jobID != "" && sinceID != "" {
		hist := b.recent[jobID]
		for i, ev := range hist {
			if ev.ID == sinceID {
				replay = append(replay, hist[i+1:]...)
				break
			}
		}
	}
	size := b.buffer
	if len(replay) > size {
		size = len(replay)
	}
	sub := &subscriber{jobID: jobID, ch: make(chan Event, size)}
	for _, ev := range replay {
		sub.ch <- ev
	}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Emit builds and publishes an event. Payload encoding errors are logged and
// the event is still delivered without data.
func (b *Broadcaster) Emit(jobID string, typ Type, data any) Event {
	ev := Event{JobID: jobID, Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			b.log.Warn("event payload not encodable", "type", typ, "error", err)
		} else {
			ev.Data = raw
		}
	}
	return b.Publish(ev)
}

// Publish stamps ev with an ID and time when missing, delivers it, and runs
// the publish hooks.
func (b *Broadcaster) Publish(ev Event) Event {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	hooks := b.deliver(ev)
	for _, fn := range hooks {
		fn(ev)
	}
	return ev
}

// Deliver hands an event from another instance to local subscribers only.
func (b *Broadcaster) Deliver(ev Event) {
	b.deliver(ev)
}

func (b *Broadcaster) deliver(ev Event) []func(Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if ev.JobID != "" {
		hist := append(b.recent[ev.JobID], ev)
		if len(hist) > b.history {
			hist = hist[len(hist)-b.history:]
		}
		b.recent[ev.JobID] = hist
	}
	for id, sub := range b.subs {
		if sub.jobID != "" && sub.jobID != ev.JobID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.log.Warn("evicting slow event subscriber", "job_id", sub.jobID, "event", ev.Type)
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return append([]func(Event){}, b.hooks...)
}

// Recent returns the buffered history of a job.
func (b *Broadcaster) Recent(jobID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.recent[jobID]...)
}

// Forget drops a job's history.
func (b *Broadcaster) Forget(jobID string) {
	b.mu.Lock()
	delete(b.recent, jobID)
	b.mu.Unlock()
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
