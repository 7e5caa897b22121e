package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"stackline/internal/logging"
)

// PubSub is the slice of a Redis client the relay needs.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error)
}

type redisPubSub struct {
	cli *redis.Client
}

// NewRedisPubSub adapts a go-redis client.
func NewRedisPubSub(cli *redis.Client) PubSub {
	return &redisPubSub{cli: cli}
}

func (r *redisPubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.cli.Publish(ctx, channel, payload).Err()
}

func (r *redisPubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error) {
	sub := r.cli.Subscribe(ctx, channel)
	out := make(chan []byte)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close
}

type relayMessage struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// Relay mirrors events between instances sharing a Redis channel. Events
// carry the publishing instance's origin so an instance never re-delivers
// its own events.
type Relay struct {
	ps      PubSub
	channel string
	origin  string
	b       *Broadcaster
	log     *slog.Logger
	out     chan Event
}

// NewRelay connects b to channel. Call Run to start relaying.
func NewRelay(ps PubSub, channel string, b *Broadcaster, logger *slog.Logger) *Relay {
	r := &Relay{
		ps:      ps,
		channel: channel,
		origin:  uuid.NewString(),
		b:       b,
		log:     logging.Or(logger),
		out:     make(chan Event, 256),
	}
	b.OnPublish(r.enqueue)
	return r
}

func (r *Relay) enqueue(ev Event) {
	select {
	case r.out <- ev:
	default:
		r.log.Warn("event relay backlog full, dropping remote copy", "job_id", ev.JobID, "event", ev.Type)
	}
}

// Run relays until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	in, closeSub := r.ps.Subscribe(ctx, r.channel)
	defer closeSub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.out:
			payload, err := json.Marshal(relayMessage{Origin: r.origin, Event: ev})
			if err != nil {
				continue
			}
			if err := r.ps.Publish(ctx, r.channel, payload); err != nil {
				r.log.Warn("event relay publish failed", "error", err)
			}
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			var msg relayMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				r.log.Debug("ignoring malformed relay message", "error", err)
				continue
			}
			if msg.Origin == r.origin {
				continue
			}
			r.b.Deliver(msg.Event)
		}
	}
}
