package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/streamweave/backend/internal/metrics"
	"github.com/streamweave/backend/internal/models"
)

var log = logging.Logger("events")

// Publisher is the one-way handoff used by the core components to announce
// lifecycle changes. Publish never blocks.
type Publisher interface {
	Publish(e models.Event)
}

type discard struct{}

func (discard) Publish(models.Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

// New builds an event stamped with the current time.
func New(typ models.EventType, sessionID uuid.UUID, payload interface{}) models.Event {
	return models.Event{
		Type:      typ,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

type subscription struct {
	id uint64
	ch chan models.Event
}

// Bus fans events out to subscribers. Subscribers that fall behind miss
// events rather than stalling publishers.
type Bus struct {
	// Registered subscribers
	subscribers map[uint64]chan models.Event

	// Inbound events from publishers
	broadcast chan models.Event

	// Register requests from subscribers
	register chan subscription

	// Unregister requests from subscribers
	unregister chan uint64

	nextID chan uint64
	done   chan struct{}
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	b := &Bus{
		subscribers: make(map[uint64]chan models.Event),
		broadcast:   make(chan models.Event, buffer),
		register:    make(chan subscription),
		unregister:  make(chan uint64),
		nextID:      make(chan uint64),
		done:        make(chan struct{}),
	}
	go func() {
		var id uint64
		for {
			id++
			select {
			case b.nextID <- id:
			case <-b.done:
				return
			}
		}
	}()
	return b
}

func (b *Bus) Publish(e models.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case b.broadcast <- e:
		metrics.EventsPublished.WithLabelValues(string(e.Type)).Inc()
	default:
		metrics.EventsDropped.Inc()
		log.Warnw("event bus full, dropping event", "event", e.Type, "session", e.SessionID)
	}
}

// Subscribe returns a channel receiving every event published after the
// call, and a cancel function that releases it. The channel is closed when
// the subscription is cancelled or the bus stops.
func (b *Bus) Subscribe(buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	var id uint64
	select {
	case id = <-b.nextID:
	case <-b.done:
		ch := make(chan models.Event)
		close(ch)
		return ch, func() {}
	}

	s := subscription{id: id, ch: make(chan models.Event, buffer)}
	select {
	case b.register <- s:
	case <-b.done:
		close(s.ch)
		return s.ch, func() {}
	}

	return s.ch, func() {
		select {
		case b.unregister <- id:
		case <-b.done:
		}
	}
}

// Run delivers events until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	defer func() {
		close(b.done)
		for id, ch := range b.subscribers {
			close(ch)
			delete(b.subscribers, id)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case s := <-b.register:
			b.subscribers[s.id] = s.ch

		case id := <-b.unregister:
			if ch, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(ch)
			}

		case e := <-b.broadcast:
			for id, ch := range b.subscribers {
				select {
				case ch <- e:
				default:
					log.Debugw("subscriber behind, event skipped", "subscriber", id, "event", e.Type)
				}
			}
		}
	}
}
