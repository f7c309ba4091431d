package events

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/parsec-cloud/parsec-server/internal/logging"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// DefaultCacheSize bounds the replay cache.
const DefaultCacheSize = 1024

// DefaultSubscriberBuffer bounds each subscriber queue. A subscriber
// that cannot drain this many events is closed and must resynchronize.
const DefaultSubscriberBuffer = 256

// Envelope wraps a published event with its id, sequence number and
// organization scope.
type Envelope struct {
	ID           string
	Seq          uint64
	Organization models.OrganizationID
	Event        Event
}

// Bus fans events out to subscribers. Publication order equals delivery
// order on every subscriber channel.
type Bus struct {
	log logging.Logger

	mu    sync.Mutex
	seq   uint64
	subs  map[*Subscriber]struct{}
	cache *lru.Cache[string, *Envelope]
}

func NewBus(cacheSize int, log logging.Logger) *Bus {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *Envelope](cacheSize)
	if err != nil {
		panic(err)
	}
	return &Bus{
		log:   log,
		subs:  make(map[*Subscriber]struct{}),
		cache: cache,
	}
}

// Publish assigns the event an id and sequence number, stores it in the
// replay cache and delivers it to every live subscriber. A subscriber
// whose queue is full is closed: it lost ordering and must reconnect.
func (b *Bus) Publish(ctx context.Context, org models.OrganizationID, ev Event) *Envelope {
	b.mu.Lock()
	b.seq++
	env := &Envelope{
		ID:           uuid.NewString(),
		Seq:          b.seq,
		Organization: org,
		Event:        ev,
	}
	b.cache.Add(env.ID, env)

	var overflowed []*Subscriber
	for sub := range b.subs {
		select {
		case sub.ch <- env:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		delete(b.subs, sub)
		close(sub.ch)
		sub.closed = true
	}
	b.mu.Unlock()

	for range overflowed {
		b.log.Warn(ctx, "event subscriber lagging, dropped", "event", ev.Type(), "organization", string(org))
	}
	return env
}

// Subscribe registers a new subscriber with the given queue size
// (DefaultSubscriberBuffer when <= 0).
func (b *Bus) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscriber{bus: b, ch: make(chan *Envelope, buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Replay returns the cached envelopes published after the given event
// id, in publication order. The second result is false when the id is
// no longer cached, in which case the caller cannot resume and must
// restart from scratch.
func (b *Bus) Replay(sinceID string) ([]*Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	since, found := b.cache.Peek(sinceID)
	if !found {
		return nil, false
	}
	var out []*Envelope
	// Keys are ordered oldest to newest so a single pass preserves
	// publication order.
	for _, id := range b.cache.Keys() {
		env, _ := b.cache.Peek(id)
		if env != nil && env.Seq > since.Seq {
			out = append(out, env)
		}
	}
	return out, true
}

// Subscriber is one bounded queue attached to the bus.
type Subscriber struct {
	bus    *Bus
	ch     chan *Envelope
	closed bool
}

// C is the delivery channel. It is closed when the subscriber is
// cancelled or dropped for lagging.
func (s *Subscriber) C() <-chan *Envelope { return s.ch }

// Close detaches the subscriber from the bus.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	delete(s.bus.subs, s)
	close(s.ch)
	s.closed = true
}
