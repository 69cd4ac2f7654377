// README: Scoped pub/sub fan-out of trip and driver events to subscribed sessions.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"hail/internal/geo"
	"hail/internal/types"
)

type Type string

const (
	TypeTripCreated           Type = "trip_created"
	TypeTripAccepted          Type = "trip_accepted"
	TypeTripStateChanged      Type = "trip_state_changed"
	TypeTripCancelled         Type = "trip_cancelled"
	TypeDriverPositionChanged Type = "driver_position_changed"
)

// Event is the wire-level notification both participants and prospective
// drivers observe. State is a plain string so transports need not depend on
// the trip package.
type Event struct {
	Type        Type         `json:"type"`
	TripID      types.ID     `json:"trip_id"`
	PassengerID types.ID     `json:"passenger_id,omitempty"`
	DriverID    types.ID     `json:"driver_id,omitempty"`
	State       string       `json:"state,omitempty"`
	Pickup      *types.Point `json:"pickup,omitempty"`
	Destination *types.Point `json:"destination,omitempty"`
	Position    *types.Point `json:"position,omitempty"`
	PickupETA   int          `json:"pickup_eta_seconds,omitempty"`
	At          time.Time    `json:"at"`
}

// TripTopic scopes a subscription to one trip: its passenger and its bound
// driver listen here.
func TripTopic(id types.ID) string { return "trip:" + string(id) }

// OffersTopic carries newly requested trips; drivers subscribe with a
// service-area filter.
const OffersTopic = "dispatch:offers"

type Subscription struct {
	topic  string
	filter func(Event) bool
	ch     chan Event

	mu     sync.Mutex
	closed bool
}

// Events is the subscriber's receive side. Closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event { return s.ch }

// send never blocks and never races close: a full buffer drops the event.
func (s *Subscription) send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus fans events out to local subscribers and, when a Redis client is
// configured, bridges them across instances via pub/sub. Slow subscribers
// drop events rather than block publishers.
type Bus struct {
	redis    *redis.Client
	instance string
	log      *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

// envelope wraps bridged events with the originating instance so an
// instance's own publications are not delivered twice.
type envelope struct {
	Instance string `json:"instance"`
	Topic    string `json:"topic"`
	Event    Event  `json:"event"`
}

func New(redisClient *redis.Client, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		redis:    redisClient,
		instance: uuid.NewString(),
		log:      log,
		topics:   make(map[string]map[*Subscription]struct{}),
	}
	return b
}

// Run consumes the Redis bridge until ctx is done. No-op without Redis.
func (b *Bus) Run(ctx context.Context) {
	if b.redis == nil {
		return
	}
	pubsub := b.redis.PSubscribe(ctx, redisPattern)
	defer pubsub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("eventbus: dropping malformed bridge payload", "err", err)
				continue
			}
			if env.Instance == b.instance {
				continue
			}
			b.deliver(env.Topic, env.Event)
		}
	}
}

// Subscribe registers for every event on topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	return b.SubscribeFunc(topic, nil)
}

// SubscribeFunc registers with a subscriber-side filter; events failing the
// filter are never queued.
func (b *Bus) SubscribeFunc(topic string, filter func(Event) bool) *Subscription {
	sub := &Subscription{
		topic:  topic,
		filter: filter,
		ch:     make(chan Event, 64),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*Subscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	return sub
}

// SubscribeOffers registers a driver session for newly requested trips whose
// pickup lies within radiusMeters of the driver's operating center.
func (b *Bus) SubscribeOffers(center types.Point, radiusMeters float64) *Subscription {
	return b.SubscribeFunc(OffersTopic, func(ev Event) bool {
		if ev.Pickup == nil {
			return false
		}
		return geo.DistanceMeters(center, *ev.Pickup) <= radiusMeters
	})
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if subs, ok := b.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
	b.mu.Unlock()

	sub.close()
}

// Publish fans ev out to topic subscribers. Local delivery never blocks;
// the Redis bridge forwards to peer instances when configured.
func (b *Bus) Publish(ctx context.Context, topic string, ev Event) {
	b.deliver(topic, ev)

	if b.redis == nil {
		return
	}
	payload, err := json.Marshal(envelope{Instance: b.instance, Topic: topic, Event: ev})
	if err != nil {
		b.log.Error("eventbus: marshal bridge payload", "err", err)
		return
	}
	if err := b.redis.Publish(ctx, redisChannel(topic), payload).Err(); err != nil {
		b.log.Warn("eventbus: redis publish failed", "topic", topic, "err", err)
	}
}

func (b *Bus) deliver(topic string, ev Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.topics[topic]))
	for sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		sub.send(ev)
	}
}

const redisPattern = "hail:events:*"

func redisChannel(topic string) string {
	return "hail:events:" + topic
}
