package bus

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Event is the unit of delivery on the fan-out bus. Payload is already
// serialized so one publish can fan out to many subscribers without
// re-marshalling per client.
type Event struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func NewEvent(eventType string, payload interface{}) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("bus marshal error type=%s: %v", eventType, err)
		raw = []byte("{}")
	}
	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now().UTC()}
}

// Subscriber is one connected consumer. Send is drained by the transport
// layer; delivery never blocks the publisher.
type Subscriber struct {
	ID   string
	Send chan Event
}

func NewSubscriber(id string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 32
	}
	return &Subscriber{ID: id, Send: make(chan Event, buffer)}
}

// Bus groups subscribers into named channels and fans events out to every
// subscriber of a channel. Delivery is at-least-once and unordered across
// channels; consumers must tolerate duplicates.
type Bus struct {
	mu       sync.RWMutex
	channels map[string]map[string]*Subscriber
}

func New() *Bus {
	return &Bus{channels: make(map[string]map[string]*Subscriber)}
}

func (b *Bus) Subscribe(channel string, sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.channels[channel]
	if !ok {
		subs = make(map[string]*Subscriber)
		b.channels[channel] = subs
	}
	subs[sub.ID] = sub
}

func (b *Bus) Unsubscribe(channel, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.channels[channel]
	if !ok {
		return
	}
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(b.channels, channel)
	}
}

// UnsubscribeAll removes the subscriber from every channel it joined.
func (b *Bus) UnsubscribeAll(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, subs := range b.channels {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(b.channels, channel)
		}
	}
}

// Publish delivers the event to every subscriber of the channel. Slow
// subscribers are skipped with a log line rather than blocking the caller.
func (b *Bus) Publish(channel string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.channels[channel] {
		select {
		case sub.Send <- event:
		default:
			log.Printf("bus drop event type=%s channel=%s subscriber=%s", event.Type, channel, sub.ID)
		}
	}
}

// PublishWithFallback publishes one event to the primary channel and every
// fallback channel. Freshly connected clients can miss their private channel
// registration, so redundant delivery is deliberate; subscribers dedupe.
func (b *Bus) PublishWithFallback(primary string, fallbacks []string, event Event) {
	b.Publish(primary, event)
	for _, channel := range fallbacks {
		if channel == "" || channel == primary {
			continue
		}
		b.Publish(channel, event)
	}
}

// Subscribers reports how many subscribers a channel currently has.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

func UserChannel(userID string) string       { return "user:" + userID }
func RoleChannel(role string) string         { return "role:" + role }
func SessionChannel(sessionID string) string { return "session:" + sessionID }
func CallChannel(callID string) string       { return "call:" + callID }
