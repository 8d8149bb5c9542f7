// Package notifications fans realtime account events out to connected clients.
package notifications

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	EventKindSubscriptionApproved = "subscription_approved"
	EventKindSubscriptionRejected = "subscription_rejected"
	EventKindSubscriptionRevoked  = "subscription_revoked"
	EventKindSubscriptionExpiring = "subscription_expiring"
	EventKindSubscriptionExpired  = "subscription_expired"
	EventKindSecurityAlert        = "security_alert"

	defaultSubscriberBuffer = 16
)

// Event is a single notification. AdminOnly events reach administrators only; all other
// events reach the subscribers of UserID.
type Event struct {
	Kind      string         `json:"kind"`
	UserID    string         `json:"user_id,omitempty"`
	AdminOnly bool           `json:"admin_only,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher accepts events for delivery.
type Publisher interface {
	Broadcast(event Event)
}

// Broadcaster fan-outs events to subscribed clients. Slow subscribers lose events instead of
// blocking the publisher.
type Broadcaster struct {
	mutex        sync.Mutex
	nextID       int64
	subscribers  map[int64]*Subscription
	closed       bool
	bufferLength int
	clock        func() time.Time
}

// NewBroadcaster constructs a broadcaster. A non-positive buffer length uses the default.
func NewBroadcaster(bufferLength int) *Broadcaster {
	if bufferLength <= 0 {
		bufferLength = defaultSubscriberBuffer
	}
	return &Broadcaster{
		subscribers:  make(map[int64]*Subscription),
		bufferLength: bufferLength,
		clock:        time.Now,
	}
}

// Subscribe registers a client. Admin subscribers additionally receive AdminOnly events.
// It returns nil once the broadcaster is closed.
func (broadcaster *Broadcaster) Subscribe(userID string, admin bool) *Subscription {
	broadcaster.mutex.Lock()
	defer broadcaster.mutex.Unlock()
	if broadcaster.closed {
		return nil
	}
	subscriptionID := broadcaster.nextID
	broadcaster.nextID++
	subscription := &Subscription{
		broadcaster: broadcaster,
		identifier:  subscriptionID,
		userID:      userID,
		admin:       admin,
		events:      make(chan Event, broadcaster.bufferLength),
	}
	broadcaster.subscribers[subscriptionID] = subscription
	return subscription
}

// Broadcast delivers the event to every matching subscriber.
func (broadcaster *Broadcaster) Broadcast(event Event) {
	if broadcaster == nil {
		return
	}
	broadcaster.mutex.Lock()
	defer broadcaster.mutex.Unlock()
	if broadcaster.closed || len(broadcaster.subscribers) == 0 {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = broadcaster.clock().UTC()
	}
	for _, subscription := range broadcaster.subscribers {
		if !subscription.wants(event) {
			continue
		}
		select {
		case subscription.events <- event:
		default:
			subscription.dropped.Add(1)
		}
	}
}

// SubscriberCount reports the number of connected subscribers.
func (broadcaster *Broadcaster) SubscriberCount() int {
	broadcaster.mutex.Lock()
	defer broadcaster.mutex.Unlock()
	return len(broadcaster.subscribers)
}

// Close stops the broadcaster and closes all subscriber channels.
func (broadcaster *Broadcaster) Close() {
	broadcaster.mutex.Lock()
	defer broadcaster.mutex.Unlock()
	if broadcaster.closed {
		return
	}
	broadcaster.closed = true
	for identifier, subscription := range broadcaster.subscribers {
		close(subscription.events)
		delete(broadcaster.subscribers, identifier)
	}
}

func (broadcaster *Broadcaster) remove(identifier int64) {
	broadcaster.mutex.Lock()
	defer broadcaster.mutex.Unlock()
	subscription, exists := broadcaster.subscribers[identifier]
	if exists {
		delete(broadcaster.subscribers, identifier)
		close(subscription.events)
	}
}

// Subscription represents a single connected client.
type Subscription struct {
	broadcaster *Broadcaster
	identifier  int64
	userID      string
	admin       bool
	events      chan Event
	once        sync.Once
	dropped     atomic.Int64
}

// Events exposes the receive-only event channel.
func (subscription *Subscription) Events() <-chan Event {
	if subscription == nil {
		return nil
	}
	return subscription.events
}

// Dropped reports how many events were discarded because the buffer was full.
func (subscription *Subscription) Dropped() int64 {
	if subscription == nil {
		return 0
	}
	return subscription.dropped.Load()
}

// Close unregisters the subscription and closes its channel.
func (subscription *Subscription) Close() {
	if subscription == nil {
		return
	}
	subscription.once.Do(func() {
		if subscription.broadcaster != nil {
			subscription.broadcaster.remove(subscription.identifier)
		}
	})
}

func (subscription *Subscription) wants(event Event) bool {
	if event.AdminOnly {
		return subscription.admin
	}
	return event.UserID != "" && event.UserID == subscription.userID
}
