package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

// ChangeOperation is the kind of cache mutation.
type ChangeOperation int

const (
	ChangeSet ChangeOperation = iota
	ChangeDelete
	ChangeExpire
	ChangeFlush
)

func (op ChangeOperation) String() string {
	switch op {
	case ChangeSet:
		return "set"
	case ChangeDelete:
		return "del"
	case ChangeExpire:
		return "expired"
	default:
		return "flushdb"
	}
}

// Change is one cache mutation event.
type Change struct {
	Key       string
	Operation ChangeOperation
	OldValue  *Value
	NewValue  *Value
	TTL       *int64
	ChangedAt time.Time
}

// PubSubMessage encodes the change as a RESP pub/sub push frame:
// *3 $7 message $<len> <channel> $<len> <payload>.
func (c Change) PubSubMessage(channel string) []byte {
	var payload string
	switch c.Operation {
	case ChangeSet:
		newVal := ""
		if c.NewValue != nil {
			newVal = c.NewValue.RespString()
		}
		payload = fmt.Sprintf("set %s %s", c.Key, newVal)
	case ChangeDelete:
		payload = "del " + c.Key
	case ChangeExpire:
		payload = "expired " + c.Key
	default:
		payload = "flushdb"
	}
	return []byte(fmt.Sprintf("*3\r\n$7\r\nmessage\r\n$%d\r\n%s\r\n$%d\r\n%s\r\n",
		len(channel), channel, len(payload), payload))
}

// Delivery is a matched change routed to one subscriber, tagged with
// the channel or pattern that matched.
type Delivery struct {
	Channel string
	Change  Change
}

type channelSub struct {
	clientID  uuid.UUID
	pattern   string
	isPattern bool
	matcher   glob.Glob // non-nil for pattern subscriptions
}

// SubscriptionManager routes cache changes to pub/sub clients by exact
// channel or glob pattern.
type SubscriptionManager struct {
	mu      sync.RWMutex
	subs    []channelSub
	clients map[uuid.UUID]chan Delivery
}

// NewSubscriptionManager creates an empty pub/sub registry.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{clients: make(map[uuid.UUID]chan Delivery)}
}

// clientDeliveryBuffer bounds each client's pending pub/sub messages;
// overflow drops, matching the lossy broadcast contract.
const clientDeliveryBuffer = 64

// RegisterClient allocates the client's delivery channel.
func (m *SubscriptionManager) RegisterClient(clientID uuid.UUID) <-chan Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Delivery, clientDeliveryBuffer)
	m.clients[clientID] = ch
	return ch
}

// Subscribe adds an exact-channel subscription and returns the client's
// subscription count.
func (m *SubscriptionManager) Subscribe(clientID uuid.UUID, channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, channelSub{clientID: clientID, pattern: channel})
	return m.countLocked(clientID)
}

// PSubscribe adds a glob-pattern subscription.
func (m *SubscriptionManager) PSubscribe(clientID uuid.UUID, pattern string) (int, error) {
	matcher, err := glob.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, channelSub{clientID: clientID, pattern: pattern, isPattern: true, matcher: matcher})
	return m.countLocked(clientID), nil
}

// Unsubscribe removes an exact-channel subscription.
func (m *SubscriptionManager) Unsubscribe(clientID uuid.UUID, channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(clientID, channel, false)
	return m.countLocked(clientID)
}

// PUnsubscribe removes a pattern subscription.
func (m *SubscriptionManager) PUnsubscribe(clientID uuid.UUID, pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(clientID, pattern, true)
	return m.countLocked(clientID)
}

func (m *SubscriptionManager) removeLocked(clientID uuid.UUID, pattern string, isPattern bool) {
	kept := m.subs[:0]
	for _, s := range m.subs {
		if s.clientID == clientID && s.pattern == pattern && s.isPattern == isPattern {
			continue
		}
		kept = append(kept, s)
	}
	m.subs = kept
}

func (m *SubscriptionManager) countLocked(clientID uuid.UUID) int {
	n := 0
	for _, s := range m.subs {
		if s.clientID == clientID {
			n++
		}
	}
	return n
}

// RemoveClient drops all subscriptions and the delivery channel of a
// disconnected client.
func (m *SubscriptionManager) RemoveClient(clientID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.subs[:0]
	for _, s := range m.subs {
		if s.clientID != clientID {
			kept = append(kept, s)
		}
	}
	m.subs = kept
	if ch, ok := m.clients[clientID]; ok {
		close(ch)
		delete(m.clients, clientID)
	}
}

// SubscriptionCount reports how many channels a client subscribes to.
func (m *SubscriptionManager) SubscriptionCount(clientID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countLocked(clientID)
}

// Broadcast routes one change to every matching subscriber. Exact
// subscriptions also match "<channel>:<suffix>" keys so clients can
// subscribe to key prefixes; patterns match the whole key.
func (m *SubscriptionManager) Broadcast(change Change) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subs {
		matched := false
		if sub.isPattern {
			matched = sub.matcher.Match(change.Key)
		} else {
			matched = change.Key == sub.pattern || strings.HasPrefix(change.Key, sub.pattern+":")
		}
		if !matched {
			continue
		}
		ch, ok := m.clients[sub.clientID]
		if !ok {
			continue
		}
		select {
		case ch <- Delivery{Channel: sub.pattern, Change: change}:
		default:
			// Slow subscriber; drop rather than block the broadcaster.
		}
	}
}
