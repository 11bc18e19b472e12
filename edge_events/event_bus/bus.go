// Package event_bus fans edge events notifications out to observers. Each
// observer pulls from its own bounded buffer; what happens when the buffer is
// full is chosen per subscription.
package event_bus

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/events_config"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	"github.com/mobiledgex/edge-cloud-sdk-android/metrics"
	log "github.com/sirupsen/logrus"
)

const DefaultBufferSize = 32

type Kind int

const (
	KindServerEvent Kind = iota
	KindSwitchedToNextCloudlet
	// KindNewCloudletAvailable carries a resolution that was not applied
	// because auto migration is off.
	KindNewCloudletAvailable
	KindCurrentCloudletIsBest
	KindError
	KindConnectionFailed
	KindReconnected
	KindReconnectExhausted
)

func (k Kind) String() string {
	switch k {
	case KindServerEvent:
		return "ServerEvent"
	case KindSwitchedToNextCloudlet:
		return "SwitchedToNextCloudlet"
	case KindNewCloudletAvailable:
		return "NewCloudletAvailable"
	case KindCurrentCloudletIsBest:
		return "CurrentCloudletIsBest"
	case KindError:
		return "Error"
	case KindConnectionFailed:
		return "ConnectionFailed"
	case KindReconnected:
		return "Reconnected"
	case KindReconnectExhausted:
		return "ReconnectExhausted"
	default:
		return "Unknown"
	}
}

type Notification struct {
	Kind Kind
	// Raw is the server event behind a KindServerEvent notification and
	// Event its InboundEvent form, nil for events that trigger nothing.
	Raw      *protocol.ServerEdgeEvent
	Event    protocol.InboundEvent
	Trigger  events_config.Trigger
	Cloudlet *protocol.FindCloudletResult
	Err      error
	Time     time.Time
}

func (n Notification) String() string {
	s := fmt.Sprintf("{kind:%s", n.Kind)
	if n.Raw != nil {
		s += " event:" + n.Raw.EventType.String()
	}
	if n.Cloudlet != nil {
		s += " cloudlet:" + n.Cloudlet.Fqdn()
	}
	if n.Err != nil {
		s += fmt.Sprintf(" err:%v", n.Err)
	}
	return s + "}"
}

// Policy says what Publish does when a subscriber's buffer is full.
type Policy int

const (
	// DropOldest evicts the oldest buffered notification.
	DropOldest Policy = iota
	// BlockProducer makes Publish wait for the subscriber, its Close or the
	// publish context.
	BlockProducer
)

func (p Policy) String() string {
	if p == BlockProducer {
		return "BlockProducer"
	}
	return "DropOldest"
}

type Bus struct {
	metrics *metrics.Metrics

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

func New(m *metrics.Metrics) *Bus {
	return &Bus{metrics: m, subs: make(map[uint64]*Subscription)}
}

type Subscription struct {
	id     uint64
	bus    *Bus
	policy Policy
	ch     chan Notification

	// serialises evict-then-send for DropOldest
	sendMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe registers an observer. The buffer is never closed; receive from
// C together with Done.
func (b *Bus) Subscribe(buffer int, policy Policy) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	s := &Subscription{
		bus:    b,
		policy: policy,
		ch:     make(chan Notification, buffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeOnce.Do(func() { close(s.done) })
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

func (s *Subscription) C() <-chan Notification { return s.ch }

func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unsubscribes. Notifications still buffered are dropped.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers n to every subscriber. With nobody subscribed the
// notification is logged as unhandled.
func (b *Bus) Publish(ctx context.Context, n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	if len(subs) == 0 {
		log.Infof("[EdgeEventsBus] unhandled notification, no subscriber, notification:%s", n)
		return
	}
	// no lock held here, a blocked subscriber must not stall Subscribe or Close
	for _, s := range subs {
		s.deliver(ctx, n, b.metrics)
	}
}

func (s *Subscription) deliver(ctx context.Context, n Notification, m *metrics.Metrics) {
	select {
	case <-s.done:
		return
	default:
	}

	if s.policy == BlockProducer {
		select {
		case s.ch <- n:
		case <-s.done:
		case <-ctx.Done():
			m.IncBusDrop()
			log.Warningf("[EdgeEventsBus] publish abandoned, subscriber:%d, notification:%s, err:%v", s.id, n, ctx.Err())
		}
		return
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for {
		select {
		case s.ch <- n:
			return
		default:
		}
		select {
		case old := <-s.ch:
			m.IncBusDrop()
			log.Debugf("[EdgeEventsBus] buffer full, dropped oldest, subscriber:%d, dropped:%s", s.id, old)
		default:
		}
	}
}

// Events returns a sequence of notifications published from the moment
// iteration starts. Every iteration is a fresh DropOldest subscription, so
// the sequence can be ranged over again after a break. It ends when ctx is
// done or the bus is closed.
func (b *Bus) Events(ctx context.Context) iter.Seq[Notification] {
	return b.EventsWith(ctx, DefaultBufferSize, DropOldest)
}

func (b *Bus) EventsWith(ctx context.Context, buffer int, policy Policy) iter.Seq[Notification] {
	return func(yield func(Notification) bool) {
		sub := b.Subscribe(buffer, policy)
		defer sub.Close()
		for {
			select {
			case n := <-sub.ch:
				if !yield(n) {
					return
				}
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close ends every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.closeOnce.Do(func() { close(s.done) })
	}
}
