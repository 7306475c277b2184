package changefeed

import (
	"context"
	"sync"

	"github.com/example/ride-bidding/internal/models"
)

const subscriptionBuffer = 16

// Broker is an in-process push feed. Publish never blocks: a subscriber
// whose buffer is full misses the event and catches up on its next
// reconciliation.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[*brokerSub]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*brokerSub]struct{})}
}

type brokerSub struct {
	b      *Broker
	rideID string
	ch     chan models.RideEvent
	once   sync.Once
}

func (s *brokerSub) Events() <-chan models.RideEvent { return s.ch }

func (s *brokerSub) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		if set, ok := s.b.subs[s.rideID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.b.subs, s.rideID)
			}
		}
		close(s.ch)
	})
}

func (b *Broker) Subscribe(ctx context.Context, rideID string) (Subscription, error) {
	s := &brokerSub{b: b, rideID: rideID, ch: make(chan models.RideEvent, subscriptionBuffer)}
	b.mu.Lock()
	set := b.subs[rideID]
	if set == nil {
		set = make(map[*brokerSub]struct{})
		b.subs[rideID] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

func (b *Broker) Publish(ctx context.Context, ev models.RideEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[ev.RideID] {
		select {
		case s.ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribers reports how many subscriptions are open for rideID.
func (b *Broker) Subscribers(rideID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[rideID])
}
