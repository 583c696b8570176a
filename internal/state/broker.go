package state

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/echocal/echocal-go/internal/model"
)

const subscriberBuffer = 16

// Snapshot is an immutable view of the session published to observers. The
// UI layer consumes these instead of reading mutable service state.
type Snapshot struct {
	State        model.SessionState
	Identity     *model.Identity
	Calendar     model.GrantStatus
	SoftExpired  bool
	ErrorMessage string
}

type Subscriber struct {
	C    chan Snapshot
	done chan struct{}
}

// Broker fans session snapshots out to in-process observers.
type Broker struct {
	mu   sync.RWMutex
	subs map[*Subscriber]bool
	last Snapshot
	has  bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscriber]bool)}
}

// Subscribe registers an observer. The latest snapshot, if any, is delivered
// immediately so late subscribers do not miss the current state.
func (b *Broker) Subscribe() *Subscriber {
	sub := &Subscriber{
		C:    make(chan Snapshot, subscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub] = true
	if b.has {
		sub.C <- b.last
	}
	count := len(b.subs)
	b.mu.Unlock()

	log.Debug().Int("subscriberCount", count).Msg("state subscriber added")
	return sub
}

func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[sub] {
		delete(b.subs, sub)
		close(sub.done)
	}
}

// Publish delivers snap to all subscribers. Slow subscribers drop their
// oldest pending snapshot rather than blocking the publisher.
func (b *Broker) Publish(snap Snapshot) {
	b.mu.Lock()
	b.last = snap
	b.has = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.C <- snap:
		default:
			select {
			case <-sub.C:
			default:
			}
			select {
			case sub.C <- snap:
			default:
			}
		}
	}
}

// Last returns the most recent snapshot and whether one has been published.
func (b *Broker) Last() (Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last, b.has
}
