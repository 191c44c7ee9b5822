package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/uhyunpark/tradewire/pkg/protocol"
)

var errRelayDown = errors.New("relay unavailable")

// MemRelay is an in-process relay. It keeps history, replays matching
// history to new subscribers and can be told to duplicate deliveries or to
// fail, which makes it a stand-in for real relays in tests and demos.
type MemRelay struct {
	url string

	mu         sync.Mutex
	history    []memEvent
	maxHistory int
	subs       map[int]*subscriber
	nextSub    int
	duplicate  bool
	failing    bool
	published  int
}

type memEvent struct {
	raw []byte
	env *protocol.Envelope
}

func NewMemRelay(url string) *MemRelay {
	return &MemRelay{url: url, maxHistory: 10_000, subs: make(map[int]*subscriber)}
}

func (r *MemRelay) URL() string { return r.url }

// SetDuplicate makes every delivery happen twice.
func (r *MemRelay) SetDuplicate(on bool) {
	r.mu.Lock()
	r.duplicate = on
	r.mu.Unlock()
}

// SetFailing makes Publish and Subscribe fail until switched off.
func (r *MemRelay) SetFailing(on bool) {
	r.mu.Lock()
	r.failing = on
	r.mu.Unlock()
}

// Published counts accepted publishes.
func (r *MemRelay) Published() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.published
}

func (r *MemRelay) Publish(ctx context.Context, raw []byte) error {
	env, err := protocol.Decode(raw)
	if err != nil {
		return fmt.Errorf("rejected: %w", err)
	}
	return r.store(ctx, memEvent{raw: append([]byte(nil), raw...), env: env})
}

// Inject delivers raw bytes to subscribers without validating them, the way
// a misbehaving relay would.
func (r *MemRelay) Inject(raw []byte) {
	raw = append([]byte(nil), raw...)
	r.mu.Lock()
	subs := r.snapshotSubs()
	r.mu.Unlock()
	for _, s := range subs {
		s.deliver(raw)
	}
}

func (r *MemRelay) store(ctx context.Context, ev memEvent) error {
	r.mu.Lock()
	if r.failing {
		r.mu.Unlock()
		return errRelayDown
	}
	r.published++
	r.history = append(r.history, ev)
	if len(r.history) > r.maxHistory {
		r.history = r.history[len(r.history)-r.maxHistory:]
	}
	dup := r.duplicate
	subs := r.snapshotSubs()
	r.mu.Unlock()

	for _, s := range subs {
		if !s.filter.Match(ev.env) {
			continue
		}
		s.deliver(ev.raw)
		if dup {
			s.deliver(ev.raw)
		}
	}
	return ctx.Err()
}

func (r *MemRelay) snapshotSubs() []*subscriber {
	out := make([]*subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

func (r *MemRelay) Subscribe(ctx context.Context, f protocol.Filter) (<-chan []byte, error) {
	r.mu.Lock()
	if r.failing {
		r.mu.Unlock()
		return nil, errRelayDown
	}
	id := r.nextSub
	r.nextSub++
	s := newSubscriber(ctx, f, 1024)
	r.subs[id] = s
	var backlog [][]byte
	for _, ev := range r.history {
		if f.Match(ev.env) {
			backlog = append(backlog, ev.raw)
		}
	}
	r.mu.Unlock()

	go func() {
		for _, raw := range backlog {
			s.deliver(raw)
		}
	}()
	go func() {
		<-ctx.Done()
		r.drop(id)
	}()
	return s.ch, nil
}

// Disconnect closes every open subscription, as if the relay went away.
func (r *MemRelay) Disconnect() {
	r.mu.Lock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.drop(id)
	}
}

func (r *MemRelay) drop(id int) {
	r.mu.Lock()
	s, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if ok {
		s.close()
	}
}

var _ Relay = (*MemRelay)(nil)
