package session

import (
	"context"
	"sync"

	"github.com/uhyunpark/tradewire/pkg/protocol"
)

// Dispatcher feeds inbound envelopes to Route with one worker per routing
// key. Envelopes of one key are routed in arrival order; a key whose route
// is stuck on a slow send does not hold up any other key.
type Dispatcher struct {
	r *Registry
	// OnError receives every non-nil Route error.
	OnError func(env *protocol.Envelope, err error)

	mu     sync.Mutex
	queues map[Key][]*protocol.Envelope
	wg     sync.WaitGroup
}

func NewDispatcher(r *Registry) *Dispatcher {
	return &Dispatcher{r: r, queues: make(map[Key][]*protocol.Envelope)}
}

// RoutingKey is the session key an inbound envelope is routed under.
func RoutingKey(env *protocol.Envelope) Key {
	return Key{OrderID: env.Correlator.OrderID, Counterparty: env.Signer}
}

// Dispatch queues env behind earlier envelopes of the same key. A worker is
// started when the key has none; it exits once its queue is empty.
func (d *Dispatcher) Dispatch(ctx context.Context, env *protocol.Envelope) {
	key := RoutingKey(env)
	d.mu.Lock()
	q, running := d.queues[key]
	d.queues[key] = append(q, env)
	d.mu.Unlock()
	if running {
		return
	}
	d.wg.Add(1)
	go d.drain(ctx, key)
}

func (d *Dispatcher) drain(ctx context.Context, key Key) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		env := q[0]
		d.queues[key] = q[1:]
		d.mu.Unlock()

		if err := d.r.Route(ctx, env); err != nil && d.OnError != nil {
			d.OnError(env, err)
		}
	}
}

// Wait blocks until every worker has drained its queue.
func (d *Dispatcher) Wait() { d.wg.Wait() }
