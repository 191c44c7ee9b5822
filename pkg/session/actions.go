package session

import (
	"context"
	"fmt"

	"github.com/uhyunpark/tradewire/pkg/negotiation"
	"github.com/uhyunpark/tradewire/pkg/protocol"
)

// CreateTakerSession opens a Taker session for a discovered order and sends
// the OrderTake. A terminal session for the same order is replaced.
func (r *Registry) CreateTakerSession(ctx context.Context, order protocol.Order, take protocol.OrderTake) (Key, error) {
	self := r.id.PublicKey()
	if order.Maker == self {
		return Key{}, fmt.Errorf("cannot take own order %s", order.ID)
	}
	if err := order.Validate(); err != nil {
		return Key{}, err
	}
	if !order.Status.Open() {
		return Key{}, fmt.Errorf("order %s is %s", order.ID, order.Status)
	}
	if take.Quantity == 0 {
		return Key{}, fmt.Errorf("take for order %s has zero quantity", order.ID)
	}

	key := Key{OrderID: order.ID, Counterparty: order.Maker}
	e := &entry{
		key:          key,
		m:            negotiation.NewTaker(order, self, r.cfg.Negotiation),
		lastActivity: r.clock.Now(),
	}
	e.mu.Lock()
	for {
		cur := r.insert(e)
		if cur == e {
			break
		}
		cur.mu.Lock()
		live := !cur.gone && !cur.m.State().IsTerminal()
		if !live {
			r.remove(cur)
			r.deleteStored(key)
		}
		cur.mu.Unlock()
		if live {
			e.mu.Unlock()
			return key, fmt.Errorf("%w: %s", ErrSessionExists, key)
		}
	}

	env, tr, err := r.emitLocked(e, &take)
	if err != nil {
		r.remove(e)
		e.mu.Unlock()
		return Key{}, err
	}
	ev := r.event(e, tr)
	e.mu.Unlock()

	r.log().Infow("session_opened", "session", key.String(), "role", negotiation.Taker, "qty", take.Quantity)
	r.after(ctx, ev)
	return key, r.send(ctx, key, env)
}

// act builds a payload from the locked machine, applies it and sends it.
func (r *Registry) act(ctx context.Context, key Key, build func(m *negotiation.Machine) protocol.Payload) (*protocol.Envelope, error) {
	e := r.lookup(key)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	if ev, expired := r.expireLocked(e); expired {
		e.mu.Unlock()
		r.after(ctx, ev)
		return nil, fmt.Errorf("%w: %s", ErrTimeout, key)
	}
	env, tr, err := r.emitLocked(e, build(e.m))
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	ev := r.event(e, tr)
	e.mu.Unlock()

	r.after(ctx, ev)
	return env, r.send(ctx, key, env)
}

// Respond answers the pending OrderTake of a Maker session.
func (r *Registry) Respond(ctx context.Context, key Key, status protocol.ResponseStatus, reasons ...protocol.RejectReason) error {
	_, err := r.act(ctx, key, func(m *negotiation.Machine) protocol.Payload {
		return &protocol.TradeResponse{Status: status, TakeID: m.TakeID(), Reasons: reasons}
	})
	return err
}

// ProposeDetails sends settlement terms. agree marks them acceptable as
// final.
func (r *Registry) ProposeDetails(ctx context.Context, key Key, terms protocol.TradeTerms, agree bool) error {
	_, err := r.act(ctx, key, func(*negotiation.Machine) protocol.Payload {
		return &protocol.TradeDetails{Terms: terms, Agree: agree}
	})
	return err
}

// SendNote sends a free-form or engine specific message.
func (r *Registry) SendNote(ctx context.Context, key Key, note protocol.Note) (string, error) {
	env, err := r.act(ctx, key, func(*negotiation.Machine) protocol.Payload { return &note })
	if env == nil {
		return "", err
	}
	return env.ID, err
}

func (r *Registry) Acknowledge(ctx context.Context, key Key, ref, text string) error {
	_, err := r.act(ctx, key, func(*negotiation.Machine) protocol.Payload {
		return &protocol.Ack{Ref: ref, Text: text}
	})
	return err
}

// Cancel ends a session and tells the counterparty. In-flight sends are
// left to complete; nothing further is accepted.
func (r *Registry) Cancel(ctx context.Context, key Key, reason string) error {
	_, err := r.act(ctx, key, func(*negotiation.Machine) protocol.Payload {
		return &protocol.Cancel{Reason: reason}
	})
	return err
}

// CancelOrderSessions cancels every live Maker session of an order and
// returns how many were cancelled.
func (r *Registry) CancelOrderSessions(ctx context.Context, orderID, reason string) int {
	var keys []Key
	for _, in := range r.ListActive() {
		if in.Key.OrderID == orderID && in.Role == negotiation.Maker {
			keys = append(keys, in.Key)
		}
	}
	n := 0
	for _, k := range keys {
		if err := r.Cancel(ctx, k, reason); err != nil {
			r.log().Warnw("session_cancel_failed", "session", k.String(), "err", err)
			continue
		}
		n++
	}
	return n
}

// BeginSettlement hands an Accepted session to settlement.
func (r *Registry) BeginSettlement(ctx context.Context, key Key) error {
	return r.settle(ctx, key, (*negotiation.Machine).BeginSettlement)
}

// ConfirmSettlement is the settlement collaborator's confirmation; it
// completes a Finalizing session.
func (r *Registry) ConfirmSettlement(ctx context.Context, key Key) error {
	return r.settle(ctx, key, (*negotiation.Machine).ConfirmSettlement)
}

func (r *Registry) settle(ctx context.Context, key Key, step func(*negotiation.Machine) (negotiation.Transition, error)) error {
	e := r.lookup(key)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	tr, err := step(e.m)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	r.recordLocked(e, tr, true)
	ev := r.event(e, tr)
	e.mu.Unlock()

	r.after(ctx, ev)
	return nil
}

// Resend publishes the session's last outbound envelope again. Receivers
// drop it as a duplicate if the first copy arrived.
func (r *Registry) Resend(ctx context.Context, key Key) error {
	e := r.lookup(key)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	e.mu.Lock()
	env := e.m.LastOutbound()
	e.mu.Unlock()
	if env == nil {
		return fmt.Errorf("session %s has nothing to resend", key)
	}
	return r.send(ctx, key, env)
}
