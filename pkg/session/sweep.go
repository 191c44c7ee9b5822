package session

import (
	"context"
	"time"

	"github.com/uhyunpark/tradewire/pkg/negotiation"
)

// expireLocked times the session out if it has been idle too long.
func (r *Registry) expireLocked(e *entry) (Transition, bool) {
	if e.gone || e.m.State().IsTerminal() {
		return Transition{}, false
	}
	return r.timeoutLocked(e, r.clock.Now())
}

// sweepLocked times out idle sessions and evicts terminal ones past their
// retention. The returned Transition is only meaningful for a timeout.
func (r *Registry) sweepLocked(e *entry, now time.Time) (Transition, bool) {
	if e.gone {
		return Transition{}, false
	}
	if e.m.State().IsTerminal() {
		if now.Sub(e.endedAt) >= r.cfg.TerminalRetention {
			r.evictLocked(e)
		}
		return Transition{}, false
	}
	return r.timeoutLocked(e, now)
}

func (r *Registry) timeoutLocked(e *entry, now time.Time) (Transition, bool) {
	if r.cfg.SessionTimeout <= 0 || now.Sub(e.lastActivity) < r.cfg.SessionTimeout {
		return Transition{}, false
	}
	tr, err := e.m.Timeout()
	if err != nil {
		return Transition{}, false
	}
	e.endedAt = now
	ev := r.event(e, tr)
	// timed out sessions are not retained
	r.evictLocked(e)
	return ev, true
}

func (r *Registry) evictLocked(e *entry) {
	r.remove(e)
	r.deleteStored(e.key)
	r.log().Debugw("session_evicted", "session", e.key.String(), "state", e.m.State())
}

func (r *Registry) deleteStored(k Key) {
	if r.store == nil {
		return
	}
	if err := r.store.DeleteSession(k); err != nil {
		r.log().Errorw("session_delete_failed", "session", k.String(), "err", err)
	}
}

// Sweep applies timeouts and retention as of now and returns the keys of
// the sessions that timed out.
func (r *Registry) Sweep(now time.Time) []Key {
	var events []Transition
	for _, e := range r.snapshot() {
		e.mu.Lock()
		ev, expired := r.sweepLocked(e, now)
		e.mu.Unlock()
		if expired {
			events = append(events, ev)
		}
	}

	keys := make([]Key, 0, len(events))
	for _, ev := range events {
		r.log().Infow("session_timed_out", "session", ev.Key.String(), "role", ev.Role, "from", ev.From)
		r.after(context.Background(), ev)
		keys = append(keys, ev.Key)
	}
	if len(events) == 0 {
		r.Metrics.SetActive(r.countActive())
	}
	return keys
}

// RunJanitor sweeps every SweepInterval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context) {
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(interval):
			r.Sweep(r.clock.Now())
		}
	}
}

// Active reports whether key names a session that still accepts envelopes.
func (r *Registry) Active(key Key) bool {
	e := r.lookup(key)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.gone && !e.m.State().IsTerminal()
}

// State returns the current state of key.
func (r *Registry) State(key Key) (negotiation.State, bool) {
	e := r.lookup(key)
	if e == nil {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return 0, false
	}
	return e.m.State(), true
}
