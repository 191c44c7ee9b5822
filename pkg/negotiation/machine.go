package negotiation

import (
	"fmt"

	"github.com/uhyunpark/tradewire/pkg/crypto"
	"github.com/uhyunpark/tradewire/pkg/protocol"
)

type Config struct {
	// MaxDetailRounds caps TradeDetails per party. Zero means unlimited.
	MaxDetailRounds int
	// AllowReopen permits TradeDetails after Accepted, moving back to
	// Negotiating.
	AllowReopen bool
}

func DefaultConfig() Config {
	return Config{MaxDetailRounds: 8}
}

// Entry is one accepted envelope in a session log.
type Entry struct {
	Envelope *protocol.Envelope
	From     Party
}

// Transition describes one accepted step. Envelope is nil for settlement
// and timeout steps.
type Transition struct {
	From     State
	To       State
	Envelope *protocol.Envelope
}

func (t Transition) Changed() bool { return t.From != t.To }

// Machine is the negotiation state of one (order, counterparty) session.
// It is not safe for concurrent use; the session registry serialises
// access per key.
type Machine struct {
	rules Rules
	cfg   Config
	order protocol.Order
	self  crypto.PubKey
	peer  crypto.PubKey

	state  State
	log    []Entry
	seen   map[string]struct{}
	takeID string
	rounds [2]int
	latest [2]*protocol.TradeDetails
}

func New(rules Rules, order protocol.Order, self, peer crypto.PubKey, cfg Config) *Machine {
	return &Machine{
		rules: rules,
		cfg:   cfg,
		order: order,
		self:  self,
		peer:  peer,
		state: Initiated,
		seen:  make(map[string]struct{}),
	}
}

// NewMaker starts the Maker side of a negotiation with taker over order.
func NewMaker(order protocol.Order, self, taker crypto.PubKey, cfg Config) *Machine {
	return New(MakerRules, order, self, taker, cfg)
}

// NewTaker starts the Taker side of a negotiation over a discovered order.
func NewTaker(order protocol.Order, self crypto.PubKey, cfg Config) *Machine {
	return New(TakerRules, order, self, order.Maker, cfg)
}

func (m *Machine) Role() Role                  { return m.rules.Role() }
func (m *Machine) State() State                { return m.state }
func (m *Machine) Order() protocol.Order       { return m.order }
func (m *Machine) Self() crypto.PubKey         { return m.self }
func (m *Machine) Counterparty() crypto.PubKey { return m.peer }
func (m *Machine) TakeID() string              { return m.takeID }
func (m *Machine) Rounds(p Party) int          { return m.rounds[p] }
func (m *Machine) Legal(from Party, k protocol.Kind) bool {
	return !m.state.IsTerminal() && m.rules.Legal(m.state, from, k)
}

// Correlator is the (order, taker) pair every envelope of the session carries.
func (m *Machine) Correlator() protocol.Correlator {
	taker := m.peer
	if m.Role() == Taker {
		taker = m.self
	}
	return protocol.Correlator{OrderID: m.order.ID, Taker: taker}
}

// Log returns a copy of the accepted envelopes in order.
func (m *Machine) Log() []Entry {
	out := make([]Entry, len(m.log))
	copy(out, m.log)
	return out
}

func (m *Machine) Len() int { return len(m.log) }

// LastOutbound returns the most recent envelope this side emitted.
func (m *Machine) LastOutbound() *protocol.Envelope {
	for i := len(m.log) - 1; i >= 0; i-- {
		if m.log[i].From == Local {
			return m.log[i].Envelope
		}
	}
	return nil
}

func (m *Machine) Seen(env *protocol.Envelope) bool {
	_, ok := m.seen[env.DedupKey()]
	return ok
}

// LatestDetails returns the last TradeDetails sent by p, if any.
func (m *Machine) LatestDetails(p Party) (protocol.TradeDetails, bool) {
	if d := m.latest[p]; d != nil {
		return *d, true
	}
	return protocol.TradeDetails{}, false
}

// AgreedTerms returns the accepted terms once the session is past
// negotiation.
func (m *Machine) AgreedTerms() (protocol.TradeTerms, bool) {
	switch m.state {
	case Accepted, Finalizing, Completed:
		if d := m.latest[Local]; d != nil {
			return d.Terms, true
		}
	}
	return protocol.TradeTerms{}, false
}

// Apply validates env against the current state and, if legal, records it
// and moves the session. On any error the machine is unchanged.
func (m *Machine) Apply(env *protocol.Envelope, from Party) (Transition, error) {
	cur := m.state
	if env == nil {
		return Transition{From: cur, To: cur}, fmt.Errorf("%w: nil envelope", ErrUnexpectedMessage)
	}
	if m.Seen(env) {
		return Transition{From: cur, To: cur, Envelope: env}, ErrDuplicate
	}
	if cur.IsTerminal() {
		return Transition{From: cur, To: cur}, fmt.Errorf("%w: %s after session %s", ErrUnexpectedMessage, env.Kind, cur)
	}
	if err := m.checkRoute(env, from); err != nil {
		return Transition{From: cur, To: cur}, err
	}

	do := m.rules.planner(cur, from, env.Kind)
	if do == nil {
		return Transition{From: cur, To: cur}, fmt.Errorf("%w: %s %s in %s %s", ErrUnexpectedMessage, from, env.Kind, m.Role(), cur)
	}
	p, err := do(m, from, env)
	if err != nil {
		return Transition{From: cur, To: cur}, err
	}

	if p.commit != nil {
		p.commit(m)
	}
	m.log = append(m.log, Entry{Envelope: env, From: from})
	m.seen[env.DedupKey()] = struct{}{}
	m.state = p.next
	return Transition{From: cur, To: p.next, Envelope: env}, nil
}

func (m *Machine) checkRoute(env *protocol.Envelope, from Party) error {
	author, addressee := m.self, m.peer
	if from == Remote {
		author, addressee = m.peer, m.self
	} else if from != Local {
		return fmt.Errorf("%w: envelope from %s party", ErrUnexpectedMessage, from)
	}
	if env.Signer != author {
		return fmt.Errorf("%w: %s envelope signed by %s, want %s", ErrUnexpectedMessage, from, env.Signer.Short(), author.Short())
	}
	if env.Recipient != "" && env.Recipient != addressee {
		return fmt.Errorf("%w: envelope addressed to %s", ErrUnexpectedMessage, env.Recipient.Short())
	}
	if env.Correlator != m.Correlator() {
		return fmt.Errorf("%w: correlator %s/%s does not belong to session", ErrUnexpectedMessage, env.Correlator.OrderID, env.Correlator.Taker.Short())
	}
	return nil
}

// BeginSettlement moves an Accepted session into Finalizing.
func (m *Machine) BeginSettlement() (Transition, error) {
	return m.step(Accepted, Finalizing)
}

// ConfirmSettlement maps the external settlement confirmation onto
// Finalizing -> Completed.
func (m *Machine) ConfirmSettlement() (Transition, error) {
	return m.step(Finalizing, Completed)
}

// Timeout ends a non-terminal session. It is the only transition not driven
// by an envelope or a settlement event.
func (m *Machine) Timeout() (Transition, error) {
	cur := m.state
	if cur.IsTerminal() {
		return Transition{From: cur, To: cur}, fmt.Errorf("%w: timeout after session %s", ErrUnexpectedMessage, cur)
	}
	m.state = TimedOut
	return Transition{From: cur, To: TimedOut}, nil
}

func (m *Machine) step(from, to State) (Transition, error) {
	cur := m.state
	if cur != from {
		return Transition{From: cur, To: cur}, fmt.Errorf("%w: %s requires %s, session is %s", ErrUnexpectedMessage, to, from, cur)
	}
	m.state = to
	return Transition{From: cur, To: to}, nil
}
