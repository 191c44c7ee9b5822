package negotiation

import (
	"fmt"

	"github.com/uhyunpark/tradewire/pkg/protocol"
)

// Rules is the legal transition set of one role. Both roles share the state
// enum and the Machine; only the tables differ.
type Rules interface {
	Role() Role
	// Legal reports whether an envelope of kind from party is acceptable in s.
	Legal(s State, from Party, kind protocol.Kind) bool
	planner(s State, from Party, kind protocol.Kind) planner
}

// A plan is computed against an untouched machine. commit runs only after
// the plan has been accepted, so a rejected envelope leaves no trace.
type plan struct {
	next   State
	commit func(m *Machine)
}

type planner func(m *Machine, from Party, env *protocol.Envelope) (plan, error)

type edge struct {
	from Party
	kind protocol.Kind
	do   planner
}

func on(from Party, kind protocol.Kind, do planner) edge {
	return edge{from: from, kind: kind, do: do}
}

type table struct {
	role  Role
	edges map[State][]edge
}

func (t *table) Role() Role { return t.role }

func (t *table) Legal(s State, from Party, kind protocol.Kind) bool {
	return t.planner(s, from, kind) != nil
}

func (t *table) planner(s State, from Party, kind protocol.Kind) planner {
	for _, e := range t.edges[s] {
		if e.kind == kind && (e.from == Either || e.from == from) {
			return e.do
		}
	}
	return nil
}

var (
	MakerRules Rules = newTable(Maker, map[State][]edge{
		Initiated: {
			on(Remote, protocol.KindOrderTake, take),
		},
		AwaitingCounterparty: {
			on(Local, protocol.KindTradeResponse, respond),
		},
	})

	TakerRules Rules = newTable(Taker, map[State][]edge{
		Initiated: {
			on(Local, protocol.KindOrderTake, take),
		},
		AwaitingCounterparty: {
			on(Remote, protocol.KindTradeResponse, respond),
		},
	})
)

// newTable adds the edges both roles share to the role specific ones.
func newTable(role Role, specific map[State][]edge) *table {
	chatter := []edge{
		on(Either, protocol.KindNote, stay),
		on(Either, protocol.KindAck, stay),
	}
	cancel := on(Either, protocol.KindCancel, goTo(Cancelled))

	edges := map[State][]edge{
		Negotiating: append([]edge{on(Either, protocol.KindTradeDetails, details)}, chatter...),
		Accepted:    append([]edge{on(Either, protocol.KindTradeDetails, reopen)}, chatter...),
		Finalizing:  append([]edge(nil), chatter...),
	}
	for s, es := range specific {
		edges[s] = append(edges[s], es...)
	}
	for _, s := range []State{AwaitingCounterparty, Negotiating, Accepted, Finalizing} {
		edges[s] = append(edges[s], cancel)
	}
	return &table{role: role, edges: edges}
}

func goTo(s State) planner {
	return func(*Machine, Party, *protocol.Envelope) (plan, error) {
		return plan{next: s}, nil
	}
}

func stay(m *Machine, _ Party, _ *protocol.Envelope) (plan, error) {
	return plan{next: m.state}, nil
}

func payloadOf[T protocol.Payload](env *protocol.Envelope) (T, error) {
	p, ok := env.Payload.(T)
	if !ok {
		return p, fmt.Errorf("%w: %s envelope carries %T", ErrUnexpectedMessage, env.Kind, env.Payload)
	}
	return p, nil
}

func take(m *Machine, _ Party, env *protocol.Envelope) (plan, error) {
	// quantity and method are checked by the maker, which answers a bad take
	// with reasons instead of silence
	if _, err := payloadOf[*protocol.OrderTake](env); err != nil {
		return plan{}, err
	}
	return plan{
		next:   AwaitingCounterparty,
		commit: func(m *Machine) { m.takeID = env.ID },
	}, nil
}

func respond(m *Machine, _ Party, env *protocol.Envelope) (plan, error) {
	r, err := payloadOf[*protocol.TradeResponse](env)
	if err != nil {
		return plan{}, err
	}
	if r.TakeID != m.takeID {
		return plan{}, fmt.Errorf("%w: response answers take %q, session take is %q", ErrUnexpectedMessage, r.TakeID, m.takeID)
	}
	switch r.Status {
	case protocol.ResponseAccepted:
		return plan{next: Negotiating}, nil
	case protocol.ResponseRejected, protocol.ResponseNotAvailable:
		return plan{next: Rejected}, nil
	}
	return plan{}, fmt.Errorf("%w: response status %q", ErrUnexpectedMessage, r.Status)
}

func details(m *Machine, from Party, env *protocol.Envelope) (plan, error) {
	d, err := payloadOf[*protocol.TradeDetails](env)
	if err != nil {
		return plan{}, err
	}
	if limit := m.cfg.MaxDetailRounds; limit > 0 && m.rounds[from] >= limit {
		return plan{}, fmt.Errorf("%w (%s party sent %d)", ErrRoundLimit, from, m.rounds[from])
	}

	latest := m.latest
	latest[from] = d
	next := Negotiating
	if agreed(latest) {
		next = Accepted
	}
	return plan{
		next: next,
		commit: func(m *Machine) {
			m.rounds[from]++
			m.latest[from] = d
		},
	}, nil
}

// reopen re-enters Negotiating from Accepted. The other party's agreement
// no longer holds and has to be given again.
func reopen(m *Machine, from Party, env *protocol.Envelope) (plan, error) {
	if !m.cfg.AllowReopen {
		return plan{}, fmt.Errorf("%w: terms already accepted", ErrUnexpectedMessage)
	}
	p, err := details(m, from, env)
	if err != nil {
		return plan{}, err
	}
	commit := p.commit
	return plan{
		next: Negotiating,
		commit: func(m *Machine) {
			commit(m)
			m.latest[from.other()] = nil
		},
	}, nil
}

func agreed(latest [2]*protocol.TradeDetails) bool {
	a, b := latest[Local], latest[Remote]
	return a != nil && b != nil && a.Agree && b.Agree && a.Terms.Digest() == b.Terms.Digest()
}
