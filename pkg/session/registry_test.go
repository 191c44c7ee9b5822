package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/uhyunpark/tradewire/pkg/crypto"
	"github.com/uhyunpark/tradewire/pkg/negotiation"
	"github.com/uhyunpark/tradewire/pkg/protocol"
	"github.com/uhyunpark/tradewire/pkg/util"
)

type packet struct {
	to  crypto.PubKey
	env *protocol.Envelope
}

// fakeNet queues direct messages until flush hands them to the recipient's
// registry.
type fakeNet struct {
	mu    sync.Mutex
	nodes map[crypto.PubKey]*Registry
	queue []packet
	sent  map[crypto.PubKey]int
}

func newFakeNet() *fakeNet {
	return &fakeNet{nodes: make(map[crypto.PubKey]*Registry), sent: make(map[crypto.PubKey]int)}
}

type endpoint struct {
	net  *fakeNet
	from crypto.PubKey
}

func (ep endpoint) SendDirect(_ context.Context, to crypto.PubKey, env *protocol.Envelope) error {
	ep.net.mu.Lock()
	defer ep.net.mu.Unlock()
	ep.net.queue = append(ep.net.queue, packet{to: to, env: env})
	ep.net.sent[ep.from]++
	return nil
}

func (n *fakeNet) sentBy(pk crypto.PubKey) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[pk]
}

func (n *fakeNet) pop() (packet, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queue) == 0 {
		return packet{}, false
	}
	p := n.queue[0]
	n.queue = n.queue[1:]
	return p, true
}

// flush delivers everything queued, including replies, and fails the test
// on any routing error.
func (n *fakeNet) flush(t *testing.T) {
	t.Helper()
	for {
		p, ok := n.pop()
		if !ok {
			return
		}
		node, ok := n.nodes[p.to]
		if !ok {
			continue
		}
		if err := node.Route(context.Background(), p.env); err != nil {
			t.Fatalf("failed to route %s: %v", p.env.Kind, err)
		}
	}
}

// drain discards queued messages and returns them.
func (n *fakeNet) drain() []packet {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.queue
	n.queue = nil
	return out
}

type fakeBook struct {
	mu     sync.Mutex
	orders map[string]protocol.Order
	taken  []string
}

func (b *fakeBook) Get(id string) (protocol.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	return o, ok
}

func (b *fakeBook) MarkTaken(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o := b.orders[id]
	o.Status = protocol.StatusTaken
	b.orders[id] = o
	b.taken = append(b.taken, id)
	return nil
}

type memStore struct {
	mu    sync.Mutex
	metas map[Key]Meta
	logs  map[Key][]Record
}

func newMemStore() *memStore {
	return &memStore{metas: make(map[Key]Meta), logs: make(map[Key][]Record)}
}

func (s *memStore) SaveSession(m Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas[m.Key] = m
	return nil
}

func (s *memStore) AppendLog(k Key, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[k] = append(s.logs[k], rec)
	return nil
}

func (s *memStore) LoadSessions() ([]Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Meta
	for _, m := range s.metas {
		out = append(out, m)
	}
	return out, nil
}

func (s *memStore) LoadLog(k Key) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Record(nil), s.logs[k]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *memStore) DeleteSession(k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metas, k)
	delete(s.logs, k)
	return nil
}

type node struct {
	id     *crypto.Identity
	reg    *Registry
	book   *fakeBook
	store  *memStore
	events []Transition
	mu     sync.Mutex
}

func (n *node) pub() crypto.PubKey { return n.id.PublicKey() }

func (n *node) transitions() []Transition {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Transition(nil), n.events...)
}

type harness struct {
	t     *testing.T
	net   *fakeNet
	clock *util.ManualClock
	cfg   Config
}

func newHarness(t *testing.T) *harness {
	cfg := DefaultConfig()
	cfg.SessionTimeout = time.Minute
	cfg.TerminalRetention = 5 * time.Minute
	return &harness{
		t:     t,
		net:   newFakeNet(),
		clock: util.NewManualClock(time.UnixMilli(1_700_000_000_000)),
		cfg:   cfg,
	}
}

func (h *harness) node() *node {
	h.t.Helper()
	id, err := crypto.GenerateKey()
	if err != nil {
		h.t.Fatalf("failed to generate key: %v", err)
	}
	n := &node{
		id:    id,
		book:  &fakeBook{orders: make(map[string]protocol.Order)},
		store: newMemStore(),
	}
	n.reg = NewRegistry(id, endpoint{net: h.net, from: id.PublicKey()}, n.book, n.store, h.clock, h.cfg)
	n.reg.OnTransition = func(tr Transition) {
		n.mu.Lock()
		n.events = append(n.events, tr)
		n.mu.Unlock()
	}
	h.net.nodes[id.PublicKey()] = n.reg
	return n
}

// publish puts an open order in the maker's book.
func (h *harness) publish(maker *node) protocol.Order {
	o := protocol.Order{
		ID:         protocol.NewOrderID(),
		Instrument: "BTC-USD",
		Side:       protocol.SideSell,
		Quantity:   1,
		Price:      100,
		Maker:      maker.pub(),
		CreatedAt:  h.clock.Now().UnixMilli(),
		Status:     protocol.StatusPublished,
	}
	maker.book.orders[o.ID] = o
	return o
}

func (h *harness) take(taker *node, o protocol.Order) Key {
	h.t.Helper()
	key, err := taker.reg.CreateTakerSession(context.Background(), o, protocol.OrderTake{Quantity: 1})
	if err != nil {
		h.t.Fatalf("failed to take order: %v", err)
	}
	return key
}

func wantState(t *testing.T, n *node, k Key, want negotiation.State) {
	t.Helper()
	got, ok := n.reg.State(k)
	if !ok {
		t.Fatalf("session %s not found, want %s", k, want)
	}
	if got != want {
		t.Fatalf("session %s state = %s, want %s", k, got, want)
	}
}

var terms = protocol.TradeTerms{Quantity: 1, Price: 100, SettlementMethod: "Fiat-USD-Venmo"}

func TestAcceptedAfterOneRound(t *testing.T) {
	h := newHarness(t)
	maker, taker := h.node(), h.node()
	o := h.publish(maker)
	ctx := context.Background()

	takerKey := h.take(taker, o)
	h.net.flush(t)
	makerKey := Key{OrderID: o.ID, Counterparty: taker.pub()}
	wantState(t, maker, makerKey, negotiation.AwaitingCounterparty)
	wantState(t, taker, takerKey, negotiation.AwaitingCounterparty)

	if err := maker.reg.Respond(ctx, makerKey, protocol.ResponseAccepted); err != nil {
		t.Fatalf("failed to respond: %v", err)
	}
	h.net.flush(t)
	wantState(t, taker, takerKey, negotiation.Negotiating)

	if err := taker.reg.ProposeDetails(ctx, takerKey, terms, true); err != nil {
		t.Fatalf("failed to propose: %v", err)
	}
	h.net.flush(t)
	if err := maker.reg.ProposeDetails(ctx, makerKey, terms, true); err != nil {
		t.Fatalf("failed to propose: %v", err)
	}
	h.net.flush(t)

	want := []protocol.Kind{protocol.KindOrderTake, protocol.KindTradeResponse, protocol.KindTradeDetails, protocol.KindTradeDetails}
	for _, side := range []struct {
		n *node
		k Key
	}{{maker, makerKey}, {taker, takerKey}} {
		info, log, ok := side.n.reg.Get(side.k)
		if !ok {
			t.Fatalf("session %s missing", side.k)
		}
		if info.State != negotiation.Accepted {
			t.Errorf("%s state = %s, want accepted", info.Role, info.State)
		}
		if len(log) != len(want) {
			t.Fatalf("%s log has %d entries, want %d", info.Role, len(log), len(want))
		}
		for i, k := range want {
			if log[i].Envelope.Kind != k {
				t.Errorf("%s log[%d] = %s, want %s", info.Role, i, log[i].Envelope.Kind, k)
			}
		}
	}

	if len(maker.book.taken) != 1 || maker.book.taken[0] != o.ID {
		t.Errorf("taken orders = %v, want [%s]", maker.book.taken, o.ID)
	}
	evs := maker.transitions()
	last := evs[len(evs)-1]
	if last.To != negotiation.Accepted || last.Terms == nil || last.Terms.Digest() != terms.Digest() {
		t.Errorf("last maker transition = %+v, want accepted with terms", last)
	}
}

func TestRejectedSessionRefusesDetails(t *testing.T) {
	h := newHarness(t)
	maker, taker := h.node(), h.node()
	o := h.publish(maker)
	ctx := context.Background()

	takerKey := h.take(taker, o)
	h.net.flush(t)
	makerKey := Key{OrderID: o.ID, Counterparty: taker.pub()}
	if err := maker.reg.Respond(ctx, makerKey, protocol.ResponseRejected, protocol.ReasonEngineSpecific); err != nil {
		t.Fatalf("failed to respond: %v", err)
	}
	h.net.flush(t)
	wantState(t, maker, makerKey, negotiation.Rejected)
	wantState(t, taker, takerKey, negotiation.Rejected)

	if err := taker.reg.ProposeDetails(ctx, takerKey, terms, false); !errors.Is(err, negotiation.ErrUnexpectedMessage) {
		t.Fatalf("local propose = %v, want ErrUnexpectedMessage", err)
	}

	late, err := protocol.Encode(&protocol.TradeDetails{Terms: terms}, taker.id, protocol.Header{
		Correlator: protocol.Correlator{OrderID: o.ID, Taker: taker.pub()},
		Recipient:  maker.pub(),
	})
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	if err := maker.reg.Route(ctx, late); !errors.Is(err, negotiation.ErrUnexpectedMessage) {
		t.Fatalf("late details = %v, want ErrUnexpectedMessage", err)
	}
	wantState(t, maker, makerKey, negotiation.Rejected)
	if n := len(maker.reg.ListActive()); n != 0 {
		t.Errorf("active sessions = %d, want 0", n)
	}
}

func TestIdleSessionTimesOut(t *testing.T) {
	h := newHarness(t)
	maker, taker := h.node(), h.node()
	o := h.publish(maker)

	takerKey := h.take(taker, o)
	h.net.flush(t)
	if n := len(maker.reg.ListActive()); n != 1 {
		t.Fatalf("active sessions = %d, want 1", n)
	}

	h.clock.Advance(30 * time.Second)
	if got := maker.reg.Sweep(h.clock.Now()); len(got) != 0 {
		t.Fatalf("timed out %v before the timeout", got)
	}
	h.clock.Advance(31 * time.Second)
	got := maker.reg.Sweep(h.clock.Now())
	if len(got) != 1 || got[0].Counterparty != taker.pub() {
		t.Fatalf("timed out = %v, want the taker session", got)
	}
	if n := len(maker.reg.ListActive()); n != 0 {
		t.Errorf("active sessions = %d after timeout", n)
	}
	if _, ok := maker.reg.State(Key{OrderID: o.ID, Counterparty: taker.pub()}); ok {
		t.Error("timed out session still held")
	}
	evs := maker.transitions()
	if last := evs[len(evs)-1]; last.To != negotiation.TimedOut {
		t.Errorf("last transition = %s, want timed_out", last.To)
	}
	if len(maker.store.metas) != 0 {
		t.Errorf("store still holds %d sessions", len(maker.store.metas))
	}

	// the taker never swept; its next action notices the timeout itself
	if err := taker.reg.Cancel(context.Background(), takerKey, "bye"); !errors.Is(err, ErrTimeout) {
		t.Errorf("cancel after idle = %v, want ErrTimeout", err)
	}
}

func TestTwoTakersAreIndependent(t *testing.T) {
	h := newHarness(t)
	maker, alice, bob := h.node(), h.node(), h.node()
	o := h.publish(maker)
	ctx := context.Background()

	aliceKey := h.take(alice, o)
	bobKey := h.take(bob, o)
	h.net.flush(t)

	if n := len(maker.reg.ListActive()); n != 2 {
		t.Fatalf("maker sessions = %d, want 2", n)
	}
	makerAlice := Key{OrderID: o.ID, Counterparty: alice.pub()}
	makerBob := Key{OrderID: o.ID, Counterparty: bob.pub()}

	if err := alice.reg.Cancel(ctx, aliceKey, "found a better price"); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}
	h.net.flush(t)
	wantState(t, maker, makerAlice, negotiation.Cancelled)
	wantState(t, maker, makerBob, negotiation.AwaitingCounterparty)

	if err := maker.reg.Respond(ctx, makerBob, protocol.ResponseAccepted); err != nil {
		t.Fatalf("failed to respond: %v", err)
	}
	h.net.flush(t)
	if err := bob.reg.ProposeDetails(ctx, bobKey, terms, true); err != nil {
		t.Fatalf("failed to propose: %v", err)
	}
	if err := maker.reg.ProposeDetails(ctx, makerBob, terms, true); err != nil {
		t.Fatalf("failed to propose: %v", err)
	}
	h.net.flush(t)
	wantState(t, maker, makerBob, negotiation.Accepted)
	wantState(t, bob, bobKey, negotiation.Accepted)
	wantState(t, alice, aliceKey, negotiation.Cancelled)
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	maker, taker := h.node(), h.node()
	maker.reg.OfferPolicy = func(protocol.Order, protocol.OrderTake, crypto.PubKey) (Verdict, []protocol.RejectReason) {
		return Accept, nil
	}
	o := h.publish(maker)
	ctx := context.Background()

	h.take(taker, o)
	queued := h.net.drain()
	if len(queued) != 1 {
		t.Fatalf("queued %d envelopes, want 1", len(queued))
	}
	takeEnv := queued[0].env

	for i := 0; i < 3; i++ {
		if err := maker.reg.Route(ctx, takeEnv); err != nil {
			t.Fatalf("delivery %d failed: %v", i, err)
		}
	}
	if n := maker.store.logs[Key{OrderID: o.ID, Counterparty: taker.pub()}]; len(n) != 2 {
		t.Errorf("persisted %d log records, want 2", len(n))
	}
	if n := h.net.sentBy(maker.pub()); n != 1 {
		t.Errorf("maker sent %d envelopes, want 1", n)
	}
	changed := 0
	for _, ev := range maker.transitions() {
		if ev.Envelope != nil && ev.Envelope.ID == takeEnv.ID {
			changed++
		}
	}
	if changed != 1 {
		t.Errorf("take produced %d transitions, want 1", changed)
	}
}

func TestConcurrentDeliverySameKey(t *testing.T) {
	h := newHarness(t)
	maker, taker := h.node(), h.node()
	o := h.publish(maker)

	h.take(taker, o)
	takeEnv := h.net.drain()[0].env

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- maker.reg.Route(context.Background(), takeEnv)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent route failed: %v", err)
		}
	}
	if n := len(maker.transitions()); n != 1 {
		t.Errorf("transitions = %d, want 1", n)
	}
	_, log, _ := maker.reg.Get(Key{OrderID: o.ID, Counterparty: taker.pub()})
	if len(log) != 1 {
		t.Errorf("log entries = %d, want 1", len(log))
	}
}

func TestOutOfOrderLeavesSessionUnchanged(t *testing.T) {
	h := newHarness(t)
	maker, taker := h.node(), h.node()
	o := h.publish(maker)
	ctx := context.Background()

	h.take(taker, o)
	h.net.flush(t)
	makerKey := Key{OrderID: o.ID, Counterparty: taker.pub()}

	early, err := protocol.Encode(&protocol.TradeDetails{Terms: terms, Agree: true}, taker.id, protocol.Header{
		Correlator: protocol.Correlator{OrderID: o.ID, Taker: taker.pub()},
		Recipient:  maker.pub(),
	})
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	if err := maker.reg.Route(ctx, early); !errors.Is(err, negotiation.ErrUnexpectedMessage) {
		t.Fatalf("early details = %v, want ErrUnexpectedMessage", err)
	}
	info, _, _ := maker.reg.Get(makerKey)
	if info.State != negotiation.AwaitingCounterparty || info.Entries != 1 {
		t.Errorf("session = %s with %d entries, want awaiting_counterparty with 1", info.State, info.Entries)
	}

	// once the session catches up the same envelope is legal
	if err := maker.reg.Respond(ctx, makerKey, protocol.ResponseAccepted); err != nil {
		t.Fatalf("failed to respond: %v", err)
	}
	if err := maker.reg.Route(ctx, early); err != nil {
		t.Errorf("details after response = %v", err)
	}
}

func TestInvalidTakeIsRejected(t *testing.T) {
	h := newHarness(t)
	maker, taker := h.node(), h.node()
	o := h.publish(maker)
	o.SettlementMethods = []string{"Bitcoin-Lightning"}
	maker.book.orders[o.ID] = o

	takerKey, err := taker.reg.CreateTakerSession(context.Background(), o, protocol.OrderTake{Quantity: 5, SettlementMethod: "Fiat-USD-Venmo"})
	if err != nil {
		t.Fatalf("failed to take: %v", err)
	}
	h.net.flush(t)

	wantState(t, taker, takerKey, negotiation.Rejected)
	_, log, _ := taker.reg.Get(takerKey)
	resp := log[len(log)-1].Envelope.Payload.(*protocol.TradeResponse)
	want := []protocol.RejectReason{protocol.ReasonQuantityInvalid, protocol.ReasonSettlementMethodInvalid}
	if len(resp.Reasons) != len(want) {
		t.Fatalf("reasons = %v, want %v", resp.Reasons, want)
	}
	for i := range want {
		if resp.Reasons[i] != want[i] {
			t.Errorf("reason[%d] = %s, want %s", i, resp.Reasons[i], want[i])
		}
	}
}

func TestTakeOnClosedOrder(t *testing.T) {
	h := newHarness(t)
	maker, taker := h.node(), h.node()
	o := h.publish(maker)
	ctx := context.Background()

	takerKey := h.take(taker, o)
	closed := o
	closed.Status = protocol.StatusTaken
	maker.book.orders[o.ID] = closed

	takeEnv := h.net.drain()[0].env
	if err := maker.reg.Route(ctx, takeEnv); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("route = %v, want ErrUnknownSession", err)
	}
	if n := len(maker.reg.List()); n != 0 {
		t.Errorf("maker holds %d sessions, want 0", n)
	}

	h.net.flush(t)
	wantState(t, taker, takerKey, negotiation.Rejected)
	_, log, _ := taker.reg.Get(takerKey)
	resp := log[len(log)-1].Envelope.Payload.(*protocol.TradeResponse)
	if resp.Status != protocol.ResponseNotAvailable || len(resp.Reasons) != 1 || resp.Reasons[0] != protocol.ReasonPendingAnother {
		t.Errorf("response = %+v, want not_available/pending_another", resp)
	}
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t)
	maker, taker, stranger := h.node(), h.node(), h.node()
	o := h.publish(maker)
	ctx := context.Background()

	tests := []struct {
		name   string
		signer *crypto.Identity
		corr   protocol.Correlator
		p      protocol.Payload
	}{
		{"details without session", taker.id, protocol.Correlator{OrderID: o.ID, Taker: taker.pub()}, &protocol.TradeDetails{Terms: terms}},
		{"take for unknown order", taker.id, protocol.Correlator{OrderID: protocol.NewOrderID(), Taker: taker.pub()}, &protocol.OrderTake{Quantity: 1}},
		{"third party thread", stranger.id, protocol.Correlator{OrderID: o.ID, Taker: taker.pub()}, &protocol.Note{Text: "hi"}},
		{"no correlator", taker.id, protocol.Correlator{}, &protocol.Note{Text: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := protocol.Encode(tt.p, tt.signer, protocol.Header{Correlator: tt.corr, Recipient: maker.pub()})
			if err != nil {
				t.Fatalf("failed to encode: %v", err)
			}
			if err := maker.reg.Route(ctx, env); !errors.Is(err, ErrUnknownSession) {
				t.Errorf("route = %v, want ErrUnknownSession", err)
			}
		})
	}
	if n := len(maker.reg.List()); n != 0 {
		t.Errorf("maker holds %d sessions, want 0", n)
	}
}

func TestSettlementAndRetention(t *testing.T) {
	h := newHarness(t)
	maker, taker := h.node(), h.node()
	maker.reg.OfferPolicy = func(protocol.Order, protocol.OrderTake, crypto.PubKey) (Verdict, []protocol.RejectReason) {
		return Accept, nil
	}
	o := h.publish(maker)
	ctx := context.Background()

	takerKey := h.take(taker, o)
	h.net.flush(t)
	makerKey := Key{OrderID: o.ID, Counterparty: taker.pub()}
	if err := maker.reg.ConfirmSettlement(ctx, makerKey); !errors.Is(err, negotiation.ErrUnexpectedMessage) {
		t.Fatalf("early confirm = %v, want ErrUnexpectedMessage", err)
	}
	if err := taker.reg.ProposeDetails(ctx, takerKey, terms, true); err != nil {
		t.Fatalf("failed to propose: %v", err)
	}
	if err := maker.reg.ProposeDetails(ctx, makerKey, terms, true); err != nil {
		t.Fatalf("failed to propose: %v", err)
	}
	h.net.flush(t)

	if err := maker.reg.BeginSettlement(ctx, makerKey); err != nil {
		t.Fatalf("failed to begin settlement: %v", err)
	}
	if _, err := maker.reg.SendNote(ctx, makerKey, protocol.Note{Text: "invoice: lnbc1..."}); err != nil {
		t.Fatalf("failed to send note: %v", err)
	}
	h.net.flush(t)
	if err := maker.reg.ConfirmSettlement(ctx, makerKey); err != nil {
		t.Fatalf("failed to confirm settlement: %v", err)
	}
	wantState(t, maker, makerKey, negotiation.Completed)
	if n := len(maker.reg.ListActive()); n != 0 {
		t.Errorf("active sessions = %d, want 0", n)
	}

	// completed sessions stay addressable for the retention period
	h.clock.Advance(4 * time.Minute)
	maker.reg.Sweep(h.clock.Now())
	wantState(t, maker, makerKey, negotiation.Completed)
	h.clock.Advance(2 * time.Minute)
	maker.reg.Sweep(h.clock.Now())
	if _, ok := maker.reg.State(makerKey); ok {
		t.Error("completed session not evicted after retention")
	}
}

func TestRestoreReplaysLog(t *testing.T) {
	h := newHarness(t)
	maker, taker := h.node(), h.node()
	o := h.publish(maker)
	ctx := context.Background()

	takerKey := h.take(taker, o)
	h.net.flush(t)
	makerKey := Key{OrderID: o.ID, Counterparty: taker.pub()}
	if err := maker.reg.Respond(ctx, makerKey, protocol.ResponseAccepted); err != nil {
		t.Fatalf("failed to respond: %v", err)
	}
	h.net.flush(t)
	if err := taker.reg.ProposeDetails(ctx, takerKey, terms, true); err != nil {
		t.Fatalf("failed to propose: %v", err)
	}
	h.net.flush(t)

	// restart the maker on the same store
	restarted := NewRegistry(maker.id, endpoint{net: h.net, from: maker.pub()}, maker.book, maker.store, h.clock, h.cfg)
	h.net.nodes[maker.pub()] = restarted
	n, err := restarted.Restore()
	if err != nil {
		t.Fatalf("failed to restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored %d sessions, want 1", n)
	}
	info, log, _ := restarted.Get(makerKey)
	if info.State != negotiation.Negotiating || len(log) != 3 {
		t.Fatalf("restored session = %s with %d entries", info.State, len(log))
	}

	if err := restarted.ProposeDetails(ctx, makerKey, terms, true); err != nil {
		t.Fatalf("failed to propose after restore: %v", err)
	}
	h.net.flush(t)
	if got, _ := restarted.State(makerKey); got != negotiation.Accepted {
		t.Errorf("restored maker state = %s, want accepted", got)
	}
	wantState(t, taker, takerKey, negotiation.Accepted)
}

func TestCancelOrderSessionsAndResend(t *testing.T) {
	h := newHarness(t)
	maker, alice, bob := h.node(), h.node(), h.node()
	o := h.publish(maker)
	ctx := context.Background()

	aliceKey := h.take(alice, o)
	h.take(bob, o)
	h.net.flush(t)

	if err := alice.reg.Resend(ctx, aliceKey); err != nil {
		t.Fatalf("failed to resend: %v", err)
	}
	h.net.flush(t)
	if n := len(maker.reg.ListActive()); n != 2 {
		t.Fatalf("maker sessions after resend = %d, want 2", n)
	}

	if n := maker.reg.CancelOrderSessions(ctx, o.ID, "order withdrawn"); n != 2 {
		t.Fatalf("cancelled %d sessions, want 2", n)
	}
	h.net.flush(t)
	wantState(t, alice, aliceKey, negotiation.Cancelled)
	if n := len(bob.reg.ListActive()); n != 0 {
		t.Errorf("bob still has %d active sessions", n)
	}

	// a fresh take replaces the ended session
	if _, err := alice.reg.CreateTakerSession(ctx, o, protocol.OrderTake{Quantity: 1}); err != nil {
		t.Fatalf("failed to retake: %v", err)
	}
	if _, err := alice.reg.CreateTakerSession(ctx, o, protocol.OrderTake{Quantity: 1}); !errors.Is(err, ErrSessionExists) {
		t.Errorf("second take = %v, want ErrSessionExists", err)
	}
}

func TestZeroQuantityTakeIsRejected(t *testing.T) {
	h := newHarness(t)
	maker, taker := h.node(), h.node()
	o := h.publish(maker)

	if _, err := taker.reg.CreateTakerSession(context.Background(), o, protocol.OrderTake{}); err == nil {
		t.Fatal("local take for zero quantity was accepted")
	}

	env, err := protocol.Encode(&protocol.OrderTake{}, taker.id, protocol.Header{
		Correlator: protocol.Correlator{OrderID: o.ID, Taker: taker.pub()},
		Recipient:  maker.pub(),
		CreatedAt:  h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	if err := maker.reg.Route(context.Background(), env); err != nil {
		t.Fatalf("failed to route: %v", err)
	}

	makerKey := Key{OrderID: o.ID, Counterparty: taker.pub()}
	wantState(t, maker, makerKey, negotiation.Rejected)
	replies := h.net.drain()
	if len(replies) != 1 {
		t.Fatalf("maker sent %d replies, want 1", len(replies))
	}
	resp, ok := replies[0].env.Payload.(*protocol.TradeResponse)
	if !ok || resp.Status != protocol.ResponseRejected {
		t.Fatalf("reply = %#v, want rejection", replies[0].env.Payload)
	}
	if len(resp.Reasons) == 0 || resp.Reasons[0] != protocol.ReasonQuantityInvalid {
		t.Errorf("reasons = %v, want %s", resp.Reasons, protocol.ReasonQuantityInvalid)
	}
}
