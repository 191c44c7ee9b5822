// Package session owns every live negotiation. Sessions are keyed by
// (order id, counterparty) and each key is processed by one writer at a
// time; unrelated keys proceed concurrently.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/tradewire/pkg/crypto"
	"github.com/uhyunpark/tradewire/pkg/metrics"
	"github.com/uhyunpark/tradewire/pkg/negotiation"
	"github.com/uhyunpark/tradewire/pkg/protocol"
	"github.com/uhyunpark/tradewire/pkg/util"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrTimeout        = errors.New("session timed out")
	ErrSessionExists  = errors.New("session already exists")
)

const shardCount = 32

type Key struct {
	OrderID      string        `json:"order_id"`
	Counterparty crypto.PubKey `json:"counterparty"`
}

func (k Key) String() string { return k.OrderID + "/" + k.Counterparty.Short() }

// Sender delivers an envelope privately to one counterparty.
type Sender interface {
	SendDirect(ctx context.Context, recipient crypto.PubKey, env *protocol.Envelope) error
}

// OrderBook is the Maker's view of its own orders.
type OrderBook interface {
	Get(id string) (protocol.Order, bool)
	MarkTaken(ctx context.Context, id string) error
}

type Verdict uint8

const (
	Defer Verdict = iota
	Accept
	Reject
)

// OfferPolicy decides on a valid OrderTake as it arrives. It runs while the
// session is locked and must not call back into the registry.
type OfferPolicy func(order protocol.Order, take protocol.OrderTake, taker crypto.PubKey) (Verdict, []protocol.RejectReason)

type Config struct {
	SessionTimeout    time.Duration
	TerminalRetention time.Duration
	SweepInterval     time.Duration
	Negotiation       negotiation.Config
}

func DefaultConfig() Config {
	return Config{
		SessionTimeout:    30 * time.Minute,
		TerminalRetention: 10 * time.Minute,
		SweepInterval:     30 * time.Second,
		Negotiation:       negotiation.DefaultConfig(),
	}
}

// Transition is delivered to OnTransition after every accepted step.
type Transition struct {
	Key      Key
	Role     negotiation.Role
	From     negotiation.State
	To       negotiation.State
	Envelope *protocol.Envelope
	Order    protocol.Order
	// Terms is set once the session holds agreed terms.
	Terms *protocol.TradeTerms
}

// Info is a read-only snapshot of one session.
type Info struct {
	Key          Key                  `json:"key"`
	Role         negotiation.Role     `json:"role"`
	State        negotiation.State    `json:"state"`
	Order        protocol.Order       `json:"order"`
	LastActivity time.Time            `json:"last_activity"`
	Entries      int                  `json:"entries"`
	Terms        *protocol.TradeTerms `json:"terms,omitempty"`
}

type entry struct {
	mu           sync.Mutex
	key          Key
	m            *negotiation.Machine
	lastActivity time.Time
	endedAt      time.Time
	gone         bool
}

type shard struct {
	mu      sync.RWMutex
	entries map[Key]*entry
}

type Registry struct {
	id     *crypto.Identity
	sender Sender
	book   OrderBook
	store  Store
	clock  util.Clock
	cfg    Config
	shards [shardCount]shard

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
	// OfferPolicy answers valid takes automatically. Nil defers every
	// take to Respond.
	OfferPolicy OfferPolicy
	// OnTransition runs outside any session lock.
	OnTransition func(Transition)
}

// NewRegistry builds a registry. book and store may be nil for a Taker-only
// node without persistence.
func NewRegistry(id *crypto.Identity, sender Sender, book OrderBook, store Store, clock util.Clock, cfg Config) *Registry {
	if clock == nil {
		clock = util.RealClock{}
	}
	r := &Registry{id: id, sender: sender, book: book, store: store, clock: clock, cfg: cfg}
	for i := range r.shards {
		r.shards[i].entries = make(map[Key]*entry)
	}
	return r
}

func (r *Registry) log() *zap.SugaredLogger { return util.OrNop(r.Logger) }

func (r *Registry) shardFor(k Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(k.OrderID))
	h.Write([]byte(k.Counterparty))
	return &r.shards[h.Sum32()%shardCount]
}

func (r *Registry) lookup(k Key) *entry {
	s := r.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[k]
}

// insert stores e unless a live entry already holds the key, in which case
// that entry is returned.
func (r *Registry) insert(e *entry) *entry {
	s := r.shardFor(e.key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[e.key]; ok {
		return cur
	}
	s.entries[e.key] = e
	return e
}

// remove must be called with e.mu held.
func (r *Registry) remove(e *entry) {
	s := r.shardFor(e.key)
	s.mu.Lock()
	if s.entries[e.key] == e {
		delete(s.entries, e.key)
	}
	s.mu.Unlock()
	e.gone = true
}

func (r *Registry) snapshot() []*entry {
	var out []*entry
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, e := range s.entries {
			out = append(out, e)
		}
		s.mu.RUnlock()
	}
	return out
}

// Route hands an inbound envelope to its session. A Maker session is
// created for an OrderTake against one of our open orders. Duplicates
// return nil without touching the session.
func (r *Registry) Route(ctx context.Context, env *protocol.Envelope) error {
	self := r.id.PublicKey()
	if env.Signer == self {
		return nil
	}
	if _, ok := env.Payload.(*protocol.Unknown); ok {
		r.Metrics.Drop(metrics.ReasonUnknownKind)
		r.log().Debugw("unknown_kind_ignored", "kind", env.Kind, "id", env.ShortID())
		return nil
	}

	corr := env.Correlator
	var role negotiation.Role
	switch {
	case corr.OrderID == "":
		return r.unknown(env, "no correlator")
	case corr.Taker == self:
		role = negotiation.Taker
	case corr.Taker == env.Signer:
		role = negotiation.Maker
	default:
		return r.unknown(env, "not a party")
	}

	key := Key{OrderID: corr.OrderID, Counterparty: env.Signer}
	e := r.lookup(key)
	if e == nil {
		if role == negotiation.Maker && env.Kind == protocol.KindOrderTake {
			return r.openMaker(ctx, key, env)
		}
		return r.unknown(env, "no session")
	}
	if e.m.Role() != role {
		return r.unknown(env, "role mismatch")
	}
	return r.deliver(ctx, e, env)
}

func (r *Registry) unknown(env *protocol.Envelope, why string) error {
	r.Metrics.Drop(metrics.ReasonUnknownSession)
	r.log().Debugw("unknown_session", "kind", env.Kind, "order", env.Correlator.OrderID, "signer", env.Signer.Short(), "why", why)
	return fmt.Errorf("%w: %s %s for order %q (%s)", ErrUnknownSession, env.Kind, env.ShortID(), env.Correlator.OrderID, why)
}

func (r *Registry) deliver(ctx context.Context, e *entry, env *protocol.Envelope) error {
	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return r.unknown(env, "session evicted")
	}
	if ev, expired := r.expireLocked(e); expired {
		e.mu.Unlock()
		r.after(ctx, ev)
		return fmt.Errorf("%w: %s", ErrTimeout, e.key)
	}

	tr, err := e.m.Apply(env, negotiation.Remote)
	switch {
	case errors.Is(err, negotiation.ErrDuplicate):
		e.mu.Unlock()
		r.Metrics.Drop(metrics.ReasonDuplicate)
		r.log().Debugw("duplicate_envelope", "session", e.key.String(), "id", env.ShortID())
		return nil
	case err != nil:
		state := e.m.State()
		e.mu.Unlock()
		r.Metrics.Drop(metrics.ReasonUnexpected)
		r.log().Infow("envelope_rejected", "session", e.key.String(), "state", state, "kind", env.Kind, "err", err)
		return err
	}
	r.recordLocked(e, tr, false)
	ev := r.event(e, tr)
	e.mu.Unlock()

	r.after(ctx, ev)
	return nil
}

// openMaker creates a Maker session for a first OrderTake and answers it
// when the take is invalid or the offer policy decides.
func (r *Registry) openMaker(ctx context.Context, key Key, env *protocol.Envelope) error {
	if r.book == nil {
		return r.unknown(env, "no local orders")
	}
	order, ok := r.book.Get(key.OrderID)
	if !ok {
		return r.unknown(env, "not our order")
	}
	take, ok := env.Payload.(*protocol.OrderTake)
	if !ok {
		r.Metrics.Drop(metrics.ReasonMalformed)
		return fmt.Errorf("%w: order_take carries %T", protocol.ErrMalformedEnvelope, env.Payload)
	}
	if !order.Status.Open() {
		reason := protocol.ReasonPendingAnother
		switch order.Status {
		case protocol.StatusCancelled:
			reason = protocol.ReasonCancelled
		case protocol.StatusExpired:
			reason = protocol.ReasonExpired
		}
		r.notAvailable(ctx, env, reason)
		return r.unknown(env, "order "+string(order.Status))
	}

	e := &entry{
		key:          key,
		m:            negotiation.NewMaker(order, r.id.PublicKey(), key.Counterparty, r.cfg.Negotiation),
		lastActivity: r.clock.Now(),
	}
	e.mu.Lock()
	if cur := r.insert(e); cur != e {
		// another goroutine opened the session first
		e.mu.Unlock()
		return r.deliver(ctx, cur, env)
	}

	tr, err := e.m.Apply(env, negotiation.Remote)
	if err != nil {
		r.remove(e)
		e.mu.Unlock()
		r.Metrics.Drop(metrics.ReasonUnexpected)
		return err
	}
	r.recordLocked(e, tr, false)
	events := []Transition{r.event(e, tr)}

	var resp *protocol.TradeResponse
	if reasons := validateTake(order, *take, r.clock.Now()); len(reasons) > 0 {
		resp = &protocol.TradeResponse{Status: protocol.ResponseRejected, TakeID: env.ID, Reasons: reasons}
	} else if r.OfferPolicy != nil {
		switch verdict, reasons := r.OfferPolicy(order, *take, key.Counterparty); verdict {
		case Accept:
			resp = &protocol.TradeResponse{Status: protocol.ResponseAccepted, TakeID: env.ID}
		case Reject:
			resp = &protocol.TradeResponse{Status: protocol.ResponseRejected, TakeID: env.ID, Reasons: reasons}
		}
	}

	var out *protocol.Envelope
	if resp != nil {
		var rtr negotiation.Transition
		if out, rtr, err = r.emitLocked(e, resp); err != nil {
			r.log().Errorw("offer_response_failed", "session", key.String(), "err", err)
		} else {
			events = append(events, r.event(e, rtr))
		}
	}
	e.mu.Unlock()

	r.log().Infow("session_opened", "session", key.String(), "role", negotiation.Maker, "qty", take.Quantity)
	for _, ev := range events {
		r.after(ctx, ev)
	}
	if out != nil {
		return r.send(ctx, key, out)
	}
	return nil
}

// validateTake returns why a take cannot be honoured, if it cannot.
func validateTake(o protocol.Order, t protocol.OrderTake, now time.Time) []protocol.RejectReason {
	var reasons []protocol.RejectReason
	if o.Expired(now.UnixMilli()) {
		reasons = append(reasons, protocol.ReasonExpired)
	}
	if t.Quantity == 0 || t.Quantity > o.Quantity {
		reasons = append(reasons, protocol.ReasonQuantityInvalid)
	}
	if !o.OffersMethod(t.SettlementMethod) {
		reasons = append(reasons, protocol.ReasonSettlementMethodInvalid)
	}
	return reasons
}

// notAvailable answers a take against a closed order without opening a
// session.
func (r *Registry) notAvailable(ctx context.Context, take *protocol.Envelope, reason protocol.RejectReason) {
	env, err := protocol.Encode(&protocol.TradeResponse{
		Status:  protocol.ResponseNotAvailable,
		TakeID:  take.ID,
		Reasons: []protocol.RejectReason{reason},
	}, r.id, protocol.Header{
		Correlator: take.Correlator,
		Recipient:  take.Signer,
		CreatedAt:  r.clock.Now(),
	})
	if err != nil {
		r.log().Errorw("encode_failed", "kind", protocol.KindTradeResponse, "err", err)
		return
	}
	if err := r.sender.SendDirect(ctx, take.Signer, env); err != nil {
		r.log().Warnw("not_available_send_failed", "order", take.Correlator.OrderID, "err", err)
	}
}

// emitLocked signs p for the session, applies it locally and records it.
// The caller sends the envelope after releasing the lock.
func (r *Registry) emitLocked(e *entry, p protocol.Payload) (*protocol.Envelope, negotiation.Transition, error) {
	if !e.m.Legal(negotiation.Local, p.Kind()) {
		return nil, negotiation.Transition{}, fmt.Errorf("%w: cannot send %s in %s %s", negotiation.ErrUnexpectedMessage, p.Kind(), e.m.Role(), e.m.State())
	}
	env, err := protocol.Encode(p, r.id, protocol.Header{
		Correlator: e.m.Correlator(),
		Recipient:  e.key.Counterparty,
		CreatedAt:  r.clock.Now(),
	})
	if err != nil {
		return nil, negotiation.Transition{}, err
	}
	tr, err := e.m.Apply(env, negotiation.Local)
	if err != nil {
		return nil, negotiation.Transition{}, err
	}
	r.recordLocked(e, tr, true)
	return env, tr, nil
}

// recordLocked stamps activity and persists the step. Store errors are
// logged; the in-memory log stays authoritative.
func (r *Registry) recordLocked(e *entry, tr negotiation.Transition, outbound bool) {
	now := r.clock.Now()
	e.lastActivity = now
	if tr.To.IsTerminal() {
		e.endedAt = now
	}
	if r.store == nil {
		return
	}
	if tr.Envelope != nil {
		raw, err := tr.Envelope.Marshal()
		if err == nil {
			err = r.store.AppendLog(e.key, Record{Seq: uint64(e.m.Len() - 1), Outbound: outbound, Envelope: json.RawMessage(raw)})
		}
		if err != nil {
			r.log().Errorw("session_log_persist_failed", "session", e.key.String(), "err", err)
		}
	}
	if err := r.store.SaveSession(r.metaLocked(e)); err != nil {
		r.log().Errorw("session_persist_failed", "session", e.key.String(), "err", err)
	}
}

func (r *Registry) metaLocked(e *entry) Meta {
	return Meta{
		Key:          e.key,
		Role:         e.m.Role(),
		State:        e.m.State(),
		Order:        e.m.Order(),
		TakeID:       e.m.TakeID(),
		LastActivity: e.lastActivity.UnixMilli(),
	}
}

func (r *Registry) event(e *entry, tr negotiation.Transition) Transition {
	ev := Transition{
		Key:      e.key,
		Role:     e.m.Role(),
		From:     tr.From,
		To:       tr.To,
		Envelope: tr.Envelope,
		Order:    e.m.Order(),
	}
	if terms, ok := e.m.AgreedTerms(); ok {
		ev.Terms = &terms
	}
	return ev
}

// after runs the side effects of a transition once no lock is held.
func (r *Registry) after(ctx context.Context, ev Transition) {
	if ev.From != ev.To {
		r.Metrics.Transition(ev.Role.String(), ev.To.String())
		r.Metrics.SetActive(r.countActive())
		r.log().Infow("session_transition", "session", ev.Key.String(), "role", ev.Role, "from", ev.From, "to", ev.To)
	}
	if ev.Role == negotiation.Maker && ev.To == negotiation.Accepted && ev.From != ev.To && r.book != nil {
		if err := r.book.MarkTaken(ctx, ev.Key.OrderID); err != nil {
			r.log().Warnw("order_mark_taken_failed", "order", ev.Key.OrderID, "err", err)
		}
	}
	if r.OnTransition != nil {
		r.OnTransition(ev)
	}
}

func (r *Registry) send(ctx context.Context, key Key, env *protocol.Envelope) error {
	if err := r.sender.SendDirect(ctx, key.Counterparty, env); err != nil {
		r.log().Warnw("session_send_failed", "session", key.String(), "kind", env.Kind, "err", err)
		return fmt.Errorf("failed to send %s for %s: %w", env.Kind, key, err)
	}
	return nil
}

func (r *Registry) countActive() int {
	n := 0
	for _, e := range r.snapshot() {
		e.mu.Lock()
		if !e.gone && !e.m.State().IsTerminal() {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (r *Registry) infoLocked(e *entry) Info {
	in := Info{
		Key:          e.key,
		Role:         e.m.Role(),
		State:        e.m.State(),
		Order:        e.m.Order(),
		LastActivity: e.lastActivity,
		Entries:      e.m.Len(),
	}
	if terms, ok := e.m.AgreedTerms(); ok {
		in.Terms = &terms
	}
	return in
}

// ListActive returns every non-terminal session.
func (r *Registry) ListActive() []Info {
	return r.list(func(s negotiation.State) bool { return !s.IsTerminal() })
}

// List returns every session still held, terminal ones included.
func (r *Registry) List() []Info {
	return r.list(func(negotiation.State) bool { return true })
}

func (r *Registry) list(keep func(negotiation.State) bool) []Info {
	var out []Info
	for _, e := range r.snapshot() {
		e.mu.Lock()
		if !e.gone && keep(e.m.State()) {
			out = append(out, r.infoLocked(e))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.OrderID != out[j].Key.OrderID {
			return out[i].Key.OrderID < out[j].Key.OrderID
		}
		return out[i].Key.Counterparty < out[j].Key.Counterparty
	})
	return out
}

// Get returns a session snapshot with its log.
func (r *Registry) Get(key Key) (Info, []negotiation.Entry, bool) {
	e := r.lookup(key)
	if e == nil {
		return Info{}, nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return Info{}, nil, false
	}
	return r.infoLocked(e), e.m.Log(), true
}
