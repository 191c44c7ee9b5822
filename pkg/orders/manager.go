// Package orders keeps the Maker's own order book and the Taker's cache of
// orders discovered on the relays.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/tradewire/pkg/crypto"
	"github.com/uhyunpark/tradewire/pkg/metrics"
	"github.com/uhyunpark/tradewire/pkg/protocol"
	"github.com/uhyunpark/tradewire/pkg/relay"
	"github.com/uhyunpark/tradewire/pkg/util"
)

var (
	ErrUnknownOrder = errors.New("unknown order")
	ErrOrderClosed  = errors.New("order is not open")
)

// Terms is what a Maker supplies to publish an order.
type Terms struct {
	Instrument        string          `json:"instrument" yaml:"instrument"`
	Side              protocol.Side   `json:"side" yaml:"side"`
	Quantity          uint64          `json:"quantity" yaml:"quantity"`
	Price             uint64          `json:"price" yaml:"price"`
	TTL               time.Duration   `json:"ttl,omitempty" yaml:"ttl"`
	SettlementMethods []string        `json:"settlement_methods,omitempty" yaml:"settlement_methods"`
	MakerBondPct      uint32          `json:"maker_bond_pct,omitempty" yaml:"maker_bond_pct"`
	TakerBondPct      uint32          `json:"taker_bond_pct,omitempty" yaml:"taker_bond_pct"`
	Engine            string          `json:"engine,omitempty" yaml:"engine"`
	Specifics         json.RawMessage `json:"specifics,omitempty" yaml:"-"`
}

// Store persists the local order book.
type Store interface {
	SaveOrder(o protocol.Order) error
	LoadOrders() ([]protocol.Order, error)
}

// Transport is the part of the relay communicator the manager uses.
type Transport interface {
	Publish(ctx context.Context, env *protocol.Envelope) error
	Subscribe(ctx context.Context, f protocol.Filter) <-chan relay.Inbound
}

type Manager struct {
	id        *crypto.Identity
	transport Transport
	store     Store
	clock     util.Clock

	mu         sync.RWMutex
	local      map[string]protocol.Order
	discovered map[string]protocol.Order

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
	// OnChange is called after any local or discovered order changes.
	OnChange func(o protocol.Order, local bool)
}

// NewManager builds a manager. store may be nil for an in-memory book.
func NewManager(id *crypto.Identity, t Transport, store Store, clock util.Clock) *Manager {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Manager{
		id:         id,
		transport:  t,
		store:      store,
		clock:      clock,
		local:      make(map[string]protocol.Order),
		discovered: make(map[string]protocol.Order),
	}
}

func (m *Manager) log() *zap.SugaredLogger { return util.OrNop(m.Logger) }

// Load reads persisted local orders back into the book.
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}
	list, err := m.store.LoadOrders()
	if err != nil {
		return fmt.Errorf("failed to load orders: %w", err)
	}
	m.mu.Lock()
	for _, o := range list {
		m.local[o.ID] = o
	}
	m.mu.Unlock()
	m.log().Infow("orders_loaded", "count", len(list))
	return nil
}

// PublishOrder creates an order from terms and announces it. The order is
// only kept if at least one relay accepted it.
func (m *Manager) PublishOrder(ctx context.Context, t Terms) (protocol.Order, error) {
	now := m.clock.Now()
	o := protocol.Order{
		ID:                protocol.NewOrderID(),
		Instrument:        t.Instrument,
		Side:              t.Side,
		Quantity:          t.Quantity,
		Price:             t.Price,
		Maker:             m.id.PublicKey(),
		CreatedAt:         now.UnixMilli(),
		Status:            protocol.StatusPublished,
		SettlementMethods: t.SettlementMethods,
		MakerBondPct:      t.MakerBondPct,
		TakerBondPct:      t.TakerBondPct,
		Engine:            t.Engine,
		Specifics:         t.Specifics,
	}
	if t.TTL > 0 {
		o.ExpiresAt = now.Add(t.TTL).UnixMilli()
	}
	if err := o.Validate(); err != nil {
		return protocol.Order{}, err
	}

	// registered before publishing so a fast Taker finds it
	m.mu.Lock()
	m.local[o.ID] = o
	m.mu.Unlock()

	if err := m.announce(ctx, o); err != nil {
		m.mu.Lock()
		delete(m.local, o.ID)
		m.mu.Unlock()
		return protocol.Order{}, err
	}
	if err := m.save(o); err != nil {
		return o, err
	}
	m.log().Infow("order_published", "order", o.ID, "instrument", o.Instrument, "side", o.Side, "qty", o.Quantity, "price", o.Price)
	m.changed(o, true)
	return o, nil
}

// CancelOrder closes a local order and republishes it as cancelled. A
// Taken order can still be cancelled; an expired one cannot.
func (m *Manager) CancelOrder(ctx context.Context, id string) (protocol.Order, error) {
	o, err := m.setStatus(id, protocol.StatusCancelled, protocol.StatusPublished, protocol.StatusTaken)
	if err != nil {
		return o, err
	}
	m.log().Infow("order_cancelled", "order", id)
	return o, m.announce(ctx, o)
}

// MarkTaken records that a negotiation over the order reached agreement.
func (m *Manager) MarkTaken(ctx context.Context, id string) error {
	o, err := m.setStatus(id, protocol.StatusTaken, protocol.StatusPublished)
	if err != nil {
		return err
	}
	m.log().Infow("order_taken", "order", id)
	return m.announce(ctx, o)
}

// ExpireOrders closes every open local order whose expiry has passed and
// returns their ids. Announcement failures are logged, not returned.
func (m *Manager) ExpireOrders(ctx context.Context, now time.Time) []string {
	var due []string
	m.mu.RLock()
	for id, o := range m.local {
		if o.Status.Open() && o.Expired(now.UnixMilli()) {
			due = append(due, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(due)

	var expired []string
	for _, id := range due {
		o, err := m.setStatus(id, protocol.StatusExpired, protocol.StatusPublished)
		if err != nil {
			continue
		}
		expired = append(expired, id)
		m.log().Infow("order_expired", "order", id)
		if err := m.announce(ctx, o); err != nil {
			m.log().Warnw("order_announce_failed", "order", id, "err", err)
		}
	}
	return expired
}

func (m *Manager) setStatus(id string, to protocol.OrderStatus, from ...protocol.OrderStatus) (protocol.Order, error) {
	m.mu.Lock()
	o, ok := m.local[id]
	if !ok {
		m.mu.Unlock()
		return protocol.Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	allowed := false
	for _, s := range from {
		allowed = allowed || o.Status == s
	}
	if !allowed {
		m.mu.Unlock()
		return o, fmt.Errorf("%w: %s is %s", ErrOrderClosed, id, o.Status)
	}
	o.Status = to
	m.local[id] = o
	m.mu.Unlock()

	if err := m.save(o); err != nil {
		return o, err
	}
	m.changed(o, true)
	return o, nil
}

func (m *Manager) announce(ctx context.Context, o protocol.Order) error {
	env, err := protocol.Encode(&o, m.id, protocol.Header{
		Correlator: protocol.Correlator{OrderID: o.ID},
		CreatedAt:  m.clock.Now(),
	})
	if err != nil {
		return err
	}
	if err := m.transport.Publish(ctx, env); err != nil {
		return fmt.Errorf("failed to publish order %s: %w", o.ID, err)
	}
	return nil
}

func (m *Manager) save(o protocol.Order) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveOrder(o); err != nil {
		return fmt.Errorf("failed to save order %s: %w", o.ID, err)
	}
	return nil
}

func (m *Manager) changed(o protocol.Order, local bool) {
	if m.OnChange != nil {
		m.OnChange(o, local)
	}
}

// Get returns a local order.
func (m *Manager) Get(id string) (protocol.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.local[id]
	return o, ok
}

// List returns the local orders, oldest first.
func (m *Manager) List() []protocol.Order {
	m.mu.RLock()
	out := make([]protocol.Order, 0, len(m.local))
	for _, o := range m.local {
		out = append(out, o)
	}
	m.mu.RUnlock()
	sortOrders(out)
	return out
}

// Remote returns a discovered order.
func (m *Manager) Remote(id string) (protocol.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.discovered[id]
	return o, ok
}

// Discovered returns the cached remote orders matching f, oldest first.
func (m *Manager) Discovered(f protocol.Filter) []protocol.Order {
	m.mu.RLock()
	var out []protocol.Order
	for _, o := range m.discovered {
		o := o
		if f.MatchOrder(&o) {
			out = append(out, o)
		}
	}
	m.mu.RUnlock()
	sortOrders(out)
	return out
}

// Discover streams remote orders matching f. Each order id is emitted when
// first seen and again whenever a newer version arrives. Statuses only
// narrow what is emitted: every status update is still cached, so Remote
// never reports a status the maker has moved past. The channel closes when
// ctx is done.
func (m *Manager) Discover(ctx context.Context, f protocol.Filter) <-chan protocol.Order {
	f.Kinds = []protocol.Kind{protocol.KindOrder}
	wide := f
	wide.Statuses = nil
	in := m.transport.Subscribe(ctx, wide)
	out := make(chan protocol.Order, 16)

	go func() {
		defer close(out)
		for item := range in {
			o, ok := m.admit(item, f)
			if !ok {
				continue
			}
			select {
			case out <- o:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (m *Manager) admit(item relay.Inbound, f protocol.Filter) (protocol.Order, bool) {
	if item.Err != nil {
		m.log().Debugw("order_envelope_rejected", "relay", item.Relay, "err", item.Err)
		return protocol.Order{}, false
	}
	env := item.Envelope
	o, ok := env.Payload.(*protocol.Order)
	if !ok {
		m.Metrics.Drop(metrics.ReasonUnknownKind)
		return protocol.Order{}, false
	}
	if o.Maker != env.Signer || env.Correlator.OrderID != o.ID {
		m.Metrics.Drop(metrics.ReasonSignatureMismatch)
		m.log().Debugw("order_author_mismatch", "order", o.ID, "signer", env.Signer.Short())
		return protocol.Order{}, false
	}
	if err := o.Validate(); err != nil {
		m.Metrics.Drop(metrics.ReasonMalformed)
		m.log().Debugw("order_invalid", "order", o.ID, "err", err)
		return protocol.Order{}, false
	}
	wide := f
	wide.Statuses = nil
	if !wide.MatchOrder(o) || !m.observe(*o) {
		return protocol.Order{}, false
	}
	m.changed(*o, false)
	return *o, f.MatchOrder(o)
}

// observe caches o if it is new or newer than the cached copy.
func (m *Manager) observe(o protocol.Order) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.discovered[o.ID]; ok && !newer(o, cur) {
		return false
	}
	m.discovered[o.ID] = o
	return true
}

// newer orders versions of one order by creation time, then by status
// finality.
func newer(a, b protocol.Order) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.Status.Rank() > b.Status.Rank()
}

func sortOrders(list []protocol.Order) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt != list[j].CreatedAt {
			return list[i].CreatedAt < list[j].CreatedAt
		}
		return list[i].ID < list[j].ID
	})
}
