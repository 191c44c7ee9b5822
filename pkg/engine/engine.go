// Package engine wires an identity, the relay pool, the order book and the
// session registry into one runnable node.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradewire/params"
	"github.com/uhyunpark/tradewire/pkg/crypto"
	"github.com/uhyunpark/tradewire/pkg/metrics"
	"github.com/uhyunpark/tradewire/pkg/negotiation"
	"github.com/uhyunpark/tradewire/pkg/orders"
	"github.com/uhyunpark/tradewire/pkg/p2p"
	"github.com/uhyunpark/tradewire/pkg/protocol"
	"github.com/uhyunpark/tradewire/pkg/relay"
	"github.com/uhyunpark/tradewire/pkg/session"
	"github.com/uhyunpark/tradewire/pkg/storage"
	"github.com/uhyunpark/tradewire/pkg/util"
)

// Store is what a node persists: sessions and its own orders.
type Store interface {
	session.Store
	orders.Store
}

// Options override what New would otherwise build from the config.
type Options struct {
	Identity *crypto.Identity
	// Relays replaces the configured relay set when non-empty.
	Relays  []relay.Relay
	Store   Store
	Journal storage.Journal
	Clock   util.Clock
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

type Node struct {
	cfg     params.Config
	id      *crypto.Identity
	clock   util.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	journal storage.Journal
	closers []io.Closer

	Comm     *relay.Communicator
	Orders   *orders.Manager
	Sessions *session.Registry

	// OnTransition and OnOrder must be set before Run.
	OnTransition func(session.Transition)
	OnOrder      func(o protocol.Order, local bool)

	wg sync.WaitGroup
}

// New builds a node and restores its persisted state. The caller owns the
// returned node and must Close it.
func New(ctx context.Context, cfg params.Config, opts Options) (*Node, error) {
	n := &Node{
		cfg:     cfg,
		clock:   opts.Clock,
		log:     util.OrNop(opts.Logger),
		metrics: opts.Metrics,
		journal: opts.Journal,
	}
	if n.clock == nil {
		n.clock = util.RealClock{}
	}
	if n.metrics == nil {
		n.metrics = metrics.New()
	}

	var err error
	if n.id = opts.Identity; n.id == nil {
		if n.id, err = LoadIdentity(cfg.Identity, n.log); err != nil {
			return nil, err
		}
	}

	relays := opts.Relays
	if len(relays) == 0 {
		if relays, err = n.dialRelays(ctx); err != nil {
			n.Close()
			return nil, err
		}
	}

	store := opts.Store
	if store == nil {
		if store, err = n.openStore(); err != nil {
			n.Close()
			return nil, err
		}
	}
	if n.journal == nil {
		if n.journal, err = n.openJournal(); err != nil {
			n.Close()
			return nil, err
		}
	}

	n.Comm = relay.NewCommunicator(n.id, relays, relay.Config{
		PublishAttempts: cfg.Relay.PublishAttempts,
		MinBackoff:      cfg.Relay.MinBackoff,
		MaxBackoff:      cfg.Relay.MaxBackoff,
		PublishRate:     cfg.Relay.PublishRate,
		PublishBurst:    cfg.Relay.PublishBurst,
		DedupSize:       cfg.Relay.DedupSize,
		DedupTTL:        cfg.Relay.DedupTTL,
	})
	n.Comm.Logger = n.log.Named("relay")
	n.Comm.Metrics = n.metrics

	n.Orders = orders.NewManager(n.id, n.Comm, store, n.clock)
	n.Orders.Logger = n.log.Named("orders")
	n.Orders.Metrics = n.metrics
	n.Orders.OnChange = n.orderChanged

	n.Sessions = session.NewRegistry(n.id, n.Comm, n.Orders, store, n.clock, session.Config{
		SessionTimeout:    cfg.Negotiation.SessionTimeout,
		TerminalRetention: cfg.Negotiation.TerminalRetention,
		SweepInterval:     cfg.Negotiation.SweepInterval,
		Negotiation: negotiation.Config{
			MaxDetailRounds: cfg.Negotiation.MaxDetailRounds,
			AllowReopen:     cfg.Negotiation.AllowReopen,
		},
	})
	n.Sessions.Logger = n.log.Named("session")
	n.Sessions.Metrics = n.metrics
	n.Sessions.OnTransition = n.transition
	if cfg.Negotiation.AutoAccept {
		n.Sessions.OfferPolicy = AcceptAll
	}

	if err := n.Orders.Load(); err != nil {
		n.Close()
		return nil, err
	}
	restored, err := n.Sessions.Restore()
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to restore sessions: %w", err)
	}

	n.log.Infow("node_ready",
		"pubkey", n.id.PublicKey().Short(),
		"relays", len(relays),
		"restored_sessions", restored,
		"auto_accept", cfg.Negotiation.AutoAccept)
	return n, nil
}

// LoadIdentity resolves the node key: an explicit hex key wins, otherwise
// the key file is loaded or created.
func LoadIdentity(cfg params.Identity, log *zap.SugaredLogger) (*crypto.Identity, error) {
	if cfg.PrivateKeyHex != "" {
		return crypto.FromPrivateKeyHex(cfg.PrivateKeyHex)
	}
	if cfg.KeyFile == "" {
		return nil, fmt.Errorf("%w: no private key or key file configured", crypto.ErrInvalidKey)
	}
	id, created, err := crypto.LoadOrCreateKeyFile(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	if created {
		util.OrNop(log).Infow("identity_created", "key_file", cfg.KeyFile, "pubkey", id.PublicKey().Short())
	}
	return id, nil
}

func (n *Node) dialRelays(ctx context.Context) ([]relay.Relay, error) {
	var relays []relay.Relay
	for _, url := range n.cfg.Relay.URLs {
		ws := relay.NewWSRelay(url)
		ws.Logger = n.log.Named("ws")
		relays = append(relays, ws)
		n.closers = append(n.closers, ws)
	}
	if n.cfg.Relay.Libp2pListen != "" {
		g, err := p2p.NewGossipRelay(ctx, p2p.Libp2pConfig{
			ListenAddr: n.cfg.Relay.Libp2pListen,
			Bootstrap:  n.cfg.Relay.Libp2pBootstrap,
			Logger:     n.log.Named("p2p"),
		})
		if err != nil {
			return nil, err
		}
		relays = append(relays, g)
		n.closers = append(n.closers, g)
	}
	if len(relays) == 0 {
		return nil, errors.New("no relays configured")
	}
	return relays, nil
}

func (n *Node) openStore() (Store, error) {
	if n.cfg.Node.DataDir == "" {
		return storage.NewMemoryStore(), nil
	}
	s, err := storage.NewPebbleStore(filepath.Join(n.cfg.Node.DataDir, "db"))
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, s)
	return s, nil
}

func (n *Node) openJournal() (storage.Journal, error) {
	if n.cfg.Node.DataDir == "" {
		return storage.NewNopJournal(), nil
	}
	if err := os.MkdirAll(n.cfg.Node.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	j, err := storage.NewFileJournal(filepath.Join(n.cfg.Node.DataDir, "sessions.journal"))
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, j)
	return j, nil
}

func (n *Node) Identity() *crypto.Identity { return n.id }
func (n *Node) Metrics() *metrics.Metrics  { return n.metrics }

// Run pumps the inbox and the order feed and runs the janitors until ctx is
// done.
func (n *Node) Run(ctx context.Context) {
	inbox := n.Comm.Inbox(ctx)
	feed := n.Orders.Discover(ctx, protocol.Filter{})

	n.wg.Add(4)
	go func() {
		defer n.wg.Done()
		n.pumpInbox(ctx, inbox)
	}()
	go func() {
		defer n.wg.Done()
		for o := range feed {
			n.log.Debugw("order_discovered", "order", o.ID, "maker", o.Maker.Short(), "status", o.Status)
		}
	}()
	go func() {
		defer n.wg.Done()
		n.Sessions.RunJanitor(ctx)
	}()
	go func() {
		defer n.wg.Done()
		n.expireLoop(ctx)
	}()

	n.log.Infow("node_running", "pubkey", n.id.PublicKey().Short())
	<-ctx.Done()
	n.wg.Wait()
	n.log.Infow("node_stopped")
}

// pumpInbox hands direct messages to a per-key dispatcher: each session
// sees its envelopes in arrival order, and a slow reply to one counterparty
// does not delay the others.
func (n *Node) pumpInbox(ctx context.Context, in <-chan relay.Inbound) {
	d := session.NewDispatcher(n.Sessions)
	d.OnError = n.routeFailed
	defer d.Wait()
	for item := range in {
		if item.Err != nil {
			n.log.Debugw("inbox_envelope_rejected", "relay", item.Relay, "err", item.Err)
			continue
		}
		d.Dispatch(ctx, item.Envelope)
	}
}

func (n *Node) routeFailed(env *protocol.Envelope, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownSession), errors.Is(err, negotiation.ErrUnexpectedMessage), errors.Is(err, session.ErrTimeout):
		// counted by the registry
	default:
		n.log.Warnw("route_failed", "kind", env.Kind, "id", env.ShortID(), "err", err)
	}
}

func (n *Node) expireLoop(ctx context.Context) {
	interval := n.cfg.Negotiation.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.clock.After(interval):
			n.Orders.ExpireOrders(ctx, n.clock.Now())
		}
	}
}

// PublishOrder announces a new order. An order without an engine name is
// stamped with the configured one.
func (n *Node) PublishOrder(ctx context.Context, t orders.Terms) (protocol.Order, error) {
	if t.Engine == "" {
		t.Engine = n.cfg.Node.EngineName
	}
	return n.Orders.PublishOrder(ctx, t)
}

// CancelOrder closes a local order and cancels every live negotiation over
// it.
func (n *Node) CancelOrder(ctx context.Context, id string) (protocol.Order, error) {
	o, err := n.Orders.CancelOrder(ctx, id)
	if errors.Is(err, orders.ErrUnknownOrder) || errors.Is(err, orders.ErrOrderClosed) {
		return o, err
	}
	// the order is closed locally even when the announcement failed
	cancelled := n.Sessions.CancelOrderSessions(ctx, id, "order cancelled")
	n.log.Infow("order_sessions_cancelled", "order", id, "sessions", cancelled)
	return o, err
}

// TakeOrder opens a Taker session against a discovered order.
func (n *Node) TakeOrder(ctx context.Context, orderID string, take protocol.OrderTake) (session.Key, error) {
	o, ok := n.Orders.Remote(orderID)
	if !ok {
		return session.Key{}, fmt.Errorf("%w: %s", orders.ErrUnknownOrder, orderID)
	}
	if !o.Status.Open() {
		return session.Key{}, fmt.Errorf("%w: %s is %s", orders.ErrOrderClosed, orderID, o.Status)
	}
	if o.Maker == n.id.PublicKey() {
		return session.Key{}, fmt.Errorf("cannot take own order %s", orderID)
	}
	return n.Sessions.CreateTakerSession(ctx, o, take)
}

func (n *Node) transition(tr session.Transition) {
	if err := n.journal.Append(journalLine(n.clock.Now(), tr)); err != nil {
		n.log.Errorw("journal_append_failed", "session", tr.Key.String(), "to", tr.To, "err", err)
	}
	switch tr.To {
	case negotiation.Accepted:
		if tr.From != negotiation.Accepted {
			n.log.Infow("trade_agreed", "session", tr.Key.String(), "role", tr.Role, "terms", tr.Terms)
		}
	case negotiation.Completed:
		n.log.Infow("trade_completed", "session", tr.Key.String(), "role", tr.Role)
	}
	if n.OnTransition != nil {
		n.OnTransition(tr)
	}
}

func (n *Node) orderChanged(o protocol.Order, local bool) {
	if n.OnOrder != nil {
		n.OnOrder(o, local)
	}
}

type journalEntry struct {
	Time     string               `json:"ts"`
	Session  string               `json:"session"`
	Role     negotiation.Role     `json:"role"`
	From     negotiation.State    `json:"from"`
	To       negotiation.State    `json:"to"`
	Kind     protocol.Kind        `json:"kind,omitempty"`
	Envelope string               `json:"envelope,omitempty"`
	Terms    *protocol.TradeTerms `json:"terms,omitempty"`
}

func journalLine(now time.Time, tr session.Transition) string {
	e := journalEntry{
		Time:    now.UTC().Format(time.RFC3339Nano),
		Session: tr.Key.OrderID + "/" + string(tr.Key.Counterparty),
		Role:    tr.Role,
		From:    tr.From,
		To:      tr.To,
		Terms:   tr.Terms,
	}
	if tr.Envelope != nil {
		e.Kind = tr.Envelope.Kind
		e.Envelope = tr.Envelope.ID
	}
	b, _ := json.Marshal(e)
	return string(b)
}

// AcceptAll is an offer policy that accepts every valid take.
func AcceptAll(protocol.Order, protocol.OrderTake, crypto.PubKey) (session.Verdict, []protocol.RejectReason) {
	return session.Accept, nil
}

// Close releases relays, the store and the journal in reverse open order.
func (n *Node) Close() error {
	var errs error
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, n.closers[i].Close())
	}
	n.closers = nil
	return errs
}
