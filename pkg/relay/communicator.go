package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/tradewire/pkg/crypto"
	"github.com/uhyunpark/tradewire/pkg/metrics"
	"github.com/uhyunpark/tradewire/pkg/protocol"
	"github.com/uhyunpark/tradewire/pkg/util"
)

type Config struct {
	PublishAttempts int
	MinBackoff      time.Duration
	MaxBackoff      time.Duration
	PublishRate     float64 // per second, 0 = unlimited
	PublishBurst    int
	DedupSize       int
	DedupTTL        time.Duration
}

func DefaultConfig() Config {
	return Config{
		PublishAttempts: 4,
		MinBackoff:      200 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		DedupSize:       4096,
		DedupTTL:        10 * time.Minute,
	}
}

// Communicator fans envelopes out to every relay and merges what the relays
// deliver back. It knows nothing about negotiation.
type Communicator struct {
	id      *crypto.Identity
	cfg     Config
	limiter *rate.Limiter
	seen    *window

	mu     sync.RWMutex
	relays []Relay

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

func NewCommunicator(id *crypto.Identity, relays []Relay, cfg Config) *Communicator {
	if cfg.PublishAttempts <= 0 {
		cfg.PublishAttempts = 1
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	c := &Communicator{
		id:     id,
		cfg:    cfg,
		seen:   newWindow(cfg.DedupSize, cfg.DedupTTL),
		relays: append([]Relay(nil), relays...),
	}
	if cfg.PublishRate > 0 {
		burst := cfg.PublishBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), burst)
	}
	return c
}

func (c *Communicator) log() *zap.SugaredLogger { return util.OrNop(c.Logger) }

func (c *Communicator) Identity() *crypto.Identity { return c.id }

func (c *Communicator) Relays() []Relay {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Relay(nil), c.relays...)
}

// AddRelay adds r to the publish set. Subscriptions opened earlier are not
// extended to it.
func (c *Communicator) AddRelay(r Relay) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.relays {
		if existing.URL() == r.URL() {
			return
		}
	}
	c.relays = append(c.relays, r)
}

func (c *Communicator) RemoveRelay(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.relays {
		if r.URL() == url {
			c.relays = append(c.relays[:i], c.relays[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Communicator) newBackoff() *backoff.Backoff {
	return &backoff.Backoff{Min: c.cfg.MinBackoff, Max: c.cfg.MaxBackoff, Factor: 2, Jitter: true}
}

// Publish broadcasts env. It succeeds once any relay acknowledges it.
func (c *Communicator) Publish(ctx context.Context, env *protocol.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	// our own envelopes echoed back by relays are not news
	c.seen.Add(env.DedupKey())
	return c.publishRaw(ctx, raw, env)
}

// SendDirect seals env for recipient and publishes the sealed wrapper.
func (c *Communicator) SendDirect(ctx context.Context, recipient crypto.PubKey, env *protocol.Envelope) error {
	inner, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	ct, err := crypto.Seal(recipient, inner)
	if err != nil {
		return err
	}
	outer, err := protocol.Encode(&protocol.Sealed{Ciphertext: ct}, c.id, protocol.Header{Recipient: recipient})
	if err != nil {
		return fmt.Errorf("failed to encode sealed envelope: %w", err)
	}
	return c.Publish(ctx, outer)
}

func (c *Communicator) publishRaw(ctx context.Context, raw []byte, env *protocol.Envelope) error {
	relays := c.Relays()
	if len(relays) == 0 {
		c.Metrics.IncPublishFailure()
		return fmt.Errorf("%w: no relays configured", ErrTransportFailure)
	}

	b := c.newBackoff()
	var lastErr error
	for attempt := 1; attempt <= c.cfg.PublishAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%w: %v", ErrTransportFailure, err)
			}
		}
		c.Metrics.IncPublishAttempt()

		relayURL, err := c.fanOut(ctx, relays, raw)
		if err == nil {
			c.log().Debugw("envelope_published", "id", env.ShortID(), "kind", env.Kind, "relay", relayURL, "attempt", attempt)
			return nil
		}
		lastErr = err
		if attempt == c.cfg.PublishAttempts {
			break
		}

		wait := b.Duration()
		c.log().Debugw("publish_retry", "id", env.ShortID(), "attempt", attempt, "wait", wait, "err", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrTransportFailure, ctx.Err())
		case <-time.After(wait):
		}
	}

	c.Metrics.IncPublishFailure()
	c.log().Warnw("publish_failed", "id", env.ShortID(), "kind", env.Kind, "relays", len(relays), "err", lastErr)
	return fmt.Errorf("%w: %d relays after %d attempts: %v", ErrTransportFailure, len(relays), c.cfg.PublishAttempts, lastErr)
}

// fanOut returns as soon as one relay acks; the others keep going in the
// background so the envelope still spreads.
func (c *Communicator) fanOut(ctx context.Context, relays []Relay, raw []byte) (string, error) {
	type result struct {
		url string
		err error
	}
	results := make(chan result, len(relays))
	for _, r := range relays {
		go func(r Relay) {
			err := r.Publish(ctx, raw)
			if err != nil {
				err = fmt.Errorf("%s: %w", r.URL(), err)
			}
			results <- result{url: r.URL(), err: err}
		}(r)
	}

	var errs error
	for range relays {
		res := <-results
		if res.err == nil {
			return res.url, nil
		}
		errs = multierr.Append(errs, res.err)
	}
	return "", errs
}

// Subscribe merges the filtered streams of every relay. Each relay stream is
// reopened with backoff when it drops, until ctx is done.
func (c *Communicator) Subscribe(ctx context.Context, f protocol.Filter) <-chan Inbound {
	out := make(chan Inbound, 64)
	relays := c.Relays()

	var wg sync.WaitGroup
	for _, r := range relays {
		wg.Add(1)
		go func(r Relay) {
			defer wg.Done()
			c.pump(ctx, r, f, out)
		}(r)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Inbox subscribes to sealed envelopes addressed to the local identity and
// yields the unsealed inner envelopes.
func (c *Communicator) Inbox(ctx context.Context) <-chan Inbound {
	return c.Subscribe(ctx, protocol.Filter{
		Kinds:     []protocol.Kind{protocol.KindSealed},
		Recipient: c.id.PublicKey(),
	})
}

func (c *Communicator) pump(ctx context.Context, r Relay, f protocol.Filter, out chan<- Inbound) {
	b := c.newBackoff()
	for {
		ch, err := r.Subscribe(ctx, f)
		if err != nil {
			c.log().Warnw("relay_subscribe_failed", "relay", r.URL(), "err", err)
		} else {
			for raw := range ch {
				b.Reset()
				c.accept(ctx, r.URL(), raw, out)
			}
		}
		if ctx.Err() != nil {
			return
		}

		wait := b.Duration()
		c.log().Infow("relay_resubscribe", "relay", r.URL(), "wait", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Communicator) accept(ctx context.Context, relayURL string, raw []byte, out chan<- Inbound) {
	c.Metrics.IncReceived()

	env, err := protocol.Decode(raw)
	if err != nil {
		c.reject(ctx, relayURL, err, out)
		return
	}

	if env.Kind == protocol.KindSealed {
		if env.Recipient != c.id.PublicKey() {
			return
		}
		if !c.seen.Add(env.DedupKey()) {
			c.Metrics.Drop(metrics.ReasonDuplicate)
			return
		}
		// the inner envelope is left to its session: a resend reseals it
		// under a fresh wrapper and must get through
		if env, err = c.unseal(env); err != nil {
			c.reject(ctx, relayURL, err, out)
			return
		}
	} else if !c.seen.Add(env.DedupKey()) {
		c.Metrics.Drop(metrics.ReasonDuplicate)
		return
	}
	if _, ok := env.Payload.(*protocol.Unknown); ok {
		c.log().Debugw("unknown_kind", "kind", env.Kind, "id", env.ShortID())
	}

	select {
	case out <- Inbound{Envelope: env, Relay: relayURL}:
	case <-ctx.Done():
	}
}

func (c *Communicator) reject(ctx context.Context, relayURL string, err error, out chan<- Inbound) {
	switch {
	case errors.Is(err, protocol.ErrSignatureMismatch):
		c.Metrics.Drop(metrics.ReasonSignatureMismatch)
	default:
		c.Metrics.Drop(metrics.ReasonMalformed)
	}
	c.log().Debugw("envelope_rejected", "relay", relayURL, "err", err)
	select {
	case out <- Inbound{Relay: relayURL, Err: err}:
	case <-ctx.Done():
	}
}

func (c *Communicator) unseal(outer *protocol.Envelope) (*protocol.Envelope, error) {
	sealed, ok := outer.Payload.(*protocol.Sealed)
	if !ok {
		return nil, fmt.Errorf("%w: sealed kind without sealed payload", protocol.ErrMalformedEnvelope)
	}
	plain, err := c.id.Open(sealed.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformedEnvelope, err)
	}
	inner, err := protocol.Decode(plain)
	if err != nil {
		return nil, err
	}
	if inner.Signer != outer.Signer {
		return nil, fmt.Errorf("%w: sealed by %s but signed by %s", protocol.ErrSignatureMismatch, outer.Signer.Short(), inner.Signer.Short())
	}
	if inner.Recipient != "" && inner.Recipient != c.id.PublicKey() {
		return nil, fmt.Errorf("%w: inner envelope addressed to %s", protocol.ErrMalformedEnvelope, inner.Recipient.Short())
	}
	return inner, nil
}

// envelopeID pulls the id out of a raw envelope without verifying it.
func envelopeID(raw []byte) string {
	var head struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &head)
	return head.ID
}
