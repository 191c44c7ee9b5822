package p2p

import (
	"context"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradewire/pkg/protocol"
	"github.com/uhyunpark/tradewire/pkg/relay"
	"github.com/uhyunpark/tradewire/pkg/util"
)

const topicEvents = "tradewire-events"

// GossipRelay carries envelopes over a gossipsub topic. Every peer on the
// topic acts as a relay: a successful local publish counts as the ack.
type GossipRelay struct {
	h     host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	log   *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewGossipRelay(ctx context.Context, cfg Libp2pConfig) (*GossipRelay, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start libp2p host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to start gossipsub: %w", err)
	}
	topic, err := ps.Join(topicEvents)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to join %s: %w", topicEvents, err)
	}

	log := util.OrNop(cfg.Logger)
	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return &GossipRelay{h: h, ps: ps, topic: topic, log: log}, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (g *GossipRelay) Host() host.Host { return g.h }

// Addrs returns full p2p multiaddrs other nodes can bootstrap from.
func (g *GossipRelay) Addrs() []string {
	var out []string
	for _, a := range g.h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, g.h.ID()))
	}
	return out
}

func (g *GossipRelay) URL() string { return "libp2p://" + g.h.ID().String() }

func (g *GossipRelay) Publish(ctx context.Context, raw []byte) error {
	env, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	data, err := gobEncode(Frame{Raw: raw, Recipient: string(env.Recipient)})
	if err != nil {
		return err
	}
	return g.topic.Publish(ctx, data)
}

func (g *GossipRelay) Subscribe(ctx context.Context, f protocol.Filter) (<-chan []byte, error) {
	sub, err := g.topic.Subscribe()
	if err != nil {
		return nil, err
	}
	out := make(chan []byte, 256)
	go func() {
		defer close(out)
		defer sub.Cancel()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			var fr Frame
			if err := gobDecode(msg.Data, &fr); err != nil {
				continue
			}
			if f.Recipient != "" && fr.Recipient != string(f.Recipient) {
				continue
			}
			// unverifiable frames are passed through so the communicator
			// reports them
			if env, err := protocol.Decode(fr.Raw); err == nil && !f.Match(env) {
				continue
			}
			select {
			case out <- fr.Raw:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (g *GossipRelay) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	g.topic.Close()
	return g.h.Close()
}

var _ relay.Relay = (*GossipRelay)(nil)
