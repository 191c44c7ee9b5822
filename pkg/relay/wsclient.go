package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradewire/pkg/protocol"
	"github.com/uhyunpark/tradewire/pkg/util"
)

const (
	wsWriteWait = 10 * time.Second
	wsAckWait   = 15 * time.Second
)

var errConnClosed = errors.New("relay connection closed")

// WSRelay talks to one websocket relay. The connection is dialled on first
// use and redialled on the next call after it drops.
type WSRelay struct {
	url    string
	dialer *websocket.Dialer
	Logger *zap.SugaredLogger

	mu      sync.Mutex
	conn    *wsConn
	nextSub atomic.Uint64
}

type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu sync.Mutex
	// pending holds every publish still waiting for an OK, per envelope id;
	// a retry may overlap an earlier attempt for the same id
	pending map[string][]chan error
	subs    map[string]*subscriber

	done     chan struct{}
	doneOnce sync.Once
}

func NewWSRelay(url string) *WSRelay {
	return &WSRelay{url: url, dialer: websocket.DefaultDialer}
}

func (r *WSRelay) URL() string { return r.url }

func (r *WSRelay) log() *zap.SugaredLogger { return util.OrNop(r.Logger) }

func (r *WSRelay) connection(ctx context.Context) (*wsConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		select {
		case <-r.conn.done:
		default:
			return r.conn, nil
		}
	}

	ws, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", r.url, err)
	}
	c := &wsConn{
		ws:      ws,
		pending: make(map[string][]chan error),
		subs:    make(map[string]*subscriber),
		done:    make(chan struct{}),
	}
	r.conn = c
	go r.readLoop(c)
	r.log().Infow("relay_connected", "relay", r.url)
	return c, nil
}

// Close drops the current connection. Later calls redial.
func (r *WSRelay) Close() error {
	r.mu.Lock()
	c := r.conn
	r.conn = nil
	r.mu.Unlock()
	if c != nil {
		c.shutdown()
	}
	return nil
}

func (r *WSRelay) Publish(ctx context.Context, raw []byte) error {
	id := envelopeID(raw)
	if id == "" {
		return fmt.Errorf("envelope without id")
	}
	c, err := r.connection(ctx)
	if err != nil {
		return err
	}

	ack := make(chan error, 1)
	c.mu.Lock()
	c.pending[id] = append(c.pending[id], ack)
	c.mu.Unlock()
	defer c.forget(id, ack)

	if err := c.write(encodeFrame(frameEvent, json.RawMessage(raw))); err != nil {
		c.shutdown()
		return err
	}

	select {
	case err := <-ack:
		return err
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wsAckWait):
		return fmt.Errorf("no ack from %s", r.url)
	}
}

func (r *WSRelay) Subscribe(ctx context.Context, f protocol.Filter) (<-chan []byte, error) {
	c, err := r.connection(ctx)
	if err != nil {
		return nil, err
	}

	subID := fmt.Sprintf("tw-%d", r.nextSub.Add(1))
	s := newSubscriber(ctx, f, 256)
	c.mu.Lock()
	c.subs[subID] = s
	c.mu.Unlock()

	if err := c.write(encodeFrame(frameReq, subID, f)); err != nil {
		c.removeSub(subID)
		c.shutdown()
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			if c.removeSub(subID) {
				_ = c.write(encodeFrame(frameClose, subID))
			}
		case <-c.done:
		}
	}()
	return s.ch, nil
}

func (r *WSRelay) readLoop(c *wsConn) {
	defer c.shutdown()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				r.log().Warnw("relay_read_failed", "relay", r.url, "err", err)
			}
			return
		}

		typ, args, err := decodeFrame(msg)
		if err != nil {
			r.log().Debugw("relay_bad_frame", "relay", r.url, "err", err)
			continue
		}
		switch typ {
		case frameEvent:
			if len(args) < 2 {
				continue
			}
			var subID string
			_ = json.Unmarshal(args[0], &subID)
			c.mu.Lock()
			s := c.subs[subID]
			c.mu.Unlock()
			if s != nil {
				s.deliver([]byte(args[1]))
			}
		case frameOK:
			if len(args) < 2 {
				continue
			}
			var id, reason string
			var accepted bool
			_ = json.Unmarshal(args[0], &id)
			_ = json.Unmarshal(args[1], &accepted)
			if len(args) > 2 {
				_ = json.Unmarshal(args[2], &reason)
			}
			var res error
			if !accepted {
				res = fmt.Errorf("relay rejected %s: %s", id, reason)
			}
			c.mu.Lock()
			for _, ack := range c.pending[id] {
				select {
				case ack <- res:
				default:
				}
			}
			c.mu.Unlock()
		case frameEOSE:
		case frameNotice:
			var notice string
			if len(args) > 0 {
				_ = json.Unmarshal(args[0], &notice)
			}
			r.log().Infow("relay_notice", "relay", r.url, "notice", notice)
		}
	}
}

func (c *wsConn) forget(id string, ack chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.pending[id]
	for i, w := range waiters {
		if w == ack {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(c.pending, id)
	} else {
		c.pending[id] = waiters
	}
}

func (c *wsConn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) removeSub(id string) bool {
	c.mu.Lock()
	s, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		s.close()
	}
	return ok
}

func (c *wsConn) shutdown() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.ws.Close()
		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]*subscriber)
		c.mu.Unlock()
		for _, s := range subs {
			s.close()
		}
	})
}

var _ Relay = (*WSRelay)(nil)
