package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/uhyunpark/tradewire/pkg/protocol"
)

// Frame types of the websocket relay protocol.
//
//	client -> relay: ["EVENT", env] ["REQ", sub, filter] ["CLOSE", sub]
//	relay -> client: ["OK", id, accepted, msg] ["EVENT", sub, env] ["EOSE", sub] ["NOTICE", msg]
const (
	frameEvent  = "EVENT"
	frameReq    = "REQ"
	frameClose  = "CLOSE"
	frameOK     = "OK"
	frameEOSE   = "EOSE"
	frameNotice = "NOTICE"
)

func encodeFrame(parts ...any) []byte {
	b, _ := json.Marshal(parts)
	return b
}

func decodeFrame(b []byte) (string, []json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return "", nil, fmt.Errorf("invalid frame: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("empty frame")
	}
	var typ string
	if err := json.Unmarshal(parts[0], &typ); err != nil {
		return "", nil, fmt.Errorf("invalid frame type: %w", err)
	}
	return typ, parts[1:], nil
}

// subscriber is one open subscription channel. deliver blocks until the
// reader takes the item or the subscription context ends.
type subscriber struct {
	filter protocol.Filter
	ctx    context.Context
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func newSubscriber(ctx context.Context, f protocol.Filter, buf int) *subscriber {
	return &subscriber{filter: f, ctx: ctx, ch: make(chan []byte, buf)}
}

func (s *subscriber) deliver(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- raw:
	case <-s.ctx.Done():
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
