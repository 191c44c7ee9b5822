package protocol

import (
	"fmt"
	"sync"
)

// Kind tags a payload variant on the wire. New kinds may be added; existing
// tags are never reused or renamed.
type Kind string

const (
	KindOrder         Kind = "order"
	KindOrderTake     Kind = "order_take"
	KindTradeResponse Kind = "trade_response"
	KindTradeDetails  Kind = "trade_details"
	KindNote          Kind = "note"
	KindAck           Kind = "ack"
	KindCancel        Kind = "cancel"
	KindSealed        Kind = "sealed"
)

// Payload is one variant of the message union.
type Payload interface {
	Kind() Kind
}

var (
	kindsMu sync.RWMutex
	kinds   = map[Kind]func() Payload{
		KindOrder:         func() Payload { return new(Order) },
		KindOrderTake:     func() Payload { return new(OrderTake) },
		KindTradeResponse: func() Payload { return new(TradeResponse) },
		KindTradeDetails:  func() Payload { return new(TradeDetails) },
		KindNote:          func() Payload { return new(Note) },
		KindAck:           func() Payload { return new(Ack) },
		KindCancel:        func() Payload { return new(Cancel) },
		KindSealed:        func() Payload { return new(Sealed) },
	}
)

// RegisterKind adds a payload variant. The factory must return a pointer
// that encoding/json can decode into.
func RegisterKind(k Kind, factory func() Payload) error {
	if k == "" || factory == nil {
		return fmt.Errorf("invalid kind registration %q", k)
	}
	kindsMu.Lock()
	defer kindsMu.Unlock()
	if _, ok := kinds[k]; ok {
		return fmt.Errorf("kind %q already registered", k)
	}
	kinds[k] = factory
	return nil
}

// Known reports whether k has a registered decoder.
func Known(k Kind) bool {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	_, ok := kinds[k]
	return ok
}

func newPayload(k Kind) (Payload, bool) {
	kindsMu.RLock()
	factory, ok := kinds[k]
	kindsMu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Unknown carries a payload whose kind this build does not understand.
// The raw bytes are kept verbatim so the envelope still verifies and can be
// forwarded, but nothing acts on it.
type Unknown struct {
	Tag Kind
	Raw []byte
}

func (u *Unknown) Kind() Kind { return u.Tag }
