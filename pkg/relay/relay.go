// Package relay wraps the external relay pool: publishing with retry,
// filtered subscriptions, sealed direct messages and multi-relay dedup.
package relay

import (
	"context"
	"errors"

	"github.com/uhyunpark/tradewire/pkg/protocol"
)

// ErrTransportFailure is returned when no relay acknowledged a publish
// after every retry.
var ErrTransportFailure = errors.New("transport failure")

// Relay is one node of the relay network. Delivery is at-least-once,
// possibly duplicated and unordered. Subscribe's channel is closed when the
// relay disconnects; callers resubscribe.
type Relay interface {
	URL() string
	Publish(ctx context.Context, raw []byte) error
	Subscribe(ctx context.Context, f protocol.Filter) (<-chan []byte, error)
}

// Inbound is one item of a subscription stream. Exactly one of Envelope or
// Err is set; decode failures are delivered, not swallowed.
type Inbound struct {
	Envelope *protocol.Envelope
	Relay    string
	Err      error
}
