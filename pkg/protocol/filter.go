package protocol

import "github.com/uhyunpark/tradewire/pkg/crypto"

// Filter selects envelopes for a relay subscription and orders for Taker
// discovery. Zero-valued fields match everything. Order criteria
// (Instrument, Side, price bounds, Statuses) only match Order payloads.
type Filter struct {
	Kinds     []Kind          `json:"kinds,omitempty"`
	Authors   []crypto.PubKey `json:"authors,omitempty"`
	Recipient crypto.PubKey   `json:"recipient,omitempty"`
	OrderIDs  []string        `json:"order_ids,omitempty"`
	Since     int64           `json:"since,omitempty"`

	Instrument string        `json:"instrument,omitempty"`
	Side       Side          `json:"side,omitempty"`
	MinPrice   uint64        `json:"min_price,omitempty"`
	MaxPrice   uint64        `json:"max_price,omitempty"`
	Statuses   []OrderStatus `json:"statuses,omitempty"`
}

func (f Filter) hasOrderCriteria() bool {
	return f.Instrument != "" || f.Side != "" || f.MinPrice > 0 || f.MaxPrice > 0 || len(f.Statuses) > 0
}

// Match reports whether e passes the filter.
func (f Filter) Match(e *Envelope) bool {
	if len(f.Kinds) > 0 && !contains(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, e.Signer) {
		return false
	}
	if f.Recipient != "" && e.Recipient != f.Recipient {
		return false
	}
	if len(f.OrderIDs) > 0 && !contains(f.OrderIDs, e.Correlator.OrderID) {
		return false
	}
	if f.Since > 0 && e.CreatedAt < f.Since {
		return false
	}
	if !f.hasOrderCriteria() {
		return true
	}
	o, ok := e.Payload.(*Order)
	if !ok {
		return false
	}
	return f.MatchOrder(o)
}

// MatchOrder applies only the order criteria.
func (f Filter) MatchOrder(o *Order) bool {
	if f.Instrument != "" && o.Instrument != f.Instrument {
		return false
	}
	if f.Side != "" && o.Side != f.Side {
		return false
	}
	if f.MinPrice > 0 && o.Price < f.MinPrice {
		return false
	}
	if f.MaxPrice > 0 && o.Price > f.MaxPrice {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, o.Status) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
