package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/tradewire/pkg/crypto"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

type OrderStatus string

const (
	StatusPublished OrderStatus = "published"
	StatusTaken     OrderStatus = "taken"
	StatusCancelled OrderStatus = "cancelled"
	StatusExpired   OrderStatus = "expired"
)

// Rank orders statuses by finality; a later status never goes back.
func (s OrderStatus) Rank() int {
	switch s {
	case StatusPublished:
		return 0
	case StatusTaken:
		return 1
	case StatusExpired:
		return 2
	case StatusCancelled:
		return 3
	}
	return -1
}

func (s OrderStatus) Open() bool { return s == StatusPublished }

// NewOrderID returns a random (v4) order identifier.
func NewOrderID() string { return uuid.NewString() }

// Order is a Maker-authored trade proposal. It is both the catalog entry and
// the payload of an order announcement.
type Order struct {
	ID         string        `json:"id"`
	Instrument string        `json:"instrument"`
	Side       Side          `json:"side"`
	Quantity   uint64        `json:"quantity"`
	Price      uint64        `json:"price"`
	Maker      crypto.PubKey `json:"maker"`
	CreatedAt  int64         `json:"created_at"`
	ExpiresAt  int64         `json:"expires_at,omitempty"`
	Status     OrderStatus   `json:"status"`

	// Obligation kinds the Maker will settle with, e.g. "Fiat-USD-Venmo".
	SettlementMethods []string        `json:"settlement_methods,omitempty"`
	MakerBondPct      uint32          `json:"maker_bond_pct,omitempty"`
	TakerBondPct      uint32          `json:"taker_bond_pct,omitempty"`
	Engine            string          `json:"engine,omitempty"`
	Specifics         json.RawMessage `json:"specifics,omitempty"`
}

func (*Order) Kind() Kind { return KindOrder }

func (o *Order) Validate() error {
	if _, err := uuid.Parse(o.ID); err != nil {
		return fmt.Errorf("order id %q is not a uuid", o.ID)
	}
	if o.Instrument == "" {
		return fmt.Errorf("order %s has no instrument", o.ID)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("order %s has invalid side %q", o.ID, o.Side)
	}
	if o.Quantity == 0 {
		return fmt.Errorf("order %s has zero quantity", o.ID)
	}
	if o.Status.Rank() < 0 {
		return fmt.Errorf("order %s has invalid status %q", o.ID, o.Status)
	}
	return nil
}

// Expired reports whether the order has an expiry at or before nowMs.
func (o *Order) Expired(nowMs int64) bool {
	return o.ExpiresAt > 0 && nowMs >= o.ExpiresAt
}

// OffersMethod reports whether m is acceptable; an empty set accepts any.
func (o *Order) OffersMethod(m string) bool {
	if len(o.SettlementMethods) == 0 {
		return true
	}
	for _, s := range o.SettlementMethods {
		if s == m {
			return true
		}
	}
	return false
}

// OrderTake declares a Taker's intent to take an order.
type OrderTake struct {
	Quantity         uint64          `json:"quantity"`
	SettlementMethod string          `json:"settlement_method,omitempty"`
	Specifics        json.RawMessage `json:"specifics,omitempty"`
}

func (*OrderTake) Kind() Kind { return KindOrderTake }

type ResponseStatus string

const (
	ResponseAccepted     ResponseStatus = "accepted"
	ResponseRejected     ResponseStatus = "rejected"
	ResponseNotAvailable ResponseStatus = "not_available"
)

type RejectReason string

const (
	ReasonCancelled               RejectReason = "cancelled"
	ReasonPendingAnother          RejectReason = "pending_another"
	ReasonDuplicateOffer          RejectReason = "duplicate_offer"
	ReasonQuantityInvalid         RejectReason = "quantity_invalid"
	ReasonSettlementMethodInvalid RejectReason = "settlement_method_invalid"
	ReasonExpired                 RejectReason = "expired"
	ReasonEngineSpecific          RejectReason = "engine_specific"
)

// TradeResponse is the Maker's answer to an OrderTake.
type TradeResponse struct {
	Status    ResponseStatus  `json:"status"`
	TakeID    string          `json:"take_id"`
	Reasons   []RejectReason  `json:"reasons,omitempty"`
	Specifics json.RawMessage `json:"specifics,omitempty"`
}

func (*TradeResponse) Kind() Kind { return KindTradeResponse }

// TradeTerms are the settlement parameters both sides converge on.
type TradeTerms struct {
	Quantity         uint64            `json:"quantity"`
	Price            uint64            `json:"price"`
	SettlementMethod string            `json:"settlement_method,omitempty"`
	Params           map[string]string `json:"params,omitempty"`
}

// Digest identifies the terms independent of field order.
func (t TradeTerms) Digest() string {
	// encoding/json sorts map keys, so the encoding is canonical
	b, _ := json.Marshal(t)
	sum := sha3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type TradeDetails struct {
	Terms TradeTerms `json:"terms"`
	// Agree marks the sender as ready to accept Terms as final.
	Agree bool `json:"agree"`
}

func (*TradeDetails) Kind() Kind { return KindTradeDetails }

// Note is a free-form or trade-engine specific peer message.
type Note struct {
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (*Note) Kind() Kind { return KindNote }

type Ack struct {
	Ref  string `json:"ref"`
	Text string `json:"text,omitempty"`
}

func (*Ack) Kind() Kind { return KindAck }

type Cancel struct {
	Reason string `json:"reason,omitempty"`
}

func (*Cancel) Kind() Kind { return KindCancel }

// Sealed wraps an encoded envelope encrypted to the envelope's recipient.
type Sealed struct {
	Ciphertext []byte `json:"ciphertext"`
}

func (*Sealed) Kind() Kind { return KindSealed }
