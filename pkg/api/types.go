package api

import (
	"encoding/json"

	"github.com/uhyunpark/tradewire/pkg/crypto"
	"github.com/uhyunpark/tradewire/pkg/negotiation"
	"github.com/uhyunpark/tradewire/pkg/protocol"
	"github.com/uhyunpark/tradewire/pkg/session"
)

// ==============================
// REST Response Types
// ==============================

// SessionInfo is one negotiation as listed by /api/v1/sessions.
type SessionInfo struct {
	OrderID      string               `json:"orderId"`
	Counterparty crypto.PubKey        `json:"counterparty"`
	Role         negotiation.Role     `json:"role"`
	State        negotiation.State    `json:"state"`
	Instrument   string               `json:"instrument"`
	Side         protocol.Side        `json:"side"`
	Entries      int                  `json:"entries"`
	LastActivity int64                `json:"lastActivity"` // Unix milliseconds
	Terms        *protocol.TradeTerms `json:"terms,omitempty"`
}

// SessionDetail adds the message log to SessionInfo.
type SessionDetail struct {
	SessionInfo
	Order protocol.Order `json:"order"`
	Log   []LogEntry     `json:"log"`
}

// LogEntry is one accepted envelope of a session.
type LogEntry struct {
	ID        string          `json:"id"`
	From      string          `json:"from"` // "local" or "remote"
	Kind      protocol.Kind   `json:"kind"`
	CreatedAt int64           `json:"createdAt"`
	Content   json.RawMessage `json:"content"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status         string        `json:"status"`
	PubKey         crypto.PubKey `json:"pubkey"`
	Relays         int           `json:"relays"`
	ActiveSessions int           `json:"activeSessions"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// REST Request Types
// ==============================

// SettlementRequest is the payload for POST .../settlement. The trade
// engine calls it with "begin" when it starts settling and "confirm" once
// settlement is done.
type SettlementRequest struct {
	Action string `json:"action"` // "begin" | "confirm"
}

// TakeRequest is the payload for POST /api/v1/orders/{id}/take.
type TakeRequest struct {
	Quantity         uint64          `json:"quantity"`
	SettlementMethod string          `json:"settlementMethod,omitempty"`
	Specifics        json.RawMessage `json:"specifics,omitempty"`
}

// RespondRequest is the payload for POST .../respond.
type RespondRequest struct {
	Status  protocol.ResponseStatus  `json:"status"`
	Reasons []protocol.RejectReason `json:"reasons,omitempty"`
}

// DetailsRequest is the payload for POST .../details.
type DetailsRequest struct {
	Terms protocol.TradeTerms `json:"terms"`
	Agree bool                `json:"agree"`
}

// CancelRequest is the payload for POST .../cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is what clients send to pick channels.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}

// SessionUpdate is pushed on the "sessions" channel for every transition.
type SessionUpdate struct {
	Type         string               `json:"type"` // "session"
	OrderID      string               `json:"orderId"`
	Counterparty crypto.PubKey        `json:"counterparty"`
	Role         negotiation.Role     `json:"role"`
	From         negotiation.State    `json:"from"`
	To           negotiation.State    `json:"to"`
	Kind         protocol.Kind        `json:"kind,omitempty"`
	Terms        *protocol.TradeTerms `json:"terms,omitempty"`
	Timestamp    int64                `json:"timestamp"`
}

// OrderUpdate is pushed on the "orders" channel when a local or discovered
// order changes.
type OrderUpdate struct {
	Type  string         `json:"type"` // "order"
	Local bool           `json:"local"`
	Order protocol.Order `json:"order"`
}

func sessionInfo(in session.Info) SessionInfo {
	return SessionInfo{
		OrderID:      in.Key.OrderID,
		Counterparty: in.Key.Counterparty,
		Role:         in.Role,
		State:        in.State,
		Instrument:   in.Order.Instrument,
		Side:         in.Order.Side,
		Entries:      in.Entries,
		LastActivity: in.LastActivity.UnixMilli(),
		Terms:        in.Terms,
	}
}

func logEntry(e negotiation.Entry) LogEntry {
	out := LogEntry{
		ID:        e.Envelope.ID,
		From:      e.From.String(),
		Kind:      e.Envelope.Kind,
		CreatedAt: e.Envelope.CreatedAt,
		Content:   json.RawMessage(e.Envelope.Content),
	}
	if !json.Valid(out.Content) {
		out.Content = nil
	}
	return out
}
