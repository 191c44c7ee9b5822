package protocol

import (
	"encoding/hex"
	"encoding/json"
	"strconv"

	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/tradewire/pkg/crypto"
)

const envelopeVersion = 0

// Correlator ties an envelope to one negotiation thread. The order's Maker
// is implied by the order, so (OrderID, Taker) names exactly one session.
type Correlator struct {
	OrderID string
	Taker   crypto.PubKey
}

// Envelope is the signed wire unit. Envelopes are immutable once decoded or
// encoded and may be shared freely between goroutines.
type Envelope struct {
	ID         string
	Signer     crypto.PubKey
	CreatedAt  int64 // unix milliseconds
	Kind       Kind
	Correlator Correlator
	Recipient  crypto.PubKey
	// Content holds the exact payload bytes covered by the signature.
	Content   []byte
	Signature []byte

	Payload Payload
}

type wireEnvelope struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      string `json:"kind"`
	OrderID   string `json:"order_id,omitempty"`
	Taker     string `json:"taker,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// canonical is the byte string that gets hashed and signed. It covers every
// field except the signature.
func canonical(signer crypto.PubKey, createdAt int64, kind Kind, corr Correlator, recipient crypto.PubKey, content []byte) []byte {
	b, _ := json.Marshal([]any{
		envelopeVersion,
		string(signer),
		createdAt,
		string(kind),
		corr.OrderID,
		string(corr.Taker),
		string(recipient),
		string(content),
	})
	return b
}

func (e *Envelope) canonical() []byte {
	return canonical(e.Signer, e.CreatedAt, e.Kind, e.Correlator, e.Recipient, e.Content)
}

func computeID(canon []byte) string {
	sum := sha3.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// DedupKey identifies an envelope by signer, correlator and payload hash.
// The payload hash covers the creation stamp, so copies of one envelope
// collide while a party deliberately repeating itself does not.
func (e *Envelope) DedupKey() string {
	payloadSum := sha3.Sum256(append(strconv.AppendInt(nil, e.CreatedAt, 10), e.Content...))
	b, _ := json.Marshal([]string{
		string(e.Signer),
		e.Correlator.OrderID,
		string(e.Correlator.Taker),
		string(e.Recipient),
		string(e.Kind),
		hex.EncodeToString(payloadSum[:]),
	})
	sum := sha3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Marshal returns the wire encoding.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		ID:        e.ID,
		PubKey:    string(e.Signer),
		CreatedAt: e.CreatedAt,
		Kind:      string(e.Kind),
		OrderID:   e.Correlator.OrderID,
		Taker:     string(e.Correlator.Taker),
		Recipient: string(e.Recipient),
		Content:   string(e.Content),
		Sig:       hex.EncodeToString(e.Signature),
	})
}

// ShortID is a log-friendly prefix of the envelope id.
func (e *Envelope) ShortID() string {
	if len(e.ID) <= 12 {
		return e.ID
	}
	return e.ID[:12]
}
