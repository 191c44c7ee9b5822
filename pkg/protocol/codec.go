package protocol

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uhyunpark/tradewire/pkg/crypto"
)

var (
	// ErrMalformedEnvelope covers truncated or structurally invalid input.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrSignatureMismatch means the id or signature does not match the
	// content and claimed signer.
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Signer is the part of an identity the codec needs.
type Signer interface {
	PublicKey() crypto.PubKey
	Sign(payload []byte) ([]byte, error)
}

// Header carries the envelope metadata stamped at encode time.
type Header struct {
	Correlator Correlator
	Recipient  crypto.PubKey
	// CreatedAt defaults to time.Now when zero.
	CreatedAt time.Time
}

// Encode signs p as signer and returns the resulting envelope.
func Encode(p Payload, signer Signer, h Header) (*Envelope, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	var content []byte
	if u, ok := p.(*Unknown); ok {
		content = append([]byte(nil), u.Raw...)
	} else {
		var err error
		if content, err = json.Marshal(p); err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", p.Kind(), err)
		}
	}

	created := h.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	env := &Envelope{
		Signer:     signer.PublicKey(),
		CreatedAt:  created.UnixMilli(),
		Kind:       p.Kind(),
		Correlator: h.Correlator,
		Recipient:  h.Recipient,
		Content:    content,
		Payload:    p,
	}
	canon := env.canonical()
	sig, err := signer.Sign(canon)
	if err != nil {
		return nil, err
	}
	env.ID = computeID(canon)
	env.Signature = sig
	return env, nil
}

// Decode parses and verifies a wire envelope. Unregistered kinds decode to
// *Unknown.
func Decode(b []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedEnvelope)
	}
	signer, err := crypto.ParsePubKey(w.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: signer: %v", ErrMalformedEnvelope, err)
	}
	sig, err := hex.DecodeString(w.Sig)
	if err != nil || len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: bad signature encoding", ErrMalformedEnvelope)
	}
	var taker, recipient crypto.PubKey
	if w.Taker != "" {
		if taker, err = crypto.ParsePubKey(w.Taker); err != nil {
			return nil, fmt.Errorf("%w: taker: %v", ErrMalformedEnvelope, err)
		}
	}
	if w.Recipient != "" {
		if recipient, err = crypto.ParsePubKey(w.Recipient); err != nil {
			return nil, fmt.Errorf("%w: recipient: %v", ErrMalformedEnvelope, err)
		}
	}

	env := &Envelope{
		ID:         w.ID,
		Signer:     signer,
		CreatedAt:  w.CreatedAt,
		Kind:       Kind(w.Kind),
		Correlator: Correlator{OrderID: w.OrderID, Taker: taker},
		Recipient:  recipient,
		Content:    []byte(w.Content),
		Signature:  sig,
	}

	canon := env.canonical()
	if computeID(canon) != w.ID {
		return nil, fmt.Errorf("%w: id does not match content", ErrSignatureMismatch)
	}
	if !crypto.Verify(canon, sig, signer) {
		return nil, fmt.Errorf("%w: signer %s", ErrSignatureMismatch, signer.Short())
	}

	p, ok := newPayload(env.Kind)
	if !ok {
		env.Payload = &Unknown{Tag: env.Kind, Raw: env.Content}
		return env, nil
	}
	if err := json.Unmarshal(env.Content, p); err != nil {
		return nil, fmt.Errorf("%w: %s content: %v", ErrMalformedEnvelope, env.Kind, err)
	}
	env.Payload = p
	return env, nil
}
