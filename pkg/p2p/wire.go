package p2p

import (
	"bytes"
	"encoding/gob"
)

// Frame is what travels on the gossip topic. Recipient lets peers skip
// sealed traffic addressed to someone else without decoding the envelope.
type Frame struct {
	Raw       []byte // wire-encoded protocol.Envelope
	Recipient string
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
