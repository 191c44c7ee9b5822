package storage

import (
	"fmt"

	"github.com/uhyunpark/tradewire/pkg/session"
)

// Key schema:
//
//	ses:{orderID}:{counterparty}          → session meta (JSON)
//	log:{orderID}:{counterparty}:{seq}    → log record (JSON), seq is 8-byte big endian
//	ord:{orderID}                         → local order (JSON)
const (
	prefixSession = "ses:"
	prefixLog     = "log:"
	prefixOrder   = "ord:"
)

func sessionKey(k session.Key) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixSession, k.OrderID, k.Counterparty))
}

// logPrefix covers every record of one session.
func logPrefix(k session.Key) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", prefixLog, k.OrderID, k.Counterparty))
}

func logKey(k session.Key, seq uint64) []byte {
	return append(logPrefix(k), seqKey(seq)...)
}

func orderKey(id string) []byte {
	return []byte(prefixOrder + id)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
