// Package storage persists sessions and local orders.
package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/tradewire/pkg/orders"
	"github.com/uhyunpark/tradewire/pkg/protocol"
	"github.com/uhyunpark/tradewire/pkg/session"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	return OpenPebbleStore(path, &pebble.Options{})
}

// OpenPebbleStore opens a store with explicit options, e.g. an in-memory
// vfs for tests.
func OpenPebbleStore(path string, opts *pebble.Options) (*PebbleStore, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %q: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// ============================================================================
// Sessions
// ============================================================================

// SaveSession overwrites the session meta.
func (s *PebbleStore) SaveSession(m session.Meta) error {
	data, err := encodeJSON("session", m)
	if err != nil {
		return err
	}
	if err := s.db.Set(sessionKey(m.Key), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// AppendLog writes one log record under its sequence number.
func (s *PebbleStore) AppendLog(k session.Key, rec session.Record) error {
	data, err := encodeJSON("log record", rec)
	if err != nil {
		return err
	}
	if err := s.db.Set(logKey(k, rec.Seq), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// LoadSessions returns every stored session meta.
func (s *PebbleStore) LoadSessions() ([]session.Meta, error) {
	var out []session.Meta
	err := s.scan([]byte(prefixSession), func(v []byte) error {
		var m session.Meta
		if err := decodeJSON("session", v, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

// LoadLog returns the records of one session in sequence order.
func (s *PebbleStore) LoadLog(k session.Key) ([]session.Record, error) {
	var out []session.Record
	err := s.scan(logPrefix(k), func(v []byte) error {
		var rec session.Record
		if err := decodeJSON("log record", v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// DeleteSession removes the meta and every log record of a session.
func (s *PebbleStore) DeleteSession(k session.Key) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(sessionKey(k), nil); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	prefix := logPrefix(k)
	if err := b.DeleteRange(prefix, keyUpperBound(prefix), nil); err != nil {
		return fmt.Errorf("failed to delete session log: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ============================================================================
// Orders
// ============================================================================

func (s *PebbleStore) SaveOrder(o protocol.Order) error {
	data, err := encodeJSON("order", o)
	if err != nil {
		return err
	}
	if err := s.db.Set(orderKey(o.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// LoadOrder returns a stored order, or nil if there is none.
func (s *PebbleStore) LoadOrder(id string) (*protocol.Order, error) {
	data, closer, err := s.db.Get(orderKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var o protocol.Order
	if err := decodeJSON("order", data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PebbleStore) LoadOrders() ([]protocol.Order, error) {
	var out []protocol.Order
	err := s.scan([]byte(prefixOrder), func(v []byte) error {
		var o protocol.Order
		if err := decodeJSON("order", v, &o); err != nil {
			return err
		}
		out = append(out, o)
		return nil
	})
	return out, err
}

func (s *PebbleStore) scan(prefix []byte, fn func(v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

var (
	_ session.Store = (*PebbleStore)(nil)
	_ orders.Store  = (*PebbleStore)(nil)
)
