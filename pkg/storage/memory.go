package storage

import (
	"sort"
	"sync"

	"github.com/uhyunpark/tradewire/pkg/orders"
	"github.com/uhyunpark/tradewire/pkg/protocol"
	"github.com/uhyunpark/tradewire/pkg/session"
)

// MemoryStore keeps everything in maps. Nothing survives a restart.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[session.Key]session.Meta
	logs     map[session.Key][]session.Record
	orders   map[string]protocol.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[session.Key]session.Meta),
		logs:     make(map[session.Key][]session.Record),
		orders:   make(map[string]protocol.Order),
	}
}

func (s *MemoryStore) SaveSession(m session.Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[m.Key] = m
	return nil
}

func (s *MemoryStore) AppendLog(k session.Key, rec session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.logs[k]
	for i := range recs {
		if recs[i].Seq == rec.Seq {
			recs[i] = rec
			return nil
		}
	}
	s.logs[k] = append(recs, rec)
	return nil
}

func (s *MemoryStore) LoadSessions() ([]session.Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Meta, 0, len(s.sessions))
	for _, m := range s.sessions {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(sessionKey(out[i].Key)) < string(sessionKey(out[j].Key))
	})
	return out, nil
}

func (s *MemoryStore) LoadLog(k session.Key) ([]session.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]session.Record(nil), s.logs[k]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) DeleteSession(k session.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, k)
	delete(s.logs, k)
	return nil
}

func (s *MemoryStore) SaveOrder(o protocol.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	return nil
}

func (s *MemoryStore) LoadOrders() ([]protocol.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var (
	_ session.Store = (*MemoryStore)(nil)
	_ orders.Store  = (*MemoryStore)(nil)
)
