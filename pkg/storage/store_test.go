package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/uhyunpark/tradewire/pkg/crypto"
	"github.com/uhyunpark/tradewire/pkg/negotiation"
	"github.com/uhyunpark/tradewire/pkg/protocol"
	"github.com/uhyunpark/tradewire/pkg/session"
)

type store interface {
	session.Store
	SaveOrder(o protocol.Order) error
	LoadOrders() ([]protocol.Order, error)
}

func newPebble(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := OpenPebbleStore("db", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("failed to open pebble: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func stores(t *testing.T) map[string]store {
	return map[string]store{
		"pebble": newPebble(t),
		"memory": NewMemoryStore(),
	}
}

func testKey(t *testing.T) session.Key {
	t.Helper()
	id, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return session.Key{OrderID: protocol.NewOrderID(), Counterparty: id.PublicKey()}
}

func TestSessionRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			k := testKey(t)
			meta := session.Meta{
				Key:          k,
				Role:         negotiation.Maker,
				State:        negotiation.Negotiating,
				Order:        protocol.Order{ID: k.OrderID, Instrument: "BTC-USD", Side: protocol.SideSell, Quantity: 1, Status: protocol.StatusPublished},
				TakeID:       "abc",
				LastActivity: 1234,
			}
			if err := s.SaveSession(meta); err != nil {
				t.Fatalf("failed to save session: %v", err)
			}
			// written out of order on purpose; 256 > 255 checks the big endian seq
			for _, seq := range []uint64{256, 0, 1} {
				rec := session.Record{Seq: seq, Outbound: seq == 1, Envelope: json.RawMessage(`{"seq":` + jsonNum(seq) + `}`)}
				if err := s.AppendLog(k, rec); err != nil {
					t.Fatalf("failed to append: %v", err)
				}
			}
			other := testKey(t)
			if err := s.AppendLog(other, session.Record{Seq: 0, Envelope: json.RawMessage(`{}`)}); err != nil {
				t.Fatalf("failed to append: %v", err)
			}

			metas, err := s.LoadSessions()
			if err != nil {
				t.Fatalf("failed to load sessions: %v", err)
			}
			if len(metas) != 1 || metas[0].Key != k || metas[0].State != negotiation.Negotiating || metas[0].Role != negotiation.Maker {
				t.Fatalf("sessions = %+v", metas)
			}

			recs, err := s.LoadLog(k)
			if err != nil {
				t.Fatalf("failed to load log: %v", err)
			}
			want := []uint64{0, 1, 256}
			if len(recs) != len(want) {
				t.Fatalf("records = %d, want %d", len(recs), len(want))
			}
			for i, seq := range want {
				if recs[i].Seq != seq {
					t.Errorf("record %d seq = %d, want %d", i, recs[i].Seq, seq)
				}
			}
			if !recs[1].Outbound || recs[0].Outbound {
				t.Errorf("outbound flags = %v/%v", recs[0].Outbound, recs[1].Outbound)
			}

			if err := s.DeleteSession(k); err != nil {
				t.Fatalf("failed to delete: %v", err)
			}
			if recs, _ := s.LoadLog(k); len(recs) != 0 {
				t.Errorf("log survived delete: %d records", len(recs))
			}
			if recs, _ := s.LoadLog(other); len(recs) != 1 {
				t.Errorf("other session log = %d records, want 1", len(recs))
			}
		})
	}
}

func jsonNum(n uint64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestOrderRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			o := protocol.Order{ID: protocol.NewOrderID(), Instrument: "BTC-USD", Side: protocol.SideBuy, Quantity: 2, Price: 99, Status: protocol.StatusPublished}
			if err := s.SaveOrder(o); err != nil {
				t.Fatalf("failed to save: %v", err)
			}
			o.Status = protocol.StatusCancelled
			if err := s.SaveOrder(o); err != nil {
				t.Fatalf("failed to save: %v", err)
			}
			list, err := s.LoadOrders()
			if err != nil {
				t.Fatalf("failed to load: %v", err)
			}
			if len(list) != 1 || list[0].Status != protocol.StatusCancelled {
				t.Errorf("orders = %+v", list)
			}
		})
	}
}

func TestPebbleLoadOrderMissing(t *testing.T) {
	s := newPebble(t)
	o, err := s.LoadOrder("nope")
	if err != nil || o != nil {
		t.Errorf("LoadOrder = %v, %v; want nil, nil", o, err)
	}
}

// TestRegistryRestoreFromPebble drives a real registry against the store.
func TestRegistryRestoreFromPebble(t *testing.T) {
	s := newPebble(t)
	makerID, _ := crypto.GenerateKey()
	takerID, _ := crypto.GenerateKey()
	order := protocol.Order{
		ID: protocol.NewOrderID(), Instrument: "BTC-USD", Side: protocol.SideSell,
		Quantity: 1, Price: 100, Maker: makerID.PublicKey(), Status: protocol.StatusPublished,
	}
	ctx := context.Background()
	book := &staticBook{order: order}
	reg := session.NewRegistry(makerID, nopSender{}, book, s, nil, session.DefaultConfig())

	take, err := protocol.Encode(&protocol.OrderTake{Quantity: 1}, takerID, protocol.Header{
		Correlator: protocol.Correlator{OrderID: order.ID, Taker: takerID.PublicKey()},
		Recipient:  makerID.PublicKey(),
	})
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	if err := reg.Route(ctx, take); err != nil {
		t.Fatalf("failed to route: %v", err)
	}
	key := session.Key{OrderID: order.ID, Counterparty: takerID.PublicKey()}
	if err := reg.Respond(ctx, key, protocol.ResponseAccepted); err != nil {
		t.Fatalf("failed to respond: %v", err)
	}

	restarted := session.NewRegistry(makerID, nopSender{}, book, s, nil, session.DefaultConfig())
	n, err := restarted.Restore()
	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	if st, _ := restarted.State(key); st != negotiation.Negotiating {
		t.Errorf("restored state = %s, want negotiating", st)
	}
}

type staticBook struct{ order protocol.Order }

func (b *staticBook) Get(id string) (protocol.Order, bool) {
	return b.order, id == b.order.ID
}

func (b *staticBook) MarkTaken(_ context.Context, _ string) error { return nil }

type nopSender struct{}

func (nopSender) SendDirect(context.Context, crypto.PubKey, *protocol.Envelope) error { return nil }

func TestFileJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := NewFileJournal(path)
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	for _, line := range []string{"a -> b", "b -> c"} {
		if err := j.Append(line); err != nil {
			t.Fatalf("failed to append: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	if err := j.Append("c -> d"); err == nil {
		t.Error("append to a closed journal reported no error")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if got := strings.Split(strings.TrimSpace(string(b)), "\n"); len(got) != 2 || got[1] != "b -> c" {
		t.Errorf("journal lines = %q", got)
	}
}
