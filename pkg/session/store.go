package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uhyunpark/tradewire/pkg/negotiation"
	"github.com/uhyunpark/tradewire/pkg/protocol"
)

// Meta is the persisted summary of a session.
type Meta struct {
	Key          Key               `json:"key"`
	Role         negotiation.Role  `json:"role"`
	State        negotiation.State `json:"state"`
	Order        protocol.Order    `json:"order"`
	TakeID       string            `json:"take_id,omitempty"`
	LastActivity int64             `json:"last_activity"` // unix ms
}

// Record is one persisted log entry. Envelope holds the wire bytes.
type Record struct {
	Seq      uint64          `json:"seq"`
	Outbound bool            `json:"outbound"`
	Envelope json.RawMessage `json:"envelope"`
}

// Store persists session metadata and logs. Records of one key are
// returned in Seq order.
type Store interface {
	SaveSession(m Meta) error
	AppendLog(k Key, rec Record) error
	LoadSessions() ([]Meta, error)
	LoadLog(k Key) ([]Record, error)
	DeleteSession(k Key) error
}

// Restore rebuilds non-terminal sessions from the store by replaying their
// logs. Terminal sessions found in the store are deleted.
func (r *Registry) Restore() (int, error) {
	if r.store == nil {
		return 0, nil
	}
	metas, err := r.store.LoadSessions()
	if err != nil {
		return 0, fmt.Errorf("failed to load sessions: %w", err)
	}

	restored := 0
	for _, meta := range metas {
		if meta.State.IsTerminal() {
			r.deleteStored(meta.Key)
			continue
		}
		e, err := r.replay(meta)
		if err != nil {
			r.log().Errorw("session_restore_failed", "session", meta.Key.String(), "err", err)
			continue
		}
		if cur := r.insert(e); cur != e {
			continue
		}
		restored++
		r.log().Infow("session_restored", "session", meta.Key.String(), "role", meta.Role, "state", e.m.State(), "entries", e.m.Len())
	}
	r.Metrics.SetActive(r.countActive())
	return restored, nil
}

func (r *Registry) replay(meta Meta) (*entry, error) {
	var m *negotiation.Machine
	switch meta.Role {
	case negotiation.Maker:
		m = negotiation.NewMaker(meta.Order, r.id.PublicKey(), meta.Key.Counterparty, r.cfg.Negotiation)
	case negotiation.Taker:
		m = negotiation.NewTaker(meta.Order, r.id.PublicKey(), r.cfg.Negotiation)
	default:
		return nil, fmt.Errorf("unknown role %s", meta.Role)
	}

	records, err := r.store.LoadLog(meta.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load log: %w", err)
	}
	for _, rec := range records {
		env, err := protocol.Decode(rec.Envelope)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", rec.Seq, err)
		}
		from := negotiation.Remote
		if rec.Outbound {
			from = negotiation.Local
		}
		if _, err := m.Apply(env, from); err != nil {
			return nil, fmt.Errorf("record %d: %w", rec.Seq, err)
		}
	}
	// settlement steps are not envelopes and only show in the meta state
	if meta.State == negotiation.Finalizing && m.State() == negotiation.Accepted {
		if _, err := m.BeginSettlement(); err != nil {
			return nil, err
		}
	}
	if m.State() != meta.State {
		// meta is written after the log, so the log wins
		r.log().Warnw("session_state_drift", "session", meta.Key.String(), "replayed", m.State(), "stored", meta.State)
	}
	return &entry{
		key:          meta.Key,
		m:            m,
		lastActivity: time.UnixMilli(meta.LastActivity),
	}, nil
}
