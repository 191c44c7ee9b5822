package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/uhyunpark/tradewire/pkg/protocol"
)

func startRelayServer(t *testing.T) (*Server, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(100)
	go srv.Run(ctx)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestWSRelayPublishAndSubscribe(t *testing.T) {
	srv, url := startRelayServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	makerRelay := NewWSRelay(url)
	defer makerRelay.Close()
	takerRelay := NewWSRelay(url)
	defer takerRelay.Close()

	maker := newTestComm(t, makerRelay)
	taker := newTestComm(t, takerRelay)

	early := orderEnvelope(t, maker)
	if err := maker.Publish(ctx, early); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
	if srv.Len() != 1 {
		t.Errorf("relay history = %d, want 1", srv.Len())
	}

	stream := taker.Subscribe(ctx, protocol.Filter{Kinds: []protocol.Kind{protocol.KindOrder}, Side: protocol.SideSell})

	// history replay
	if in := recv(t, stream); in.Envelope == nil || in.Envelope.ID != early.ID {
		t.Fatalf("replayed inbound = %+v", in)
	}

	// live fan-out
	late := orderEnvelope(t, maker)
	if err := maker.Publish(ctx, late); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
	if in := recv(t, stream); in.Envelope == nil || in.Envelope.ID != late.ID {
		t.Fatalf("live inbound = %+v", in)
	}
}

func TestWSRelayRejectsInvalidEnvelope(t *testing.T) {
	_, url := startRelayServer(t)
	r := NewWSRelay(url)
	defer r.Close()

	c := newTestComm(t)
	env := orderEnvelope(t, c)
	env.Content = []byte(`{"tampered":true}`)
	raw, _ := env.Marshal()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := r.Publish(ctx, raw)
	if err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Errorf("err = %v, want relay rejection", err)
	}
}

func TestWSRelayRedialsAfterClose(t *testing.T) {
	_, url := startRelayServer(t)
	r := NewWSRelay(url)
	defer r.Close()

	c := newTestComm(t, r)
	ctx := context.Background()
	if err := c.Publish(ctx, orderEnvelope(t, c)); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
	r.Close()
	if err := c.Publish(ctx, orderEnvelope(t, c)); err != nil {
		t.Fatalf("publish after close should redial: %v", err)
	}
}

func TestWSRelayOverlappingPublishesAllAcked(t *testing.T) {
	_, url := startRelayServer(t)
	r := NewWSRelay(url)
	defer r.Close()

	c := newTestComm(t)
	raw, err := orderEnvelope(t, c).Marshal()
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	const attempts = 4
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() { errs <- r.Publish(ctx, raw) }()
	}
	for i := 0; i < attempts; i++ {
		if err := <-errs; err != nil {
			t.Errorf("attempt failed: %v", err)
		}
	}
}
