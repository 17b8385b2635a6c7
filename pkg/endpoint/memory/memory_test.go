package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/routes"
	"github.com/ratman-router/ratman/pkg/wire"
)

func TestPairDeliversBothDirections(t *testing.T) {
	a, b := NewPair("a", "b", 1400)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sent := routes.Envelope{Header: wire.CarrierFrameHeader{Sender: rid.RandomAddress()}, Payload: []byte("hi")}
	if err := a.Send(ctx, sent, rid.Single(rid.Random())); err != nil {
		t.Fatalf("send a->b: %v", err)
	}
	got, _, err := b.Next(ctx)
	if err != nil {
		t.Fatalf("next on b: %v", err)
	}
	if string(got.Payload) != "hi" {
		t.Fatalf("b received %q, want %q", got.Payload, "hi")
	}

	reply := routes.Envelope{Header: wire.CarrierFrameHeader{Sender: rid.RandomAddress()}, Payload: []byte("bye")}
	if err := b.Send(ctx, reply, rid.Single(rid.Random())); err != nil {
		t.Fatalf("send b->a: %v", err)
	}
	got, _, err = a.Next(ctx)
	if err != nil {
		t.Fatalf("next on a: %v", err)
	}
	if string(got.Payload) != "bye" {
		t.Fatalf("a received %q, want %q", got.Payload, "bye")
	}
}

func TestNextRespectsContextCancellation(t *testing.T) {
	a, _ := NewPair("a", "b", 1400)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := a.Next(ctx); err == nil {
		t.Fatalf("expected Next to return an error once ctx expires with nothing sent")
	}
}
