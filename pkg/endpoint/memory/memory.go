// Package memory implements an in-process routes.Endpoint pair connected
// by buffered channels instead of a real transport (spec §9 "Dynamic
// dispatch over endpoint drivers"). It exists for tests and for wiring two
// routers running in the same process together without a real network
// hop, the same role the original implementation's netmod-mem gives its
// test suite.
package memory

import (
	"context"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/routes"
)

// frame is one envelope in flight on a memory link, tagged with the
// Neighbour it was sent to so Next can hand it back unmodified.
type frame struct {
	env  routes.Envelope
	to   rid.Neighbour
}

// Endpoint is one end of a memory-backed link. Sending on one end makes
// the frame available to Next on the other.
type Endpoint struct {
	out chan<- frame
	inc <-chan frame
	mtu int
	id  string
}

// NewPair builds two Endpoints wired to each other, mirroring netmod-mem's
// Io::make_pair: everything sent on a is delivered to b's Next, and vice
// versa. mtu bounds SizeHint; aID/bID only label Metadata.
func NewPair(aID, bID string, mtu int) (a, b *Endpoint) {
	aToB := make(chan frame, 1)
	bToA := make(chan frame, 1)
	a = &Endpoint{out: aToB, inc: bToA, mtu: mtu, id: aID}
	b = &Endpoint{out: bToA, inc: aToB, mtu: mtu, id: bID}
	return a, b
}

// Send implements routes.Endpoint.
func (e *Endpoint) Send(ctx context.Context, env routes.Envelope, n rid.Neighbour) error {
	select {
	case e.out <- frame{env: env, to: n}:
		return nil
	case <-ctx.Done():
		return rerrs.New(rerrs.KindIO, "endpoint.memory.send", ctx.Err())
	}
}

// Next implements routes.Endpoint.
func (e *Endpoint) Next(ctx context.Context) (routes.Envelope, rid.Neighbour, error) {
	select {
	case f, ok := <-e.inc:
		if !ok {
			return routes.Envelope{}, rid.Neighbour{}, rerrs.New(rerrs.KindIO, "endpoint.memory.next", rerrs.ErrClosed)
		}
		return f.env, f.to, nil
	case <-ctx.Done():
		return routes.Envelope{}, rid.Neighbour{}, rerrs.New(rerrs.KindIO, "endpoint.memory.next", ctx.Err())
	}
}

// SizeHint implements routes.Endpoint.
func (e *Endpoint) SizeHint() int { return e.mtu }

// Metadata implements routes.Endpoint.
func (e *Endpoint) Metadata() string { return "memory:" + e.id }
