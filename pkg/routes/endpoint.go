// Package routes implements the link registry and route table: the
// switch's only view of "where can this frame go" (spec §4.4).
package routes

import (
	"context"
	"sync"

	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/wire"
)

// Envelope is the canonical in-process representation of a frame: its
// decoded header plus the raw payload bytes (spec §3 InMemoryEnvelope).
type Envelope struct {
	Header  wire.CarrierFrameHeader
	Payload []byte
}

// Endpoint is the single capability abstraction every link driver
// implements (spec §9 "Dynamic dispatch over endpoint drivers"): a TCP
// overlay, UDP broadcast, in-memory, or Wi-Fi Direct driver all look the
// same to the switch.
type Endpoint interface {
	// Send transmits env to the given Neighbour of this endpoint.
	// NeighbourDrop is never passed; switch/routes code filters it first.
	Send(ctx context.Context, env Envelope, n rid.Neighbour) error
	// Next blocks until the next inbound envelope arrives on this
	// endpoint, along with the Neighbour it arrived from.
	Next(ctx context.Context) (env Envelope, from rid.Neighbour, err error)
	// SizeHint returns this endpoint's MTU. Nothing in this router
	// consults it; outbound blocks are never split across carrier frames.
	SizeHint() int
	// Metadata returns a short human-readable driver identity, used in
	// status queries and logs.
	Metadata() string
}

// LinksMap is the registry of currently-attached endpoints, keyed by an
// endpoint id assigned at registration (spec §4.4 LinksMap). Endpoints are
// inserted at driver registration and removed by Remove, which the IPC
// link.remove operation calls at runtime. Reads are not lock-free: Get
// takes the read lock for each lookup, and Snapshot copies the map under
// it.
type LinksMap struct {
	mu    sync.RWMutex
	links map[string]Endpoint
}

func NewLinksMap() *LinksMap {
	return &LinksMap{links: make(map[string]Endpoint)}
}

func (l *LinksMap) Register(id string, ep Endpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.links[id] = ep
}

func (l *LinksMap) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.links, id)
}

func (l *LinksMap) Get(id string) (Endpoint, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ep, ok := l.links[id]
	return ep, ok
}

// Snapshot returns the current id->Endpoint set. Callers must not mutate
// the returned map.
func (l *LinksMap) Snapshot() map[string]Endpoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Endpoint, len(l.links))
	for k, v := range l.links {
		out[k] = v
	}
	return out
}
