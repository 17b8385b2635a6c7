package routes

import (
	"sync"
	"time"

	"github.com/ratman-router/ratman/internal/clock"
	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/rid"
)

// State is a RouteEntry's liveness (spec §3 RouteEntry, §4.4 transitions).
type State int

const (
	StateActive State = iota
	StateIdle
	StateLost
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Idle and lost thresholds from spec §4.4: "idle > 30s, lost > 300s".
const (
	IdleThreshold = 30 * time.Second
	LostThreshold = 300 * time.Second
)

// nextHop is one alternate path to a remote address: which link and which
// neighbour over that link.
type nextHop struct {
	linkID      string
	neighbourID rid.Ident32
	ping        time.Duration
}

// RouteEntry is the live record for one remote Address (spec §3). Trust is
// not part of spec.md's RouteEntry; it is the original implementation's
// PeerQuery trust_filter concept (ratman/libratman/src/api/types/peer.rs)
// folded in so peer.query can narrow results by it, defaulting to 0
// (untrusted) for any route this router has never been told to trust.
type RouteEntry struct {
	Address   rid.Address
	State     State
	FirstSeen time.Time
	LastSeen  time.Time
	MTU       int
	Trust     uint8
	hops      []nextHop // MRU-first deque of alternate next-hops
}

// AnnounceFrame is the decoded payload of an ANNOUNCE carrier frame (spec
// §3). Signature verification is delegated to a Verifier the caller
// supplies (crypto primitive choice is explicitly out of scope, spec §1).
type AnnounceFrame struct {
	Origin    rid.Address
	OriginTS  time.Time
	Signature []byte
	MTU       int
}

// Scorer updates ping measurements as fresh announcements arrive (spec
// §4.4 "Announcement scoring"). Implementations must not block.
type Scorer interface {
	// Observe returns the estimated ping for a next-hop given a freshly
	// measured one-way propagation delta.
	Observe(previous time.Duration, delta time.Duration) time.Duration
}

// EWMAScorer is the default Scorer: exponentially weighted moving average
// with the spec's documented alpha (§4.4, DESIGN.md open question #2).
type EWMAScorer struct {
	Alpha float64
}

func (s EWMAScorer) Observe(previous, delta time.Duration) time.Duration {
	if previous == 0 {
		return delta
	}
	a := s.Alpha
	if a <= 0 || a > 1 {
		a = 0.2
	}
	return time.Duration(a*float64(delta) + (1-a)*float64(previous))
}

// RouteTable maps Address -> RouteEntry (spec §3, §4.4). It is the sole
// mutator of route entries; all writers are announcements and timeouts
// (spec §5 "Route table: single write-lock, many read-locks").
type RouteTable struct {
	mu     sync.RWMutex
	clk    clock.Clock
	scorer Scorer
	routes map[rid.Address]*RouteEntry
}

// NewRouteTable constructs an empty RouteTable. A nil scorer defaults to
// EWMAScorer{Alpha: 0.2}; a nil clock defaults to clock.System{}.
func NewRouteTable(scorer Scorer, clk clock.Clock) *RouteTable {
	if scorer == nil {
		scorer = EWMAScorer{Alpha: 0.2}
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &RouteTable{clk: clk, scorer: scorer, routes: make(map[rid.Address]*RouteEntry)}
}

// RegisterAnnouncement updates the route table with a freshly-received,
// already-verified announcement (spec §4.4 register_announcement). fresh
// reports whether addr had no entry or its entry was not Active before
// this call; a new link or neighbour for an already Active entry is not
// fresh. The switch ignores the value and decides re-flooding by its own
// seen-set.
func (t *RouteTable) RegisterAnnouncement(a AnnounceFrame, viaLink string, viaNeighbour rid.Ident32) (fresh bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	e, ok := t.routes[a.Origin]
	if !ok {
		e = &RouteEntry{Address: a.Origin, FirstSeen: now}
		t.routes[a.Origin] = e
		fresh = true
	}

	prevState := e.State
	e.LastSeen = now
	e.MTU = a.MTU
	e.State = StateActive
	fresh = fresh || prevState != StateActive

	var delta time.Duration
	if !a.OriginTS.IsZero() && now.After(a.OriginTS) {
		delta = now.Sub(a.OriginTS)
	}
	e.promoteHop(viaLink, viaNeighbour, t.scorer, delta)
	return fresh
}

// promoteHop records (linkID, neighbourID) as the MRU next-hop, appending
// it as a new alternate if not already known (spec §4.4 "deque of
// alternates, MRU first"), and feeds the announcement's propagation delta
// through the scorer to update that hop's ping estimate.
func (e *RouteEntry) promoteHop(linkID string, neighbourID rid.Ident32, scorer Scorer, delta time.Duration) {
	for i, h := range e.hops {
		if h.linkID == linkID && h.neighbourID == neighbourID {
			h.ping = scorer.Observe(h.ping, delta)
			e.hops = append(e.hops[:i], e.hops[i+1:]...)
			e.hops = append([]nextHop{h}, e.hops...)
			return
		}
	}
	e.hops = append([]nextHop{{linkID: linkID, neighbourID: neighbourID, ping: delta}}, e.hops...)
}

// Select returns the preferred (linkID, neighbourID) for addr: lowest
// measured ping, ties broken by lexicographic link id (spec §4.4).
func (t *RouteTable) Select(addr rid.Address) (linkID string, neighbourID rid.Ident32, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, exists := t.routes[addr]
	if !exists || len(e.hops) == 0 || e.State == StateLost {
		return "", rid.Ident32{}, false
	}
	best := e.hops[0]
	for _, h := range e.hops[1:] {
		if h.ping < best.ping || (h.ping == best.ping && h.linkID < best.linkID) {
			best = h
		}
	}
	return best.linkID, best.neighbourID, true
}

// NextHop names one path to a remote address.
type NextHop struct {
	LinkID      string
	NeighbourID rid.Ident32
}

// Alternates returns every known next-hop for addr, MRU-first, for
// forwarding fallback (spec §4.5 "on send failure, fall back to alternate
// neighbours in order").
func (t *RouteTable) Alternates(addr rid.Address) []NextHop {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.routes[addr]
	if !ok {
		return nil
	}
	out := make([]NextHop, 0, len(e.hops))
	for _, h := range e.hops {
		out = append(out, NextHop{h.linkID, h.neighbourID})
	}
	return out
}

// Lookup returns a copy of addr's current RouteEntry.
func (t *RouteTable) Lookup(addr rid.Address) (RouteEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.routes[addr]
	if !ok {
		return RouteEntry{}, false
	}
	return *e, true
}

// SetTrust records a trust score for addr, for later peer.query
// trust_filter narrowing. Returns false if addr has no route yet.
func (t *RouteTable) SetTrust(addr rid.Address, trust uint8) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.routes[addr]
	if !ok {
		return false
	}
	e.Trust = trust
	return true
}

// List returns a copy of every known route, for the IPC peer.list/status
// operations (spec §4.7).
func (t *RouteTable) List() []RouteEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RouteEntry, 0, len(t.routes))
	for _, e := range t.routes {
		out = append(out, *e)
	}
	return out
}

// Sweep transitions entries Active->Idle->Lost based on elapsed time since
// LastSeen (spec §4.4). It is meant to be called periodically by a
// background task. Lost entries are retained (not deleted) so a later
// announcement can revive them with full history; deletion is an explicit
// operator action, mirroring how addresses are only destroyed via
// addr_delete.
func (t *RouteTable) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clk.Now()
	for _, e := range t.routes {
		since := now.Sub(e.LastSeen)
		switch {
		case since > LostThreshold:
			e.State = StateLost
		case since > IdleThreshold:
			if e.State == StateActive {
				e.State = StateIdle
			}
		}
	}
}

// ErrNoRoute is for callers that need an explicit error rather than an
// ok-bool; nothing in this module returns it.
var ErrNoRoute = rerrs.ErrNoRoute
