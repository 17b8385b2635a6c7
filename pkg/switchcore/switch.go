// Package switchcore implements the switch: the single logical consumer
// of inbound frames from every registered endpoint, responsible for
// flood de-duplication and forward/deliver decisions (spec §4.5).
package switchcore

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/journal"
	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/routes"
	"github.com/ratman-router/ratman/pkg/wire"
)

// inboundQueueSize is the default per-endpoint bounded queue depth (spec
// §4.5 "each endpoint's inbound queue is bounded (default 1024
// envelopes)").
const inboundQueueSize = 1024

// Local is the switch's view of locally-registered addresses/namespaces,
// answered by the journal's addrs partition in production but kept as a
// narrow interface so tests can fake it.
type Local interface {
	IsLocalAddress(addr rid.Address) bool
	IsLocalNamespace(ns rid.Ident32) bool
}

// Collector receives frames addressed to a local recipient (spec §4.5
// step 2 "pass to the collector; do not forward").
type Collector interface {
	Accept(ctx context.Context, env routes.Envelope)
}

// Switch is the single logical switch described in spec §4.5.
type Switch struct {
	links     *routes.LinksMap
	table     *routes.RouteTable
	journal   *journal.Journal
	local     Local
	collector Collector
	log       zerolog.Logger

	inbound map[string]chan inboundEnvelope
	mu      sync.Mutex

	m switchMetrics
}

// WritePrometheus writes this Switch's metrics in Prometheus text format.
func (s *Switch) WritePrometheus(w io.Writer) {
	s.m.set.WritePrometheus(w)
}

type switchMetrics struct {
	set             *metrics.Set
	floodsTotal     *metrics.Counter
	deliveredTotal  *metrics.Counter
	forwardedTotal  *metrics.Counter
	droppedDupTotal *metrics.Counter
	droppedUnknown  *metrics.Counter
	deferredTotal   *metrics.Counter
	queueDropsTotal *metrics.Counter
}

func newSwitchMetrics() switchMetrics {
	s := metrics.NewSet()
	return switchMetrics{
		set:             s,
		floodsTotal:     s.NewCounter(`ratman_switch_floods_total`),
		deliveredTotal:  s.NewCounter(`ratman_switch_delivered_total`),
		forwardedTotal:  s.NewCounter(`ratman_switch_forwarded_total`),
		droppedDupTotal: s.NewCounter(`ratman_switch_dropped_total{reason="duplicate"}`),
		droppedUnknown:  s.NewCounter(`ratman_switch_dropped_total{reason="unknown"}`),
		deferredTotal:   s.NewCounter(`ratman_switch_deferred_total`),
		queueDropsTotal: s.NewCounter(`ratman_switch_queue_drops_total`),
	}
}

type inboundEnvelope struct {
	env  routes.Envelope
	from rid.Neighbour
	via  string
}

// New constructs a Switch. Endpoints must be registered with
// RegisterEndpoint before their frames are consumed.
func New(links *routes.LinksMap, table *routes.RouteTable, j *journal.Journal, local Local, collector Collector, log zerolog.Logger) *Switch {
	return &Switch{
		links:     links,
		table:     table,
		journal:   j,
		local:     local,
		collector: collector,
		log:       log,
		inbound:   make(map[string]chan inboundEnvelope),
		m:         newSwitchMetrics(),
	}
}

// RegisterEndpoint starts a recv pump task for ep (spec §5 "each
// endpoint's receive pump... is an independent task") and registers its
// bounded inbound queue. The pump runs until ctx is cancelled or ep.Next
// returns an error.
func (s *Switch) RegisterEndpoint(ctx context.Context, id string, ep routes.Endpoint) {
	s.links.Register(id, ep)

	q := make(chan inboundEnvelope, inboundQueueSize)
	s.mu.Lock()
	s.inbound[id] = q
	s.mu.Unlock()

	go s.recvPump(ctx, id, ep, q)
	go s.dispatchLoop(ctx, id, q)
}

func (s *Switch) recvPump(ctx context.Context, id string, ep routes.Endpoint, q chan inboundEnvelope) {
	for {
		env, from, err := ep.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Str("endpoint", id).Err(err).Msg("endpoint recv pump failed")
			return
		}
		select {
		case q <- inboundEnvelope{env: env, from: from, via: id}:
		default:
			// Backpressure: prefer dropping duplicates and already-journaled
			// frames (spec §4.5). A cheap local approximation: drop the new
			// arrival rather than evicting what's already queued, since the
			// seen-set will independently suppress true duplicates once
			// they're processed.
			s.m.queueDropsTotal.Inc()
		}
	}
}

func (s *Switch) dispatchLoop(ctx context.Context, id string, q chan inboundEnvelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case ie, ok := <-q:
			if !ok {
				return
			}
			s.handle(ctx, ie)
		}
	}
}

// handle implements spec §4.5's per-frame decision tree.
func (s *Switch) handle(ctx context.Context, ie inboundEnvelope) {
	h := ie.env.Header
	switch h.Modes {
	case wire.ModeAnnounce:
		s.handleAnnounce(ctx, ie)
	case wire.ModeData, wire.ModeManifest:
		s.handleDataOrManifest(ctx, ie)
	default:
		s.m.droppedUnknown.Inc()
	}
}

func (s *Switch) handleAnnounce(ctx context.Context, ie inboundEnvelope) {
	h := ie.env.Header

	// The route table learns from every arrival, even a re-announcement
	// already flooded once: a second copy reaching us over a different
	// link is a genuine alternate next-hop (spec §8 S4), not noise. Only
	// re-flooding is deduped below.
	af := decodeAnnounce(h, ie.env.Payload)
	s.table.RegisterAnnouncement(af, ie.via, neighbourID(ie.from))

	seenKey := announceSeenKey(h.Sender)
	seen, err := s.journal.HasSeen(ctx, seenKey)
	if err != nil {
		s.log.Error().Err(err).Msg("switch: has_seen failed for announce")
		return
	}
	if seen {
		s.m.droppedDupTotal.Inc()
		return
	}
	if err := s.journal.MarkSeen(ctx, seenKey); err != nil {
		s.log.Error().Err(err).Msg("switch: mark_seen failed for announce")
	}

	s.floodExcept(ctx, ie.env, ie.from)
	s.m.floodsTotal.Inc()
}

func (s *Switch) handleDataOrManifest(ctx context.Context, ie inboundEnvelope) {
	h := ie.env.Header
	if h.SeqID == nil {
		s.m.droppedUnknown.Inc()
		return
	}

	seenKey := string(h.Sender.Slice()) + string(h.SeqID.Key()[:])
	seen, err := s.journal.HasSeen(ctx, seenKey)
	if err != nil {
		s.log.Error().Err(err).Msg("switch: has_seen failed")
		return
	}
	if seen {
		s.m.droppedDupTotal.Inc()
		return
	}
	if err := s.journal.MarkSeen(ctx, seenKey); err != nil {
		s.log.Error().Err(err).Msg("switch: mark_seen failed")
	}

	if h.Recipient == nil {
		s.m.droppedUnknown.Inc()
		return
	}

	if s.isLocal(*h.Recipient) {
		s.collector.Accept(ctx, ie.env)
		s.m.deliveredTotal.Inc()
		return
	}

	if h.Recipient.IsNamespace() {
		s.floodExcept(ctx, ie.env, ie.from)
		return
	}

	s.routeOrDefer(ctx, ie.env)
}

// routeOrDefer forwards env to the best next hop for its recipient address,
// falling back through alternates, and journals it as a deferred frame if
// every hop fails (spec §4.5). No task re-sends deferred frames once a
// route appears; they stay in the journal. Shared by frames arriving from a peer
// endpoint and frames originated locally by the IPC send namespace.
func (s *Switch) routeOrDefer(ctx context.Context, env routes.Envelope) {
	addr := env.Header.Recipient.Address()
	if linkID, nb, ok := s.table.Select(addr); ok {
		if s.forward(ctx, linkID, env, rid.Single(nb)) {
			s.m.forwardedTotal.Inc()
			return
		}
		for _, alt := range s.table.Alternates(addr) {
			if alt.LinkID == linkID && alt.NeighbourID == nb {
				continue
			}
			if s.forward(ctx, alt.LinkID, env, rid.Single(alt.NeighbourID)) {
				s.m.forwardedTotal.Inc()
				return
			}
		}
	}

	if _, err := s.journal.InsertFrame(ctx, addr.String(), encodeEnvelope(env), true); err != nil {
		s.log.Error().Err(err).Msg("switch: failed to defer undeliverable frame")
		return
	}
	s.m.deferredTotal.Inc()
}

// Originate injects a locally-produced frame (from the IPC send namespace)
// into the switch as if it had just been decided for forwarding: delivered
// directly to the collector if the recipient is local, flooded if it's a
// namespace, otherwise routed with the same fallback-through-alternates and
// defer-on-failure behavior as a peer-forwarded frame. Unlike peer-arriving
// frames, no seen-set check is applied: this is the frame's first
// appearance anywhere in the network.
func (s *Switch) Originate(ctx context.Context, env routes.Envelope) error {
	h := env.Header
	if h.Recipient == nil {
		return rerrs.New(rerrs.KindEncoding, "switchcore.originate", fmt.Errorf("frame has no recipient"))
	}
	if s.isLocal(*h.Recipient) {
		s.collector.Accept(ctx, env)
		s.m.deliveredTotal.Inc()
		return nil
	}
	if h.Recipient.IsNamespace() {
		// Locally originated: there is no incoming peer to exclude from the
		// flood, unlike a frame the switch is re-flooding on a peer's behalf.
		s.floodExcept(ctx, env, rid.Flood())
		s.m.floodsTotal.Inc()
		return nil
	}
	s.routeOrDefer(ctx, env)
	return nil
}

// Announce floods a locally-originated ANNOUNCE frame to every registered
// link (spec §4.4: the address-announcer periodically advertises each
// locally-up address). Unlike Originate, an announce frame carries no
// recipient and is never routed to a single next hop — it always floods,
// the same way a peer-arriving announce is re-flooded once accepted.
func (s *Switch) Announce(ctx context.Context, env routes.Envelope) {
	s.floodExcept(ctx, env, rid.Flood())
	s.m.floodsTotal.Inc()
}

func (s *Switch) forward(ctx context.Context, linkID string, env routes.Envelope, n rid.Neighbour) bool {
	ep, ok := s.links.Get(linkID)
	if !ok {
		return false
	}
	if err := ep.Send(ctx, env, n); err != nil {
		return false
	}
	return true
}

func (s *Switch) floodExcept(ctx context.Context, env routes.Envelope, from rid.Neighbour) {
	var exclude rid.Neighbour
	if from.Kind == rid.NeighbourSingle {
		exclude = rid.FloodExcept(from.AssumeSingle())
	} else {
		exclude = rid.Flood()
	}
	for id, ep := range s.links.Snapshot() {
		if err := ep.Send(ctx, env, exclude); err != nil {
			s.log.Debug().Str("endpoint", id).Err(err).Msg("switch: flood send failed")
		}
	}
}

func (s *Switch) isLocal(r rid.Recipient) bool {
	if r.IsNamespace() {
		return s.local.IsLocalNamespace(r.Namespace())
	}
	return s.local.IsLocalAddress(r.Address())
}

func announceSeenKey(origin rid.Address) string {
	return "announce:" + origin.String()
}

func decodeAnnounce(h wire.CarrierFrameHeader, payload []byte) routes.AnnounceFrame {
	return routes.AnnounceFrame{Origin: rid.Address(h.Sender), MTU: len(payload)}
}

func encodeEnvelope(env routes.Envelope) []byte {
	buf, err := wire.EncodeFrame(env.Header, env.Payload, 0)
	if err != nil {
		// Can't happen: env was already successfully decoded from the wire,
		// so re-encoding the same header/payload cannot fail validation.
		panic("switchcore: re-encode of a previously decoded frame failed: " + err.Error())
	}
	return buf
}

// neighbourID extracts an originating neighbour id for route-table
// bookkeeping; floods and drops carry no single origin id, so the zero
// value is recorded instead.
func neighbourID(n rid.Neighbour) rid.Ident32 {
	if n.Kind == rid.NeighbourSingle {
		return n.AssumeSingle()
	}
	return rid.Ident32{}
}
