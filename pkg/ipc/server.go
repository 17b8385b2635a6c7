// Package ipc implements the local microframe socket the ratcat/ratctl
// clients and embedding applications speak to a running router (spec
// §4.7): address and route management, send/receive, and link control,
// grouped by namespace.
package ipc

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/collector"
	"github.com/ratman-router/ratman/pkg/journal"
	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/routes"
	"github.com/ratman-router/ratman/pkg/switchcore"
)

// DefaultAddr is the IPC socket's default bind address (spec §6).
const DefaultAddr = "127.0.0.1:5852"

// HandshakeTimeout bounds how long a freshly accepted connection has to
// answer HELLO with a matching major version (spec §4.7, §8 S6).
const HandshakeTimeout = 10 * time.Second

// Server is the IPC endpoint described in spec §4.7. One Server serves all
// connections for a single router process.
type Server struct {
	journal *journal.Journal
	table   *routes.RouteTable
	links   *routes.LinksMap
	sw      *switchcore.Switch
	coll    *collector.BlockCollector
	log     zerolog.Logger

	auth     *authTable
	contacts *contactBook

	mu      sync.Mutex
	subs    map[rid.Address]map[*conn]struct{}
	waiters map[rid.Address][]chan collector.Delivery

	addrsMu sync.Mutex
	active  map[rid.Address]bool // locally up'd addresses (spec §4.7 addr.up/down)

	linksMu     sync.Mutex
	linkActive  map[string]bool // locally up'd link ids (spec §4.7 link.up/down)
}

// NewServer constructs a Server. The Switch, Journal, and RouteTable must
// already be wired to the router's endpoints.
func NewServer(j *journal.Journal, table *routes.RouteTable, links *routes.LinksMap, sw *switchcore.Switch, coll *collector.BlockCollector, log zerolog.Logger) *Server {
	return &Server{
		journal:  j,
		table:    table,
		links:    links,
		sw:       sw,
		coll:     coll,
		log:      log,
		auth:     newAuthTable(),
		contacts: newContactBook(),
		subs:     make(map[rid.Address]map[*conn]struct{}),
		waiters:  make(map[rid.Address][]chan collector.Delivery),
		active:     make(map[rid.Address]bool),
		linkActive: make(map[string]bool),
	}
}

// AttachSwitch sets the Switch this Server routes originated sends
// through. It exists because Server and Switch are mutually dependent at
// construction time (the Switch needs a switchcore.Local, which Server
// implements): callers build the Server first with a nil switch, build
// the Switch with that Server as its Local, then call AttachSwitch before
// serving any connections. Not safe to call concurrently with Serve.
func (s *Server) AttachSwitch(sw *switchcore.Switch) {
	s.sw = sw
}

// WritePrometheus aggregates this Server's metrics with those of every
// subsystem it owns, in Prometheus text format. There is no HTTP /metrics
// route (spec §4.7 status.system is the operator-facing aggregation
// surface instead); this exists for an embedder that wants to expose its
// own route.
func (s *Server) WritePrometheus(w io.Writer) {
	s.journal.WritePrometheus(w)
	io.WriteString(w, "\n")
	s.sw.WritePrometheus(w)
	io.WriteString(w, "\n")
	s.coll.WritePrometheus(w)
	io.WriteString(w, "\n")
	s.auth.set.WritePrometheus(w)
}

// ListenAndServe binds addr and serves connections until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return rerrs.New(rerrs.KindFatal, "ipc.listen", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln (spec §5 "each IPC connection is an
// independent task") until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return rerrs.New(rerrs.KindIO, "ipc.accept", err)
		}
		c := newConn(s, nc)
		go c.serve(ctx)
	}
}

// Deliver implements collector.Sink: it fans a completed Delivery out to
// every connection currently subscribed to its recipient (spec §4.6 "push
// to all IPC subscribers of that recipient").
func (s *Server) Deliver(ctx context.Context, recipient string, d collector.Delivery) {
	addr, err := rid.ParseAddress(recipient)
	if err != nil {
		s.log.Warn().Str("recipient", recipient).Msg("ipc: delivery for unparsable recipient address")
		return
	}

	s.mu.Lock()
	targets := make([]*conn, 0, len(s.subs[addr]))
	for c := range s.subs[addr] {
		targets = append(targets, c)
	}
	waiting := s.waiters[addr]
	delete(s.waiters, addr)
	s.mu.Unlock()

	for _, c := range targets {
		c.pushDelivery(addr, d)
	}
	for _, ch := range waiting {
		ch <- d
	}
}

// addWaiter registers a one-shot recv.one waiter for addr (spec §4.7
// "recv.one(auth, addr, recipient) -> (Letterhead, stream)").
func (s *Server) addWaiter(addr rid.Address, ch chan collector.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters[addr] = append(s.waiters[addr], ch)
}

func (s *Server) removeWaiter(addr rid.Address, ch chan collector.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[addr]
	for i, w := range list {
		if w == ch {
			s.waiters[addr] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func (s *Server) subscribe(addr rid.Address, c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[addr] == nil {
		s.subs[addr] = make(map[*conn]struct{})
	}
	s.subs[addr][c] = struct{}{}
}

func (s *Server) unsubscribe(addr rid.Address, c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[addr], c)
	if len(s.subs[addr]) == 0 {
		delete(s.subs, addr)
	}
}

func (s *Server) unsubscribeAll(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, set := range s.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(s.subs, addr)
		}
	}
}

// IsLocalAddress implements switchcore.Local.
func (s *Server) IsLocalAddress(addr rid.Address) bool {
	_, found, err := s.journal.GetAddr(context.Background(), addr)
	return err == nil && found
}

// IsLocalNamespace implements switchcore.Local: true if any locally
// registered address belongs to ns.
func (s *Server) IsLocalNamespace(ns rid.Ident32) bool {
	rows, err := s.journal.ListAddrs(context.Background(), ns.String())
	return err == nil && len(rows) > 0
}

// ActiveLocalAddresses implements announcer.Source: every registered
// address this router currently has marked up (spec §4.4 "emitted
// periodically by the router for each local address that is up").
func (s *Server) ActiveLocalAddresses() []rid.Address {
	rows, err := s.journal.ListAddrs(context.Background(), "")
	if err != nil {
		return nil
	}
	var out []rid.Address
	for _, row := range rows {
		addr, err := rid.ParseAddress(row.Address)
		if err != nil {
			continue
		}
		if s.isActive(addr) {
			out = append(out, addr)
		}
	}
	return out
}

func (s *Server) setActive(addr rid.Address, up bool) {
	s.addrsMu.Lock()
	defer s.addrsMu.Unlock()
	if up {
		s.active[addr] = true
	} else {
		delete(s.active, addr)
	}
}

func (s *Server) isActive(addr rid.Address) bool {
	s.addrsMu.Lock()
	defer s.addrsMu.Unlock()
	return s.active[addr]
}

func (s *Server) setLinkActive(id string, up bool) {
	s.linksMu.Lock()
	defer s.linksMu.Unlock()
	if up {
		s.linkActive[id] = true
	} else {
		delete(s.linkActive, id)
	}
}
