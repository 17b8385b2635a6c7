package ipc

import (
	"context"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/wire"
)

// handleNamespace dispatches the namespace namespace: register, anycast
// probe (spec §4.7). Namespace keys are not a first-class concept anywhere
// else in this router: an address's namespace is just the string column
// journal.AddrRow.Namespace already carries, so register only validates
// that the namespace key matches what CreateAddr recorded and anycast_probe
// is answered directly from RouteTable/journal data rather than a live
// network probe.
func (s *Server) handleNamespace(ctx context.Context, c *conn, hdr wire.MicroHeader, payload []byte) {
	switch hdr.Op {
	case opNamespaceRegister:
		s.namespaceRegister(ctx, c, payload)
	case opNamespaceAnycastProbe:
		s.namespaceAnycastProbe(ctx, c, payload)
	default:
		c.writeErr(wire.NSNamespace, hdr.Op, rerrs.New(rerrs.KindUnsupported, "ipc.namespace", nil))
	}
}

// namespaceRegister checks a presented namespace key against addr (spec
// §4.7 namespace.register(auth, pub, priv)). It succeeds when addr's
// journal.AddrRow.Namespace column, set by addr.create, is empty or equals
// the public key, and fails with KindAuth otherwise; it writes nothing.
// The private half of the keypair is accepted but not used: nothing in
// this router signs namespace membership.
func (s *Server) namespaceRegister(ctx context.Context, c *conn, payload []byte) {
	auth, addr, ok := parseAuthAndAddr(payload)
	if !ok || len(payload) < rid.Size+rid.Size+rid.Size+rid.Size {
		c.writeErr(wire.NSNamespace, opNamespaceRegister, rerrs.New(rerrs.KindEncoding, "ipc.namespace_register", nil))
		return
	}
	if !s.auth.verify(&auth) {
		c.writeErr(wire.NSNamespace, opNamespaceRegister, rerrs.New(rerrs.KindAuth, "ipc.namespace_register", rerrs.ErrInvalidAuth))
		return
	}
	rest := payload[3*rid.Size:]
	pub := rid.FromBytes(rest[:rid.Size])

	row, found, err := s.journal.GetAddr(ctx, addr)
	if err != nil {
		c.writeErr(wire.NSNamespace, opNamespaceRegister, err)
		return
	}
	if !found {
		c.writeErr(wire.NSNamespace, opNamespaceRegister, rerrs.New(rerrs.KindNotFound, "ipc.namespace_register", rerrs.ErrNoAddress))
		return
	}
	if row.Namespace != "" && row.Namespace != pub.String() {
		c.writeErr(wire.NSNamespace, opNamespaceRegister, rerrs.New(rerrs.KindAuth, "ipc.namespace_register", nil))
		return
	}
	c.writeOK(wire.NSNamespace, opNamespaceRegister, nil)
}

// namespaceAnycastProbe answers which locally-known addresses belong to a
// namespace (spec §4.7 namespace.anycast_probe(addr, auth, ns_pub, timeout)
// -> [Address]). Rather than sending a live probe frame and collecting
// replies within timeout, this router answers synchronously from the
// addrs table, since every namespace member this router could reach is
// already reflected there through route discovery.
func (s *Server) namespaceAnycastProbe(ctx context.Context, c *conn, payload []byte) {
	auth, _, ok := parseAuthAndAddr(payload)
	if !ok || len(payload) < 3*rid.Size+rid.Size {
		c.writeErr(wire.NSNamespace, opNamespaceAnycastProbe, rerrs.New(rerrs.KindEncoding, "ipc.namespace_anycast_probe", nil))
		return
	}
	if !s.auth.verify(&auth) {
		c.writeErr(wire.NSNamespace, opNamespaceAnycastProbe, rerrs.New(rerrs.KindAuth, "ipc.namespace_anycast_probe", rerrs.ErrInvalidAuth))
		return
	}
	nsPub := rid.FromBytes(payload[3*rid.Size : 4*rid.Size])

	rows, err := s.journal.ListAddrs(ctx, nsPub.String())
	if err != nil {
		c.writeErr(wire.NSNamespace, opNamespaceAnycastProbe, err)
		return
	}
	body := make([]byte, 2)
	n := uint16(0)
	for _, row := range rows {
		addr, err := rid.ParseAddress(row.Address)
		if err != nil {
			continue
		}
		body = append(body, addr.Slice()...)
		n++
	}
	body[0] = byte(n >> 8)
	body[1] = byte(n)
	c.writeOK(wire.NSNamespace, opNamespaceAnycastProbe, body)
}
