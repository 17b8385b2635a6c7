package ipc

import (
	"context"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/wire"
)

// handleLink dispatches the link namespace: add, up, down, remove (spec
// §4.7). link.up/down/remove operate on endpoints the daemon has already
// registered with the Switch at startup (RegisterEndpoint); link.add's
// driver-spec argument has no wire format defined anywhere in spec.md, and
// this router has no pluggable driver registry to parse one against yet,
// so it answers KindUnsupported rather than guessing a format.
func (s *Server) handleLink(_ context.Context, c *conn, hdr wire.MicroHeader, payload []byte) {
	switch hdr.Op {
	case opLinkAdd:
		c.writeErr(wire.NSLink, opLinkAdd, rerrs.New(rerrs.KindUnsupported, "ipc.link_add", nil))
	case opLinkUp:
		s.linkUpDown(c, payload, true)
	case opLinkDown:
		s.linkUpDown(c, payload, false)
	case opLinkRemove:
		s.linkRemove(c, payload)
	default:
		c.writeErr(wire.NSLink, hdr.Op, rerrs.New(rerrs.KindUnsupported, "ipc.link", nil))
	}
}

func (s *Server) linkUpDown(c *conn, payload []byte, up bool) {
	id, _, ok := getStr(payload)
	if !ok {
		c.writeErr(wire.NSLink, linkOp(up), rerrs.New(rerrs.KindEncoding, "ipc.link_updown", nil))
		return
	}
	if _, found := s.links.Get(id); !found {
		c.writeErr(wire.NSLink, linkOp(up), rerrs.New(rerrs.KindNotFound, "ipc.link_updown", nil))
		return
	}
	s.setLinkActive(id, up)
	c.writeOK(wire.NSLink, linkOp(up), nil)
}

func linkOp(up bool) uint8 {
	if up {
		return opLinkUp
	}
	return opLinkDown
}

func (s *Server) linkRemove(c *conn, payload []byte) {
	id, _, ok := getStr(payload)
	if !ok {
		c.writeErr(wire.NSLink, opLinkRemove, rerrs.New(rerrs.KindEncoding, "ipc.link_remove", nil))
		return
	}
	if _, found := s.links.Get(id); !found {
		c.writeErr(wire.NSLink, opLinkRemove, rerrs.New(rerrs.KindNotFound, "ipc.link_remove", nil))
		return
	}
	s.links.Remove(id)
	s.setLinkActive(id, false)
	c.writeOK(wire.NSLink, opLinkRemove, nil)
}
