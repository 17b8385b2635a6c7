package ipc

import (
	"context"
	"encoding/binary"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/wire"
)

func (s *Server) handleStatus(ctx context.Context, c *conn, hdr wire.MicroHeader, payload []byte) {
	switch hdr.Op {
	case opStatusSystem:
		s.statusSystem(ctx, c)
	case opStatusAddr:
		s.statusAddr(ctx, c, payload)
	case opStatusLink:
		s.statusLink(c)
	default:
		c.writeErr(wire.NSStatus, hdr.Op, rerrs.New(rerrs.KindUnsupported, "ipc.status", nil))
	}
}

// statusSystem reports router-wide counts (spec §4.7 status.system).
func (s *Server) statusSystem(ctx context.Context, c *conn) {
	addrs, err := s.journal.ListAddrs(ctx, "")
	if err != nil {
		c.writeErr(wire.NSStatus, opStatusSystem, err)
		return
	}
	routeCount := len(s.table.List())
	linkCount := len(s.links.Snapshot())
	corrupt := s.coll.CorruptBlocksTotal()

	body := make([]byte, 0, 24)
	body = binary.BigEndian.AppendUint32(body, uint32(len(addrs)))
	body = binary.BigEndian.AppendUint32(body, uint32(routeCount))
	body = binary.BigEndian.AppendUint32(body, uint32(linkCount))
	body = binary.BigEndian.AppendUint64(body, corrupt)
	c.writeOK(wire.NSStatus, opStatusSystem, body)
}

// statusAddr reports whether addr is registered and currently up (spec
// §4.7 status.addr(auth, addr)).
func (s *Server) statusAddr(ctx context.Context, c *conn, payload []byte) {
	auth, addr, ok := parseAuthAndAddr(payload)
	if !ok || !s.auth.verify(&auth) {
		c.writeErr(wire.NSStatus, opStatusAddr, rerrs.New(rerrs.KindAuth, "ipc.status_addr", rerrs.ErrInvalidAuth))
		return
	}
	row, found, err := s.journal.GetAddr(ctx, addr)
	if err != nil {
		c.writeErr(wire.NSStatus, opStatusAddr, err)
		return
	}
	if !found {
		c.writeErr(wire.NSStatus, opStatusAddr, rerrs.New(rerrs.KindNotFound, "ipc.status_addr", rerrs.ErrNoAddress))
		return
	}
	body := []byte{0}
	if s.isActive(addr) {
		body[0] = 1
	}
	body = putStr(body, row.Namespace)
	c.writeOK(wire.NSStatus, opStatusAddr, body)
}

// statusLink reports every registered link's id (spec §4.7 status.link).
func (s *Server) statusLink(c *conn) {
	snap := s.links.Snapshot()
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, uint16(len(snap)))
	for id, ep := range snap {
		body = putStr(body, id)
		body = putStr(body, ep.Metadata())
	}
	c.writeOK(wire.NSStatus, opStatusLink, body)
}
