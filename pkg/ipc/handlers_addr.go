package ipc

import (
	"context"
	"encoding/binary"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/wire"
)

// handleAddr dispatches the addr namespace: create, up, down, delete, list
// (spec §4.7).
func (s *Server) handleAddr(ctx context.Context, c *conn, hdr wire.MicroHeader, payload []byte) {
	switch hdr.Op {
	case opAddrCreate:
		s.addrCreate(ctx, c, payload)
	case opAddrUp:
		s.addrUpDown(ctx, c, hdr, payload, true)
	case opAddrDown:
		s.addrUpDown(ctx, c, hdr, payload, false)
	case opAddrDelete:
		s.addrDelete(ctx, c, hdr, payload)
	case opAddrList:
		s.addrList(ctx, c, payload)
	default:
		c.writeErr(wire.NSAddr, hdr.Op, rerrs.New(rerrs.KindUnsupported, "ipc.addr", nil))
	}
}

func (s *Server) addrCreate(ctx context.Context, c *conn, payload []byte) {
	name, rest, ok := getStr(payload)
	if !ok {
		c.writeErr(wire.NSAddr, opAddrCreate, rerrs.New(rerrs.KindEncoding, "ipc.addr_create", nil))
		return
	}
	namespace := ""
	if len(rest) >= 1 && rest[0] != 0 {
		if len(rest) < 1+rid.Size {
			c.writeErr(wire.NSAddr, opAddrCreate, rerrs.New(rerrs.KindEncoding, "ipc.addr_create", nil))
			return
		}
		namespace = rid.FromBytes(rest[1 : 1+rid.Size]).String()
	}
	_ = name // name is accepted for client-side bookkeeping; the journal keys on the address itself

	addr := rid.RandomAddress()
	if err := s.journal.CreateAddr(ctx, addr, namespace, c.id.String()); err != nil {
		c.writeErr(wire.NSAddr, opAddrCreate, err)
		return
	}

	auth, err := s.auth.issue(c.id)
	if err != nil {
		c.writeErr(wire.NSAddr, opAddrCreate, rerrs.New(rerrs.KindIO, "ipc.addr_create", err))
		return
	}

	body := append([]byte{}, addr.Slice()...)
	body = append(body, auth.ClientID.Slice()...)
	body = append(body, auth.Token.Slice()...)
	c.writeOK(wire.NSAddr, opAddrCreate, body)
}

func parseAuthAndAddr(payload []byte) (wire.ClientAuth, rid.Address, bool) {
	if len(payload) < 3*rid.Size {
		return wire.ClientAuth{}, rid.Address{}, false
	}
	auth := wire.ClientAuth{
		ClientID: rid.FromBytes(payload[:rid.Size]),
		Token:    rid.FromBytes(payload[rid.Size : 2*rid.Size]),
	}
	addr := rid.Address(rid.FromBytes(payload[2*rid.Size : 3*rid.Size]))
	return auth, addr, true
}

func (s *Server) addrUpDown(ctx context.Context, c *conn, hdr wire.MicroHeader, payload []byte, up bool) {
	auth, addr, ok := parseAuthAndAddr(payload)
	if !ok || !s.auth.verify(&auth) {
		c.writeErr(wire.NSAddr, hdr.Op, rerrs.New(rerrs.KindAuth, "ipc.addr_updown", rerrs.ErrInvalidAuth))
		return
	}
	if _, found, err := s.journal.GetAddr(ctx, addr); err != nil || !found {
		c.writeErr(wire.NSAddr, hdr.Op, rerrs.New(rerrs.KindNotFound, "ipc.addr_updown", rerrs.ErrNoAddress))
		return
	}
	s.setActive(addr, up)
	c.writeOK(wire.NSAddr, hdr.Op, nil)
}

func (s *Server) addrDelete(ctx context.Context, c *conn, hdr wire.MicroHeader, payload []byte) {
	auth, addr, ok := parseAuthAndAddr(payload)
	if !ok || !s.auth.verify(&auth) {
		c.writeErr(wire.NSAddr, hdr.Op, rerrs.New(rerrs.KindAuth, "ipc.addr_delete", rerrs.ErrInvalidAuth))
		return
	}
	if err := s.journal.DeleteAddr(ctx, addr); err != nil {
		c.writeErr(wire.NSAddr, hdr.Op, err)
		return
	}
	s.setActive(addr, false)
	c.writeOK(wire.NSAddr, hdr.Op, nil)
}

func (s *Server) addrList(ctx context.Context, c *conn, payload []byte) {
	namespace, _, _ := getStr(payload)
	rows, err := s.journal.ListAddrs(ctx, namespace)
	if err != nil {
		c.writeErr(wire.NSAddr, opAddrList, err)
		return
	}
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, uint16(len(rows)))
	for _, r := range rows {
		addr, err := rid.ParseAddress(r.Address)
		if err != nil {
			continue
		}
		body = append(body, addr.Slice()...)
		body = putStr(body, r.Namespace)
		if s.isActive(addr) {
			body = append(body, 1)
		} else {
			body = append(body, 0)
		}
	}
	c.writeOK(wire.NSAddr, opAddrList, body)
}
