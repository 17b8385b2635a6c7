package ipc

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/collector"
	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/wire"
)

// recvOneTimeout bounds how long recv.one blocks waiting for a message
// before returning KindTimeout (spec §7 "Timeout: recv/anycast/send
// exceeded deadline — surfaced to client").
const recvOneTimeout = 30 * time.Second

func (s *Server) handleRecv(ctx context.Context, c *conn, hdr wire.MicroHeader, payload []byte) {
	switch hdr.Op {
	case opRecvOne:
		s.recvOne(ctx, c, payload)
	case opRecvSubscribe:
		s.recvSubscribe(c, payload)
	case opRecvUnsubscribe:
		s.recvUnsubscribe(c, payload)
	default:
		c.writeErr(wire.NSRecv, hdr.Op, rerrs.New(rerrs.KindUnsupported, "ipc.recv", nil))
	}
}

func (s *Server) recvOne(ctx context.Context, c *conn, payload []byte) {
	auth, addr, ok := parseAuthAndAddr(payload)
	if !ok || !s.auth.verify(&auth) {
		c.writeErr(wire.NSRecv, opRecvOne, rerrs.New(rerrs.KindAuth, "ipc.recv_one", rerrs.ErrInvalidAuth))
		return
	}

	ch := make(chan collector.Delivery, 1)
	s.addWaiter(addr, ch)
	defer s.removeWaiter(addr, ch)

	select {
	case d := <-ch:
		c.writeOK(wire.NSRecv, opRecvOne, encodeDelivery(addr, d))
	case <-time.After(recvOneTimeout):
		c.writeErr(wire.NSRecv, opRecvOne, rerrs.New(rerrs.KindTimeout, "ipc.recv_one", nil))
	case <-ctx.Done():
	}
}

func (s *Server) recvSubscribe(c *conn, payload []byte) {
	auth, addr, ok := parseAuthAndAddr(payload)
	if !ok || !s.auth.verify(&auth) {
		c.writeErr(wire.NSRecv, opRecvSubscribe, rerrs.New(rerrs.KindAuth, "ipc.recv_subscribe", rerrs.ErrInvalidAuth))
		return
	}
	s.subscribe(addr, c)
	if err := s.journal.AddSub(context.Background(), c.id.String(), addr.String()); err != nil {
		c.writeErr(wire.NSRecv, opRecvSubscribe, err)
		return
	}
	c.writeOK(wire.NSRecv, opRecvSubscribe, nil)
}

func (s *Server) recvUnsubscribe(c *conn, payload []byte) {
	auth, addr, ok := parseAuthAndAddr(payload)
	if !ok || !s.auth.verify(&auth) {
		c.writeErr(wire.NSRecv, opRecvUnsubscribe, rerrs.New(rerrs.KindAuth, "ipc.recv_unsubscribe", rerrs.ErrInvalidAuth))
		return
	}
	s.unsubscribe(addr, c)
	if err := s.journal.RemoveSub(context.Background(), c.id.String(), addr.String()); err != nil {
		c.writeErr(wire.NSRecv, opRecvUnsubscribe, err)
		return
	}
	c.writeOK(wire.NSRecv, opRecvUnsubscribe, nil)
}

// encodeDelivery serializes a completed Delivery for the wire: the
// recipient address it arrived for, the Letterhead fields, then the raw
// payload (spec §3 Letterhead).
func encodeDelivery(addr rid.Address, d collector.Delivery) []byte {
	body := append([]byte{}, addr.Slice()...)
	body = append(body, d.Letterhead.StreamID.Slice()...)
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(d.Letterhead.PayloadLength))
	body = append(body, ts...)
	body = append(body, d.Payload...)
	return body
}
