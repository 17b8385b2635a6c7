package ipc

import (
	"context"
	"encoding/binary"
	"strings"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/routes"
	"github.com/ratman-router/ratman/pkg/wire"
)

// handlePeer dispatches the peer namespace: list, query (spec §4.7).
func (s *Server) handlePeer(_ context.Context, c *conn, hdr wire.MicroHeader, payload []byte) {
	switch hdr.Op {
	case opPeerList:
		s.peerList(c, opPeerList, peerFilter{})
	case opPeerQuery:
		filter, ok := decodePeerFilter(payload)
		if !ok {
			c.writeErr(wire.NSPeer, opPeerQuery, rerrs.New(rerrs.KindEncoding, "ipc.peer_query", nil))
			return
		}
		s.peerList(c, opPeerQuery, filter)
	default:
		c.writeErr(wire.NSPeer, hdr.Op, rerrs.New(rerrs.KindUnsupported, "ipc.peer", nil))
	}
}

// trustCmp mirrors the original implementation's PeerQuery TrustFilter
// (ratman/libratman/src/api/types/peer.rs): GreaterEq or Less against a
// per-route trust score.
type trustCmp uint8

const (
	trustNone trustCmp = iota
	trustGreaterEq
	trustLess
)

// peerFilter is peer.query's payload (spec.md names the operation but not
// its wire format; this carries the original implementation's trust
// filter as a supplemented feature, but not its note or tag filters): an
// address substring, a trust comparison mode + threshold.
type peerFilter struct {
	substr   string
	trustCmp trustCmp
	trust    uint8
}

// decodePeerFilter parses: len-prefixed substring, then a trust mode byte
// (trustNone/trustGreaterEq/trustLess) and, if not trustNone, a threshold
// byte.
func decodePeerFilter(b []byte) (peerFilter, bool) {
	substr, rest, ok := getStr(b)
	if !ok || len(rest) < 1 {
		return peerFilter{}, false
	}
	mode := trustCmp(rest[0])
	rest = rest[1:]
	if mode == trustNone {
		return peerFilter{substr: substr}, true
	}
	if len(rest) < 1 {
		return peerFilter{}, false
	}
	return peerFilter{substr: substr, trustCmp: mode, trust: rest[0]}, true
}

func (f peerFilter) matches(e routes.RouteEntry) bool {
	if f.substr != "" && !strings.Contains(e.Address.String(), f.substr) {
		return false
	}
	switch f.trustCmp {
	case trustGreaterEq:
		return e.Trust >= f.trust
	case trustLess:
		return e.Trust < f.trust
	default:
		return true
	}
}

// peerList encodes every known route matching filter (spec §4.7
// peer.list/peer.query).
func (s *Server) peerList(c *conn, op uint8, filter peerFilter) {
	entries := s.table.List()
	body := make([]byte, 2)
	n := uint16(0)
	for _, e := range entries {
		if !filter.matches(e) {
			continue
		}
		body = append(body, e.Address.Slice()...)
		body = append(body, byte(e.State))
		body = append(body, e.Trust)
		lastSeen := make([]byte, 8)
		binary.BigEndian.PutUint64(lastSeen, uint64(e.LastSeen.Unix()))
		body = append(body, lastSeen...)
		n++
	}
	binary.BigEndian.PutUint16(body, n)
	c.writeOK(wire.NSPeer, op, body)
}
