package ipc

import (
	"context"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/wire"
)

// dispatch routes a decoded microframe to its namespace's handler (spec
// §4.7). Each handler is responsible for writing exactly one response
// frame back to c, success or error.
func (s *Server) dispatch(ctx context.Context, c *conn, hdr wire.MicroHeader, payload []byte) {
	switch hdr.Namespace {
	case wire.NSAddr:
		s.handleAddr(ctx, c, hdr, payload)
	case wire.NSPeer:
		s.handlePeer(ctx, c, hdr, payload)
	case wire.NSRecv:
		s.handleRecv(ctx, c, hdr, payload)
	case wire.NSSend:
		s.handleSend(ctx, c, hdr, payload)
	case wire.NSNamespace:
		s.handleNamespace(ctx, c, hdr, payload)
	case wire.NSStatus:
		s.handleStatus(ctx, c, hdr, payload)
	case wire.NSLink:
		s.handleLink(ctx, c, hdr, payload)
	case wire.NSContact:
		s.handleContact(ctx, c, hdr, payload)
	default:
		c.writeErr(hdr.Namespace, hdr.Op, rerrs.New(rerrs.KindUnsupported, "ipc.dispatch", nil))
	}
}
