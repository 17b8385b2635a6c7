package ipc

import (
	"context"
	"sync"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/wire"
)

// contactBook is an in-memory address-book keyed by name, scoped to one
// Server. Spec §4.3's "Persisted state" partition list never names a
// contacts table, so unlike addrs/routes/manifests/subs this is process
// memory only and does not survive a restart.
type contactBook struct {
	mu    sync.Mutex
	byKey map[string]rid.Address // client_id+"/"+name -> address
}

func newContactBook() *contactBook {
	return &contactBook{byKey: make(map[string]rid.Address)}
}

func contactKey(clientID rid.Ident32, name string) string {
	return clientID.String() + "/" + name
}

func (s *Server) handleContact(_ context.Context, c *conn, hdr wire.MicroHeader, payload []byte) {
	switch hdr.Op {
	case opContactAdd:
		s.contactAdd(c, payload)
	case opContactDelete:
		s.contactDelete(c, payload)
	case opContactModify:
		s.contactModify(c, payload)
	default:
		c.writeErr(wire.NSContact, hdr.Op, rerrs.New(rerrs.KindUnsupported, "ipc.contact", nil))
	}
}

func decodeContactEntry(payload []byte) (name string, addr rid.Address, ok bool) {
	name, rest, ok := getStr(payload)
	if !ok || len(rest) < rid.Size {
		return "", rid.Address{}, false
	}
	addr = rid.Address(rid.FromBytes(rest[:rid.Size]))
	return name, addr, true
}

func (s *Server) contactAdd(c *conn, payload []byte) {
	name, addr, ok := decodeContactEntry(payload)
	if !ok {
		c.writeErr(wire.NSContact, opContactAdd, rerrs.New(rerrs.KindEncoding, "ipc.contact_add", nil))
		return
	}
	s.contacts.mu.Lock()
	s.contacts.byKey[contactKey(c.id, name)] = addr
	s.contacts.mu.Unlock()
	c.writeOK(wire.NSContact, opContactAdd, nil)
}

func (s *Server) contactDelete(c *conn, payload []byte) {
	name, _, ok := getStr(payload)
	if !ok {
		c.writeErr(wire.NSContact, opContactDelete, rerrs.New(rerrs.KindEncoding, "ipc.contact_delete", nil))
		return
	}
	s.contacts.mu.Lock()
	delete(s.contacts.byKey, contactKey(c.id, name))
	s.contacts.mu.Unlock()
	c.writeOK(wire.NSContact, opContactDelete, nil)
}

func (s *Server) contactModify(c *conn, payload []byte) {
	name, addr, ok := decodeContactEntry(payload)
	if !ok {
		c.writeErr(wire.NSContact, opContactModify, rerrs.New(rerrs.KindEncoding, "ipc.contact_modify", nil))
		return
	}
	s.contacts.mu.Lock()
	key := contactKey(c.id, name)
	if _, exists := s.contacts.byKey[key]; !exists {
		s.contacts.mu.Unlock()
		c.writeErr(wire.NSContact, opContactModify, rerrs.New(rerrs.KindNotFound, "ipc.contact_modify", nil))
		return
	}
	s.contacts.byKey[key] = addr
	s.contacts.mu.Unlock()
	c.writeOK(wire.NSContact, opContactModify, nil)
}
