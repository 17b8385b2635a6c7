package ipc

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/collector"
	"github.com/ratman-router/ratman/pkg/eris"
	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/routes"
	"github.com/ratman-router/ratman/pkg/wire"
)

func (s *Server) handleSend(ctx context.Context, c *conn, hdr wire.MicroHeader, payload []byte) {
	switch hdr.Op {
	case opSendOne:
		s.sendOne(ctx, c, payload)
	case opSendMany:
		s.sendMany(ctx, c, payload)
	default:
		c.writeErr(wire.NSSend, hdr.Op, rerrs.New(rerrs.KindUnsupported, "ipc.send", nil))
	}
}

type sendEntry struct {
	sender    rid.Address
	recipient rid.Recipient
	stream    []byte
}

func decodeSendEntry(b []byte) (sendEntry, []byte, bool) {
	if len(b) < rid.Size+1+rid.Size+4 {
		return sendEntry{}, nil, false
	}
	sender := rid.Address(rid.FromBytes(b[:rid.Size]))
	b = b[rid.Size:]

	isNS := b[0] != 0
	b = b[1:]
	id := rid.FromBytes(b[:rid.Size])
	b = b[rid.Size:]
	var recipient rid.Recipient
	if isNS {
		recipient = rid.RecipientNamespace(id)
	} else {
		recipient = rid.RecipientAddress(rid.Address(id))
	}

	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) < n {
		return sendEntry{}, nil, false
	}
	stream := b[:n]
	return sendEntry{sender: sender, recipient: recipient, stream: stream}, b[n:], true
}

func (s *Server) sendOne(ctx context.Context, c *conn, payload []byte) {
	entry, _, ok := decodeSendEntry(payload)
	if !ok {
		c.writeErr(wire.NSSend, opSendOne, rerrs.New(rerrs.KindEncoding, "ipc.send_one", nil))
		return
	}
	if err := s.originateMessage(ctx, entry); err != nil {
		c.writeErr(wire.NSSend, opSendOne, err)
		return
	}
	c.writeOK(wire.NSSend, opSendOne, nil)
}

func (s *Server) sendMany(ctx context.Context, c *conn, payload []byte) {
	if len(payload) < 2 {
		c.writeErr(wire.NSSend, opSendMany, rerrs.New(rerrs.KindEncoding, "ipc.send_many", nil))
		return
	}
	count := int(binary.BigEndian.Uint16(payload))
	rest := payload[2:]
	for i := 0; i < count; i++ {
		entry, tail, ok := decodeSendEntry(rest)
		if !ok {
			c.writeErr(wire.NSSend, opSendMany, rerrs.New(rerrs.KindEncoding, "ipc.send_many", nil))
			return
		}
		if err := s.originateMessage(ctx, entry); err != nil {
			c.writeErr(wire.NSSend, opSendMany, err)
			return
		}
		rest = tail
	}
	c.writeOK(wire.NSSend, opSendMany, nil)
}

// originateMessage ERIS-encodes entry's stream into blocks (spec §4.2),
// journals the manifest, and injects the manifest frame into the switch for
// local delivery or network forwarding (spec §4.5, §4.6). A purely local
// recipient needs nothing more: Encode already wrote every block straight
// into this router's own journal, and the assembler decodes directly from
// there once the manifest lands. A non-local recipient's collector lives on
// a different router with a different journal, and can only reassemble
// blocks its own journal has seen, so its blocks are also fragmented into
// DATA frames and originated individually, exactly as spec §4.2 describes
// ("each block becomes one or more carrier frames"); each hop in between
// only forwards the frame (routeOrDefer re-sends the envelope it received
// without ever calling the collector), so nothing is journaled along the
// way — only the originating router and whichever router the recipient is
// local to ever store these blocks.
func (s *Server) originateMessage(ctx context.Context, entry sendEntry) error {
	secret := rid.Random()
	rc, err := eris.Encode(ctx, bytes.NewReader(entry.stream), secret, eris.BlockSize1KiB, s.journal.Blocks())
	if err != nil {
		return rerrs.New(rerrs.KindEncoding, "ipc.send", err)
	}

	recipientStr := entry.recipient.Address().String()
	if entry.recipient.IsNamespace() {
		recipientStr = entry.recipient.Namespace().String()
	}
	if err := s.journal.SaveManifest(ctx, recipientStr, rc, nil); err != nil {
		return err
	}

	payload := collector.EncodeManifestPayload(rc)
	// A switch drops DATA/MANIFEST frames that carry no seq_id. Hashing the
	// manifest payload keeps its seen-set key apart from the root block's
	// DATA frame, whose seq_id hash is rc.RootRef.
	seq := rid.SequenceIdV1{Hash: eris.BlockRef(payload), Num: 0, Max: 0}
	env := routes.Envelope{
		Header: wire.CarrierFrameHeader{
			Sender:    entry.sender,
			Modes:     wire.ModeManifest,
			Recipient: &entry.recipient,
			SeqID:     &seq,
		},
		Payload: payload,
	}
	if err := s.sw.Originate(ctx, env); err != nil {
		return err
	}

	if s.isLocalRecipient(entry.recipient) {
		return nil
	}
	return s.relayBlocks(ctx, entry.sender, entry.recipient, rc)
}

func (s *Server) isLocalRecipient(r rid.Recipient) bool {
	if r.IsNamespace() {
		return s.IsLocalNamespace(r.Namespace())
	}
	return s.IsLocalAddress(r.Address())
}

// relayBlocks fragments every physical block rc's tree touches into a DATA
// carrier frame (one frame per block: originateMessage always encodes at
// block size 1 KiB, so each block's ciphertext is 1040 bytes, and
// seq_id.max is always 0 here; no endpoint's SizeHint is checked;
// a block that genuinely exceeded an endpoint's SizeHint would need
// splitting across multiple seq_id slots, which this router never
// originates) and originates each one the same way routeOrDefer would have
// arrived at it from a peer.
func (s *Server) relayBlocks(ctx context.Context, sender rid.Address, recipient rid.Recipient, rc eris.ReadCapability) error {
	refs, err := eris.CollectRefs(ctx, rc, s.journal.Blocks())
	if err != nil {
		return err
	}
	for _, ref := range refs {
		ciphertext, ok, err := s.journal.Blocks().Get(ctx, ref)
		if err != nil {
			return rerrs.New(rerrs.KindIO, "ipc.send.relay_blocks", err)
		}
		if !ok {
			continue
		}
		seq := rid.SequenceIdV1{Hash: ref, Num: 0, Max: 0}
		r := recipient
		env := routes.Envelope{
			Header: wire.CarrierFrameHeader{
				Sender:    sender,
				Modes:     wire.ModeData,
				Recipient: &r,
				SeqID:     &seq,
			},
			Payload: ciphertext,
		}
		if err := s.sw.Originate(ctx, env); err != nil {
			return err
		}
	}
	return nil
}
