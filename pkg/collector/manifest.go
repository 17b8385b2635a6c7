package collector

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/eris"
	"github.com/ratman-router/ratman/pkg/rid"
)

// EncodeManifestPayload serializes a read capability into a MANIFEST
// carrier frame's payload (spec §3 ManifestFrame): root_ref, root_key,
// level, and block_size, in that fixed order.
func EncodeManifestPayload(rc eris.ReadCapability) []byte {
	buf := make([]byte, rid.Size*2+1+4)
	off := copy(buf, rc.RootRef.Slice())
	off += copy(buf[off:], rc.RootKey.Slice())
	buf[off] = byte(rc.Level)
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(rc.BlockSize))
	return buf
}

// DecodeManifestPayload is the inverse of EncodeManifestPayload.
func DecodeManifestPayload(payload []byte) (eris.ReadCapability, error) {
	const want = rid.Size*2 + 1 + 4
	if len(payload) != want {
		return eris.ReadCapability{}, rerrs.New(rerrs.KindEncoding, "collector.decode_manifest", fmt.Errorf("expected %d bytes, got %d", want, len(payload)))
	}
	rootRef := rid.FromBytes(payload[:rid.Size])
	rootKey := rid.FromBytes(payload[rid.Size : rid.Size*2])
	level := int(payload[rid.Size*2])
	blockSize := int(binary.BigEndian.Uint32(payload[rid.Size*2+1:]))
	return eris.ReadCapability{RootRef: rootRef, RootKey: rootKey, Level: level, BlockSize: blockSize}, nil
}

// AcceptManifest stores a received ManifestFrame for recipient (spec §4.6
// "On MANIFEST receipt, the collector stores the manifest"). Walking the
// reference tree to mark required blocks is deferred to the assembler,
// which attempts a full decode on every block-accepted notification
// rather than maintaining separate per-level bookkeeping.
func (c *BlockCollector) AcceptManifest(ctx context.Context, recipient rid.Recipient, payload []byte, aux []byte) error {
	rc, err := DecodeManifestPayload(payload)
	if err != nil {
		return err
	}
	return c.journal.SaveManifest(ctx, recipient.String(), rc, aux)
}
