// Package collector reconstructs inbound block sequences into delivered
// messages: the BlockCollector reassembles DATA frames into ciphertext
// blocks, and the message assembler turns completed manifests into
// Letterhead deliveries (spec §4.6).
package collector

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/ratman-router/ratman/internal/clock"
	"github.com/ratman-router/ratman/pkg/eris"
	"github.com/ratman-router/ratman/pkg/journal"
	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/routes"
	"github.com/ratman-router/ratman/pkg/wire"
)

// StreamTimeout is how long an in-flight block may wait for
// its missing fragments before being abandoned (spec §4.6 "default 600s
// from first fragment").
const StreamTimeout = 600 * time.Second

// Letterhead is per-stream metadata delivered to the application layer
// alongside a readable byte stream (spec §3).
type Letterhead struct {
	From          rid.Address
	To            rid.Recipient
	Time          time.Time
	StreamID      rid.Ident32
	PayloadLength uint64
	Aux           []wire.AuxPair
}

// Delivery pairs a Letterhead with its decoded payload, handed to IPC
// subscribers (spec §4.6 "exposes a readable stream... to all IPC
// subscribers of that recipient").
type Delivery struct {
	Letterhead Letterhead
	Payload    []byte
}

type inFlightBlock struct {
	slots     [][]byte
	filled    int
	firstSeen time.Time
}

// BlockCollector reassembles DATA frames into complete ciphertext blocks
// (spec §4.6 first paragraph).
type BlockCollector struct {
	mu      sync.Mutex
	blocks  map[rid.Ident32]*inFlightBlock
	journal *journal.Journal
	clk     clock.Clock
	log     zerolog.Logger

	corruptBlocksTotal uint64

	m collectorMetrics
}

type collectorMetrics struct {
	set                *metrics.Set
	corruptBlocksTotal *metrics.Counter
	framesIngested     *metrics.Counter
}

func newCollectorMetrics() collectorMetrics {
	s := metrics.NewSet()
	return collectorMetrics{
		set:                s,
		corruptBlocksTotal: s.NewCounter(`ratman_collector_corrupt_blocks_total`),
		framesIngested:     s.NewCounter(`ratman_collector_frames_ingested_total`),
	}
}

// WritePrometheus writes this BlockCollector's metrics in Prometheus text
// format.
func (c *BlockCollector) WritePrometheus(w io.Writer) {
	c.m.set.WritePrometheus(w)
}

func NewBlockCollector(j *journal.Journal, clk clock.Clock, log zerolog.Logger) *BlockCollector {
	if clk == nil {
		clk = clock.System{}
	}
	return &BlockCollector{blocks: make(map[rid.Ident32]*inFlightBlock), journal: j, clk: clk, log: log, m: newCollectorMetrics()}
}

// Accept implements switchcore.Collector: ingest one DATA or MANIFEST
// frame delivered locally by the switch.
func (c *BlockCollector) Accept(ctx context.Context, env routes.Envelope) {
	h := env.Header
	c.m.framesIngested.Inc()

	if h.Modes == wire.ModeManifest {
		if h.Recipient == nil {
			c.log.Warn().Msg("collector: manifest frame missing recipient, dropped")
			return
		}
		if err := c.AcceptManifest(ctx, *h.Recipient, env.Payload, auxBytes(h.Aux)); err != nil {
			c.log.Warn().Err(err).Msg("collector: failed to store manifest")
		}
		return
	}

	if h.SeqID == nil {
		c.log.Warn().Msg("collector: data frame missing seq_id, dropped")
		return
	}
	c.ingestFragment(ctx, *h.SeqID, env.Payload)
}

// auxBytes flattens a header's aux key/value pairs into an opaque blob
// for storage alongside the manifest. Nothing in this module parses the
// blob back into pairs.
func auxBytes(aux []wire.AuxPair) []byte {
	if len(aux) == 0 {
		return nil
	}
	var out []byte
	for _, p := range aux {
		out = append(out, byte(len(p.Key)))
		out = append(out, p.Key...)
		out = append(out, byte(len(p.Value)))
		out = append(out, p.Value...)
	}
	return out
}

// ingestFragment stores one frame's payload at its seq_id slot, and once
// every slot for a block reference is filled, reconstructs, verifies, and
// journals the ciphertext block (spec §4.6).
func (c *BlockCollector) ingestFragment(ctx context.Context, seq rid.SequenceIdV1, payload []byte) {
	c.mu.Lock()
	blk, ok := c.blocks[seq.Hash]
	if !ok {
		blk = &inFlightBlock{slots: make([][]byte, int(seq.Max)+1), firstSeen: c.clk.Now()}
		c.blocks[seq.Hash] = blk
	}
	if int(seq.Num) >= len(blk.slots) {
		c.mu.Unlock()
		c.log.Warn().Msg("collector: seq_id num exceeds max, dropped")
		return
	}
	if blk.slots[seq.Num] == nil {
		blk.slots[seq.Num] = payload
		blk.filled++
	}
	complete := blk.filled == len(blk.slots)
	if complete {
		delete(c.blocks, seq.Hash)
	}
	c.mu.Unlock()

	if !complete {
		return
	}

	var buf bytes.Buffer
	for _, s := range blk.slots {
		buf.Write(s)
	}
	ciphertext := buf.Bytes()

	// Spec §4.6: "hash of ciphertext must equal the claimed reference".
	// blockRefFor re-derives the reference the same way the block engine
	// does when it originally stored the block.
	ref := blockRefFor(ciphertext)
	if ref != seq.Hash {
		c.corruptBlocksTotal++
		c.m.corruptBlocksTotal.Inc()
		c.log.Warn().Str("claimed", seq.Hash.String()).Str("actual", ref.String()).Msg("collector: corrupt block, discarding all slots")
		return
	}

	if err := c.journal.Blocks().Put(ctx, ref, ciphertext); err != nil {
		c.log.Error().Err(err).Msg("collector: failed to journal reassembled block")
	}
}

// SweepTimeouts abandons in-flight blocks whose first fragment arrived
// more than StreamTimeout ago (spec §4.6 failure semantics: "no error is
// surfaced to the sender (fire-and-forget)").
func (c *BlockCollector) SweepTimeouts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	for ref, blk := range c.blocks {
		if now.Sub(blk.firstSeen) > StreamTimeout {
			delete(c.blocks, ref)
		}
	}
}

// CorruptBlocksTotal reports how many reassembled blocks failed hash
// verification since startup.
func (c *BlockCollector) CorruptBlocksTotal() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.corruptBlocksTotal
}

// blockRefFor applies eris's content-addressing scheme via eris.BlockRef: a
// block's reference is the hash of its ciphertext. The collector verifies a
// claimed reference against raw ciphertext bytes, not through the
// Encode/Decode contract.
func blockRefFor(ciphertext []byte) rid.Ident32 {
	return eris.BlockRef(ciphertext)
}
