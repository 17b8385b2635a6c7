package collector

import (
	"bytes"
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/eris"
	"github.com/ratman-router/ratman/pkg/journal"
	"github.com/ratman-router/ratman/pkg/rid"
)

// Sink receives completed deliveries for push to IPC subscribers (spec
// §4.6 "exposes a readable stream... to all IPC subscribers of that
// recipient").
type Sink interface {
	Deliver(ctx context.Context, recipient string, d Delivery)
}

// Assembler watches the journal's block-accepted stream and, whenever a
// pending manifest's full block tree becomes available, decodes it and
// pushes a Delivery to the Sink (spec §4.6 "message assembler").
type Assembler struct {
	journal *journal.Journal
	sink    Sink
	log     zerolog.Logger
}

func NewAssembler(j *journal.Journal, sink Sink, log zerolog.Logger) *Assembler {
	return &Assembler{journal: j, sink: sink, log: log}
}

// Run subscribes to block-accepted notifications and recheck pending
// manifests until ctx is cancelled. It is meant to be run as its own
// long-lived task (spec §5 "the assembler" is one of the independent
// tasks).
func (a *Assembler) Run(ctx context.Context) {
	ch := make(chan rid.Ident32, 256)
	unsub := a.journal.SubscribeBlockAccepted(ch)
	defer unsub()

	// A block that arrives before its manifest (or a manifest whose tree
	// was already complete at save time) still needs a first pass.
	a.tryPending(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			a.tryPending(ctx)
		}
	}
}

func (a *Assembler) tryPending(ctx context.Context) {
	pending, err := a.journal.ListPendingManifests(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("assembler: failed to list pending manifests")
		return
	}
	for _, m := range pending {
		a.tryDeliver(ctx, m)
	}
}

func (a *Assembler) tryDeliver(ctx context.Context, m journal.ManifestRow) {
	var buf bytes.Buffer
	rc := m.Capability()
	err := eris.Decode(ctx, &buf, rc, a.journal.Blocks())
	if err != nil {
		if errors.Is(err, rerrs.ErrMissingBlock) {
			return // still incomplete, wait for more blocks
		}
		a.log.Error().Err(err).Str("root_ref", rc.RootRef.String()).Msg("assembler: decode failed")
		return
	}

	lh := Letterhead{
		StreamID:      rc.RootRef,
		PayloadLength: uint64(buf.Len()),
	}
	a.sink.Deliver(ctx, m.Recipient, Delivery{Letterhead: lh, Payload: buf.Bytes()})

	if err := a.journal.MarkManifestDelivered(ctx, rc.RootRef); err != nil {
		a.log.Error().Err(err).Msg("assembler: failed to mark manifest delivered")
	}
}
