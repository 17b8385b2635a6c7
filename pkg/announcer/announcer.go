// Package announcer periodically re-floods an ANNOUNCE frame for every
// locally-up address, the originating half of spec §4.4's route
// propagation (the switch and route table already implement the
// receiving half: accept, score, and re-flood a peer's announcement).
package announcer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/routes"
	"github.com/ratman-router/ratman/pkg/wire"
)

// Flooder is the narrow view of switchcore.Switch the announcer needs,
// kept separate so tests can fake it without building a real Switch.
type Flooder interface {
	Announce(ctx context.Context, env routes.Envelope)
}

// Source reports which local addresses are currently up and therefore
// eligible for announcement.
type Source interface {
	ActiveLocalAddresses() []rid.Address
}

// Announcer is the periodic task described in spec §4.4: every Interval,
// it emits one ANNOUNCE frame per address Source reports as up.
type Announcer struct {
	sw       Flooder
	src      Source
	interval time.Duration
	log      zerolog.Logger
}

func New(sw Flooder, src Source, interval time.Duration, log zerolog.Logger) *Announcer {
	return &Announcer{sw: sw, src: src, interval: interval, log: log}
}

// Run announces once immediately, then every Interval, until ctx is
// cancelled. Meant to be run as its own long-lived task (spec §5).
func (a *Announcer) Run(ctx context.Context) {
	a.tick(ctx)

	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.tick(ctx)
		}
	}
}

func (a *Announcer) tick(ctx context.Context) {
	for _, addr := range a.src.ActiveLocalAddresses() {
		env := routes.Envelope{
			Header: wire.CarrierFrameHeader{
				Sender: addr,
				Modes:  wire.ModeAnnounce,
			},
		}
		a.sw.Announce(ctx, env)
	}
}
