package switchcore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratman-router/ratman/internal/clock"
	"github.com/ratman-router/ratman/pkg/journal"
	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/routes"
	"github.com/ratman-router/ratman/pkg/wire"
)

// fakeEndpoint is a minimal in-memory routes.Endpoint for switch tests.
type fakeEndpoint struct {
	recv chan routes.Envelope
	sent []routes.Envelope
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{recv: make(chan routes.Envelope, 16)}
}

func (f *fakeEndpoint) Send(_ context.Context, env routes.Envelope, _ rid.Neighbour) error {
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeEndpoint) Next(ctx context.Context) (routes.Envelope, rid.Neighbour, error) {
	select {
	case env := <-f.recv:
		return env, rid.Single(rid.Random()), nil
	case <-ctx.Done():
		return routes.Envelope{}, rid.Neighbour{}, ctx.Err()
	}
}

func (f *fakeEndpoint) SizeHint() int      { return 1500 }
func (f *fakeEndpoint) Metadata() string   { return "fake" }

type fakeLocal struct{ addrs map[rid.Address]bool }

func (l *fakeLocal) IsLocalAddress(a rid.Address) bool   { return l.addrs[a] }
func (l *fakeLocal) IsLocalNamespace(rid.Ident32) bool    { return false }

type fakeCollector struct{ accepted []routes.Envelope }

func (c *fakeCollector) Accept(_ context.Context, env routes.Envelope) {
	c.accepted = append(c.accepted, env)
}

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "ratman.db"), journal.Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func dataFrame(sender rid.Address, recipient rid.Recipient, seq rid.SequenceIdV1, payload []byte) routes.Envelope {
	return routes.Envelope{
		Header: wire.CarrierFrameHeader{
			Sender:    sender,
			Modes:     wire.ModeData,
			Recipient: &recipient,
			SeqID:     &seq,
		},
		Payload: payload,
	}
}

func announceFrame(origin rid.Address) routes.Envelope {
	return routes.Envelope{
		Header: wire.CarrierFrameHeader{
			Sender: origin,
			Modes:  wire.ModeAnnounce,
		},
	}
}

func TestSwitchDeliversToLocalRecipient(t *testing.T) {
	j := openJournal(t)
	links := routes.NewLinksMap()
	table := routes.NewRouteTable(nil, clock.NewFake(time.Unix(0, 0)))
	dest := rid.RandomAddress()
	local := &fakeLocal{addrs: map[rid.Address]bool{dest: true}}
	coll := &fakeCollector{}
	sw := New(links, table, j, local, coll, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep := newFakeEndpoint()
	sw.RegisterEndpoint(ctx, "ep1", ep)

	sender := rid.RandomAddress()
	seq := rid.SequenceIdV1{Hash: rid.Random(), Num: 0, Max: 0}
	ep.recv <- dataFrame(sender, rid.RecipientAddress(dest), seq, []byte("hello"))

	deadline := time.Now().Add(2 * time.Second)
	for len(coll.accepted) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(coll.accepted) != 1 {
		t.Fatalf("expected one envelope delivered to collector, got %d", len(coll.accepted))
	}
}

func TestSwitchForwardsToRoutedNeighbour(t *testing.T) {
	j := openJournal(t)
	links := routes.NewLinksMap()
	table := routes.NewRouteTable(nil, clock.NewFake(time.Unix(0, 0)))
	local := &fakeLocal{addrs: map[rid.Address]bool{}}
	coll := &fakeCollector{}
	sw := New(links, table, j, local, coll, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inEp := newFakeEndpoint()
	outEp := newFakeEndpoint()
	sw.RegisterEndpoint(ctx, "in", inEp)
	sw.RegisterEndpoint(ctx, "out", outEp)

	dest := rid.RandomAddress()
	nb := rid.Random()
	table.RegisterAnnouncement(routes.AnnounceFrame{Origin: dest}, "out", nb)

	sender := rid.RandomAddress()
	seq := rid.SequenceIdV1{Hash: rid.Random(), Num: 0, Max: 0}
	inEp.recv <- dataFrame(sender, rid.RecipientAddress(dest), seq, []byte("hello"))

	deadline := time.Now().Add(2 * time.Second)
	for len(outEp.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(outEp.sent) != 1 {
		t.Fatalf("expected frame forwarded on the routed link, got %d sends", len(outEp.sent))
	}
	if len(coll.accepted) != 0 {
		t.Fatalf("expected no local delivery, got %d", len(coll.accepted))
	}
}

func TestSwitchDropsDuplicateDataFrame(t *testing.T) {
	j := openJournal(t)
	links := routes.NewLinksMap()
	table := routes.NewRouteTable(nil, clock.NewFake(time.Unix(0, 0)))
	dest := rid.RandomAddress()
	local := &fakeLocal{addrs: map[rid.Address]bool{dest: true}}
	coll := &fakeCollector{}
	sw := New(links, table, j, local, coll, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ep := newFakeEndpoint()
	sw.RegisterEndpoint(ctx, "ep1", ep)

	sender := rid.RandomAddress()
	seq := rid.SequenceIdV1{Hash: rid.Random(), Num: 0, Max: 0}
	ep.recv <- dataFrame(sender, rid.RecipientAddress(dest), seq, []byte("hello"))
	ep.recv <- dataFrame(sender, rid.RecipientAddress(dest), seq, []byte("hello"))

	deadline := time.Now().Add(2 * time.Second)
	for len(coll.accepted) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond) // let a would-be second delivery land
	if len(coll.accepted) != 1 {
		t.Fatalf("expected exactly one delivery for a duplicated frame, got %d", len(coll.accepted))
	}
}

// TestSwitchDedupesAnnounceFloodButKeepsBothAlternates covers spec §8 S4:
// the same announcement arriving twice over two different links is
// re-flooded only once, but the route table still learns both paths as
// alternates — a router that loses its preferred next hop still has a
// fallback on record.
func TestSwitchDedupesAnnounceFloodButKeepsBothAlternates(t *testing.T) {
	j := openJournal(t)
	links := routes.NewLinksMap()
	table := routes.NewRouteTable(nil, clock.NewFake(time.Unix(0, 0)))
	local := &fakeLocal{addrs: map[rid.Address]bool{}}
	coll := &fakeCollector{}
	sw := New(links, table, j, local, coll, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	epA := newFakeEndpoint()
	epB := newFakeEndpoint()
	epOut := newFakeEndpoint()
	sw.RegisterEndpoint(ctx, "linkA", epA)
	sw.RegisterEndpoint(ctx, "linkB", epB)
	sw.RegisterEndpoint(ctx, "out", epOut)

	origin := rid.RandomAddress()
	env := announceFrame(origin)
	epA.recv <- env

	// Let the first arrival fully clear its dispatch loop (RegisterAnnouncement,
	// seen-set check, flood) before the second arrives on a different link's
	// own dispatch loop, so the two announcements are not racing each other
	// for who marks the seen-set first.
	deadline := time.Now().Add(2 * time.Second)
	for len(epOut.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	epB.recv <- env

	deadline = time.Now().Add(2 * time.Second)
	for len(table.Alternates(origin)) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	alts := table.Alternates(origin)
	if len(alts) != 2 {
		t.Fatalf("expected two alternate next-hops recorded, got %d", len(alts))
	}

	rows := table.List()
	count := 0
	for _, r := range rows {
		if r.Address == origin {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one route table entry for the origin, got %d", count)
	}

	seen, err := j.HasSeen(ctx, announceSeenKey(origin))
	if err != nil || !seen {
		t.Fatalf("expected the announce to be recorded in the seen-set: seen=%v err=%v", seen, err)
	}

	time.Sleep(50 * time.Millisecond) // let a would-be second flood land
	if len(epOut.sent) != 1 {
		t.Fatalf("expected the announcement re-flooded exactly once, got %d sends", len(epOut.sent))
	}
}
