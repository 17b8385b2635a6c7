package routes

import (
	"testing"
	"time"

	"github.com/ratman-router/ratman/internal/clock"
	"github.com/ratman-router/ratman/pkg/rid"
)

func TestRegisterAnnouncementFreshness(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rt := NewRouteTable(nil, clk)
	addr := rid.RandomAddress()
	n1 := rid.Random()

	if fresh := rt.RegisterAnnouncement(AnnounceFrame{Origin: addr}, "link1", n1); !fresh {
		t.Fatal("expected first announcement to be fresh")
	}
	if fresh := rt.RegisterAnnouncement(AnnounceFrame{Origin: addr}, "link1", n1); fresh {
		t.Fatal("expected repeat announcement while active to not be fresh")
	}

	entry, ok := rt.Lookup(addr)
	if !ok || entry.State != StateActive {
		t.Fatalf("expected active entry, got %+v ok=%v", entry, ok)
	}
}

func TestSelectTieBreakByLinkID(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rt := NewRouteTable(nil, clk)
	addr := rid.RandomAddress()
	n1, n2 := rid.Random(), rid.Random()

	rt.RegisterAnnouncement(AnnounceFrame{Origin: addr}, "link-b", n1)
	rt.RegisterAnnouncement(AnnounceFrame{Origin: addr}, "link-a", n2)

	link, nb, ok := rt.Select(addr)
	if !ok {
		t.Fatal("expected a route")
	}
	if link != "link-a" || nb != n2 {
		t.Fatalf("expected tie broken by lexicographic link id (link-a), got %s", link)
	}
}

func TestSweepTransitions(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rt := NewRouteTable(nil, clk)
	addr := rid.RandomAddress()
	rt.RegisterAnnouncement(AnnounceFrame{Origin: addr}, "link1", rid.Random())

	clk.Advance(IdleThreshold + time.Second)
	rt.Sweep()
	entry, _ := rt.Lookup(addr)
	if entry.State != StateIdle {
		t.Fatalf("expected idle after %s, got %s", IdleThreshold, entry.State)
	}

	clk.Advance(LostThreshold)
	rt.Sweep()
	entry, _ = rt.Lookup(addr)
	if entry.State != StateLost {
		t.Fatalf("expected lost after %s, got %s", LostThreshold, entry.State)
	}

	// A fresh announcement revives a Lost entry back to Active.
	if fresh := rt.RegisterAnnouncement(AnnounceFrame{Origin: addr}, "link1", rid.Random()); !fresh {
		t.Fatal("expected revival from Lost to be fresh")
	}
	entry, _ = rt.Lookup(addr)
	if entry.State != StateActive {
		t.Fatalf("expected active after revival, got %s", entry.State)
	}
}

func TestAlternatesMRUOrder(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	rt := NewRouteTable(nil, clk)
	addr := rid.RandomAddress()
	n1, n2 := rid.Random(), rid.Random()

	rt.RegisterAnnouncement(AnnounceFrame{Origin: addr}, "link1", n1)
	rt.RegisterAnnouncement(AnnounceFrame{Origin: addr}, "link2", n2)
	rt.RegisterAnnouncement(AnnounceFrame{Origin: addr}, "link1", n1) // re-promote link1

	alts := rt.Alternates(addr)
	if len(alts) != 2 || alts[0].LinkID != "link1" {
		t.Fatalf("expected link1 promoted to MRU front, got %+v", alts)
	}
}

func TestEWMAScorer(t *testing.T) {
	s := EWMAScorer{Alpha: 0.5}
	got := s.Observe(100*time.Millisecond, 200*time.Millisecond)
	want := 150 * time.Millisecond
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}
