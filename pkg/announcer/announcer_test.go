package announcer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/routes"
	"github.com/ratman-router/ratman/pkg/wire"
)

type fakeFlooder struct {
	mu  sync.Mutex
	got []routes.Envelope
}

func (f *fakeFlooder) Announce(_ context.Context, env routes.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, env)
}

func (f *fakeFlooder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

type fakeSource struct{ addrs []rid.Address }

func (s *fakeSource) ActiveLocalAddresses() []rid.Address { return s.addrs }

func TestAnnouncerFloodsEachActiveAddressImmediately(t *testing.T) {
	a1, a2 := rid.RandomAddress(), rid.RandomAddress()
	fl := &fakeFlooder{}
	src := &fakeSource{addrs: []rid.Address{a1, a2}}
	ann := New(fl, src, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go ann.Run(ctx)
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for fl.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if fl.count() != 2 {
		t.Fatalf("expected one announce per active address, got %d", fl.count())
	}
}

func TestAnnouncerRepeatsOnInterval(t *testing.T) {
	fl := &fakeFlooder{}
	src := &fakeSource{addrs: []rid.Address{rid.RandomAddress()}}
	ann := New(fl, src, 20*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ann.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for fl.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if fl.count() < 3 {
		t.Fatalf("expected at least 3 announce rounds within the deadline, got %d", fl.count())
	}
	for _, env := range fl.got {
		if env.Header.Modes != wire.ModeAnnounce {
			t.Fatalf("expected every envelope to be an ANNOUNCE frame, got modes=%v", env.Header.Modes)
		}
	}
}

func TestAnnouncerStopsOnContextCancel(t *testing.T) {
	fl := &fakeFlooder{}
	src := &fakeSource{addrs: []rid.Address{rid.RandomAddress()}}
	ann := New(fl, src, 5*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ann.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}
}
