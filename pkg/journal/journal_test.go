package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/eris"
	"github.com/ratman-router/ratman/pkg/rid"
)

func open(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "ratman.db"), Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestBlocksRoundTripAndNotify(t *testing.T) {
	j := open(t)
	ctx := context.Background()

	ch := make(chan rid.Ident32, 1)
	unsub := j.SubscribeBlockAccepted(ch)
	defer unsub()

	ref := rid.Random()
	if err := j.Blocks().Put(ctx, ref, []byte("ciphertext")); err != nil {
		t.Fatalf("put: %v", err)
	}

	select {
	case got := <-ch:
		if got != ref {
			t.Fatalf("notified ref = %s, want %s", got, ref)
		}
	default:
		t.Fatal("expected block-accepted notification")
	}

	data, ok, err := j.Blocks().Get(ctx, ref)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(data) != "ciphertext" {
		t.Fatalf("got %q", data)
	}

	if _, ok, err := j.Blocks().Get(ctx, rid.Random()); err != nil || ok {
		t.Fatalf("expected miss for unknown ref, got ok=%v err=%v", ok, err)
	}
}

func TestSeenSetDedup(t *testing.T) {
	j := open(t)
	ctx := context.Background()

	key := "frame-key-1"
	seen, err := j.HasSeen(ctx, key)
	if err != nil || seen {
		t.Fatalf("expected not seen yet, got seen=%v err=%v", seen, err)
	}
	if err := j.MarkSeen(ctx, key); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if err := j.MarkSeen(ctx, key); err != nil {
		t.Fatalf("mark seen again (idempotent): %v", err)
	}
	seen, err = j.HasSeen(ctx, key)
	if err != nil || !seen {
		t.Fatalf("expected seen, got seen=%v err=%v", seen, err)
	}
}

func TestSeenSetEviction(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "ratman.db"), Options{SeenCapacity: 2}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		if err := j.MarkSeen(ctx, k); err != nil {
			t.Fatalf("mark seen %s: %v", k, err)
		}
	}
	if seen, _ := j.HasSeen(ctx, "a"); seen {
		t.Fatal("expected oldest entry evicted once capacity exceeded")
	}
	if seen, _ := j.HasSeen(ctx, "c"); !seen {
		t.Fatal("expected newest entry retained")
	}
}

func TestManifestsLifecycle(t *testing.T) {
	j := open(t)
	ctx := context.Background()

	rc := eris.ReadCapability{RootRef: rid.Random(), RootKey: rid.Random(), Level: 1, BlockSize: eris.BlockSize1KiB}
	if err := j.SaveManifest(ctx, "addr1", rc, []byte("aux")); err != nil {
		t.Fatalf("save manifest: %v", err)
	}
	if err := j.SaveManifest(ctx, "addr1", rc, []byte("aux")); err != nil {
		t.Fatalf("save manifest again (idempotent): %v", err)
	}

	rows, err := j.ListManifestsFor(ctx, "addr1")
	if err != nil || len(rows) != 1 {
		t.Fatalf("list manifests: rows=%d err=%v", len(rows), err)
	}
	if rows[0].RootRef != rc.RootRef || rows[0].RootKey != rc.RootKey {
		t.Fatalf("round trip mismatch: %+v", rows[0])
	}

	if err := j.MarkManifestDelivered(ctx, rc.RootRef); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	rows, err = j.ListManifestsFor(ctx, "addr1")
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected no pending manifests after delivery, got %d", len(rows))
	}
}

func TestAddrsLifecycle(t *testing.T) {
	j := open(t)
	ctx := context.Background()
	addr := rid.RandomAddress()

	if err := j.CreateAddr(ctx, addr, "", "client-1"); err != nil {
		t.Fatalf("create addr: %v", err)
	}
	err := j.CreateAddr(ctx, addr, "", "client-1")
	if !rerrs.Is(err, rerrs.KindDuplicate) || !errors.Is(err, rerrs.ErrAddressExists) {
		t.Fatalf("expected duplicate-address error, got %v", err)
	}

	row, ok, err := j.GetAddr(ctx, addr)
	if err != nil || !ok || row.ClientID != "client-1" {
		t.Fatalf("get addr: row=%+v ok=%v err=%v", row, ok, err)
	}

	if err := j.DeleteAddr(ctx, addr); err != nil {
		t.Fatalf("delete addr: %v", err)
	}
	if err := j.DeleteAddr(ctx, addr); !rerrs.Is(err, rerrs.KindNotFound) {
		t.Fatalf("expected not-found deleting twice, got %v", err)
	}
}

func TestFramesDeferredQueue(t *testing.T) {
	j := open(t)
	ctx := context.Background()

	id, err := j.InsertFrame(ctx, "addr1", []byte("payload"), true)
	if err != nil {
		t.Fatalf("insert frame: %v", err)
	}

	fs, err := j.DeferredFramesFor(ctx, "addr1")
	if err != nil || len(fs) != 1 || fs[0].ID != id {
		t.Fatalf("deferred frames: %+v err=%v", fs, err)
	}

	if err := j.DeleteFrame(ctx, id); err != nil {
		t.Fatalf("delete frame: %v", err)
	}
	fs, err = j.DeferredFramesFor(ctx, "addr1")
	if err != nil || len(fs) != 0 {
		t.Fatalf("expected empty deferred queue, got %d", len(fs))
	}
}

func TestRoutesSnapshot(t *testing.T) {
	j := open(t)
	ctx := context.Background()

	r := RouteRow{Recipient: "addr1", NeighbourID: "n1", LinkID: "l1", Score: 0.5}
	if err := j.SaveRoute(ctx, r); err != nil {
		t.Fatalf("save route: %v", err)
	}
	r.Score = 0.25
	if err := j.SaveRoute(ctx, r); err != nil {
		t.Fatalf("update route: %v", err)
	}

	rows, err := j.LoadRoutes(ctx)
	if err != nil || len(rows) != 1 || rows[0].Score != 0.25 {
		t.Fatalf("load routes: %+v err=%v", rows, err)
	}

	if err := j.DeleteRoute(ctx, "addr1"); err != nil {
		t.Fatalf("delete route: %v", err)
	}
	rows, err = j.LoadRoutes(ctx)
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected no routes, got %d", len(rows))
	}
}

func TestSubsDurable(t *testing.T) {
	j := open(t)
	ctx := context.Background()

	if err := j.AddSub(ctx, "client-1", "addr1"); err != nil {
		t.Fatalf("add sub: %v", err)
	}
	if err := j.AddSub(ctx, "client-1", "addr1"); err != nil {
		t.Fatalf("add sub again (idempotent): %v", err)
	}
	ids, err := j.SubsFor(ctx, "addr1")
	if err != nil || len(ids) != 1 || ids[0] != "client-1" {
		t.Fatalf("subs for: %v err=%v", ids, err)
	}
	if err := j.RemoveSub(ctx, "client-1", "addr1"); err != nil {
		t.Fatalf("remove sub: %v", err)
	}
	ids, err = j.SubsFor(ctx, "addr1")
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected no subs, got %v", ids)
	}
}
