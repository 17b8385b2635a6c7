package collector

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratman-router/ratman/pkg/eris"
	"github.com/ratman-router/ratman/pkg/rid"
)

// withholdingStore wraps a BlockStore and pretends its skip'th Put
// succeeded without actually forwarding it, capturing the ref/block so a
// test can journal it later. Simulates one block of a stream never having
// arrived at all, rather than arriving and later being GC'd.
type withholdingStore struct {
	eris.BlockStore
	skip int

	calls         int
	withheldRef   rid.Ident32
	withheldBlock []byte
}

func (s *withholdingStore) Put(ctx context.Context, ref rid.Ident32, block []byte) error {
	idx := s.calls
	s.calls++
	if idx == s.skip {
		s.withheldRef = ref
		s.withheldBlock = append([]byte(nil), block...)
		return nil
	}
	return s.BlockStore.Put(ctx, ref, block)
}

// TestAssemblerWaitsForMissingBlockThenDelivers covers spec §8 S5: a
// manifest whose tree references a block that never arrived stays pending
// indefinitely rather than delivering a truncated payload, and completes
// the instant the missing block is journaled.
func TestAssemblerWaitsForMissingBlockThenDelivers(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	// Three full plaintext blocks forces one level of indirection (a root
	// index block plus four leaves: three of data, one of pure padding), so
	// one leaf can be withheld independently of the other leaves and the
	// index.
	secret := rid.Random()
	data := bytes.Repeat([]byte{0x5a}, eris.BlockSize1KiB*3)

	captor := &withholdingStore{BlockStore: &journalStoreAdapter{j}, skip: 1}
	rc, err := eris.Encode(ctx, bytes.NewReader(data), secret, eris.BlockSize1KiB, captor)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if captor.withheldBlock == nil {
		t.Fatal("expected a block to have been withheld")
	}

	recipient := rid.RecipientAddress(rid.RandomAddress())
	if err := j.SaveManifest(ctx, recipient.String(), rc, nil); err != nil {
		t.Fatalf("save manifest: %v", err)
	}

	sink := &fakeSink{}
	asm := NewAssembler(j, sink, zerolog.Nop())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go asm.Run(runCtx)

	time.Sleep(200 * time.Millisecond)
	if len(sink.got) != 0 {
		t.Fatalf("expected no delivery while a block is missing, got %d", len(sink.got))
	}
	rows, err := j.ListPendingManifests(ctx)
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected manifest still pending: rows=%v err=%v", rows, err)
	}

	if err := j.Blocks().Put(ctx, captor.withheldRef, captor.withheldBlock); err != nil {
		t.Fatalf("put withheld block: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.got) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(sink.got) != 1 {
		t.Fatalf("expected delivery once the missing block arrived, got %d", len(sink.got))
	}
	if !bytes.Equal(sink.got[0].Payload, data) {
		t.Fatal("delivered payload mismatch after late block arrival")
	}
}
