package eris

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/rid"
)

func roundTrip(t *testing.T, data []byte, blockSize int) (ReadCapability, *memStore) {
	t.Helper()
	store := newMemStore()
	secret := rid.Random()

	rc, err := Encode(context.Background(), bytes.NewReader(data), secret, blockSize, store)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var out bytes.Buffer
	if err := Decode(context.Background(), &out, rc, store); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(out.Bytes(), data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", out.Len(), len(data))
	}
	return rc, store
}

func TestRoundTripSmall(t *testing.T) {
	for _, bs := range []int{BlockSize1KiB, BlockSize32KiB} {
		roundTrip(t, []byte("hello, ratman"), bs)
	}
}

func TestRoundTripEmpty(t *testing.T) {
	roundTrip(t, nil, BlockSize1KiB)
}

func TestRoundTripExactBlockMultiple(t *testing.T) {
	data := bytes.Repeat([]byte{0x11}, BlockSize1KiB*3)
	roundTrip(t, data, BlockSize1KiB)
}

func TestRoundTripMultiLevel(t *testing.T) {
	// 64 KiB over 1 KiB blocks needs 65 leaf blocks (64 of data plus one of
	// pure padding) -> more than fit in a single 1 KiB internal node (16
	// pairs/block), forcing a second level.
	data := make([]byte, 64*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	rc, _ := roundTrip(t, data, BlockSize1KiB)
	if rc.Level < 1 {
		t.Fatalf("expected at least one internal level for a 64 KiB stream, got level %d", rc.Level)
	}
}

func TestConvergence(t *testing.T) {
	data := bytes.Repeat([]byte("convergent"), 500)
	secret := rid.Random()

	s1, s2 := newMemStore(), newMemStore()
	rc1, err := Encode(context.Background(), bytes.NewReader(data), secret, BlockSize1KiB, s1)
	if err != nil {
		t.Fatal(err)
	}
	rc2, err := Encode(context.Background(), bytes.NewReader(data), secret, BlockSize1KiB, s2)
	if err != nil {
		t.Fatal(err)
	}
	if rc1.RootRef != rc2.RootRef {
		t.Fatalf("convergence violated: %s != %s", rc1.RootRef, rc2.RootRef)
	}
	if rc1.RootKey != rc2.RootKey {
		t.Fatalf("convergence violated for key: %s != %s", rc1.RootKey, rc2.RootKey)
	}
}

func TestDifferentSecretDifferentRef(t *testing.T) {
	data := []byte("same plaintext")
	store := newMemStore()
	rc1, err := Encode(context.Background(), bytes.NewReader(data), rid.Random(), BlockSize1KiB, store)
	if err != nil {
		t.Fatal(err)
	}
	rc2, err := Encode(context.Background(), bytes.NewReader(data), rid.Random(), BlockSize1KiB, store)
	if err != nil {
		t.Fatal(err)
	}
	if rc1.RootRef == rc2.RootRef {
		t.Fatal("expected different secrets to yield different root references")
	}
}

func TestMissingBlock(t *testing.T) {
	data := bytes.Repeat([]byte{0x22}, BlockSize1KiB*5)
	store := newMemStore()
	secret := rid.Random()

	rc, err := Encode(context.Background(), bytes.NewReader(data), secret, BlockSize1KiB, store)
	if err != nil {
		t.Fatal(err)
	}
	store.delete(rc.RootRef)

	var out bytes.Buffer
	err = Decode(context.Background(), &out, rc, store)
	if err == nil {
		t.Fatal("expected error decoding with a missing block")
	}
	if !errors.Is(err, rerrs.ErrMissingBlock) {
		t.Fatalf("expected ErrMissingBlock, got %v", err)
	}
	if !rerrs.Is(err, rerrs.KindNotFound) {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestUnsupportedBlockSize(t *testing.T) {
	store := newMemStore()
	_, err := Encode(context.Background(), bytes.NewReader([]byte("x")), rid.Random(), 777, store)
	if err == nil {
		t.Fatal("expected error for unsupported block size")
	}
}
