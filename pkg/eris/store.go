// Package eris implements ERIS: Encoding for Robust Immutable Storage, a
// content-addressed tree of fixed-size encrypted blocks (spec §4.2).
package eris

import (
	"context"

	"github.com/ratman-router/ratman/pkg/rid"
)

// BlockStore is the engine's only collaborator. It performs no I/O beyond
// what this interface exposes, so any durable backing (the journal's
// sqlite-backed block partition, or an in-memory map in tests) can serve it.
type BlockStore interface {
	// Get returns the stored block for ref, or ok=false if absent.
	Get(ctx context.Context, ref rid.Ident32) (block []byte, ok bool, err error)
	// Put stores block under ref. Puts are idempotent: storing the same ref
	// twice (necessarily with identical content, since ref is a hash of it)
	// is a no-op success.
	Put(ctx context.Context, ref rid.Ident32, block []byte) error
}

// Supported block sizes (spec §4.2, §8 property 2).
const (
	BlockSize1KiB  = 1024
	BlockSize32KiB = 32 * 1024
)

func validBlockSize(bs int) bool {
	return bs == BlockSize1KiB || bs == BlockSize32KiB
}

// ReadCapability is the ERIS root capability: everything needed to decode a
// previously-encoded stream back out of a BlockStore.
type ReadCapability struct {
	RootRef   rid.Ident32
	RootKey   rid.Ident32
	Level     int
	BlockSize int
}
