package eris

import "github.com/ratman-router/ratman/pkg/rid"

// pairSize is the packed width of one (reference, key) pair in an internal
// node's content.
const pairSize = rid.Size * 2

type pair struct {
	ref rid.Ident32
	key rid.Ident32
}

// pad appends deterministic padding to content so its length becomes a
// positive multiple of blockSize: a single 0x80 marker byte, then zeros.
// If len(content) is already a multiple of blockSize, a whole additional
// block of pure padding is appended, so the marker is always present and
// unambiguous (spec §4.2 "pad the final block deterministically").
func pad(content []byte, blockSize int) []byte {
	padLen := blockSize - (len(content) % blockSize)
	out := make([]byte, len(content)+padLen)
	copy(out, content)
	out[len(content)] = 0x80
	return out
}

// unpad reverses pad, reporting false if the padding marker can't be
// found (corrupt or non-ERIS data).
func unpad(padded []byte) ([]byte, bool) {
	for i := len(padded) - 1; i >= 0; i-- {
		switch padded[i] {
		case 0x00:
			continue
		case 0x80:
			return padded[:i], true
		default:
			return nil, false
		}
	}
	return nil, false
}

// packPairs serializes a list of (ref, key) pairs into an internal node's
// content, in order.
func packPairs(pairs []pair) []byte {
	out := make([]byte, 0, len(pairs)*pairSize)
	for _, p := range pairs {
		out = append(out, p.ref.Slice()...)
		out = append(out, p.key.Slice()...)
	}
	return out
}

// unpackPairs is the inverse of packPairs. It returns false if content's
// length isn't a multiple of pairSize.
func unpackPairs(content []byte) ([]pair, bool) {
	if len(content)%pairSize != 0 {
		return nil, false
	}
	pairs := make([]pair, len(content)/pairSize)
	for i := range pairs {
		off := i * pairSize
		pairs[i] = pair{
			ref: rid.FromBytes(content[off : off+rid.Size]),
			key: rid.FromBytes(content[off+rid.Size : off+pairSize]),
		}
	}
	return pairs, true
}

// chunk splits padded (whose length must already be a multiple of
// blockSize) into blockSize-sized pieces.
func chunk(padded []byte, blockSize int) [][]byte {
	n := len(padded) / blockSize
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = padded[i*blockSize : (i+1)*blockSize]
	}
	return out
}
