package eris

import (
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ratman-router/ratman/pkg/rid"
)

// deriveKey computes a block's symmetric key from its (already padded)
// plaintext and the stream's convergence secret (spec §4.2: "Derive each
// block's symmetric key from its plaintext and the convergence secret").
// Identical plaintext + identical secret always yields the identical key,
// which is the convergent-encryption property spec §8 property 3 requires.
func deriveKey(secret rid.Ident32, plaintext []byte) rid.Ident32 {
	h, err := blake2b.New256(secret[:])
	if err != nil {
		// Only returns an error for an oversized key, and secret is fixed
		// at 32 bytes, which blake2b always accepts as a MAC key.
		panic(fmt.Sprintf("eris: blake2b keyed hash: %v", err))
	}
	h.Write(plaintext)
	return rid.FromBytes(h.Sum(nil))
}

// blockRef computes a block's content reference from its ciphertext.
func blockRef(ciphertext []byte) rid.Ident32 {
	return rid.Ident32(blake2b.Sum256(ciphertext))
}

// BlockRef exposes blockRef to callers outside the package that need to
// verify a claimed reference against raw ciphertext bytes without going
// through Encode/Decode — the collector does this when a reassembled
// block's hash must match the reference carried on the wire (spec §4.6).
func BlockRef(ciphertext []byte) rid.Ident32 {
	return blockRef(ciphertext)
}

// zeroNonce is safe here because every block uses a key derived uniquely
// from its own (padded) plaintext; the same (key, nonce) pair is never
// reused across distinct plaintexts, which is chacha20poly1305's only
// nonce-reuse requirement.
var zeroNonce [chacha20poly1305.NonceSize]byte

func encryptBlock(key rid.Ident32, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, zeroNonce[:], plaintext, nil), nil
}

func decryptBlock(key rid.Ident32, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, zeroNonce[:], ciphertext, nil)
}
