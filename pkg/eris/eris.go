package eris

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/rid"
)

// Encode splits r into blockSize plaintext blocks, encrypts each with a key
// convergently derived from its content and secret, stores the ciphertexts
// in store, and returns the resulting ReadCapability (spec §4.2).
func Encode(ctx context.Context, r io.Reader, secret rid.Ident32, blockSize int, store BlockStore) (ReadCapability, error) {
	if !validBlockSize(blockSize) {
		return ReadCapability{}, rerrs.New(rerrs.KindEncoding, "eris.encode", fmt.Errorf("unsupported block size %d", blockSize))
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return ReadCapability{}, rerrs.New(rerrs.KindIO, "eris.encode", err)
	}

	pairs, err := encodeContent(ctx, data, secret, blockSize, store)
	if err != nil {
		return ReadCapability{}, err
	}

	level := 0
	for len(pairs) > 1 {
		level++
		content := packPairs(pairs)
		pairs, err = encodeContent(ctx, content, secret, blockSize, store)
		if err != nil {
			return ReadCapability{}, err
		}
	}

	root := pairs[0]
	return ReadCapability{
		RootRef:   root.ref,
		RootKey:   root.key,
		Level:     level,
		BlockSize: blockSize,
	}, nil
}

// encodeContent pads, chunks, encrypts, and stores content, returning one
// (ref, key) pair per resulting physical block.
func encodeContent(ctx context.Context, content []byte, secret rid.Ident32, blockSize int, store BlockStore) ([]pair, error) {
	chunks := chunk(pad(content, blockSize), blockSize)
	pairs := make([]pair, len(chunks))
	for i, c := range chunks {
		key := deriveKey(secret, c)
		ciphertext, err := encryptBlock(key, c)
		if err != nil {
			return nil, rerrs.New(rerrs.KindEncoding, "eris.encode", err)
		}
		ref := blockRef(ciphertext)
		if err := store.Put(ctx, ref, ciphertext); err != nil {
			return nil, rerrs.New(rerrs.KindIO, "eris.encode", err)
		}
		pairs[i] = pair{ref: ref, key: key}
	}
	return pairs, nil
}

// Decode writes the original plaintext for rc to w, reading blocks from the
// read-only store. It fails with a MissingBlock-kind error if store cannot
// produce a referenced block (spec §4.2).
func Decode(ctx context.Context, w io.Writer, rc ReadCapability, store BlockStore) error {
	if !validBlockSize(rc.BlockSize) {
		return rerrs.New(rerrs.KindEncoding, "eris.decode", fmt.Errorf("unsupported block size %d", rc.BlockSize))
	}

	pairs := []pair{{ref: rc.RootRef, key: rc.RootKey}}
	for level := rc.Level; level >= 1; level-- {
		content, err := decodeContent(ctx, pairs, store)
		if err != nil {
			return err
		}
		var ok bool
		pairs, ok = unpackPairs(content)
		if !ok {
			return rerrs.New(rerrs.KindEncoding, "eris.decode", fmt.Errorf("corrupt internal node at level %d", level))
		}
	}

	plaintext, err := decodeContent(ctx, pairs, store)
	if err != nil {
		return err
	}
	if _, err := w.Write(plaintext); err != nil {
		return rerrs.New(rerrs.KindIO, "eris.decode", err)
	}
	return nil
}

// CollectRefs walks rc's reference tree the same way Decode does and
// returns every physical block reference involved, both internal-node and
// leaf blocks, in the order Decode would fetch them. Callers that need to
// ship a complete tree to a remote store (rather than decode it locally)
// use this to know which blocks to send.
func CollectRefs(ctx context.Context, rc ReadCapability, store BlockStore) ([]rid.Ident32, error) {
	if !validBlockSize(rc.BlockSize) {
		return nil, rerrs.New(rerrs.KindEncoding, "eris.collect_refs", fmt.Errorf("unsupported block size %d", rc.BlockSize))
	}

	var refs []rid.Ident32
	pairs := []pair{{ref: rc.RootRef, key: rc.RootKey}}
	for level := rc.Level; level >= 1; level-- {
		for _, p := range pairs {
			refs = append(refs, p.ref)
		}
		content, err := decodeContent(ctx, pairs, store)
		if err != nil {
			return nil, err
		}
		var ok bool
		pairs, ok = unpackPairs(content)
		if !ok {
			return nil, rerrs.New(rerrs.KindEncoding, "eris.collect_refs", fmt.Errorf("corrupt internal node at level %d", level))
		}
	}
	for _, p := range pairs {
		refs = append(refs, p.ref)
	}
	return refs, nil
}

// decodeContent fetches and decrypts every block in pairs, concatenates
// them in order, and trims the single padding marker that spans the whole
// concatenation.
func decodeContent(ctx context.Context, pairs []pair, store BlockStore) ([]byte, error) {
	var buf bytes.Buffer
	for _, p := range pairs {
		block, ok, err := store.Get(ctx, p.ref)
		if err != nil {
			return nil, rerrs.New(rerrs.KindIO, "eris.decode", err)
		}
		if !ok {
			return nil, rerrs.New(rerrs.KindNotFound, "eris.decode", fmt.Errorf("%w: %s", rerrs.ErrMissingBlock, p.ref))
		}
		plaintext, err := decryptBlock(p.key, block)
		if err != nil {
			return nil, rerrs.New(rerrs.KindEncoding, "eris.decode", fmt.Errorf("decrypt block %s: %w", p.ref, err))
		}
		buf.Write(plaintext)
	}
	content, ok := unpad(buf.Bytes())
	if !ok {
		return nil, rerrs.New(rerrs.KindEncoding, "eris.decode", fmt.Errorf("missing padding marker"))
	}
	return content, nil
}
