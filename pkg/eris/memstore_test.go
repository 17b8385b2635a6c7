package eris

import (
	"context"
	"sync"

	"github.com/ratman-router/ratman/pkg/rid"
)

// memStore is a trivial in-memory BlockStore, grounded on the teacher's
// pkg/memstore sync.Map-backed stores, used only to exercise the engine in
// tests.
type memStore struct {
	mu     sync.Mutex
	blocks map[rid.Ident32][]byte
}

func newMemStore() *memStore {
	return &memStore{blocks: make(map[rid.Ident32][]byte)}
}

func (m *memStore) Get(_ context.Context, ref rid.Ident32) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[ref]
	return b, ok, nil
}

func (m *memStore) Put(_ context.Context, ref rid.Ident32, block []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[ref] = block
	return nil
}

func (m *memStore) delete(ref rid.Ident32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, ref)
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}
