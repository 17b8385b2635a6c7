package journal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/eris"
	"github.com/ratman-router/ratman/pkg/rid"
)

// blockStore adapts a Journal to eris.BlockStore, so the block engine can
// read and write ciphertext blocks directly through the journal (spec §4.2
// "the journal owns all persisted blocks").
type blockStore struct{ j *Journal }

// Blocks returns the eris.BlockStore view of this journal.
func (j *Journal) Blocks() eris.BlockStore {
	return blockStore{j}
}

func (b blockStore) Get(ctx context.Context, ref rid.Ident32) ([]byte, bool, error) {
	var data []byte
	err := b.j.x.GetContext(ctx, &data, `SELECT data FROM blocks WHERE ref = ?`, ref.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, rerrs.New(rerrs.KindIO, "journal.get_block", err)
	}
	return data, true, nil
}

func (b blockStore) Put(ctx context.Context, ref rid.Ident32, block []byte) error {
	defer b.j.timeWrite()()
	_, err := b.j.x.ExecContext(ctx,
		`INSERT INTO blocks (ref, data, stored_at) VALUES (?, ?, ?) ON CONFLICT(ref) DO NOTHING`,
		ref.String(), block, time.Now().Unix())
	if err != nil {
		return rerrs.New(rerrs.KindIO, "journal.put_block", err)
	}
	b.j.m.blocksStoredTotal.Inc()
	b.j.notifyBlockAccepted(ref)
	return nil
}

// HasBlock reports whether ref is already stored, without fetching its
// content.
func (j *Journal) HasBlock(ctx context.Context, ref rid.Ident32) (bool, error) {
	var n int
	if err := j.x.GetContext(ctx, &n, `SELECT COUNT(1) FROM blocks WHERE ref = ?`, ref.String()); err != nil {
		return false, rerrs.New(rerrs.KindIO, "journal.has_block", err)
	}
	return n > 0, nil
}

// SubscribeBlockAccepted registers ch to receive the reference of every
// block newly stored from this point on (spec §4.3 "the journal emits a
// block-accepted notification on every newly-stored block"). Grounded on
// the teacher's pkg/nspkt/listener.go monitor-channel fan-out (a
// map[chan<- T]struct{} guarded by a mutex, non-blocking send).
func (j *Journal) SubscribeBlockAccepted(ch chan<- rid.Ident32) (unsubscribe func()) {
	j.mu.Lock()
	j.blockSub[ch] = struct{}{}
	j.mu.Unlock()
	return func() {
		j.mu.Lock()
		delete(j.blockSub, ch)
		j.mu.Unlock()
	}
}

func (j *Journal) notifyBlockAccepted(ref rid.Ident32) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for ch := range j.blockSub {
		select {
		case ch <- ref:
		default:
			// Slow subscriber: drop rather than stall block storage. The
			// collector re-derives required blocks from the manifest it
			// already holds, so a missed notification only delays
			// delivery, it never loses it.
		}
	}
}
