package journal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ratman-router/ratman/internal/rerrs"
)

// Frame is a buffered carrier frame awaiting delivery, keyed by an
// autoincrement row id rather than the frame's own content, since a
// recipient may be handed the same logical frame payload more than once
// (e.g. retried after a failed send).
type Frame struct {
	ID        int64     `db:"id"`
	Recipient string    `db:"recipient"`
	Payload   []byte    `db:"payload"`
	Deferred  bool      `db:"deferred"`
	CreatedAt time.Time `db:"-"`
}

// InsertFrame buffers payload for recipient (spec §4.3 insert_frame). If
// deferred is set, the frame is parked in the retry queue used when every
// neighbour send attempt for recipient has failed (spec §4.1).
func (j *Journal) InsertFrame(ctx context.Context, recipient string, payload []byte, deferred bool) (int64, error) {
	defer j.timeWrite()()
	res, err := j.x.ExecContext(ctx,
		`INSERT INTO frames (recipient, payload, deferred, created_at) VALUES (?, ?, ?, ?)`,
		recipient, payload, deferred, time.Now().Unix())
	if err != nil {
		return 0, rerrs.New(rerrs.KindIO, "journal.insert_frame", err)
	}
	j.m.framesInsertedTotal.Inc()
	return res.LastInsertId()
}

// GetFrame retrieves a previously buffered frame by id (spec §4.3
// get_frame). ok is false if no such frame exists, e.g. it was already
// delivered and removed.
func (j *Journal) GetFrame(ctx context.Context, id int64) (Frame, bool, error) {
	var f Frame
	err := j.x.GetContext(ctx, &f, `SELECT id, recipient, payload, deferred FROM frames WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Frame{}, false, nil
	}
	if err != nil {
		return Frame{}, false, rerrs.New(rerrs.KindIO, "journal.get_frame", err)
	}
	return f, true, nil
}

// DeferredFramesFor lists frames parked under recipient's retry queue, in
// the order they were enqueued. Nothing in the router reads this queue
// back: deferred frames are stored and never re-sent.
func (j *Journal) DeferredFramesFor(ctx context.Context, recipient string) ([]Frame, error) {
	var fs []Frame
	err := j.x.SelectContext(ctx, &fs,
		`SELECT id, recipient, payload, deferred FROM frames WHERE recipient = ? AND deferred = 1 ORDER BY created_at ASC`,
		recipient)
	if err != nil {
		return nil, rerrs.New(rerrs.KindIO, "journal.deferred_frames_for", err)
	}
	return fs, nil
}

// DeleteFrame removes a buffered frame once delivered or retried
// successfully.
func (j *Journal) DeleteFrame(ctx context.Context, id int64) error {
	if _, err := j.x.ExecContext(ctx, `DELETE FROM frames WHERE id = ?`, id); err != nil {
		return rerrs.New(rerrs.KindIO, "journal.delete_frame", err)
	}
	return nil
}
