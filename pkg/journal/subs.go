package journal

import (
	"context"
	"time"

	"github.com/ratman-router/ratman/internal/rerrs"
)

// AddSub durably records that clientID's IPC session wants to receive
// address's inbound streams (spec §4.4 "exposes a readable stream to all
// IPC subscribers of that recipient"). Delivery does not read these rows:
// the IPC server pushes only to its in-memory subscriptions, so a client
// that reconnects must subscribe again.
func (j *Journal) AddSub(ctx context.Context, clientID, address string) error {
	_, err := j.x.ExecContext(ctx,
		`INSERT INTO subs (client_id, address, created_at) VALUES (?, ?, ?) ON CONFLICT(client_id, address) DO NOTHING`,
		clientID, address, time.Now().Unix())
	if err != nil {
		return rerrs.New(rerrs.KindIO, "journal.add_sub", err)
	}
	return nil
}

// RemoveSub drops a durable subscription intent.
func (j *Journal) RemoveSub(ctx context.Context, clientID, address string) error {
	if _, err := j.x.ExecContext(ctx, `DELETE FROM subs WHERE client_id = ? AND address = ?`, clientID, address); err != nil {
		return rerrs.New(rerrs.KindIO, "journal.remove_sub", err)
	}
	return nil
}

// SubsFor lists the client ids durably subscribed to address's inbound
// stream.
func (j *Journal) SubsFor(ctx context.Context, address string) ([]string, error) {
	var ids []string
	if err := j.x.SelectContext(ctx, &ids, `SELECT client_id FROM subs WHERE address = ?`, address); err != nil {
		return nil, rerrs.New(rerrs.KindIO, "journal.subs_for", err)
	}
	return ids, nil
}
