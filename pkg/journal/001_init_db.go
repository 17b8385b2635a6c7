package journal

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	registerMigration(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	stmts := []string{
		// blocks: the ERIS BlockStore partition (spec §4.2/§4.3). ref is the
		// hex-encoded content reference of the ciphertext.
		`CREATE TABLE blocks (
			ref       TEXT PRIMARY KEY NOT NULL,
			data      BLOB NOT NULL,
			stored_at INTEGER NOT NULL
		) STRICT`,

		// manifests: one row per read capability a recipient's stream
		// reassembles to, keyed by the root reference (spec §4.3).
		`CREATE TABLE manifests (
			root_ref    TEXT PRIMARY KEY NOT NULL,
			recipient   TEXT NOT NULL,
			root_key    BLOB NOT NULL,
			level       INTEGER NOT NULL,
			block_size  INTEGER NOT NULL,
			aux         BLOB,
			created_at  INTEGER NOT NULL,
			delivered   INTEGER NOT NULL DEFAULT 0
		) STRICT`,
		`CREATE INDEX manifests_recipient_idx ON manifests(recipient, created_at)`,

		// frames: store-and-forward buffering for offline recipients and
		// the deferred-retry queue (spec §4.1 "Else look up recipient...").
		`CREATE TABLE frames (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			recipient   TEXT NOT NULL,
			payload     BLOB NOT NULL,
			deferred    INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL
		) STRICT`,
		`CREATE INDEX frames_recipient_idx ON frames(recipient, deferred)`,

		// seen: the flood de-duplication set (spec §8 property 6: "a frame
		// seen twice is delivered/forwarded once").
		`CREATE TABLE seen (
			frame_key  TEXT PRIMARY KEY NOT NULL,
			seen_at    INTEGER NOT NULL
		) STRICT`,
		`CREATE INDEX seen_seen_at_idx ON seen(seen_at)`,

		// addrs: the local address registry (spec §3 "Addresses are created
		// by clients, persisted by the journal").
		`CREATE TABLE addrs (
			address      TEXT PRIMARY KEY NOT NULL,
			namespace    TEXT,
			client_id    TEXT NOT NULL,
			created_at   INTEGER NOT NULL
		) STRICT`,

		// routes: route table snapshot rows (SaveRoute/LoadRoutes); the
		// router neither writes nor restores them.
		`CREATE TABLE routes (
			recipient     TEXT PRIMARY KEY NOT NULL,
			neighbour_id  TEXT NOT NULL,
			link_id       TEXT NOT NULL,
			score         REAL NOT NULL,
			updated_at    INTEGER NOT NULL
		) STRICT`,

		// subs: durable subscription intents (which local address is
		// interested in which recipient's inbound stream); delivery does not
		// read them, so an IPC client that reconnects subscribes again.
		`CREATE TABLE subs (
			client_id   TEXT NOT NULL,
			address     TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			PRIMARY KEY (client_id, address)
		) STRICT`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, strings.TrimSpace(s)); err != nil {
			return fmt.Errorf("exec %q: %w", strings.SplitN(s, "\n", 2)[0], err)
		}
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	for _, tbl := range []string{"subs", "routes", "addrs", "seen", "frames", "manifests", "blocks"} {
		if _, err := tx.ExecContext(ctx, `DROP TABLE `+tbl); err != nil {
			return fmt.Errorf("drop %s: %w", tbl, err)
		}
	}
	return nil
}
