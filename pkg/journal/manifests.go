package journal

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/eris"
	"github.com/ratman-router/ratman/pkg/rid"
)

// ManifestRow is a stored manifest: a recipient's read capability into the
// block engine, plus the bookkeeping the collector and GC need (spec §4.3
// save_manifest / list_manifests_for, §4.4 "the collector stores the
// manifest and walks its reference tree").
type ManifestRow struct {
	RootRef   rid.Ident32
	Recipient string
	RootKey   rid.Ident32
	Level     int
	BlockSize int
	Aux       []byte
	Delivered bool
}

func (m ManifestRow) Capability() eris.ReadCapability {
	return eris.ReadCapability{RootRef: m.RootRef, RootKey: m.RootKey, Level: m.Level, BlockSize: m.BlockSize}
}

// SaveManifest idempotently records rc as a manifest recipient should
// receive (spec §4.3 save_manifest).
func (j *Journal) SaveManifest(ctx context.Context, recipient string, rc eris.ReadCapability, aux []byte) error {
	defer j.timeWrite()()
	_, err := j.x.ExecContext(ctx,
		`INSERT INTO manifests (root_ref, recipient, root_key, level, block_size, aux, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(root_ref) DO NOTHING`,
		rc.RootRef.String(), recipient, rc.RootKey.Slice(), rc.Level, rc.BlockSize, compressAux(aux), time.Now().Unix())
	if err != nil {
		return rerrs.New(rerrs.KindIO, "journal.save_manifest", err)
	}
	j.m.manifestsSavedTotal.Inc()
	// A manifest whose full block tree already arrived (or arrives before
	// this insert's transaction commits) needs the same "something changed,
	// recheck pending manifests" nudge a block does — reuse the
	// block-accepted channel rather than adding a second notification path.
	j.notifyBlockAccepted(rc.RootRef)
	return nil
}

type manifestRow struct {
	RootRef   string `db:"root_ref"`
	Recipient string `db:"recipient"`
	RootKey   []byte `db:"root_key"`
	Level     int    `db:"level"`
	BlockSize int    `db:"block_size"`
	Aux       []byte `db:"aux"`
	Delivered bool   `db:"delivered"`
}

func (r manifestRow) toManifestRow() ManifestRow {
	return ManifestRow{
		RootRef:   rid.FromBytes(mustHex32(r.RootRef)),
		Recipient: r.Recipient,
		RootKey:   rid.FromBytes(r.RootKey),
		Level:     r.Level,
		BlockSize: r.BlockSize,
		Aux:       decompressAux(r.Aux),
		Delivered: r.Delivered,
	}
}

// compressAux and decompressAux gzip the manifest's opaque aux blob at rest,
// the same way the teacher's player-data store gzips its BLOB column: aux
// carries the sender's wire.AuxPair list flattened to bytes (pkg/collector's
// auxBytes), which is small and textual enough to compress well, and a
// router may be journaling many pending manifests at once.
func compressAux(aux []byte) []byte {
	if len(aux) == 0 {
		return nil
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write(aux)
	gw.Close()
	return buf.Bytes()
}

// decompressAux falls back to returning stored as-is if it isn't a valid
// gzip stream, so rows written before this encoding existed still read back.
func decompressAux(stored []byte) []byte {
	if len(stored) == 0 {
		return nil
	}
	gr, err := gzip.NewReader(bytes.NewReader(stored))
	if err != nil {
		return stored
	}
	defer gr.Close()
	out, err := io.ReadAll(gr)
	if err != nil {
		return stored
	}
	return out
}

// ListManifestsFor returns every manifest awaiting delivery to recipient
// (spec §4.3 list_manifests_for).
func (j *Journal) ListManifestsFor(ctx context.Context, recipient string) ([]ManifestRow, error) {
	var rows []manifestRow
	err := j.x.SelectContext(ctx, &rows,
		`SELECT root_ref, recipient, root_key, level, block_size, aux, delivered FROM manifests
		 WHERE recipient = ? AND delivered = 0 ORDER BY created_at ASC`, recipient)
	if err != nil {
		return nil, rerrs.New(rerrs.KindIO, "journal.list_manifests_for", err)
	}
	out := make([]ManifestRow, len(rows))
	for i, r := range rows {
		out[i] = r.toManifestRow()
	}
	return out, nil
}

// ListPendingManifests returns every undelivered manifest across all
// recipients, for the message assembler to re-check after each newly
// accepted block (spec §4.4 "the message assembler task watches the
// journal's block-accepted stream").
func (j *Journal) ListPendingManifests(ctx context.Context) ([]ManifestRow, error) {
	var rows []manifestRow
	err := j.x.SelectContext(ctx, &rows,
		`SELECT root_ref, recipient, root_key, level, block_size, aux, delivered FROM manifests
		 WHERE delivered = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, rerrs.New(rerrs.KindIO, "journal.list_pending_manifests", err)
	}
	out := make([]ManifestRow, len(rows))
	for i, r := range rows {
		out[i] = r.toManifestRow()
	}
	return out, nil
}

// MarkManifestDelivered flags a manifest as delivered to at least one
// subscriber, starting its GC retention window (spec §4.4 "After successful
// delivery acknowledgment... eligible for GC").
func (j *Journal) MarkManifestDelivered(ctx context.Context, rootRef rid.Ident32) error {
	if _, err := j.x.ExecContext(ctx, `UPDATE manifests SET delivered = 1 WHERE root_ref = ?`, rootRef.String()); err != nil {
		return rerrs.New(rerrs.KindIO, "journal.mark_manifest_delivered", err)
	}
	return nil
}

// GCManifests deletes delivered manifests older than retain, along with any
// blocks no remaining manifest's tree still references (spec §4.4 GC window;
// spec §8 S3 "B's journal retains no blocks after delivery + GC window").
// Reference counting is done by walking every surviving manifest's tree with
// eris.CollectRefs rather than maintaining a back-reference table: manifest
// counts are small enough per router that the O(manifests) tree walk each GC
// round is cheaper than the bookkeeping a ref-count column would need.
func (j *Journal) GCManifests(ctx context.Context, retain time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retain).Unix()

	var expired []manifestRow
	if err := j.x.SelectContext(ctx, &expired,
		`SELECT root_ref, recipient, root_key, level, block_size, aux, delivered FROM manifests
		 WHERE delivered = 1 AND created_at < ?`, cutoff); err != nil {
		return 0, rerrs.New(rerrs.KindIO, "journal.gc_manifests", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	var kept []manifestRow
	if err := j.x.SelectContext(ctx, &kept,
		`SELECT root_ref, recipient, root_key, level, block_size, aux, delivered FROM manifests
		 WHERE NOT (delivered = 1 AND created_at < ?)`, cutoff); err != nil {
		return 0, rerrs.New(rerrs.KindIO, "journal.gc_manifests", err)
	}
	keepRefs := make(map[rid.Ident32]struct{})
	for _, r := range kept {
		refs, err := eris.CollectRefs(ctx, r.toManifestRow().Capability(), j.Blocks())
		if err != nil {
			j.log.Warn().Err(err).Str("root_ref", r.RootRef).Msg("gc_manifests: failed to walk kept manifest's tree; its blocks are excluded from collection this round")
			continue
		}
		for _, ref := range refs {
			keepRefs[ref] = struct{}{}
		}
	}

	res, err := j.x.ExecContext(ctx, `DELETE FROM manifests WHERE delivered = 1 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, rerrs.New(rerrs.KindIO, "journal.gc_manifests", err)
	}
	n, _ := res.RowsAffected()

	for _, r := range expired {
		refs, err := eris.CollectRefs(ctx, r.toManifestRow().Capability(), j.Blocks())
		if err != nil {
			j.log.Warn().Err(err).Str("root_ref", r.RootRef).Msg("gc_manifests: failed to walk expired manifest's tree; its blocks are left behind this round")
			continue
		}
		for _, ref := range refs {
			if _, keep := keepRefs[ref]; keep {
				continue
			}
			if _, err := j.x.ExecContext(ctx, `DELETE FROM blocks WHERE ref = ?`, ref.String()); err != nil {
				j.log.Warn().Err(err).Str("ref", ref.String()).Msg("gc_manifests: failed to delete orphaned block")
			}
		}
	}

	return n, nil
}

func mustHex32(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("journal: corrupt stored reference: " + err.Error())
	}
	return b
}

func (j *Journal) manifestExists(ctx context.Context, rootRef rid.Ident32) (bool, error) {
	var n int
	err := j.x.GetContext(ctx, &n, `SELECT COUNT(1) FROM manifests WHERE root_ref = ?`, rootRef.String())
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, rerrs.New(rerrs.KindIO, "journal.manifest_exists", err)
	}
	return n > 0, nil
}
