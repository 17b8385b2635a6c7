package journal

import (
	"context"
	"time"

	"github.com/ratman-router/ratman/internal/rerrs"
)

// RouteRow is a persisted snapshot of one route table entry (spec §4.1
// route table, §5 "shared state... behind fine-grained locks" — the
// in-memory pkg/routes.RouteTable is the live authority). Neither the
// route table nor cmd/ratmand writes or restores these rows, so a
// restarted router starts with an empty route table.
type RouteRow struct {
	Recipient   string  `db:"recipient"`
	NeighbourID string  `db:"neighbour_id"`
	LinkID      string  `db:"link_id"`
	Score       float64 `db:"score"`
}

// SaveRoute upserts a route table entry's snapshot.
func (j *Journal) SaveRoute(ctx context.Context, r RouteRow) error {
	_, err := j.x.ExecContext(ctx,
		`INSERT INTO routes (recipient, neighbour_id, link_id, score, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(recipient) DO UPDATE SET neighbour_id = excluded.neighbour_id, link_id = excluded.link_id,
		 score = excluded.score, updated_at = excluded.updated_at`,
		r.Recipient, r.NeighbourID, r.LinkID, r.Score, time.Now().Unix())
	if err != nil {
		return rerrs.New(rerrs.KindIO, "journal.save_route", err)
	}
	return nil
}

// DeleteRoute removes a route snapshot.
func (j *Journal) DeleteRoute(ctx context.Context, recipient string) error {
	if _, err := j.x.ExecContext(ctx, `DELETE FROM routes WHERE recipient = ?`, recipient); err != nil {
		return rerrs.New(rerrs.KindIO, "journal.delete_route", err)
	}
	return nil
}

// LoadRoutes returns every persisted route snapshot. The router does not
// call it at startup; the route table starts empty.
func (j *Journal) LoadRoutes(ctx context.Context) ([]RouteRow, error) {
	var rows []RouteRow
	if err := j.x.SelectContext(ctx, &rows, `SELECT recipient, neighbour_id, link_id, score FROM routes`); err != nil {
		return nil, rerrs.New(rerrs.KindIO, "journal.load_routes", err)
	}
	return rows, nil
}
