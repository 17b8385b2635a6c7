package journal

import (
	"context"
	"time"

	"github.com/ratman-router/ratman/internal/rerrs"
	"github.com/ratman-router/ratman/pkg/rid"
)

// AddrRow is a locally-registered address (spec §3 "Addresses are created
// by clients, persisted by the journal... destroyed only by explicit
// addr_delete").
type AddrRow struct {
	Address   string `db:"address"`
	Namespace string `db:"namespace"`
	ClientID  string `db:"client_id"`
}

// CreateAddr persists a newly registered address. Returns
// rerrs.ErrAddressExists if addr is already registered.
func (j *Journal) CreateAddr(ctx context.Context, addr rid.Address, namespace string, clientID string) error {
	defer j.timeWrite()()
	_, err := j.x.ExecContext(ctx,
		`INSERT INTO addrs (address, namespace, client_id, created_at) VALUES (?, ?, ?, ?)`,
		addr.String(), namespace, clientID, time.Now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return rerrs.New(rerrs.KindDuplicate, "journal.create_addr", rerrs.ErrAddressExists)
		}
		return rerrs.New(rerrs.KindIO, "journal.create_addr", err)
	}
	return nil
}

// DeleteAddr removes a registered address (the only way an address is ever
// destroyed, per spec §3).
func (j *Journal) DeleteAddr(ctx context.Context, addr rid.Address) error {
	res, err := j.x.ExecContext(ctx, `DELETE FROM addrs WHERE address = ?`, addr.String())
	if err != nil {
		return rerrs.New(rerrs.KindIO, "journal.delete_addr", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rerrs.New(rerrs.KindNotFound, "journal.delete_addr", rerrs.ErrNoAddress)
	}
	return nil
}

// GetAddr looks up a registered address's owning client and namespace.
func (j *Journal) GetAddr(ctx context.Context, addr rid.Address) (AddrRow, bool, error) {
	var row AddrRow
	err := j.x.GetContext(ctx, &row, `SELECT address, namespace, client_id FROM addrs WHERE address = ?`, addr.String())
	if err != nil {
		if isNoRowsErr(err) {
			return AddrRow{}, false, nil
		}
		return AddrRow{}, false, rerrs.New(rerrs.KindIO, "journal.get_addr", err)
	}
	return row, true, nil
}

// ListAddrs returns every address registered on this router, optionally
// filtered to those in namespace (empty means all).
func (j *Journal) ListAddrs(ctx context.Context, namespace string) ([]AddrRow, error) {
	var rows []AddrRow
	var err error
	if namespace == "" {
		err = j.x.SelectContext(ctx, &rows, `SELECT address, namespace, client_id FROM addrs ORDER BY created_at ASC`)
	} else {
		err = j.x.SelectContext(ctx, &rows, `SELECT address, namespace, client_id FROM addrs WHERE namespace = ? ORDER BY created_at ASC`, namespace)
	}
	if err != nil {
		return nil, rerrs.New(rerrs.KindIO, "journal.list_addrs", err)
	}
	return rows, nil
}
