package journal

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

// migration registration follows the teacher's db/pdatadb package: the
// version is parsed out of the registering file's own name, so the
// NNN_description.go naming is load-bearing.
type migrationFn struct {
	Name string
	Up   func(context.Context, *sqlx.Tx) error
	Down func(context.Context, *sqlx.Tx) error
}

var migrations = map[uint64]migrationFn{}

func registerMigration(up, down func(context.Context, *sqlx.Tx) error) {
	_, fn, _, ok := runtime.Caller(1)
	if !ok {
		panic("register migration: failed to get filename")
	}
	fn = path.Base(strings.ReplaceAll(fn, `\`, `/`))

	n, _, ok := strings.Cut(fn, "_")
	if !ok {
		panic("register migration: failed to parse filename")
	}
	v, err := strconv.ParseUint(n, 10, 64)
	if err != nil {
		panic("register migration: failed to parse filename: " + err.Error())
	}
	if v == 0 {
		panic("register migration: version must not be 0")
	}
	migrations[v] = migrationFn{strings.TrimSuffix(fn, ".go"), up, down}
}

// migrate brings the database up to the highest registered version.
func (j *Journal) migrate(ctx context.Context) error {
	var to uint64
	for v := range migrations {
		if v > to {
			to = v
		}
	}
	return j.migrateUp(ctx, to)
}

func (j *Journal) migrateUp(ctx context.Context, to uint64) error {
	tx, err := j.x.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var cv uint64
	if err := tx.GetContext(ctx, &cv, `PRAGMA user_version`); err != nil {
		return fmt.Errorf("get version: %w", err)
	}
	if to < cv {
		return fmt.Errorf("target version %d is less than current version %d", to, cv)
	}

	var vs []uint64
	for v := range migrations {
		if v > cv && v <= to {
			vs = append(vs, v)
		}
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })

	for _, v := range vs {
		if err := migrations[v].Up(ctx, tx); err != nil {
			return fmt.Errorf("migrate %d: %w", v, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `PRAGMA user_version = `+strconv.FormatUint(to, 10)); err != nil {
		return fmt.Errorf("update version: %w", err)
	}
	return tx.Commit()
}
