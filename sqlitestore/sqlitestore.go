// Package sqlitestore persists a library in a SQLite database.
//
// Attributes are stored one row per value, so new attribute types need no migration.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/flock"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"go.senan.xyz/shelf/library"
)

var ErrLocked = errors.New("database is in use by another process")

type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

var _ library.Backend = (*Store)(nil)

// Open opens or creates the database at path. A lock file next to it keeps other processes from
// writing the same library.
func Open(ctx context.Context, path string) (*Store, error) {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock db: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %q: %w", path, ErrLocked)
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, lock: lock}
	if err := s.init(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return errors.Join(s.db.Close(), s.lock.Unlock())
}

const schema = `
create table if not exists albums (
	id integer primary key,
	version integer not null
);
create table if not exists album_attrs (
	album_id integer not null references albums(id) on delete cascade,
	key text not null,
	value text not null,
	primary key (album_id, key)
);
create table if not exists items (
	id integer primary key,
	album_id integer,
	version integer not null
);
create index if not exists items_album_id on items(album_id);
create table if not exists item_attrs (
	item_id integer not null references items(id) on delete cascade,
	key text not null,
	value text not null,
	primary key (item_id, key)
);
`

func (s *Store) init(ctx context.Context) error {
	pragmas := []string{
		"pragma journal_mode=wal",
		"pragma foreign_keys=on",
		"pragma busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

type table struct {
	rows, attrs, fk string
}

func tableFor(kind library.RowKind) table {
	if kind == library.AlbumRow {
		return table{"albums", "album_attrs", "album_id"}
	}
	return table{"items", "item_attrs", "item_id"}
}

func (s *Store) Load(ctx context.Context, q library.LoadQuery) ([]library.Row, error) {
	t := tableFor(q.Kind)

	var where string
	var args []any
	if len(q.IDs) > 0 {
		where = " where r.id in (" + strings.TrimSuffix(strings.Repeat("?,", len(q.IDs)), ",") + ")"
		for _, id := range q.IDs {
			args = append(args, id)
		}
	}

	albumCol := "0"
	if q.Kind == library.ItemRow {
		albumCol = "coalesce(r.album_id, 0)"
	}
	stmt := fmt.Sprintf(`select r.id, %s, r.version, a.key, a.value
		from %s r left join %s a on a.%s = r.id%s
		order by r.id`, albumCol, t.rows, t.attrs, t.fk, where)

	sqlRows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.rows, err)
	}
	defer sqlRows.Close()

	var rows []library.Row
	for sqlRows.Next() {
		var id, albumID, version int64
		var key, value sql.NullString
		if err := sqlRows.Scan(&id, &albumID, &version, &key, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.rows, err)
		}
		if len(rows) == 0 || rows[len(rows)-1].ID != id {
			rows = append(rows, library.Row{Kind: q.Kind, ID: id, AlbumID: albumID, Version: version, Attrs: map[string]string{}})
		}
		if key.Valid {
			rows[len(rows)-1].Attrs[key.String] = value.String
		}
	}
	if err := sqlRows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", t.rows, err)
	}
	return rows, nil
}

func (s *Store) Commit(ctx context.Context, cs *library.Changeset) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, c := range cs.Changes {
		if err := apply(ctx, tx, c); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func apply(ctx context.Context, tx *sql.Tx, c library.Change) error {
	t := tableFor(c.Row.Kind)

	var res sql.Result
	var err error
	switch {
	case c.Delete:
		res, err = tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where id=? and version=?`, t.rows), c.Row.ID, c.Prev)
	case c.Prev == 0 && c.Row.Kind == library.ItemRow:
		res, err = tx.ExecContext(ctx, `insert into items (id, album_id, version) values (?, nullif(?, 0), ?) on conflict do nothing`, c.Row.ID, c.Row.AlbumID, c.Row.Version)
	case c.Prev == 0:
		res, err = tx.ExecContext(ctx, `insert into albums (id, version) values (?, ?) on conflict do nothing`, c.Row.ID, c.Row.Version)
	case c.Row.Kind == library.ItemRow:
		res, err = tx.ExecContext(ctx, `update items set album_id=nullif(?, 0), version=? where id=? and version=?`, c.Row.AlbumID, c.Row.Version, c.Row.ID, c.Prev)
	default:
		res, err = tx.ExecContext(ctx, `update albums set version=? where id=? and version=?`, c.Row.Version, c.Row.ID, c.Prev)
	}
	if err != nil {
		return fmt.Errorf("write %s %d: %w", c.Row.Kind, c.Row.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return fmt.Errorf("%w: %s %d not at version %d", library.ErrConflict, c.Row.Kind, c.Row.ID, c.Prev)
	}
	if c.Delete {
		return nil
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where %s=?`, t.attrs, t.fk), c.Row.ID); err != nil {
		return fmt.Errorf("clear attrs: %w", err)
	}
	for key, value := range c.Row.Attrs {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s (%s, key, value) values (?, ?, ?)`, t.attrs, t.fk), c.Row.ID, key, value)
		if err != nil {
			return fmt.Errorf("write attr %q: %w", key, err)
		}
	}
	return nil
}
