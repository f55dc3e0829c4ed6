// Package library is the collection store: items and albums with typed attributes, transactional
// writes, and change notification.
//
// Readers work on immutable snapshots. A commit builds the next snapshot, writes it through the
// [Backend], and publishes it with a single pointer swap, so readers see either the whole commit or
// none of it.
package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"go.senan.xyz/shelf/attr"
	"go.senan.xyz/shelf/query"
)

var (
	ErrConflict = errors.New("store conflict")
	ErrNotFound = errors.New("not found")
	ErrTxDone   = errors.New("transaction already done")
)

type state struct {
	rev      uint64
	items    map[int64]*Item
	albums   map[int64]*Album
	itemIDs  []int64
	albumIDs []int64
	byPath   map[string]int64
	byAlbum  map[int64][]int64
}

// Event describes one commit.
type Event struct {
	Revision      uint64
	Items         []int64
	Albums        []int64
	RemovedItems  []int64
	RemovedAlbums []int64
}

type Library struct {
	reg     *attr.Registry
	backend Backend

	commitMu sync.Mutex
	state    atomic.Pointer[state]

	nextItem  atomic.Int64
	nextAlbum atomic.Int64

	subsMu sync.Mutex
	subs   map[int]func(Event)
	subID  int
}

// Open loads every row from backend. The registry is frozen: types must be registered before the
// library is opened.
func Open(ctx context.Context, reg *attr.Registry, backend Backend) (*Library, error) {
	reg.Freeze()

	l := &Library{reg: reg, backend: backend, subs: map[int]func(Event){}}

	albumRows, err := backend.Load(ctx, LoadQuery{Kind: AlbumRow})
	if err != nil {
		return nil, fmt.Errorf("load albums: %w", err)
	}
	itemRows, err := backend.Load(ctx, LoadQuery{Kind: ItemRow})
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}

	st := &state{
		items:   make(map[int64]*Item, len(itemRows)),
		albums:  make(map[int64]*Album, len(albumRows)),
		byPath:  map[string]int64{},
		byAlbum: map[int64][]int64{},
	}
	for _, r := range albumRows {
		a := &Album{ID: r.ID, fields: l.parseRow(ctx, r)}
		st.albums[a.ID] = a
		st.albumIDs = append(st.albumIDs, a.ID)
		l.nextAlbum.Store(max(l.nextAlbum.Load(), a.ID))
	}
	for _, r := range itemRows {
		it := &Item{ID: r.ID, AlbumID: r.AlbumID, fields: l.parseRow(ctx, r)}
		if it.AlbumID != 0 {
			it.album = st.albums[it.AlbumID]
			if it.album == nil {
				slog.WarnContext(ctx, "item has missing album", "item", it.ID, "album", it.AlbumID)
				it.AlbumID = 0
			}
		}
		st.items[it.ID] = it
		st.itemIDs = append(st.itemIDs, it.ID)
		st.index(it)
		l.nextItem.Store(max(l.nextItem.Load(), it.ID))
	}
	slices.Sort(st.albumIDs)
	slices.Sort(st.itemIDs)

	l.state.Store(st)
	return l, nil
}

func (l *Library) parseRow(ctx context.Context, r Row) fields {
	f := fields{reg: l.reg, values: make(map[string]any, len(r.Attrs)), shared: true, version: r.Version}
	for name, raw := range r.Attrs {
		t, ok := l.reg.Lookup(name)
		if !ok || t.Derived() {
			slog.WarnContext(ctx, "skipping unknown stored field", "kind", r.Kind, "id", r.ID, "field", name)
			continue
		}
		f.values[name] = t.Coerce(raw)
	}
	return f
}

func (st *state) index(it *Item) {
	if p, _ := it.own(attr.Path); p != nil && p != "" {
		st.byPath[p.(string)] = it.ID
	}
	if it.AlbumID != 0 {
		st.byAlbum[it.AlbumID] = append(st.byAlbum[it.AlbumID], it.ID)
	}
}

// Close closes the backend if it needs closing.
func (l *Library) Close() error {
	if c, ok := l.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (l *Library) Registry() *attr.Registry { return l.reg }

// Revision counts commits since the library was opened.
func (l *Library) Revision() uint64 { return l.state.Load().rev }

func (l *Library) Item(id int64) (*Item, error) {
	return l.state.Load().item(id)
}

func (l *Library) Album(id int64) (*Album, error) {
	return l.state.Load().album(id)
}

func (l *Library) ItemByPath(path string) (*Item, bool) {
	return l.state.Load().itemByPath(path)
}

// AlbumItems returns the items of an album in creation order.
func (l *Library) AlbumItems(albumID int64) []*Item {
	return l.state.Load().albumItems(albumID)
}

// Items returns the items matching req. The sequence reads the snapshot current at the time of the
// call and can be ranged over more than once.
func (l *Library) Items(req query.Request) (iter.Seq[*Item], error) {
	return l.state.Load().queryItems(l.reg, req)
}

func (l *Library) Albums(req query.Request) (iter.Seq[*Album], error) {
	return l.state.Load().queryAlbums(l.reg, req)
}

func (st *state) item(id int64) (*Item, error) {
	it, ok := st.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: item %d", ErrNotFound, id)
	}
	return it.clone(), nil
}

func (st *state) album(id int64) (*Album, error) {
	a, ok := st.albums[id]
	if !ok {
		return nil, fmt.Errorf("%w: album %d", ErrNotFound, id)
	}
	return a.clone(), nil
}

func (st *state) itemByPath(path string) (*Item, bool) {
	id, ok := st.byPath[path]
	if !ok {
		return nil, false
	}
	return st.items[id].clone(), true
}

func (st *state) albumItems(albumID int64) []*Item {
	var items []*Item
	for _, id := range st.byAlbum[albumID] {
		items = append(items, st.items[id].clone())
	}
	return items
}

func (st *state) queryItems(reg *attr.Registry, req query.Request) (iter.Seq[*Item], error) {
	c, err := query.Compile(reg, req)
	if err != nil {
		return nil, err
	}
	rows := make([]*Item, 0, len(st.itemIDs))
	for _, id := range st.itemIDs {
		rows = append(rows, st.items[id])
	}
	return clones(query.Select(c, rows), (*Item).clone), nil
}

func (st *state) queryAlbums(reg *attr.Registry, req query.Request) (iter.Seq[*Album], error) {
	c, err := query.Compile(reg, req)
	if err != nil {
		return nil, err
	}
	rows := make([]*Album, 0, len(st.albumIDs))
	for _, id := range st.albumIDs {
		rows = append(rows, st.albums[id])
	}
	return clones(query.Select(c, rows), (*Album).clone), nil
}

func clones[T any](seq iter.Seq[T], clone func(T) T) iter.Seq[T] {
	return func(yield func(T) bool) {
		for v := range seq {
			if !yield(clone(v)) {
				return
			}
		}
	}
}

// Subscribe calls fn after every commit, in commit order. fn runs while the commit still holds the
// write lock, so it must not write to the library.
func (l *Library) Subscribe(fn func(Event)) (cancel func()) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	l.subID++
	id := l.subID
	l.subs[id] = fn
	return func() {
		l.subsMu.Lock()
		delete(l.subs, id)
		l.subsMu.Unlock()
	}
}

func (l *Library) notify(ev Event) {
	l.subsMu.Lock()
	ids := slices.Sorted(maps.Keys(l.subs))
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.subs[id])
	}
	l.subsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Update runs fn in a transaction and commits it. If the commit conflicts with another, fn is run
// once more against a fresh snapshot before the conflict is returned.
func (l *Library) Update(ctx context.Context, fn func(tx *Tx) error) error {
	var err error
	for attempt := range 2 {
		tx := l.Begin()
		if err = fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		err = tx.Commit(ctx)
		if !errors.Is(err, ErrConflict) {
			return err
		}
		slog.DebugContext(ctx, "commit conflict", "attempt", attempt+1, "err", err)
	}
	return err
}
