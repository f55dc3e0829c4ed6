package library

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"

	"go.senan.xyz/shelf/attr"
	"go.senan.xyz/shelf/query"
)

// Tx collects changes against one snapshot. Changes apply at Commit, all together or not at all.
// A Tx is not safe for concurrent use.
type Tx struct {
	lib  *Library
	base *state
	done bool

	items         map[int64]*Item
	albums        map[int64]*Album
	newItems      map[int64]bool
	newAlbums     map[int64]bool
	removedItems  map[int64]bool
	removedAlbums map[int64]bool
}

func (l *Library) Begin() *Tx {
	return &Tx{
		lib:           l,
		base:          l.state.Load(),
		items:         map[int64]*Item{},
		albums:        map[int64]*Album{},
		newItems:      map[int64]bool{},
		newAlbums:     map[int64]bool{},
		removedItems:  map[int64]bool{},
		removedAlbums: map[int64]bool{},
	}
}

// Item returns a tracked copy of an item. Changes to it are written on commit.
func (tx *Tx) Item(id int64) (*Item, error) {
	if it, ok := tx.items[id]; ok {
		return it, nil
	}
	if tx.removedItems[id] {
		return nil, fmt.Errorf("%w: item %d", ErrNotFound, id)
	}
	it, err := tx.base.item(id)
	if err != nil {
		return nil, err
	}
	if it.AlbumID != 0 {
		if it.album, err = tx.Album(it.AlbumID); err != nil {
			return nil, err
		}
	}
	tx.items[id] = it
	return it, nil
}

func (tx *Tx) Album(id int64) (*Album, error) {
	if a, ok := tx.albums[id]; ok {
		return a, nil
	}
	if tx.removedAlbums[id] {
		return nil, fmt.Errorf("%w: album %d", ErrNotFound, id)
	}
	a, err := tx.base.album(id)
	if err != nil {
		return nil, err
	}
	tx.albums[id] = a
	return a, nil
}

// ItemByPath finds a tracked item by path, including items added in this transaction.
func (tx *Tx) ItemByPath(path string) (*Item, bool) {
	for id := range tx.newItems {
		if it := tx.items[id]; it.Get(attr.Path) == path {
			return it, true
		}
	}
	id, ok := tx.base.byPath[path]
	if !ok || tx.removedItems[id] {
		return nil, false
	}
	it, err := tx.Item(id)
	return it, err == nil
}

// AlbumItems returns tracked copies of the items of an album, in creation order.
func (tx *Tx) AlbumItems(albumID int64) []*Item {
	ids := slices.Clone(tx.base.byAlbum[albumID])
	for id := range tx.newItems {
		if tx.items[id].AlbumID == albumID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	var items []*Item
	for _, id := range ids {
		if it, err := tx.Item(id); err == nil && it.AlbumID == albumID {
			items = append(items, it)
		}
	}
	return items
}

// Items runs a query against the transaction's snapshot and yields tracked copies.
func (tx *Tx) Items(req query.Request) (iter.Seq[*Item], error) {
	seq, err := tx.base.queryItems(tx.lib.reg, req)
	if err != nil {
		return nil, err
	}
	return func(yield func(*Item) bool) {
		for it := range seq {
			tracked, err := tx.Item(it.ID)
			if err != nil {
				continue
			}
			if !yield(tracked) {
				return
			}
		}
	}, nil
}

func (tx *Tx) Albums(req query.Request) (iter.Seq[*Album], error) {
	seq, err := tx.base.queryAlbums(tx.lib.reg, req)
	if err != nil {
		return nil, err
	}
	return func(yield func(*Album) bool) {
		for a := range seq {
			tracked, err := tx.Album(a.ID)
			if err != nil {
				continue
			}
			if !yield(tracked) {
				return
			}
		}
	}, nil
}

// AddAlbum assigns a new ID to a and adds it on commit.
func (tx *Tx) AddAlbum(a *Album) {
	a.ID = tx.lib.nextAlbum.Add(1)
	a.version = 0
	a.write()
	for name := range a.values {
		a.dirty[name] = struct{}{}
	}
	tx.albums[a.ID] = a
	tx.newAlbums[a.ID] = true
}

// AddItem assigns a new ID to it and adds it on commit, in album a if not nil.
func (tx *Tx) AddItem(it *Item, a *Album) {
	it.ID = tx.lib.nextItem.Add(1)
	it.version = 0
	it.write()
	for name := range it.values {
		it.dirty[name] = struct{}{}
	}
	tx.setAlbum(it, a)
	if _, ok := it.values[attr.Added]; !ok {
		it.values[attr.Added] = attr.Now()
		it.dirty[attr.Added] = struct{}{}
	}
	tx.items[it.ID] = it
	tx.newItems[it.ID] = true
}

// Store tracks an item read outside the transaction, for example from [Library.Items]. It's
// written on commit if the item hasn't changed since it was read.
func (tx *Tx) Store(it *Item) {
	if it.AlbumID != 0 {
		if a, err := tx.Album(it.AlbumID); err == nil {
			it.album = a
		}
	}
	tx.items[it.ID] = it
}

func (tx *Tx) StoreAlbum(a *Album) {
	tx.albums[a.ID] = a
}

// Move puts an item into album a, or takes it out of any album if a is nil.
func (tx *Tx) Move(it *Item, a *Album) {
	tx.setAlbum(it, a)
	tx.items[it.ID] = it
}

func (tx *Tx) setAlbum(it *Item, a *Album) {
	it.AlbumID, it.album = 0, nil
	if a != nil {
		it.AlbumID, it.album = a.ID, a
		if _, ok := tx.albums[a.ID]; !ok {
			tx.albums[a.ID] = a
		}
	}
}

func (tx *Tx) RemoveItem(id int64) {
	delete(tx.items, id)
	if tx.newItems[id] {
		delete(tx.newItems, id)
		return
	}
	if _, ok := tx.base.items[id]; ok {
		tx.removedItems[id] = true
	}
}

// RemoveAlbum removes an album and all of its items.
func (tx *Tx) RemoveAlbum(id int64) {
	for _, it := range tx.AlbumItems(id) {
		tx.RemoveItem(it.ID)
	}
	delete(tx.albums, id)
	if tx.newAlbums[id] {
		delete(tx.newAlbums, id)
		return
	}
	if _, ok := tx.base.albums[id]; ok {
		tx.removedAlbums[id] = true
	}
}

// Rollback drops the transaction's changes.
func (tx *Tx) Rollback() {
	tx.done = true
}

// Commit writes the changes. It returns ErrConflict if a changed row was committed by someone else
// since the transaction began, or if an item's path is already used by another item.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	return tx.lib.commit(ctx, tx)
}

func (l *Library) commit(ctx context.Context, tx *Tx) error {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	cur := l.state.Load()

	// albums whose items were all removed go with them
	for albumID := range tx.emptiedAlbums() {
		if !tx.newAlbums[albumID] && !tx.removedAlbums[albumID] {
			tx.removedAlbums[albumID] = true
			delete(tx.albums, albumID)
		}
	}

	var cs Changeset
	var ev Event

	checkVersion := func(kind RowKind, id, base int64) error {
		var v int64
		var ok bool
		switch kind {
		case ItemRow:
			var it *Item
			if it, ok = cur.items[id]; ok {
				v = it.version
			}
		case AlbumRow:
			var a *Album
			if a, ok = cur.albums[id]; ok {
				v = a.version
			}
		}
		if !ok || v != base {
			return fmt.Errorf("%w: %s %d changed since the transaction began", ErrConflict, kind, id)
		}
		return nil
	}

	for _, id := range slices.Sorted(maps.Keys(tx.removedAlbums)) {
		a := tx.base.albums[id]
		if err := checkVersion(AlbumRow, id, a.version); err != nil {
			return err
		}
		cs.Changes = append(cs.Changes, Change{Row: Row{Kind: AlbumRow, ID: id}, Prev: a.version, Delete: true})
		ev.RemovedAlbums = append(ev.RemovedAlbums, id)
	}
	for _, id := range slices.Sorted(maps.Keys(tx.removedItems)) {
		it := tx.base.items[id]
		if err := checkVersion(ItemRow, id, it.version); err != nil {
			return err
		}
		cs.Changes = append(cs.Changes, Change{Row: Row{Kind: ItemRow, ID: id}, Prev: it.version, Delete: true})
		ev.RemovedItems = append(ev.RemovedItems, id)
	}

	var writeAlbums []*Album
	for _, id := range slices.Sorted(maps.Keys(tx.albums)) {
		a := tx.albums[id]
		if !tx.newAlbums[id] && !a.IsDirty() {
			continue
		}
		if !tx.newAlbums[id] {
			if err := checkVersion(AlbumRow, id, a.version); err != nil {
				return err
			}
		}
		cs.Changes = append(cs.Changes, Change{
			Row:  Row{Kind: AlbumRow, ID: id, Version: a.version + 1, Attrs: a.serialize()},
			Prev: a.version,
		})
		writeAlbums = append(writeAlbums, a)
		ev.Albums = append(ev.Albums, id)
	}

	var writeItems []*Item
	paths := map[string]int64{}
	for _, id := range slices.Sorted(maps.Keys(tx.items)) {
		it := tx.items[id]
		if it.AlbumID != 0 && !tx.removedAlbums[it.AlbumID] {
			if _, ok := cur.albums[it.AlbumID]; !ok && !tx.newAlbums[it.AlbumID] {
				return fmt.Errorf("%w: album %d for item %d", ErrNotFound, it.AlbumID, id)
			}
		}
		if tx.removedAlbums[it.AlbumID] {
			return fmt.Errorf("%w: item %d is in removed album %d", ErrConflict, id, it.AlbumID)
		}

		if p, _ := it.own(attr.Path); p != nil && p != "" {
			path := p.(string)
			if other, ok := paths[path]; ok {
				return fmt.Errorf("%w: items %d and %d have path %q", ErrConflict, other, id, path)
			}
			paths[path] = id
			if owner, ok := cur.byPath[path]; ok && owner != id && !tx.removedItems[owner] {
				if _, moving := tx.items[owner]; !moving {
					return fmt.Errorf("%w: path %q belongs to item %d", ErrConflict, path, owner)
				}
			}
		}

		baseAlbum := int64(0)
		if b, ok := tx.base.items[id]; ok {
			baseAlbum = b.AlbumID
		}
		if !tx.newItems[id] && !it.IsDirty() && it.AlbumID == baseAlbum {
			continue
		}
		if !tx.newItems[id] {
			if err := checkVersion(ItemRow, id, it.version); err != nil {
				return err
			}
		}
		cs.Changes = append(cs.Changes, Change{
			Row:  Row{Kind: ItemRow, ID: id, AlbumID: it.AlbumID, Version: it.version + 1, Attrs: it.serialize()},
			Prev: it.version,
		})
		writeItems = append(writeItems, it)
		ev.Items = append(ev.Items, id)
	}

	if len(cs.Changes) == 0 {
		return nil
	}
	if err := l.backend.Commit(ctx, &cs); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	next := cur.apply(tx, writeAlbums, writeItems)
	ev.Revision = next.rev
	l.state.Store(next)

	for _, a := range writeAlbums {
		a.version++
		clear(a.dirty)
	}
	for _, it := range writeItems {
		it.version++
		clear(it.dirty)
	}

	l.notify(ev)
	return nil
}

func (tx *Tx) emptiedAlbums() map[int64]bool {
	candidates := map[int64]bool{}
	for id := range tx.removedItems {
		if it, ok := tx.base.items[id]; ok && it.AlbumID != 0 {
			candidates[it.AlbumID] = true
		}
	}
	for albumID := range candidates {
		for _, id := range tx.base.byAlbum[albumID] {
			if tx.removedItems[id] {
				continue
			}
			if it, ok := tx.items[id]; ok && it.AlbumID != albumID {
				continue
			}
			delete(candidates, albumID)
			break
		}
	}
	for _, it := range tx.items {
		delete(candidates, it.AlbumID)
	}
	return candidates
}

// apply builds the snapshot following cur with the transaction's writes.
func (cur *state) apply(tx *Tx, albums []*Album, items []*Item) *state {
	next := &state{
		rev:     cur.rev + 1,
		items:   maps.Clone(cur.items),
		albums:  maps.Clone(cur.albums),
		byPath:  map[string]int64{},
		byAlbum: map[int64][]int64{},
	}

	for id := range tx.removedAlbums {
		delete(next.albums, id)
	}
	for id := range tx.removedItems {
		delete(next.items, id)
	}
	for _, a := range albums {
		frozen := &Album{ID: a.ID, fields: a.frozen()}
		frozen.version++
		a.shared = true
		next.albums[a.ID] = frozen
	}
	for _, it := range items {
		frozen := &Item{ID: it.ID, AlbumID: it.AlbumID, fields: it.frozen()}
		frozen.version++
		it.shared = true
		next.items[it.ID] = frozen
	}

	// relink every item to its album's current snapshot
	for id, it := range next.items {
		if it.AlbumID == 0 {
			continue
		}
		if a := next.albums[it.AlbumID]; it.album != a {
			relinked := *it
			relinked.album = a
			next.items[id] = &relinked
		}
	}

	next.itemIDs = slices.Sorted(maps.Keys(next.items))
	next.albumIDs = slices.Sorted(maps.Keys(next.albums))
	for _, id := range next.itemIDs {
		next.index(next.items[id])
	}
	return next
}
