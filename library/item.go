package library

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"go.senan.xyz/shelf/attr"
)

var (
	ErrUnknownField = errors.New("unknown field")
	ErrDerived      = errors.New("field is computed")
)

// fields holds the attribute values of one stored row. Values are kept in their coerced form.
// A map shared with a published snapshot is cloned before the first write.
type fields struct {
	reg     *attr.Registry
	values  map[string]any
	shared  bool
	dirty   map[string]struct{}
	version int64
}

func (f *fields) own(name string) (any, bool) {
	v, ok := f.values[name]
	return v, ok
}

// Set assigns a coerced value to name. A nil value unsets it.
func (f *fields) Set(name string, v any) error {
	t, ok := f.reg.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	if t.Derived() {
		return fmt.Errorf("%w: %q", ErrDerived, name)
	}

	old, had := f.values[name]
	if v == nil {
		if !had {
			return nil
		}
		f.write()
		delete(f.values, name)
		f.dirty[name] = struct{}{}
		return nil
	}
	v = t.Coerce(v)
	if had && t.Equal(old, v) {
		return nil
	}
	f.write()
	f.values[name] = v
	f.dirty[name] = struct{}{}
	return nil
}

// MustSet is Set for the builtin fields, which can't fail.
func (f *fields) MustSet(name string, v any) {
	if err := f.Set(name, v); err != nil {
		panic(err)
	}
}

func (f *fields) write() {
	if f.shared || f.values == nil {
		f.values = maps.Clone(f.values)
		if f.values == nil {
			f.values = map[string]any{}
		}
		f.shared = false
	}
	if f.dirty == nil {
		f.dirty = map[string]struct{}{}
	}
}

// Fields returns the names of the values set on this row, sorted.
func (f *fields) Fields() []string {
	return slices.Sorted(maps.Keys(f.values))
}

// Dirty returns the names changed since the row was loaded or last stored, sorted.
func (f *fields) Dirty() []string {
	return slices.Sorted(maps.Keys(f.dirty))
}

// Values returns a copy of the values set on this row.
func (f *fields) Values() map[string]any {
	return maps.Clone(f.values)
}

// SetAll sets every value in vs, stopping at the first error.
func (f *fields) SetAll(vs map[string]any) error {
	for _, name := range slices.Sorted(maps.Keys(vs)) {
		if err := f.Set(name, vs[name]); err != nil {
			return err
		}
	}
	return nil
}

func (f *fields) Registry() *attr.Registry { return f.reg }

func (f *fields) IsDirty() bool { return len(f.dirty) > 0 }

func (f *fields) frozen() fields {
	return fields{reg: f.reg, values: f.values, shared: true, version: f.version}
}

func (f *fields) serialize() map[string]string {
	attrs := make(map[string]string, len(f.values))
	for name, v := range f.values {
		t, ok := f.reg.Lookup(name)
		if !ok {
			continue
		}
		attrs[name] = t.Serialize(v)
	}
	return attrs
}

// Item is one track in the library. Items returned by read methods are copies: changing them does
// nothing until they're stored in a transaction.
type Item struct {
	fields
	ID      int64
	AlbumID int64

	album *Album
}

func NewItem(reg *attr.Registry) *Item {
	return &Item{fields: fields{reg: reg, values: map[string]any{}}}
}

// Lookup resolves name: the item's own value, then its album's, then derived values. The bool
// reports whether any of those was set.
func (it *Item) Lookup(name string) (any, bool) {
	return it.reg.Resolve(name, func(n string) (any, bool) {
		if v, ok := it.own(n); ok {
			return v, true
		}
		if it.album != nil {
			return it.album.own(n)
		}
		return nil, false
	})
}

// Get is like Lookup but returns the type's default for unset fields.
func (it *Item) Get(name string) any {
	v, _ := it.Lookup(name)
	return v
}

// Attach links an item which isn't stored yet to album a, so album level values resolve through
// it. Adding the item to a transaction sets the link for real.
func (it *Item) Attach(a *Album) {
	it.album = a
}

func (it *Item) String() string {
	return fmt.Sprintf("%d %s - %s", it.ID, it.Get(attr.Artist), it.Get(attr.Title))
}

func (it *Item) clone() *Item {
	return &Item{fields: it.frozen(), ID: it.ID, AlbumID: it.AlbumID, album: it.album}
}

// Album groups items which share album level attributes.
type Album struct {
	fields
	ID int64
}

func NewAlbum(reg *attr.Registry) *Album {
	return &Album{fields: fields{reg: reg, values: map[string]any{}}}
}

func (a *Album) Lookup(name string) (any, bool) {
	return a.reg.Resolve(name, a.own)
}

func (a *Album) Get(name string) any {
	v, _ := a.Lookup(name)
	return v
}

func (a *Album) String() string {
	return fmt.Sprintf("%d %s - %s", a.ID, a.Get(attr.AlbumArtist), a.Get(attr.Album))
}

func (a *Album) clone() *Album {
	return &Album{fields: a.frozen(), ID: a.ID}
}
