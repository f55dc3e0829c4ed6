package library_test

import (
	"context"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.senan.xyz/shelf/attr"
	"go.senan.xyz/shelf/library"
	"go.senan.xyz/shelf/query"
)

func newRegistry(t *testing.T) *attr.Registry {
	t.Helper()
	reg := attr.NewRegistry()
	require.NoError(t, reg.Register(attr.Builtin()...))
	require.NoError(t, reg.Register(attr.Type{Name: "rating", Kind: attr.KindInt}))
	return reg
}

func open(t *testing.T, backend library.Backend) *library.Library {
	t.Helper()
	if backend == nil {
		backend = library.NewMemoryBackend()
	}
	lib, err := library.Open(t.Context(), newRegistry(t), backend)
	require.NoError(t, err)
	return lib
}

func addAlbum(t *testing.T, lib *library.Library, album string, titles ...string) int64 {
	t.Helper()
	var albumID int64
	err := lib.Update(t.Context(), func(tx *library.Tx) error {
		a := library.NewAlbum(lib.Registry())
		a.MustSet(attr.Album, album)
		a.MustSet(attr.AlbumArtist, "Artist")
		a.MustSet(attr.Year, 2001)
		tx.AddAlbum(a)
		albumID = a.ID

		for i, title := range titles {
			it := library.NewItem(lib.Registry())
			it.MustSet(attr.Title, title)
			it.MustSet(attr.TrackNumber, i+1)
			it.MustSet(attr.Path, "/music/"+album+"/"+title+".flac")
			tx.AddItem(it, a)
		}
		return nil
	})
	require.NoError(t, err)
	return albumID
}

func titles(t *testing.T, lib *library.Library, q string) []string {
	t.Helper()
	req, err := query.Parse(q)
	require.NoError(t, err)
	seq, err := lib.Items(req)
	require.NoError(t, err)
	var r []string
	for it := range seq {
		r = append(r, it.Get(attr.Title).(string))
	}
	return r
}

func TestAddAndQuery(t *testing.T) {
	t.Parallel()

	lib := open(t, nil)
	albumID := addAlbum(t, lib, "First", "a", "b", "c")
	addAlbum(t, lib, "Second", "d")

	assert.Equal(t, []string{"a", "b", "c", "d"}, titles(t, lib, ""))
	assert.Equal(t, []string{"d"}, titles(t, lib, "album:second"))
	assert.Equal(t, []string{"c", "b", "a", "d"}, titles(t, lib, "album+ track-"))

	items := lib.AlbumItems(albumID)
	require.Len(t, items, 3)

	// album values are visible through items
	assert.Equal(t, int64(2001), items[0].Get(attr.Year))
	assert.Equal(t, int64(2000), items[0].Get(attr.Decade))
	// and defaults fill the rest
	assert.Equal(t, int64(1), items[0].Get(attr.DiscNumber))
	_, ok := items[0].Lookup(attr.Label)
	assert.False(t, ok)

	it, ok := lib.ItemByPath("/music/First/b.flac")
	require.True(t, ok)
	assert.Equal(t, "b", it.Get(attr.Title))
	assert.False(t, it.Get(attr.Added).(interface{ IsZero() bool }).IsZero())
}

func TestQueryError(t *testing.T) {
	t.Parallel()

	lib := open(t, nil)
	_, err := lib.Items(query.Request{Where: query.Eq("nope", 1)})
	var qerr *query.Error
	assert.ErrorAs(t, err, &qerr)
}

func TestSetUnknownField(t *testing.T) {
	t.Parallel()

	lib := open(t, nil)
	it := library.NewItem(lib.Registry())
	assert.ErrorIs(t, it.Set("nope", 1), library.ErrUnknownField)
	assert.ErrorIs(t, it.Set(attr.Decade, 1990), library.ErrDerived)

	// coercion never fails
	require.NoError(t, it.Set(attr.TrackNumber, "not a number"))
	assert.Equal(t, int64(0), it.Get(attr.TrackNumber))
}

func TestDirty(t *testing.T) {
	t.Parallel()

	lib := open(t, nil)
	albumID := addAlbum(t, lib, "First", "a")

	tx := lib.Begin()
	items := tx.AlbumItems(albumID)
	require.Len(t, items, 1)
	it := items[0]
	assert.Empty(t, it.Dirty())

	require.NoError(t, it.Set(attr.Title, "a"))
	assert.Empty(t, it.Dirty())
	require.NoError(t, it.Set(attr.Title, "A"))
	require.NoError(t, it.Set("rating", 4))
	assert.Equal(t, []string{"rating", attr.Title}, it.Dirty())

	require.NoError(t, tx.Commit(t.Context()))
	assert.Empty(t, it.Dirty())
	assert.Equal(t, []string{"A"}, titles(t, lib, "rating:4"))
	assert.ErrorIs(t, tx.Commit(t.Context()), library.ErrTxDone)
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()

	lib := open(t, nil)
	addAlbum(t, lib, "First", "a", "b")

	seq, err := lib.Items(query.Request{})
	require.NoError(t, err)

	tx := lib.Begin()
	for it := range must(tx.Items(query.Request{})) {
		require.NoError(t, it.Set(attr.Title, "changed"))
	}

	// nothing is visible before commit
	assert.Equal(t, []string{"a", "b"}, titles(t, lib, ""))
	require.NoError(t, tx.Commit(t.Context()))
	assert.Equal(t, []string{"changed", "changed"}, titles(t, lib, ""))

	// a sequence taken before the commit still reads the old snapshot
	var old []string
	for it := range seq {
		old = append(old, it.Get(attr.Title).(string))
	}
	assert.Equal(t, []string{"a", "b"}, old)
}

func TestConflict(t *testing.T) {
	t.Parallel()

	lib := open(t, nil)
	albumID := addAlbum(t, lib, "First", "a")
	id := lib.AlbumItems(albumID)[0].ID

	tx1, tx2 := lib.Begin(), lib.Begin()
	it1, err := tx1.Item(id)
	require.NoError(t, err)
	it2, err := tx2.Item(id)
	require.NoError(t, err)

	require.NoError(t, it1.Set(attr.Title, "one"))
	require.NoError(t, it2.Set(attr.Title, "two"))

	require.NoError(t, tx1.Commit(t.Context()))
	assert.ErrorIs(t, tx2.Commit(t.Context()), library.ErrConflict)
	assert.Equal(t, []string{"one"}, titles(t, lib, ""))
}

func TestConcurrentAddSamePath(t *testing.T) {
	t.Parallel()

	lib := open(t, nil)

	// both transactions begin before either commits, so the loser must retry against the
	// winner's state and update the existing item instead of adding a second one
	var ready, start sync.WaitGroup
	ready.Add(2)
	start.Add(1)

	var wg sync.WaitGroup
	for _, title := range []string{"x", "y"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attempts := 0
			err := lib.Update(context.Background(), func(tx *library.Tx) error {
				attempts++
				it, ok := tx.ItemByPath("/music/same.flac")
				if !ok {
					it = library.NewItem(lib.Registry())
					it.MustSet(attr.Path, "/music/same.flac")
					tx.AddItem(it, nil)
				}
				it.MustSet(attr.Title, title)
				if attempts == 1 {
					ready.Done()
					start.Wait()
				}
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	ready.Wait()
	start.Done()
	wg.Wait()

	got := titles(t, lib, "")
	require.Len(t, got, 1)
	assert.Contains(t, []string{"x", "y"}, got[0])
}

func TestRemove(t *testing.T) {
	t.Parallel()

	lib := open(t, nil)
	first := addAlbum(t, lib, "First", "a", "b")
	second := addAlbum(t, lib, "Second", "c")

	err := lib.Update(t.Context(), func(tx *library.Tx) error {
		tx.RemoveAlbum(first)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, titles(t, lib, ""))
	_, err = lib.Album(first)
	assert.ErrorIs(t, err, library.ErrNotFound)

	// removing the last item of an album removes the album
	err = lib.Update(t.Context(), func(tx *library.Tx) error {
		for _, it := range tx.AlbumItems(second) {
			tx.RemoveItem(it.ID)
		}
		return nil
	})
	require.NoError(t, err)
	_, err = lib.Album(second)
	assert.ErrorIs(t, err, library.ErrNotFound)
	_, ok := lib.ItemByPath("/music/Second/c.flac")
	assert.False(t, ok)
}

func TestSubscribe(t *testing.T) {
	t.Parallel()

	lib := open(t, nil)

	var events []library.Event
	cancel := lib.Subscribe(func(ev library.Event) { events = append(events, ev) })

	albumID := addAlbum(t, lib, "First", "a")
	err := lib.Update(t.Context(), func(tx *library.Tx) error {
		tx.RemoveAlbum(albumID)
		return nil
	})
	require.NoError(t, err)

	cancel()
	addAlbum(t, lib, "Second", "b")

	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Revision)
	assert.Equal(t, []int64{albumID}, events[0].Albums)
	assert.Len(t, events[0].Items, 1)
	assert.Equal(t, []int64{albumID}, events[1].RemovedAlbums)
	assert.Equal(t, events[0].Items, events[1].RemovedItems)
	assert.Equal(t, uint64(3), lib.Revision())
}

func TestReopen(t *testing.T) {
	t.Parallel()

	backend := library.NewMemoryBackend()
	lib := open(t, backend)
	albumID := addAlbum(t, lib, "First", "a", "b")

	err := lib.Update(t.Context(), func(tx *library.Tx) error {
		a, err := tx.Album(albumID)
		if err != nil {
			return err
		}
		return a.Set(attr.Label, "Warp")
	})
	require.NoError(t, err)

	lib = open(t, backend)
	assert.Equal(t, []string{"a", "b"}, titles(t, lib, "label:warp"))

	// ids keep increasing after a reopen
	next := addAlbum(t, lib, "Second", "c")
	assert.Greater(t, next, albumID)

	ids := slices.Collect(func(yield func(int64) bool) {
		for it := range must(lib.Items(query.Request{})) {
			if !yield(it.ID) {
				return
			}
		}
	})
	assert.True(t, slices.IsSorted(ids))
	assert.Len(t, ids, 3)
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
