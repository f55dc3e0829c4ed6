package reorg_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.senan.xyz/shelf/attr"
	"go.senan.xyz/shelf/library"
	"go.senan.xyz/shelf/pathformat"
	"go.senan.xyz/shelf/reorg"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(path), 0o644))
}

func TestPlan(t *testing.T) {
	t.Parallel()

	var pf pathformat.Format
	require.NoError(t, pf.Parse(`/music/{{ .albumartist | safepath }}/{{ .album | safepath }}/{{ pad0 2 .track }} {{ .title | safepath }}{{ .ext }}`))

	album := library.NewAlbum(attr.Default)
	album.MustSet(attr.Album, "Valvable")
	album.MustSet(attr.AlbumArtist, "Luke Vibert")

	newItem := func(path string, n int, title string) *library.Item {
		it := library.NewItem(attr.Default)
		it.MustSet(attr.Path, path)
		it.MustSet(attr.TrackNumber, n)
		it.MustSet(attr.Title, title)
		it.Attach(album)
		return it
	}

	actions, err := reorg.Plan(reorg.OpCopy, &pf, []*library.Item{
		newItem("/in/a.FLAC", 1, "Sharon's Tone"),
		newItem("/music/Luke Vibert/Valvable/02 Homewerk.mp3", 2, "Homewerk"),
		newItem("", 3, "no path"),
	})
	require.NoError(t, err)
	assert.Equal(t, []reorg.Action{
		{Op: reorg.OpCopy, Src: "/in/a.FLAC", Dst: "/music/Luke Vibert/Valvable/01 Sharon's Tone.flac"},
	}, actions)

	_, err = reorg.Plan(reorg.OpMove, &pf, []*library.Item{
		newItem("/in/a.flac", 1, "Same"),
		newItem("/in/b.flac", 1, "Same"),
	})
	assert.ErrorIs(t, err, reorg.ErrDuplicateDest)
}

func TestExecute(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "in")
	dst := filepath.Join(dir, "out")

	touch(t, filepath.Join(src, "a.flac"))
	touch(t, filepath.Join(src, "b.flac"))
	touch(t, filepath.Join(dst, "taken.flac"))

	results := reorg.FS{}.Execute(t.Context(), []reorg.Action{
		{Op: reorg.OpCopy, Src: filepath.Join(src, "a.flac"), Dst: filepath.Join(dst, "x", "a.flac")},
		{Op: reorg.OpMove, Src: filepath.Join(src, "b.flac"), Dst: filepath.Join(dst, "taken.flac")},
		{Op: reorg.OpMove, Src: filepath.Join(src, "missing.flac"), Dst: filepath.Join(dst, "missing.flac")},
	})
	require.Len(t, results, 3)

	require.NoError(t, results[0].Err)
	assert.FileExists(t, filepath.Join(src, "a.flac"))
	assert.FileExists(t, filepath.Join(dst, "x", "a.flac"))

	assert.ErrorIs(t, results[1].Err, reorg.ErrExists)
	assert.FileExists(t, filepath.Join(src, "b.flac"))

	assert.ErrorIs(t, results[2].Err, os.ErrNotExist)

	// now move both out, which empties the source dir
	results = reorg.FS{}.Execute(t.Context(), []reorg.Action{
		{Op: reorg.OpMove, Src: filepath.Join(src, "a.flac"), Dst: filepath.Join(dst, "a.flac")},
		{Op: reorg.OpMove, Src: filepath.Join(src, "b.flac"), Dst: filepath.Join(dst, "b.flac")},
	})
	for _, r := range results {
		require.NoError(t, r.Err)
	}
	assert.NoDirExists(t, src)
	assert.FileExists(t, filepath.Join(dst, "b.flac"))
}

func TestExecuteDryRun(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.flac"))

	results := reorg.FS{DryRun: true}.Execute(t.Context(), []reorg.Action{
		{Op: reorg.OpMove, Src: filepath.Join(dir, "a.flac"), Dst: filepath.Join(dir, "out", "a.flac")},
	})
	require.NoError(t, results[0].Err)
	assert.True(t, results[0].DryRun)
	assert.FileExists(t, filepath.Join(dir, "a.flac"))
	assert.NoDirExists(t, filepath.Join(dir, "out"))
}

func TestParseOp(t *testing.T) {
	op, err := reorg.ParseOp("copy")
	require.NoError(t, err)
	assert.Equal(t, reorg.OpCopy, op)

	_, err = reorg.ParseOp("link")
	assert.ErrorIs(t, err, reorg.ErrUnknownOp)
}
