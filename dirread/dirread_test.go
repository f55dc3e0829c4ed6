package dirread

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.senan.xyz/shelf/attr"
)

func TestReadManifest(t *testing.T) {
	t.Parallel()

	d, err := Read(filepath.Join("testdata", "manifest"))
	require.NoError(t, err)
	require.Len(t, d.Tracks, 3)

	assert.Equal(t, "Kind of Blue", d.Album[attr.Album])
	assert.Equal(t, 1959, d.Album[attr.Year])
	assert.Equal(t, 3, d.Album[attr.TrackTotal])

	assert.True(t, filepath.IsAbs(d.Tracks[0].Path))
	assert.Equal(t, "So What", d.Tracks[0].Attrs[attr.Title])
	assert.Equal(t, 1, d.Tracks[0].Attrs[attr.TrackNumber])
	assert.Equal(t, "FLAC", d.Tracks[0].Attrs[attr.Format])

	assert.Equal(t, "Miles Davis", d.Tracks[1].Attrs[attr.Artist])
	assert.Equal(t, 589, d.Tracks[1].Attrs[attr.Length])

	// natural order
	assert.Equal(t, "Bonus", d.Tracks[2].Attrs[attr.Title])
	assert.Equal(t, 10, d.Tracks[2].Attrs[attr.TrackNumber])
}

func TestReadOrigin(t *testing.T) {
	t.Parallel()

	d, err := Read(filepath.Join("testdata", "origin"))
	require.NoError(t, err)
	require.Len(t, d.Tracks, 2)

	assert.Equal(t, map[string]any{
		attr.Album:          "Valvable",
		attr.AlbumArtist:    "Luke Vibert",
		attr.Label:          "Planet Mu",
		attr.CatalogueNum:   "PLANETMU 012",
		attr.MediaFormat:    "WEB",
		attr.Year:           2019,
		attr.Disambiguation: "Deluxe Edition",
		attr.TrackTotal:     2,
	}, d.Album)

	assert.Equal(t, "Intro", d.Tracks[0].Attrs[attr.Title])
	assert.Equal(t, 1, d.Tracks[0].Attrs[attr.TrackNumber])
	assert.Equal(t, "Outro", d.Tracks[1].Attrs[attr.Title])
	assert.Equal(t, 2, d.Tracks[1].Attrs[attr.TrackNumber])
}

func TestReadNoTracks(t *testing.T) {
	t.Parallel()

	_, err := Read(filepath.Join("testdata", "empty"))
	assert.ErrorIs(t, err, ErrNoTracks)

	_, err = Read(filepath.Join("testdata", "missing"))
	assert.Error(t, err)
}

func TestFromFilename(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name  string
		num   int
		title string
	}{
		{"03 - Title.flac", 3, "Title"},
		{"3.Title.flac", 3, "Title"},
		{"1999 - Prince.flac", 7, "1999 - Prince"},
		{"Title.flac", 7, "Title"},
	}
	for _, tc := range tcs {
		attrs := fromFilename(tc.name, 7)
		assert.Equal(t, tc.num, attrs[attr.TrackNumber], tc.name)
		assert.Equal(t, tc.title, attrs[attr.Title], tc.name)
	}
}
