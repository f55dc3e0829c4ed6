package fixture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.senan.xyz/shelf/match"
	"go.senan.xyz/shelf/provider"
)

func TestReadDir(t *testing.T) {
	t.Parallel()

	releases, err := ReadDir("testdata")
	require.NoError(t, err)
	require.Len(t, releases, 3)
	assert.Equal(t, "kob", releases[0].ID)
	assert.Equal(t, 9*time.Minute+22*time.Second, releases[0].Tracks[0].Length)
	assert.Equal(t, "sketches", releases[2].ID)
}

func TestLookup(t *testing.T) {
	t.Parallel()

	p, err := New("dir=testdata priority=2")
	require.NoError(t, err)

	candidates, err := p.Lookup(t.Context(), match.Release{Title: "kind of blue"})
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "kob", candidates[0].ID)
	assert.Equal(t, "kob-legacy", candidates[1].ID)
	assert.Equal(t, 1, candidates[1].Index)
	assert.Equal(t, 2, candidates[0].Priority)
	assert.Equal(t, "Miles Davis", candidates[0].Tracks[2].Artist)
	assert.Equal(t, 3, candidates[0].Tracks[2].Number)

	candidates, err = p.Lookup(t.Context(), match.Release{ID: "sketches", Title: "kind of blue"})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "Sketches of Spain", candidates[0].Title)

	candidates, err = p.Lookup(t.Context(), match.Release{Title: "bitches brew"})
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestFailures(t *testing.T) {
	t.Parallel()

	p, err := New("dir=testdata fail-transient=2")
	require.NoError(t, err)

	for range 2 {
		_, err := p.Lookup(t.Context(), match.Release{})
		assert.True(t, provider.IsTransient(err))
	}
	candidates, err := p.Lookup(t.Context(), match.Release{})
	require.NoError(t, err)
	assert.Len(t, candidates, 3)
	assert.Equal(t, 3, p.Calls())

	p, err = New("dir=testdata fail-permanent")
	require.NoError(t, err)
	_, err = p.Lookup(t.Context(), match.Release{})
	assert.ErrorIs(t, err, provider.ErrPermanent)
}

func TestRegistered(t *testing.T) {
	t.Parallel()

	p, err := provider.New("fixture", "dir=testdata name=local")
	require.NoError(t, err)
	assert.Equal(t, "local", p.Name())

	_, err = provider.New("fixture", "")
	assert.Error(t, err)
}
