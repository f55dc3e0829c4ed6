package match

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func track(n int, title string, secs int) Track {
	return Track{Number: n, Title: title, Artist: "Artist", Length: time.Duration(secs) * time.Second}
}

func TestScoreIdentical(t *testing.T) {
	t.Parallel()

	local := Release{Tracks: []Track{{Title: "Abc", Artist: "X", Number: 1, Length: 200 * time.Second}}}
	cand := Candidate{Release: local}

	e := Score(DefaultConfig(), local, cand)
	assert.Zero(t, e.Distance)
	assert.Equal(t, TierStrong, e.Tier)
	assert.False(t, e.Reordered)
	assert.Equal(t, []Pair{{Local: 0, Candidate: 0}}, e.Pairs)
}

func TestScoreExtraTrack(t *testing.T) {
	t.Parallel()

	local := Release{
		Title:  "Album",
		Artist: "Artist",
		Tracks: []Track{track(2, "Bravo", 180), track(1, "Alpha", 200)},
	}
	cand := Candidate{Release: Release{
		Title:  "Album",
		Artist: "Artist",
		Tracks: []Track{track(1, "Alpha", 200), track(2, "Something Else Entirely", 400), track(3, "Bravo", 180)},
	}}
	// put bravo back at two so only the extra track differs
	cand.Tracks[2].Number = 2
	cand.Tracks[1].Number = 3

	e := Score(DefaultConfig(), local, cand)
	assert.True(t, e.Reordered)
	assert.Equal(t, TierMedium, e.Tier)
	assert.Equal(t, []int{2, 0}, e.Pairing(2))
	assert.Equal(t, []int{1}, e.Extra)
	assert.Empty(t, e.Unmatched)

	var fields []string
	for _, c := range e.Penalties() {
		fields = append(fields, c.Field)
	}
	assert.Equal(t, []string{KeyReorder, "extra 2"}, fields)
}

func TestScoreUnmatchedLocal(t *testing.T) {
	t.Parallel()

	local := Release{Title: "Album", Tracks: []Track{track(1, "Alpha", 200), track(2, "Bravo", 180)}}
	cand := Candidate{Release: Release{Title: "Album", Tracks: []Track{track(2, "Bravo", 181)}}}

	e := Score(DefaultConfig(), local, cand)
	assert.Equal(t, []int{-1, 0}, e.Pairing(2))
	assert.Equal(t, []int{0}, e.Unmatched)
	assert.True(t, e.Reordered)
	assert.LessOrEqual(t, e.Tier, TierMedium)
}

func TestScoreMissingRequired(t *testing.T) {
	t.Parallel()

	local := Release{Title: "Album", Artist: "Artist", Label: "Warp"}
	complete := Candidate{Release: Release{Title: "Album", Artist: "Artist", Label: "Warp"}}
	incomplete := Candidate{Release: Release{Title: "Album"}}

	cfg := DefaultConfig()
	a := Score(cfg, local, complete)
	b := Score(cfg, local, incomplete)
	assert.Zero(t, a.Distance)
	// a missing artist counts against the candidate, a missing label is ignored
	assert.Greater(t, b.Distance, a.Distance)
	require.Len(t, b.Penalties(), 1)
	assert.Equal(t, KeyArtist, b.Penalties()[0].Field)
}

func TestScoreDeterministic(t *testing.T) {
	t.Parallel()

	local := Release{
		Title: "Selected Ambient Works", Artist: "Aphex Twin", Year: 1992, Label: "Apollo",
		Tracks: []Track{track(1, "Xtal", 291), track(2, "Tha", 541), track(3, "Pulsewidth", 227)},
	}
	cand := Candidate{Release: Release{
		Title: "Selected Ambient Works 85-92", Artist: "Aphex Twin", Year: 1993, Label: "R&S",
		Tracks: []Track{track(1, "Xtal", 294), track(2, "Tha", 544), track(3, "Pulsewidth", 228), track(4, "Ageispolis", 321)},
	}}

	cfg := DefaultConfig()
	first := Score(cfg, local, cand)
	for range 20 {
		e := Score(cfg, local, cand)
		assert.Equal(t, first.Distance, e.Distance)
		assert.Equal(t, first.Tier, e.Tier)
	}
}

func TestScoreTrackOrderInvariant(t *testing.T) {
	t.Parallel()

	tracks := []Track{
		track(1, "Xtal", 291), track(2, "Tha", 541), track(3, "Pulsewidth", 227),
		track(4, "Ageispolis", 321), track(5, "i", 78), track(6, "Green Calx", 365),
	}
	cand := Candidate{Release: Release{Title: "SAW", Artist: "Aphex Twin", Tracks: []Track{
		track(1, "Xtal", 294), track(2, "Tha", 544), track(3, "Pulse Width", 228),
		track(4, "Ageispolis", 321), track(5, "I", 78), track(6, "Green Calx", 366), track(7, "Heliosphan", 291),
	}}}

	cfg := DefaultConfig()
	want := Score(cfg, Release{Title: "SAW", Artist: "Aphex Twin", Tracks: tracks}, cand)

	rng := rand.New(rand.NewPCG(1, 2))
	for range 50 {
		shuffled := append([]Track(nil), tracks...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		e := Score(cfg, Release{Title: "SAW", Artist: "Aphex Twin", Tracks: shuffled}, cand)
		assert.Equal(t, want.Distance, e.Distance)
		assert.Equal(t, want.Tier, e.Tier)
		for _, p := range e.Pairs {
			assert.Equal(t, shuffled[p.Local].Number, cand.Tracks[p.Candidate].Number)
		}
	}
}

func TestRank(t *testing.T) {
	t.Parallel()

	local := Release{Title: "Album", Artist: "Artist", Tracks: []Track{track(1, "Alpha", 200)}}
	good := Release{Title: "Album", Artist: "Artist", Tracks: []Track{track(1, "Alpha", 200)}}
	bad := Release{Title: "Other", Artist: "Someone", Tracks: []Track{track(1, "Beta", 100)}}

	cands := []Candidate{
		{Release: bad, Source: "a", Index: 0},
		{Release: good, Source: "b", Priority: 1, Index: 1},
		{Release: good, Source: "a", Priority: 0, Index: 2},
		{Release: good, Source: "a", Priority: 0, Index: 3},
	}
	r := Rank(DefaultConfig(), local, cands)
	require.Len(t, r, 4)

	var order []int
	for _, e := range r {
		order = append(order, e.Candidate.Index)
	}
	assert.Equal(t, []int{2, 3, 1, 0}, order)
	assert.Equal(t, TierStrong, r.Tier())
	assert.Equal(t, TierNone, Result(nil).Tier())
}

func TestThresholds(t *testing.T) {
	t.Parallel()

	th := DefaultConfig().Thresholds
	assert.Equal(t, TierStrong, th.Tier(0))
	assert.Equal(t, TierStrong, th.Tier(0.04))
	assert.Equal(t, TierMedium, th.Tier(0.1))
	assert.Equal(t, TierWeak, th.Tier(0.45))
	assert.Equal(t, TierNone, th.Tier(0.9))

	tier, err := ParseTier("Medium")
	require.NoError(t, err)
	assert.Equal(t, TierMedium, tier)
	_, err = ParseTier("great")
	assert.Error(t, err)
}

func TestWeightsFor(t *testing.T) {
	t.Parallel()

	w := Weights{"track": 2, "track_title": 5, "album": 3}
	assert.Equal(t, 2.0, w.For("track 12"))
	assert.Equal(t, 5.0, w.For("track_title"))
	assert.Equal(t, 3.0, w.For("albumdisambig"))
	assert.Equal(t, 1.0, w.For("label"))
	assert.Equal(t, 1.0, w.For(""))

	w2 := w.With(Weights{"album": 0})
	assert.Equal(t, 0.0, w2.For("album"))
	assert.Equal(t, 3.0, w.For("album"))
}

func TestWeightsLowerBound(t *testing.T) {
	t.Parallel()

	local := Release{Title: "Album", Artist: "Artist", Label: "Columbia", CatalogueNum: "Columbia"}
	cand := Candidate{Release: Release{Title: "Album", Artist: "Artist", Label: "uh some other label", CatalogueNum: "not the same catalogue num"}}

	cfg := DefaultConfig()
	cfg.Weights = cfg.Weights.With(Weights{KeyLabel: 0, KeyCatalogueNum: 0})
	assert.Zero(t, Score(cfg, local, cand).Distance)

	cfg.Weights = cfg.Weights.With(Weights{KeyLabel: 2, KeyCatalogueNum: 2})
	assert.Greater(t, Score(cfg, local, cand).Distance, 0.2)
}

func TestTextDistance(t *testing.T) {
	t.Parallel()

	assert.Zero(t, textDistance("Columbia", "COLUMBIA"))
	assert.Zero(t, textDistance("CLO LP 3", "CLOLP3"))
	assert.Zero(t, textDistance("Sigur Rós", "Sigur Ros"))
	assert.InDelta(t, 0.2, textDistance("abcde", "abcdX"), 1e-9)
	assert.Equal(t, 1.0, textDistance("abc", "!!!"))
}

func TestNormalise(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", normalise(""))
	assert.Equal(t, "", normalise(" "))
	assert.Equal(t, "123", normalise(" 1!2!3 "))
	assert.Equal(t, "sean", normalise("SÉan"))
	assert.Equal(t, "hello世界", normalise("~~ 【 Hello, 世界。 】~~ 😉"))
}

func TestJaccard(t *testing.T) {
	t.Parallel()

	assert.Zero(t, jaccard([]string{"A", "B"}, []string{"b", "a"}))
	assert.InDelta(t, 2.0/3, jaccard([]string{"A", "B"}, []string{"B", "C"}), 1e-9)
	assert.Equal(t, 1.0, jaccard([]string{"A"}, []string{"C"}))
}

func TestHungarian(t *testing.T) {
	t.Parallel()

	cost := [][]float64{
		{4, 1, 3},
		{2, 0, 5},
		{3, 2, 2},
	}
	assert.Equal(t, []int{1, 0, 2}, hungarian(cost))
	assert.Nil(t, hungarian(nil))
}

func TestDiffRelease(t *testing.T) {
	t.Parallel()

	local := Release{Title: "Albun", Artist: "Artist", Tracks: []Track{track(1, "Alpha", 200)}}
	cand := Candidate{Release: Release{Title: "Album", Artist: "Artist", Tracks: []Track{track(1, "Alpha", 200)}}}

	diffs := DiffRelease(local, Score(DefaultConfig(), local, cand))
	require.Len(t, diffs, 7)
	assert.Equal(t, "release", diffs[0].Field)
	assert.False(t, diffs[0].Equal)
	assert.True(t, diffs[1].Equal)
	assert.Equal(t, "track 1", diffs[6].Field)
	assert.True(t, diffs[6].Equal)
}
