// Package match scores candidate releases from metadata providers against local items.
//
// Every comparable attribute gives a distance in [0, 1]. Distances are combined into one weighted
// average per candidate, so 0 is a perfect match. Candidates are ranked by distance and bucketed
// into confidence tiers.
package match

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// Release is a set of tracks with album level metadata. Local items are described with the same
// type as candidates so they can be compared field by field.
type Release struct {
	ID             string
	Title          string
	Artist         string
	Artists        []string
	Label          string
	CatalogueNum   string
	Media          string
	Year           int
	Disambiguation string
	Genres         []string
	Tracks         []Track
}

type Track struct {
	ID     string
	Title  string
	Artist string
	Number int
	Length time.Duration
}

// Candidate is a release proposed by a provider.
type Candidate struct {
	Release
	Source string
	// Priority breaks ties between providers, lower first.
	Priority int
	// Index is the candidate's position in the provider's response, the last tie breaker.
	Index int
}

type Tier uint8

const (
	TierNone Tier = iota
	TierWeak
	TierMedium
	TierStrong
)

func (t Tier) String() string {
	switch t {
	case TierWeak:
		return "weak"
	case TierMedium:
		return "medium"
	case TierStrong:
		return "strong"
	}
	return "none"
}

func ParseTier(s string) (Tier, error) {
	for t := TierNone; t <= TierStrong; t++ {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return TierNone, fmt.Errorf("unknown tier %q", s)
}

// Thresholds are the largest distances of each tier.
type Thresholds struct {
	Strong, Medium, Weak float64
}

func (th Thresholds) Tier(dist float64) Tier {
	switch {
	case dist <= th.Strong:
		return TierStrong
	case dist <= th.Medium:
		return TierMedium
	case dist <= th.Weak:
		return TierWeak
	}
	return TierNone
}

type Config struct {
	Weights    Weights
	Thresholds Thresholds
}

func DefaultConfig() Config {
	return Config{
		Weights:    DefaultWeights(),
		Thresholds: Thresholds{Strong: 0.04, Medium: 0.30, Weak: 0.50},
	}
}

// Component is one weighted part of a candidate's distance.
type Component struct {
	Field    string
	Distance float64
	Weight   float64
}

// Pair assigns a local track to a candidate track.
type Pair struct {
	Local, Candidate int
	Distance         float64
}

// Entry is the score of one candidate.
type Entry struct {
	Candidate  Candidate
	Distance   float64
	Tier       Tier
	Components []Component
	Pairs      []Pair
	// Unmatched are local tracks without a candidate track, Extra are candidate tracks without a
	// local one.
	Unmatched []int
	Extra     []int
	Reordered bool
}

// Penalties returns the components with a non zero distance, largest contribution first.
func (e Entry) Penalties() []Component {
	var r []Component
	for _, c := range e.Components {
		if c.Distance > 0 {
			r = append(r, c)
		}
	}
	slices.SortStableFunc(r, func(a, b Component) int {
		return cmp.Compare(b.Distance*b.Weight, a.Distance*a.Weight)
	})
	return r
}

// Pairing returns the candidate track index for each local track, or -1.
func (e Entry) Pairing(numLocal int) []int {
	r := make([]int, numLocal)
	for i := range r {
		r[i] = -1
	}
	for _, p := range e.Pairs {
		r[p.Local] = p.Candidate
	}
	return r
}

// Score compares a candidate with the local release.
func Score(cfg Config, local Release, c Candidate) Entry {
	w := cfg.Weights
	e := Entry{Candidate: c}

	add := func(field string, dist float64) {
		e.Components = append(e.Components, Component{Field: field, Distance: dist, Weight: w.For(field)})
	}
	text := func(field string, required bool, a, b string) {
		switch {
		case a == "":
		case b == "" && required:
			e.Components = append(e.Components, Component{Field: field, Distance: 1, Weight: w.For(KeyMissing)})
		case b != "":
			add(field, textDistance(a, b))
		}
	}

	text(KeyAlbum, true, local.Title, c.Title)
	text(KeyArtist, true, local.Artist, c.Artist)
	if len(local.Artists) > 0 && len(c.Artists) > 0 {
		add(KeyArtists, jaccard(local.Artists, c.Artists))
	}
	text(KeyLabel, false, local.Label, c.Label)
	text(KeyCatalogueNum, false, local.CatalogueNum, c.CatalogueNum)
	text(KeyMedia, false, local.Media, c.Media)
	text(KeyDisambiguation, false, local.Disambiguation, c.Disambiguation)
	if local.Year > 0 && c.Year > 0 {
		add(KeyYear, proximity(float64(local.Year-c.Year), 0, 5))
	}
	if local.ID != "" && c.ID != "" {
		add(KeyID, exact(local.ID, c.ID))
	}

	scoreTracks(cfg, local.Tracks, c.Tracks, &e)

	e.Distance = aggregate(e.Components)
	e.Tier = cfg.Thresholds.Tier(e.Distance)
	if e.Reordered {
		e.Tier = min(e.Tier, TierMedium)
	}
	return e
}

// padCost fills the assignment matrix for tracks that can't be paired, above any real distance.
const padCost = 2.0

func scoreTracks(cfg Config, local, cand []Track, e *Entry) {
	if len(local) == 0 && len(cand) == 0 {
		return
	}
	w := cfg.Weights

	n := max(len(local), len(cand))
	costs := make([][]float64, n)
	for i := range n {
		costs[i] = make([]float64, n)
		for j := range n {
			if i < len(local) && j < len(cand) {
				costs[i][j] = trackDistance(w, local[i], cand[j])
				continue
			}
			costs[i][j] = padCost
		}
	}

	assign := hungarian(costs)
	for i, j := range assign {
		switch {
		case i < len(local) && j < len(cand):
			e.Pairs = append(e.Pairs, Pair{Local: i, Candidate: j, Distance: costs[i][j]})
		case i < len(local):
			e.Unmatched = append(e.Unmatched, i)
		case j < len(cand):
			e.Extra = append(e.Extra, j)
		}
	}
	slices.Sort(e.Extra)

	// components are named by candidate position so the order of local tracks doesn't matter
	pairs := slices.Clone(e.Pairs)
	slices.SortFunc(pairs, func(a, b Pair) int { return cmp.Compare(a.Candidate, b.Candidate) })
	for _, p := range pairs {
		e.Components = append(e.Components, Component{Field: fmt.Sprintf("%s %d", KeyTrack, p.Candidate+1), Distance: p.Distance, Weight: w.For(KeyTrack)})
	}
	for range e.Unmatched {
		e.Components = append(e.Components, Component{Field: KeyUnmatched, Distance: 1, Weight: w.For(KeyUnmatched)})
	}
	for _, j := range e.Extra {
		e.Components = append(e.Components, Component{Field: fmt.Sprintf("%s %d", KeyExtra, j+1), Distance: 1, Weight: w.For(KeyExtra)})
	}
	if len(local) != len(cand) {
		e.Reordered = true
		e.Components = append(e.Components, Component{Field: KeyReorder, Distance: 1, Weight: w.For(KeyReorder)})
	}
}

func trackDistance(w Weights, a, b Track) float64 {
	var parts []Component
	add := func(field string, dist float64) {
		parts = append(parts, Component{Field: field, Distance: dist, Weight: w.For(field)})
	}
	switch {
	case a.Title == "":
	case b.Title == "":
		parts = append(parts, Component{Field: KeyTrackTitle, Distance: 1, Weight: w.For(KeyMissing)})
	default:
		add(KeyTrackTitle, textDistance(a.Title, b.Title))
	}
	if a.Artist != "" && b.Artist != "" {
		add(KeyTrackArtist, textDistance(a.Artist, b.Artist))
	}
	if a.Length > 0 && b.Length > 0 {
		add(KeyTrackLength, proximity((a.Length - b.Length).Seconds(), 10, 30))
	}
	if a.Number > 0 && b.Number > 0 {
		add(KeyTrackNumber, exact(a.Number, b.Number))
	}
	if a.ID != "" && b.ID != "" {
		add(KeyTrackID, exact(a.ID, b.ID))
	}
	return aggregate(parts)
}

// aggregate is the weighted average of the components, rounded so that summation order can't
// change the result.
func aggregate(cs []Component) float64 {
	var total float64
	contrib := make([]float64, 0, len(cs))
	for _, c := range cs {
		contrib = append(contrib, c.Distance*c.Weight)
		total += c.Weight
	}
	if total == 0 {
		return 0
	}
	slices.Sort(contrib)
	var sum float64
	for _, v := range contrib {
		sum += v
	}
	return math.Round(sum/total*1e9) / 1e9
}

// Result is candidates in rank order, best first.
type Result []Entry

// Rank scores every candidate and sorts by distance, then source priority, then input order.
func Rank(cfg Config, local Release, cands []Candidate) Result {
	r := make(Result, 0, len(cands))
	for _, c := range cands {
		r = append(r, Score(cfg, local, c))
	}
	slices.SortStableFunc(r, func(a, b Entry) int {
		return cmp.Or(
			cmp.Compare(a.Distance, b.Distance),
			cmp.Compare(a.Candidate.Priority, b.Candidate.Priority),
			cmp.Compare(a.Candidate.Index, b.Candidate.Index),
		)
	})
	return r
}

func (r Result) Best() (Entry, bool) {
	if len(r) == 0 {
		return Entry{}, false
	}
	return r[0], true
}

// Tier is the tier of the best candidate.
func (r Result) Tier() Tier {
	if e, ok := r.Best(); ok {
		return e.Tier
	}
	return TierNone
}
