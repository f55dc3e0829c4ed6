package match

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Keys of the weight table.
const (
	KeyAlbum          = "album"
	KeyArtist         = "artist"
	KeyArtists        = "artists"
	KeyLabel          = "label"
	KeyCatalogueNum   = "catalognum"
	KeyMedia          = "media"
	KeyDisambiguation = "albumdisambig"
	KeyYear           = "year"
	KeyID             = "mb_albumid"

	KeyTrack       = "track"
	KeyTrackTitle  = "track_title"
	KeyTrackArtist = "track_artist"
	KeyTrackLength = "track_length"
	KeyTrackNumber = "track_number"
	KeyTrackID     = "track_id"

	KeyMissing   = "missing"
	KeyUnmatched = "unmatched"
	KeyExtra     = "extra"
	KeyReorder   = "reorder"
)

// Weights maps field name prefixes to weights. The longest matching prefix wins and unknown fields
// weigh 1.
type Weights map[string]float64

func DefaultWeights() Weights {
	return Weights{
		KeyAlbum:          3,
		KeyArtist:         3,
		KeyArtists:        1,
		KeyLabel:          0.5,
		KeyCatalogueNum:   0.5,
		KeyMedia:          0.5,
		KeyDisambiguation: 0.3,
		KeyYear:           1,
		KeyID:             5,

		KeyTrack:       1,
		KeyTrackTitle:  3,
		KeyTrackArtist: 1,
		KeyTrackLength: 2,
		KeyTrackNumber: 1,
		KeyTrackID:     5,

		KeyMissing:   1,
		KeyUnmatched: 0.6,
		KeyExtra:     0.9,
		KeyReorder:   1,
	}
}

func (w Weights) For(field string) float64 {
	if field == "" {
		return 1
	}
	var best string
	var weight float64 = 1
	for f, v := range w {
		if strings.HasPrefix(field, f) && len(f) > len(best) {
			best, weight = f, v
		}
	}
	return weight
}

// With returns a copy of w with overrides applied.
func (w Weights) With(overrides Weights) Weights {
	r := maps.Clone(w)
	if r == nil {
		r = Weights{}
	}
	maps.Copy(r, overrides)
	return r
}

// String formats weights as "field weight" pairs, one per line, sorted.
func (w Weights) String() string {
	var lines []string
	for _, k := range slices.Sorted(maps.Keys(w)) {
		lines = append(lines, fmt.Sprintf("%s %s", k, strconv.FormatFloat(w[k], 'f', -1, 64)))
	}
	return strings.Join(lines, "\n")
}
