package match

import (
	"math"
	"strings"
	"unicode"

	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var dmp = diffmatchpatch.New()

// textDistance is the edit distance of the normalised strings over the longer one's length.
func textDistance(a, b string) float64 {
	a, b = normalise(a), normalise(b)
	if a == b {
		return 0
	}
	la, lb := len([]rune(a)), len([]rune(b))
	if la == 0 || lb == 0 {
		return 1
	}
	diffs := dmp.DiffMain(a, b, false)
	dist := float64(dmp.DiffLevenshtein(diffs)) / float64(max(la, lb))
	return min(dist, 1)
}

// normalise folds diacritics and case and drops everything but letters and numbers.
func normalise(input string) string {
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(fold, input); err == nil {
		input = folded
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return unicode.ToLower(r)
		}
		if unicode.IsNumber(r) {
			return r
		}
		return -1
	}, input)
}

// jaccard is one minus the overlap of two sets of names.
func jaccard(a, b []string) float64 {
	set := map[string]uint8{}
	for _, v := range a {
		set[normalise(v)] |= 1
	}
	for _, v := range b {
		set[normalise(v)] |= 2
	}
	var both int
	for _, v := range set {
		if v == 3 {
			both++
		}
	}
	if len(set) == 0 {
		return 0
	}
	return 1 - float64(both)/float64(len(set))
}

// proximity maps a numeric difference to [0, 1]. Differences up to grace are free, after which the
// distance grows linearly and reaches 1 at grace+scale.
func proximity(diff, grace, scale float64) float64 {
	diff = math.Abs(diff) - grace
	if diff <= 0 {
		return 0
	}
	return min(diff/scale, 1)
}

func exact[T comparable](a, b T) float64 {
	if a == b {
		return 0
	}
	return 1
}
