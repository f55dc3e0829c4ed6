package match

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff is a field of the local release next to the candidate's, for display.
type Diff struct {
	Field         string
	Before, After []diffmatchpatch.Diff
	Equal         bool
}

func diff(field, a, b string) Diff {
	diffs := dmp.DiffMain(a, b, false)
	return Diff{
		Field:  field,
		Before: filterFunc(diffs, func(d diffmatchpatch.Diff) bool { return d.Type <= diffmatchpatch.DiffEqual }),
		After:  filterFunc(diffs, func(d diffmatchpatch.Diff) bool { return d.Type >= diffmatchpatch.DiffEqual }),
		Equal:  dmp.DiffLevenshtein(diffs) == 0,
	}
}

// DiffRelease lists the changes applying an entry's candidate would make, with tracks in the pairing
// the entry found.
func DiffRelease(local Release, e Entry) []Diff {
	c := e.Candidate
	diffs := []Diff{
		diff("release", local.Title, c.Title),
		diff("artist", local.Artist, c.Artist),
		diff("label", local.Label, c.Label),
		diff("catalogue num", local.CatalogueNum, c.CatalogueNum),
		diff("media format", local.Media, c.Media),
		diff("year", yearString(local.Year), yearString(c.Year)),
	}
	for i, j := range e.Pairing(len(local.Tracks)) {
		lt := local.Tracks[i]
		var ct Track
		if j >= 0 {
			ct = c.Tracks[j]
		}
		diffs = append(diffs, diff(
			fmt.Sprintf("track %d", i+1),
			strings.Join(filterZero(lt.Artist, lt.Title), " – "),
			strings.Join(filterZero(ct.Artist, ct.Title), " – "),
		))
	}
	return diffs
}

func yearString(y int) string {
	if y == 0 {
		return ""
	}
	return strconv.Itoa(y)
}

func filterZero[T comparable](elms ...T) []T {
	var zero T
	var r []T
	for _, e := range elms {
		if e != zero {
			r = append(r, e)
		}
	}
	return r
}

func filterFunc[T any](elms []T, f func(T) bool) []T {
	var r []T
	for _, e := range elms {
		if f(e) {
			r = append(r, e)
		}
	}
	return r
}
