// Package fileutil has path helpers shared by directory reading and file reorganisation.
package fileutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rainycape/unidecode"
	"go.senan.xyz/natcmp"
)

func GlobEscape(path string) string {
	var r strings.Builder
	for _, c := range path {
		switch c {
		case '*', '?', '[', '\\':
			r.WriteRune('[')
			r.WriteRune(c)
			r.WriteRune(']')
		default:
			r.WriteRune(c)
		}
	}
	return r.String()
}

// GlobDir matches pattern against the entries of dir, which may itself contain glob characters.
func GlobDir(dir, pattern string) ([]string, error) {
	return filepath.Glob(filepath.Join(GlobEscape(dir), pattern))
}

var safePathReplacer = strings.NewReplacer(
	"\x00", "",
	":", "",
	string(filepath.Separator), " ",
)

// SafePath makes s usable as a single path segment. Non ASCII text is transliterated.
func SafePath(s string) string {
	s = unidecode.Unidecode(s)
	s = safePathReplacer.Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimLeft(s, ".")
	return s
}

// ErrNotDir is returned by WalkLeaves when root isn't a directory.
var ErrNotDir = errors.New("not a directory")

// WalkLeaves calls fn for every directory under root, root included, which contains no other
// directories. Leaves are visited in natural order.
func WalkLeaves(root string, fn func(dir string, files []string) error) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", root, ErrNotDir)
	}

	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read dir: %w", err)
		}
		slices.SortFunc(entries, func(a, b fs.DirEntry) int {
			return natcmp.Compare(a.Name(), b.Name())
		})

		var dirs, files []string
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if e.IsDir() {
				dirs = append(dirs, path)
				continue
			}
			files = append(files, path)
		}
		if len(dirs) == 0 {
			return fn(dir, files)
		}
		for _, d := range dirs {
			if err := walk(d); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root)
}
