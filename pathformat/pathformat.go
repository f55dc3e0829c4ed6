// Package pathformat renders destination paths for library items from a text/template.
//
// The template sees every attribute of the item by name, plus .ext:
//
//	/music/{{ .albumartist | safepath }}/({{ .year }}) {{ .album | safepath }}/{{ pad0 2 .track }} {{ .title | safepath }}{{ .ext }}
package pathformat

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	texttemplate "text/template"

	"go.senan.xyz/shelf/attr"
	"go.senan.xyz/shelf/fileutil"
	"go.senan.xyz/shelf/library"
)

var (
	ErrInvalidFormat   = errors.New("invalid path format")
	ErrAmbiguousFormat = errors.New("ambiguous format, tracks would share a path")
	ErrBadData         = errors.New("data produced an invalid path")
)

type Data map[string]any

// DataFor resolves every registered attribute of it. Attach unsaved items to their album first.
func DataFor(it *library.Item, ext string) Data {
	reg := it.Registry()
	d := Data{"ext": ext}
	for _, name := range reg.Names() {
		d[name] = it.Get(name)
	}
	return d
}

type Format struct {
	root string
	tmpl *texttemplate.Template
}

// Parse checks the format is absolute and produces a distinct path per track.
func (pf *Format) Parse(str string) error {
	str = strings.TrimSpace(str)
	if str == "" {
		return fmt.Errorf("%w: empty format", ErrInvalidFormat)
	}
	if !filepath.IsAbs(str) {
		return fmt.Errorf("%w: must be absolute", ErrInvalidFormat)
	}

	tmpl, err := texttemplate.New("template").Funcs(funcMap).Parse(str)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}

	root, _, _ := strings.Cut(str, "{{")
	root = filepath.Clean(filepath.Dir(root))

	next := Format{root: root, tmpl: tmpl}
	a, err := next.Execute(sample(1, "a"))
	if err != nil {
		return err
	}
	b, err := next.Execute(sample(2, "b"))
	if err != nil {
		return err
	}
	if a == b {
		return fmt.Errorf("%w: %q", ErrAmbiguousFormat, a)
	}

	*pf = next
	return nil
}

func (pf *Format) Execute(data Data) (string, error) {
	if pf.tmpl == nil {
		return "", fmt.Errorf("%w: format not parsed", ErrInvalidFormat)
	}
	var buff strings.Builder
	if err := pf.tmpl.Execute(&buff, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	path := buff.String()
	if strings.HasSuffix(path, "/") || strings.Contains(path, "//") {
		return "", fmt.Errorf("%w: %q has an empty segment", ErrBadData, path)
	}
	return filepath.Clean(path), nil
}

// Root is the static part of the format, under which all paths are created.
func (pf *Format) Root() string {
	return pf.root
}

func (pf *Format) String() string {
	if pf.tmpl == nil {
		return ""
	}
	return pf.tmpl.Root.String()
}

var funcMap = texttemplate.FuncMap{
	"join":     func(delim string, items []string) string { return strings.Join(items, delim) },
	"pad0":     func(amount int, n any) string { return fmt.Sprintf("%0*d", amount, n) },
	"safepath": func(v any) string { return fileutil.SafePath(fmt.Sprint(v)) },
}

// sample is data for a two track album with only the common attributes set.
func sample(n int, title string) Data {
	d := Data{"ext": ".flac"}
	for _, name := range attr.Default.Names() {
		t, _ := attr.Default.Lookup(name)
		d[name] = t.Zero()
	}
	d[attr.Title] = title
	d[attr.Artist] = "artist"
	d[attr.Artists] = []string{"artist"}
	d[attr.TrackNumber] = int64(n)
	d[attr.TrackTotal] = int64(2)
	d[attr.Album] = "album"
	d[attr.AlbumArtist] = "artist"
	d[attr.AlbumArtists] = []string{"artist"}
	d[attr.Year] = int64(2000)
	return d
}
