// Package dirread discovers the local items of an import source: a directory of audio files,
// optionally described by a manifest.
//
// Track numbers and titles come from file names like "03 - Title.flac". A shelf.yaml manifest
// overrides album and track attributes, and a gazelle origin file fills in album attributes when
// there's no manifest.
package dirread

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"go.senan.xyz/natcmp"
	"gopkg.in/yaml.v2"

	"go.senan.xyz/shelf/attr"
	"go.senan.xyz/shelf/fileutil"
)

var ErrNoTracks = errors.New("no tracks in dir")

// Extensions are the file types read as tracks.
var Extensions = []string{".flac", ".mp3", ".m4a", ".ogg", ".opus", ".wav", ".aiff", ".wv", ".ape"}

// Dir is one import source. Attribute values are raw and coerced by the library on Set.
type Dir struct {
	Path   string
	Album  map[string]any
	Tracks []Track
}

type Track struct {
	Path  string
	Attrs map[string]any
}

// Read reads the tracks of dir in natural file name order.
func Read(dir string) (*Dir, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !slices.Contains(Extensions, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoTracks)
	}
	slices.SortFunc(names, natcmp.Compare)

	d := &Dir{Path: dir, Album: map[string]any{}}
	for i, name := range names {
		path, err := filepath.Abs(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("abs path: %w", err)
		}
		d.Tracks = append(d.Tracks, Track{Path: path, Attrs: fromFilename(name, i+1)})
	}

	man, err := FindManifest(dir)
	if err != nil {
		return nil, fmt.Errorf("find manifest: %w", err)
	}
	switch {
	case man != nil:
		man.apply(d)
	default:
		origin, err := FindOrigin(dir)
		if err != nil {
			return nil, fmt.Errorf("find origin file: %w", err)
		}
		if origin != nil {
			maps.Copy(d.Album, origin.Attrs())
		}
	}
	if _, ok := d.Album[attr.TrackTotal]; !ok {
		d.Album[attr.TrackTotal] = len(d.Tracks)
	}
	return d, nil
}

var filenameExpr = regexp.MustCompile(`^(?:(\d{1,3})[\s.\-_]+)?(.*)$`)

func fromFilename(name string, pos int) map[string]any {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	attrs := map[string]any{
		attr.Format:      strings.ToUpper(strings.TrimPrefix(ext, ".")),
		attr.TrackNumber: pos,
	}
	m := filenameExpr.FindStringSubmatch(stem)
	if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
		attrs[attr.TrackNumber] = n
	}
	if title := strings.TrimSpace(strings.TrimLeft(m[2], "-. ")); title != "" {
		attrs[attr.Title] = title
	}
	return attrs
}

const manifestPat = "shelf.y*ml"

// Manifest describes a directory by hand. Track entries are keyed by file name.
type Manifest struct {
	Album  map[string]any            `yaml:"album"`
	Tracks map[string]map[string]any `yaml:"tracks"`
}

func FindManifest(dir string) (*Manifest, error) {
	matches, err := fileutil.GlobDir(dir, manifestPat)
	if err != nil {
		return nil, fmt.Errorf("glob for manifest: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

func (m *Manifest) apply(d *Dir) {
	maps.Copy(d.Album, m.Album)
	for _, t := range d.Tracks {
		maps.Copy(t.Attrs, m.Tracks[filepath.Base(t.Path)])
	}
}

// https://github.com/x1ppy/gazelle-origin

const originPat = "origin.y*ml"

func FindOrigin(dir string) (*OriginFile, error) {
	matches, err := fileutil.GlobDir(dir, originPat)
	if err != nil {
		return nil, fmt.Errorf("glob for origin file: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	f, err := os.Open(matches[0])
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	var res OriginFile
	if err := yaml.NewDecoder(f).Decode(&res); err != nil {
		return nil, fmt.Errorf("parse origin file: %w", err)
	}
	return &res, nil
}

type OriginFile struct {
	Artist          string `yaml:"Artist"`
	Name            string `yaml:"Name"`
	Edition         any    `yaml:"Edition"`
	EditionYear     int    `yaml:"Edition year"`
	Media           string `yaml:"Media"`
	CatalogueNumber string `yaml:"Catalog number"`
	RecordLabel     string `yaml:"Record label"`
	OriginalYear    int    `yaml:"Original year"`
	Format          string `yaml:"Format"`
}

// Attrs returns the album attributes the origin file knows.
func (o *OriginFile) Attrs() map[string]any {
	attrs := map[string]any{
		attr.Album:        o.Name,
		attr.AlbumArtist:  o.Artist,
		attr.Label:        o.RecordLabel,
		attr.CatalogueNum: o.CatalogueNumber,
		attr.MediaFormat:  o.Media,
	}
	if year := cmp.Or(o.EditionYear, o.OriginalYear); year > 0 {
		attrs[attr.Year] = year
	}
	if ed, ok := o.Edition.(string); ok && ed != "" {
		attrs[attr.Disambiguation] = ed
	}
	maps.DeleteFunc(attrs, func(_ string, v any) bool { return v == "" })
	return attrs
}

func (o *OriginFile) String() string {
	return fmt.Sprintf("%s - %s (%d) [%s #%s]", o.Artist, o.Name, o.EditionYear, o.RecordLabel, o.CatalogueNumber)
}
