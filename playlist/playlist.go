// Package playlist keeps smart playlists, named library queries written out as m3u files. Playlists
// are marked stale when a commit touches an item they match or used to match, and only stale
// playlists are rewritten.
package playlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/shlex"

	"go.senan.xyz/shelf/attr"
	"go.senan.xyz/shelf/fileutil"
	"go.senan.xyz/shelf/library"
	"go.senan.xyz/shelf/query"
)

var (
	ErrInvalidPlaylist = errors.New("invalid playlist")
	ErrDuplicateName   = errors.New("duplicate playlist name")
)

type Format uint8

const (
	M3U Format = iota
	// M3U8 is UTF-8 extended m3u, with #EXTINF lines.
	M3U8
)

func (f Format) Ext() string {
	if f == M3U8 {
		return ".m3u8"
	}
	return ".m3u"
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "m3u":
		return M3U, nil
	case "m3u8":
		return M3U8, nil
	}
	return 0, fmt.Errorf("unknown playlist format %q", s)
}

// Playlist is a named query. Album playlists match albums and list all of their items.
type Playlist struct {
	Name   string
	Query  query.Request
	Albums bool
}

// Parse reads a playlist definition, the name then query terms, split like a shell command line.
// A leading "album" term makes it an album playlist.
//
//	"Late Night" genre:jazz year:1950..1969 year+
//	album recent added:2024.. added-
func Parse(def string) (Playlist, error) {
	tokens, err := shlex.Split(def)
	if err != nil {
		return Playlist{}, fmt.Errorf("%w: split: %w", ErrInvalidPlaylist, err)
	}
	var p Playlist
	if len(tokens) > 0 && tokens[0] == "album" {
		p.Albums = true
		tokens = tokens[1:]
	}
	if len(tokens) == 0 || strings.TrimSpace(tokens[0]) == "" {
		return Playlist{}, fmt.Errorf("%w: no name", ErrInvalidPlaylist)
	}
	p.Name = tokens[0]
	if p.Query, err = query.ParseTerms(tokens[1:]); err != nil {
		return Playlist{}, fmt.Errorf("%w: %q: %w", ErrInvalidPlaylist, p.Name, err)
	}
	return p, nil
}

func (p Playlist) String() string {
	var b strings.Builder
	if p.Albums {
		b.WriteString("album ")
	}
	fmt.Fprintf(&b, "%q", p.Name)
	if q := p.Query.String(); q != "" {
		b.WriteString(" ")
		b.WriteString(q)
	}
	return b.String()
}

// Options control how playlist files are written.
type Options struct {
	Dir    string
	Format Format
	// RelativeTo makes item paths relative to a directory, usually Dir.
	RelativeTo string
	// Prefix is prepended to every path, for example a URL.
	Prefix string
}

type Manager struct {
	lib  *library.Library
	opts Options

	mu        sync.Mutex
	playlists []Playlist
	stale     map[string]bool
	members   map[string]map[int64]struct{}
	changed   chan struct{}
}

// New validates playlists against the library's registry. Every playlist starts stale.
func New(lib *library.Library, opts Options, playlists ...Playlist) (*Manager, error) {
	m := &Manager{
		lib:     lib,
		opts:    opts,
		stale:   map[string]bool{},
		members: map[string]map[int64]struct{}{},
		changed: make(chan struct{}, 1),
	}
	files := map[string]string{}
	for _, p := range playlists {
		if _, err := query.Compile(lib.Registry(), p.Query); err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPlaylist, p.Name, err)
		}
		file := m.filename(p)
		if prev, ok := files[file]; ok {
			return nil, fmt.Errorf("%w: %q and %q", ErrDuplicateName, prev, p.Name)
		}
		files[file] = p.Name
		m.playlists = append(m.playlists, p)
		m.stale[p.Name] = true
	}
	return m, nil
}

func (m *Manager) Playlists() []Playlist {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.playlists)
}

// Stale returns the names of the playlists which need writing.
func (m *Manager) Stale() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for _, p := range m.playlists {
		if m.stale[p.Name] {
			names = append(names, p.Name)
		}
	}
	return names
}

// Subscribe marks playlists stale as the library changes. The returned func stops it.
func (m *Manager) Subscribe() (cancel func()) {
	return m.lib.Subscribe(m.observe)
}

// observe runs inside a commit, so it only reads.
func (m *Manager) observe(ev library.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []*library.Item
	for _, id := range ev.Items {
		if it, err := m.lib.Item(id); err == nil {
			items = append(items, it)
		}
	}
	var albums []*library.Album
	for _, id := range ev.Albums {
		if a, err := m.lib.Album(id); err == nil {
			albums = append(albums, a)
		}
	}
	// items of changed albums may match now through album level fields
	for _, a := range albums {
		items = append(items, m.lib.AlbumItems(a.ID)...)
	}

	var marked bool
	for _, p := range m.playlists {
		if m.stale[p.Name] {
			continue
		}
		if m.affected(p, ev, items, albums) {
			m.stale[p.Name] = true
			marked = true
		}
	}
	if marked {
		select {
		case m.changed <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) affected(p Playlist, ev library.Event, items []*library.Item, albums []*library.Album) bool {
	members := m.members[p.Name]
	for _, id := range slices.Concat(ev.Items, ev.RemovedItems) {
		if _, ok := members[id]; ok {
			return true
		}
	}

	c, err := query.Compile(m.lib.Registry(), p.Query)
	if err != nil {
		return true
	}
	if p.Albums {
		for _, a := range albums {
			if c.Match(a) {
				return true
			}
		}
		return false
	}
	for _, it := range items {
		if c.Match(it) {
			return true
		}
	}
	return false
}

// Run writes stale playlists whenever the library changes, until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	cancel := m.Subscribe()
	defer cancel()

	if _, err := m.Update(ctx); err != nil {
		slog.ErrorContext(ctx, "update playlists", "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.changed:
			if _, err := m.Update(ctx); err != nil {
				slog.ErrorContext(ctx, "update playlists", "err", err)
			}
		}
	}
}

// Update writes the stale playlists and returns their names.
func (m *Manager) Update(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	var todo []Playlist
	for _, p := range m.playlists {
		if m.stale[p.Name] {
			todo = append(todo, p)
			m.stale[p.Name] = false
		}
	}
	m.mu.Unlock()

	if len(todo) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(m.opts.Dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("make playlist dir: %w", err)
	}

	var written []string
	var errs []error
	for _, p := range todo {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		items, err := m.Items(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("query %q: %w", p.Name, err))
			continue
		}
		path := filepath.Join(m.opts.Dir, m.filename(p))
		if err := m.write(path, items); err != nil {
			errs = append(errs, fmt.Errorf("write %q: %w", p.Name, err))
			m.mu.Lock()
			m.stale[p.Name] = true
			m.mu.Unlock()
			continue
		}

		members := make(map[int64]struct{}, len(items))
		for _, it := range items {
			members[it.ID] = struct{}{}
		}
		m.mu.Lock()
		m.members[p.Name] = members
		m.mu.Unlock()

		slog.InfoContext(ctx, "wrote playlist", "name", p.Name, "path", path, "items", len(items))
		written = append(written, p.Name)
	}
	return written, errors.Join(errs...)
}

// Items evaluates a playlist against the current library.
func (m *Manager) Items(p Playlist) ([]*library.Item, error) {
	var items []*library.Item
	if p.Albums {
		albums, err := m.lib.Albums(p.Query)
		if err != nil {
			return nil, err
		}
		for a := range albums {
			items = append(items, m.lib.AlbumItems(a.ID)...)
		}
		return items, nil
	}
	seq, err := m.lib.Items(p.Query)
	if err != nil {
		return nil, err
	}
	for it := range seq {
		items = append(items, it)
	}
	return items, nil
}

func (m *Manager) filename(p Playlist) string {
	return fileutil.SafePath(p.Name) + m.opts.Format.Ext()
}

func (m *Manager) write(path string, items []*library.Item) error {
	var b strings.Builder
	if m.opts.Format == M3U8 {
		b.WriteString("#EXTM3U\n")
	}
	for _, it := range items {
		p, _ := it.Get(attr.Path).(string)
		if p == "" {
			continue
		}
		if m.opts.RelativeTo != "" {
			if rel, err := filepath.Rel(m.opts.RelativeTo, p); err == nil {
				p = rel
			}
		}
		if m.opts.Format == M3U8 {
			length, _ := it.Get(attr.Length).(float64)
			fmt.Fprintf(&b, "#EXTINF:%d,%s - %s\n", int(length), it.Get(attr.Artist), it.Get(attr.Title))
		}
		b.WriteString(m.opts.Prefix)
		b.WriteString(p)
		b.WriteString("\n")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".playlist-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
