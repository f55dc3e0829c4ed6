package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/template"

	"go.senan.xyz/table/table"

	"go.senan.xyz/shelf/attr"
	"go.senan.xyz/shelf/library"
	"go.senan.xyz/shelf/playlist"
	"go.senan.xyz/shelf/query"
)

const (
	defaultItemFormat  = `{{ .artist }} - {{ .album }} - {{ .title }}`
	defaultAlbumFormat = `{{ .albumartist }} - {{ .album }}`
)

func cmdList(ctx context.Context, lib *library.Library, _ *playlist.Manager, args []string) error {
	subflag := flag.NewFlagSet("ls", flag.ExitOnError)
	albums := subflag.Bool("a", false, "List albums instead of items")
	format := subflag.String("f", "", "Go template for each line, with fields by name")
	if err := subflag.Parse(args); err != nil {
		return err
	}

	req, err := query.ParseTerms(subflag.Args())
	if err != nil {
		return err
	}

	if *format == "" {
		*format = defaultItemFormat
		if *albums {
			*format = defaultAlbumFormat
		}
	}
	tmpl, err := template.New("line").Option("missingkey=zero").Parse(*format + "\n")
	if err != nil {
		return fmt.Errorf("parse format: %w", err)
	}

	reg := lib.Registry()
	if *albums {
		seq, err := lib.Albums(req)
		if err != nil {
			return err
		}
		for a := range seq {
			if err := tmpl.Execute(os.Stdout, values(reg, a)); err != nil {
				return fmt.Errorf("format: %w", err)
			}
		}
		return nil
	}

	seq, err := lib.Items(req)
	if err != nil {
		return err
	}
	for it := range seq {
		if err := tmpl.Execute(os.Stdout, values(reg, it)); err != nil {
			return fmt.Errorf("format: %w", err)
		}
	}
	return nil
}

// values resolves every field of a row for templates, derived and album level ones included.
func values(reg *attr.Registry, r interface{ Get(string) any }) map[string]any {
	vs := map[string]any{}
	for _, name := range reg.Names() {
		vs[name] = r.Get(name)
	}
	return vs
}

func cmdModify(ctx context.Context, lib *library.Library, pm *playlist.Manager, args []string) error {
	subflag := flag.NewFlagSet("modify", flag.ExitOnError)
	albums := subflag.Bool("a", false, "Modify albums instead of items")
	if err := subflag.Parse(args); err != nil {
		return err
	}

	var terms []string
	var assigns [][2]string
	for _, arg := range subflag.Args() {
		if field, value, ok := parseAssign(arg); ok {
			assigns = append(assigns, [2]string{field, value})
			continue
		}
		terms = append(terms, arg)
	}
	if len(assigns) == 0 {
		return errors.New("no modifications provided")
	}
	req, err := query.ParseTerms(terms)
	if err != nil {
		return err
	}

	reg := lib.Registry()
	for _, a := range assigns {
		if _, ok := reg.Lookup(a[0]); !ok {
			return fmt.Errorf("%w: %q", library.ErrUnknownField, a[0])
		}
	}

	var nItems, nAlbums int
	err = lib.Update(ctx, func(tx *library.Tx) error {
		nItems, nAlbums = 0, 0

		var items []*library.Item
		albumsByID := map[int64]*library.Album{}
		if *albums {
			seq, err := tx.Albums(req)
			if err != nil {
				return err
			}
			for a := range seq {
				albumsByID[a.ID] = a
				items = append(items, tx.AlbumItems(a.ID)...)
			}
		} else {
			seq, err := tx.Items(req)
			if err != nil {
				return err
			}
			for it := range seq {
				items = append(items, it)
			}
		}

		for _, a := range assigns {
			t, _ := reg.Lookup(a[0])
			v := t.Parse(a[1])
			if a[1] == "" {
				v = nil
			}
			if t.Level == attr.LevelAlbum {
				for _, it := range items {
					if _, ok := albumsByID[it.AlbumID]; ok || it.AlbumID == 0 {
						continue
					}
					al, err := tx.Album(it.AlbumID)
					if err != nil {
						return err
					}
					albumsByID[al.ID] = al
				}
				for _, al := range albumsByID {
					if err := al.Set(t.Name, v); err != nil {
						return err
					}
				}
				continue
			}
			for _, it := range items {
				if err := it.Set(t.Name, v); err != nil {
					return err
				}
			}
		}

		for _, al := range albumsByID {
			if al.IsDirty() {
				tx.StoreAlbum(al)
				nAlbums++
			}
		}
		for _, it := range items {
			if it.IsDirty() {
				tx.Store(it)
				nItems++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("modified %d items and %d albums\n", nItems, nAlbums)
	return updatePlaylists(ctx, pm)
}

// parseAssign splits "field=value". Query terms like "title:a=b" aren't assignments.
func parseAssign(arg string) (field, value string, ok bool) {
	field, value, ok = strings.Cut(arg, "=")
	if !ok || field == "" || strings.ContainsAny(field, ":^ ") {
		return "", "", false
	}
	return field, value, true
}

func cmdRemove(ctx context.Context, lib *library.Library, pm *playlist.Manager, args []string) error {
	subflag := flag.NewFlagSet("rm", flag.ExitOnError)
	albums := subflag.Bool("a", false, "Remove albums instead of items")
	deleteFiles := subflag.Bool("d", false, "Delete the files from disk too")
	if err := subflag.Parse(args); err != nil {
		return err
	}

	req, err := query.ParseTerms(subflag.Args())
	if err != nil {
		return err
	}

	var paths []string
	err = lib.Update(ctx, func(tx *library.Tx) error {
		paths = nil

		var items []*library.Item
		if *albums {
			seq, err := tx.Albums(req)
			if err != nil {
				return err
			}
			var ids []int64
			for a := range seq {
				ids = append(ids, a.ID)
				items = append(items, tx.AlbumItems(a.ID)...)
			}
			for _, id := range ids {
				tx.RemoveAlbum(id)
			}
		} else {
			seq, err := tx.Items(req)
			if err != nil {
				return err
			}
			for it := range seq {
				items = append(items, it)
			}
			for _, it := range items {
				tx.RemoveItem(it.ID)
			}
		}
		for _, it := range items {
			if p, _ := it.Get(attr.Path).(string); p != "" {
				paths = append(paths, p)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if *deleteFiles {
		var errs []error
		for _, p := range paths {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("delete files: %w", err)
		}
	}

	fmt.Printf("removed %d items\n", len(paths))
	return updatePlaylists(ctx, pm)
}

func cmdFields(_ context.Context, lib *library.Library, _ *playlist.Manager, _ []string) error {
	reg := lib.Registry()

	t := table.NewStringWriter()
	for _, name := range reg.Names() {
		typ, _ := reg.Lookup(name)
		level := "item"
		if typ.Level == attr.LevelAlbum {
			level = "album"
		}
		fmt.Fprintf(t, "%s\t%s\t%s\n", typ.Name, typ.Kind, level)
	}
	fmt.Print(t.String())
	return nil
}

func cmdPlaylists(ctx context.Context, _ *library.Library, pm *playlist.Manager, _ []string) error {
	if pm == nil {
		return errors.New("no playlists defined")
	}
	written, err := pm.Update(ctx)
	if err != nil {
		return err
	}
	for _, name := range written {
		fmt.Println(name)
	}
	return nil
}
