package flags

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"go.senan.xyz/shelf/addon"
	"go.senan.xyz/shelf/attr"
	"go.senan.xyz/shelf/match"
	"go.senan.xyz/shelf/notifications"
	"go.senan.xyz/shelf/pathformat"
	"go.senan.xyz/shelf/playlist"
	"go.senan.xyz/shelf/provider"
	"go.senan.xyz/shelf/reorg"
	"go.senan.xyz/shelf/researchlink"
)

var _ flag.Value = (*pathFormatParser)(nil)
var _ flag.Value = (*researchLinkParser)(nil)
var _ flag.Value = (*notificationsParser)(nil)
var _ flag.Value = (*weightsParser)(nil)
var _ flag.Value = (*addonsParser)(nil)
var _ flag.Value = (*providersParser)(nil)
var _ flag.Value = (*fieldsParser)(nil)
var _ flag.Value = (*opParser)(nil)
var _ flag.Value = (*tierParser)(nil)
var _ flag.Value = (*playlistsParser)(nil)
var _ flag.Value = (*playlistFormatParser)(nil)

type pathFormatParser struct{ *pathformat.Format }

func (pf *pathFormatParser) Set(value string) error {
	value, err := filepath.Abs(value)
	if err != nil {
		return fmt.Errorf("make abs: %w", err)
	}
	return pf.Parse(value)
}
func (pf pathFormatParser) String() string {
	if pf.Format == nil || pf.Root() == "" {
		return ""
	}
	return fmt.Sprintf("%s/...", pf.Root())
}

type researchLinkParser struct{ *researchlink.Builder }

func (r *researchLinkParser) Set(value string) error {
	name, value, _ := strings.Cut(value, " ")
	name, value = strings.TrimSpace(name), strings.TrimSpace(value)
	err := r.AddSource(name, value)
	return err
}
func (r researchLinkParser) String() string {
	if r.Builder == nil {
		return ""
	}
	var names []string
	for s := range r.Builder.IterSources() {
		names = append(names, s)
	}
	return strings.Join(names, ", ")
}

type notificationsParser struct{ *notifications.Notifications }

func (n *notificationsParser) Set(value string) error {
	eventsRaw, uri, ok := strings.Cut(value, " ")
	if !ok {
		return fmt.Errorf("invalid notification uri format. expected eg \"ev1,ev2 uri\"")
	}
	var lineErrs []error
	for _, ev := range strings.Split(eventsRaw, ",") {
		ev, uri = strings.TrimSpace(ev), strings.TrimSpace(uri)
		err := n.AddURI(notifications.Event(ev), uri)
		lineErrs = append(lineErrs, err)
	}
	return errors.Join(lineErrs...)
}
func (n notificationsParser) String() string {
	if n.Notifications == nil {
		return ""
	}
	var parts []string
	n.Notifications.IterMappings(func(e notifications.Event, uri string) {
		url, _ := url.Parse(uri)
		parts = append(parts, fmt.Sprintf("%s: %s://%s/...", e, url.Scheme, url.Host))
	})
	return strings.Join(parts, ", ")
}

type weightsParser struct{ match.Weights }

func (w weightsParser) Set(value string) error {
	const sep = " "
	i := strings.LastIndex(value, sep)
	if i < 0 {
		return fmt.Errorf("invalid weight format. expected eg \"field name 0.5\"")
	}
	field := strings.TrimSpace(value[:i])
	weightStr := strings.TrimSpace(value[i+len(sep):])
	weight, err := strconv.ParseFloat(weightStr, 64)
	if err != nil {
		return fmt.Errorf("parse weight: %w", err)
	}
	if weight < 0 {
		return fmt.Errorf("negative weight for %q", field)
	}
	w.Weights[field] = weight
	return nil
}
func (w weightsParser) String() string {
	var parts []string
	for a, b := range w.Weights {
		parts = append(parts, fmt.Sprintf("%s: %.2f", a, b))
	}
	return strings.Join(parts, ", ")
}

type addonsParser struct {
	addons *[]addon.Addon
}

func (a *addonsParser) Set(value string) error {
	name, rest, _ := strings.Cut(strings.TrimLeft(value, " "), " ")
	addn, err := addon.New(name, rest)
	if err != nil {
		return fmt.Errorf("addon %q: %w", name, err)
	}
	*a.addons = append(*a.addons, addn)
	return nil
}
func (a addonsParser) String() string {
	if a.addons == nil {
		return ""
	}
	var parts []string
	for _, a := range *a.addons {
		parts = append(parts, fmt.Sprint(a))
	}
	return strings.Join(parts, ", ")
}

type providersParser struct {
	providers *[]provider.Provider
}

func (p *providersParser) Set(value string) error {
	name, rest, _ := strings.Cut(strings.TrimLeft(value, " "), " ")
	prov, err := provider.New(name, rest)
	if err != nil {
		return err
	}
	*p.providers = append(*p.providers, prov)
	return nil
}
func (p providersParser) String() string {
	if p.providers == nil {
		return ""
	}
	var parts []string
	for _, p := range *p.providers {
		parts = append(parts, p.Name())
	}
	return strings.Join(parts, ", ")
}

type fieldsParser struct {
	fields *[]attr.Type
}

func (f *fieldsParser) Set(value string) error {
	parts := strings.Fields(value)
	if len(parts) < 2 || len(parts) > 3 {
		return fmt.Errorf("invalid field format. expected eg \"rating int\" or \"grouping text album\"")
	}
	t := attr.Type{Name: parts[0]}
	var ok bool
	for k := attr.KindText; k <= attr.KindList; k++ {
		if k != attr.KindEnum && k.String() == parts[1] {
			t.Kind, ok = k, true
		}
	}
	if !ok {
		return fmt.Errorf("unknown field kind %q", parts[1])
	}
	if len(parts) == 3 {
		if parts[2] != "album" {
			return fmt.Errorf("unknown field level %q", parts[2])
		}
		t.Level = attr.LevelAlbum
	}
	t.Fuzzy = t.Kind == attr.KindText
	*f.fields = append(*f.fields, t)
	return nil
}
func (f fieldsParser) String() string {
	if f.fields == nil {
		return ""
	}
	var parts []string
	for _, t := range *f.fields {
		parts = append(parts, fmt.Sprintf("%s %s", t.Name, t.Kind))
	}
	return strings.Join(parts, ", ")
}

type opParser struct{ op *reorg.Op }

func (o *opParser) Set(value string) error {
	op, err := reorg.ParseOp(value)
	if err != nil {
		return err
	}
	*o.op = op
	return nil
}
func (o opParser) String() string {
	if o.op == nil {
		return ""
	}
	return o.op.String()
}

type tierParser struct{ tier *match.Tier }

func (t *tierParser) Set(value string) error {
	tier, err := match.ParseTier(value)
	if err != nil {
		return err
	}
	*t.tier = tier
	return nil
}
func (t tierParser) String() string {
	if t.tier == nil {
		return ""
	}
	return t.tier.String()
}

type playlistsParser struct {
	playlists *[]playlist.Playlist
}

func (p *playlistsParser) Set(value string) error {
	pl, err := playlist.Parse(value)
	if err != nil {
		return err
	}
	*p.playlists = append(*p.playlists, pl)
	return nil
}
func (p playlistsParser) String() string {
	if p.playlists == nil {
		return ""
	}
	var parts []string
	for _, pl := range *p.playlists {
		parts = append(parts, pl.Name)
	}
	return strings.Join(parts, ", ")
}

type playlistFormatParser struct{ format *playlist.Format }

func (p *playlistFormatParser) Set(value string) error {
	f, err := playlist.ParseFormat(value)
	if err != nil {
		return err
	}
	*p.format = f
	return nil
}
func (p playlistFormatParser) String() string {
	if p.format == nil {
		return ""
	}
	return strings.TrimPrefix(p.format.Ext(), ".")
}
