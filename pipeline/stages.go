package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.senan.xyz/shelf/attr"
	"go.senan.xyz/shelf/library"
	"go.senan.xyz/shelf/match"
	"go.senan.xyz/shelf/provider"
	"go.senan.xyz/shelf/reorg"
	"go.senan.xyz/shelf/researchlink"
	"go.senan.xyz/shelf/scheduler"
)

func (p *Pipeline) read(t *Task) error {
	dir, err := p.cfg.Read(t.ctx, t.Source)
	if err != nil {
		return err
	}

	reg := p.lib.Registry()
	set := func(f interface{ Set(string, any) error }, k string, v any) {
		if err := f.Set(k, v); err != nil {
			slog.WarnContext(t.ctx, "ignoring attribute", "task", t.ID, "err", err)
		}
	}

	t.Album = library.NewAlbum(reg)
	for k, v := range dir.Album {
		set(t.Album, k, v)
	}
	for _, track := range dir.Tracks {
		it := library.NewItem(reg)
		for k, v := range track.Attrs {
			set(it, k, v)
		}
		set(it, attr.Path, track.Path)
		it.Attach(t.Album)
		t.Items = append(t.Items, it)
	}
	t.Local = LocalRelease(t.Album, t.Items)
	return nil
}

// LocalRelease describes local items for matching. Items should be attached to album.
func LocalRelease(album *library.Album, items []*library.Item) match.Release {
	r := match.Release{
		ID:             text(album, attr.MBReleaseID),
		Title:          text(album, attr.Album),
		Artist:         text(album, attr.AlbumArtist),
		Artists:        list(album, attr.AlbumArtists),
		Label:          text(album, attr.Label),
		CatalogueNum:   text(album, attr.CatalogueNum),
		Media:          text(album, attr.MediaFormat),
		Year:           integer(album, attr.Year),
		Disambiguation: text(album, attr.Disambiguation),
	}
	for _, it := range items {
		length, _ := it.Get(attr.Length).(float64)
		r.Tracks = append(r.Tracks, match.Track{
			ID:     text(it, attr.MBRecordingID),
			Title:  text(it, attr.Title),
			Artist: text(it, attr.Artist),
			Number: integer(it, attr.TrackNumber),
			Length: time.Duration(length * float64(time.Second)),
		})
	}
	return r
}

type getter interface{ Get(string) any }

func text(g getter, name string) string {
	s, _ := g.Get(name).(string)
	return s
}

func integer(g getter, name string) int {
	n, _ := g.Get(name).(int64)
	return int(n)
}

func list(g getter, name string) []string {
	l, _ := g.Get(name).([]string)
	return l
}

func (p *Pipeline) identify(t *Task) error {
	futures := make([]*scheduler.Future[[]match.Candidate], len(p.cfg.Providers))
	for i, prov := range p.cfg.Providers {
		futures[i] = scheduler.Go(t.ctx, p.sched, func(ctx context.Context) ([]match.Candidate, error) {
			return p.lookup(ctx, t, prov)
		})
	}

	for i, f := range futures {
		name := p.cfg.Providers[i].Name()
		candidates, err := f.Wait(t.ctx)
		if t.ctx.Err() != nil {
			return context.Cause(t.ctx)
		}
		if err != nil {
			slog.WarnContext(t.ctx, "provider failed", "task", t.ID, "provider", name, "err", err)
			t.Failures = append(t.Failures, ProviderFailure{Provider: name, Err: err})
			continue
		}
		for j := range candidates {
			if candidates[j].Source == "" {
				candidates[j].Source = name
			}
		}
		t.Candidates = append(t.Candidates, candidates...)
	}
	return nil
}

// lookup runs on the scheduler. Transient failures are retried with backoff, and once retries run
// out the provider is treated as having no candidates.
func (p *Pipeline) lookup(ctx context.Context, t *Task, prov provider.Provider) ([]match.Candidate, error) {
	name := prov.Name()
	backoff := p.cfg.Backoff
	for attempt := 0; ; attempt++ {
		candidates, err := prov.Lookup(ctx, t.Local)
		switch {
		case err == nil:
			p.cfg.Metrics.recordLookup(name, "ok")
			return candidates, nil
		case ctx.Err() != nil:
			return nil, err
		case !provider.IsTransient(err):
			p.cfg.Metrics.recordLookup(name, "permanent")
			return nil, err
		case attempt >= p.cfg.Retries:
			p.cfg.Metrics.recordLookup(name, "exhausted")
			slog.WarnContext(ctx, "provider unavailable, continuing without it", "task", t.ID, "provider", name, "attempts", attempt+1, "err", err)
			return nil, nil
		}

		p.cfg.Metrics.recordLookup(name, "transient")
		slog.DebugContext(ctx, "retrying lookup", "task", t.ID, "provider", name, "attempt", attempt+1, "backoff", backoff, "err", err)
		if err := scheduler.Sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
}

func (p *Pipeline) match(t *Task) error {
	t.Result = match.Rank(p.cfg.Match, t.Local, t.Candidates)

	if p.cfg.Research != nil && t.Result.Tier() < match.TierStrong {
		links, err := p.cfg.Research.Build(researchlink.QueryFor(t.Local))
		if err != nil {
			slog.WarnContext(t.ctx, "build research links", "task", t.ID, "err", err)
		}
		t.Links = links
	}
	return nil
}

func (p *Pipeline) decide(t *Task) error {
	if p.cfg.AutoAccept && t.Result.Tier() == match.TierStrong {
		t.Decision = Decision{Kind: Accept, Candidate: 0}
		return nil
	}

	d, err := p.decider.Decide(t.ctx, t)
	if t.ctx.Err() != nil {
		return context.Cause(t.ctx)
	}
	if err != nil {
		return fmt.Errorf("decide: %w", err)
	}
	if d.Kind == Accept && (d.Candidate < 0 || d.Candidate >= len(t.Result)) {
		return fmt.Errorf("%w: %d of %d", ErrNoCandidate, d.Candidate, len(t.Result))
	}

	t.Decision = d
	switch d.Kind {
	case Skip:
		t.State = StateSkipped
	case Defer:
		t.State = StateDeferred
	}
	return nil
}

func (p *Pipeline) apply(t *Task) error {
	if e, ok := t.Chosen(); ok {
		applyEntry(t.Album, t.Items, e)
	} else {
		t.Album.MustSet(attr.Source, "local")
	}

	if p.cfg.PathFormat == nil {
		return nil
	}
	actions, err := reorg.Plan(p.cfg.Op, p.cfg.PathFormat, t.Items)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	t.Actions = actions
	return nil
}

// applyEntry overwrites local metadata with the candidate's. Empty candidate values leave the local
// value alone.
func applyEntry(album *library.Album, items []*library.Item, e match.Entry) {
	c := e.Candidate
	setNonZero := func(f interface{ MustSet(string, any) }, name string, v any) {
		switch v := v.(type) {
		case string:
			if v == "" {
				return
			}
		case int:
			if v == 0 {
				return
			}
		case []string:
			if len(v) == 0 {
				return
			}
		case time.Duration:
			if v == 0 {
				return
			}
			f.MustSet(name, v.Seconds())
			return
		}
		f.MustSet(name, v)
	}

	setNonZero(album, attr.Album, c.Title)
	setNonZero(album, attr.AlbumArtist, c.Artist)
	setNonZero(album, attr.AlbumArtists, c.Artists)
	setNonZero(album, attr.Label, c.Label)
	setNonZero(album, attr.CatalogueNum, c.CatalogueNum)
	setNonZero(album, attr.MediaFormat, c.Media)
	setNonZero(album, attr.Year, c.Year)
	setNonZero(album, attr.Disambiguation, c.Disambiguation)
	setNonZero(album, attr.TrackTotal, len(c.Tracks))
	album.MustSet(attr.Source, c.Source)
	if c.Source == "musicbrainz" {
		setNonZero(album, attr.MBReleaseID, c.ID)
	}

	for i, j := range e.Pairing(len(items)) {
		if j < 0 {
			continue
		}
		it, ct := items[i], c.Tracks[j]
		setNonZero(it, attr.Title, ct.Title)
		setNonZero(it, attr.Artist, ct.Artist)
		setNonZero(it, attr.TrackNumber, ct.Number)
		setNonZero(it, attr.Length, ct.Length)
		if len(c.Genres) > 0 {
			it.MustSet(attr.Genre, c.Genres[0])
		}
		if c.Source == "musicbrainz" {
			setNonZero(it, attr.MBRecordingID, ct.ID)
		}
	}
}

func (p *Pipeline) commit(t *Task) error {
	// once started a commit runs to the end, cancelling now would leave files half moved
	ctx := context.WithoutCancel(t.ctx)

	var stored []*library.Item
	var attempts int
	err := p.lib.Update(ctx, func(tx *library.Tx) error {
		attempts++
		var err error
		stored, err = store(tx, p.lib.Registry(), t)
		return err
	})
	t.CommitAttempts = attempts
	if m := p.cfg.Metrics; m != nil && attempts > 1 {
		m.CommitConflicts.Add(float64(attempts - 1))
	}
	if err != nil {
		return err
	}

	paths := make([]string, len(stored))
	for i, it := range stored {
		paths[i], _ = it.Get(attr.Path).(string)
	}

	if len(t.Actions) > 0 {
		t.Moves = p.cfg.Executor.Execute(ctx, t.Actions)
		moved := map[string]string{}
		for _, r := range t.Moves {
			if r.Err != nil {
				slog.ErrorContext(ctx, "reorganise file", "task", t.ID, "action", r.Action, "err", r.Err)
				continue
			}
			if r.Action.Op == reorg.OpMove && !r.DryRun {
				moved[r.Action.Src] = r.Action.Dst
			}
		}
		if len(moved) > 0 {
			err := p.lib.Update(ctx, func(tx *library.Tx) error {
				for src, dst := range moved {
					it, ok := tx.ItemByPath(src)
					if !ok {
						continue
					}
					if err := it.Set(attr.Path, dst); err != nil {
						return err
					}
					tx.Store(it)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("update moved paths: %w", err)
			}
			for i, path := range paths {
				if dst, ok := moved[path]; ok {
					paths[i] = dst
				}
			}
		}
	}

	t.Committed = t.Committed[:0]
	for _, path := range paths {
		if it, ok := p.lib.ItemByPath(path); ok {
			t.Committed = append(t.Committed, it)
		}
	}

	for _, a := range p.cfg.Addons {
		if err := a.ProcessItems(ctx, t.Committed); err != nil {
			slog.ErrorContext(ctx, "run addon", "task", t.ID, "addon", a, "err", err)
		}
	}

	t.State = StateApplied
	return nil
}

// store writes a task's items. Items already in the library at the same path are updated in place,
// keeping their IDs and album. Any value the library can't hold fails the whole transaction.
func store(tx *library.Tx, reg *attr.Registry, t *Task) ([]*library.Item, error) {
	existing := make([]*library.Item, len(t.Items))
	var album *library.Album
	for i, it := range t.Items {
		path, _ := it.Get(attr.Path).(string)
		old, ok := tx.ItemByPath(path)
		if !ok {
			continue
		}
		existing[i] = old
		if album == nil && old.AlbumID != 0 {
			album, _ = tx.Album(old.AlbumID)
		}
	}

	isNew := album == nil
	if isNew {
		album = library.NewAlbum(reg)
	}
	if err := album.SetAll(t.Album.Values()); err != nil {
		return nil, fmt.Errorf("set album: %w", err)
	}
	if isNew {
		tx.AddAlbum(album)
	} else {
		tx.StoreAlbum(album)
	}

	stored := make([]*library.Item, len(t.Items))
	for i, it := range t.Items {
		if old := existing[i]; old != nil {
			if err := old.SetAll(it.Values()); err != nil {
				return nil, fmt.Errorf("set item %d: %w", old.ID, err)
			}
			tx.Move(old, album)
			stored[i] = old
			continue
		}
		n := library.NewItem(reg)
		if err := n.SetAll(it.Values()); err != nil {
			return nil, fmt.Errorf("set item: %w", err)
		}
		tx.AddItem(n, album)
		stored[i] = n
	}
	return stored, nil
}

// Singletons is an OnTaskCreated hook which imports every item of a source as its own task. If the
// album can't be copied the task is left whole.
func Singletons(t *Task) []*Task {
	if len(t.Items) <= 1 {
		return []*Task{t}
	}
	albums := make([]*library.Album, len(t.Items))
	for i := range t.Items {
		album := library.NewAlbum(t.Album.Registry())
		err := album.SetAll(t.Album.Values())
		if err == nil {
			err = album.Set(attr.TrackTotal, nil)
		}
		if err != nil {
			slog.Warn("not splitting task", "task", t.ID, "err", err)
			return []*Task{t}
		}
		albums[i] = album
	}

	var tasks []*Task
	for i, it := range t.Items {
		album := albums[i]
		it.Attach(album)

		st := &Task{Source: t.Source, Album: album, Items: []*library.Item{it}}
		st.Local = LocalRelease(album, st.Items)
		tasks = append(tasks, st)
	}
	return tasks
}
