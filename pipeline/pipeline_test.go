package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.senan.xyz/shelf/attr"
	"go.senan.xyz/shelf/dirread"
	"go.senan.xyz/shelf/library"
	"go.senan.xyz/shelf/match"
	"go.senan.xyz/shelf/pathformat"
	"go.senan.xyz/shelf/pipeline"
	"go.senan.xyz/shelf/provider"
	"go.senan.xyz/shelf/query"
)

func TestAutoAcceptStrong(t *testing.T) {
	t.Parallel()

	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, nil, pipeline.Config{
		Read:      sources{"kob": kindOfBlue("/music/kob")}.read,
		Providers: []provider.Provider{staticProvider("mb", kindOfBlueCandidate())},
	})
	wait := start(t, p)

	_, err := p.Submit(t.Context(), "kob")
	require.NoError(t, err)
	require.NoError(t, wait())

	reports := p.Reports()
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, pipeline.StateApplied, r.State)
	assert.Equal(t, pipeline.StageCommit, r.Stage)
	assert.Equal(t, match.TierStrong, r.Tier)
	assert.Equal(t, pipeline.Accept, r.Decision.Kind)
	assert.Equal(t, 1, r.CommitAttempts)
	assert.NoError(t, r.Err)

	albums := collect(t, lib.Albums)
	require.Len(t, albums, 1)
	assert.Equal(t, "Kind of Blue", albums[0].Get(attr.Album))
	assert.Equal(t, int64(1959), albums[0].Get(attr.Year))
	assert.Equal(t, "musicbrainz", albums[0].Get(attr.Source))
	assert.Equal(t, "kob-id", albums[0].Get(attr.MBReleaseID))

	items := lib.AlbumItems(albums[0].ID)
	require.Len(t, items, 3)
	assert.Equal(t, "Freddie Freeloader", items[1].Get(attr.Title))
	assert.Equal(t, "jazz", items[1].Get(attr.Genre))
	assert.Equal(t, "/music/kob/02.flac", items[1].Get(attr.Path))
	assert.Equal(t, 586.0, items[1].Get(attr.Length))
}

func TestMediumNeedsDecision(t *testing.T) {
	t.Parallel()

	// two of the three tracks are here
	local := kindOfBlue("/music/kob")
	local.Tracks = []dirread.Track{local.Tracks[0], local.Tracks[2]}
	local.Tracks[1].Attrs = map[string]any{attr.Title: "Blue in Green"}

	var seen atomic.Pointer[pipeline.Task]
	decider := pipeline.DeciderFunc(func(ctx context.Context, task *pipeline.Task) (pipeline.Decision, error) {
		seen.Store(task)
		return pipeline.Decision{Kind: pipeline.Accept, Candidate: 0}, nil
	})

	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, decider, pipeline.Config{
		Read:      sources{"kob": local}.read,
		Providers: []provider.Provider{staticProvider("mb", kindOfBlueCandidate())},
	})
	wait := start(t, p)

	_, err := p.Submit(t.Context(), "kob")
	require.NoError(t, err)
	require.NoError(t, wait())

	task := seen.Load()
	require.NotNil(t, task)
	best, ok := task.Result.Best()
	require.True(t, ok)
	assert.Equal(t, match.TierMedium, best.Tier)
	assert.Equal(t, []int{0, 2}, best.Pairing(2))
	assert.Equal(t, []int{1}, best.Extra)

	reports := p.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, pipeline.StateApplied, reports[0].State)

	items := collect(t, lib.Items)
	require.Len(t, items, 2)
	assert.Equal(t, int64(1), items[0].Get(attr.TrackNumber))
	assert.Equal(t, int64(3), items[1].Get(attr.TrackNumber))
	assert.Equal(t, int64(3), items[1].Get(attr.TrackTotal))
	assert.Equal(t, "03/03", items[1].Get(attr.TrackLabel))
}

func TestTransientRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	flaky := provider.Func{ID: "flaky", Fn: func(ctx context.Context, local match.Release) ([]match.Candidate, error) {
		if calls.Add(1) <= 2 {
			return nil, provider.Transient(errors.New("503 service unavailable"))
		}
		return []match.Candidate{kindOfBlueCandidate()}, nil
	}}

	reg := prometheus.NewRegistry()
	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, nil, pipeline.Config{
		Read:      sources{"kob": kindOfBlue("/music/kob")}.read,
		Providers: []provider.Provider{flaky},
		Backoff:   time.Millisecond,
		Metrics:   pipeline.NewMetrics(reg),
	})
	wait := start(t, p)

	_, err := p.Submit(t.Context(), "kob")
	require.NoError(t, err)
	require.NoError(t, wait())

	assert.Equal(t, int32(3), calls.Load())
	reports := p.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, pipeline.StateApplied, reports[0].State)
	assert.Empty(t, reports[0].Failures)

	assert.Equal(t, 2.0, metricValue(t, reg, "shelf_provider_lookups_total", "outcome", "transient"))
	assert.Equal(t, 1.0, metricValue(t, reg, "shelf_provider_lookups_total", "outcome", "ok"))
}

func TestTransientExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	down := provider.Func{ID: "down", Fn: func(ctx context.Context, local match.Release) ([]match.Candidate, error) {
		calls.Add(1)
		return nil, provider.Transient(errors.New("timeout"))
	}}

	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, nil, pipeline.Config{
		Read:      sources{"kob": kindOfBlue("/music/kob")}.read,
		Providers: []provider.Provider{down},
		Retries:   1,
		Backoff:   time.Millisecond,
	})
	wait := start(t, p)

	_, err := p.Submit(t.Context(), "kob")
	require.NoError(t, err)
	require.NoError(t, wait())

	assert.Equal(t, int32(2), calls.Load())
	reports := p.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, pipeline.StateSkipped, reports[0].State)
	assert.Equal(t, pipeline.StageDecide, reports[0].Stage)
	assert.Equal(t, match.TierNone, reports[0].Tier)
	assert.Empty(t, reports[0].Failures)
	assert.Empty(t, collect(t, lib.Items))
}

func TestRetriesDisabled(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	down := provider.Func{ID: "down", Fn: func(ctx context.Context, local match.Release) ([]match.Candidate, error) {
		calls.Add(1)
		return nil, provider.Transient(errors.New("timeout"))
	}}

	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, nil, pipeline.Config{
		Read:      sources{"kob": kindOfBlue("/music/kob")}.read,
		Providers: []provider.Provider{down},
		Retries:   -1,
	})
	wait := start(t, p)

	_, err := p.Submit(t.Context(), "kob")
	require.NoError(t, err)
	require.NoError(t, wait())

	assert.Equal(t, int32(1), calls.Load())
	reports := p.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, pipeline.StateSkipped, reports[0].State)
}

func TestPermanentFailure(t *testing.T) {
	t.Parallel()

	broken := provider.Func{ID: "broken", Fn: func(ctx context.Context, local match.Release) ([]match.Candidate, error) {
		return nil, provider.Permanent(errors.New("400 bad request"))
	}}

	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, nil, pipeline.Config{
		Read:      sources{"kob": kindOfBlue("/music/kob")}.read,
		Providers: []provider.Provider{broken, staticProvider("mb", kindOfBlueCandidate())},
	})
	wait := start(t, p)

	_, err := p.Submit(t.Context(), "kob")
	require.NoError(t, err)
	require.NoError(t, wait())

	reports := p.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, pipeline.StateApplied, reports[0].State)
	require.Len(t, reports[0].Failures, 1)
	assert.Equal(t, "broken", reports[0].Failures[0].Provider)
	assert.ErrorIs(t, reports[0].Failures[0].Err, provider.ErrPermanent)
}

func TestReadError(t *testing.T) {
	t.Parallel()

	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, nil, pipeline.Config{Read: sources{}.read})
	wait := start(t, p)

	_, err := p.Submit(t.Context(), "missing")
	require.NoError(t, err)
	require.NoError(t, wait())

	reports := p.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, pipeline.StateSkipped, reports[0].State)
	assert.Equal(t, pipeline.StageRead, reports[0].Stage)
	assert.ErrorContains(t, reports[0].Err, "read: no source")
}

func TestSkipAndDefer(t *testing.T) {
	t.Parallel()

	decider := pipeline.DeciderFunc(func(ctx context.Context, task *pipeline.Task) (pipeline.Decision, error) {
		if task.Source == "skip" {
			return pipeline.Decision{Kind: pipeline.Skip}, nil
		}
		return pipeline.Decision{Kind: pipeline.Defer}, nil
	})

	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, decider, pipeline.Config{
		Read: sources{"skip": kindOfBlue("/a"), "defer": kindOfBlue("/b")}.read,
	})
	wait := start(t, p)

	for _, src := range []string{"skip", "defer"} {
		_, err := p.Submit(t.Context(), src)
		require.NoError(t, err)
	}
	require.NoError(t, wait())

	states := map[string]pipeline.State{}
	for _, r := range p.Reports() {
		states[r.Source] = r.State
		assert.NoError(t, r.Err)
	}
	assert.Equal(t, map[string]pipeline.State{"skip": pipeline.StateSkipped, "defer": pipeline.StateDeferred}, states)
	assert.Empty(t, collect(t, lib.Items))
}

func TestBadDecision(t *testing.T) {
	t.Parallel()

	decider := pipeline.DeciderFunc(func(ctx context.Context, task *pipeline.Task) (pipeline.Decision, error) {
		return pipeline.Decision{Kind: pipeline.Accept, Candidate: 4}, nil
	})

	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, decider, pipeline.Config{Read: sources{"kob": kindOfBlue("/music/kob")}.read})
	wait := start(t, p)

	_, err := p.Submit(t.Context(), "kob")
	require.NoError(t, err)
	require.NoError(t, wait())

	reports := p.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, pipeline.StateSkipped, reports[0].State)
	assert.ErrorIs(t, reports[0].Err, pipeline.ErrNoCandidate)
}

func TestAsIs(t *testing.T) {
	t.Parallel()

	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, pipeline.Policy{Fallback: pipeline.AsIs}, pipeline.Config{
		Read: sources{"kob": kindOfBlue("/music/kob")}.read,
	})
	wait := start(t, p)

	_, err := p.Submit(t.Context(), "kob")
	require.NoError(t, err)
	require.NoError(t, wait())

	albums := collect(t, lib.Albums)
	require.Len(t, albums, 1)
	assert.Equal(t, "local", albums[0].Get(attr.Source))
	assert.Equal(t, "Kind of Blue", albums[0].Get(attr.Album))
	assert.Len(t, lib.AlbumItems(albums[0].ID), 3)
}

func TestBackpressure(t *testing.T) {
	t.Parallel()

	var waiting atomic.Int32
	decider := pipeline.DeciderFunc(func(ctx context.Context, task *pipeline.Task) (pipeline.Decision, error) {
		waiting.Add(1)
		<-ctx.Done()
		return pipeline.Decision{}, ctx.Err()
	})

	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, decider, pipeline.Config{
		Parallelism:   1,
		QueueCapacity: 1,
		Read:          sources{"a": kindOfBlue("/a"), "b": kindOfBlue("/b"), "c": kindOfBlue("/c")}.read,
	})

	runCtx, stop := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- p.Run(runCtx) }()

	first, err := p.Submit(t.Context(), "a")
	require.NoError(t, err)
	_, err = p.Submit(t.Context(), "b")
	require.NoError(t, err)

	// one task in the decider and one queued fill the pipeline
	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Submit(ctx, "c")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool { return waiting.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, p.Cancel(first))

	_, err = p.Submit(t.Context(), "c")
	require.NoError(t, err)

	stop()
	require.NoError(t, <-done)

	reports := p.Reports()
	require.Len(t, reports, 3)
	assert.Equal(t, "a", reports[0].Source)
	for _, r := range reports {
		assert.Equal(t, pipeline.StateCancelled, r.State)
		assert.ErrorIs(t, r.Err, pipeline.ErrTaskCancelled)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()

	entered := make(chan string, 1)
	decider := pipeline.DeciderFunc(func(ctx context.Context, task *pipeline.Task) (pipeline.Decision, error) {
		entered <- task.ID
		<-ctx.Done()
		return pipeline.Decision{}, ctx.Err()
	})

	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, decider, pipeline.Config{Read: sources{"kob": kindOfBlue("/music/kob")}.read})
	wait := start(t, p)

	assert.False(t, p.Cancel("nope"))

	id, err := p.Submit(t.Context(), "kob")
	require.NoError(t, err)
	assert.Equal(t, id, <-entered)
	assert.True(t, p.Cancel(id))
	require.NoError(t, wait())

	reports := p.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, pipeline.StateCancelled, reports[0].State)
	assert.Equal(t, pipeline.StageDecide, reports[0].Stage)
	assert.ErrorIs(t, reports[0].Err, pipeline.ErrTaskCancelled)
	assert.Empty(t, collect(t, lib.Items))

	// cancelling a finished task does nothing
	assert.False(t, p.Cancel(id))
}

func TestCancelQueued(t *testing.T) {
	t.Parallel()

	entered := make(chan string, 1)
	decider := pipeline.DeciderFunc(func(ctx context.Context, task *pipeline.Task) (pipeline.Decision, error) {
		entered <- task.Source
		<-ctx.Done()
		return pipeline.Decision{}, ctx.Err()
	})

	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, decider, pipeline.Config{
		Parallelism:   1,
		QueueCapacity: 1,
		Read:          sources{"a": kindOfBlue("/a"), "b": kindOfBlue("/b"), "c": kindOfBlue("/c")}.read,
	})

	runCtx, stop := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- p.Run(runCtx) }()

	_, err := p.Submit(t.Context(), "a")
	require.NoError(t, err)
	queued, err := p.Submit(t.Context(), "b")
	require.NoError(t, err)
	require.Equal(t, "a", <-entered)

	// b waits behind a, cancelling it gives its slot back while a is still deciding
	require.True(t, p.Cancel(queued))
	require.Eventually(t, func() bool { return len(p.Reports()) == 1 }, 2*time.Second, 5*time.Millisecond)
	reports := p.Reports()
	assert.Equal(t, "b", reports[0].Source)
	assert.Equal(t, pipeline.StateCancelled, reports[0].State)
	assert.ErrorIs(t, reports[0].Err, pipeline.ErrTaskCancelled)
	assert.False(t, p.Cancel(queued))

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	_, err = p.Submit(ctx, "c")
	require.NoError(t, err)

	stop()
	require.NoError(t, <-done)

	reports = p.Reports()
	require.Len(t, reports, 3)
	for _, r := range reports {
		assert.Equal(t, pipeline.StateCancelled, r.State)
	}
	assert.Empty(t, collect(t, lib.Items))
}

func TestRunContextCancelled(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	decider := pipeline.DeciderFunc(func(ctx context.Context, task *pipeline.Task) (pipeline.Decision, error) {
		close(entered)
		<-ctx.Done()
		return pipeline.Decision{}, ctx.Err()
	})

	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, decider, pipeline.Config{Read: sources{"kob": kindOfBlue("/music/kob")}.read})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	_, err := p.Submit(t.Context(), "kob")
	require.NoError(t, err)
	<-entered
	cancel()
	require.NoError(t, <-done)

	reports := p.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, pipeline.StateCancelled, reports[0].State)

	_, err = p.Submit(t.Context(), "kob")
	assert.ErrorIs(t, err, pipeline.ErrClosed)
}

func TestConcurrentCommitConflict(t *testing.T) {
	t.Parallel()

	// both tasks reach commit together, the slow backend makes the second one's snapshot stale
	backend := &slowBackend{MemoryBackend: library.NewMemoryBackend(), delay: 200 * time.Millisecond}
	lib := newLibrary(t, backend)

	var arrived sync.WaitGroup
	arrived.Add(2)
	gate := make(chan struct{})
	decider := pipeline.DeciderFunc(func(ctx context.Context, task *pipeline.Task) (pipeline.Decision, error) {
		arrived.Done()
		<-gate
		return pipeline.Decision{Kind: pipeline.AsIs}, nil
	})

	reg := prometheus.NewRegistry()
	shared := kindOfBlue("/music/kob")
	shared.Tracks = shared.Tracks[:2]
	p := pipeline.New(lib, decider, pipeline.Config{
		Parallelism: 2,
		Read:        sources{"first": shared, "second": shared}.read,
		Metrics:     pipeline.NewMetrics(reg),
	})
	wait := start(t, p)

	for _, src := range []string{"first", "second"} {
		_, err := p.Submit(t.Context(), src)
		require.NoError(t, err)
	}
	arrived.Wait()
	close(gate)
	require.NoError(t, wait())

	reports := p.Reports()
	require.Len(t, reports, 2)
	var attempts int
	for _, r := range reports {
		assert.Equal(t, pipeline.StateApplied, r.State)
		attempts += r.CommitAttempts
	}
	assert.Equal(t, 3, attempts)

	assert.Len(t, collect(t, lib.Items), 2)
	assert.Len(t, collect(t, lib.Albums), 1)
	assert.Equal(t, 1.0, metricValue(t, reg, "shelf_import_commit_conflicts_total", "", ""))
}

func TestCommitRollsBackBadValues(t *testing.T) {
	t.Parallel()

	// the hook hands the task an album with a field the library doesn't know
	foreign := attr.NewRegistry()
	foreign.MustRegister(attr.Builtin()...)
	foreign.MustRegister(attr.Type{Name: "mood", Kind: attr.KindText})
	hook := func(task *pipeline.Task) []*pipeline.Task {
		album := library.NewAlbum(foreign)
		album.MustSet(attr.Album, "Kind of Blue")
		album.MustSet("mood", "blue")
		for _, it := range task.Items {
			it.Attach(album)
		}
		task.Album = album
		return []*pipeline.Task{task}
	}

	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, pipeline.Policy{Fallback: pipeline.AsIs}, pipeline.Config{
		Read:          sources{"kob": kindOfBlue("/music/kob")}.read,
		OnTaskCreated: hook,
	})
	wait := start(t, p)

	_, err := p.Submit(t.Context(), "kob")
	require.NoError(t, err)
	require.NoError(t, wait())

	reports := p.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, pipeline.StateSkipped, reports[0].State)
	assert.Equal(t, pipeline.StageCommit, reports[0].Stage)
	assert.ErrorIs(t, reports[0].Err, library.ErrUnknownField)

	assert.Empty(t, collect(t, lib.Items))
	assert.Empty(t, collect(t, lib.Albums))
}

func TestSingletons(t *testing.T) {
	t.Parallel()

	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, pipeline.Policy{Fallback: pipeline.AsIs}, pipeline.Config{
		Parallelism:   1,
		QueueCapacity: 1,
		Read:          sources{"kob": kindOfBlue("/music/kob")}.read,
		OnTaskCreated: pipeline.Singletons,
	})
	wait := start(t, p)

	_, err := p.Submit(t.Context(), "kob")
	require.NoError(t, err)
	require.NoError(t, wait())

	reports := p.Reports()
	require.Len(t, reports, 3)
	ids := map[string]struct{}{}
	for _, r := range reports {
		assert.Equal(t, pipeline.StateApplied, r.State)
		assert.Equal(t, 1, r.Items)
		ids[r.ID] = struct{}{}
	}
	assert.Len(t, ids, 3)

	albums := collect(t, lib.Albums)
	require.Len(t, albums, 3)
	for _, a := range albums {
		assert.Len(t, lib.AlbumItems(a.ID), 1)
		assert.Equal(t, int64(0), a.Get(attr.TrackTotal))
	}
}

func TestReorganise(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "incoming")
	dest := filepath.Join(t.TempDir(), "music")
	require.NoError(t, os.MkdirAll(src, os.ModePerm))

	dir := kindOfBlue(src)
	for _, track := range dir.Tracks {
		require.NoError(t, os.WriteFile(track.Path, []byte(filepath.Base(track.Path)), 0o644))
	}

	var pf pathformat.Format
	require.NoError(t, pf.Parse(dest+`/{{ .albumartist }}/({{ .year }}) {{ .album }}/{{ pad0 2 .track }} {{ .title }}{{ .ext }}`))

	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, nil, pipeline.Config{
		Read:       sources{"kob": dir}.read,
		Providers:  []provider.Provider{staticProvider("mb", kindOfBlueCandidate())},
		PathFormat: &pf,
	})
	wait := start(t, p)

	_, err := p.Submit(t.Context(), "kob")
	require.NoError(t, err)
	require.NoError(t, wait())

	reports := p.Reports()
	require.Len(t, reports, 1)
	require.Equal(t, pipeline.StateApplied, reports[0].State)

	want := filepath.Join(dest, "Miles Davis", "(1959) Kind of Blue", "02 Freddie Freeloader.flac")
	assert.FileExists(t, want)
	assert.NoFileExists(t, dir.Tracks[1].Path)
	assert.NoDirExists(t, src)

	it, ok := lib.ItemByPath(want)
	require.True(t, ok)
	assert.Equal(t, "Freddie Freeloader", it.Get(attr.Title))
	_, ok = lib.ItemByPath(dir.Tracks[1].Path)
	assert.False(t, ok)
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	lib := newLibrary(t, library.NewMemoryBackend())
	p := pipeline.New(lib, nil, pipeline.Config{
		Read:      sources{"kob": kindOfBlue("/music/kob"), "other": kindOfBlue("/music/other")}.read,
		Providers: []provider.Provider{staticProvider("mb", kindOfBlueCandidate())},
		Metrics:   pipeline.NewMetrics(reg),
	})
	wait := start(t, p)

	for _, src := range []string{"kob", "other"} {
		_, err := p.Submit(t.Context(), src)
		require.NoError(t, err)
	}
	require.NoError(t, wait())

	assert.Equal(t, 2.0, metricValue(t, reg, "shelf_import_tasks_total", "state", "applied"))
	assert.Equal(t, 2.0, metricValue(t, reg, "shelf_provider_lookups_total", "provider", "mb"))
	assert.Equal(t, 0.0, metricValue(t, reg, "shelf_import_tasks_in_flight", "", ""))
}

func newLibrary(t *testing.T, backend library.Backend) *library.Library {
	t.Helper()

	reg := attr.NewRegistry()
	reg.MustRegister(attr.Builtin()...)
	lib, err := library.Open(t.Context(), reg, backend)
	require.NoError(t, err)
	return lib
}

// start runs p until the returned func is called, which closes p and waits for the run to end.
func start(t *testing.T, p *pipeline.Pipeline) func() error {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	t.Cleanup(p.Close)

	return func() error {
		p.Close()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			return fmt.Errorf("pipeline didn't stop")
		}
	}
}

type sources map[string]*dirread.Dir

func (s sources) read(_ context.Context, source string) (*dirread.Dir, error) {
	dir, ok := s[source]
	if !ok {
		return nil, fmt.Errorf("no source %q", source)
	}
	return dir, nil
}

func kindOfBlue(root string) *dirread.Dir {
	return &dirread.Dir{
		Path: root,
		Album: map[string]any{
			attr.Album:       "Kind of Blue",
			attr.AlbumArtist: "Miles Davis",
		},
		Tracks: []dirread.Track{
			{Path: filepath.Join(root, "01.flac"), Attrs: map[string]any{attr.Title: "So What", attr.TrackNumber: 1, attr.Length: 562.0}},
			{Path: filepath.Join(root, "02.flac"), Attrs: map[string]any{attr.Title: "Freddie Freeloader", attr.TrackNumber: 2, attr.Length: 586.0}},
			{Path: filepath.Join(root, "03.flac"), Attrs: map[string]any{attr.Title: "Blue in Green", attr.TrackNumber: 3, attr.Length: 337.0}},
		},
	}
}

func kindOfBlueCandidate() match.Candidate {
	return match.Candidate{
		Source: "musicbrainz",
		Release: match.Release{
			ID:     "kob-id",
			Title:  "Kind of Blue",
			Artist: "Miles Davis",
			Year:   1959,
			Genres: []string{"jazz"},
			Tracks: []match.Track{
				{ID: "t1", Title: "So What", Number: 1, Length: 562 * time.Second},
				{ID: "t2", Title: "Freddie Freeloader", Number: 2, Length: 586 * time.Second},
				{ID: "t3", Title: "Blue in Green", Number: 3, Length: 337 * time.Second},
			},
		},
	}
}

func staticProvider(name string, cands ...match.Candidate) provider.Provider {
	return provider.Func{ID: name, Fn: func(ctx context.Context, local match.Release) ([]match.Candidate, error) {
		return cands, nil
	}}
}

type slowBackend struct {
	*library.MemoryBackend
	delay time.Duration
}

func (b *slowBackend) Commit(ctx context.Context, cs *library.Changeset) error {
	time.Sleep(b.delay)
	return b.MemoryBackend.Commit(ctx, cs)
}

func collect[T any](t *testing.T, seqFn func(query.Request) (iter.Seq[T], error)) []T {
	t.Helper()

	seq, err := seqFn(query.Request{})
	require.NoError(t, err)
	var r []T
	for v := range seq {
		r = append(r, v)
	}
	return r
}

// metricValue sums the samples of a metric family whose label matches, or all of them with an
// empty label.
func metricValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label != "" && !hasLabel(m.GetLabel(), label, value) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}

func hasLabel[L interface {
	GetName() string
	GetValue() string
}](labels []L, name, value string) bool {
	for _, l := range labels {
		if l.GetName() == name && l.GetValue() == value {
			return true
		}
	}
	return false
}
