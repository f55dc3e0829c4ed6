package main

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.senan.xyz/table/table"
	"golang.org/x/sync/errgroup"

	"go.senan.xyz/shelf/dirread"
	"go.senan.xyz/shelf/fileutil"
	"go.senan.xyz/shelf/library"
	"go.senan.xyz/shelf/match"
	"go.senan.xyz/shelf/pipeline"
	"go.senan.xyz/shelf/playlist"
)

func cmdImport(ctx context.Context, lib *library.Library, pm *playlist.Manager, args []string) error {
	subflag := flag.NewFlagSet("import", flag.ExitOnError)
	interactive := subflag.Bool("interactive", false, "Ask what to do with matches which aren't strong")
	asIs := subflag.Bool("as-is", false, "Import unmatched sources with their local metadata instead of skipping them")
	singletons := subflag.Bool("singletons", false, "Import every track on its own")
	if err := subflag.Parse(args); err != nil {
		return err
	}
	if subflag.NArg() == 0 {
		return errors.New("no paths provided")
	}

	cfg, err := pipelineCfg.Build()
	if err != nil {
		return err
	}
	cfg.Research = research
	cfg.Notifications = notifs
	if *singletons {
		cfg.OnTaskCreated = pipeline.Singletons
	}

	var decider pipeline.Decider = pipeline.Policy{Min: pipelineCfg.MinTier, Fallback: pipeline.Skip}
	if *asIs {
		decider = pipeline.Policy{Min: pipelineCfg.MinTier, Fallback: pipeline.AsIs}
	}
	if *interactive {
		decider = newPrompt(ctx, os.Stdin, os.Stdout)
	}

	p := pipeline.New(lib, decider, cfg)

	var g errgroup.Group
	g.Go(func() error {
		return p.Run(ctx)
	})
	g.Go(func() error {
		defer p.Close()
		for _, path := range subflag.Args() {
			path, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("make abs: %w", err)
			}
			err = fileutil.WalkLeaves(path, func(dir string, files []string) error {
				if !slices.ContainsFunc(files, isTrack) {
					return nil
				}
				if _, err := p.Submit(ctx, dir); err != nil {
					return fmt.Errorf("submit %q: %w", dir, err)
				}
				return nil
			})
			if errors.Is(err, pipeline.ErrClosed) || ctx.Err() != nil {
				return err
			}
			if err != nil {
				slog.Error("walking paths", "path", path, "err", err)
				continue
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	reports := p.Reports()
	slices.SortFunc(reports, func(a, b pipeline.Report) int {
		return cmp.Compare(a.Source, b.Source)
	})

	t := table.NewStringWriter()
	for _, r := range reports {
		fmt.Fprintf(t, "%s\t%s\t%.2f\t%s\n", r.State, r.Tier, r.Distance, r.Source)
		if r.Err != nil {
			slog.Error("import", "source", r.Source, "stage", r.Stage, "err", r.Err)
		}
		for _, f := range r.Failures {
			slog.Warn("provider failed", "source", r.Source, "provider", f.Provider, "err", f.Err)
		}
	}
	fmt.Print(t.String())

	return updatePlaylists(ctx, pm)
}

func isTrack(path string) bool {
	return slices.Contains(dirread.Extensions, strings.ToLower(filepath.Ext(path)))
}

// prompt asks on the terminal what to do with a task. Tasks decide concurrently, so questions are
// asked one at a time.
type prompt struct {
	mu    sync.Mutex
	out   io.Writer
	lines <-chan string
}

func newPrompt(ctx context.Context, in io.Reader, out io.Writer) *prompt {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return &prompt{out: out, lines: lines}
}

const maxShownCandidates = 5

var dmp = diffmatchpatch.New()

func (p *prompt) Decide(ctx context.Context, task *pipeline.Task) (pipeline.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\n%s\n", task.Source)

	n := min(len(task.Result), maxShownCandidates)
	if n == 0 {
		fmt.Fprintf(p.out, "no candidates found\n")
	}
	for i, e := range task.Result[:n] {
		fmt.Fprintf(p.out, "  %d) %s - %s (%d, %s) %.2f %s\n",
			i+1, e.Candidate.Artist, e.Candidate.Title, e.Candidate.Year, e.Candidate.Source, e.Distance, e.Tier)
	}
	if best, ok := task.Result.Best(); ok {
		t := table.NewStringWriter()
		for _, d := range match.DiffRelease(task.Local, best) {
			if d.Equal {
				continue
			}
			fmt.Fprintf(t, "    %s\t%s\t%s\n", d.Field, fmtDiff(d.Before), fmtDiff(d.After))
		}
		fmt.Fprint(p.out, t.String())
	}
	for _, l := range task.Links {
		fmt.Fprintf(p.out, "  %s: %s\n", l.Name, l.URL)
	}

	for {
		fmt.Fprintf(p.out, "[1-%d] accept, [a]s-is, [s]kip, [d]efer? ", n)
		var line string
		select {
		case l, ok := <-p.lines:
			if !ok {
				return pipeline.Decision{Kind: pipeline.Skip}, nil
			}
			line = l
		case <-ctx.Done():
			return pipeline.Decision{}, context.Cause(ctx)
		}

		switch strings.ToLower(line) {
		case "a":
			return pipeline.Decision{Kind: pipeline.AsIs}, nil
		case "s", "":
			return pipeline.Decision{Kind: pipeline.Skip}, nil
		case "d":
			return pipeline.Decision{Kind: pipeline.Defer}, nil
		}
		if i, err := strconv.Atoi(line); err == nil && i >= 1 && i <= n {
			return pipeline.Decision{Kind: pipeline.Accept, Candidate: i - 1}, nil
		}
		fmt.Fprintf(p.out, "unknown choice %q\n", line)
	}
}

func fmtDiff(diff []diffmatchpatch.Diff) string {
	if d := dmp.DiffPrettyText(diff); d != "" {
		return d
	}
	return "[empty]"
}
