// Package fixture is an offline provider which serves candidates from YAML files, for tests and
// for libraries curated by hand.
package fixture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"go.senan.xyz/natcmp"
	"gopkg.in/yaml.v2"

	"go.senan.xyz/shelf/match"
	"go.senan.xyz/shelf/provider"
	"go.senan.xyz/shelf/scheduler"
)

func init() {
	provider.Register("fixture", New)
}

type Release struct {
	ID             string   `yaml:"id"`
	Title          string   `yaml:"title"`
	Artist         string   `yaml:"artist"`
	Artists        []string `yaml:"artists"`
	Label          string   `yaml:"label"`
	CatalogueNum   string   `yaml:"catalognum"`
	Media          string   `yaml:"media"`
	Year           int      `yaml:"year"`
	Disambiguation string   `yaml:"disambiguation"`
	Genres         []string `yaml:"genres"`
	Tracks         []struct {
		ID     string        `yaml:"id"`
		Title  string        `yaml:"title"`
		Artist string        `yaml:"artist"`
		Length time.Duration `yaml:"length"`
	} `yaml:"tracks"`
}

// Provider reads every *.yaml file in Dir. Each file holds one release, or a list of them.
type Provider struct {
	ID       string
	Dir      string
	Priority int

	// FailTransient fails the first n lookups with a transient error.
	FailTransient int
	// FailPermanent fails every lookup.
	FailPermanent bool

	mu    sync.Mutex
	calls int
}

// New parses a conf like "dir=path/to/releases priority=1 fail-transient=2".
func New(conf string) (*Provider, error) {
	p := &Provider{ID: "fixture"}
	args, err := shlex.Split(conf)
	if err != nil {
		return nil, fmt.Errorf("split conf: %w", err)
	}
	for _, arg := range args {
		k, v, _ := strings.Cut(arg, "=")
		switch k {
		case "name":
			p.ID = v
		case "dir":
			p.Dir = v
		case "priority":
			if p.Priority, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("parse priority: %w", err)
			}
		case "fail-transient":
			if p.FailTransient, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("parse fail transient: %w", err)
			}
		case "fail-permanent":
			p.FailPermanent = true
		default:
			return nil, fmt.Errorf("unknown option %q", k)
		}
	}
	if p.Dir == "" {
		return nil, fmt.Errorf("no dir provided")
	}
	return p, nil
}

func (p *Provider) Name() string { return p.ID }

// Calls is the number of lookups so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Lookup returns releases with the local release's ID, or failing that, releases whose title
// contains the local title. A local release with neither matches everything.
func (p *Provider) Lookup(ctx context.Context, local match.Release) ([]match.Candidate, error) {
	p.mu.Lock()
	p.calls++
	calls := p.calls
	p.mu.Unlock()

	if p.FailPermanent {
		return nil, provider.Permanent(fmt.Errorf("%s: configured to fail", p.ID))
	}
	if calls <= p.FailTransient {
		return nil, provider.Transient(fmt.Errorf("%s: attempt %d unavailable", p.ID, calls))
	}

	releases, err := scheduler.Do(ctx, "read "+p.Dir, func(context.Context) ([]Release, error) {
		return ReadDir(p.Dir)
	})
	if err != nil {
		return nil, provider.Permanent(err)
	}

	var byID, byTitle []Release
	for _, r := range releases {
		switch {
		case local.ID != "" && r.ID == local.ID:
			byID = append(byID, r)
		case strings.Contains(strings.ToLower(r.Title), strings.ToLower(local.Title)):
			byTitle = append(byTitle, r)
		}
	}
	if len(byID) == 0 {
		byID = byTitle
	}

	var candidates []match.Candidate
	for i, r := range byID {
		candidates = append(candidates, p.candidate(r, i))
	}
	return candidates, nil
}

func (p *Provider) candidate(r Release, index int) match.Candidate {
	var tracks []match.Track
	for i, t := range r.Tracks {
		artist := t.Artist
		if artist == "" {
			artist = r.Artist
		}
		tracks = append(tracks, match.Track{ID: t.ID, Title: t.Title, Artist: artist, Number: i + 1, Length: t.Length})
	}
	return match.Candidate{
		Release: match.Release{
			ID:             r.ID,
			Title:          r.Title,
			Artist:         r.Artist,
			Artists:        r.Artists,
			Label:          r.Label,
			CatalogueNum:   r.CatalogueNum,
			Media:          r.Media,
			Year:           r.Year,
			Disambiguation: r.Disambiguation,
			Genres:         r.Genres,
			Tracks:         tracks,
		},
		Source:   p.ID,
		Priority: p.Priority,
		Index:    index,
	}
}

// ReadDir parses the releases in dir, in natural file name order.
func ReadDir(dir string) ([]Release, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("glob releases: %w", err)
	}
	slices.SortFunc(paths, natcmp.Compare)

	var releases []Release
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read release: %w", err)
		}
		var many []Release
		if err := yaml.Unmarshal(data, &many); err == nil {
			releases = append(releases, many...)
			continue
		}
		var one Release
		if err := yaml.Unmarshal(data, &one); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
		releases = append(releases, one)
	}
	return releases, nil
}

var _ provider.Provider = (*Provider)(nil)
