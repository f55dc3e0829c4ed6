package musicbrainz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"go.senan.xyz/shelf/match"
	"go.senan.xyz/shelf/provider"
)

func init() {
	provider.Register("musicbrainz", NewProvider)
}

// Provider looks up releases by ID when the local items carry one, otherwise by search.
type Provider struct {
	Client *Client
	// Limit is the number of search results fetched in full.
	Limit int
}

// NewProvider parses a conf like "base-url=https://... rate-limit=1s limit=3 user-agent='x y'".
func NewProvider(conf string) (*Provider, error) {
	p := &Provider{
		Client: &Client{BaseURL: DefaultBaseURL, RateLimit: time.Second},
		Limit:  3,
	}
	args, err := shlex.Split(conf)
	if err != nil {
		return nil, fmt.Errorf("split conf: %w", err)
	}
	for _, arg := range args {
		k, v, _ := strings.Cut(arg, "=")
		switch k {
		case "base-url":
			p.Client.BaseURL = v
		case "rate-limit":
			if p.Client.RateLimit, err = time.ParseDuration(v); err != nil {
				return nil, fmt.Errorf("parse rate limit: %w", err)
			}
		case "user-agent":
			p.Client.UserAgent = v
		case "limit":
			if p.Limit, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("parse limit: %w", err)
			}
		default:
			return nil, fmt.Errorf("unknown option %q", k)
		}
	}
	return p, nil
}

func (p *Provider) Name() string { return "musicbrainz" }

func (p *Provider) Lookup(ctx context.Context, local match.Release) ([]match.Candidate, error) {
	q := ReleaseQuery{
		MBReleaseID:  local.ID,
		Release:      local.Title,
		Artist:       local.Artist,
		Format:       local.Media,
		Label:        local.Label,
		CatalogueNum: local.CatalogueNum,
		NumTracks:    len(local.Tracks),
	}
	if local.Year > 0 {
		q.Date = time.Date(local.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
	}

	ids, err := p.Client.SearchReleases(ctx, q, p.Limit)
	if errors.Is(err, ErrNoResults) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var candidates []match.Candidate
	for i, id := range ids {
		release, err := p.Client.GetRelease(ctx, id)
		if se := StatusError(0); errors.As(err, &se) && se == http.StatusNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get release %s: %w", id, err)
		}
		candidates = append(candidates, Candidate(release, i))
	}
	return candidates, nil
}

// Candidate converts a MusicBrainz release for scoring.
func Candidate(release *Release, index int) match.Candidate {
	labelInfo := AnyLabelInfo(release)

	var media string
	if len(release.Media) > 0 {
		media = release.Media[0].Format
	}

	var year int
	switch {
	case !release.Date.IsZero():
		year = release.Date.Year()
	case !release.ReleaseGroup.FirstReleaseDate.IsZero():
		year = release.ReleaseGroup.FirstReleaseDate.Year()
	}

	var genres []string
	for _, g := range AnyGenres(release) {
		genres = append(genres, g.Name)
	}

	var tracks []match.Track
	for i, t := range FlatTracks(release.Media) {
		length := t.Length
		if length == 0 {
			length = t.Recording.Length
		}
		tracks = append(tracks, match.Track{
			ID:     t.Recording.ID,
			Title:  t.Title,
			Artist: ArtistsString(t.Artists),
			Number: i + 1,
			Length: time.Duration(length) * time.Millisecond,
		})
	}

	return match.Candidate{
		Release: match.Release{
			ID:             release.ID,
			Title:          release.Title,
			Artist:         ArtistsString(release.Artists),
			Artists:        ArtistsNames(release.Artists),
			Label:          labelInfo.Label.Name,
			CatalogueNum:   labelInfo.CatalogNumber,
			Media:          media,
			Year:           year,
			Disambiguation: release.Disambiguation,
			Genres:         genres,
			Tracks:         tracks,
		},
		Source: "musicbrainz",
		Index:  index,
	}
}

var _ provider.Provider = (*Provider)(nil)
