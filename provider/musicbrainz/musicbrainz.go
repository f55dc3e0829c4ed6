// Package musicbrainz is a provider backed by the MusicBrainz web service.
package musicbrainz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"

	"go.senan.xyz/shelf/clientutil"
	"go.senan.xyz/shelf/provider"
)

const DefaultBaseURL = "https://musicbrainz.org/ws/2/"

var ErrNoResults = errors.New("no results")

type StatusError int

func (se StatusError) Error() string {
	return strconv.Itoa(int(se))
}

type Client struct {
	BaseURL   string
	RateLimit time.Duration
	UserAgent string

	initOnce   sync.Once
	HTTPClient *http.Client
}

func (c *Client) request(ctx context.Context, r *http.Request, dest any) error {
	c.initOnce.Do(func() {
		c.HTTPClient = clientutil.Wrap(c.HTTPClient, clientutil.Chain(
			clientutil.WithSuspend(),
			clientutil.WithCache(0),
			clientutil.WithUserAgent(c.UserAgent),
			clientutil.WithRateLimit(c.RateLimit),
			clientutil.WithLogging(),
		))
	})

	r = r.WithContext(ctx)
	resp, err := c.HTTPClient.Do(r)
	if err != nil {
		return provider.Transient(fmt.Errorf("request: %w", err))
	}
	defer resp.Body.Close()

	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests, code/100 == 5:
		return provider.Transient(fmt.Errorf("musicbrainz returned %w", StatusError(code)))
	case code/100 != 2:
		return provider.Permanent(fmt.Errorf("musicbrainz returned non 2xx: %w", StatusError(code)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return provider.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) GetRelease(ctx context.Context, mbid string) (*Release, error) {
	urlV := url.Values{}
	urlV.Set("fmt", "json")
	urlV.Set("inc", "recordings+artist-credits+labels+release-groups+genres")

	url, _ := url.Parse(joinPath(c.BaseURL, "release", mbid))
	url.RawQuery = urlV.Encode()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url.String(), nil)

	var r Release
	if err := c.request(ctx, req, &r); err != nil {
		return nil, fmt.Errorf("request release: %w", err)
	}
	return &r, nil
}

type ReleaseQuery struct {
	MBReleaseID string

	Release      string
	Artist       string
	Date         time.Time
	Format       string
	Label        string
	CatalogueNum string
	NumTracks    int
}

// SearchReleases returns the IDs of up to limit releases matching q, best first. A query with a
// release ID returns it directly.
func (c *Client) SearchReleases(ctx context.Context, q ReleaseQuery, limit int) ([]string, error) {
	if uuidExpr.MatchString(q.MBReleaseID) {
		return []string{q.MBReleaseID}, nil
	}

	// https://beta.musicbrainz.org/doc/MusicBrainz_API/Search#Release

	var params []string
	if q.Release != "" {
		params = append(params, field("release", strings.ToLower(q.Release)))
	}
	if q.Artist != "" {
		params = append(params, field("artist", strings.ToLower(q.Artist)))
	}
	if !q.Date.IsZero() {
		params = append(params, field("date", q.Date.Format(time.DateOnly)))
	}
	if q.Format != "" {
		params = append(params, field("format", strings.ToLower(q.Format)))
	}
	if q.Label != "" {
		params = append(params, field("label", strings.ToLower(q.Label)))
	}
	if q.CatalogueNum != "" {
		params = append(params, field("catno", strings.ToLower(q.CatalogueNum)))
	}
	if q.NumTracks > 0 {
		params = append(params, field("tracks", q.NumTracks))
	}
	if len(params) == 0 {
		return nil, ErrNoResults
	}

	urlV := url.Values{}
	urlV.Set("fmt", "json")
	urlV.Set("limit", strconv.Itoa(max(limit, 1)))
	urlV.Set("query", strings.Join(params, " "))

	url, _ := url.Parse(joinPath(c.BaseURL, "release"))
	url.RawQuery = urlV.Encode()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url.String(), nil)

	var sr struct {
		Releases []struct {
			ID    string `json:"id"`
			Score int    `json:"score"`
		} `json:"releases"`
	}
	if err := c.request(ctx, req, &sr); err != nil {
		return nil, fmt.Errorf("request release search: %w", err)
	}

	var ids []string
	for _, r := range sr.Releases {
		if r.ID != "" && !slices.Contains(ids, r.ID) {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return nil, ErrNoResults
	}
	return ids, nil
}

type ArtistCredit struct {
	Name       string `json:"name"`
	JoinPhrase string `json:"joinphrase"`
	Artist     Artist `json:"artist"`
}

type Artist struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Genres []Genre `json:"genres"`
}

type Genre struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type Track struct {
	ID        string `json:"id"`
	Length    int    `json:"length"`
	Recording struct {
		ID     string  `json:"id"`
		Length int     `json:"length"`
		Title  string  `json:"title"`
		Genres []Genre `json:"genres"`
	} `json:"recording"`
	Number   string         `json:"number"`
	Position int            `json:"position"`
	Title    string         `json:"title"`
	Artists  []ArtistCredit `json:"artist-credit"`
}

type Media struct {
	TrackCount int     `json:"track-count"`
	Tracks     []Track `json:"tracks"`
	Pregap     *Track  `json:"pregap,omitempty"`
	Format     string  `json:"format"`
	Position   int     `json:"position"`
}

type LabelInfo struct {
	Label struct {
		ID     string  `json:"id"`
		Name   string  `json:"name"`
		Genres []Genre `json:"genres"`
	} `json:"label"`
	CatalogNumber string `json:"catalog-number"`
}

type Release struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Disambiguation string         `json:"disambiguation"`
	Status         string         `json:"status"`
	Country        string         `json:"country"`
	Genres         []Genre        `json:"genres"`
	Artists        []ArtistCredit `json:"artist-credit"`
	Date           AnyTime        `json:"date"`
	Media          []Media        `json:"media"`
	ReleaseGroup   struct {
		ID               string  `json:"id"`
		FirstReleaseDate AnyTime `json:"first-release-date"`
		Genres           []Genre `json:"genres"`
	} `json:"release-group"`
	LabelInfo []LabelInfo `json:"label-info"`
}

func ArtistsNames(credits []ArtistCredit) []string {
	var r []string
	for _, c := range credits {
		r = append(r, c.Artist.Name)
	}
	return r
}

func ArtistsString(credits []ArtistCredit) string {
	var sb strings.Builder
	for _, c := range credits {
		fmt.Fprintf(&sb, "%s%s", c.Artist.Name, c.JoinPhrase)
	}
	return sb.String()
}

func FlatTracks(media []Media) []Track {
	var tracks []Track
	for _, media := range media {
		if media.Pregap != nil {
			tracks = append(tracks, *media.Pregap)
		}
		tracks = append(tracks, media.Tracks...)
	}
	return tracks
}

// AnyGenres collects genres from the release, its tracks and its artists, most voted first. The
// label's genres are only used if nothing else has any.
func AnyGenres(release *Release) []Genre {
	var genres []Genre
	genres = append(genres, release.Genres...)
	genres = append(genres, release.ReleaseGroup.Genres...)
	for _, t := range FlatTracks(release.Media) {
		genres = append(genres, t.Recording.Genres...)
	}
	for _, a := range release.Artists {
		genres = append(genres, a.Artist.Genres...)
	}
	if len(genres) == 0 {
		for _, l := range release.LabelInfo {
			genres = append(genres, l.Label.Genres...)
		}
	}
	return mergeAndSortGenres(genres)
}

func AnyLabelInfo(release *Release) LabelInfo {
	if len(release.LabelInfo) > 0 {
		return release.LabelInfo[0]
	}
	return LabelInfo{}
}

type AnyTime struct {
	time.Time
}

func (at *AnyTime) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == "" {
		return nil
	}
	var err error
	at.Time, err = dateparse.ParseAny(str)
	if err != nil {
		return fmt.Errorf("parse any: %w", err)
	}
	return nil
}

func mergeAndSortGenres(genres []Genre) []Genre {
	var out []Genre
	index := map[string]int{}
	for _, g := range genres {
		if i, ok := index[g.ID]; ok {
			out[i].Count += g.Count
			continue
		}
		index[g.ID] = len(out)
		out = append(out, g)
	}
	slices.SortStableFunc(out, func(a, b Genre) int {
		return b.Count - a.Count
	})
	return out
}

// https://lucene.apache.org/core/7_7_2/queryparser/org/apache/lucene/queryparser/classic/package-summary.html#Escaping_Special_Characters
var escapeLucene *strings.Replacer

func init() {
	var pairs []string
	for _, c := range []string{`&&`, `||`, `+`, `-`, `!`, `(`, `)`, `{`, `}`, `[`, `]`, `^`, `"`, `~`, `*`, `?`, `:`, `\`, `/`} {
		pairs = append(pairs, c, `\`+c)
	}
	escapeLucene = strings.NewReplacer(pairs...)
}

func field(k string, v any) string {
	vstr := fmt.Sprint(v)
	vstr = escapeLucene.Replace(vstr)
	return fmt.Sprintf("%s:(%v)", k, vstr)
}

func joinPath(base string, p ...string) string {
	r, _ := url.JoinPath(base, p...)
	return r
}

var uuidExpr = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
