package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/r3labs/sse/v2"
	"github.com/sergi/go-diff/diffmatchpatch"

	"go.senan.xyz/shelf/attr"
	"go.senan.xyz/shelf/library"
	"go.senan.xyz/shelf/match"
	"go.senan.xyz/shelf/pipeline"
	"go.senan.xyz/shelf/query"
	"go.senan.xyz/shelf/researchlink"
)

const (
	streamLibrary = "library"
	streamTasks   = "tasks"
)

type server struct {
	lib       *library.Library
	pipeline  *pipeline.Pipeline
	decisions *decisions
	sse       *sse.Server

	unsubscribe func()
}

// newServer builds the import pipeline. Tasks whose best match is below minTier wait for a decision.
func newServer(lib *library.Library, cfg pipeline.Config, minTier match.Tier) *server {
	sseServ := sse.New()
	sseServ.AutoStream = true
	sseServ.AutoReplay = false
	sseServ.CreateStream(streamLibrary)
	sseServ.CreateStream(streamTasks)

	s := &server{lib: lib, sse: sseServ}
	s.decisions = &decisions{
		policy:  pipeline.Policy{Min: minTier, Fallback: pipeline.Defer},
		pending: map[string]*pendingTask{},
		emit: func(id string) {
			s.publish(streamTasks, "task", map[string]string{"id": id})
		},
	}

	onReport := cfg.OnReport
	cfg.OnReport = func(r pipeline.Report) {
		s.publish(streamTasks, "report", newReportView(r))
		if onReport != nil {
			onReport(r)
		}
	}
	s.pipeline = pipeline.New(lib, s.decisions, cfg)

	s.unsubscribe = lib.Subscribe(func(ev library.Event) {
		s.publish(streamLibrary, "change", ev)
	})
	return s
}

// Run runs the import pipeline until ctx is done.
func (s *server) Run(ctx context.Context) error {
	return s.pipeline.Run(ctx)
}

func (s *server) Close() {
	s.unsubscribe()
	s.sse.Close()
}

func (s *server) publish(stream, event string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		slog.Error("encode event", "event", event, "err", err)
		return
	}
	s.sse.Publish(stream, &sse.Event{Event: []byte(event), Data: b})
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /events", s.sse)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /items", func(w http.ResponseWriter, r *http.Request) {
		req, err := query.Parse(r.FormValue("q"))
		if err != nil {
			respErr(w, http.StatusBadRequest, "parse query: %v", err)
			return
		}
		seq, err := s.lib.Items(req)
		if err != nil {
			respErr(w, http.StatusBadRequest, "query items: %v", err)
			return
		}
		views := []rowView{}
		for it := range seq {
			views = append(views, newRowView(it.ID, it))
		}
		respJSON(w, http.StatusOK, views)
	})

	mux.HandleFunc("GET /albums", func(w http.ResponseWriter, r *http.Request) {
		req, err := query.Parse(r.FormValue("q"))
		if err != nil {
			respErr(w, http.StatusBadRequest, "parse query: %v", err)
			return
		}
		seq, err := s.lib.Albums(req)
		if err != nil {
			respErr(w, http.StatusBadRequest, "query albums: %v", err)
			return
		}
		views := []rowView{}
		for a := range seq {
			views = append(views, newRowView(a.ID, a))
		}
		respJSON(w, http.StatusOK, views)
	})

	mux.HandleFunc("GET /albums/{id}/items", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if _, err := s.lib.Album(id); err != nil {
			respErr(w, http.StatusNotFound, "get album: %v", err)
			return
		}
		views := []rowView{}
		for _, it := range s.lib.AlbumItems(id) {
			views = append(views, newRowView(it.ID, it))
		}
		respJSON(w, http.StatusOK, views)
	})

	mux.HandleFunc("POST /import", func(w http.ResponseWriter, r *http.Request) {
		path := r.FormValue("path")
		if path == "" {
			respErr(w, http.StatusBadRequest, "no path provided")
			return
		}
		id, err := s.pipeline.Submit(r.Context(), path)
		if errors.Is(err, pipeline.ErrClosed) {
			respErr(w, http.StatusServiceUnavailable, "pipeline closed")
			return
		}
		if err != nil {
			respErr(w, http.StatusInternalServerError, "submit: %v", err)
			return
		}
		respJSON(w, http.StatusAccepted, map[string]string{"id": id})
	})

	mux.HandleFunc("GET /tasks", func(w http.ResponseWriter, r *http.Request) {
		respJSON(w, http.StatusOK, s.decisions.list())
	})

	mux.HandleFunc("POST /tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		d, err := parseDecision(r.FormValue("decision"), r.FormValue("candidate"))
		if err != nil {
			respErr(w, http.StatusBadRequest, "%v", err)
			return
		}
		switch err := s.decisions.resolve(r.PathValue("id"), d); {
		case errors.Is(err, errNoPendingTask):
			respErr(w, http.StatusNotFound, "%v", err)
			return
		case err != nil:
			respErr(w, http.StatusBadRequest, "%v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !s.pipeline.Cancel(r.PathValue("id")) {
			respErr(w, http.StatusNotFound, "no task %q", r.PathValue("id"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /reports", func(w http.ResponseWriter, r *http.Request) {
		views := []reportView{}
		for _, rep := range s.pipeline.Reports() {
			views = append(views, newReportView(rep))
		}
		respJSON(w, http.StatusOK, views)
	})

	return mux
}

func parseDecision(kind, candidate string) (pipeline.Decision, error) {
	switch kind {
	case "accept":
		i, err := strconv.Atoi(candidate)
		if err != nil {
			return pipeline.Decision{}, fmt.Errorf("invalid candidate %q", candidate)
		}
		return pipeline.Decision{Kind: pipeline.Accept, Candidate: i}, nil
	case "as-is":
		return pipeline.Decision{Kind: pipeline.AsIs}, nil
	case "skip":
		return pipeline.Decision{Kind: pipeline.Skip}, nil
	case "defer":
		return pipeline.Decision{Kind: pipeline.Defer}, nil
	}
	return pipeline.Decision{}, fmt.Errorf("unknown decision %q", kind)
}

var errNoPendingTask = errors.New("no pending task")

// decisions parks tasks which need a person to decide until a decision is posted.
type decisions struct {
	policy pipeline.Policy
	emit   func(id string)

	mu      sync.Mutex
	pending map[string]*pendingTask
	order   []string
}

type pendingTask struct {
	view   taskView
	decide chan pipeline.Decision
}

func (d *decisions) Decide(ctx context.Context, t *pipeline.Task) (pipeline.Decision, error) {
	if dec, err := d.policy.Decide(ctx, t); err == nil && dec.Kind == pipeline.Accept {
		return dec, nil
	}

	pt := &pendingTask{view: newTaskView(t), decide: make(chan pipeline.Decision, 1)}
	d.mu.Lock()
	d.pending[t.ID] = pt
	d.order = append(d.order, t.ID)
	d.mu.Unlock()
	d.emit(t.ID)

	defer func() {
		d.mu.Lock()
		delete(d.pending, t.ID)
		d.order = slices.DeleteFunc(d.order, func(id string) bool { return id == t.ID })
		d.mu.Unlock()
		d.emit(t.ID)
	}()

	select {
	case dec := <-pt.decide:
		return dec, nil
	case <-ctx.Done():
		return pipeline.Decision{}, context.Cause(ctx)
	}
}

func (d *decisions) resolve(id string, dec pipeline.Decision) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	pt, ok := d.pending[id]
	if !ok {
		return fmt.Errorf("%w %q", errNoPendingTask, id)
	}
	if dec.Kind == pipeline.Accept && (dec.Candidate < 0 || dec.Candidate >= len(pt.view.Candidates)) {
		return fmt.Errorf("%w: %d", pipeline.ErrNoCandidate, dec.Candidate)
	}
	select {
	case pt.decide <- dec:
		return nil
	default:
		return fmt.Errorf("task %q already decided", id)
	}
}

func (d *decisions) list() []taskView {
	d.mu.Lock()
	defer d.mu.Unlock()
	views := make([]taskView, 0, len(d.order))
	for _, id := range d.order {
		views = append(views, d.pending[id].view)
	}
	return views
}

type rowView struct {
	ID     int64          `json:"id"`
	Fields map[string]any `json:"fields"`
}

// newRowView resolves the set fields of an item or album. Items include their album's fields.
func newRowView(id int64, r interface {
	Registry() *attr.Registry
	Lookup(string) (any, bool)
}) rowView {
	fields := map[string]any{}
	for _, name := range r.Registry().Names() {
		if v, ok := r.Lookup(name); ok {
			fields[name] = v
		}
	}
	return rowView{ID: id, Fields: fields}
}

type candidateView struct {
	Source   string      `json:"source"`
	ID       string      `json:"id"`
	Artist   string      `json:"artist"`
	Title    string      `json:"title"`
	Year     int         `json:"year"`
	Tracks   int         `json:"tracks"`
	Distance float64     `json:"distance"`
	Tier     string      `json:"tier"`
	Diff     []fieldDiff `json:"diff,omitempty"`
}

type fieldDiff struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

type taskView struct {
	ID         string                      `json:"id"`
	Source     string                      `json:"source"`
	Candidates []candidateView             `json:"candidates"`
	Links      []researchlink.SearchResult `json:"links,omitempty"`
}

var dmp = diffmatchpatch.New()

func newTaskView(t *pipeline.Task) taskView {
	v := taskView{ID: t.ID, Source: t.Source, Candidates: []candidateView{}, Links: t.Links}
	for _, e := range t.Result {
		cv := candidateView{
			Source:   e.Candidate.Source,
			ID:       e.Candidate.ID,
			Artist:   e.Candidate.Artist,
			Title:    e.Candidate.Title,
			Year:     e.Candidate.Year,
			Tracks:   len(e.Candidate.Tracks),
			Distance: e.Distance,
			Tier:     e.Tier.String(),
		}
		for _, d := range match.DiffRelease(t.Local, e) {
			if d.Equal {
				continue
			}
			cv.Diff = append(cv.Diff, fieldDiff{
				Field:  d.Field,
				Before: dmp.DiffPrettyHtml(d.Before),
				After:  dmp.DiffPrettyHtml(d.After),
			})
		}
		v.Candidates = append(v.Candidates, cv)
	}
	return v
}

type reportView struct {
	ID       string  `json:"id"`
	Source   string  `json:"source"`
	State    string  `json:"state"`
	Stage    string  `json:"stage"`
	Error    string  `json:"error,omitempty"`
	Decision string  `json:"decision"`
	Tier     string  `json:"tier"`
	Distance float64 `json:"distance"`
	Items    int     `json:"items"`
}

func newReportView(r pipeline.Report) reportView {
	v := reportView{
		ID:       r.ID,
		Source:   r.Source,
		State:    r.State.String(),
		Stage:    r.Stage.String(),
		Decision: r.Decision.Kind.String(),
		Tier:     r.Tier.String(),
		Distance: r.Distance,
		Items:    r.Items,
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v
}

func respJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}

func respErr(w http.ResponseWriter, code int, f string, a ...any) {
	respJSON(w, code, map[string]string{"error": fmt.Sprintf(f, a...)})
}
