package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"go.senan.xyz/shelf/cmd/internal/flags"
	"go.senan.xyz/shelf/pipeline"
)

var (
	libCfg      = flags.Library()
	pipelineCfg = flags.Pipeline()
	notifs      = flags.Notifications()
	research    = flags.ResearchLinks()
	playlists   = flags.Playlists()
)

func init() {
	flags.DefaultClient()

	flag := flag.CommandLine
	flag.Usage = func() {
		fmt.Fprintf(flag.Output(), "Usage:\n")
		fmt.Fprintf(flag.Output(), "  $ %s [<options>]\n", flag.Name())
		fmt.Fprintf(flag.Output(), "\n")
		fmt.Fprintf(flag.Output(), "Options:\n")
		flag.PrintDefaults()
	}
}

func main() {
	exit := flags.Logging()
	defer exit()

	var (
		listenAddr = flag.String("web-listen-addr", ":7373", "Listen address for web interface")
		apiKey     = flag.String("web-api-key", "", "Key for basic auth, with any username")
	)
	flags.Parse()

	if *apiKey == "" {
		slog.Error("need api key")
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lib, err := libCfg.Open(ctx)
	if err != nil {
		slog.Error("open library", "err", err)
		return
	}
	defer func() {
		if err := lib.Close(); err != nil {
			slog.Error("close library", "err", err)
		}
	}()

	pm, err := playlists.Manager(lib)
	if err != nil {
		slog.Error("load playlists", "err", err)
		return
	}

	cfg, err := pipelineCfg.Build()
	if err != nil {
		slog.Error("pipeline config", "err", err)
		return
	}
	cfg.Research = research
	cfg.Notifications = notifs
	cfg.Metrics = pipeline.NewMetrics(prometheus.DefaultRegisterer)

	s := newServer(lib, cfg, pipelineCfg.MinTier)
	defer s.Close()

	server := &http.Server{
		Addr:              *listenAddr,
		Handler:           basicAuth(*apiKey, s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var g errgroup.Group
	g.Go(func() error {
		return s.Run(ctx)
	})
	if pm != nil {
		g.Go(func() error {
			return pm.Run(ctx)
		})
	}
	g.Go(func() error {
		slog.Info("starting", "addr", *listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		slog.Error("running", "err", err)
		return
	}
}

func basicAuth(key string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", "Basic")
		if _, k, _ := r.BasicAuth(); subtle.ConstantTimeCompare([]byte(k), []byte(key)) != 1 {
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		slog.Debug("request", "method", r.Method, "url", r.URL)
		next.ServeHTTP(w, r)
	})
}
