// Package flags registers the flags shared by the shelf commands. Every flag can also be set with a
// SHELF_ prefixed environment variable or a line in the config file.
package flags

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.senan.xyz/flagconf"

	"go.senan.xyz/shelf"
	"go.senan.xyz/shelf/attr"
	"go.senan.xyz/shelf/clientutil"
	"go.senan.xyz/shelf/library"
	"go.senan.xyz/shelf/match"
	"go.senan.xyz/shelf/notifications"
	"go.senan.xyz/shelf/pathformat"
	"go.senan.xyz/shelf/pipeline"
	"go.senan.xyz/shelf/playlist"
	"go.senan.xyz/shelf/provider"
	"go.senan.xyz/shelf/reorg"
	"go.senan.xyz/shelf/researchlink"
	"go.senan.xyz/shelf/sqlitestore"

	_ "go.senan.xyz/shelf/provider/fixture"
	_ "go.senan.xyz/shelf/provider/musicbrainz"
)

// DefaultProvider is used when no -provider is given.
const DefaultProvider = "musicbrainz"

func DefaultClient() {
	chain := clientutil.Chain(
		clientutil.WithLogging(),
		clientutil.WithUserAgent(fmt.Sprintf(`%s/%s`, shelf.Name, shelf.Version)),
	)

	http.DefaultTransport = chain(http.DefaultTransport)
}

func Parse() {
	userConfig, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}

	defaultConfigPath := filepath.Join(userConfig, shelf.Name, "config")
	configPath := flag.String("config-path", defaultConfigPath, "Path to config file")

	printVersion := flag.Bool("version", false, "Print the version and exit")
	printConfig := flag.Bool("config", false, "Print the parsed config and exit")

	flag.Parse()
	flagconf.ReadEnvPrefix = func(_ *flag.FlagSet) string { return shelf.Name }
	flagconf.ParseEnv()
	flagconf.ParseConfig(*configPath)

	if *printVersion {
		fmt.Printf("%s %s\n", flag.CommandLine.Name(), shelf.Version)
		os.Exit(0)
	}
	if *printConfig {
		flag.VisitAll(func(f *flag.Flag) {
			fmt.Printf("%-20s %s\n", f.Name, f.Value)
		})
		os.Exit(0)
	}
}

type LibraryConfig struct {
	Path   string
	Fields []attr.Type
}

func Library() *LibraryConfig {
	var cfg LibraryConfig

	userData, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	flag.StringVar(&cfg.Path, "library-path", filepath.Join(userData, ".local", "share", shelf.Name, "library.db"), `Path to the library database, or "memory" for a throwaway library`)
	flag.Var(&fieldsParser{&cfg.Fields}, "field", `Define a flexible attribute as "name kind [album]", kind one of text, int, float, date, list (stackable)`)

	return &cfg
}

// Open registers the extra fields and opens the library. Close the library when done.
func (c *LibraryConfig) Open(ctx context.Context) (*library.Library, error) {
	if len(c.Fields) > 0 {
		if err := attr.Default.Register(c.Fields...); err != nil {
			return nil, fmt.Errorf("register fields: %w", err)
		}
	}

	var backend library.Backend
	if c.Path == "memory" {
		backend = library.NewMemoryBackend()
	} else {
		if err := os.MkdirAll(filepath.Dir(c.Path), os.ModePerm); err != nil {
			return nil, fmt.Errorf("make library dir: %w", err)
		}
		store, err := sqlitestore.Open(ctx, c.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		backend = store
	}

	lib, err := library.Open(ctx, attr.Default, backend)
	if err != nil {
		return nil, fmt.Errorf("open library: %w", err)
	}
	slog.DebugContext(ctx, "opened library", "path", c.Path, "revision", lib.Revision())
	return lib, nil
}

type PipelineConfig struct {
	pipeline.Config
	Weights    match.Weights
	Thresholds match.Thresholds
	DryRun     bool
	MinTier    match.Tier
}

func Pipeline() *PipelineConfig {
	def := pipeline.DefaultConfig()
	cfg := PipelineConfig{
		Config:     def,
		Weights:    match.Weights{},
		Thresholds: def.Match.Thresholds,
		MinTier:    match.TierStrong,
	}

	flag.IntVar(&cfg.Parallelism, "parallelism", def.Parallelism, "Number of workers per import stage")
	flag.IntVar(&cfg.QueueCapacity, "queue-capacity", def.QueueCapacity, "Number of tasks buffered between import stages")
	flag.IntVar(&cfg.Retries, "retries", def.Retries, "Number of retries for a lookup which failed transiently, 0 for none")
	flag.DurationVar(&cfg.Backoff, "backoff", def.Backoff, "Wait before the first lookup retry, doubled for each retry after")
	flag.DurationVar(&cfg.LookupTimeout, "lookup-timeout", 2*time.Minute, "Time limit for a provider lookup including retries")

	flag.Var(&providersParser{&cfg.Providers}, "provider", `Add a metadata provider as "name conf", eg "musicbrainz rate-limit=1s" (stackable)`)
	flag.Var(&weightsParser{cfg.Weights}, "weight", `Adjust distance weighting for a field as "field 0.5", 0 to ignore (stackable)`)
	flag.Float64Var(&cfg.Thresholds.Strong, "strong-threshold", cfg.Thresholds.Strong, "Largest distance of a strong match")
	flag.Float64Var(&cfg.Thresholds.Medium, "medium-threshold", cfg.Thresholds.Medium, "Largest distance of a medium match")
	flag.Float64Var(&cfg.Thresholds.Weak, "weak-threshold", cfg.Thresholds.Weak, "Largest distance of a weak match")
	flag.BoolVar(&cfg.AutoAccept, "auto-accept", def.AutoAccept, "Accept strong matches without asking")
	flag.Var(&tierParser{&cfg.MinTier}, "min-tier", "Weakest match accepted when not asking")

	cfg.PathFormat = &pathformat.Format{}
	flag.Var(&pathFormatParser{cfg.PathFormat}, "path-format", "Path to root music directory including path format rules")
	flag.Var(&opParser{&cfg.Op}, "op", "File operation for imports with a path format, move or copy")
	flag.BoolVar(&cfg.DryRun, "dry-run", false, "Log file operations without doing them")
	flag.Var(&addonsParser{&cfg.Addons}, "addon", `Define an addon run after every import as "name conf" (stackable)`)

	return &cfg
}

// Build returns the pipeline config once flags are parsed.
func (c *PipelineConfig) Build() (pipeline.Config, error) {
	cfg := c.Config
	cfg.Match = match.Config{
		Weights:    match.DefaultWeights().With(c.Weights),
		Thresholds: c.Thresholds,
	}
	if c.PathFormat == nil || c.PathFormat.Root() == "" {
		cfg.PathFormat = nil
	}
	cfg.Executor = reorg.FS{DryRun: c.DryRun}
	if cfg.Retries == 0 {
		// zero would mean the default to the pipeline
		cfg.Retries = -1
	}

	if len(cfg.Providers) == 0 {
		p, err := provider.New(DefaultProvider, "")
		if err != nil {
			return pipeline.Config{}, fmt.Errorf("default provider: %w", err)
		}
		cfg.Providers = []provider.Provider{p}
	}
	return cfg, nil
}

func Notifications() *notifications.Notifications {
	var n notifications.Notifications
	flag.Var(&notificationsParser{&n}, "notification-uri", "Add a shoutrrr notification URI for an event (stackable)")
	return &n
}

func ResearchLinks() *researchlink.Builder {
	var r researchlink.Builder
	flag.Var(&researchLinkParser{&r}, "research-link", "Define a helper URL to help find information about an unmatched release (stackable)")
	return &r
}

type PlaylistConfig struct {
	playlist.Options
	Playlists []playlist.Playlist
}

func Playlists() *PlaylistConfig {
	var cfg PlaylistConfig
	flag.StringVar(&cfg.Dir, "playlist-dir", "", "Directory to write smart playlists to")
	flag.Var(&playlistFormatParser{&cfg.Format}, "playlist-format", "Playlist file format, m3u or m3u8")
	flag.StringVar(&cfg.RelativeTo, "playlist-relative-to", "", "Write playlist paths relative to this directory")
	flag.StringVar(&cfg.Prefix, "playlist-prefix", "", "Prefix for every path in a playlist, such as a URL")
	flag.Var(&playlistsParser{&cfg.Playlists}, "playlist", `Define a smart playlist as "[album] name query", eg "jazz genre:jazz year+" (stackable)`)
	return &cfg
}

// Manager builds a playlist manager, nil if no playlists are defined.
func (c *PlaylistConfig) Manager(lib *library.Library) (*playlist.Manager, error) {
	if len(c.Playlists) == 0 {
		return nil, nil
	}
	if c.Dir == "" {
		return nil, fmt.Errorf("playlists defined without -playlist-dir")
	}
	opts := c.Options
	if opts.RelativeTo != "" {
		var err error
		if opts.RelativeTo, err = filepath.Abs(opts.RelativeTo); err != nil {
			return nil, fmt.Errorf("make abs: %w", err)
		}
	}
	return playlist.New(lib, opts, c.Playlists...)
}
