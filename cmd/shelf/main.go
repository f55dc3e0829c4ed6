package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.senan.xyz/shelf/cmd/internal/flags"
	"go.senan.xyz/shelf/library"
	"go.senan.xyz/shelf/playlist"
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
		fmt.Fprintf(flag.Output(), "  $ %s [<options>] import [-interactive] [-as-is] [-singletons] <path>...\n", flag.Name())
		fmt.Fprintf(flag.Output(), "  $ %s [<options>] ls [-a] [-f <template>] [<query>]...\n", flag.Name())
		fmt.Fprintf(flag.Output(), "  $ %s [<options>] modify [-a] [<query>]... <field>=<value>...\n", flag.Name())
		fmt.Fprintf(flag.Output(), "  $ %s [<options>] rm [-a] [-d] [<query>]...\n", flag.Name())
		fmt.Fprintf(flag.Output(), "  $ %s [<options>] move [<query>]...\n", flag.Name())
		fmt.Fprintf(flag.Output(), "  $ %s [<options>] fields\n", flag.Name())
		fmt.Fprintf(flag.Output(), "  $ %s [<options>] playlists\n", flag.Name())
		fmt.Fprintf(flag.Output(), "\n")
		fmt.Fprintf(flag.Output(), "Example:\n")
		fmt.Fprintf(flag.Output(), "  $ %s import ~/downloads/*\n", flag.Name())
		fmt.Fprintf(flag.Output(), "  $ %s ls artist:miles year:1955..1965 year+\n", flag.Name())
		fmt.Fprintf(flag.Output(), "  $ %s modify album:\"kind of blue\" genre=jazz\n", flag.Name())
		fmt.Fprintf(flag.Output(), "\n")
		fmt.Fprintf(flag.Output(), "Options:\n")
		flag.PrintDefaults()
	}
}

func main() {
	exit := flags.Logging()
	defer exit()

	flags.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command, args := flag.Arg(0), flag.Args()
	if len(args) > 0 {
		args = args[1:]
	}

	var run func(ctx context.Context, lib *library.Library, pm *playlist.Manager, args []string) error
	switch command {
	case "import":
		run = cmdImport
	case "ls":
		run = cmdList
	case "modify":
		run = cmdModify
	case "rm":
		run = cmdRemove
	case "move":
		run = cmdMove
	case "fields":
		run = cmdFields
	case "playlists":
		run = cmdPlaylists
	default:
		flag.Usage()
		slog.Error("unknown command", "command", command)
		return
	}

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

	if err := run(ctx, lib, pm, args); err != nil {
		slog.Error(command, "err", err)
		return
	}
}

// updatePlaylists writes the playlists a command's changes made stale.
func updatePlaylists(ctx context.Context, pm *playlist.Manager) error {
	if pm == nil {
		return nil
	}
	if _, err := pm.Update(ctx); err != nil {
		return fmt.Errorf("update playlists: %w", err)
	}
	return nil
}
