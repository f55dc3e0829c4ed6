package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"go.senan.xyz/shelf/attr"
	"go.senan.xyz/shelf/library"
	"go.senan.xyz/shelf/notifications"
	"go.senan.xyz/shelf/playlist"
	"go.senan.xyz/shelf/query"
	"go.senan.xyz/shelf/reorg"
)

// cmdMove puts the files of stored albums where the path format says, after the format changed or
// fields were modified.
func cmdMove(ctx context.Context, lib *library.Library, pm *playlist.Manager, args []string) error {
	subflag := flag.NewFlagSet("move", flag.ExitOnError)
	if err := subflag.Parse(args); err != nil {
		return err
	}

	cfg, err := pipelineCfg.Build()
	if err != nil {
		return err
	}
	if cfg.PathFormat == nil {
		return errors.New("no -path-format provided")
	}
	req, err := query.ParseTerms(subflag.Args())
	if err != nil {
		return err
	}

	albums, err := lib.Albums(req)
	if err != nil {
		return err
	}

	start := time.Now()
	var nMoved, nErrs int
	for a := range albums {
		if err := ctx.Err(); err != nil {
			return err
		}
		actions, err := reorg.Plan(cfg.Op, cfg.PathFormat, lib.AlbumItems(a.ID))
		if err != nil {
			slog.ErrorContext(ctx, "plan album", "album", a, "err", err)
			nErrs++
			continue
		}
		if len(actions) == 0 {
			continue
		}

		moved := map[string]string{}
		for _, r := range cfg.Executor.Execute(ctx, actions) {
			if r.Err != nil {
				slog.ErrorContext(ctx, "reorganise file", "action", r.Action, "err", r.Err)
				nErrs++
				continue
			}
			nMoved++
			if r.Action.Op == reorg.OpMove && !r.DryRun {
				moved[r.Action.Src] = r.Action.Dst
			}
		}
		if len(moved) == 0 {
			continue
		}
		err = lib.Update(ctx, func(tx *library.Tx) error {
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
	}

	slog := slog.With("took", time.Since(start), "files", nMoved, "errs", nErrs)
	if nErrs > 0 {
		notifs.Send(ctx, notifications.ImportError, "move finished with errors")
		slog.ErrorContext(ctx, "move finished with errors")
		return updatePlaylists(ctx, pm)
	}
	notifs.Send(ctx, notifications.Complete, "move finished")
	slog.InfoContext(ctx, "move finished")
	return updatePlaylists(ctx, pm)
}
