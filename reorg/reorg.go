// Package reorg plans and executes the file moves and copies that put imported items at the paths
// their metadata calls for.
package reorg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/argusdusty/treelock"
	"golang.org/x/sync/errgroup"

	"go.senan.xyz/shelf/attr"
	"go.senan.xyz/shelf/library"
	"go.senan.xyz/shelf/pathformat"
)

var (
	ErrExists        = errors.New("destination exists")
	ErrDuplicateDest = errors.New("items share a destination")
	ErrUnknownOp     = errors.New("unknown operation")
)

type Op uint8

const (
	OpMove Op = iota
	OpCopy
)

func (o Op) String() string {
	switch o {
	case OpCopy:
		return "copy"
	}
	return "move"
}

func ParseOp(s string) (Op, error) {
	switch s {
	case "move":
		return OpMove, nil
	case "copy":
		return OpCopy, nil
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownOp, s)
}

type Action struct {
	Op       Op
	Src, Dst string
}

func (a Action) String() string {
	return fmt.Sprintf("%s %q -> %q", a.Op, a.Src, a.Dst)
}

type Result struct {
	Action Action
	Err    error
	// DryRun is set when nothing was done.
	DryRun bool
}

// Executor carries out actions, reporting success or failure for each one in order.
type Executor interface {
	Execute(ctx context.Context, actions []Action) []Result
}

// Plan returns an action for each item whose path differs from the one pf gives it. Items which
// aren't stored yet should be attached to their album.
func Plan(op Op, pf *pathformat.Format, items []*library.Item) ([]Action, error) {
	var actions []Action
	seen := map[string]string{}
	for _, it := range items {
		src, _ := it.Get(attr.Path).(string)
		if src == "" {
			continue
		}
		dst, err := pf.Execute(pathformat.DataFor(it, strings.ToLower(filepath.Ext(src))))
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", it, err)
		}
		if prev, ok := seen[dst]; ok {
			return nil, fmt.Errorf("%w: %q and %q -> %q", ErrDuplicateDest, prev, src, dst)
		}
		seen[dst] = src
		if dst == src {
			continue
		}
		actions = append(actions, Action{Op: op, Src: src, Dst: dst})
	}
	return actions, nil
}

// dirLocks serialises executors which touch the same directory trees.
var dirLocks = treelock.NewTreeLock()

// FS executes actions on the local file system. Source directories left empty by moves are
// removed.
type FS struct {
	DryRun bool
	// Parallelism limits concurrent file operations. Zero means 4.
	Parallelism int
}

func (f FS) Execute(ctx context.Context, actions []Action) []Result {
	unlock := lockPaths(actions)
	defer unlock()

	results := make([]Result, len(actions))

	limit := f.Parallelism
	if limit <= 0 {
		limit = 4
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, a := range actions {
		g.Go(func() error {
			results[i] = Result{Action: a, Err: f.execute(ctx, a), DryRun: f.DryRun}
			return nil
		})
	}
	_ = g.Wait()

	if !f.DryRun {
		for _, r := range results {
			if r.Err == nil && r.Action.Op == OpMove {
				_ = os.Remove(filepath.Dir(r.Action.Src)) // only if empty
			}
		}
	}
	return results
}

func (f FS) execute(ctx context.Context, a Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.DryRun {
		slog.InfoContext(ctx, "dry run", "op", a.Op, "from", a.Src, "to", a.Dst)
		return nil
	}

	if _, err := os.Stat(a.Dst); err == nil {
		return fmt.Errorf("%w: %q", ErrExists, a.Dst)
	}
	if err := os.MkdirAll(filepath.Dir(a.Dst), os.ModePerm); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}

	switch a.Op {
	case OpMove:
		err := os.Rename(a.Src, a.Dst)
		if errors.Is(err, syscall.EXDEV) {
			if err := copyFile(a.Src, a.Dst); err != nil {
				return err
			}
			if err := os.Remove(a.Src); err != nil {
				return fmt.Errorf("remove source: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("rename: %w", err)
		}
		return nil
	case OpCopy:
		return copyFile(a.Src, a.Dst)
	}
	return fmt.Errorf("%w %d", ErrUnknownOp, a.Op)
}

func copyFile(src, dst string) (err error) {
	srcf, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer srcf.Close()

	info, err := srcf.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	dstf, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode())
	if err != nil {
		return fmt.Errorf("open dest: %w", err)
	}
	defer func() {
		err = errors.Join(err, dstf.Close())
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	if _, err := io.Copy(dstf, srcf); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if err := dstf.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// lockPaths locks the deepest directory containing every source and destination.
func lockPaths(actions []Action) func() {
	var key []string
	for i, a := range actions {
		for _, p := range []string{a.Src, a.Dst} {
			parts := strings.Split(filepath.Dir(filepath.Clean(p)), string(filepath.Separator))
			if i == 0 && key == nil {
				key = parts
				continue
			}
			key = commonPrefix(key, parts)
		}
	}
	if len(actions) == 0 {
		return func() {}
	}
	dirLocks.Lock(key)
	return func() {
		dirLocks.Unlock(key)
	}
}

func commonPrefix(a, b []string) []string {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return a[:n]
}
