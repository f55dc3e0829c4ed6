package addon

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"go.senan.xyz/shelf/attr"
	"go.senan.xyz/shelf/library"
)

// SubprocAddon runs a command after each import. The "<files>" argument expands to the item paths
// and "<album>" to the album ID.
type SubprocAddon struct {
	command string
	args    []string
}

func NewSubprocAddon(conf string) (SubprocAddon, error) {
	var a SubprocAddon
	parts, err := shlex.Split(conf)
	if err != nil {
		return SubprocAddon{}, err
	}
	if len(parts) == 0 {
		return SubprocAddon{}, fmt.Errorf("no command provided")
	}
	a.command = parts[0]
	a.args = parts[1:]
	return a, nil
}

const (
	markerFiles = "<files>"
	markerAlbum = "<album>"
)

func (s SubprocAddon) ProcessItems(ctx context.Context, items []*library.Item) error {
	var albumID int64
	var paths []string
	for _, it := range items {
		if p, _ := it.Get(attr.Path).(string); p != "" {
			paths = append(paths, p)
		}
		albumID = it.AlbumID
	}

	var args []string
	for _, arg := range s.args {
		switch arg {
		case markerFiles:
			args = append(args, paths...)
		case markerAlbum:
			args = append(args, strconv.FormatInt(albumID, 10))
		default:
			args = append(args, arg)
		}
	}

	cmd := exec.CommandContext(ctx, s.command, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("run cmd: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s SubprocAddon) String() string {
	args := fmt.Sprintf("%q", append([]string{s.command}, s.args...))
	args = strings.TrimPrefix(args, "[")
	args = strings.TrimSuffix(args, "]")
	return fmt.Sprintf("subproc (%s)", args)
}
