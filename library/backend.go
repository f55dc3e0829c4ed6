package library

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

type RowKind uint8

const (
	ItemRow RowKind = iota
	AlbumRow
)

func (k RowKind) String() string {
	if k == AlbumRow {
		return "album"
	}
	return "item"
}

// Row is the storage form of an item or album. Attrs hold serialised values of stored attributes.
type Row struct {
	Kind    RowKind
	ID      int64
	AlbumID int64
	Version int64
	Attrs   map[string]string
}

// LoadQuery selects rows of one kind. No IDs selects all of them.
type LoadQuery struct {
	Kind RowKind
	IDs  []int64
}

// Change writes or deletes one row. Prev is the version the change was based on, zero for new rows.
type Change struct {
	Row    Row
	Prev   int64
	Delete bool
}

type Changeset struct {
	Changes []Change
}

// Backend is the durable storage under a library. Commit must apply all changes or none, and
// return ErrConflict if any row's stored version isn't the change's Prev.
type Backend interface {
	Load(ctx context.Context, q LoadQuery) ([]Row, error)
	Commit(ctx context.Context, cs *Changeset) error
}

// MemoryBackend keeps rows in memory. It's useful for tests and dry runs.
type MemoryBackend struct {
	mu   sync.Mutex
	rows map[RowKind]map[int64]Row
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{rows: map[RowKind]map[int64]Row{
		ItemRow:  {},
		AlbumRow: {},
	}}
}

func (m *MemoryBackend) Load(ctx context.Context, q LoadQuery) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := m.rows[q.Kind]
	var rows []Row
	if len(q.IDs) == 0 {
		for _, r := range table {
			rows = append(rows, cloneRow(r))
		}
	} else {
		for _, id := range q.IDs {
			if r, ok := table[id]; ok {
				rows = append(rows, cloneRow(r))
			}
		}
	}
	slices.SortFunc(rows, func(a, b Row) int { return cmp.Compare(a.ID, b.ID) })
	return rows, nil
}

func (m *MemoryBackend) Commit(ctx context.Context, cs *Changeset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range cs.Changes {
		cur, ok := m.rows[c.Row.Kind][c.Row.ID]
		var version int64
		if ok {
			version = cur.Version
		}
		if version != c.Prev {
			return fmt.Errorf("%w: %s %d at version %d, expected %d", ErrConflict, c.Row.Kind, c.Row.ID, version, c.Prev)
		}
	}
	for _, c := range cs.Changes {
		if c.Delete {
			delete(m.rows[c.Row.Kind], c.Row.ID)
			continue
		}
		m.rows[c.Row.Kind][c.Row.ID] = cloneRow(c.Row)
	}
	return nil
}

func cloneRow(r Row) Row {
	r.Attrs = maps.Clone(r.Attrs)
	return r
}
