// Package addon runs extra processing on items after an import is committed.
package addon

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.senan.xyz/shelf/library"
)

// Addon represents a plugin that can process items after the main import operation.
type Addon interface {
	// ProcessItems is called with the committed items of an import, at their final paths.
	ProcessItems(context.Context, []*library.Item) error
}

var registry = map[string]func(conf string) (Addon, error){}
var registryMu sync.Mutex

// Register adds an addon to the global addon registry
func Register[A Addon](name string, addn func(conf string) (A, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, ok := registry[name]; ok {
		panic(fmt.Errorf("addon %q already registered", name))
	}

	registry[name] = func(conf string) (Addon, error) {
		return addn(conf)
	}
}

// New initialises a new addon from the registry with the provided conf.
func New(name string, conf string) (Addon, error) {
	registryMu.Lock()
	newAddon, ok := registry[name]
	registryMu.Unlock()

	if !ok {
		return nil, fmt.Errorf("addon %q not found", name)
	}

	addn, err := newAddon(conf)
	if err != nil {
		return nil, err
	}
	return addn, nil
}

func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()

	var names []string
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func init() {
	Register("subproc", NewSubprocAddon)
}
