// Package provider is the contract between the import pipeline and metadata sources.
package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.senan.xyz/shelf/match"
)

var (
	// ErrTransient failures are worth retrying, such as timeouts or rate limiting.
	ErrTransient = errors.New("transient provider failure")
	// ErrPermanent failures are not, such as a rejected query.
	ErrPermanent = errors.New("permanent provider failure")
)

// Provider looks up candidate releases for local items. Lookup is called on a scheduler call, so
// network I/O should go through a client wrapped with clientutil.WithSuspend.
//
// A lookup with no candidates returns nil, nil. Failures should wrap ErrTransient or ErrPermanent,
// anything else is treated as permanent.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, local match.Release) ([]match.Candidate, error)
}

func Transient(err error) error { return fmt.Errorf("%w: %w", ErrTransient, err) }
func Permanent(err error) error { return fmt.Errorf("%w: %w", ErrPermanent, err) }

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

var registry = map[string]func(conf string) (Provider, error){}
var registryMu sync.Mutex

// Register adds a provider to the global provider registry.
func Register[P Provider](name string, newProvider func(conf string) (P, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, ok := registry[name]; ok {
		panic(fmt.Errorf("provider %q already registered", name))
	}
	registry[name] = func(conf string) (Provider, error) {
		return newProvider(conf)
	}
}

// New initialises a provider from the registry with the provided conf.
func New(name string, conf string) (Provider, error) {
	registryMu.Lock()
	newProvider, ok := registry[name]
	registryMu.Unlock()

	if !ok {
		return nil, fmt.Errorf("provider %q not found", name)
	}
	p, err := newProvider(conf)
	if err != nil {
		return nil, fmt.Errorf("init %q: %w", name, err)
	}
	return p, nil
}

// Names lists the registered providers, sorted.
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

// Func adapts a function to a Provider.
type Func struct {
	ID string
	Fn func(ctx context.Context, local match.Release) ([]match.Candidate, error)
}

func (f Func) Name() string { return f.ID }
func (f Func) Lookup(ctx context.Context, local match.Release) ([]match.Candidate, error) {
	return f.Fn(ctx, local)
}
