package provider_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.senan.xyz/shelf/match"
	"go.senan.xyz/shelf/provider"
)

func TestRegistry(t *testing.T) {
	provider.Register("test-static", func(conf string) (provider.Func, error) {
		if conf == "" {
			return provider.Func{}, errors.New("need a title")
		}
		return provider.Func{ID: "static", Fn: func(ctx context.Context, _ match.Release) ([]match.Candidate, error) {
			return []match.Candidate{{Release: match.Release{Title: conf}}}, nil
		}}, nil
	})
	assert.Panics(t, func() {
		provider.Register("test-static", func(string) (provider.Func, error) { return provider.Func{}, nil })
	})
	assert.Contains(t, provider.Names(), "test-static")

	p, err := provider.New("test-static", "Xtal")
	require.NoError(t, err)
	cands, err := p.Lookup(t.Context(), match.Release{})
	require.NoError(t, err)
	assert.Equal(t, "Xtal", cands[0].Title)

	_, err = provider.New("test-static", "")
	assert.Error(t, err)
	_, err = provider.New("nope", "")
	assert.Error(t, err)
}

func TestOutcomes(t *testing.T) {
	t.Parallel()

	base := errors.New("503")
	assert.True(t, provider.IsTransient(provider.Transient(base)))
	assert.ErrorIs(t, provider.Transient(base), base)
	assert.False(t, provider.IsTransient(provider.Permanent(base)))
	assert.ErrorIs(t, provider.Permanent(base), provider.ErrPermanent)
}
