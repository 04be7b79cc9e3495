// ABOUTME: Tests for profile resolution and running-set diffing.
// ABOUTME: Covers validation failures, duplicate aliases, and add/remove/keep classification.

package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsharex/mcpm.sh/internal/registry"
)

func stdioDef(alias string) registry.ServerDefinition {
	return registry.ServerDefinition{
		Alias:     alias,
		Transport: registry.TransportStdio,
		Command:   "mcp-server-" + alias,
	}
}

func TestResolve(t *testing.T) {
	t.Run("preserves declaration order", func(t *testing.T) {
		spec := registry.ProfileSpec{
			Name:    "dev",
			Servers: []registry.ServerDefinition{stdioDef("fs"), stdioDef("git"), stdioDef("db")},
		}

		defs, err := Resolve(spec)
		require.NoError(t, err)
		require.Len(t, defs, 3)
		assert.Equal(t, "fs", defs[0].Alias)
		assert.Equal(t, "git", defs[1].Alias)
		assert.Equal(t, "db", defs[2].Alias)
	})

	t.Run("rejects empty profile name", func(t *testing.T) {
		_, err := Resolve(registry.ProfileSpec{})
		assert.ErrorIs(t, err, ErrEmptyProfile)
	})

	t.Run("rejects duplicate aliases before anything starts", func(t *testing.T) {
		spec := registry.ProfileSpec{
			Name:    "dev",
			Servers: []registry.ServerDefinition{stdioDef("fs"), stdioDef("fs")},
		}
		_, err := Resolve(spec)
		assert.ErrorIs(t, err, ErrDuplicateAlias)
	})

	t.Run("rejects invalid definitions", func(t *testing.T) {
		spec := registry.ProfileSpec{
			Name:    "dev",
			Servers: []registry.ServerDefinition{{Alias: "fs", Transport: registry.TransportStdio}},
		}
		_, err := Resolve(spec)
		assert.ErrorIs(t, err, registry.ErrMissingCommand)
	})
}

func TestCompute(t *testing.T) {
	t.Run("classifies added removed kept", func(t *testing.T) {
		running := []string{"fs", "git"}
		next := []registry.ServerDefinition{stdioDef("fs"), stdioDef("db")}

		d := Compute(running, next)

		require.Len(t, d.Added, 1)
		assert.Equal(t, "db", d.Added[0].Alias)
		assert.Equal(t, []string{"git"}, d.Removed)
		assert.Equal(t, []string{"fs"}, d.Kept)
	})

	t.Run("empty running set adds everything", func(t *testing.T) {
		d := Compute(nil, []registry.ServerDefinition{stdioDef("fs")})
		require.Len(t, d.Added, 1)
		assert.Empty(t, d.Removed)
		assert.Empty(t, d.Kept)
	})

	t.Run("empty next set removes everything", func(t *testing.T) {
		d := Compute([]string{"fs", "git"}, nil)
		assert.Empty(t, d.Added)
		assert.Equal(t, []string{"fs", "git"}, d.Removed)
	})
}
