// ABOUTME: Resolves a profile spec into the ordered backend set the router should run.
// ABOUTME: Validates definitions, rejects duplicate aliases, and diffs against the running set.

package profile

import (
	"errors"
	"fmt"

	"github.com/itsharex/mcpm.sh/internal/registry"
)

// ErrDuplicateAlias indicates two definitions in the same profile share an
// alias. Activation fails before any backend is started.
var ErrDuplicateAlias = errors.New("duplicate server alias in profile")

// ErrEmptyProfile indicates the profile spec has no name.
var ErrEmptyProfile = errors.New("profile name is empty")

// Resolve validates a profile spec and returns its server definitions in
// declaration order. It is a pure function of the spec snapshot: the router
// calls it once per activate and never observes later external mutations.
func Resolve(spec registry.ProfileSpec) ([]registry.ServerDefinition, error) {
	if spec.Name == "" {
		return nil, ErrEmptyProfile
	}

	seen := make(map[string]struct{}, len(spec.Servers))
	out := make([]registry.ServerDefinition, 0, len(spec.Servers))
	for _, def := range spec.Servers {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("profile %q: %w", spec.Name, err)
		}
		if _, dup := seen[def.Alias]; dup {
			return nil, fmt.Errorf("%w: %q in profile %q", ErrDuplicateAlias, def.Alias, spec.Name)
		}
		seen[def.Alias] = struct{}{}
		out = append(out, def)
	}
	return out, nil
}

// Diff compares the currently running backend aliases against the next
// definition set and reports what a swap has to do.
type Diff struct {
	Added   []registry.ServerDefinition
	Removed []string
	Kept    []string
}

// Compute builds the diff between the running aliases and the next set.
// Order follows the next set for additions and the running order for removals.
func Compute(running []string, next []registry.ServerDefinition) Diff {
	current := make(map[string]struct{}, len(running))
	for _, alias := range running {
		current[alias] = struct{}{}
	}
	nextSet := make(map[string]struct{}, len(next))

	var d Diff
	for _, def := range next {
		nextSet[def.Alias] = struct{}{}
		if _, ok := current[def.Alias]; ok {
			d.Kept = append(d.Kept, def.Alias)
		} else {
			d.Added = append(d.Added, def)
		}
	}
	for _, alias := range running {
		if _, ok := nextSet[alias]; !ok {
			d.Removed = append(d.Removed, alias)
		}
	}
	return d
}
