// ABOUTME: Immutable namespace table mapping external identifiers to backends.
// ABOUTME: Built once per profile swap or inventory change, then read without locks.

package namespace

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/itsharex/mcpm.sh/internal/registry"
)

// ErrDuplicateExternalID indicates two entries collapsed onto the same
// external identifier. Aliases are unique per profile and names unique per
// backend, so this only happens with a misbehaving backend.
var ErrDuplicateExternalID = errors.New("duplicate external identifier")

// Join builds the external identifier for an original name under an alias.
func Join(alias, original string) string {
	return alias + registry.Separator + original
}

// Split cuts an external identifier into alias and original name. The
// original may itself contain the separator (resource URIs do), so only the
// first occurrence splits.
func Split(external string) (alias, original string, ok bool) {
	return strings.Cut(external, registry.Separator)
}

// Entry records where an external identifier routes.
type Entry struct {
	Backend  string
	Original string
}

// Inventory is one backend's contribution to the table.
type Inventory struct {
	Alias     string
	Tools     []mcp.Tool
	Prompts   []mcp.Prompt
	Resources []mcp.Resource
}

// Table maps external identifiers to backend entries and carries the
// renamed aggregate lists served to clients. A Table is never mutated after
// Build; swaps install a fresh one.
type Table struct {
	tools     map[string]Entry
	prompts   map[string]Entry
	resources map[string]Entry

	toolList     []mcp.Tool
	promptList   []mcp.Prompt
	resourceList []mcp.Resource
}

// Empty returns a table with no entries, used before any profile is active.
func Empty() *Table {
	return &Table{
		tools:     map[string]Entry{},
		prompts:   map[string]Entry{},
		resources: map[string]Entry{},
	}
}

// Build constructs the table from per-backend inventories. Aggregate list
// order follows inventory order, which follows profile declaration order.
func Build(inventories []Inventory) (*Table, error) {
	t := Empty()
	for _, inv := range inventories {
		for _, tool := range inv.Tools {
			ext := Join(inv.Alias, tool.Name)
			if _, dup := t.tools[ext]; dup {
				return nil, fmt.Errorf("%w: tool %q", ErrDuplicateExternalID, ext)
			}
			t.tools[ext] = Entry{Backend: inv.Alias, Original: tool.Name}
			renamed := tool
			renamed.Name = ext
			t.toolList = append(t.toolList, renamed)
		}
		for _, prompt := range inv.Prompts {
			ext := Join(inv.Alias, prompt.Name)
			if _, dup := t.prompts[ext]; dup {
				return nil, fmt.Errorf("%w: prompt %q", ErrDuplicateExternalID, ext)
			}
			t.prompts[ext] = Entry{Backend: inv.Alias, Original: prompt.Name}
			renamed := prompt
			renamed.Name = ext
			t.promptList = append(t.promptList, renamed)
		}
		for _, res := range inv.Resources {
			ext := Join(inv.Alias, res.URI)
			if _, dup := t.resources[ext]; dup {
				return nil, fmt.Errorf("%w: resource %q", ErrDuplicateExternalID, ext)
			}
			t.resources[ext] = Entry{Backend: inv.Alias, Original: res.URI}
			renamed := res
			renamed.URI = ext
			t.resourceList = append(t.resourceList, renamed)
		}
	}
	return t, nil
}

// ResolveTool looks up a tool by its external name.
func (t *Table) ResolveTool(external string) (Entry, bool) {
	e, ok := t.tools[external]
	return e, ok
}

// ResolvePrompt looks up a prompt by its external name.
func (t *Table) ResolvePrompt(external string) (Entry, bool) {
	e, ok := t.prompts[external]
	return e, ok
}

// ResolveResource looks up a resource by its external URI.
func (t *Table) ResolveResource(external string) (Entry, bool) {
	e, ok := t.resources[external]
	return e, ok
}

// Tools returns the renamed aggregate tool list.
func (t *Table) Tools() []mcp.Tool {
	out := make([]mcp.Tool, len(t.toolList))
	copy(out, t.toolList)
	return out
}

// Prompts returns the renamed aggregate prompt list.
func (t *Table) Prompts() []mcp.Prompt {
	out := make([]mcp.Prompt, len(t.promptList))
	copy(out, t.promptList)
	return out
}

// Resources returns the renamed aggregate resource list.
func (t *Table) Resources() []mcp.Resource {
	out := make([]mcp.Resource, len(t.resourceList))
	copy(out, t.resourceList)
	return out
}

// Size reports entry counts for status output.
func (t *Table) Size() (tools, prompts, resources int) {
	return len(t.toolList), len(t.promptList), len(t.resourceList)
}
