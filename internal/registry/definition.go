// ABOUTME: Immutable server definitions and profile specs supplied by the control plane.
// ABOUTME: Validates aliases, transports, and launch parameters before the router uses them.

package registry

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins a backend alias and an original identifier into the
// router-global external identifier (for example "fs:read"). Aliases may not
// contain it.
const Separator = ":"

// Transport identifies how the router reaches a backend server.
type Transport string

const (
	// TransportStdio launches the backend as a local child process speaking
	// the framed protocol over its standard streams.
	TransportStdio Transport = "stdio"

	// TransportSSE connects to a remote backend over an SSE stream.
	TransportSSE Transport = "sse"

	// TransportStreamableHTTP connects to a remote backend over the
	// Streamable HTTP transport.
	TransportStreamableHTTP Transport = "streamable-http"
)

// Validation errors.
var (
	ErrEmptyAlias       = errors.New("server alias is empty")
	ErrReservedAlias    = errors.New("server alias contains reserved separator")
	ErrUnknownTransport = errors.New("unknown transport")
	ErrMissingCommand   = errors.New("stdio transport requires a command")
	ErrMissingURL       = errors.New("remote transport requires a url")
)

// ServerDefinition describes one backend MCP server. The router treats it as
// immutable: definitions come from the external registry/config collaborator
// and are never modified in place.
type ServerDefinition struct {
	Alias     string            `yaml:"alias" json:"alias"`
	Transport Transport         `yaml:"transport" json:"transport"`
	Command   string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL       string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// Validate checks that the definition is complete enough to start.
func (d ServerDefinition) Validate() error {
	if strings.TrimSpace(d.Alias) == "" {
		return ErrEmptyAlias
	}
	if strings.Contains(d.Alias, Separator) {
		return fmt.Errorf("%w (%q): alias %q", ErrReservedAlias, Separator, d.Alias)
	}

	switch d.Transport {
	case TransportStdio:
		if strings.TrimSpace(d.Command) == "" {
			return fmt.Errorf("%w: server %q", ErrMissingCommand, d.Alias)
		}
	case TransportSSE, TransportStreamableHTTP:
		if strings.TrimSpace(d.URL) == "" {
			return fmt.Errorf("%w: server %q", ErrMissingURL, d.Alias)
		}
	default:
		return fmt.Errorf("%w: server %q has transport %q", ErrUnknownTransport, d.Alias, d.Transport)
	}
	return nil
}

// ProfileSpec is a named, ordered set of server definitions. It is the payload
// of an activate call: the external collaborator resolves profile membership
// and hands the router a snapshot, so the router never reads registry files.
type ProfileSpec struct {
	Name    string             `yaml:"name" json:"name"`
	Servers []ServerDefinition `yaml:"servers" json:"servers"`
}
