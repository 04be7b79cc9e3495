// ABOUTME: Tests for server definition validation.
// ABOUTME: Covers alias rules and per-transport required fields.

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     ServerDefinition
		wantErr error
	}{
		{
			name: "valid stdio",
			def:  ServerDefinition{Alias: "fs", Transport: TransportStdio, Command: "mcp-server-fs"},
		},
		{
			name: "valid sse",
			def:  ServerDefinition{Alias: "remote", Transport: TransportSSE, URL: "http://localhost:9000/sse"},
		},
		{
			name: "valid streamable http",
			def:  ServerDefinition{Alias: "web", Transport: TransportStreamableHTTP, URL: "http://localhost:9001/mcp"},
		},
		{
			name:    "empty alias",
			def:     ServerDefinition{Transport: TransportStdio, Command: "x"},
			wantErr: ErrEmptyAlias,
		},
		{
			name:    "alias with separator",
			def:     ServerDefinition{Alias: "fs:local", Transport: TransportStdio, Command: "x"},
			wantErr: ErrReservedAlias,
		},
		{
			name:    "stdio without command",
			def:     ServerDefinition{Alias: "fs", Transport: TransportStdio},
			wantErr: ErrMissingCommand,
		},
		{
			name:    "sse without url",
			def:     ServerDefinition{Alias: "remote", Transport: TransportSSE},
			wantErr: ErrMissingURL,
		},
		{
			name:    "unknown transport",
			def:     ServerDefinition{Alias: "fs", Transport: "websocket"},
			wantErr: ErrUnknownTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
