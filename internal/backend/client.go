// ABOUTME: Narrow MCP client surface and transport construction for backend servers.
// ABOUTME: Normalizes stdio, SSE, and streamable HTTP backends behind one interface.

package backend

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/itsharex/mcpm.sh/internal/registry"
)

// Client is the subset of the MCP client the connection needs. Defined here
// so tests can fake a backend without a real transport; *client.Client
// satisfies it.
type Client interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	Ping(ctx context.Context) error
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	ListPrompts(ctx context.Context, request mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	ListResources(ctx context.Context, request mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	GetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	ReadResource(ctx context.Context, request mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error)
	Subscribe(ctx context.Context, request mcp.SubscribeRequest) error
	Unsubscribe(ctx context.Context, request mcp.UnsubscribeRequest) error
	OnNotification(handler func(notification mcp.JSONRPCNotification))
	Close() error
}

// ClientFactory builds a started MCP client for a server definition. The
// returned client is connected at the transport level but not yet initialized.
type ClientFactory func(ctx context.Context, def registry.ServerDefinition) (Client, error)

// NewClient is the default factory. Stdio backends are spawned as child
// processes; network backends are dialed and started.
func NewClient(ctx context.Context, def registry.ServerDefinition) (Client, error) {
	switch def.Transport {
	case registry.TransportStdio:
		env := make([]string, 0, len(def.Env))
		for k, v := range def.Env {
			env = append(env, k+"="+v)
		}
		c, err := client.NewStdioMCPClient(def.Command, env, def.Args...)
		if err != nil {
			return nil, fmt.Errorf("spawning %q: %w", def.Command, err)
		}
		return c, nil

	case registry.TransportSSE:
		var opts []transport.ClientOption
		if len(def.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(def.Headers))
		}
		c, err := client.NewSSEMCPClient(def.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating sse client for %s: %w", def.URL, err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", def.URL, err)
		}
		return c, nil

	case registry.TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(def.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(def.Headers))
		}
		c, err := client.NewStreamableHttpClient(def.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating streamable http client for %s: %w", def.URL, err)
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", def.URL, err)
		}
		return c, nil

	default:
		return nil, fmt.Errorf("%w: %q", registry.ErrUnknownTransport, def.Transport)
	}
}
