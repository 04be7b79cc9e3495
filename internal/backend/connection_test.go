// ABOUTME: Tests for the backend connection lifecycle and call forwarding.
// ABOUTME: Uses a fake client so no real processes or sockets are involved.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsharex/mcpm.sh/internal/registry"
)

// fakeClient satisfies Client with programmable behavior.
type fakeClient struct {
	mu sync.Mutex

	initErr  error
	listErr  error
	tools    [][]mcp.Tool // one slice per page
	prompts  []mcp.Prompt
	callFn   func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	pingErr  error
	closed   bool
	notifyFn func(mcp.JSONRPCNotification)
}

func (f *fakeClient) Initialize(_ context.Context, _ mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	capsJSON := `{"tools":{"listChanged":true}}`
	if len(f.prompts) > 0 {
		capsJSON = `{"tools":{"listChanged":true},"prompts":{}}`
	}
	res := &mcp.InitializeResult{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		ServerInfo:      mcp.Implementation{Name: "fake-server", Version: "0.1.0"},
	}
	if err := json.Unmarshal([]byte(capsJSON), &res.Capabilities); err != nil {
		return nil, err
	}
	return res, nil
}

func (f *fakeClient) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeClient) ListTools(_ context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	page := 0
	if req.Params.Cursor != "" {
		fmt.Sscanf(string(req.Params.Cursor), "page-%d", &page)
	}
	if page >= len(f.tools) {
		return &mcp.ListToolsResult{}, nil
	}
	res := &mcp.ListToolsResult{Tools: f.tools[page]}
	if page+1 < len(f.tools) {
		res.NextCursor = mcp.Cursor(fmt.Sprintf("page-%d", page+1))
	}
	return res, nil
}

func (f *fakeClient) ListPrompts(_ context.Context, _ mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error) {
	return &mcp.ListPromptsResult{Prompts: f.prompts}, nil
}

func (f *fakeClient) ListResources(_ context.Context, _ mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error) {
	return &mcp.ListResourcesResult{}, nil
}

func (f *fakeClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if f.callFn != nil {
		return f.callFn(ctx, req)
	}
	return mcp.NewToolResultText("ok"), nil
}

func (f *fakeClient) GetPrompt(_ context.Context, _ mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}

func (f *fakeClient) ReadResource(_ context.Context, _ mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeClient) Subscribe(_ context.Context, _ mcp.SubscribeRequest) error   { return nil }
func (f *fakeClient) Unsubscribe(_ context.Context, _ mcp.UnsubscribeRequest) error { return nil }

func (f *fakeClient) OnNotification(h func(mcp.JSONRPCNotification)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyFn = h
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeClient) fireNotification(method string) {
	f.mu.Lock()
	h := f.notifyFn
	f.mu.Unlock()
	if h != nil {
		n := mcp.JSONRPCNotification{}
		n.Method = method
		h(n)
	}
}

func testConn(t *testing.T, fake *fakeClient, events chan<- Event) *Connection {
	t.Helper()
	return New(Config{
		Definition: registry.ServerDefinition{
			Alias:     "fs",
			Transport: registry.TransportStdio,
			Command:   "mcp-server-fs",
		},
		Factory: func(_ context.Context, _ registry.ServerDefinition) (Client, error) {
			return fake, nil
		},
		Events: events,
	})
}

func TestConnectionStart(t *testing.T) {
	t.Run("handshake then inventory then ready", func(t *testing.T) {
		fake := &fakeClient{tools: [][]mcp.Tool{{{Name: "read"}, {Name: "write"}}}}
		conn := testConn(t, fake, nil)

		require.NoError(t, conn.Start(context.Background()))
		defer conn.Stop(context.Background())

		assert.Equal(t, StateReady, conn.State())
		tools := conn.Tools()
		require.Len(t, tools, 2)
		assert.Equal(t, "read", tools[0].Name)

		h := conn.Health()
		assert.Equal(t, "fake-server", h.Server)
		assert.Equal(t, 2, h.Tools)
	})

	t.Run("follows pagination cursors", func(t *testing.T) {
		fake := &fakeClient{tools: [][]mcp.Tool{
			{{Name: "a"}, {Name: "b"}},
			{{Name: "c"}},
		}}
		conn := testConn(t, fake, nil)

		require.NoError(t, conn.Start(context.Background()))
		defer conn.Stop(context.Background())

		assert.Len(t, conn.Tools(), 3)
	})

	t.Run("handshake failure wraps ErrStart and degrades", func(t *testing.T) {
		fake := &fakeClient{initErr: errors.New("boom")}
		conn := testConn(t, fake, nil)

		err := conn.Start(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStart)
		// The connection stays visible as degraded so health reporting
		// covers it and a supervisor may retry.
		assert.Equal(t, StateDegraded, conn.State())
		assert.NotEmpty(t, conn.Health().LastError)
		assert.True(t, fake.isClosed())
	})

	t.Run("degraded start failure can be retried", func(t *testing.T) {
		fake := &fakeClient{initErr: errors.New("boom"), tools: [][]mcp.Tool{{{Name: "read"}}}}
		conn := testConn(t, fake, nil)

		require.Error(t, conn.Start(context.Background()))

		fake.initErr = nil
		require.NoError(t, conn.Start(context.Background()))
		defer conn.Stop(context.Background())
		assert.Equal(t, StateReady, conn.State())
	})

	t.Run("inventory failure tears down the client", func(t *testing.T) {
		fake := &fakeClient{listErr: errors.New("no tools for you")}
		conn := testConn(t, fake, nil)

		err := conn.Start(context.Background())
		require.ErrorIs(t, err, ErrStart)
		assert.True(t, fake.isClosed())
	})

	t.Run("cannot start twice", func(t *testing.T) {
		fake := &fakeClient{tools: [][]mcp.Tool{{{Name: "read"}}}}
		conn := testConn(t, fake, nil)

		require.NoError(t, conn.Start(context.Background()))
		defer conn.Stop(context.Background())

		assert.ErrorIs(t, conn.Start(context.Background()), ErrStart)
	})
}

func TestConnectionCallTool(t *testing.T) {
	t.Run("forwards call and returns result", func(t *testing.T) {
		var gotName string
		fake := &fakeClient{
			tools: [][]mcp.Tool{{{Name: "read"}}},
			callFn: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				gotName = req.Params.Name
				return mcp.NewToolResultText("contents"), nil
			},
		}
		conn := testConn(t, fake, nil)
		require.NoError(t, conn.Start(context.Background()))
		defer conn.Stop(context.Background())

		res, err := conn.CallTool(context.Background(), "read", map[string]any{"path": "/tmp/x"}, time.Second)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, "read", gotName)
	})

	t.Run("slow backend yields ErrTimeout", func(t *testing.T) {
		fake := &fakeClient{
			tools: [][]mcp.Tool{{{Name: "read"}}},
			callFn: func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
		conn := testConn(t, fake, nil)
		require.NoError(t, conn.Start(context.Background()))
		defer conn.Stop(context.Background())

		_, err := conn.CallTool(context.Background(), "read", nil, 20*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
		// A timeout is not a health verdict.
		assert.Equal(t, StateReady, conn.State())
	})

	t.Run("not ready yields ErrUnavailable", func(t *testing.T) {
		fake := &fakeClient{tools: [][]mcp.Tool{{{Name: "read"}}}}
		conn := testConn(t, fake, nil)

		_, err := conn.CallTool(context.Background(), "read", nil, time.Second)
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("malformed reply yields ErrProtocol and degrades", func(t *testing.T) {
		fake := &fakeClient{
			tools: [][]mcp.Tool{{{Name: "read"}}},
			callFn: func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return nil, fmt.Errorf("decoding response: %w", &json.SyntaxError{Offset: 12})
			},
		}
		conn := testConn(t, fake, nil)
		require.NoError(t, conn.Start(context.Background()))
		defer conn.Stop(context.Background())

		_, err := conn.CallTool(context.Background(), "read", nil, time.Second)
		assert.ErrorIs(t, err, ErrProtocol)
		assert.Equal(t, StateDegraded, conn.State())
	})
}

func TestConnectionAwaitIdle(t *testing.T) {
	release := make(chan struct{})
	fake := &fakeClient{
		tools: [][]mcp.Tool{{{Name: "read"}}},
		callFn: func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			select {
			case <-release:
				return mcp.NewToolResultText("done"), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	conn := testConn(t, fake, nil)
	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := conn.CallTool(context.Background(), "read", nil, time.Minute)
		errc <- err
	}()

	require.Eventually(t, func() bool { return conn.InFlight() == 1 }, 2*time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn.AwaitIdle(ctx)

	assert.Equal(t, 0, conn.InFlight())
	require.NoError(t, <-errc)
}

func TestConnectionStop(t *testing.T) {
	fake := &fakeClient{tools: [][]mcp.Tool{{{Name: "read"}}}}
	events := make(chan Event, 16)
	conn := testConn(t, fake, events)

	require.NoError(t, conn.Start(context.Background()))
	require.NoError(t, conn.Stop(context.Background()))

	assert.Equal(t, StateStopped, conn.State())
	assert.True(t, fake.isClosed())

	// Stop is idempotent.
	assert.NoError(t, conn.Stop(context.Background()))

	_, err := conn.CallTool(context.Background(), "read", nil, time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestConnectionInventoryRefresh(t *testing.T) {
	fake := &fakeClient{tools: [][]mcp.Tool{{{Name: "read"}}}}
	events := make(chan Event, 16)
	conn := testConn(t, fake, events)

	require.NoError(t, conn.Start(context.Background()))
	defer conn.Stop(context.Background())

	fake.mu.Lock()
	fake.tools = [][]mcp.Tool{{{Name: "read"}, {Name: "write"}}}
	fake.mu.Unlock()
	fake.fireNotification("notifications/tools/list_changed")

	require.Eventually(t, func() bool {
		return len(conn.Tools()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// The supervisor hears about the change so it can rebuild routing.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventInventoryChanged {
				assert.Equal(t, "fs", ev.Alias)
				return
			}
		case <-deadline:
			t.Fatal("no inventory_changed event received")
		}
	}
}

func TestConnectionEvents(t *testing.T) {
	fake := &fakeClient{tools: [][]mcp.Tool{{{Name: "read"}}}}
	events := make(chan Event, 16)
	conn := testConn(t, fake, events)

	require.NoError(t, conn.Start(context.Background()))
	require.NoError(t, conn.Stop(context.Background()))

	var states []State
	for len(events) > 0 {
		ev := <-events
		if ev.Kind == EventStateChanged {
			states = append(states, ev.State)
		}
	}
	assert.Equal(t, []State{StateStarting, StateReady, StateStopping, StateStopped}, states)
}
