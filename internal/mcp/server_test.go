// ABOUTME: Tests for the client-facing MCP endpoint over a live router with stubbed backends.
// ABOUTME: Covers the handshake, session rules, namespaced dispatch, and error code mapping.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsharex/mcpm.sh/internal/backend"
	"github.com/itsharex/mcpm.sh/internal/registry"
	"github.com/itsharex/mcpm.sh/internal/router"
	"github.com/itsharex/mcpm.sh/internal/session"
)

// echoClient is a stub backend.Client that records tool calls.
type echoClient struct {
	tools []mcptypes.Tool

	mu    sync.Mutex
	calls []string
}

func (e *echoClient) Initialize(_ context.Context, _ mcptypes.InitializeRequest) (*mcptypes.InitializeResult, error) {
	res := &mcptypes.InitializeResult{
		ProtocolVersion: mcptypes.LATEST_PROTOCOL_VERSION,
		ServerInfo:      mcptypes.Implementation{Name: "echo"},
	}
	if err := json.Unmarshal([]byte(`{"tools":{}}`), &res.Capabilities); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *echoClient) Ping(_ context.Context) error { return nil }

func (e *echoClient) ListTools(_ context.Context, _ mcptypes.ListToolsRequest) (*mcptypes.ListToolsResult, error) {
	return &mcptypes.ListToolsResult{Tools: e.tools}, nil
}

func (e *echoClient) ListPrompts(_ context.Context, _ mcptypes.ListPromptsRequest) (*mcptypes.ListPromptsResult, error) {
	return &mcptypes.ListPromptsResult{}, nil
}

func (e *echoClient) ListResources(_ context.Context, _ mcptypes.ListResourcesRequest) (*mcptypes.ListResourcesResult, error) {
	return &mcptypes.ListResourcesResult{}, nil
}

func (e *echoClient) CallTool(_ context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
	e.mu.Lock()
	e.calls = append(e.calls, req.Params.Name)
	e.mu.Unlock()
	return mcptypes.NewToolResultText("echo:" + req.Params.Name), nil
}

func (e *echoClient) GetPrompt(_ context.Context, _ mcptypes.GetPromptRequest) (*mcptypes.GetPromptResult, error) {
	return &mcptypes.GetPromptResult{}, nil
}

func (e *echoClient) ReadResource(_ context.Context, _ mcptypes.ReadResourceRequest) (*mcptypes.ReadResourceResult, error) {
	return &mcptypes.ReadResourceResult{}, nil
}

func (e *echoClient) Subscribe(_ context.Context, _ mcptypes.SubscribeRequest) error     { return nil }
func (e *echoClient) Unsubscribe(_ context.Context, _ mcptypes.UnsubscribeRequest) error { return nil }
func (e *echoClient) OnNotification(_ func(mcptypes.JSONRPCNotification))                {}
func (e *echoClient) Close() error                                                       { return nil }

func (e *echoClient) calledWith() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	copy(out, e.calls)
	return out
}

type testEnv struct {
	server  *Server
	router  *router.Router
	clients map[string]*echoClient
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	clients := map[string]*echoClient{
		"fs":  {tools: []mcptypes.Tool{{Name: "read"}, {Name: "write"}}},
		"git": {tools: []mcptypes.Tool{{Name: "log"}}},
	}
	r := router.New(router.Config{
		Factory: func(_ context.Context, def registry.ServerDefinition) (backend.Client, error) {
			return clients[def.Alias], nil
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})

	_, err := r.Activate(context.Background(), registry.ProfileSpec{
		Name: "dev",
		Servers: []registry.ServerDefinition{
			{Alias: "fs", Transport: registry.TransportStdio, Command: "mcp-server-fs"},
			{Alias: "git", Transport: registry.TransportStdio, Command: "mcp-server-git"},
		},
	})
	require.NoError(t, err)

	cfg.Router = r
	cfg.Sessions = session.NewManager(nil)
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	return &testEnv{server: srv, router: r, clients: clients}
}

// post sends one JSON-RPC request and returns the recorder.
func (env *testEnv) post(t *testing.T, sessionID, body string, query ...string) *httptest.ResponseRecorder {
	t.Helper()
	url := "/mcp"
	if len(query) > 0 {
		url += "?" + query[0]
	}
	req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	rec := httptest.NewRecorder()
	env.server.handleMCP(rec, req)
	return rec
}

func (env *testEnv) initialize(t *testing.T) string {
	t.Helper()
	rec := env.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"test"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	sid := rec.Header().Get("Mcp-Session-Id")
	require.NotEmpty(t, sid)
	return sid
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) JSONRPCResponse {
	t.Helper()
	var resp JSONRPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestInitialize(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := env.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"claude"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Mcp-Session-Id"))

	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]any)
	assert.Equal(t, "2025-03-26", result["protocolVersion"])
	info := result["serverInfo"].(map[string]any)
	assert.Equal(t, "mcpm-router", info["name"])
}

func TestSessionRules(t *testing.T) {
	env := newTestEnv(t, Config{})

	t.Run("missing session id", func(t *testing.T) {
		rec := env.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown session id", func(t *testing.T) {
		rec := env.post(t, "nope", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("delete terminates the session", func(t *testing.T) {
		sid := env.initialize(t)

		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		req.Header.Set("Mcp-Session-Id", sid)
		rec := httptest.NewRecorder()
		env.server.handleMCP(rec, req)
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec2 := env.post(t, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
		assert.Equal(t, http.StatusNotFound, rec2.Code)
	})
}

func TestToolsListAndCall(t *testing.T) {
	env := newTestEnv(t, Config{})
	sid := env.initialize(t)

	rec := env.post(t, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	require.Nil(t, resp.Error)

	var listed struct {
		Tools []mcptypes.Tool `json:"tools"`
	}
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &listed))
	names := make([]string, len(listed.Tools))
	for i, tool := range listed.Tools {
		names[i] = tool.Name
	}
	assert.Equal(t, []string{"fs:read", "fs:write", "git:log"}, names)

	// Dispatch strips the alias prefix before the backend sees the call.
	rec = env.post(t, sid, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"fs:read","arguments":{"path":"/tmp/x"}}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeResponse(t, rec)
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{"read"}, env.clients["fs"].calledWith())

	rec = env.post(t, sid, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"git:log"}}`)
	resp = decodeResponse(t, rec)
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{"log"}, env.clients["git"].calledWith())
}

func TestDispatchErrors(t *testing.T) {
	env := newTestEnv(t, Config{})
	sid := env.initialize(t)

	t.Run("unknown tool maps to invalid params", func(t *testing.T) {
		rec := env.post(t, sid, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"db:query"}}`)
		resp := decodeResponse(t, rec)
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)

		// The error data names the taxonomy kind.
		data, ok := resp.Error.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "NotFound", data["kind"])
	})

	t.Run("missing name", func(t *testing.T) {
		rec := env.post(t, sid, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{}}`)
		resp := decodeResponse(t, rec)
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidParams, resp.Error.Code)
	})

	t.Run("unknown method", func(t *testing.T) {
		rec := env.post(t, sid, `{"jsonrpc":"2.0","id":7,"method":"sampling/createMessage"}`)
		resp := decodeResponse(t, rec)
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCMethodNotFound, resp.Error.Code)
	})
}

func TestNotificationsAccepted(t *testing.T) {
	env := newTestEnv(t, Config{})
	sid := env.initialize(t)

	rec := env.post(t, sid, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestPing(t *testing.T) {
	env := newTestEnv(t, Config{})
	sid := env.initialize(t)

	rec := env.post(t, sid, `{"jsonrpc":"2.0","id":9,"method":"ping"}`)
	resp := decodeResponse(t, rec)
	assert.Nil(t, resp.Error)
}

func TestShareKeyAuth(t *testing.T) {
	env := newTestEnv(t, Config{ShareKey: "sekrit", RequireAuth: true})

	t.Run("rejects missing key", func(t *testing.T) {
		rec := env.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects wrong key", func(t *testing.T) {
		rec := env.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, "s=wrong")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("accepts the share key", func(t *testing.T) {
		rec := env.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`, "s=sekrit")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestMalformedBodies(t *testing.T) {
	env := newTestEnv(t, Config{})

	t.Run("invalid json", func(t *testing.T) {
		rec := env.post(t, "", `{not json`)
		resp := decodeResponse(t, rec)
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCParseError, resp.Error.Code)
	})

	t.Run("wrong jsonrpc version", func(t *testing.T) {
		rec := env.post(t, "", `{"jsonrpc":"1.0","id":1,"method":"ping"}`)
		resp := decodeResponse(t, rec)
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidRequest, resp.Error.Code)
	})

	t.Run("oversized body", func(t *testing.T) {
		huge := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":%q}}`,
			bytes.Repeat([]byte("x"), MaxRequestBodySize))
		rec := env.post(t, "", huge)
		resp := decodeResponse(t, rec)
		require.NotNil(t, resp.Error)
		assert.Equal(t, JSONRPCInvalidRequest, resp.Error.Code)
	})
}
