// ABOUTME: MCP-compatible HTTP endpoint for clients like Claude Code and Cursor.
// ABOUTME: Implements Streamable HTTP transport with session management over the router.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"github.com/itsharex/mcpm.sh/internal/backend"
	"github.com/itsharex/mcpm.sh/internal/router"
	"github.com/itsharex/mcpm.sh/internal/session"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
}

// latestProtocolVersion is the version we advertise in initialize responses
const latestProtocolVersion = "2025-03-26"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// JSON-RPC 2.0 types

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// Router-specific error codes
const (
	CodeBackendUnavailable = -32001
	CodeBackendTimeout     = -32002
	CodeBackendProtocol    = -32003
	CodeRouterBusy         = -32004
)

// Verifier checks bearer tokens for the MCP endpoint.
type Verifier interface {
	Verify(token string) (string, error)
}

// Config holds configuration for the MCP server.
type Config struct {
	Router   *router.Router
	Sessions *session.Manager
	Logger   *slog.Logger

	// ShareKey authenticates clients via the ?s=<key> query parameter.
	ShareKey string

	// TokenVerifier authenticates clients via Authorization: Bearer.
	TokenVerifier Verifier

	// RequireAuth rejects requests that carry no valid credentials.
	RequireAuth bool
}

// Server implements the client-facing MCP endpoint.
type Server struct {
	router      *router.Router
	sessions    *session.Manager
	logger      *slog.Logger
	shareKey    string
	verifier    Verifier
	requireAuth bool
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Router == nil {
		return nil, errors.New("router is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if cfg.RequireAuth && cfg.ShareKey == "" && cfg.TokenVerifier == nil {
		return nil, errors.New("share key or token verifier required when auth is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		router:      cfg.Router,
		sessions:    cfg.Sessions,
		logger:      logger.With("component", "mcp"),
		shareKey:    cfg.ShareKey,
		verifier:    cfg.TokenVerifier,
		requireAuth: cfg.RequireAuth,
	}, nil
}

// RegisterRoutes registers the MCP endpoint on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
}

// handleMCP is the single MCP endpoint supporting POST and DELETE per the
// Streamable HTTP transport spec.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		// We don't support server-initiated SSE streams
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete terminates a session. Every pending request the session still
// owns is cancelled.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if s.sessions.Get(sessionID) == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	s.sessions.Delete(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "failed to read request body", nil)
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendJSONRPCError(w, nil, JSONRPCInvalidRequest, "request body too large", nil)
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "invalid JSON", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version", nil)
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	// Non-initialize requests require a valid session.
	var sess *session.Session
	if !isInitialize {
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		sess = s.sessions.Get(sessionID)
		if sess == nil {
			// Session expired or invalid - client must re-initialize
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		sess.Touch()
	}

	// Notifications are accepted and dropped: backends own their own
	// notification streams and the router has no reverse channel.
	if isNotification {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	s.logger.Debug("MCP request", "method", req.Method, "session_id", sessionID)

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, req)
	case "ping":
		s.sendJSONRPCResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.sendJSONRPCResult(w, req.ID, mcptypes.ListToolsResult{Tools: s.router.ListTools()})
	case "tools/call":
		s.handleToolsCall(w, r, req, sess)
	case "prompts/list":
		s.sendJSONRPCResult(w, req.ID, mcptypes.ListPromptsResult{Prompts: s.router.ListPrompts()})
	case "prompts/get":
		s.handlePromptsGet(w, r, req, sess)
	case "resources/list":
		s.sendJSONRPCResult(w, req.ID, mcptypes.ListResourcesResult{Resources: s.router.ListResources()})
	case "resources/read":
		s.handleResourcesRead(w, r, req, sess)
	case "resources/subscribe":
		s.handleSubscribe(w, r, req, sess, true)
	case "resources/unsubscribe":
		s.handleSubscribe(w, r, req, sess, false)
	default:
		s.sendJSONRPCError(w, req.ID, JSONRPCMethodNotFound, "method not found", nil)
	}
}

// handleInitialize handles the MCP initialize handshake and creates a session.
func (s *Server) handleInitialize(w http.ResponseWriter, req JSONRPCRequest) {
	var params struct {
		ProtocolVersion string                  `json:"protocolVersion"`
		ClientInfo      mcptypes.Implementation `json:"clientInfo"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid params", nil)
			return
		}
	}

	// Echo the client's version when we support it, otherwise our latest.
	version := latestProtocolVersion
	if supportedProtocolVersions[params.ProtocolVersion] {
		version = params.ProtocolVersion
	}

	sess := s.sessions.Create(version, params.ClientInfo)
	w.Header().Set("Mcp-Session-Id", sess.ID)

	result := map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"prompts":   map[string]any{"listChanged": true},
			"resources": map[string]any{"subscribe": true, "listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    "mcpm-router",
			"version": "1.0.0",
		},
	}
	s.sendJSONRPCResult(w, req.ID, result)
}

// handleToolsCall forwards a tool call through the router.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, sess *session.Session) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid params", nil)
			return
		}
	}
	if params.Name == "" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "tool name is required", nil)
		return
	}

	res, err := s.router.CallTool(r.Context(), sess, req.ID, params.Name, params.Arguments)
	if err != nil {
		s.sendDispatchError(w, req.ID, req.Method, params.Name, err)
		return
	}
	s.sendJSONRPCResult(w, req.ID, res)
}

// handlePromptsGet forwards a prompt fetch through the router.
func (s *Server) handlePromptsGet(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, sess *session.Session) {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments,omitempty"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid params", nil)
			return
		}
	}
	if params.Name == "" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "prompt name is required", nil)
		return
	}

	res, err := s.router.GetPrompt(r.Context(), sess, req.ID, params.Name, params.Arguments)
	if err != nil {
		s.sendDispatchError(w, req.ID, req.Method, params.Name, err)
		return
	}
	s.sendJSONRPCResult(w, req.ID, res)
}

// handleResourcesRead forwards a resource read through the router.
func (s *Server) handleResourcesRead(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, sess *session.Session) {
	var params struct {
		URI string `json:"uri"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid params", nil)
			return
		}
	}
	if params.URI == "" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "resource uri is required", nil)
		return
	}

	res, err := s.router.ReadResource(r.Context(), sess, req.ID, params.URI)
	if err != nil {
		s.sendDispatchError(w, req.ID, req.Method, params.URI, err)
		return
	}
	s.sendJSONRPCResult(w, req.ID, res)
}

// handleSubscribe forwards resource subscribe/unsubscribe through the router.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, sess *session.Session, subscribe bool) {
	var params struct {
		URI string `json:"uri"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid params", nil)
			return
		}
	}
	if params.URI == "" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "resource uri is required", nil)
		return
	}

	var err error
	if subscribe {
		err = s.router.Subscribe(r.Context(), sess, params.URI)
	} else {
		err = s.router.Unsubscribe(r.Context(), sess, params.URI)
	}
	if err != nil {
		s.sendDispatchError(w, req.ID, req.Method, params.URI, err)
		return
	}
	s.sendJSONRPCResult(w, req.ID, map[string]any{})
}

// authorized checks the share key or bearer token. With no auth configured
// and RequireAuth off, everything passes.
func (s *Server) authorized(r *http.Request) bool {
	if s.shareKey != "" && r.URL.Query().Get("s") == s.shareKey {
		return true
	}
	if s.verifier != nil {
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if _, err := s.verifier.Verify(token); err == nil {
				return true
			}
		}
	}
	return !s.requireAuth
}

// sendDispatchError maps router and backend errors onto JSON-RPC codes. The
// error data names the taxonomy kind so clients can branch without parsing
// the message.
func (s *Server) sendDispatchError(w http.ResponseWriter, id json.RawMessage, method, external string, err error) {
	s.logger.Warn("dispatch failed", "method", method, "name", external, "error", err)

	code := JSONRPCInternalError
	message := err.Error()
	kind := ""

	switch {
	case errors.Is(err, router.ErrNotFound):
		code = JSONRPCInvalidParams
		kind = "NotFound"
	case errors.Is(err, router.ErrBusy), errors.Is(err, router.ErrDraining):
		code = CodeRouterBusy
		kind = "RouterBusy"
	case errors.Is(err, backend.ErrTimeout):
		code = CodeBackendTimeout
		kind = "BackendTimeout"
	case errors.Is(err, backend.ErrUnavailable):
		code = CodeBackendUnavailable
		kind = "BackendUnavailable"
	case errors.Is(err, backend.ErrProtocol):
		code = CodeBackendProtocol
		kind = "BackendProtocolError"
	case errors.Is(err, session.ErrClosed), errors.Is(err, context.Canceled):
		message = "request cancelled"
	}

	var data any
	if kind != "" {
		data = map[string]string{"kind": kind}
	}
	s.sendJSONRPCError(w, id, code, message, data)
}

// sendJSONRPCResult sends a successful JSON-RPC response.
func (s *Server) sendJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

// sendJSONRPCError sends a JSON-RPC error response.
func (s *Server) sendJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string, data any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC error response", "error", err)
	}
}
