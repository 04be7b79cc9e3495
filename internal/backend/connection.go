// ABOUTME: Owns the lifecycle of a single backend MCP server connection.
// ABOUTME: Runs the initialize handshake, caches inventory, and watches health with periodic pings.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/itsharex/mcpm.sh/internal/registry"
)

// State is the lifecycle state of a backend connection.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// EventKind classifies connection events delivered to the supervisor.
type EventKind string

const (
	// EventStateChanged fires on every lifecycle transition.
	EventStateChanged EventKind = "state_changed"

	// EventInventoryChanged fires after a list_changed notification caused
	// the cached tool, prompt, or resource inventory to be refetched.
	EventInventoryChanged EventKind = "inventory_changed"
)

// Event is delivered on the supervisor channel. Err is set when a transition
// was caused by a failure.
type Event struct {
	Alias string
	Kind  EventKind
	State State
	Err   error
}

const (
	defaultPingInterval = 30 * time.Second
	defaultPingTimeout  = 10 * time.Second
	defaultStartTimeout = 30 * time.Second

	// consecutive ping failures before the connection degrades itself
	pingFailureLimit = 3
)

// Config carries the dependencies for one backend connection.
type Config struct {
	Definition registry.ServerDefinition
	Logger     *slog.Logger

	// Factory builds the underlying MCP client. Defaults to NewClient.
	Factory ClientFactory

	// Events receives lifecycle and inventory events. Delivery is
	// non-blocking: if the supervisor falls behind, events are dropped.
	Events chan<- Event

	PingInterval time.Duration
	PingTimeout  time.Duration
	StartTimeout time.Duration
}

// Connection manages one backend server from spawn through handshake to
// shutdown. All exported methods are safe for concurrent use.
type Connection struct {
	def     registry.ServerDefinition
	logger  *slog.Logger
	factory ClientFactory
	events  chan<- Event

	pingInterval time.Duration
	pingTimeout  time.Duration
	startTimeout time.Duration

	mu         sync.RWMutex
	state      State
	client     Client
	serverInfo mcp.Implementation
	caps       mcp.ServerCapabilities
	tools      []mcp.Tool
	prompts    []mcp.Prompt
	resources  []mcp.Resource
	startedAt  time.Time
	lastErr    error

	inflight atomic.Int64
	stopPing chan struct{}
}

// New creates a connection in the Stopped state. Call Start to bring it up.
func New(cfg Config) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := cfg.Factory
	if factory == nil {
		factory = NewClient
	}
	c := &Connection{
		def:          cfg.Definition,
		logger:       logger.With("component", "backend", "server", cfg.Definition.Alias),
		factory:      factory,
		events:       cfg.Events,
		pingInterval: cfg.PingInterval,
		pingTimeout:  cfg.PingTimeout,
		startTimeout: cfg.StartTimeout,
		state:        StateStopped,
	}
	if c.pingInterval <= 0 {
		c.pingInterval = defaultPingInterval
	}
	if c.pingTimeout <= 0 {
		c.pingTimeout = defaultPingTimeout
	}
	if c.startTimeout <= 0 {
		c.startTimeout = defaultStartTimeout
	}
	return c
}

// Alias returns the backend alias this connection serves.
func (c *Connection) Alias() string {
	return c.def.Alias
}

// Definition returns the server definition this connection was built from.
func (c *Connection) Definition() registry.ServerDefinition {
	return c.def
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Start spawns or dials the backend, runs the initialize handshake, and
// fetches the initial inventory. On success the connection is Ready. On
// failure everything is torn down and the error wraps ErrStart.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateStopped && c.state != StateDegraded {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot start from state %q", ErrStart, state)
	}
	old := c.client
	c.client = nil
	c.setStateLocked(StateStarting, nil)
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	startCtx, cancel := context.WithTimeout(ctx, c.startTimeout)
	defer cancel()

	cli, err := c.factory(startCtx, c.def)
	if err != nil {
		c.fail(fmt.Errorf("%w: %w", ErrStart, err))
		return fmt.Errorf("%w: %w", ErrStart, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "mcpm-router",
		Version: "1.0.0",
	}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	initRes, err := cli.Initialize(startCtx, initReq)
	if err != nil {
		_ = cli.Close()
		c.fail(fmt.Errorf("%w: initialize handshake: %w", ErrStart, err))
		return fmt.Errorf("%w: initialize handshake: %w", ErrStart, err)
	}

	tools, prompts, resources, err := c.fetchInventory(startCtx, cli, initRes.Capabilities)
	if err != nil {
		_ = cli.Close()
		c.fail(fmt.Errorf("%w: fetching inventory: %w", ErrStart, err))
		return fmt.Errorf("%w: fetching inventory: %w", ErrStart, err)
	}

	cli.OnNotification(c.handleNotification)

	c.mu.Lock()
	c.client = cli
	c.serverInfo = initRes.ServerInfo
	c.caps = initRes.Capabilities
	c.tools = tools
	c.prompts = prompts
	c.resources = resources
	c.startedAt = time.Now()
	c.stopPing = make(chan struct{})
	c.setStateLocked(StateReady, nil)
	stop := c.stopPing
	c.mu.Unlock()

	go c.pingLoop(stop)

	c.logger.Info("backend ready",
		"server_name", initRes.ServerInfo.Name,
		"server_version", initRes.ServerInfo.Version,
		"tools", len(tools),
		"prompts", len(prompts),
		"resources", len(resources))
	return nil
}

// fetchInventory walks the paginated tool list and, when the backend
// advertises the capability, the prompt and resource lists.
func (c *Connection) fetchInventory(ctx context.Context, cli Client, caps mcp.ServerCapabilities) ([]mcp.Tool, []mcp.Prompt, []mcp.Resource, error) {
	var tools []mcp.Tool
	if caps.Tools != nil {
		var cursor mcp.Cursor
		for {
			req := mcp.ListToolsRequest{}
			req.Params.Cursor = cursor
			res, err := cli.ListTools(ctx, req)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("listing tools: %w", err)
			}
			tools = append(tools, res.Tools...)
			if res.NextCursor == "" {
				break
			}
			cursor = res.NextCursor
		}
	}

	var prompts []mcp.Prompt
	if caps.Prompts != nil {
		var cursor mcp.Cursor
		for {
			req := mcp.ListPromptsRequest{}
			req.Params.Cursor = cursor
			res, err := cli.ListPrompts(ctx, req)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("listing prompts: %w", err)
			}
			prompts = append(prompts, res.Prompts...)
			if res.NextCursor == "" {
				break
			}
			cursor = res.NextCursor
		}
	}

	var resources []mcp.Resource
	if caps.Resources != nil {
		var cursor mcp.Cursor
		for {
			req := mcp.ListResourcesRequest{}
			req.Params.Cursor = cursor
			res, err := cli.ListResources(ctx, req)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("listing resources: %w", err)
			}
			resources = append(resources, res.Resources...)
			if res.NextCursor == "" {
				break
			}
			cursor = res.NextCursor
		}
	}

	return tools, prompts, resources, nil
}

// CallTool forwards a tool call using the backend's original tool name.
// The timeout bounds the whole round trip.
func (c *Connection) CallTool(ctx context.Context, name string, args any, timeout time.Duration) (*mcp.CallToolResult, error) {
	cli, err := c.readyClient()
	if err != nil {
		return nil, err
	}
	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := cli.CallTool(callCtx, req)
	if err != nil {
		return nil, c.classify(callCtx, err)
	}
	return res, nil
}

// GetPrompt forwards a prompt fetch using the backend's original prompt name.
func (c *Connection) GetPrompt(ctx context.Context, name string, args map[string]string, timeout time.Duration) (*mcp.GetPromptResult, error) {
	cli, err := c.readyClient()
	if err != nil {
		return nil, err
	}
	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := cli.GetPrompt(callCtx, req)
	if err != nil {
		return nil, c.classify(callCtx, err)
	}
	return res, nil
}

// ReadResource forwards a resource read using the backend's original URI.
func (c *Connection) ReadResource(ctx context.Context, uri string, timeout time.Duration) (*mcp.ReadResourceResult, error) {
	cli, err := c.readyClient()
	if err != nil {
		return nil, err
	}
	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	res, err := cli.ReadResource(callCtx, req)
	if err != nil {
		return nil, c.classify(callCtx, err)
	}
	return res, nil
}

// Subscribe registers interest in change notifications for a resource.
func (c *Connection) Subscribe(ctx context.Context, uri string) error {
	cli, err := c.readyClient()
	if err != nil {
		return err
	}
	req := mcp.SubscribeRequest{}
	req.Params.URI = uri
	if err := cli.Subscribe(ctx, req); err != nil {
		return c.classify(ctx, err)
	}
	return nil
}

// Unsubscribe removes a resource subscription.
func (c *Connection) Unsubscribe(ctx context.Context, uri string) error {
	cli, err := c.readyClient()
	if err != nil {
		return err
	}
	req := mcp.UnsubscribeRequest{}
	req.Params.URI = uri
	if err := cli.Unsubscribe(ctx, req); err != nil {
		return c.classify(ctx, err)
	}
	return nil
}

// Stop transitions through Stopping to Stopped. The underlying client is
// closed politely; if closing does not finish before the context deadline the
// connection is abandoned and reported Stopped anyway.
func (c *Connection) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped || c.state == StateStopping {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateStopping, nil)
	cli := c.client
	c.client = nil
	stop := c.stopPing
	c.stopPing = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	var closeErr error
	if cli != nil {
		done := make(chan error, 1)
		go func() { done <- cli.Close() }()
		select {
		case closeErr = <-done:
		case <-ctx.Done():
			closeErr = fmt.Errorf("close timed out: %w", ctx.Err())
			c.logger.Warn("backend did not shut down in time, abandoning", "error", ctx.Err())
		}
	}

	c.mu.Lock()
	c.setStateLocked(StateStopped, nil)
	c.mu.Unlock()

	c.logger.Info("backend stopped")
	return closeErr
}

// InFlight returns the number of requests currently forwarded to the backend.
func (c *Connection) InFlight() int {
	return int(c.inflight.Load())
}

// AwaitIdle blocks until no forwarded requests remain or the context expires.
// Used when draining a backend out of the active profile: in-flight requests
// finish (or time out) before the transport is closed underneath them.
func (c *Connection) AwaitIdle(ctx context.Context) {
	if c.inflight.Load() == 0 {
		return
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.inflight.Load() == 0 {
				return
			}
		}
	}
}

// Tools returns a copy of the cached tool inventory.
func (c *Connection) Tools() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Prompts returns a copy of the cached prompt inventory.
func (c *Connection) Prompts() []mcp.Prompt {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Prompt, len(c.prompts))
	copy(out, c.prompts)
	return out
}

// Resources returns a copy of the cached resource inventory.
func (c *Connection) Resources() []mcp.Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]mcp.Resource, len(c.resources))
	copy(out, c.resources)
	return out
}

// Health is a point-in-time snapshot for status reporting.
type Health struct {
	Alias     string    `json:"alias"`
	State     State     `json:"state"`
	Transport string    `json:"transport"`
	Server    string    `json:"server_name,omitempty"`
	Version   string    `json:"server_version,omitempty"`
	Tools     int       `json:"tools"`
	Prompts   int       `json:"prompts"`
	Resources int       `json:"resources"`
	StartedAt time.Time `json:"started_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Health returns the current health snapshot.
func (c *Connection) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := Health{
		Alias:     c.def.Alias,
		State:     c.state,
		Transport: string(c.def.Transport),
		Server:    c.serverInfo.Name,
		Version:   c.serverInfo.Version,
		Tools:     len(c.tools),
		Prompts:   len(c.prompts),
		Resources: len(c.resources),
		StartedAt: c.startedAt,
	}
	if c.lastErr != nil {
		h.LastError = c.lastErr.Error()
	}
	return h
}

// readyClient returns the client if the connection is Ready.
func (c *Connection) readyClient() (Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateReady || c.client == nil {
		return nil, fmt.Errorf("%w: %q is %s", ErrUnavailable, c.def.Alias, c.state)
	}
	return c.client, nil
}

// classify maps a transport error onto the taxonomy. Deadline expiry becomes
// ErrTimeout; a reply the client could not decode becomes ErrProtocol and
// degrades the connection; everything else passes through for the edge to
// report.
func (c *Connection) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %q: %w", ErrTimeout, c.def.Alias, err)
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		c.degrade(fmt.Errorf("malformed response: %w", err))
		return fmt.Errorf("%w: %q: %w", ErrProtocol, c.def.Alias, err)
	}
	return fmt.Errorf("backend %q: %w", c.def.Alias, err)
}

// fail records a start failure and moves to Degraded, so the backend stays
// visible in health reporting and the restart supervisor can pick it up.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	c.setStateLocked(StateDegraded, err)
}

// setStateLocked transitions state and emits an event. Caller holds mu.
func (c *Connection) setStateLocked(next State, err error) {
	if c.state == next {
		return
	}
	c.state = next
	if err != nil {
		c.lastErr = err
	}
	c.emit(Event{Alias: c.def.Alias, Kind: EventStateChanged, State: next, Err: err})
}

// emit delivers an event without blocking.
func (c *Connection) emit(ev Event) {
	if c.events == nil {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("dropping backend event, supervisor channel full", "kind", ev.Kind, "state", ev.State)
	}
}

// pingLoop degrades the connection after repeated health check failures.
// Timeouts on individual requests never degrade; only the ping verdict does.
func (c *Connection) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			cli, err := c.readyClient()
			if err != nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.pingTimeout)
			err = cli.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			c.logger.Warn("backend ping failed", "failures", failures, "error", err)
			if failures >= pingFailureLimit {
				c.degrade(fmt.Errorf("health check failed %d times: %w", failures, err))
				return
			}
		}
	}
}

// degrade moves a Ready connection to Degraded. The supervisor decides
// whether to attempt a restart.
func (c *Connection) degrade(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return
	}
	c.logger.Error("backend degraded", "error", err)
	c.setStateLocked(StateDegraded, err)
}

// handleNotification refreshes the cached inventory when the backend
// announces a list change. Other notifications are logged and dropped; the
// router has no per-client fanout path for them.
func (c *Connection) handleNotification(n mcp.JSONRPCNotification) {
	switch n.Method {
	case "notifications/tools/list_changed",
		"notifications/prompts/list_changed",
		"notifications/resources/list_changed":
		go c.refreshInventory(n.Method)
	default:
		c.logger.Debug("ignoring backend notification", "method", n.Method)
	}
}

// refreshInventory refetches the lists after a list_changed notification and
// tells the supervisor so it can rebuild the namespace table.
func (c *Connection) refreshInventory(reason string) {
	c.mu.RLock()
	cli := c.client
	caps := c.caps
	state := c.state
	c.mu.RUnlock()
	if state != StateReady || cli == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.startTimeout)
	defer cancel()

	tools, prompts, resources, err := c.fetchInventory(ctx, cli, caps)
	if err != nil {
		c.logger.Warn("inventory refresh failed", "reason", reason, "error", err)
		return
	}

	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return
	}
	c.tools = tools
	c.prompts = prompts
	c.resources = resources
	c.mu.Unlock()

	c.logger.Info("inventory refreshed", "reason", reason,
		"tools", len(tools), "prompts", len(prompts), "resources", len(resources))
	c.emit(Event{Alias: c.def.Alias, Kind: EventInventoryChanged, State: StateReady})
}
