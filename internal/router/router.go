// ABOUTME: Router core holding the active profile snapshot and the dispatch path.
// ABOUTME: Requests read one atomic snapshot; swaps install a new one without blocking reads.

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/itsharex/mcpm.sh/internal/backend"
	"github.com/itsharex/mcpm.sh/internal/metrics"
	"github.com/itsharex/mcpm.sh/internal/namespace"
	"github.com/itsharex/mcpm.sh/internal/session"
	"github.com/itsharex/mcpm.sh/internal/store"
)

// State is the router lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateDraining     State = "draining"
	StateStopped      State = "stopped"
)

var (
	// ErrNotFound means no entry in the active namespace table matches the
	// requested external identifier.
	ErrNotFound = errors.New("unknown identifier")

	// ErrBusy means the in-flight request bound was reached. The client
	// should back off and retry.
	ErrBusy = errors.New("router at capacity")

	// ErrDraining means the router is shutting down and accepts no new work.
	ErrDraining = errors.New("router is draining")
)

const (
	defaultMaxPending  = 256
	defaultCallTimeout = 30 * time.Second
	defaultSwapTimeout = 60 * time.Second
	defaultDrainGrace  = 10 * time.Second
)

// Auditor records router history. *store.SQLiteStore satisfies it.
type Auditor interface {
	RecordEvent(ctx context.Context, ev store.Event) error
	RecordCall(ctx context.Context, call store.Call) error
}

// snapshot is the immutable view requests dispatch against. Swaps build a
// complete replacement and install it with one pointer store.
type snapshot struct {
	profile string
	order   []string
	conns   map[string]*backend.Connection
	table   *namespace.Table
}

// Config carries the router's dependencies and tuning knobs.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Auditor Auditor

	// Factory builds backend clients. Defaults to backend.NewClient;
	// tests inject fakes.
	Factory backend.ClientFactory

	// MaxPending bounds concurrently forwarded requests.
	MaxPending int

	CallTimeout  time.Duration
	SwapTimeout  time.Duration
	DrainGrace   time.Duration
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// Router owns the active backend set and forwards client requests. All
// exported methods are safe for concurrent use.
type Router struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	auditor Auditor
	factory backend.ClientFactory

	maxPending   int
	callTimeout  time.Duration
	swapTimeout  time.Duration
	drainGrace   time.Duration
	pingInterval time.Duration
	pingTimeout  time.Duration

	current atomic.Pointer[snapshot]

	stateMu sync.RWMutex
	state   State

	// swapMu serializes Activate, Deactivate, table rebuilds, and Shutdown.
	swapMu sync.Mutex

	admission chan struct{}
	events    chan backend.Event
	stop      chan struct{}
	wg        sync.WaitGroup

	restartMu  sync.Mutex
	restarting map[string]bool
}

// New creates a router in the Initializing state with an empty namespace
// table. It serves empty lists until the first Activate.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		logger:       logger.With("component", "router"),
		metrics:      cfg.Metrics,
		auditor:      cfg.Auditor,
		factory:      cfg.Factory,
		maxPending:   cfg.MaxPending,
		callTimeout:  cfg.CallTimeout,
		swapTimeout:  cfg.SwapTimeout,
		drainGrace:   cfg.DrainGrace,
		pingInterval: cfg.PingInterval,
		pingTimeout:  cfg.PingTimeout,
		state:        StateInitializing,
		events:       make(chan backend.Event, 128),
		stop:         make(chan struct{}),
		restarting:   map[string]bool{},
	}
	if r.maxPending <= 0 {
		r.maxPending = defaultMaxPending
	}
	if r.callTimeout <= 0 {
		r.callTimeout = defaultCallTimeout
	}
	if r.swapTimeout <= 0 {
		r.swapTimeout = defaultSwapTimeout
	}
	if r.drainGrace <= 0 {
		r.drainGrace = defaultDrainGrace
	}
	r.admission = make(chan struct{}, r.maxPending)
	r.current.Store(&snapshot{conns: map[string]*backend.Connection{}, table: namespace.Empty()})

	r.wg.Add(1)
	go r.eventLoop()
	return r
}

// State returns the router lifecycle state.
func (r *Router) State() State {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

func (r *Router) setState(s State) {
	r.stateMu.Lock()
	r.state = s
	r.stateMu.Unlock()
}

// ActiveProfile returns the name of the active profile, or "" if none.
func (r *Router) ActiveProfile() string {
	return r.current.Load().profile
}

// ListTools returns the aggregate renamed tool list for the active profile.
func (r *Router) ListTools() []mcp.Tool {
	return r.current.Load().table.Tools()
}

// ListPrompts returns the aggregate renamed prompt list.
func (r *Router) ListPrompts() []mcp.Prompt {
	return r.current.Load().table.Prompts()
}

// ListResources returns the aggregate renamed resource list.
func (r *Router) ListResources() []mcp.Resource {
	return r.current.Load().table.Resources()
}

// CallTool resolves an external tool name and forwards the call to its
// backend. The session, when present, tracks the in-flight request so a
// vanishing client cancels it.
func (r *Router) CallTool(ctx context.Context, sess *session.Session, clientID any, external string, args any) (*mcp.CallToolResult, error) {
	release, err := r.admit()
	if err != nil {
		return nil, err
	}
	defer release()

	snap := r.current.Load()
	entry, ok := snap.table.ResolveTool(external)
	if !ok {
		return nil, fmt.Errorf("%w: tool %q", ErrNotFound, external)
	}
	conn := snap.conns[entry.Backend]
	if conn == nil {
		return nil, fmt.Errorf("%w: %q", backend.ErrUnavailable, entry.Backend)
	}

	callCtx, cancel, done, err := r.track(ctx, sess, clientID, entry.Backend, "tools/call")
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer done()

	start := time.Now()
	res, err := conn.CallTool(callCtx, entry.Original, args, r.callTimeout)
	r.observe(ctx, sess, entry.Backend, external, "tools/call", start, err)
	return res, err
}

// GetPrompt resolves an external prompt name and forwards the fetch.
func (r *Router) GetPrompt(ctx context.Context, sess *session.Session, clientID any, external string, args map[string]string) (*mcp.GetPromptResult, error) {
	release, err := r.admit()
	if err != nil {
		return nil, err
	}
	defer release()

	snap := r.current.Load()
	entry, ok := snap.table.ResolvePrompt(external)
	if !ok {
		return nil, fmt.Errorf("%w: prompt %q", ErrNotFound, external)
	}
	conn := snap.conns[entry.Backend]
	if conn == nil {
		return nil, fmt.Errorf("%w: %q", backend.ErrUnavailable, entry.Backend)
	}

	callCtx, cancel, done, err := r.track(ctx, sess, clientID, entry.Backend, "prompts/get")
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer done()

	start := time.Now()
	res, err := conn.GetPrompt(callCtx, entry.Original, args, r.callTimeout)
	r.observe(ctx, sess, entry.Backend, external, "prompts/get", start, err)
	return res, err
}

// ReadResource resolves an external resource URI and forwards the read.
func (r *Router) ReadResource(ctx context.Context, sess *session.Session, clientID any, externalURI string) (*mcp.ReadResourceResult, error) {
	release, err := r.admit()
	if err != nil {
		return nil, err
	}
	defer release()

	snap := r.current.Load()
	entry, ok := snap.table.ResolveResource(externalURI)
	if !ok {
		return nil, fmt.Errorf("%w: resource %q", ErrNotFound, externalURI)
	}
	conn := snap.conns[entry.Backend]
	if conn == nil {
		return nil, fmt.Errorf("%w: %q", backend.ErrUnavailable, entry.Backend)
	}

	callCtx, cancel, done, err := r.track(ctx, sess, clientID, entry.Backend, "resources/read")
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer done()

	start := time.Now()
	res, err := conn.ReadResource(callCtx, entry.Original, r.callTimeout)
	r.observe(ctx, sess, entry.Backend, externalURI, "resources/read", start, err)
	return res, err
}

// Subscribe forwards a resource subscription and records it on the session.
func (r *Router) Subscribe(ctx context.Context, sess *session.Session, externalURI string) error {
	snap := r.current.Load()
	entry, ok := snap.table.ResolveResource(externalURI)
	if !ok {
		return fmt.Errorf("%w: resource %q", ErrNotFound, externalURI)
	}
	conn := snap.conns[entry.Backend]
	if conn == nil {
		return fmt.Errorf("%w: %q", backend.ErrUnavailable, entry.Backend)
	}
	if err := conn.Subscribe(ctx, entry.Original); err != nil {
		return err
	}
	if sess != nil {
		sess.Subscribe(externalURI)
	}
	return nil
}

// Unsubscribe forwards a resource unsubscription.
func (r *Router) Unsubscribe(ctx context.Context, sess *session.Session, externalURI string) error {
	snap := r.current.Load()
	entry, ok := snap.table.ResolveResource(externalURI)
	if !ok {
		return fmt.Errorf("%w: resource %q", ErrNotFound, externalURI)
	}
	conn := snap.conns[entry.Backend]
	if conn == nil {
		return fmt.Errorf("%w: %q", backend.ErrUnavailable, entry.Backend)
	}
	if err := conn.Unsubscribe(ctx, entry.Original); err != nil {
		return err
	}
	if sess != nil {
		sess.Unsubscribe(externalURI)
	}
	return nil
}

// admit takes an admission slot without blocking.
func (r *Router) admit() (func(), error) {
	if s := r.State(); s == StateDraining || s == StateStopped {
		return nil, ErrDraining
	}
	select {
	case r.admission <- struct{}{}:
		if r.metrics != nil {
			r.metrics.SetPending(len(r.admission))
		}
		return func() {
			<-r.admission
			if r.metrics != nil {
				r.metrics.SetPending(len(r.admission))
			}
		}, nil
	default:
		if r.metrics != nil {
			r.metrics.AdmissionRejected()
		}
		return nil, ErrBusy
	}
}

// track registers the request on the session so session teardown cancels it.
func (r *Router) track(ctx context.Context, sess *session.Session, clientID any, backendAlias, method string) (context.Context, context.CancelFunc, func(), error) {
	callCtx, cancel := context.WithCancel(ctx)
	if sess == nil {
		return callCtx, cancel, func() {}, nil
	}
	reqID := uuid.NewString()
	if err := sess.Track(reqID, clientID, backendAlias, method, cancel); err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return callCtx, cancel, func() { sess.Finish(reqID) }, nil
}

// observe records the call in metrics and the usage log.
func (r *Router) observe(ctx context.Context, sess *session.Session, backendAlias, external, method string, start time.Time, err error) {
	elapsed := time.Since(start)
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, backend.ErrTimeout):
		status = "timeout"
	case errors.Is(err, backend.ErrUnavailable):
		status = "unavailable"
	default:
		status = "error"
	}

	if r.metrics != nil {
		r.metrics.ObserveCall(backendAlias, method, status, elapsed)
	}
	if r.auditor != nil {
		call := store.Call{
			Backend:    backendAlias,
			ExternalID: external,
			Method:     method,
			Status:     status,
			Duration:   elapsed.Milliseconds(),
		}
		if sess != nil {
			call.SessionID = sess.ID
		}
		if err := r.auditor.RecordCall(context.WithoutCancel(ctx), call); err != nil {
			r.logger.Warn("recording call failed", "error", err)
		}
	}
}

// BackendHealth reports the health of every backend in the active profile,
// in profile order.
func (r *Router) BackendHealth() []backend.Health {
	snap := r.current.Load()
	out := make([]backend.Health, 0, len(snap.order))
	for _, alias := range snap.order {
		if conn := snap.conns[alias]; conn != nil {
			out = append(out, conn.Health())
		}
	}
	return out
}

// Status is a point-in-time summary for the control API.
type Status struct {
	State     State            `json:"state"`
	Profile   string           `json:"profile,omitempty"`
	Backends  []backend.Health `json:"backends"`
	Tools     int              `json:"tools"`
	Prompts   int              `json:"prompts"`
	Resources int              `json:"resources"`
	Pending   int              `json:"pending_requests"`
}

// Status returns the router summary.
func (r *Router) Status() Status {
	snap := r.current.Load()
	tools, prompts, resources := snap.table.Size()
	return Status{
		State:     r.State(),
		Profile:   snap.profile,
		Backends:  r.BackendHealth(),
		Tools:     tools,
		Prompts:   prompts,
		Resources: resources,
		Pending:   len(r.admission),
	}
}
