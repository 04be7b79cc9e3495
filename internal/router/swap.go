// ABOUTME: Profile activation, deactivation, and backend supervision.
// ABOUTME: Builds a complete replacement snapshot, installs it atomically, then drains the old set.

package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itsharex/mcpm.sh/internal/backend"
	"github.com/itsharex/mcpm.sh/internal/namespace"
	"github.com/itsharex/mcpm.sh/internal/profile"
	"github.com/itsharex/mcpm.sh/internal/registry"
	"github.com/itsharex/mcpm.sh/internal/store"
)

// SwapReport summarizes what an activation did. Failed maps backend aliases
// to start errors; a partial activation still commits the survivors, and the
// failed backends remain in the profile as degraded.
type SwapReport struct {
	Profile string            `json:"profile"`
	Started []string          `json:"started"`
	Kept    []string          `json:"kept"`
	Removed []string          `json:"removed"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Activate swaps the router onto a profile. Unchanged backends keep running,
// new ones start in parallel, and removed ones drain after the new snapshot
// is visible. In-flight requests finish against the old snapshot.
func (r *Router) Activate(ctx context.Context, spec registry.ProfileSpec) (*SwapReport, error) {
	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	if s := r.State(); s == StateDraining || s == StateStopped {
		return nil, ErrDraining
	}

	defs, err := profile.Resolve(spec)
	if err != nil {
		if r.metrics != nil {
			r.metrics.SwapResult(false)
		}
		return nil, err
	}

	old := r.current.Load()
	diff := profile.Compute(old.order, defs)
	r.logger.Info("activating profile", "profile", spec.Name,
		"added", len(diff.Added), "removed", len(diff.Removed), "kept", len(diff.Kept))

	// Start the additions in parallel, each bounded by the swap timeout.
	// Failed starters stay in the snapshot as degraded connections so
	// health reporting covers them; only their namespace entries are
	// missing.
	added := make(map[string]*backend.Connection, len(diff.Added))
	failed := map[string]string{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, def := range diff.Added {
		g.Go(func() error {
			conn := backend.New(backend.Config{
				Definition:   def,
				Logger:       r.logger,
				Factory:      r.factory,
				Events:       r.events,
				PingInterval: r.pingInterval,
				PingTimeout:  r.pingTimeout,
				StartTimeout: r.swapTimeout,
			})
			err := conn.Start(gctx)
			mu.Lock()
			defer mu.Unlock()
			added[def.Alias] = conn
			if err != nil {
				failed[def.Alias] = err.Error()
				r.logger.Error("backend failed to start", "server", def.Alias, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	// Assemble the replacement snapshot in profile order.
	next := &snapshot{
		profile: spec.Name,
		conns:   make(map[string]*backend.Connection, len(defs)),
	}
	var inventories []namespace.Inventory
	for _, def := range defs {
		conn := added[def.Alias]
		if conn == nil {
			conn = old.conns[def.Alias]
		}
		if conn == nil {
			continue
		}
		next.conns[def.Alias] = conn
		next.order = append(next.order, def.Alias)
		inventories = append(inventories, namespace.Inventory{
			Alias:     def.Alias,
			Tools:     conn.Tools(),
			Prompts:   conn.Prompts(),
			Resources: conn.Resources(),
		})
	}

	table, err := namespace.Build(inventories)
	if err != nil {
		// Roll back: stop what we just started, keep the old snapshot.
		for _, conn := range added {
			go r.drain(conn)
		}
		if r.metrics != nil {
			r.metrics.SwapResult(false)
		}
		return nil, fmt.Errorf("building namespace table: %w", err)
	}
	next.table = table

	r.current.Store(next)
	r.setState(StateRunning)

	// Old backends drain after the swap point so in-flight requests against
	// the old snapshot can still finish.
	for _, alias := range diff.Removed {
		if conn := old.conns[alias]; conn != nil {
			go r.drain(conn)
		}
	}

	report := &SwapReport{
		Profile: spec.Name,
		Kept:    diff.Kept,
		Removed: diff.Removed,
	}
	for alias := range added {
		if _, bad := failed[alias]; !bad {
			report.Started = append(report.Started, alias)
		}
	}
	sort.Strings(report.Started)
	if len(failed) > 0 {
		report.Failed = failed
	}

	r.updateBackendGauges()
	if r.metrics != nil {
		r.metrics.SwapResult(len(failed) == 0)
	}
	r.audit(ctx, store.Event{
		Kind:    "profile_activated",
		Profile: spec.Name,
		Detail:  fmt.Sprintf("started=%d kept=%d removed=%d failed=%d", len(report.Started), len(diff.Kept), len(diff.Removed), len(failed)),
	})

	r.logger.Info("profile active", "profile", spec.Name,
		"backends", len(next.order), "failed", len(failed))
	return report, nil
}

// Deactivate stops every backend and returns the router to the no-profile
// state. Clients see empty lists afterwards.
func (r *Router) Deactivate(ctx context.Context) error {
	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	old := r.current.Load()
	r.current.Store(&snapshot{conns: map[string]*backend.Connection{}, table: namespace.Empty()})

	for _, alias := range old.order {
		if conn := old.conns[alias]; conn != nil {
			go r.drain(conn)
		}
	}

	r.updateBackendGauges()
	if old.profile != "" {
		r.audit(ctx, store.Event{Kind: "profile_deactivated", Profile: old.profile})
		r.logger.Info("profile deactivated", "profile", old.profile)
	}
	return nil
}

// Shutdown drains the router: no new requests are admitted and every
// backend is stopped within the context deadline.
func (r *Router) Shutdown(ctx context.Context) error {
	r.setState(StateDraining)

	r.swapMu.Lock()
	old := r.current.Load()
	r.current.Store(&snapshot{conns: map[string]*backend.Connection{}, table: namespace.Empty()})
	r.swapMu.Unlock()

	var wg sync.WaitGroup
	for _, alias := range old.order {
		conn := old.conns[alias]
		if conn == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn.AwaitIdle(ctx)
			if err := conn.Stop(ctx); err != nil {
				r.logger.Warn("backend stop during shutdown", "server", conn.Alias(), "error", err)
			}
		}()
	}
	wg.Wait()

	close(r.stop)
	r.wg.Wait()
	r.setState(StateStopped)
	r.logger.Info("router stopped")
	return nil
}

// drain stops a removed backend with the drain grace as its total deadline.
// In-flight requests dispatched against the old snapshot keep the transport
// open until they finish or time out; only then does the backend stop.
func (r *Router) drain(conn *backend.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), r.drainGrace)
	defer cancel()
	conn.AwaitIdle(ctx)
	if err := conn.Stop(ctx); err != nil {
		r.logger.Warn("draining backend", "server", conn.Alias(), "error", err)
	}
}

// eventLoop reacts to backend lifecycle and inventory events.
func (r *Router) eventLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case ev := <-r.events:
			r.handleEvent(ev)
		}
	}
}

func (r *Router) handleEvent(ev backend.Event) {
	switch ev.Kind {
	case backend.EventInventoryChanged:
		r.rebuildTable()
	case backend.EventStateChanged:
		r.updateBackendGauges()
		if ev.State == backend.StateDegraded {
			r.audit(context.Background(), store.Event{
				Kind:    "backend_degraded",
				Backend: ev.Alias,
				Detail:  errDetail(ev.Err),
			})
			go r.superviseRestart(ev.Alias)
		}
	}
}

// rebuildTable refreshes the namespace table from current inventories while
// keeping the same backend set. Serialized with swaps.
func (r *Router) rebuildTable() {
	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	old := r.current.Load()
	var inventories []namespace.Inventory
	for _, alias := range old.order {
		conn := old.conns[alias]
		if conn == nil {
			continue
		}
		inventories = append(inventories, namespace.Inventory{
			Alias:     alias,
			Tools:     conn.Tools(),
			Prompts:   conn.Prompts(),
			Resources: conn.Resources(),
		})
	}

	table, err := namespace.Build(inventories)
	if err != nil {
		r.logger.Error("rebuilding namespace table", "error", err)
		return
	}

	next := &snapshot{
		profile: old.profile,
		order:   old.order,
		conns:   old.conns,
		table:   table,
	}
	r.current.Store(next)

	tools, prompts, resources := table.Size()
	r.logger.Info("namespace table rebuilt", "tools", tools, "prompts", prompts, "resources", resources)
}

const (
	restartAttempts = 3
	restartBackoff  = time.Second
)

// superviseRestart tries to bring a degraded backend back with bounded
// exponential backoff. If the profile swaps underneath it, it gives up.
func (r *Router) superviseRestart(alias string) {
	r.restartMu.Lock()
	if r.restarting[alias] {
		r.restartMu.Unlock()
		return
	}
	r.restarting[alias] = true
	r.restartMu.Unlock()
	defer func() {
		r.restartMu.Lock()
		delete(r.restarting, alias)
		r.restartMu.Unlock()
	}()

	backoff := restartBackoff
	for attempt := 1; attempt <= restartAttempts; attempt++ {
		select {
		case <-r.stop:
			return
		case <-time.After(backoff):
		}
		backoff *= 2

		snap := r.current.Load()
		conn := snap.conns[alias]
		if conn == nil {
			// Profile swapped underneath; the new set owns this alias now.
			return
		}
		// A failed attempt leaves the connection Stopped, so retry from
		// either state. Anything else means it recovered on its own.
		if st := conn.State(); st != backend.StateDegraded && st != backend.StateStopped {
			return
		}

		r.logger.Info("restarting degraded backend", "server", alias, "attempt", attempt)
		ctx, cancel := context.WithTimeout(context.Background(), r.swapTimeout)
		err := conn.Start(ctx)
		cancel()
		if err == nil {
			r.rebuildTable()
			r.updateBackendGauges()
			r.audit(context.Background(), store.Event{Kind: "backend_restarted", Backend: alias})
			return
		}
		r.logger.Warn("backend restart failed", "server", alias, "attempt", attempt, "error", err)
	}

	r.audit(context.Background(), store.Event{
		Kind:    "backend_gave_up",
		Backend: alias,
		Detail:  fmt.Sprintf("abandoned after %d restart attempts", restartAttempts),
	})
	r.logger.Error("giving up on backend", "server", alias, "attempts", restartAttempts)
}

func (r *Router) updateBackendGauges() {
	if r.metrics == nil {
		return
	}
	snap := r.current.Load()
	ready := 0
	for _, conn := range snap.conns {
		if conn.State() == backend.StateReady {
			ready++
		}
	}
	r.metrics.SetBackends(ready, len(snap.conns))
}

func (r *Router) audit(ctx context.Context, ev store.Event) {
	if r.auditor == nil {
		return
	}
	if err := r.auditor.RecordEvent(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Warn("recording event failed", "error", err)
	}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
