// ABOUTME: HTTP control API handlers for the CLI.
// ABOUTME: Provides status, activate/deactivate, and history endpoints.

package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/itsharex/mcpm.sh/internal/profile"
	"github.com/itsharex/mcpm.sh/internal/registry"
	"github.com/itsharex/mcpm.sh/internal/router"
)

// maxControlBodySize bounds activate payloads (1MB).
const maxControlBodySize = 1 << 20

// StatusResponse is the JSON response for GET /api/status.
type StatusResponse struct {
	Router   router.Status `json:"router"`
	Sessions int           `json:"sessions"`
	Uptime   string        `json:"uptime"`
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports whether the router can serve a profile. Initializing
// and draining states are not ready.
func (d *Daemon) handleReady(w http.ResponseWriter, _ *http.Request) {
	if d.router.State() == router.StateRunning {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"status": string(d.router.State()),
	})
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Router:   d.router.Status(),
		Sessions: d.sessions.Count(),
		Uptime:   time.Since(d.startedAt).Round(time.Second).String(),
	})
}

// handleActivate swaps the router onto the posted profile spec. The CLI
// resolves profile membership; the daemon never reads profile files.
func (d *Daemon) handleActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body")
		return
	}
	var spec registry.ProfileSpec
	if err := json.Unmarshal(body, &spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid profile spec")
		return
	}

	report, err := d.router.Activate(r.Context(), spec)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, profile.ErrEmptyProfile),
			errors.Is(err, profile.ErrDuplicateAlias),
			errors.Is(err, registry.ErrEmptyAlias),
			errors.Is(err, registry.ErrReservedAlias),
			errors.Is(err, registry.ErrUnknownTransport),
			errors.Is(err, registry.ErrMissingCommand),
			errors.Is(err, registry.ErrMissingURL):
			status = http.StatusBadRequest
		case errors.Is(err, router.ErrDraining):
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (d *Daemon) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := d.router.Deactivate(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	events, err := d.store.ListEvents(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (d *Daemon) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	usage, err := d.store.UsageSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": usage})
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
