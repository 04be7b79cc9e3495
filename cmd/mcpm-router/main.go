// ABOUTME: Entry point for the mcpm-router daemon and its control CLI.
// ABOUTME: Commands manage the daemon lifecycle and the active profile.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/itsharex/mcpm.sh/internal/auth"
	"github.com/itsharex/mcpm.sh/internal/backend"
	"github.com/itsharex/mcpm.sh/internal/config"
	"github.com/itsharex/mcpm.sh/internal/daemon"
	"github.com/itsharex/mcpm.sh/internal/registry"
	"github.com/itsharex/mcpm.sh/internal/router"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _ __ ___   ___ _ __  _ __ ___    _ __ ___  _   _| |_ ___ _ __
| '_ ' _ \ / __| '_ \| '_ ' _ \  | '__/ _ \| | | | __/ _ \ '__|
| | | | | | (__| |_) | | | | | | | | | (_) | |_| | ||  __/ |
|_| |_| |_|\___| .__/|_| |_| |_| |_|  \___/ \__,_|\__\___|_|
               |_|
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mcpm-router <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                          Start the router daemon in the foreground")
		fmt.Println("  off                            Stop a running daemon")
		fmt.Println("  status                         Show daemon state and active profile")
		fmt.Println("  activate -p NAME -f FILE       Activate a profile from a servers file")
		fmt.Println("  deactivate                     Stop all backends, keep the daemon running")
		fmt.Println("  set [-H HOST] [-p PORT]        Update the listen address in the config file")
		fmt.Println("  token -s SUBJECT [-e TTL]      Mint a bearer token from the configured JWT secret")
		fmt.Println("  init                           Write a default config file")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "off":
		err = runOff()
	case "status":
		err = runStatus(ctx)
	case "activate":
		err = runActivate(ctx, os.Args[2:])
	case "deactivate":
		err = runDeactivate(ctx)
	case "set":
		err = runSet(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "init":
		err = runInit()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Endpoint:  http://%s/mcp\n", cfg.Server.Addr())
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Auth.ShareKey != "" {
		green.Print("    ▶ ")
		fmt.Printf("Share key: ")
		yellow.Print("enabled")
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting mcpm-router",
		"config", configPath,
		"addr", cfg.Server.Addr(),
	)

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}

	return d.Run(ctx)
}

func runOff() error {
	cfg, err := config.LoadOrDefault(config.DefaultConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pid, err := daemon.StopByPIDFile(cfg.Server.PIDFile)
	if err != nil {
		return fmt.Errorf("stopping daemon: %w", err)
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
	return nil
}

func runStatus(ctx context.Context) error {
	cfg, err := config.LoadOrDefault(config.DefaultConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var status struct {
		Router   router.Status `json:"router"`
		Sessions int           `json:"sessions"`
		Uptime   string        `json:"uptime"`
	}
	if err := controlGet(ctx, cfg, "/api/status", &status); err != nil {
		return err
	}

	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)

	bold.Printf("mcpm-router @ %s\n", cfg.Server.Addr())
	fmt.Printf("  state:    %s\n", status.Router.State)
	if status.Router.Profile != "" {
		fmt.Printf("  profile:  %s\n", status.Router.Profile)
	} else {
		fmt.Printf("  profile:  ")
		gray.Println("(none)")
	}
	fmt.Printf("  tools:    %d\n", status.Router.Tools)
	fmt.Printf("  prompts:  %d\n", status.Router.Prompts)
	fmt.Printf("  resources:%d\n", status.Router.Resources)
	fmt.Printf("  sessions: %d\n", status.Sessions)
	fmt.Printf("  pending:  %d\n", status.Router.Pending)
	fmt.Printf("  uptime:   %s\n", status.Uptime)

	if len(status.Router.Backends) > 0 {
		fmt.Println("  backends:")
		for _, b := range status.Router.Backends {
			marker := color.GreenString("●")
			if b.State != backend.StateReady {
				marker = color.YellowString("●")
			}
			fmt.Printf("    %s %-12s %s\n", marker, b.Alias, b.State)
		}
	}
	return nil
}

func runActivate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("activate", flag.ExitOnError)
	name := fs.String("p", "", "profile name")
	file := fs.String("f", "", "servers file (YAML)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *file == "" {
		return fmt.Errorf("activate requires -p NAME and -f FILE")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("reading servers file: %w", err)
	}

	// The file either holds a bare server list or a full profile spec.
	var servers []registry.ServerDefinition
	if err := yaml.Unmarshal(data, &servers); err != nil {
		var spec registry.ProfileSpec
		if err2 := yaml.Unmarshal(data, &spec); err2 != nil {
			return fmt.Errorf("parsing servers file: %w", err)
		}
		servers = spec.Servers
	}

	cfg, err := config.LoadOrDefault(config.DefaultConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var report router.SwapReport
	err = controlPost(ctx, cfg, "/api/activate", registry.ProfileSpec{
		Name:    *name,
		Servers: servers,
	}, &report)
	if err != nil {
		return err
	}

	fmt.Printf("activated profile %q\n", report.Profile)
	for _, alias := range report.Started {
		fmt.Printf("  %s %s\n", color.GreenString("started"), alias)
	}
	for _, alias := range report.Kept {
		fmt.Printf("  %s %s\n", color.HiBlackString("kept   "), alias)
	}
	for _, alias := range report.Removed {
		fmt.Printf("  %s %s\n", color.HiBlackString("removed"), alias)
	}
	for alias, reason := range report.Failed {
		fmt.Printf("  %s %s: %s\n", color.RedString("failed "), alias, reason)
	}
	return nil
}

func runDeactivate(ctx context.Context) error {
	cfg, err := config.LoadOrDefault(config.DefaultConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := controlPost(ctx, cfg, "/api/deactivate", nil, nil); err != nil {
		return err
	}
	fmt.Println("deactivated")
	return nil
}

func runSet(args []string) error {
	fs := flag.NewFlagSet("set", flag.ExitOnError)
	host := fs.String("H", "", "listen host")
	port := fs.Int("p", 0, "listen port")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *host == "" && *port == 0 {
		return fmt.Errorf("set requires -H HOST and/or -p PORT")
	}

	configPath := config.DefaultConfigPath()
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(configPath); err != nil {
		return err
	}

	fmt.Printf("config updated: %s\n", cfg.Server.Addr())
	fmt.Println("restart the daemon to apply")
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("s", "", "who the token is issued to")
	ttl := fs.Duration("e", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("token requires -s SUBJECT")
	}

	cfg, err := config.LoadOrDefault(config.DefaultConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(*subject, *ttl)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runInit() error {
	configPath := config.DefaultConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}

	cfg := config.Default()
	if err := cfg.Save(configPath); err != nil {
		return err
	}
	fmt.Printf("wrote default config to %s\n", configPath)
	return nil
}

// controlURL builds a control API URL, attaching the share key when the
// daemon requires it.
func controlURL(cfg *config.Config, path string) string {
	u := url.URL{Scheme: "http", Host: cfg.Server.Addr(), Path: path}
	if cfg.Auth.ShareKey != "" {
		q := u.Query()
		q.Set("s", cfg.Auth.ShareKey)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func controlGet(ctx context.Context, cfg *config.Config, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, controlURL(cfg, path), nil)
	if err != nil {
		return err
	}
	return doControl(req, out)
}

func controlPost(ctx context.Context, cfg *config.Config, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = strings.NewReader(string(data))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL(cfg, path), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doControl(req, out)
}

func doControl(req *http.Request, out any) error {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
